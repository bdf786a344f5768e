package cache

import (
	"context"

	"flakies/terminal/internal/domain"
)

// CatalogCache keeps the last product list fetched from the remote server so
// the terminal can keep selling while disconnected.
type CatalogCache interface {
	Get(ctx context.Context) (*domain.Catalog, bool, error)
	Set(ctx context.Context, catalog *domain.Catalog) error
}

type NoopCatalogCache struct{}

func (NoopCatalogCache) Get(_ context.Context) (*domain.Catalog, bool, error) {
	return nil, false, nil
}

func (NoopCatalogCache) Set(_ context.Context, _ *domain.Catalog) error {
	return nil
}
