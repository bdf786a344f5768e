package catalog

import (
	"context"
	"log"
	"time"

	"flakies/terminal/internal/cache"
	"flakies/terminal/internal/domain"
	"flakies/terminal/internal/stock"
)

// Source fetches the product list from the remote server.
type Source interface {
	FetchProducts(ctx context.Context) ([]domain.Product, error)
}

// Service serves the product catalog to the UI, preferring the remote server
// and falling back to the cached copy when disconnected. Fresh fetches seed
// the stock ledger with the server's stock counts.
type Service struct {
	source Source
	cache  cache.CatalogCache
	ledger *stock.Ledger
}

func New(source Source, catalogCache cache.CatalogCache, ledger *stock.Ledger) *Service {
	return &Service{
		source: source,
		cache:  catalogCache,
		ledger: ledger,
	}
}

// Products returns the catalog. online=false skips the remote fetch entirely.
func (s *Service) Products(ctx context.Context, online bool) (domain.Catalog, error) {
	if online {
		products, err := s.source.FetchProducts(ctx)
		if err == nil {
			catalog := domain.Catalog{
				Products:  products,
				FetchedAt: time.Now().UTC(),
			}
			for _, p := range products {
				s.ledger.Set(p.ID, p.Stock)
			}
			if cacheErr := s.cache.Set(ctx, &catalog); cacheErr != nil {
				log.Printf("[catalog] WARN: failed to cache catalog: %v", cacheErr)
			}
			return catalog, nil
		}
		log.Printf("[catalog] WARN: remote fetch failed, trying cache: %v", err)
	}

	cached, ok, err := s.cache.Get(ctx)
	if err != nil {
		return domain.Catalog{}, err
	}
	if !ok {
		return domain.Catalog{Products: []domain.Product{}}, nil
	}
	cached.FromCache = true
	return *cached, nil
}
