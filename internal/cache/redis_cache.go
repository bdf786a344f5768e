package cache

import (
	"context"
	"encoding/json"

	redis "github.com/redis/go-redis/v9"

	"flakies/terminal/internal/domain"
)

const catalogKey = "flakies:catalog"

type RedisCatalogCache struct {
	client *redis.Client
}

func NewRedisCatalogCache(addr string, password string, db int) *RedisCatalogCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisCatalogCache{client: client}
}

func (c *RedisCatalogCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCatalogCache) Close() error {
	return c.client.Close()
}

func (c *RedisCatalogCache) Get(ctx context.Context) (*domain.Catalog, bool, error) {
	val, err := c.client.Get(ctx, catalogKey).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var catalog domain.Catalog
	if err := json.Unmarshal([]byte(val), &catalog); err != nil {
		return nil, false, err
	}
	return &catalog, true, nil
}

func (c *RedisCatalogCache) Set(ctx context.Context, catalog *domain.Catalog) error {
	if catalog == nil {
		return nil
	}
	payload, err := json.Marshal(catalog)
	if err != nil {
		return err
	}
	// No TTL: a stale catalog is better than none while offline.
	return c.client.Set(ctx, catalogKey, payload, 0).Err()
}
