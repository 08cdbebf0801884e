package vtu

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/starktol/vtu-platform/internal/gateway"
)

// Catalog caches read-only provider reference data (network lists, data-plan
// catalogs) in redis with a TTL. It sits entirely outside the ledger's
// transactional path.
type Catalog struct {
	rdb    *redis.Client
	client *gateway.Client
	ttl    time.Duration
	log    *zap.SugaredLogger
}

func NewCatalog(rdb *redis.Client, client *gateway.Client, ttl time.Duration, logger *zap.SugaredLogger) *Catalog {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Catalog{rdb: rdb, client: client, ttl: ttl, log: logger}
}

// getOrFetch is the single cache entry point: return the cached value or run
// fetch and cache its result. Cache write failures degrade to fetch-always.
func (c *Catalog) getOrFetch(ctx context.Context, key string, fetch func(context.Context) (string, error)) (string, error) {
	if cached, err := c.rdb.Get(ctx, key).Result(); err == nil {
		return cached, nil
	}
	val, err := fetch(ctx)
	if err != nil {
		return "", err
	}
	if err := c.rdb.Set(ctx, key, val, c.ttl).Err(); err != nil {
		c.log.Warnw("cache reference data", "key", key, "err", err)
	}
	return val, nil
}

// DataPlans returns the provider's data-plan catalog for a network.
func (c *Catalog) DataPlans(ctx context.Context, network string) (json.RawMessage, error) {
	raw, err := c.getOrFetch(ctx, "plans:data:"+network, func(ctx context.Context) (string, error) {
		res, err := c.client.Call(ctx, gateway.Request{
			Method: "GET",
			Path:   "/data-plans",
			Params: map[string]interface{}{"network": network},
		})
		if err != nil {
			return "", err
		}
		b, err := json.Marshal(res.Data.Structured)
		if err != nil {
			return "", err
		}
		return string(b), nil
	})
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

// CableBouquets returns the pay-TV bouquet catalog for a provider.
func (c *Catalog) CableBouquets(ctx context.Context, provider string) (json.RawMessage, error) {
	raw, err := c.getOrFetch(ctx, "plans:cable:"+provider, func(ctx context.Context) (string, error) {
		res, err := c.client.Call(ctx, gateway.Request{
			Method: "GET",
			Path:   "/cable-bouquets",
			Params: map[string]interface{}{"provider": provider},
		})
		if err != nil {
			return "", err
		}
		b, err := json.Marshal(res.Data.Structured)
		if err != nil {
			return "", err
		}
		return string(b), nil
	})
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}
