// Package rediscache provides a read-through Redis cache for the plan
// catalog. Plans are read-mostly reference data queried on every billing
// request, so a short TTL keeps catalog edits visible without a database
// round-trip per request.
package rediscache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/paymentops/subsync/internal/billing"
)

// Config is the Redis cache configuration.
type Config struct {
	RedisURL string        `env:"REDIS_URL"`
	TTL      time.Duration `env:"PLAN_CACHE_TTL" envDefault:"5m"`
}

const (
	listKey   = "plans:active"
	planKeyPf = "plans:id:"
)

// Catalog wraps another billing.Catalog with a Redis cache. Cache failures
// degrade to the underlying catalog; they are logged, never surfaced.
type Catalog struct {
	next billing.Catalog
	rdb  *redis.Client
	ttl  time.Duration
	log  *slog.Logger
}

func NewCatalog(next billing.Catalog, rdb *redis.Client, ttl time.Duration, log *slog.Logger) *Catalog {
	if log == nil {
		log = slog.Default()
	}
	return &Catalog{next: next, rdb: rdb, ttl: ttl, log: log}
}

func (c *Catalog) ListActive(ctx context.Context) ([]billing.Plan, error) {
	if data, err := c.rdb.Get(ctx, listKey).Bytes(); err == nil {
		var plans []billing.Plan
		if err := json.Unmarshal(data, &plans); err == nil {
			return plans, nil
		}
	} else if err != redis.Nil {
		c.log.WarnContext(ctx, "plan cache read failed", slog.Any("error", err))
	}

	plans, err := c.next.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(plans); err == nil {
		if err := c.rdb.Set(ctx, listKey, data, c.ttl).Err(); err != nil {
			c.log.WarnContext(ctx, "plan cache write failed", slog.Any("error", err))
		}
	}
	return plans, nil
}

func (c *Catalog) Get(ctx context.Context, id string) (billing.Plan, error) {
	key := planKeyPf + id
	if data, err := c.rdb.Get(ctx, key).Bytes(); err == nil {
		var plan billing.Plan
		if err := json.Unmarshal(data, &plan); err == nil {
			return plan, nil
		}
	} else if err != redis.Nil {
		c.log.WarnContext(ctx, "plan cache read failed", slog.String("plan_id", id), slog.Any("error", err))
	}

	plan, err := c.next.Get(ctx, id)
	if err != nil {
		return billing.Plan{}, err
	}
	if data, err := json.Marshal(plan); err == nil {
		if err := c.rdb.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.log.WarnContext(ctx, "plan cache write failed", slog.String("plan_id", id), slog.Any("error", err))
		}
	}
	return plan, nil
}
