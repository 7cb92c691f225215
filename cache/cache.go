// Package cache provides the in-memory reference cache over Redis for billing
// codes, service contexts, establishments and validation rules.
//
// Reads are cache-aside: a miss loads the full collection from the store and
// populates the key with a TTL. When Redis is unavailable every operation
// degrades to a direct store call and increments the error counter — a cache
// failure never fails the caller. Reference mutations must call Invalidate so
// the next read repopulates.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"ramqval.facturis.org/models"
)

// Well-known cache keys.
const (
	KeyCodes          = "ramq:codes:all"
	KeyContexts       = "ramq:contexts:all"
	KeyEstablishments = "ramq:establishments:all"
	KeyRules          = "validation:rules:all"
)

const (
	referenceTTL = time.Hour
	rulesTTL     = 24 * time.Hour
)

// RefStore is the slice of the persistence gateway the cache reads through.
type RefStore interface {
	ListCodes(ctx context.Context) ([]models.Code, error)
	ListContexts(ctx context.Context) ([]models.ServiceContext, error)
	ListEstablishments(ctx context.Context) ([]models.Establishment, error)
	ListRules(ctx context.Context) ([]models.Rule, error)
}

// Stats is the observability surface of the cache.
type Stats struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	Invalidations int64   `json:"invalidations"`
	Errors        int64   `json:"errors"`
	HitRatio      float64 `json:"hitRatio"`
	TotalRequests int64   `json:"totalRequests"`
}

// Cache is the process-global reference cache handle.
type Cache struct {
	client *redis.Client
	store  RefStore
	log    *logrus.Entry

	hits          atomic.Int64
	misses        atomic.Int64
	invalidations atomic.Int64
	errors        atomic.Int64
}

// New builds a cache over an existing Redis client.
func New(client *redis.Client, store RefStore, log *logrus.Entry) *Cache {
	return &Cache{client: client, store: store, log: log}
}

// Connect parses a Redis URL and builds a cache, verifying the connection.
func Connect(ctx context.Context, url string, store RefStore, log *logrus.Entry) (*Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return New(client, store, log), nil
}

// Close drains the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

// get runs the cache-aside read for one key. load fetches from the store and
// returns the collection to be cached; dest receives the unmarshalled value on
// a hit.
func (c *Cache) get(ctx context.Context, key string, ttl time.Duration, dest interface{}, load func(context.Context) (interface{}, error)) error {
	data, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		if uerr := json.Unmarshal(data, dest); uerr == nil {
			c.hits.Add(1)
			return nil
		}
		// Corrupt entry: drop it and fall through to the store.
		c.client.Del(ctx, key)
	} else if err != redis.Nil {
		c.errors.Add(1)
		c.log.WithError(err).WithField("key", key).Warn("cache read failed, degrading to store")
		fresh, lerr := load(ctx)
		if lerr != nil {
			return lerr
		}
		return reassign(fresh, dest)
	}

	c.misses.Add(1)
	fresh, err := load(ctx)
	if err != nil {
		return err
	}

	if data, merr := json.Marshal(fresh); merr == nil {
		if serr := c.client.Set(ctx, key, data, ttl).Err(); serr != nil {
			c.errors.Add(1)
			c.log.WithError(serr).WithField("key", key).Warn("cache populate failed")
		}
	}
	return reassign(fresh, dest)
}

// reassign copies a loaded collection into the caller's destination through a
// JSON round-trip, keeping hit and miss paths shape-identical.
func reassign(src, dest interface{}) error {
	data, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// Codes returns all billing codes.
func (c *Cache) Codes(ctx context.Context) ([]models.Code, error) {
	var codes []models.Code
	err := c.get(ctx, KeyCodes, referenceTTL, &codes, func(ctx context.Context) (interface{}, error) {
		return c.store.ListCodes(ctx)
	})
	return codes, err
}

// Contexts returns all service contexts.
func (c *Cache) Contexts(ctx context.Context) ([]models.ServiceContext, error) {
	var contexts []models.ServiceContext
	err := c.get(ctx, KeyContexts, referenceTTL, &contexts, func(ctx context.Context) (interface{}, error) {
		return c.store.ListContexts(ctx)
	})
	return contexts, err
}

// Establishments returns all establishments.
func (c *Cache) Establishments(ctx context.Context) ([]models.Establishment, error) {
	var establishments []models.Establishment
	err := c.get(ctx, KeyEstablishments, referenceTTL, &establishments, func(ctx context.Context) (interface{}, error) {
		return c.store.ListEstablishments(ctx)
	})
	return establishments, err
}

// Rules returns all data-driven validation rules.
func (c *Cache) Rules(ctx context.Context) ([]models.Rule, error) {
	var rules []models.Rule
	err := c.get(ctx, KeyRules, rulesTTL, &rules, func(ctx context.Context) (interface{}, error) {
		return c.store.ListRules(ctx)
	})
	return rules, err
}

// Invalidate drops a cache key after a reference mutation. Errors are counted
// and logged but never returned to the mutation path.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	c.invalidations.Add(1)
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.errors.Add(1)
		c.log.WithError(err).WithField("key", key).Warn("cache invalidation failed")
	}
}

// Warmup populates all four keys in parallel. Called at worker start before
// accepting jobs.
func (c *Cache) Warmup(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make([]error, 4)

	loaders := []func(context.Context) error{
		func(ctx context.Context) error { _, err := c.Codes(ctx); return err },
		func(ctx context.Context) error { _, err := c.Contexts(ctx); return err },
		func(ctx context.Context) error { _, err := c.Establishments(ctx); return err },
		func(ctx context.Context) error { _, err := c.Rules(ctx); return err },
	}
	for i, load := range loaders {
		wg.Add(1)
		go func(i int, load func(context.Context) error) {
			defer wg.Done()
			errs[i] = load(ctx)
		}(i, load)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return fmt.Errorf("cache warmup failed: %w", err)
		}
	}
	return nil
}

// Stats snapshots the counters.
func (c *Cache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses
	ratio := 0.0
	if total > 0 {
		ratio = float64(hits) / float64(total)
	}
	return Stats{
		Hits:          hits,
		Misses:        misses,
		Invalidations: c.invalidations.Load(),
		Errors:        c.errors.Load(),
		HitRatio:      ratio,
		TotalRequests: total,
	}
}
