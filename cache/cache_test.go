package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ramqval.facturis.org/models"
)

type countingStore struct {
	codes          []models.Code
	contexts       []models.ServiceContext
	establishments []models.Establishment
	rules          []models.Rule
	codesCalls     int
	err            error
}

func (s *countingStore) ListCodes(ctx context.Context) ([]models.Code, error) {
	s.codesCalls++
	return s.codes, s.err
}

func (s *countingStore) ListContexts(ctx context.Context) ([]models.ServiceContext, error) {
	return s.contexts, s.err
}

func (s *countingStore) ListEstablishments(ctx context.Context) ([]models.Establishment, error) {
	return s.establishments, s.err
}

func (s *countingStore) ListRules(ctx context.Context) ([]models.Rule, error) {
	return s.rules, s.err
}

func newTestCache(t *testing.T, store RefStore) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return New(client, store, logrus.NewEntry(logger)), mr
}

func TestCacheMissThenHit(t *testing.T) {
	store := &countingStore{codes: []models.Code{{Code: "00103", Description: "Examen ordinaire"}}}
	c, mr := newTestCache(t, store)
	ctx := context.Background()

	codes, err := c.Codes(ctx)
	require.NoError(t, err)
	require.Len(t, codes, 1)
	assert.Equal(t, "00103", codes[0].Code)
	assert.Equal(t, 1, store.codesCalls)
	assert.True(t, mr.Exists(KeyCodes))

	// Second read is served from Redis, not the store.
	codes, err = c.Codes(ctx)
	require.NoError(t, err)
	require.Len(t, codes, 1)
	assert.Equal(t, 1, store.codesCalls)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRatio, 1e-9)
	assert.Equal(t, int64(2), stats.TotalRequests)
}

func TestCacheInvalidate(t *testing.T) {
	store := &countingStore{codes: []models.Code{{Code: "00103"}}}
	c, mr := newTestCache(t, store)
	ctx := context.Background()

	_, err := c.Codes(ctx)
	require.NoError(t, err)
	require.True(t, mr.Exists(KeyCodes))

	c.Invalidate(ctx, KeyCodes)
	assert.False(t, mr.Exists(KeyCodes))

	_, err = c.Codes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, store.codesCalls)
	assert.Equal(t, int64(1), c.Stats().Invalidations)
}

func TestCacheDegradesToStoreWhenRedisDown(t *testing.T) {
	store := &countingStore{codes: []models.Code{{Code: "00103"}}}
	c, mr := newTestCache(t, store)

	mr.Close()

	codes, err := c.Codes(context.Background())
	require.NoError(t, err)
	require.Len(t, codes, 1)
	assert.Equal(t, 1, store.codesCalls)
	assert.GreaterOrEqual(t, c.Stats().Errors, int64(1))
}

func TestCacheCorruptEntryFallsBack(t *testing.T) {
	store := &countingStore{rules: []models.Rule{{ID: "r-1", RuleType: "prohibition", Enabled: true}}}
	c, mr := newTestCache(t, store)

	require.NoError(t, mr.Set(KeyRules, "{not json"))

	rules, err := c.Rules(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "r-1", rules[0].ID)
}

func TestCacheStoreErrorPropagates(t *testing.T) {
	store := &countingStore{err: errors.New("db down")}
	c, _ := newTestCache(t, store)

	_, err := c.Codes(context.Background())
	assert.Error(t, err)
}

func TestCacheWarmup(t *testing.T) {
	store := &countingStore{
		codes:          []models.Code{{Code: "00103"}},
		contexts:       []models.ServiceContext{{Tag: "G160"}},
		establishments: []models.Establishment{{Numero: "55369", EP33: true}},
		rules:          []models.Rule{{ID: "r-1", RuleType: "prohibition"}},
	}
	c, mr := newTestCache(t, store)

	require.NoError(t, c.Warmup(context.Background()))
	for _, key := range []string{KeyCodes, KeyContexts, KeyEstablishments, KeyRules} {
		assert.True(t, mr.Exists(key), key)
	}
}

func TestCacheWarmupPropagatesStoreFailure(t *testing.T) {
	store := &countingStore{err: errors.New("db down")}
	c, _ := newTestCache(t, store)
	assert.Error(t, c.Warmup(context.Background()))
}
