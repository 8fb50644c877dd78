package candle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"

	"jax-backtest/libs/observability"
)

// cache is the narrow surface CacheBackfill needs from a key/value store.
// Satisfied by redisCache in production and a fake in tests.
type cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

type redisCache struct{ rdb *redis.Client }

func (r redisCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (r redisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

// CacheBackfill fetches a day's candle series from a remote archive when the
// local dataset loader has no row for it, fronted by a cache so repeat runs
// over the same range never re-fetch, and a circuit breaker so a down
// archive endpoint degrades to a hard failure instead of stalling every
// subsequent Seed call in the run.
type CacheBackfill struct {
	cache   cache
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker[[]Candle]
	baseURL string
	ttl     time.Duration
}

// NewCacheBackfill wires a CacheBackfill against a live Redis instance and
// an archive HTTP endpoint. rdb may be nil to disable caching and hit the
// archive directly on every miss.
func NewCacheBackfill(rdb *redis.Client, archiveBaseURL string) *CacheBackfill {
	var c cache
	if rdb != nil {
		c = redisCache{rdb: rdb}
	}
	return newCacheBackfill(c, archiveBaseURL)
}

func newCacheBackfill(c cache, archiveBaseURL string) *CacheBackfill {
	cb := &CacheBackfill{
		cache:   c,
		http:    resty.New().SetTimeout(10 * time.Second),
		baseURL: archiveBaseURL,
		ttl:     24 * time.Hour,
	}
	cb.breaker = gobreaker.NewCircuitBreaker[[]Candle](gobreaker.Settings{
		Name:        "candle-archive-backfill",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return cb
}

func cacheKey(symbol string, tf Timeframe, day time.Time) string {
	return fmt.Sprintf("candle:%s:%s:%s", symbol, tf, day.Format("2006-01-02"))
}

// Fetch returns day's candle series for symbol/tf, consulting the cache
// first and falling back to the archive endpoint through the circuit
// breaker on a miss. Backfill is best-effort: callers must not treat it as
// a substitute for the run's required on-disk dataset.
func (c *CacheBackfill) Fetch(ctx context.Context, symbol string, tf Timeframe, day time.Time) ([]Candle, error) {
	key := cacheKey(symbol, tf, day)
	if c.cache != nil {
		if raw, hit, err := c.cache.Get(ctx, key); err == nil && hit {
			var cached []Candle
			if jsonErr := json.Unmarshal([]byte(raw), &cached); jsonErr == nil {
				return cached, nil
			}
		}
	}

	started := time.Now()
	result, err := c.breaker.Execute(func() ([]Candle, error) {
		return c.fetchFromArchive(ctx, symbol, tf, day)
	})
	observability.RecordCandleBackfill(ctx, symbol, time.Since(started), err)
	if err != nil {
		return nil, fmt.Errorf("candle.CacheBackfill.Fetch: %s/%s %s: %w", symbol, tf, day.Format("2006-01-02"), err)
	}

	if c.cache != nil {
		if raw, jsonErr := json.Marshal(result); jsonErr == nil {
			_ = c.cache.Set(ctx, key, string(raw), c.ttl)
		}
	}
	return result, nil
}

func (c *CacheBackfill) fetchFromArchive(ctx context.Context, symbol string, tf Timeframe, day time.Time) ([]Candle, error) {
	var out []Candle
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":    symbol,
			"timeframe": string(tf),
			"date":      day.Format("2006-01-02"),
		}).
		SetResult(&out).
		Get(c.baseURL + "/candles")
	if err != nil {
		return nil, fmt.Errorf("archive fetch: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("archive fetch: status %d", resp.StatusCode())
	}
	return out, nil
}
