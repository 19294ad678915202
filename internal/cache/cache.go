// Package cache provides the per-topic rule cache backed by redis
// hashes.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/karelia-iot/mqtt-gateway/internal/store"
)

var missesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "gateway_cache_misses_total",
	Help: "Rule cache misses answered from the catalog.",
})

const (
	keyPrefix = "rules:"

	// noneField marks a cached empty rule set. Object ids never start
	// with "!" (the admin schema rejects them), so it cannot collide.
	noneField = "!none"
)

// Loader fills cache misses from the catalog.
type Loader interface {
	RulesFor(ctx context.Context, topic string) ([]store.Datapoint, error)
}

// Cache maps topics to their datapoint rules. Entries live in redis so
// a replica taking over leadership inherits a warm cache; eviction is
// delegated to the redis LRU policy. Misses load from the catalog with
// at most one concurrent load per topic per process.
type Cache struct {
	rdb    redis.Cmdable
	loader Loader
	lg     zerolog.Logger

	group singleflight.Group

	// StaleRetryDelay is how long a miss that found no rules waits
	// before the confirming read, covering notifications that arrive
	// ahead of the committing transaction.
	StaleRetryDelay time.Duration
}

// New returns a cache over rdb filling misses from loader.
func New(rdb redis.Cmdable, loader Loader, lg zerolog.Logger) *Cache {
	return &Cache{
		rdb:             rdb,
		loader:          loader,
		lg:              lg,
		StaleRetryDelay: 200 * time.Millisecond,
	}
}

// Get returns the rules for topic, loading and populating the entry on
// a miss. An empty catalog result is cached as "no rules" and returned
// as an empty slice. Concurrent misses for the same topic coalesce
// onto one catalog load.
func (c *Cache) Get(ctx context.Context, topic string) ([]store.Datapoint, error) {
	rules, hit, err := c.read(ctx, topic)
	if err != nil {
		return nil, err
	}
	if hit {
		return rules, nil
	}

	v, err, _ := c.group.Do(topic, func() (any, error) {
		// another caller may have populated the entry while this one
		// waited on the flight group
		rules, hit, err := c.read(ctx, topic)
		if err != nil {
			return nil, err
		}
		if hit {
			return rules, nil
		}
		return c.load(ctx, topic)
	})
	if err != nil {
		return nil, err
	}
	return v.([]store.Datapoint), nil
}

// Invalidate drops the entry for topic; the next Get reloads it.
func (c *Cache) Invalidate(ctx context.Context, topic string) error {
	if err := c.rdb.Del(ctx, keyPrefix+topic).Err(); err != nil {
		return fmt.Errorf("invalidate %s: %w", topic, err)
	}
	return nil
}

// Reset drops every cache entry. A new leader calls it so it never
// serves a catalog snapshot cached by a previous incarnation.
func (c *Cache) Reset(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, keyPrefix+"*", 256).Result()
		if err != nil {
			return fmt.Errorf("reset cache: %w", err)
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("reset cache: %w", err)
			}
		}
		if cursor = next; cursor == 0 {
			return nil
		}
	}
}

// read returns the cached rules and whether the entry existed.
func (c *Cache) read(ctx context.Context, topic string) ([]store.Datapoint, bool, error) {
	fields, err := c.rdb.HGetAll(ctx, keyPrefix+topic).Result()
	if err != nil {
		return nil, false, fmt.Errorf("cache read %s: %w", topic, err)
	}
	if len(fields) == 0 {
		return nil, false, nil
	}
	if _, none := fields[noneField]; none {
		return []store.Datapoint{}, true, nil
	}

	rules := make([]store.Datapoint, 0, len(fields))
	for objectID, raw := range fields {
		var dp store.Datapoint
		if err := json.Unmarshal([]byte(raw), &dp); err != nil {
			return nil, false, fmt.Errorf("cache entry %s/%s: %w", topic, objectID, err)
		}
		rules = append(rules, dp)
	}
	return rules, true, nil
}

// load fills the entry for topic from the catalog. An empty result is
// confirmed once after StaleRetryDelay before the negative entry is
// written, since change notifications may outrun the committing
// transaction.
func (c *Cache) load(ctx context.Context, topic string) ([]store.Datapoint, error) {
	missesTotal.Inc()

	rules, err := c.loader.RulesFor(ctx, topic)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 && c.StaleRetryDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.StaleRetryDelay):
		}
		if rules, err = c.loader.RulesFor(ctx, topic); err != nil {
			return nil, err
		}
	}

	fields := make(map[string]string, len(rules))
	if len(rules) == 0 {
		fields[noneField] = ""
	}
	for _, dp := range rules {
		raw, err := json.Marshal(dp)
		if err != nil {
			return nil, fmt.Errorf("encode rule %s: %w", dp.ObjectID, err)
		}
		fields[dp.ObjectID] = string(raw)
	}

	if err := c.rdb.HSet(ctx, keyPrefix+topic, fields).Err(); err != nil {
		return nil, fmt.Errorf("cache populate %s: %w", topic, err)
	}
	c.lg.Debug().Str("topic", topic).Int("rules", len(rules)).Msg("cache entry populated")
	return rules, nil
}
