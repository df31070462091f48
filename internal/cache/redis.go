package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/timvw/loopsmith/internal/model"
)

// DefaultRedisPrefix namespaces every key the Redis store writes.
const DefaultRedisPrefix = "loopsmith:cache:"

// putAndEvict stores an entry and trims the insertion index to capacity in
// one step, so concurrent writers from several processes cannot overshoot.
//
// KEYS[1] = entry key
// KEYS[2] = insertion index (sorted set, score = sequence)
// KEYS[3] = sequence counter
// ARGV[1] = entry payload
// ARGV[2] = TTL in milliseconds
// ARGV[3] = capacity
// ARGV[4] = entry key prefix
// ARGV[5] = fingerprint
//
// Members whose entry key already expired are pruned before the capacity
// check and do not count as evictions.
//
// Returns the number of evicted index members.
var putAndEvict = redis.NewScript(`
	local seq = redis.call('INCR', KEYS[3])
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	redis.call('ZADD', KEYS[2], seq, ARGV[5])

	local capacity = tonumber(ARGV[3])
	if redis.call('ZCARD', KEYS[2]) > capacity then
		for _, member in ipairs(redis.call('ZRANGE', KEYS[2], 0, -1)) do
			if redis.call('EXISTS', ARGV[4] .. member) == 0 then
				redis.call('ZREM', KEYS[2], member)
			end
		end
	end

	local evicted = 0
	while redis.call('ZCARD', KEYS[2]) > capacity do
		local oldest = redis.call('ZRANGE', KEYS[2], 0, 0)
		if #oldest == 0 then break end
		redis.call('ZREM', KEYS[2], oldest[1])
		redis.call('DEL', ARGV[4] .. oldest[1])
		evicted = evicted + 1
	end
	return evicted
`)

// redisEntry is the stored JSON document.
type redisEntry struct {
	StoredAtMs int64                     `json:"stored_at_ms"`
	Response   *model.EvaluationResponse `json:"response"`
}

// Redis is a Store shared across processes. Freshness is checked against
// stored_at_ms on read; the key's PX expiry only reclaims memory.
type Redis struct {
	client   redis.UniversalClient
	prefix   string
	ttl      time.Duration
	capacity int
	now      func() time.Time
	logger   *slog.Logger

	hits, misses, evictions atomic.Int64
}

// RedisConfig configures a Redis store.
type RedisConfig struct {
	// Addr is used when Client is nil.
	Addr string
	// Client overrides Addr.
	Client redis.UniversalClient
	// Prefix defaults to DefaultRedisPrefix.
	Prefix   string
	TTL      time.Duration
	Capacity int
	Logger   *slog.Logger
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := cfg.Client
	if client == nil {
		if cfg.Addr == "" {
			return nil, errors.New("redis cache: address is required")
		}
		client = redis.NewClient(&redis.Options{Addr: cfg.Addr})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis cache: ping %s: %w", cfg.Addr, err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		client:   client,
		prefix:   prefix,
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
		logger:   logger.With("component", "cache", "backend", "redis"),
	}, nil
}

func (r *Redis) entryPrefix() string { return r.prefix + "entry:" }
func (r *Redis) entryKey(key string) string { return r.entryPrefix() + key }
func (r *Redis) indexKey() string { return r.prefix + "order" }
func (r *Redis) seqKey() string { return r.prefix + "seq" }

// Get returns a copy of the entry for key if it is younger than the TTL.
func (r *Redis) Get(ctx context.Context, key string) (*model.EvaluationResponse, bool, error) {
	raw, err := r.client.Get(ctx, r.entryKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		r.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis cache get: %w", err)
	}

	var entry redisEntry
	if err := json.Unmarshal(raw, &entry); err != nil || entry.Response == nil {
		r.logger.Warn("dropping corrupted cache entry", "key", short(key), "error", err)
		r.drop(ctx, key)
		r.misses.Add(1)
		return nil, false, nil
	}
	age := r.now().Sub(time.UnixMilli(entry.StoredAtMs))
	if age < 0 || age >= r.ttl {
		r.drop(ctx, key)
		r.misses.Add(1)
		r.logger.Debug("evicted stale entry", "key", short(key), "age", age)
		return nil, false, nil
	}
	r.hits.Add(1)
	return asHit(entry.Response), true, nil
}

// Put stores resp and evicts the oldest insertions beyond capacity.
func (r *Redis) Put(ctx context.Context, key string, resp *model.EvaluationResponse) error {
	if resp == nil {
		return nil
	}
	payload, err := json.Marshal(redisEntry{StoredAtMs: r.now().UnixMilli(), Response: resp})
	if err != nil {
		return fmt.Errorf("redis cache put: encode: %w", err)
	}
	// Re-putting a key counts as a new insertion.
	if err := r.client.ZRem(ctx, r.indexKey(), key).Err(); err != nil {
		return fmt.Errorf("redis cache put: %w", err)
	}
	evicted, err := putAndEvict.Run(ctx, r.client,
		[]string{r.entryKey(key), r.indexKey(), r.seqKey()},
		string(payload), r.ttl.Milliseconds(), r.capacity, r.entryPrefix(), key,
	).Int64()
	if err != nil {
		return fmt.Errorf("redis cache put: %w", err)
	}
	if evicted > 0 {
		r.evictions.Add(evicted)
		r.logger.Debug("evicted oldest entries", "count", evicted)
	}
	return nil
}

// Clear removes every entry written under the prefix.
func (r *Redis) Clear(ctx context.Context) error {
	members, err := r.client.ZRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("redis cache clear: %w", err)
	}
	keys := make([]string, 0, len(members)+2)
	for _, m := range members {
		keys = append(keys, r.entryKey(m))
	}
	keys = append(keys, r.indexKey(), r.seqKey())
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis cache clear: %w", err)
	}
	return nil
}

// Stats returns this process's counters. Entries is read from the index.
func (r *Redis) Stats() Stats {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n, err := r.client.ZCard(ctx, r.indexKey()).Result()
	if err != nil {
		r.logger.Debug("read cache size", "error", err)
	}
	return Stats{
		Entries:   int(n),
		Hits:      r.hits.Load(),
		Misses:    r.misses.Load(),
		Evictions: r.evictions.Load(),
	}
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) drop(ctx context.Context, key string) {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.entryKey(key))
	pipe.ZRem(ctx, r.indexKey(), key)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warn("drop cache entry", "key", short(key), "error", err)
	}
}
