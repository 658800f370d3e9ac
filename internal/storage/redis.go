package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is an adapter backed by a Redis server. TTLs map onto native
// key expiry, so expired entries disappear without any sweeping on our
// side. Scans use SCAN with a MATCH pattern on the joined prefix.
type Redis struct {
	client redis.UniversalClient

	// keyPrefix namespaces all keys, e.g. "gatehouse:" for multi-tenant
	// Redis deployments. May be empty.
	keyPrefix string
}

// RedisConfig configures a Redis adapter.
type RedisConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string

	// Username and Password authenticate against Redis ACLs. Optional.
	Username string
	Password string

	// DB selects the Redis logical database.
	DB int

	// KeyPrefix namespaces all keys written by this adapter.
	KeyPrefix string
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Redis{client: client, keyPrefix: cfg.KeyPrefix}, nil
}

// NewRedisWithClient wraps a pre-configured client. Useful for testing
// with miniredis.
func NewRedisWithClient(client redis.UniversalClient, keyPrefix string) *Redis {
	return &Redis{client: client, keyPrefix: keyPrefix}
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) redisKey(key []string) string {
	return r.keyPrefix + JoinKey(key)
}

// Get implements Adapter.
func (r *Redis) Get(ctx context.Context, key []string) (json.RawMessage, bool, error) {
	value, err := r.client.Get(ctx, r.redisKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read key: %w", err)
	}
	return json.RawMessage(value), true, nil
}

// Set implements Adapter.
func (r *Redis) Set(ctx context.Context, key []string, value json.RawMessage, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.redisKey(key), string(value), ttl).Err(); err != nil {
		return fmt.Errorf("failed to write key: %w", err)
	}
	return nil
}

// Remove implements Adapter.
func (r *Redis) Remove(ctx context.Context, key []string) error {
	if err := r.client.Del(ctx, r.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

// Take atomically reads and deletes a key via GETDEL.
func (r *Redis) Take(ctx context.Context, key []string) (json.RawMessage, bool, error) {
	value, err := r.client.GetDel(ctx, r.redisKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to take key: %w", err)
	}
	return json.RawMessage(value), true, nil
}

// Scan implements Adapter. Matching is done server-side with SCAN MATCH;
// the glob pattern has its metacharacters escaped so separator bytes in
// the prefix stay literal.
func (r *Redis) Scan(ctx context.Context, prefix []string) ([]Entry, error) {
	joined := r.keyPrefix + JoinKey(prefix)
	pattern := globEscape(joined) + "*"

	var out []Entry
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		// SCAN matches raw string prefixes; keep only segment-wise matches.
		rest := strings.TrimPrefix(k, joined)
		if rest != "" && !strings.HasPrefix(rest, Separator) {
			continue
		}

		value, err := r.client.Get(ctx, k).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // expired between SCAN and GET
			}
			return nil, fmt.Errorf("failed to read scanned key: %w", err)
		}
		out = append(out, Entry{
			Key:   SplitKey(strings.TrimPrefix(k, r.keyPrefix)),
			Value: json.RawMessage(value),
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan prefix: %w", err)
	}
	return out, nil
}

// globEscape escapes the glob metacharacters understood by SCAN MATCH.
func globEscape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

var _ Adapter = (*Redis)(nil)
