// Package redis provides a Redis implementation of windowquota.Store.
// Each increment is a single Lua script, so Redis applies it atomically and
// expires the window itself.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/windowquota/pkg/windowquota"
)

// incrementScript reads the counter, applies the limit short-circuit and
// increments. The expiry is set only by the write that creates the key, so
// later increments never extend the window.
//
// KEYS[1] counter key
// ARGV[1] window in milliseconds
// ARGV[2] delta
// ARGV[3] limit, or "" for none
var incrementScript = redis.NewScript(`
	local windowMs = tonumber(ARGV[1])
	local delta = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])

	local current = tonumber(redis.call('GET', KEYS[1]) or '0')
	if limit and current >= limit then
		return current + delta
	end
	if delta == 0 then
		return current
	end

	local count = redis.call('INCRBY', KEYS[1], delta)
	if count == delta then
		redis.call('PEXPIRE', KEYS[1], windowMs)
	end
	return count
`)

// Store implements windowquota.Store using Redis
type Store struct {
	client     redis.UniversalClient
	config     Config
	ownsClient bool
}

// Config holds Redis store configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "quota:")
	KeyPrefix string
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "quota:",
	}
}

// New creates a Redis store on an existing client. The client can be
// *redis.Client, *redis.ClusterClient, or *redis.Ring; the caller keeps
// ownership of it.
func New(client redis.UniversalClient, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis client is required", windowquota.ErrInvalidConfig)
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "quota:"
	}

	return &Store{
		client: client,
		config: config,
	}, nil
}

// NewFromOptions creates the client from opts. The store owns the client and
// closes it in Close.
func NewFromOptions(opts *redis.UniversalOptions, config Config) (*Store, error) {
	if opts == nil || len(opts.Addrs) == 0 {
		return nil, fmt.Errorf("%w: at least one redis address is required", windowquota.ErrInvalidConfig)
	}
	s, err := New(redis.NewUniversalClient(opts), config)
	if err != nil {
		return nil, err
	}
	s.ownsClient = true
	return s, nil
}

// Increment implements windowquota.Store
func (s *Store) Increment(ctx context.Context, req *windowquota.IncrementRequest) (int, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}

	limit := ""
	if req.Limit != nil {
		limit = strconv.Itoa(*req.Limit)
	}

	usage, err := incrementScript.Run(ctx, s.client,
		[]string{s.key(req.Key)},
		req.Window.Milliseconds(), req.Delta, limit,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to increment quota: %w", err)
	}
	return usage, nil
}

// TTL returns the remaining lifetime of the window for key, or zero when the
// key has no active window.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.PTTL(ctx, s.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get quota ttl: %w", err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// Now returns the Redis server time, implementing windowquota.TimeSource
func (s *Store) Now(ctx context.Context) (time.Time, error) {
	t, err := s.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get redis time: %w", err)
	}
	return t.UTC(), nil
}

func (s *Store) key(key string) string {
	return s.config.KeyPrefix + key
}

// Close closes the client if the store created it
func (s *Store) Close() error {
	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}

// Ping checks the Redis connection
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
