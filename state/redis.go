package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/breakwater-io/breakwater/resilience"
)

// RedisConfig configures a Redis-backed store.
type RedisConfig struct {
	// KeyPrefix namespaces breaker keys. Default: "breakwater:circuit:".
	KeyPrefix string

	// TTL expires stale snapshots, so a target nobody touches anymore
	// eventually disappears. Zero disables expiry. Default: 24h.
	TTL time.Duration
}

// DefaultRedisConfig returns the default Redis store configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		KeyPrefix: "breakwater:circuit:",
		TTL:       24 * time.Hour,
	}
}

// Redis mirrors breaker snapshots to Redis as JSON, sharing circuit
// state across replicas.
type Redis struct {
	client redis.UniversalClient
	cfg    RedisConfig
}

// NewRedis creates a store over an existing client. The caller owns
// the client's lifecycle.
func NewRedis(client redis.UniversalClient, cfg RedisConfig) *Redis {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultRedisConfig().KeyPrefix
	}
	return &Redis{client: client, cfg: cfg}
}

func (r *Redis) key(target string) string {
	return r.cfg.KeyPrefix + target
}

// GetState fetches and decodes the snapshot for a target. A missing
// key is not an error.
func (r *Redis) GetState(ctx context.Context, target string) (resilience.CircuitSnapshot, bool, error) {
	data, err := r.client.Get(ctx, r.key(target)).Bytes()
	if errors.Is(err, redis.Nil) {
		return resilience.CircuitSnapshot{}, false, nil
	}
	if err != nil {
		return resilience.CircuitSnapshot{}, false, fmt.Errorf("state: fetching %s: %w", target, err)
	}

	var snap resilience.CircuitSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return resilience.CircuitSnapshot{}, false, fmt.Errorf("state: decoding %s: %w", target, err)
	}
	return snap, true, nil
}

// SetState encodes and stores the snapshot for a target.
func (r *Redis) SetState(ctx context.Context, target string, snap resilience.CircuitSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("state: encoding %s: %w", target, err)
	}
	if err := r.client.Set(ctx, r.key(target), data, r.cfg.TTL).Err(); err != nil {
		return fmt.Errorf("state: storing %s: %w", target, err)
	}
	return nil
}

// Delete removes a target's snapshot.
func (r *Redis) Delete(ctx context.Context, target string) error {
	if err := r.client.Del(ctx, r.key(target)).Err(); err != nil {
		return fmt.Errorf("state: deleting %s: %w", target, err)
	}
	return nil
}

// Ping checks connectivity, for health checks.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
