// Package store wraps the Redis key/value store shared by relays.
//
// The worker writes `set` events as hash fields and every front door keeps
// its identity in a registry list while it is bound.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"bpmetrics/internal/config"
)

// ErrUnavailable reports that the store did not answer PING at startup.
var ErrUnavailable = errors.New("store unavailable")

// Store is the subset of key/value operations the relay performs.
type Store interface {
	Ping(ctx context.Context) error
	HSet(ctx context.Context, bucket, field, value string) error
	Register(ctx context.Context, list, identity string) error
	Deregister(ctx context.Context, list, identity string) error
	Close() error
}

// Redis implements Store on top of go-redis.
type Redis struct {
	client *redis.Client
	addr   string
}

// Open creates a Redis client and verifies connectivity with PING.
// Params: ctx bounds the ping; cfg connection settings.
// Returns: connected store, or error wrapping ErrUnavailable.
func Open(ctx context.Context, cfg config.StoreConfig) (*Redis, error) {
	s := NewRedis(cfg)
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, cfg.Addr, err)
	}
	return s, nil
}

// NewRedis creates a Redis store without touching the network.
// Params: cfg connection settings.
// Returns: store instance.
func NewRedis(cfg config.StoreConfig) *Redis {
	timeout := cfg.DialTimeout.Duration
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:         strings.TrimSpace(cfg.Addr),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})
	return &Redis{client: client, addr: cfg.Addr}
}

// Ping checks that the server answers.
func (s *Redis) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping %s: %w", s.addr, err)
	}
	return nil
}

// HSet writes one field of a hash bucket verbatim.
// Params: bucket hash key; field name; value stored as-is.
// Returns: redis error.
func (s *Redis) HSet(ctx context.Context, bucket, field, value string) error {
	if err := s.client.HSet(ctx, bucket, field, value).Err(); err != nil {
		return fmt.Errorf("hset %s %s: %w", bucket, field, err)
	}
	return nil
}

// Register appends identity to the registry list.
// Params: list registry key; identity relay identity.
// Returns: redis error.
func (s *Redis) Register(ctx context.Context, list, identity string) error {
	if err := s.client.RPush(ctx, list, identity).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", list, err)
	}
	return nil
}

// Deregister removes every occurrence of identity from the registry list.
// Params: list registry key; identity relay identity.
// Returns: redis error.
func (s *Redis) Deregister(ctx context.Context, list, identity string) error {
	if err := s.client.LRem(ctx, list, 0, identity).Err(); err != nil {
		return fmt.Errorf("lrem %s: %w", list, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Redis) Close() error {
	return s.client.Close()
}
