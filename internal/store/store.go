// Package store provides a namespaced JSON key/value layer over the
// circuit-breaker-wrapped Redis client. Every other store in the dispatcher
// (the incomer registry, the transaction stores) is built on top of it.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/evtmesh/dispatcher/internal/circuitbreaker"
)

// Store is a prefixed JSON object store: every key it touches is prefixed
// with the configured namespace before reaching Redis. Values never expire;
// deletion is explicit (matching the dispatcher's "delete an empty map"
// bookkeeping in the stores built on top of it).
type Store struct {
	client *circuitbreaker.RedisWrapper
	prefix string
	logger *zap.Logger
}

// New creates a Store whose keys are namespaced under prefix.
func New(client *circuitbreaker.RedisWrapper, prefix string, logger *zap.Logger) *Store {
	return &Store{client: client, prefix: prefix, logger: logger}
}

func (s *Store) key(name string) string {
	return s.prefix + name
}

// Get reads the raw key and unmarshals it into dst. It returns (false, nil)
// if the key does not exist.
func (s *Store) Get(ctx context.Context, name string, dst any) (bool, error) {
	raw, err := s.client.Get(ctx, s.key(name)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: get %s: %w", name, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("store: unmarshal %s: %w", name, err)
	}
	return true, nil
}

// Set marshals value and writes it under name with no expiration.
func (s *Store) Set(ctx context.Context, name string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", name, err)
	}
	if err := s.client.Set(ctx, s.key(name), raw, 0).Err(); err != nil {
		return fmt.Errorf("store: set %s: %w", name, err)
	}
	return nil
}

// Delete removes the key entirely.
func (s *Store) Delete(ctx context.Context, name string) error {
	if err := s.client.Del(ctx, s.key(name)).Err(); err != nil {
		return fmt.Errorf("store: delete %s: %w", name, err)
	}
	return nil
}
