// Package kv provides the time-boxed key-value store that holds the cached
// health report and the notifier's alert state.
package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jdziat/workgate/pkg/core"
)

// Store is a key-value store where every entry expires.
type Store interface {
	// Get returns the value for key. ok is false when the key is absent or expired.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Set stores value under key for ttl. ttl must be positive.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error
}

// GetJSON decodes the value stored under key into a T.
func GetJSON[T any](ctx context.Context, s Store, key string) (T, bool, error) {
	var v T
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return v, false, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false, fmt.Errorf("kv: decode %s: %w", key, err)
	}
	return v, true, nil
}

// SetJSON encodes v and stores it under key for ttl.
func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kv: encode %s: %w", key, err)
	}
	return s.Set(ctx, key, raw, ttl)
}

func checkTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return core.ErrInvalidTTL
	}
	return nil
}
