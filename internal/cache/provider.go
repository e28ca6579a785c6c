// Package cache provides byte-oriented caching for retrieval results. The
// agent treats the cache as advisory: every caller must keep working when the
// provider is the no-op implementation.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned by Get when the key holds nothing.
var ErrCacheMiss = errors.New("cache miss")

// Provider is the cache surface the retrieval layer depends on.
type Provider interface {
	// Get returns the stored bytes or ErrCacheMiss.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key for ttl; ttl <= 0 stores without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores only when the key is vacant and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Del removes the key. Deleting an absent key is not an error.
	Del(ctx context.Context, key string) error
	Close() error
}

// NoopProvider satisfies Provider without storing anything, so code paths
// stay identical whether or not a cache is configured.
type NoopProvider struct{}

var _ Provider = NoopProvider{}

func (NoopProvider) Get(context.Context, string) ([]byte, error) { return nil, ErrCacheMiss }

func (NoopProvider) Set(context.Context, string, []byte, time.Duration) error { return nil }

func (NoopProvider) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return true, nil
}

func (NoopProvider) Del(context.Context, string) error { return nil }

func (NoopProvider) Close() error { return nil }
