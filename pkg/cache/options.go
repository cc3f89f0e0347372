package cache

import (
	"github.com/benbjohnson/clock"
)

// Option configures cache behavior.
type Option[V any] func(*cacheOptions[V])

type cacheOptions[V any] struct {
	metrics       *Metrics
	evictCallback EvictCallback[V]
	clock         clock.Clock
}

// WithMetrics exports cache activity through m. A nil m is ignored.
func WithMetrics[V any](m *Metrics) Option[V] {
	return func(opts *cacheOptions[V]) {
		opts.metrics = m
	}
}

// WithEvictionCallback sets a callback invoked for every expired, deleted or
// cleared entry.
func WithEvictionCallback[V any](callback EvictCallback[V]) Option[V] {
	return func(opts *cacheOptions[V]) {
		opts.evictCallback = callback
	}
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock[V any](c clock.Clock) Option[V] {
	return func(opts *cacheOptions[V]) {
		if c != nil {
			opts.clock = c
		}
	}
}

func applyOptions[V any](options ...Option[V]) *cacheOptions[V] {
	opts := &cacheOptions[V]{clock: clock.New()}
	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}
	return opts
}
