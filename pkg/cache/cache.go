// Package cache provides a generic, thread-safe TTL cache.
//
// Entries expire a fixed duration after they were written. Expired entries
// are invisible to readers immediately and are removed by a background sweep.
// radar uses it as the per-client message buffer.
package cache

import (
	"github.com/c360/radar/errors"
)

// Cache is a keyed store of values of type V.
type Cache[V any] interface {
	// Get returns the value for key if present and not expired.
	Get(key string) (V, bool)

	// Set stores value under key, resetting its expiry. It reports whether a
	// new entry was created.
	Set(key string, value V) (bool, error)

	// Delete removes key and reports whether it existed.
	Delete(key string) (bool, error)

	// Clear removes every entry.
	Clear() error

	// Size returns the number of stored entries, including expired entries
	// that have not been swept yet.
	Size() int

	// Keys returns the keys of unexpired entries.
	Keys() []string

	// Stats returns the cache counters.
	Stats() *Statistics

	// Close stops background work.
	Close() error
}

// EvictCallback is called when an entry is evicted from the cache.
type EvictCallback[V any] func(key string, value V)

func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}
