// Package persistence defines the backend contract shared by every radar
// process: publish/subscribe channels plus an opaque key/value store.
package persistence

import (
	"context"

	"github.com/c360/radar/errors"
)

// ErrNotFound is returned by Get for absent keys.
var ErrNotFound = errors.ErrKeyNotFound

// Handler receives backend deliveries. It may be invoked from any
// goroutine and must not block.
type Handler func(channel string, payload []byte)

// Port is the backend seen by one process. Delivery is at-least-once and
// ordered per channel. Messages published while a process is disconnected
// are lost to it.
type Port interface {
	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, channel string) error
	Publish(ctx context.Context, channel string, payload []byte) error
	OnMessage(fn Handler)

	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// Update atomically replaces key with fn(current). current is nil when
	// the key is absent.
	Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error
	Delete(ctx context.Context, key string) error

	Disconnect(ctx context.Context) error
}
