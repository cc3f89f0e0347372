package resource

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360/radar/persistence"
	"github.com/c360/radar/sentry"
)

// Liveness answers whether a radar process is currently alive.
type Liveness = sentry.Liveness

// Host is what the dispatcher lends to each resource.
type Host interface {
	// ProcessID identifies this process in backend envelopes.
	ProcessID() string
	Logger() *slog.Logger
	Now() time.Time

	// Publish sends payload on the backend channel without blocking the
	// caller. Failures are logged by the host.
	Publish(channel string, payload []byte)
	// Store is the backend key/value store. Only use it from Go.
	Store() persistence.Port

	// Go runs work off the event loop. Errors are logged with name.
	Go(name string, work func(ctx context.Context) error)
	// Post schedules fn on the event loop. It is safe from any goroutine.
	Post(fn func())

	Sentry() Liveness
	// WatchSentry delivers liveness events to fn on the event loop.
	WatchSentry(fn func(sentry.Event)) (cancel func())
}
