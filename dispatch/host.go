package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360/radar/persistence"
	"github.com/c360/radar/resource"
	"github.com/c360/radar/sentry"
)

// host is the resource.Host every resource of a dispatcher shares.
type host struct {
	d *Dispatcher
}

var _ resource.Host = (*host)(nil)

func (h *host) ProcessID() string       { return h.d.processID }
func (h *host) Logger() *slog.Logger    { return h.d.logger }
func (h *host) Now() time.Time          { return h.d.clock.Now() }
func (h *host) Store() persistence.Port { return h.d.deps.Port }
func (h *host) Sentry() sentry.Liveness { return h.d.deps.Sentry }

func (h *host) Publish(channel string, payload []byte) { h.d.publish(channel, payload) }

func (h *host) Go(name string, work func(ctx context.Context) error) {
	h.d.submit(h.d.pool, name, work)
}

func (h *host) Post(fn func()) {
	if !h.d.post(fn) {
		h.d.logger.Debug("event loop stopped, completion dropped")
	}
}

// WatchSentry is called from the event loop, as is the returned cancel.
func (h *host) WatchSentry(fn func(sentry.Event)) (cancel func()) {
	d := h.d
	id := d.nextWatcher
	d.nextWatcher++
	d.sentryWatchers[id] = fn
	return func() { delete(d.sentryWatchers, id) }
}
