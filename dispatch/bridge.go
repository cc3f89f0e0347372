package dispatch

import (
	"context"

	"github.com/c360/radar/errors"
	"github.com/c360/radar/message"
	"github.com/c360/radar/pkg/worker"
)

// ensureSubscribed requests the backend subscription for name the first
// time it is referenced. The mark is set before the request completes, so
// concurrent references never subscribe twice.
func (d *Dispatcher) ensureSubscribed(name string) {
	if d.subscribed[name] {
		return
	}
	d.subscribed[name] = true

	d.submit(d.bridge, "subscribe "+name, func(ctx context.Context) error {
		err := d.deps.Port.Subscribe(ctx, name)
		d.metrics.RecordSubscribe(err)
		if err == nil {
			d.logger.Debug("backend subscribed", "channel", name)
			return nil
		}

		d.logger.Error("backend subscribe failed", "channel", name, "error", err,
			"retry", d.retryFailedSubscribe)
		if d.retryFailedSubscribe {
			d.post(func() {
				if _, ok := d.resources[name]; ok {
					delete(d.subscribed, name)
				}
			})
		}
		return nil
	})
}

func (d *Dispatcher) unsubscribe(name string) {
	d.submit(d.bridge, "unsubscribe "+name, func(ctx context.Context) error {
		return d.deps.Port.Unsubscribe(ctx, name)
	})
}

func (d *Dispatcher) publish(channel string, payload []byte) {
	d.submit(d.bridge, "publish "+channel, func(ctx context.Context) error {
		return d.deps.Port.Publish(ctx, channel, payload)
	})
}

// onBackendMessage demultiplexes a delivery by channel.
func (d *Dispatcher) onBackendMessage(channel string, payload []byte) {
	if channel == d.deps.Sentry.Channel() {
		if err := d.deps.Sentry.Ingest(payload); err != nil {
			d.logger.Warn("bad heartbeat dropped", "error", err)
			d.metrics.RecordBackendMessage("malformed")
			return
		}
		d.metrics.RecordBackendMessage("sentry")
		return
	}

	r, ok := d.resources[channel]
	if !ok {
		d.logger.Warn("backend message not handled", "channel", channel)
		d.metrics.RecordBackendMessage("unhandled")
		return
	}

	msg, err := message.Parse(payload)
	if err != nil {
		d.logger.Error("corrupted backend message", "channel", channel, "error", err)
		d.metrics.RecordBackendMessage("malformed")
		return
	}
	r.IngestBackendMessage(msg)
	d.metrics.RecordBackendMessage("applied")
}

func (d *Dispatcher) process(ctx context.Context, t task) error {
	err := t.fn(ctx)
	if err != nil {
		d.logger.Warn("background task failed", "task", t.name, "error", err)
	}
	return err
}

// submit queues fn on p. Store work that does not fit the queue runs on its
// own goroutine; bridge work is ordered and is dropped instead.
func (d *Dispatcher) submit(p *worker.Pool[task], name string, fn func(ctx context.Context) error) {
	t := task{name: name, fn: fn}
	err := p.Submit(t)
	switch {
	case err == nil:
		return
	case errors.Is(err, worker.ErrQueueFull) && p == d.pool:
		d.logger.Warn("worker queue full, running task unpooled", "task", name)
		go func() { _ = d.process(context.Background(), t) }()
	default:
		d.logger.Error("background task dropped", "task", name, "error", err)
	}
}
