package dispatch

import (
	"time"

	"github.com/benbjohnson/clock"
)

const (
	DefaultWorkers     = 8
	DefaultQueueSize   = 4096
	DefaultStopTimeout = 5 * time.Second
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRetryFailedSubscribe controls what a failed backend subscribe leaves
// behind. By default the name stays marked subscribed and is never retried;
// when enabled the mark is cleared so the next message for the resource
// subscribes again.
func WithRetryFailedSubscribe(retry bool) Option {
	return func(d *Dispatcher) { d.retryFailedSubscribe = retry }
}

// WithWorkers sizes the pool running backend key/value work.
func WithWorkers(n int) Option { return func(d *Dispatcher) { d.workers = n } }

// WithQueueSize bounds each worker queue.
func WithQueueSize(n int) Option { return func(d *Dispatcher) { d.queueSize = n } }

// WithReapInterval enables the idle reaper: every interval, resources
// without subscribers on two consecutive sweeps are destroyed. Zero
// disables it.
func WithReapInterval(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.reapInterval = d }
}

// WithProcessID overrides the generated process id stamped on backend
// messages.
func WithProcessID(id string) Option { return func(d *Dispatcher) { d.processID = id } }

// WithClock sets the clock used by resources and the reaper.
func WithClock(c clock.Clock) Option { return func(d *Dispatcher) { d.clock = c } }

// WithStopTimeout bounds how long Terminate waits for queued backend work.
func WithStopTimeout(t time.Duration) Option { return func(d *Dispatcher) { d.stopTimeout = t } }
