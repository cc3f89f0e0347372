package dispatch

import (
	"runtime/debug"
)

// post queues fn for the event loop. It reports false once the loop is
// shutting down, in which case fn never runs.
func (d *Dispatcher) post(fn func()) bool {
	d.queueMu.Lock()
	if d.loopClosed {
		d.queueMu.Unlock()
		return false
	}
	d.queue = append(d.queue, fn)
	d.queueMu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

// call runs fn on the event loop and waits for it. It must never be used
// from the loop itself. Outside a running loop fn runs inline.
func (d *Dispatcher) call(fn func()) {
	if s := d.state.Load(); s == stateRunning || s == stateTerminating {
		done := make(chan struct{})
		if d.post(func() { defer close(done); fn() }) {
			<-done
			return
		}
		<-d.loopDone
	}
	fn()
}

func (d *Dispatcher) run() {
	defer close(d.loopDone)

	for range d.wake {
		for {
			d.queueMu.Lock()
			batch := d.queue
			d.queue = nil
			closed := d.loopClosed
			d.queueMu.Unlock()

			if len(batch) == 0 {
				if closed {
					return
				}
				break
			}
			for _, fn := range batch {
				d.exec(fn)
			}
		}
	}
}

func (d *Dispatcher) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

// stopLoop lets the loop drain what is queued and waits for it to exit.
func (d *Dispatcher) stopLoop() {
	d.queueMu.Lock()
	d.loopClosed = true
	d.queueMu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	<-d.loopDone
}
