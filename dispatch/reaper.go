package dispatch

import "context"

// reapLoop triggers a reap every interval until the dispatcher stops.
func (d *Dispatcher) reapLoop(ctx context.Context) {
	defer close(d.reaperDone)
	ticker := d.clock.Ticker(d.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.post(func() { d.reap() })
		}
	}
}

// Reap runs one idle sweep now and returns the names it destroyed.
// Resources are destroyed after two consecutive sweeps finding them
// without subscribers and without traffic in between.
func (d *Dispatcher) Reap() []string {
	var reaped []string
	d.call(func() { reaped = d.reap() })
	return reaped
}

func (d *Dispatcher) reap() []string {
	var reaped []string
	for _, name := range d.resourceNames() {
		if d.resources[name].SubscriberCount() > 0 {
			delete(d.idle, name)
			continue
		}
		d.idle[name]++
		if d.idle[name] >= 2 {
			d.destroyResource(name)
			reaped = append(reaped, name)
		}
	}
	if len(reaped) > 0 {
		d.logger.Info("idle resources reaped", "count", len(reaped))
	}
	return reaped
}
