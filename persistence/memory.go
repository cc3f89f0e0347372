package persistence

import (
	"context"
	"sync"

	"github.com/c360/radar/errors"
)

// MemoryHub is an in-process backend. Ports created from the same hub see
// each other's publishes and share one key/value space, which makes them
// stand in for separate processes on a shared backend.
type MemoryHub struct {
	mu    sync.Mutex
	kv    map[string][]byte
	ports map[*MemoryPort]struct{}
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		kv:    make(map[string][]byte),
		ports: make(map[*MemoryPort]struct{}),
	}
}

// NewMemory returns a port on a private hub.
func NewMemory() *MemoryPort {
	return NewMemoryHub().NewPort()
}

// NewPort attaches a new port to the hub.
func (h *MemoryHub) NewPort() *MemoryPort {
	p := &MemoryPort{
		hub:        h,
		channels:   make(map[string]bool),
		subscribes: make(map[string]int),
	}
	h.mu.Lock()
	h.ports[p] = struct{}{}
	h.mu.Unlock()
	return p
}

// MemoryPort is one process's view of a MemoryHub.
type MemoryPort struct {
	hub *MemoryHub

	mu           sync.Mutex
	channels     map[string]bool
	subscribes   map[string]int
	handler      Handler
	subscribeErr error
	disconnected bool
}

var _ Port = (*MemoryPort)(nil)

func (p *MemoryPort) check(method string) error {
	if p.disconnected {
		return errors.WrapTransient(errors.ErrNoConnection, "MemoryPort", method, "check connection")
	}
	return nil
}

// Subscribe starts delivering channel to the handler.
func (p *MemoryPort) Subscribe(_ context.Context, channel string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.subscribes[channel]++
	if err := p.check("Subscribe"); err != nil {
		return err
	}
	if p.subscribeErr != nil {
		return errors.WrapTransient(p.subscribeErr, "MemoryPort", "Subscribe", "subscribe "+channel)
	}
	p.channels[channel] = true
	return nil
}

// Unsubscribe stops delivery of channel.
func (p *MemoryPort) Unsubscribe(_ context.Context, channel string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.check("Unsubscribe"); err != nil {
		return err
	}
	delete(p.channels, channel)
	return nil
}

// Publish delivers payload synchronously to every port on the hub that is
// subscribed to channel, this one included.
func (p *MemoryPort) Publish(_ context.Context, channel string, payload []byte) error {
	p.mu.Lock()
	err := p.check("Publish")
	p.mu.Unlock()
	if err != nil {
		return err
	}

	p.hub.mu.Lock()
	var targets []Handler
	for port := range p.hub.ports {
		port.mu.Lock()
		if port.channels[channel] && port.handler != nil && !port.disconnected {
			targets = append(targets, port.handler)
		}
		port.mu.Unlock()
	}
	p.hub.mu.Unlock()

	for _, h := range targets {
		h(channel, append([]byte(nil), payload...))
	}
	return nil
}

// OnMessage installs the delivery handler, replacing any previous one.
func (p *MemoryPort) OnMessage(fn Handler) {
	p.mu.Lock()
	p.handler = fn
	p.mu.Unlock()
}

// Get returns a copy of the value at key.
func (p *MemoryPort) Get(_ context.Context, key string) ([]byte, error) {
	if err := p.connected("Get"); err != nil {
		return nil, err
	}
	p.hub.mu.Lock()
	defer p.hub.mu.Unlock()

	v, ok := p.hub.kv[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Set stores a copy of value.
func (p *MemoryPort) Set(_ context.Context, key string, value []byte) error {
	if err := p.connected("Set"); err != nil {
		return err
	}
	p.hub.mu.Lock()
	p.hub.kv[key] = append([]byte(nil), value...)
	p.hub.mu.Unlock()
	return nil
}

// Update runs fn under the hub lock, so concurrent updates from any port on
// the hub are serialised.
func (p *MemoryPort) Update(_ context.Context, key string, fn func([]byte) ([]byte, error)) error {
	if err := p.connected("Update"); err != nil {
		return err
	}
	p.hub.mu.Lock()
	defer p.hub.mu.Unlock()

	var current []byte
	if v, ok := p.hub.kv[key]; ok {
		current = append([]byte(nil), v...)
	}
	next, err := fn(current)
	if err != nil {
		return errors.Wrap(err, "MemoryPort", "Update", "apply update to "+key)
	}
	p.hub.kv[key] = append([]byte(nil), next...)
	return nil
}

// Delete removes key. Absent keys are not an error.
func (p *MemoryPort) Delete(_ context.Context, key string) error {
	if err := p.connected("Delete"); err != nil {
		return err
	}
	p.hub.mu.Lock()
	delete(p.hub.kv, key)
	p.hub.mu.Unlock()
	return nil
}

// Disconnect detaches the port from the hub. Later calls fail with
// ErrNoConnection.
func (p *MemoryPort) Disconnect(_ context.Context) error {
	p.hub.mu.Lock()
	delete(p.hub.ports, p)
	p.hub.mu.Unlock()

	p.mu.Lock()
	p.disconnected = true
	p.channels = make(map[string]bool)
	p.mu.Unlock()
	return nil
}

func (p *MemoryPort) connected(method string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.check(method)
}

// SubscribeCalls reports how many times Subscribe was called for channel,
// including failed calls.
func (p *MemoryPort) SubscribeCalls(channel string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subscribes[channel]
}

// Subscribed reports whether channel is currently delivered.
func (p *MemoryPort) Subscribed(channel string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channels[channel]
}

// Disconnected reports whether Disconnect has been called.
func (p *MemoryPort) Disconnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnected
}

// FailSubscribe makes subsequent Subscribe calls fail with err. Nil
// restores normal behaviour.
func (p *MemoryPort) FailSubscribe(err error) {
	p.mu.Lock()
	p.subscribeErr = err
	p.mu.Unlock()
}
