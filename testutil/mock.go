// Package testutil provides fakes for exercising resources and the
// dispatcher without a network listener or a real backend.
package testutil

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/c360/radar/message"
	"github.com/c360/radar/persistence"
	"github.com/c360/radar/sentry"
	"github.com/c360/radar/transport"
)

// FakeConn is a transport.Conn that records every frame it is sent.
type FakeConn struct {
	mu     sync.Mutex
	id     string
	codec  transport.Codec
	frames [][]byte
	closed bool

	// SendErr, when set, is returned by Send and nothing is recorded.
	SendErr error
}

// NewFakeConn creates a connection with the given id.
func NewFakeConn(id string) *FakeConn {
	return &FakeConn{id: id, codec: transport.JSONCodec{}}
}

func (c *FakeConn) ID() string { return c.id }

func (c *FakeConn) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.SendErr != nil {
		return c.SendErr
	}
	frame, err := c.codec.Encode(v)
	if err != nil {
		return err
	}
	c.frames = append(c.frames, frame)
	return nil
}

func (c *FakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (c *FakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Frames returns copies of the raw frames sent so far.
func (c *FakeConn) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([][]byte, len(c.frames))
	for i, f := range c.frames {
		out[i] = append([]byte(nil), f...)
	}
	return out
}

// Messages decodes every frame sent so far.
func (c *FakeConn) Messages() []*message.Message {
	frames := c.Frames()
	out := make([]*message.Message, 0, len(frames))
	for _, f := range frames {
		var m message.Message
		if err := json.Unmarshal(f, &m); err == nil {
			out = append(out, &m)
		}
	}
	return out
}

// MessagesWithOp filters Messages by op.
func (c *FakeConn) MessagesWithOp(op string) []*message.Message {
	var out []*message.Message
	for _, m := range c.Messages() {
		if m.Op == op {
			out = append(out, m)
		}
	}
	return out
}

// Last returns the most recent message, or nil.
func (c *FakeConn) Last() *message.Message {
	msgs := c.Messages()
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

// Reset forgets recorded frames.
func (c *FakeConn) Reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

// Published is one backend publish seen by a FakeHost.
type Published struct {
	Channel string
	Message *message.Message
}

// FakeHost is a synchronous resource host: Go and Post run inline, so every
// effect is visible as soon as the resource call returns. It satisfies
// resource.Host.
type FakeHost struct {
	mu        sync.Mutex
	processID string
	hostPort  string
	port      persistence.Port
	clock     clock.Clock
	logger    *slog.Logger

	published []Published
	offline   map[string]bool
	watchers  map[int]func(sentry.Event)
	nextID    int
}

// NewFakeHost creates a host backed by an in-memory port and a mock clock.
// Every host is online unless marked otherwise with SetOnline.
func NewFakeHost(processID string) *FakeHost {
	return &FakeHost{
		processID: processID,
		hostPort:  processID + ":8000",
		port:      persistence.NewMemory(),
		clock:     clock.NewMock(),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		offline:   make(map[string]bool),
		watchers:  make(map[int]func(sentry.Event)),
	}
}

// WithPort swaps the backing port, e.g. for one shared through a MemoryHub.
func (h *FakeHost) WithPort(p persistence.Port) *FakeHost {
	h.port = p
	return h
}

// Clock exposes the mock clock when the default is in use.
func (h *FakeHost) Clock() *clock.Mock {
	m, _ := h.clock.(*clock.Mock)
	return m
}

func (h *FakeHost) ProcessID() string       { return h.processID }
func (h *FakeHost) Logger() *slog.Logger    { return h.logger }
func (h *FakeHost) Now() time.Time          { return h.clock.Now() }
func (h *FakeHost) Store() persistence.Port { return h.port }
func (h *FakeHost) HostPort() string        { return h.hostPort }

func (h *FakeHost) Publish(channel string, payload []byte) {
	var m message.Message
	if err := json.Unmarshal(payload, &m); err == nil {
		h.mu.Lock()
		h.published = append(h.published, Published{Channel: channel, Message: &m})
		h.mu.Unlock()
	}
	_ = h.port.Publish(context.Background(), channel, payload)
}

// PublishedMessages returns what resources published so far.
func (h *FakeHost) PublishedMessages() []Published {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Published(nil), h.published...)
}

func (h *FakeHost) Go(name string, work func(ctx context.Context) error) {
	if err := work(context.Background()); err != nil {
		h.logger.Warn("task failed", "task", name, "error", err)
	}
}

func (h *FakeHost) Post(fn func()) { fn() }

// Sentry returns the host itself as the liveness view.
func (h *FakeHost) Sentry() sentry.Liveness { return h }

func (h *FakeHost) IsOnline(hostPort string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.offline[hostPort]
}

// SetOnline flips a host's liveness without emitting an event.
func (h *FakeHost) SetOnline(hostPort string, online bool) {
	h.mu.Lock()
	h.offline[hostPort] = !online
	h.mu.Unlock()
}

func (h *FakeHost) WatchSentry(fn func(sentry.Event)) (cancel func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.watchers[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.watchers, id)
		h.mu.Unlock()
	}
}

// Watchers counts active WatchSentry registrations.
func (h *FakeHost) Watchers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers)
}

// EmitSentry marks the host up or down and delivers ev to watchers.
func (h *FakeHost) EmitSentry(ev sentry.Event) {
	h.SetOnline(ev.HostPort, ev.Kind == sentry.EventUp)

	h.mu.Lock()
	fns := make([]func(sentry.Event), 0, len(h.watchers))
	for i := 0; i < h.nextID; i++ {
		if fn, ok := h.watchers[i]; ok {
			fns = append(fns, fn)
		}
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
