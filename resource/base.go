package resource

import (
	"context"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/c360/radar/errors"
	"github.com/c360/radar/message"
	"github.com/c360/radar/persistence"
	"github.com/c360/radar/transport"
)

const seenCapacity = 1024

// Base carries what every variant shares: the subscriber set, replies,
// backend publishing with echo suppression and lazy hydration. Variants
// embed *Base and add their own state.
type Base struct {
	name   string
	typ    *Type
	host   Host
	logger *slog.Logger

	subscribers map[string]transport.Conn
	seen        *seenSet
	destroyed   bool

	loaded  bool
	loading bool
	pending []func()
}

// NewBase creates the shared part of a resource.
func NewBase(name string, host Host, typ *Type) *Base {
	return &Base{
		name:        name,
		typ:         typ,
		host:        host,
		logger:      host.Logger().With("resource", name, "kind", string(typ.Kind)),
		subscribers: make(map[string]transport.Conn),
		seen:        newSeenSet(seenCapacity),
	}
}

func (b *Base) Name() string         { return b.name }
func (b *Base) Type() *Type          { return b.typ }
func (b *Base) Host() Host           { return b.host }
func (b *Base) Logger() *slog.Logger { return b.logger }
func (b *Base) Destroyed() bool      { return b.destroyed }

// AddSubscriber reports whether conn was newly added.
func (b *Base) AddSubscriber(conn transport.Conn) bool {
	if b.destroyed {
		return false
	}
	if _, ok := b.subscribers[conn.ID()]; ok {
		return false
	}
	b.subscribers[conn.ID()] = conn
	return true
}

// RemoveSubscriber reports whether conn was present.
func (b *Base) RemoveSubscriber(connID string) bool {
	if _, ok := b.subscribers[connID]; !ok {
		return false
	}
	delete(b.subscribers, connID)
	return true
}

func (b *Base) HasSubscriber(connID string) bool {
	_, ok := b.subscribers[connID]
	return ok
}

func (b *Base) SubscriberCount() int { return len(b.subscribers) }

// Subscribers returns the current subscribers ordered by connection id.
func (b *Base) Subscribers() []transport.Conn {
	ids := make([]string, 0, len(b.subscribers))
	for id := range b.subscribers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	conns := make([]transport.Conn, 0, len(ids))
	for _, id := range ids {
		conns = append(conns, b.subscribers[id])
	}
	return conns
}

// Unsubscribe is the default removal: drop conn and ack nothing.
func (b *Base) Unsubscribe(conn transport.Conn, _ bool) {
	b.RemoveSubscriber(conn.ID())
}

// Send writes msg to conn and logs failures.
func (b *Base) Send(conn transport.Conn, msg *message.Message) {
	if err := conn.Send(msg); err != nil {
		b.logger.Warn("send to connection failed", "conn", conn.ID(), "op", msg.Op, "error", err)
	}
}

// Broadcast sends msg to every subscriber.
func (b *Base) Broadcast(msg *message.Message) {
	for _, conn := range b.Subscribers() {
		b.Send(conn, msg)
	}
}

// Ack confirms msg to conn when the client asked for it.
func (b *Base) Ack(conn transport.Conn, msg *message.Message) {
	if len(msg.Ack) == 0 {
		return
	}
	b.Send(conn, message.NewAck(msg.Ack))
}

// Publish stamps msg with this process and an id, fresh unless msg already
// carries one, and sends it on the resource's backend channel.
func (b *Base) Publish(msg *message.Message) {
	out := msg.Clone()
	out.To = b.name
	out.Ack = nil
	out.Source = b.host.ProcessID()
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	b.seen.add(out.ID)

	payload, err := out.Encode()
	if err != nil {
		b.logger.Error("encode backend message", "op", msg.Op, "error", err)
		return
	}
	b.host.Publish(b.name, payload)
}

// Accept reports whether a backend message should be applied: it was not
// published by this process and has not been applied before.
func (b *Base) Accept(msg *message.Message) bool {
	if b.destroyed {
		return false
	}
	if msg.Source != "" && msg.Source == b.host.ProcessID() {
		return false
	}
	if msg.ID != "" && !b.seen.add(msg.ID) {
		return false
	}
	return true
}

// Hydrate loads the stored state once. apply runs on the event loop with
// the stored bytes, nil when nothing is stored. Work queued with WhenLoaded
// runs after apply, in order.
func (b *Base) Hydrate(key string, apply func(stored []byte) error) {
	if b.loaded || b.loading || b.destroyed {
		return
	}
	b.loading = true

	b.host.Go("hydrate "+b.name, func(ctx context.Context) error {
		stored, err := b.host.Store().Get(ctx, key)
		if err != nil && !errors.Is(err, persistence.ErrNotFound) {
			b.logger.Warn("hydrate failed, starting empty", "error", err)
			stored = nil
		}
		b.host.Post(func() {
			if b.destroyed {
				return
			}
			if len(stored) > 0 {
				if err := apply(stored); err != nil {
					b.logger.Warn("stored state unreadable, starting empty", "error", err)
				}
			}
			b.markLoaded()
		})
		return nil
	})
}

// WhenLoaded runs fn now if state is loaded, otherwise after hydration.
func (b *Base) WhenLoaded(fn func()) {
	if b.destroyed {
		return
	}
	if b.loaded {
		fn()
		return
	}
	b.pending = append(b.pending, fn)
}

// Loaded reports whether hydration completed.
func (b *Base) Loaded() bool { return b.loaded }

func (b *Base) markLoaded() {
	b.loaded = true
	b.loading = false
	pending := b.pending
	b.pending = nil
	for _, fn := range pending {
		if b.destroyed {
			return
		}
		fn()
	}
}

// Persist runs an atomic read-modify-write of key off the event loop.
func (b *Base) Persist(key string, fn func(current []byte) ([]byte, error)) {
	b.host.Go("persist "+b.name, func(ctx context.Context) error {
		return b.host.Store().Update(ctx, key, fn)
	})
}

// Destroy drops subscribers and pending work.
func (b *Base) Destroy() {
	if b.destroyed {
		return
	}
	b.destroyed = true
	b.subscribers = make(map[string]transport.Conn)
	b.pending = nil
}

// Outbound strips the backend envelope from msg before it goes to clients.
func Outbound(msg *message.Message) *message.Message {
	out := msg.Clone()
	out.Ack = nil
	out.Source = ""
	out.ID = ""
	return out
}

// seenSet remembers the most recent ids, oldest evicted first.
type seenSet struct {
	ids   map[string]struct{}
	order []string
	next  int
}

func newSeenSet(capacity int) *seenSet {
	return &seenSet{ids: make(map[string]struct{}, capacity), order: make([]string, capacity)}
}

// add reports whether id was new.
func (s *seenSet) add(id string) bool {
	if _, ok := s.ids[id]; ok {
		return false
	}
	if old := s.order[s.next]; old != "" {
		delete(s.ids, old)
	}
	s.order[s.next] = id
	s.next = (s.next + 1) % len(s.order)
	s.ids[id] = struct{}{}
	return true
}
