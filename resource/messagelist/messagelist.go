// Package messagelist implements message list resources: an append-only,
// optionally bounded history that late subscribers can sync.
package messagelist

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/c360/radar/message"
	"github.com/c360/radar/resource"
	"github.com/c360/radar/transport"
)

type item struct {
	ID    string          `json:"id"`
	Value json.RawMessage `json:"value"`
	At    int64           `json:"at"`
}

// MessageList keeps the published values in order.
type MessageList struct {
	*resource.Base
	history []item
	ids     map[string]struct{}
}

// New is the resource.Factory for KindMessageList.
func New(name string, host resource.Host, typ *resource.Type) resource.Resource {
	return &MessageList{
		Base: resource.NewBase(name, host, typ),
		ids:  make(map[string]struct{}),
	}
}

func (l *MessageList) whenLoaded(fn func()) {
	l.WhenLoaded(fn)
	l.Hydrate(l.Name(), func(stored []byte) error {
		var items []item
		if err := json.Unmarshal(stored, &items); err != nil {
			return err
		}
		for _, it := range items {
			l.append(it)
		}
		return nil
	})
}

// append adds it unless already present and trims to the policy length.
func (l *MessageList) append(it item) bool {
	if _, ok := l.ids[it.ID]; ok && it.ID != "" {
		return false
	}
	l.history = append(l.history, it)
	if max := l.Type().Policy.MaxLength; max > 0 && len(l.history) > max {
		l.history = trim(l.history, max, 0, 0)
		l.ids = make(map[string]struct{}, len(l.history))
		for _, kept := range l.history {
			l.ids[kept.ID] = struct{}{}
		}
		return true
	}
	l.ids[it.ID] = struct{}{}
	return true
}

// trim keeps the newest max items and drops items older than maxAge
// relative to now (both ignored when zero).
func trim(items []item, max int, maxAge time.Duration, now int64) []item {
	if maxAge > 0 {
		cutoff := now - maxAge.Milliseconds()
		kept := items[:0]
		for _, it := range items {
			if it.At >= cutoff {
				kept = append(kept, it)
			}
		}
		items = kept
	}
	if max > 0 && len(items) > max {
		items = append([]item(nil), items[len(items)-max:]...)
	}
	return items
}

func (l *MessageList) Subscribe(conn transport.Conn, sendPastState bool) {
	l.AddSubscriber(conn)
	if sendPastState {
		l.whenLoaded(func() { l.sendHistory(conn) })
	}
}

func (l *MessageList) HandleMessage(conn transport.Conn, msg *message.Message) {
	switch msg.Op {
	case message.OpPublish:
		l.whenLoaded(func() { l.publish(conn, msg) })
	case message.OpSync:
		l.Subscribe(conn, true)
		l.Ack(conn, msg)
	case message.OpSubscribe:
		l.Subscribe(conn, false)
		l.Ack(conn, msg)
	case message.OpUnsubscribe:
		l.Unsubscribe(conn, false)
		l.Ack(conn, msg)
	default:
		l.Logger().Warn("unsupported op", "op", msg.Op, "conn", conn.ID())
	}
}

func (l *MessageList) publish(conn transport.Conn, msg *message.Message) {
	it := item{ID: uuid.NewString(), Value: msg.Value, At: l.Host().Now().UnixMilli()}
	l.append(it)
	l.persist(it)

	l.Broadcast(resource.Outbound(msg))
	out := msg.Clone()
	out.ID = it.ID
	l.Publish(out)
	l.Ack(conn, msg)
}

func (l *MessageList) persist(it item) {
	policy := l.Type().Policy
	l.Persist(l.Name(), func(current []byte) ([]byte, error) {
		var items []item
		if len(current) > 0 {
			if err := json.Unmarshal(current, &items); err != nil {
				return nil, err
			}
		}
		for _, existing := range items {
			if existing.ID == it.ID {
				return current, nil
			}
		}
		items = trim(append(items, it), policy.MaxLength, policy.MaxPersistence, it.At)
		return json.Marshal(items)
	})
}

// Values returns the live history, oldest first.
func (l *MessageList) Values() []json.RawMessage {
	now := l.Host().Now().UnixMilli()
	live := trim(append([]item(nil), l.history...), 0, l.Type().Policy.MaxPersistence, now)

	out := make([]json.RawMessage, 0, len(live))
	for _, it := range live {
		out = append(out, it.Value)
	}
	return out
}

func (l *MessageList) sendHistory(conn transport.Conn) {
	l.Send(conn, &message.Message{Op: message.OpSync, To: l.Name(), Value: message.Raw(l.Values())})
}

func (l *MessageList) IngestBackendMessage(msg *message.Message) {
	if !l.Accept(msg) {
		return
	}
	if msg.Op != message.OpPublish {
		l.Logger().Debug("ignoring backend op", "op", msg.Op)
		return
	}

	// The item may already be in the hydrated history; subscribers are
	// told either way.
	l.whenLoaded(func() {
		l.append(item{ID: msg.ID, Value: msg.Value, At: l.Host().Now().UnixMilli()})
		l.Broadcast(resource.Outbound(msg))
	})
}

func (l *MessageList) Destroy() {
	l.Base.Destroy()
	l.history = nil
	l.ids = make(map[string]struct{})
}
