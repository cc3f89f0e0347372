// Package status implements status resources: a key/value map per resource
// name, shared by every process and kept in the backend store.
package status

import (
	"encoding/json"
	"time"

	"github.com/c360/radar/message"
	"github.com/c360/radar/resource"
	"github.com/c360/radar/transport"
)

// entry is one stored value. At is unix milliseconds.
type entry struct {
	Value json.RawMessage `json:"value"`
	At    int64           `json:"at"`
}

// Status holds the latest value written under each key.
type Status struct {
	*resource.Base
	values map[string]entry
}

// New is the resource.Factory for KindStatus.
func New(name string, host resource.Host, typ *resource.Type) resource.Resource {
	return &Status{
		Base:   resource.NewBase(name, host, typ),
		values: make(map[string]entry),
	}
}

// whenLoaded queues fn behind hydration of the stored map.
func (s *Status) whenLoaded(fn func()) {
	s.WhenLoaded(fn)
	s.Hydrate(s.Name(), func(stored []byte) error {
		var m map[string]entry
		if err := json.Unmarshal(stored, &m); err != nil {
			return err
		}
		for k, v := range m {
			s.values[k] = v
		}
		return nil
	})
}

func (s *Status) Subscribe(conn transport.Conn, sendPastState bool) {
	s.AddSubscriber(conn)
	if sendPastState {
		s.whenLoaded(func() { s.sendState(conn) })
	}
}

func (s *Status) HandleMessage(conn transport.Conn, msg *message.Message) {
	switch msg.Op {
	case message.OpSet:
		s.whenLoaded(func() { s.set(conn, msg) })
	case message.OpGet:
		s.whenLoaded(func() { s.sendState(conn) })
	case message.OpSync:
		s.Subscribe(conn, true)
		s.Ack(conn, msg)
	case message.OpSubscribe:
		s.Subscribe(conn, false)
		s.Ack(conn, msg)
	case message.OpUnsubscribe:
		s.Unsubscribe(conn, false)
		s.Ack(conn, msg)
	default:
		s.Logger().Warn("unsupported op", "op", msg.Op, "conn", conn.ID())
	}
}

func (s *Status) set(conn transport.Conn, msg *message.Message) {
	key := msg.Key.String()
	if key == "" {
		s.Logger().Warn("set without key dropped", "conn", conn.ID())
		return
	}

	e := entry{Value: msg.Value, At: s.Host().Now().UnixMilli()}
	s.values[key] = e
	s.persist(key, e)

	s.Broadcast(resource.Outbound(msg))
	s.Publish(msg)
	s.Ack(conn, msg)
}

func (s *Status) persist(key string, e entry) {
	maxAge := s.Type().Policy.MaxPersistence
	s.Persist(s.Name(), func(current []byte) ([]byte, error) {
		m := make(map[string]entry)
		if len(current) > 0 {
			if err := json.Unmarshal(current, &m); err != nil {
				return nil, err
			}
		}
		if prev, ok := m[key]; !ok || prev.At <= e.At {
			m[key] = e
		}
		if maxAge > 0 {
			cutoff := e.At - maxAge.Milliseconds()
			for k, v := range m {
				if v.At < cutoff {
					delete(m, k)
				}
			}
		}
		return json.Marshal(m)
	})
}

// State returns the live values keyed by status key.
func (s *Status) State() map[string]json.RawMessage {
	now := s.Host().Now()
	maxAge := s.Type().Policy.MaxPersistence

	out := make(map[string]json.RawMessage, len(s.values))
	for k, v := range s.values {
		if maxAge > 0 && now.Sub(time.UnixMilli(v.At)) >= maxAge {
			continue
		}
		out[k] = v.Value
	}
	return out
}

func (s *Status) sendState(conn transport.Conn) {
	s.Send(conn, &message.Message{Op: message.OpGet, To: s.Name(), Value: message.Raw(s.State())})
}

func (s *Status) IngestBackendMessage(msg *message.Message) {
	if !s.Accept(msg) {
		return
	}
	if msg.Op != message.OpSet {
		s.Logger().Debug("ignoring backend op", "op", msg.Op)
		return
	}
	key := msg.Key.String()
	if key == "" {
		return
	}

	s.whenLoaded(func() {
		s.values[key] = entry{Value: msg.Value, At: s.Host().Now().UnixMilli()}
		s.Broadcast(resource.Outbound(msg))
	})
}

func (s *Status) Destroy() {
	s.Base.Destroy()
	s.values = make(map[string]entry)
}
