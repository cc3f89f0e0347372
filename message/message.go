// Package message defines the envelope exchanged between clients, the
// dispatcher and the backend.
package message

import (
	"bytes"
	"encoding/json"

	"github.com/c360/radar/errors"
)

// Client and resource ops. Resource variants define their own on top.
const (
	OpNameSync    = "nameSync"
	OpAck         = "ack"
	OpErr         = "err"
	OpGet         = "get"
	OpSet         = "set"
	OpSync        = "sync"
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpPublish     = "publish"
	OpOnline      = "online"
	OpOffline     = "offline"

	OpClientOnline  = "client_online"
	OpClientOffline = "client_offline"
)

// Message is the unit of exchange in both directions. Value, Ack and
// UserData carry arbitrary JSON verbatim.
type Message struct {
	Op    string          `json:"op"`
	To    string          `json:"to,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
	Ack   json.RawMessage `json:"ack,omitempty"`

	Key      *Identifier     `json:"key,omitempty"`
	Type     string          `json:"type,omitempty"`
	ClientID string          `json:"clientId,omitempty"`
	Options  json.RawMessage `json:"options,omitempty"`

	// nameSync identity fields
	UserID      *Identifier     `json:"userId,omitempty"`
	UserType    string          `json:"userType,omitempty"`
	AccountName string          `json:"accountName,omitempty"`
	UserData    json.RawMessage `json:"userData,omitempty"`
	Version     string          `json:"version,omitempty"`

	// Origin echoes the offending client payload, byte for byte, in an
	// err response.
	Origin json.RawMessage `json:"origin,omitempty"`

	// Backend envelope. Source is the publishing process, ID is unique per
	// publish and Sentry is the host:port that owns a presence change.
	Source string `json:"source,omitempty"`
	ID     string `json:"id,omitempty"`
	Sentry string `json:"sentry,omitempty"`

	// Raw is the payload m was parsed from. It is never encoded.
	Raw json.RawMessage `json:"-"`
}

// Parse decodes raw into a Message. Anything that is not a JSON object is
// ErrMalformedMessage.
func Parse(raw []byte) (*Message, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errors.WrapInvalid(errors.ErrMalformedMessage, "message", "Parse", "decode envelope")
	}

	var m Message
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return nil, errors.WrapInvalid(errors.ErrMalformedMessage, "message", "Parse", err.Error())
	}
	m.Raw = append(json.RawMessage(nil), trimmed...)
	return &m, nil
}

// Validate rejects messages missing op or to.
func (m *Message) Validate() error {
	if m.Op == "" || m.To == "" {
		return errors.WrapInvalid(errors.ErrMissingFields, "message", "Validate", "check op and to")
	}
	return nil
}

// Encode returns the JSON form of m.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Clone returns a shallow copy; raw JSON fields share backing arrays, which
// is safe because nothing mutates them in place.
func (m *Message) Clone() *Message {
	c := *m
	return &c
}

// StringValue decodes Value as a JSON string. ok is false for any other
// JSON type.
func (m *Message) StringValue() (string, bool) {
	var s string
	if len(m.Value) == 0 || json.Unmarshal(m.Value, &s) != nil {
		return "", false
	}
	return s, true
}

// NewAck builds the nameSync reply echoing ack.
func NewAck(ack json.RawMessage) *Message {
	return &Message{Op: OpAck, Value: ack}
}

// AuthError builds the single response sent when authorization fails.
// origin is echoed exactly as the client sent it when it came from Parse.
func AuthError(origin *Message) *Message {
	out := &Message{Op: OpErr, Value: Raw("auth")}
	switch {
	case len(origin.Raw) > 0:
		out.Origin = origin.Raw
	default:
		out.Origin, _ = origin.Encode()
	}
	return out
}

// Raw marshals v for use in a RawMessage field. Values that cannot be
// marshalled become JSON null.
func Raw(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}

// Identifier is a user or record id that clients send either as a JSON
// number or a JSON string. It keeps the form it arrived in so it is
// written back the same way.
type Identifier struct {
	value  string
	number bool
}

// ID returns a string identifier.
func ID(s string) *Identifier { return &Identifier{value: s} }

// NumericID returns an identifier written as a JSON number. s must be a
// valid JSON number.
func NumericID(s string) *Identifier { return &Identifier{value: s, number: true} }

// UnmarshalJSON accepts numbers and strings.
func (id *Identifier) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = Identifier{value: s}
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = Identifier{value: n.String(), number: true}
	return nil
}

func (id Identifier) MarshalJSON() ([]byte, error) {
	if id.number {
		return []byte(id.value), nil
	}
	return json.Marshal(id.value)
}

// String returns the id text; nil is empty.
func (id *Identifier) String() string {
	if id == nil {
		return ""
	}
	return id.value
}

// Numeric reports whether id arrived as a JSON number.
func (id *Identifier) Numeric() bool { return id != nil && id.number }
