// Package resource defines the named channels clients subscribe and publish
// to, and the machinery shared by every resource variant.
//
// A resource lives in exactly one process-local instance per name. All
// methods are called from the dispatcher's event loop and are not safe for
// concurrent use; blocking work goes through Host.Go and comes back through
// Host.Post.
package resource

import (
	"fmt"
	"regexp"
	"time"

	"github.com/c360/radar/errors"
	"github.com/c360/radar/message"
	"github.com/c360/radar/transport"
)

// Resource is the contract every variant satisfies.
type Resource interface {
	Name() string
	Type() *Type

	// Subscribe adds conn to the subscriber set, replaying current state
	// to it when sendPastState is set.
	Subscribe(conn transport.Conn, sendPastState bool)
	// Unsubscribe removes conn. closeConnection is set when the
	// connection itself is going away.
	Unsubscribe(conn transport.Conn, closeConnection bool)
	HasSubscriber(connID string) bool
	SubscriberCount() int

	// HandleMessage applies a client operation.
	HandleMessage(conn transport.Conn, msg *message.Message)
	// IngestBackendMessage applies a change published by another
	// process without publishing it again.
	IngestBackendMessage(msg *message.Message)

	// Destroy releases local state. It is idempotent.
	Destroy()
}

// Kind is the closed set of resource variants.
type Kind string

const (
	KindPresence    Kind = "presence"
	KindStatus      Kind = "status"
	KindMessageList Kind = "message_list"
)

// ParseKind validates a kind name from configuration.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindPresence, KindStatus, KindMessageList:
		return k, nil
	}
	return "", errors.WrapInvalid(fmt.Errorf("unknown resource kind %q", s), "resource", "ParseKind", "validate kind")
}

// Policy tunes a resource type.
type Policy struct {
	// MaxPersistence bounds how long stored state stays visible. Zero keeps
	// it forever.
	MaxPersistence time.Duration
	// MaxLength caps message list history. Zero is unbounded.
	MaxLength int
	// AuthProvider names the authorizer provider guarding the type. Empty
	// allows everyone.
	AuthProvider string
}

// Type binds resource names matching Expression to a variant.
type Type struct {
	Name       string
	Kind       Kind
	Expression *regexp.Regexp
	Policy     Policy
}

// Matches reports whether name belongs to this type.
func (t *Type) Matches(name string) bool {
	return t.Expression != nil && t.Expression.MatchString(name)
}
