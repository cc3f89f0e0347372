// Package auth decides whether a client message may reach its resource.
package auth

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/c360/radar/message"
	"github.com/c360/radar/resource"
	"github.com/c360/radar/transport"
)

// ProviderAccount is the built-in provider restricting resources to the
// account named in their path.
const ProviderAccount = "account"

// Authorizer gates every client message, nameSync included.
type Authorizer interface {
	Authorize(msg *message.Message, conn transport.Conn) bool
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(msg *message.Message, conn transport.Conn) bool

func (f AuthorizerFunc) Authorize(msg *message.Message, conn transport.Conn) bool {
	return f(msg, conn)
}

// AllowAll authorizes everything.
var AllowAll Authorizer = AuthorizerFunc(func(*message.Message, transport.Conn) bool { return true })

// Request is what a provider decides on.
type Request struct {
	Message *message.Message
	Conn    transport.Conn
	Type    *resource.Type
	// Account is the account the connection declared in nameSync, empty
	// when it has not synced.
	Account string
}

// Provider decides requests for resource types naming it.
type Provider interface {
	Allow(req Request) bool
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(req Request) bool

func (f ProviderFunc) Allow(req Request) bool { return f(req) }

// AccountLookup returns the synced account of a connection.
type AccountLookup func(connID string) (account string, ok bool)

// Option configures a PolicyAuthorizer.
type Option func(*PolicyAuthorizer)

func WithAccounts(lookup AccountLookup) Option {
	return func(a *PolicyAuthorizer) { a.accounts = lookup }
}

func WithProvider(name string, p Provider) Option {
	return func(a *PolicyAuthorizer) { a.providers[name] = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *PolicyAuthorizer) {
		if l != nil {
			a.logger = l
		}
	}
}

// PolicyAuthorizer applies the auth provider named by the message's
// resource type. Types without a provider, and names matching no type, are
// allowed; unknown types are rejected later by the dispatcher.
type PolicyAuthorizer struct {
	types     *resource.TypeRegistry
	accounts  AccountLookup
	logger    *slog.Logger
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewPolicyAuthorizer creates an authorizer with the account provider
// installed.
func NewPolicyAuthorizer(types *resource.TypeRegistry, opts ...Option) *PolicyAuthorizer {
	a := &PolicyAuthorizer{
		types:     types,
		logger:    slog.Default(),
		providers: map[string]Provider{ProviderAccount: ProviderFunc(AccountProvider)},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "auth")
	return a
}

// Register installs or replaces a provider.
func (a *PolicyAuthorizer) Register(name string, p Provider) {
	a.mu.Lock()
	a.providers[name] = p
	a.mu.Unlock()
}

func (a *PolicyAuthorizer) Authorize(msg *message.Message, conn transport.Conn) bool {
	typ, ok := a.types.Match(msg.To)
	if !ok || typ.Policy.AuthProvider == "" {
		return true
	}

	a.mu.RLock()
	provider, ok := a.providers[typ.Policy.AuthProvider]
	a.mu.RUnlock()
	if !ok {
		a.logger.Warn("unknown auth provider, denying", "provider", typ.Policy.AuthProvider, "type", typ.Name)
		return false
	}

	req := Request{Message: msg, Conn: conn, Type: typ}
	if a.accounts != nil && conn != nil {
		req.Account, _ = a.accounts(conn.ID())
	}
	return provider.Allow(req)
}

// AccountProvider allows a message when the first path segment of its
// resource name equals the connection's synced account. Only a nameSync may
// use the account it declares, since it is the message establishing it.
func AccountProvider(req Request) bool {
	account := req.Account
	if account == "" && req.Message.Op == message.OpNameSync {
		account = req.Message.AccountName
	}
	if account == "" {
		return false
	}
	return ResourceAccount(req.Message.To) == account
}

// ResourceAccount returns the first path segment after ":/", as in
// "presence:/<account>/room".
func ResourceAccount(name string) string {
	i := strings.Index(name, ":/")
	if i < 0 {
		return ""
	}
	path := name[i+2:]
	if j := strings.IndexByte(path, '/'); j >= 0 {
		path = path[:j]
	}
	return path
}
