// Package client keeps the identity each connection declared in its
// nameSync handshake, plus a short-lived buffer of the messages it sent.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/mod/semver"

	"github.com/c360/radar/errors"
	"github.com/c360/radar/message"
	"github.com/c360/radar/pkg/cache"
)

const (
	// MinDataStoreVersion is the oldest client protocol that gets its
	// messages recorded.
	MinDataStoreVersion = "0.13.1"
	DefaultDataTTL      = 90 * time.Second
)

// Features are protocol capabilities resolved once at handshake.
type Features struct {
	DataStore bool
}

// Client is the identity bound to one connection.
type Client struct {
	ConnectionID string
	UserID       string
	UserType     string
	AccountName  string
	UserData     json.RawMessage
	Version      string
	Features     Features

	store cache.Cache[*message.Message]
	seq   atomic.Uint64
}

// DataStore records msg in the client's TTL buffer. It is a no-op for
// clients whose version predates the feature.
func (c *Client) DataStore(msg *message.Message) error {
	if !c.Features.DataStore || c.store == nil {
		return nil
	}
	key := fmt.Sprintf("%020d", c.seq.Add(1))
	if _, err := c.store.Set(key, msg); err != nil {
		return errors.Wrap(err, "Client", "DataStore", "record message")
	}
	return nil
}

// Data returns the unexpired recorded messages in arrival order.
func (c *Client) Data() []*message.Message {
	if c.store == nil {
		return nil
	}
	keys := c.store.Keys()
	sort.Strings(keys)

	out := make([]*message.Message, 0, len(keys))
	for _, k := range keys {
		if m, ok := c.store.Get(k); ok {
			out = append(out, m)
		}
	}
	return out
}

func (c *Client) close() {
	if c.store != nil {
		_ = c.store.Close()
	}
}

// Option configures a Registry.
type Option func(*Registry)

func WithDataTTL(ttl time.Duration) Option { return func(r *Registry) { r.dataTTL = ttl } }

func WithMinDataStoreVersion(v string) Option {
	return func(r *Registry) { r.minVersion = v }
}

func WithClock(c clock.Clock) Option { return func(r *Registry) { r.clock = c } }

func WithCacheMetrics(m *cache.Metrics) Option { return func(r *Registry) { r.cacheMetrics = m } }

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// Registry maps connection ids to clients.
type Registry struct {
	mu           sync.RWMutex
	clients      map[string]*Client
	dataTTL      time.Duration
	minVersion   string
	clock        clock.Clock
	cacheMetrics *cache.Metrics
	logger       *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		clients:    make(map[string]*Client),
		dataTTL:    DefaultDataTTL,
		minVersion: MinDataStoreVersion,
		clock:      clock.New(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "client")
	return r
}

// SetDataTTL sets the buffer expiry for clients created afterwards. It is
// meant to be called once at startup.
func (r *Registry) SetDataTTL(ttl time.Duration) {
	r.mu.Lock()
	r.dataTTL = ttl
	r.mu.Unlock()
}

// Create registers or replaces the client for connID from a nameSync
// message. A replaced client's buffer is discarded.
func (r *Registry) Create(connID string, msg *message.Message) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := &Client{
		ConnectionID: connID,
		UserID:       msg.UserID.String(),
		UserType:     msg.UserType,
		AccountName:  msg.AccountName,
		UserData:     msg.UserData,
		Version:      msg.Version,
		Features:     Features{DataStore: VersionAtLeast(msg.Version, r.minVersion)},
	}

	if c.Features.DataStore && r.dataTTL > 0 {
		opts := []cache.Option[*message.Message]{cache.WithClock[*message.Message](r.clock)}
		if r.cacheMetrics != nil {
			opts = append(opts, cache.WithMetrics[*message.Message](r.cacheMetrics))
		}
		store, err := cache.NewTTL[*message.Message](context.Background(), r.dataTTL, r.dataTTL, opts...)
		if err != nil {
			r.logger.Error("create client data store", "conn", connID, "error", err)
			c.Features.DataStore = false
		} else {
			c.store = store
		}
	}

	if old, ok := r.clients[connID]; ok {
		old.close()
	}
	r.clients[connID] = c

	r.logger.Debug("client synced", "conn", connID, "user", c.UserID,
		"version", c.Version, "datastore", c.Features.DataStore)
	return c
}

// Get returns the client for connID, if it ever synced.
func (r *Registry) Get(connID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[connID]
	return c, ok
}

// Remove forgets connID.
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	c, ok := r.clients[connID]
	delete(r.clients, connID)
	r.mu.Unlock()

	if ok {
		c.close()
	}
}

// Release is called when the connection closes. The client, and its
// recorded messages, stay available until the data TTL elapses.
func (r *Registry) Release(connID string) {
	r.mu.RLock()
	c, ok := r.clients[connID]
	ttl := r.dataTTL
	r.mu.RUnlock()
	if !ok {
		return
	}
	if c.store == nil || ttl <= 0 {
		r.removeIf(connID, c)
		return
	}
	r.clock.AfterFunc(ttl, func() { r.removeIf(connID, c) })
}

// removeIf removes connID only while it still maps to c.
func (r *Registry) removeIf(connID string, c *Client) {
	r.mu.Lock()
	current, ok := r.clients[connID]
	if ok && current == c {
		delete(r.clients, connID)
	}
	r.mu.Unlock()

	if ok && current == c {
		c.close()
	}
}

// Len returns the number of synced clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Close releases every client buffer.
func (r *Registry) Close() {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[string]*Client)
	r.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// VersionAtLeast compares dotted versions with semver precedence. Versions
// may omit the leading "v". Invalid or empty versions never qualify.
func VersionAtLeast(version, min string) bool {
	v, m := canonical(version), canonical(min)
	if !semver.IsValid(v) || !semver.IsValid(m) {
		return false
	}
	return semver.Compare(v, m) >= 0
}

func canonical(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}
