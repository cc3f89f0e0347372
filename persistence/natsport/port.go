// Package natsport implements persistence.Port on NATS: resource channels
// map to core subjects and resource state lives in a JetStream KV bucket.
package natsport

import (
	"context"
	"encoding/base64"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/radar/errors"
	"github.com/c360/radar/natsclient"
	"github.com/c360/radar/persistence"
)

// Config selects subjects and the KV bucket.
type Config struct {
	SubjectPrefix string
	Bucket        string
	History       uint8
	TTL           time.Duration
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		SubjectPrefix: "radar",
		Bucket:        "radar_resources",
		History:       1,
	}
}

// Port is a persistence.Port backed by a connected natsclient.Client.
type Port struct {
	client *natsclient.Client
	kv     *natsclient.KVStore
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	handler persistence.Handler
}

var _ persistence.Port = (*Port)(nil)

// New opens (or creates) the KV bucket. client must already be connected.
func New(ctx context.Context, client *natsclient.Client, cfg Config, logger *slog.Logger) (*Port, error) {
	def := DefaultConfig()
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = def.SubjectPrefix
	}
	if cfg.Bucket == "" {
		cfg.Bucket = def.Bucket
	}
	if cfg.History == 0 {
		cfg.History = def.History
	}
	if logger == nil {
		logger = slog.Default()
	}

	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:  cfg.Bucket,
		History: cfg.History,
		TTL:     cfg.TTL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "natsport", "New", "open KV bucket "+cfg.Bucket)
	}

	return &Port{
		client: client,
		kv:     client.NewKVStore(bucket),
		cfg:    cfg,
		logger: logger.With("component", "natsport"),
	}, nil
}

// Subject maps a channel name to its NATS subject. Characters with meaning
// in subjects are escaped so distinct channels never collide.
func (p *Port) Subject(channel string) string {
	return p.cfg.SubjectPrefix + "." + escape(channel)
}

var subjectEscaper = strings.NewReplacer(
	"%", "%25",
	".", "%2E",
	"*", "%2A",
	">", "%3E",
	" ", "%20",
	"\t", "%09",
	"\r", "%0D",
	"\n", "%0A",
)

func escape(channel string) string {
	return subjectEscaper.Replace(channel)
}

// KV keys are restricted to [-/_=.a-zA-Z0-9]; base64url covers any name.
func kvKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

// Subscribe routes deliveries on channel to the installed handler.
func (p *Port) Subscribe(ctx context.Context, channel string) error {
	err := p.client.Subscribe(context.WithoutCancel(ctx), p.Subject(channel), func(_ context.Context, data []byte) {
		p.mu.RLock()
		h := p.handler
		p.mu.RUnlock()
		if h != nil {
			h(channel, data)
		}
	})
	if err != nil {
		return errors.WrapTransient(err, "natsport", "Subscribe", "subscribe "+channel)
	}
	return nil
}

// Unsubscribe stops delivery for channel.
func (p *Port) Unsubscribe(_ context.Context, channel string) error {
	return p.client.Unsubscribe(p.Subject(channel))
}

// Publish sends payload on the channel subject.
func (p *Port) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := p.client.Publish(ctx, p.Subject(channel), payload); err != nil {
		return errors.WrapTransient(err, "natsport", "Publish", "publish "+channel)
	}
	return nil
}

// OnMessage installs the delivery handler.
func (p *Port) OnMessage(fn persistence.Handler) {
	p.mu.Lock()
	p.handler = fn
	p.mu.Unlock()
}

// Get returns persistence.ErrNotFound for absent keys.
func (p *Port) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := p.kv.Get(ctx, kvKey(key))
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, persistence.ErrNotFound
		}
		return nil, errors.WrapTransient(err, "natsport", "Get", "get "+key)
	}
	return entry.Value, nil
}

// Set writes value without a revision check.
func (p *Port) Set(ctx context.Context, key string, value []byte) error {
	if _, err := p.kv.Put(ctx, kvKey(key), value); err != nil {
		return errors.WrapTransient(err, "natsport", "Set", "put "+key)
	}
	return nil
}

// Update is a compare-and-swap loop against the bucket.
func (p *Port) Update(ctx context.Context, key string, fn func([]byte) ([]byte, error)) error {
	if err := p.kv.UpdateWithRetry(ctx, kvKey(key), fn); err != nil {
		return errors.Wrap(err, "natsport", "Update", "update "+key)
	}
	return nil
}

// Delete removes key. Absent keys are not an error.
func (p *Port) Delete(ctx context.Context, key string) error {
	err := p.kv.Delete(ctx, kvKey(key))
	if err != nil && !natsclient.IsKVNotFoundError(err) {
		return errors.WrapTransient(err, "natsport", "Delete", "delete "+key)
	}
	return nil
}

// Disconnect drains and closes the NATS connection.
func (p *Port) Disconnect(ctx context.Context) error {
	return p.client.Close(ctx)
}
