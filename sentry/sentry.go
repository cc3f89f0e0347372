// Package sentry implements the cluster heartbeat: every radar process
// announces itself on a shared channel and tracks which peers are alive.
package sentry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/c360/radar/errors"
	"github.com/c360/radar/metric"
	"github.com/c360/radar/persistence"
)

const (
	DefaultChannel  = "sentry:/radar"
	DefaultInterval = 10 * time.Second
	DefaultExpiry   = 20 * time.Second
)

// EventKind says whether a host came up or went down.
type EventKind int

const (
	EventUp EventKind = iota
	EventDown
)

func (k EventKind) String() string {
	if k == EventUp {
		return "up"
	}
	return "down"
}

// Event reports a liveness transition of a remote host.
type Event struct {
	Kind     EventKind
	HostPort string
	At       time.Time
}

// Heartbeat is the payload published on the sentry channel.
type Heartbeat struct {
	HostPort  string `json:"hostPort"`
	Timestamp int64  `json:"timestamp"`
}

// Entry is the last heartbeat seen from a host. LastSeen is local receive
// time so clock skew between hosts does not matter.
type Entry struct {
	HostPort  string
	LastSeen  time.Time
	Timestamp int64
}

// Liveness is the read side of the sentry that resources consult.
type Liveness interface {
	HostPort() string
	IsOnline(hostPort string) bool
}

// Option configures a Sentry.
type Option func(*Sentry)

func WithInterval(d time.Duration) Option { return func(s *Sentry) { s.interval = d } }
func WithExpiry(d time.Duration) Option   { return func(s *Sentry) { s.expiry = d } }
func WithClock(c clock.Clock) Option      { return func(s *Sentry) { s.clock = c } }
func WithChannel(ch string) Option        { return func(s *Sentry) { s.channel = ch } }

func WithLogger(l *slog.Logger) Option {
	return func(s *Sentry) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *metric.Metrics) Option { return func(s *Sentry) { s.metrics = m } }

// Sentry publishes this process's heartbeat and keeps the liveness table.
// It is safe for concurrent use.
type Sentry struct {
	port     persistence.Port
	hostPort string
	channel  string
	interval time.Duration
	expiry   time.Duration
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metric.Metrics

	mu        sync.Mutex
	entries   map[string]Entry
	listeners map[int]func(Event)
	nextID    int
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a stopped sentry for hostPort.
func New(port persistence.Port, hostPort string, opts ...Option) *Sentry {
	s := &Sentry{
		port:      port,
		hostPort:  hostPort,
		channel:   DefaultChannel,
		interval:  DefaultInterval,
		expiry:    DefaultExpiry,
		clock:     clock.New(),
		logger:    slog.Default(),
		entries:   make(map[string]Entry),
		listeners: make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.expiry <= s.interval {
		s.logger.Warn("sentry expiry does not exceed heartbeat interval; hosts will flap",
			"interval", s.interval, "expiry", s.expiry)
	}
	s.logger = s.logger.With("component", "sentry", "host", hostPort)
	return s
}

func (s *Sentry) Channel() string  { return s.channel }
func (s *Sentry) HostPort() string { return s.hostPort }

// Start publishes a heartbeat now and then every interval, sweeping expired
// hosts on each tick.
func (s *Sentry) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Sentry", "Start", "start heartbeat")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	ticker := s.clock.Ticker(s.interval)
	s.mu.Unlock()

	go func() {
		defer close(done)
		defer ticker.Stop()

		s.beat(runCtx)
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.beat(runCtx)
				s.sweep()
			}
		}
	}()

	s.logger.Info("sentry started", "channel", s.channel, "interval", s.interval, "expiry", s.expiry)
	return nil
}

// Stop halts heartbeating and sweeping. Peers see this host expire; no
// goodbye is sent.
func (s *Sentry) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("sentry stopped")
}

// Running reports whether heartbeating is active.
func (s *Sentry) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Sentry) beat(ctx context.Context) {
	payload, err := json.Marshal(Heartbeat{HostPort: s.hostPort, Timestamp: s.clock.Now().UnixMilli()})
	if err != nil {
		s.logger.Error("encode heartbeat", "error", err)
		return
	}
	if err := s.port.Publish(ctx, s.channel, payload); err != nil {
		s.logger.Warn("heartbeat publish failed", "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.SentryHeartbeats.Inc()
	}
}

// Ingest records a heartbeat received on the sentry channel. A host that
// was unknown or expired produces an EventUp.
func (s *Sentry) Ingest(payload []byte) error {
	var hb Heartbeat
	if err := json.Unmarshal(payload, &hb); err != nil {
		return errors.WrapInvalid(err, "Sentry", "Ingest", "decode heartbeat")
	}
	if hb.HostPort == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Sentry", "Ingest", "heartbeat without hostPort")
	}
	if hb.HostPort == s.hostPort {
		return nil
	}

	now := s.clock.Now()
	s.mu.Lock()
	prev, known := s.entries[hb.HostPort]
	cameUp := !known || now.Sub(prev.LastSeen) >= s.expiry
	s.entries[hb.HostPort] = Entry{HostPort: hb.HostPort, LastSeen: now, Timestamp: hb.Timestamp}
	s.mu.Unlock()

	if cameUp {
		s.logger.Debug("host up", "peer", hb.HostPort)
		s.emit(Event{Kind: EventUp, HostPort: hb.HostPort, At: now})
	}
	s.reportOnline()
	return nil
}

// sweep drops expired entries and announces each one once.
func (s *Sentry) sweep() {
	now := s.clock.Now()

	s.mu.Lock()
	var expired []string
	for host, e := range s.entries {
		if now.Sub(e.LastSeen) >= s.expiry {
			expired = append(expired, host)
			delete(s.entries, host)
		}
	}
	s.mu.Unlock()

	sort.Strings(expired)
	for _, host := range expired {
		s.logger.Info("host expired", "peer", host)
		s.emit(Event{Kind: EventDown, HostPort: host, At: now})
	}
	if len(expired) > 0 {
		s.reportOnline()
	}
}

func (s *Sentry) emit(ev Event) {
	s.mu.Lock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.listeners[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (s *Sentry) reportOnline() {
	if s.metrics != nil {
		s.metrics.SentryHostsOnline.Set(float64(len(s.Online())))
	}
}

// IsOnline reports whether hostPort heartbeated within the expiry window.
// Stale entries count as offline even before they are swept. The local
// host is online while running.
func (s *Sentry) IsOnline(hostPort string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if hostPort == s.hostPort {
		return s.running
	}
	e, ok := s.entries[hostPort]
	return ok && s.clock.Now().Sub(e.LastSeen) < s.expiry
}

// Online lists live hosts, sorted.
func (s *Sentry) Online() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	hosts := make([]string, 0, len(s.entries)+1)
	if s.running {
		hosts = append(hosts, s.hostPort)
	}
	for host, e := range s.entries {
		if now.Sub(e.LastSeen) < s.expiry {
			hosts = append(hosts, host)
		}
	}
	sort.Strings(hosts)
	return hosts
}

// Entry returns the last heartbeat seen from hostPort.
func (s *Sentry) Entry(hostPort string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[hostPort]
	return e, ok
}

// Listen registers fn for liveness events. Listeners run synchronously on
// the goroutine that detected the change and must not block. The returned
// func removes fn.
func (s *Sentry) Listen(fn func(Event)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}
