// Package dispatch routes client traffic to resources and bridges resources
// to the shared backend.
//
// A Dispatcher owns one event loop goroutine. Connection events, backend
// deliveries, sentry events and completions of background work are posted
// to it and run one at a time, so the resource, subscription and client
// bookkeeping below carries no locks. Backend I/O never runs on the loop.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/c360/radar/auth"
	"github.com/c360/radar/client"
	"github.com/c360/radar/errors"
	"github.com/c360/radar/health"
	"github.com/c360/radar/message"
	"github.com/c360/radar/metric"
	"github.com/c360/radar/persistence"
	"github.com/c360/radar/pkg/worker"
	"github.com/c360/radar/resource"
	"github.com/c360/radar/sentry"
	"github.com/c360/radar/transport"
)

const (
	stateNew int32 = iota
	stateRunning
	stateTerminating
	stateTerminated
)

// Dependencies are the collaborators a Dispatcher is built from.
type Dependencies struct {
	Port       persistence.Port
	Types      *resource.TypeRegistry
	Factories  *resource.Factories
	Authorizer auth.Authorizer
	Clients    *client.Registry
	Sentry     *sentry.Sentry
	Logger     *slog.Logger

	// Optional.
	Metrics         *metric.Metrics
	MetricsRegistry *metric.MetricsRegistry
	Health          *health.Monitor
}

// Observer is notified after a message was handed to its resource.
type Observer func(conn transport.Conn, msg *message.Message)

// Stats is a point-in-time view of the dispatcher.
type Stats struct {
	Resources     int `json:"resources"`
	Subscriptions int `json:"subscriptions"`
	Connections   int `json:"connections"`
	Clients       int `json:"clients"`
}

// Dispatcher is the single entry and exit point for client and backend
// traffic of one process.
type Dispatcher struct {
	deps    Dependencies
	logger  *slog.Logger
	metrics *metric.Metrics
	clock   clock.Clock
	host    *host

	processID            string
	retryFailedSubscribe bool
	workers              int
	queueSize            int
	reapInterval         time.Duration
	stopTimeout          time.Duration

	// Owned by the event loop.
	resources      map[string]resource.Resource
	subscribed     map[string]bool
	conns          map[string]transport.Conn
	idle           map[string]int
	sentryWatchers map[int]func(sentry.Event)
	nextWatcher    int
	terminating    bool

	state      atomic.Int32
	queueMu    sync.Mutex
	queue      []func()
	loopClosed bool
	wake       chan struct{}
	loopDone   chan struct{}

	obsMu     sync.RWMutex
	observers map[string]map[int]Observer
	readyFns  []func()
	ready     bool
	nextObs   int

	pool       *worker.Pool[task]
	bridge     *worker.Pool[task]
	server     transport.Server
	stopSentry func()
	cancel     context.CancelFunc
	stopReaper context.CancelFunc
	reaperDone chan struct{}
}

type task struct {
	name string
	fn   func(ctx context.Context) error
}

// New validates deps and builds a dispatcher. Nothing runs until Attach.
func New(deps Dependencies, opts ...Option) (*Dispatcher, error) {
	switch {
	case deps.Port == nil:
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Dispatcher", "New", "persistence port validation")
	case deps.Types == nil || deps.Factories == nil:
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Dispatcher", "New", "resource registry validation")
	case deps.Sentry == nil:
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Dispatcher", "New", "sentry validation")
	}
	if deps.Authorizer == nil {
		deps.Authorizer = auth.AllowAll
	}
	if deps.Clients == nil {
		deps.Clients = client.NewRegistry(client.WithLogger(deps.Logger))
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	d := &Dispatcher{
		deps:           deps,
		metrics:        deps.Metrics,
		clock:          clock.New(),
		processID:      uuid.NewString(),
		workers:        DefaultWorkers,
		queueSize:      DefaultQueueSize,
		stopTimeout:    DefaultStopTimeout,
		resources:      make(map[string]resource.Resource),
		subscribed:     make(map[string]bool),
		conns:          make(map[string]transport.Conn),
		idle:           make(map[string]int),
		sentryWatchers: make(map[int]func(sentry.Event)),
		wake:           make(chan struct{}, 1),
		loopDone:       make(chan struct{}),
		observers:      make(map[string]map[int]Observer),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = metric.NewMetrics()
	}
	d.logger = deps.Logger.With("component", "dispatcher", "process", d.processID)
	d.host = &host{d: d}

	var poolOpts, bridgeOpts []worker.Option[task]
	if deps.MetricsRegistry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[task](deps.MetricsRegistry, "radar_store_worker"))
		bridgeOpts = append(bridgeOpts, worker.WithMetricsRegistry[task](deps.MetricsRegistry, "radar_bridge_worker"))
	}
	d.pool = worker.NewPool(d.workers, d.queueSize, d.process, poolOpts...)
	// Subscribes, unsubscribes and publishes keep their order per process.
	d.bridge = worker.NewPool(1, d.queueSize, d.process, bridgeOpts...)
	return d, nil
}

// ProcessID identifies this process on the backend.
func (d *Dispatcher) ProcessID() string { return d.processID }

// Attach starts the event loop and background workers, wires backend
// deliveries, subscribes the sentry channel, starts the sentry and then the
// transport. Ready observers run once everything is up. server may be nil
// when connections are fed to the Handler methods directly.
func (d *Dispatcher) Attach(ctx context.Context, server transport.Server) error {
	if !d.state.CompareAndSwap(stateNew, stateRunning) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Dispatcher", "Attach", "start dispatcher")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancel = cancel
	go d.run()

	if err := d.pool.Start(runCtx); err != nil {
		return errors.WrapFatal(err, "Dispatcher", "Attach", "start worker pool")
	}
	if err := d.bridge.Start(runCtx); err != nil {
		return errors.WrapFatal(err, "Dispatcher", "Attach", "start bridge worker")
	}

	d.deps.Port.OnMessage(func(channel string, payload []byte) {
		d.post(func() { d.onBackendMessage(channel, payload) })
	})
	d.stopSentry = d.deps.Sentry.Listen(func(ev sentry.Event) {
		d.post(func() { d.onSentryEvent(ev) })
	})

	if err := d.deps.Port.Subscribe(ctx, d.deps.Sentry.Channel()); err != nil {
		return errors.WrapTransient(err, "Dispatcher", "Attach", "subscribe sentry channel")
	}
	if err := d.deps.Sentry.Start(ctx); err != nil {
		return errors.Wrap(err, "Dispatcher", "Attach", "start sentry")
	}

	if server != nil {
		d.server = server
		if err := server.Start(ctx, d); err != nil {
			return errors.Wrap(err, "Dispatcher", "Attach", "start transport")
		}
	}

	if d.reapInterval > 0 {
		reapCtx, stop := context.WithCancel(runCtx)
		d.stopReaper = stop
		d.reaperDone = make(chan struct{})
		go d.reapLoop(reapCtx)
	}
	if d.deps.Health != nil {
		d.deps.Health.RegisterCheck("dispatcher", d.healthCheck)
	}

	d.logger.Info("dispatcher ready", "sentry", d.deps.Sentry.HostPort(), "workers", d.workers)

	d.obsMu.Lock()
	d.ready = true
	fns := d.readyFns
	d.readyFns = nil
	d.obsMu.Unlock()
	for _, fn := range fns {
		fn()
	}
	return nil
}

// OnReady registers fn to run when Attach completes, or runs it now if it
// already has.
func (d *Dispatcher) OnReady(fn func()) {
	d.obsMu.Lock()
	if !d.ready {
		d.readyFns = append(d.readyFns, fn)
		d.obsMu.Unlock()
		return
	}
	d.obsMu.Unlock()
	fn()
}

// Observe registers fn for messages with op. Observers run on the event
// loop and must not block or call back into the dispatcher synchronously.
func (d *Dispatcher) Observe(op string, fn Observer) (cancel func()) {
	d.obsMu.Lock()
	id := d.nextObs
	d.nextObs++
	if d.observers[op] == nil {
		d.observers[op] = make(map[int]Observer)
	}
	d.observers[op][id] = fn
	d.obsMu.Unlock()

	return func() {
		d.obsMu.Lock()
		delete(d.observers[op], id)
		d.obsMu.Unlock()
	}
}

func (d *Dispatcher) notify(conn transport.Conn, msg *message.Message) {
	d.obsMu.RLock()
	ids := make([]int, 0, len(d.observers[msg.Op]))
	for id := range d.observers[msg.Op] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]Observer, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, d.observers[msg.Op][id])
	}
	d.obsMu.RUnlock()

	for _, fn := range fns {
		fn(conn, msg)
	}
}

// OnConnect implements transport.Handler.
func (d *Dispatcher) OnConnect(conn transport.Conn) {
	d.post(func() {
		d.conns[conn.ID()] = conn
		d.logger.Debug("connection opened", "conn", conn.ID())
	})
}

// OnMessage implements transport.Handler.
func (d *Dispatcher) OnMessage(conn transport.Conn, raw []byte) {
	d.post(func() { d.onConnectionMessage(conn, raw) })
}

// OnClose implements transport.Handler.
func (d *Dispatcher) OnClose(conn transport.Conn) {
	d.post(func() { d.onConnectionClose(conn) })
}

func (d *Dispatcher) onConnectionMessage(conn transport.Conn, raw []byte) {
	start := time.Now()
	defer func() { d.metrics.RecordHandling("client", time.Since(start)) }()

	if d.terminating {
		d.logger.Debug("shutting down, message dropped", "conn", conn.ID())
		return
	}

	msg, err := message.Parse(raw)
	if err != nil {
		d.logger.Warn("malformed message rejected", "conn", conn.ID(), "error", err)
		d.metrics.RecordRejected("malformed")
		return
	}
	if err := msg.Validate(); err != nil {
		d.logger.Warn("message rejected", "conn", conn.ID(), "op", msg.Op, "to", msg.To, "error", err)
		d.metrics.RecordRejected("missing_fields")
		return
	}

	if !d.deps.Authorizer.Authorize(msg, conn) {
		d.logger.Warn("message not authorized", "conn", conn.ID(), "op", msg.Op, "to", msg.To)
		d.metrics.RecordRejected("unauthorized")
		if err := conn.Send(message.AuthError(msg)); err != nil {
			d.logger.Warn("send auth error failed", "conn", conn.ID(), "error", err)
		}
		return
	}

	if msg.Op == message.OpNameSync {
		d.deps.Clients.Create(conn.ID(), msg)
		if err := conn.Send(message.NewAck(msg.Ack)); err != nil {
			d.logger.Warn("send nameSync ack failed", "conn", conn.ID(), "error", err)
		}
		d.metrics.RecordReceived(msg.Op)
		return
	}

	if c, ok := d.deps.Clients.Get(conn.ID()); ok && c.Features.DataStore {
		if err := c.DataStore(msg); err != nil {
			d.logger.Warn("client data store failed", "conn", conn.ID(), "error", err)
		}
	}

	if msg.To == d.deps.Sentry.Channel() {
		d.logger.Warn("message to sentry channel rejected", "conn", conn.ID(), "op", msg.Op)
		d.metrics.RecordRejected("reserved_name")
		return
	}

	r, ok := d.resolve(msg.To)
	if !ok {
		d.logger.Error("unknown resource type", "to", msg.To, "conn", conn.ID())
		d.metrics.RecordRejected("unknown_type")
		return
	}

	d.metrics.RecordReceived(msg.Op)
	d.ensureSubscribed(r.Name())
	r.HandleMessage(conn, msg)
	delete(d.idle, r.Name())
	d.notify(conn, msg)
}

// resolve returns the instance for name, creating it on first use.
func (d *Dispatcher) resolve(name string) (resource.Resource, bool) {
	if r, ok := d.resources[name]; ok {
		return r, true
	}
	r, ok := d.deps.Factories.Create(d.deps.Types, name, d.host)
	if !ok {
		return nil, false
	}
	d.resources[name] = r
	d.metrics.ResourcesActive.Set(float64(len(d.resources)))
	d.logger.Debug("resource created", "resource", name, "kind", string(r.Type().Kind))
	return r, true
}

func (d *Dispatcher) onConnectionClose(conn transport.Conn) {
	delete(d.conns, conn.ID())

	for _, name := range d.resourceNames() {
		r := d.resources[name]
		if r.HasSubscriber(conn.ID()) {
			r.Unsubscribe(conn, false)
		}
	}
	d.deps.Clients.Release(conn.ID())
	d.logger.Debug("connection closed", "conn", conn.ID())
}

func (d *Dispatcher) resourceNames() []string {
	names := make([]string, 0, len(d.resources))
	for name := range d.resources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Dispatcher) onSentryEvent(ev sentry.Event) {
	d.logger.Info("sentry event", "kind", ev.Kind.String(), "host", ev.HostPort)

	ids := make([]int, 0, len(d.sentryWatchers))
	for id := range d.sentryWatchers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		if fn, ok := d.sentryWatchers[id]; ok {
			fn(ev)
		}
	}
}

// DestroyResource releases the named resource and its backend
// subscription. It must not be called from an Observer.
func (d *Dispatcher) DestroyResource(name string) bool {
	var destroyed bool
	d.call(func() { destroyed = d.destroyResource(name) })
	return destroyed
}

func (d *Dispatcher) destroyResource(name string) bool {
	r, ok := d.resources[name]
	if !ok {
		return false
	}
	r.Destroy()
	delete(d.resources, name)
	delete(d.idle, name)
	d.metrics.ResourcesActive.Set(float64(len(d.resources)))

	if d.subscribed[name] {
		delete(d.subscribed, name)
		d.unsubscribe(name)
	}
	d.logger.Debug("resource destroyed", "resource", name)
	return true
}

// Resource returns the live instance for name.
func (d *Dispatcher) Resource(name string) (resource.Resource, bool) {
	var (
		r  resource.Resource
		ok bool
	)
	d.call(func() { r, ok = d.resources[name] })
	return r, ok
}

// Resources lists the names of live resources, sorted.
func (d *Dispatcher) Resources() []string {
	var names []string
	d.call(func() { names = d.resourceNames() })
	return names
}

// Subscribed reports whether a backend subscription was requested for name.
func (d *Dispatcher) Subscribed(name string) bool {
	var ok bool
	d.call(func() { ok = d.subscribed[name] })
	return ok
}

// Stats snapshots the loop-owned bookkeeping.
func (d *Dispatcher) Stats() Stats {
	var s Stats
	d.call(func() {
		s = Stats{
			Resources:     len(d.resources),
			Subscriptions: len(d.subscribed),
			Connections:   len(d.conns),
			Clients:       d.deps.Clients.Len(),
		}
	})
	return s
}

func (d *Dispatcher) healthCheck(context.Context) health.Status {
	switch d.state.Load() {
	case stateRunning:
		s := d.Stats()
		return health.NewHealthy("dispatcher",
			fmt.Sprintf("%d resources, %d connections", s.Resources, s.Connections))
	case stateNew:
		return health.NewDegraded("dispatcher", "not attached")
	default:
		return health.NewUnhealthy("dispatcher", "terminated")
	}
}

// Terminate shuts down in order: destroy every resource, stop the sentry,
// close the transport, drain background work, disconnect the backend. Every
// step runs even if an earlier one fails. It returns once the backend
// disconnect has completed.
func (d *Dispatcher) Terminate(ctx context.Context) error {
	if !d.state.CompareAndSwap(stateRunning, stateTerminating) {
		if d.state.Load() == stateNew {
			return errors.WrapInvalid(errors.ErrNotStarted, "Dispatcher", "Terminate", "terminate dispatcher")
		}
		return nil
	}
	d.logger.Info("dispatcher terminating")

	var errs error
	d.call(func() {
		d.terminating = true
		for _, name := range d.resourceNames() {
			d.destroyResource(name)
		}
	})

	if d.stopSentry != nil {
		d.stopSentry()
	}
	d.deps.Sentry.Stop()

	if d.server != nil {
		if err := d.server.Close(ctx); err != nil {
			errs = multierr.Append(errs, errors.Wrap(err, "Dispatcher", "Terminate", "close transport"))
		}
	}

	if d.reaperDone != nil {
		d.stopReaper()
		<-d.reaperDone
	}
	timeout := d.stopTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if err := d.bridge.Stop(timeout); err != nil {
		errs = multierr.Append(errs, errors.Wrap(err, "Dispatcher", "Terminate", "drain bridge worker"))
	}
	if err := d.pool.Stop(timeout); err != nil {
		errs = multierr.Append(errs, errors.Wrap(err, "Dispatcher", "Terminate", "drain worker pool"))
	}
	d.cancel()

	if err := d.deps.Port.Disconnect(ctx); err != nil {
		errs = multierr.Append(errs, errors.Wrap(err, "Dispatcher", "Terminate", "disconnect backend"))
	}

	d.stopLoop()
	d.state.Store(stateTerminated)
	d.deps.Clients.Close()

	if errs != nil {
		d.logger.Error("dispatcher terminated with errors", "error", errs)
	} else {
		d.logger.Info("dispatcher terminated")
	}
	return errs
}
