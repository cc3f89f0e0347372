package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/radar/auth"
	"github.com/c360/radar/client"
	"github.com/c360/radar/errors"
	"github.com/c360/radar/health"
	"github.com/c360/radar/message"
	"github.com/c360/radar/persistence"
	"github.com/c360/radar/resource"
	"github.com/c360/radar/resource/status"
	"github.com/c360/radar/resourceregistry"
	"github.com/c360/radar/sentry"
	"github.com/c360/radar/testutil"
	"github.com/c360/radar/transport"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type proc struct {
	d       *Dispatcher
	port    *persistence.MemoryPort
	sentry  *sentry.Sentry
	clock   *clock.Mock
	clients *client.Registry
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// newProc builds an unattached dispatcher on hub, named id, with a mock
// clock shared by its sentry, clients and resources.
func newProc(t *testing.T, hub *persistence.MemoryHub, id string, mod func(*Dependencies), opts ...Option) *proc {
	t.Helper()

	port := hub.NewPort()
	mock := clock.NewMock()
	s := sentry.New(port, id+":8000",
		sentry.WithClock(mock),
		sentry.WithInterval(time.Second),
		sentry.WithExpiry(4*time.Second),
		sentry.WithLogger(discard()))
	types, err := resource.NewTypeRegistry(resource.DefaultTypes()...)
	require.NoError(t, err)
	clients := client.NewRegistry(client.WithClock(mock), client.WithLogger(discard()))

	deps := Dependencies{
		Port:      port,
		Types:     types,
		Factories: resourceregistry.Default(),
		Clients:   clients,
		Sentry:    s,
		Logger:    discard(),
	}
	if mod != nil {
		mod(&deps)
	}

	opts = append([]Option{WithProcessID(id), WithClock(mock), WithWorkers(2)}, opts...)
	d, err := New(deps, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Terminate(context.Background()) })

	return &proc{d: d, port: port, sentry: s, clock: mock, clients: clients}
}

func startProc(t *testing.T, hub *persistence.MemoryHub, id string, opts ...Option) *proc {
	t.Helper()
	p := newProc(t, hub, id, nil, opts...)
	require.NoError(t, p.d.Attach(context.Background(), nil))
	return p
}

func (p *proc) send(conn transport.Conn, raw string) {
	p.d.OnMessage(conn, []byte(raw))
}

// barrier returns once everything posted before it has run on the loop.
func (p *proc) barrier() { p.d.Stats() }

type fakeServer struct {
	mu       sync.Mutex
	handler  transport.Handler
	closed   bool
	closeErr error
	onClose  func()
}

func (s *fakeServer) Start(_ context.Context, h transport.Handler) error {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
	return nil
}

func (s *fakeServer) Close(context.Context) error {
	s.mu.Lock()
	s.closed = true
	fn := s.onClose
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
	return s.closeErr
}

func (s *fakeServer) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// recordingPort notes what had already shut down when Disconnect ran.
type recordingPort struct {
	*persistence.MemoryPort
	mu    sync.Mutex
	check func()
}

func (p *recordingPort) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	fn := p.check
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
	return p.MemoryPort.Disconnect(ctx)
}

func TestNew_Validation(t *testing.T) {
	hub := persistence.NewMemoryHub()
	types, err := resource.NewTypeRegistry(resource.DefaultTypes()...)
	require.NoError(t, err)
	port := hub.NewPort()
	s := sentry.New(port, "x:1", sentry.WithLogger(discard()))

	tests := []struct {
		name string
		deps Dependencies
	}{
		{"no port", Dependencies{Types: types, Factories: resourceregistry.Default(), Sentry: s}},
		{"no types", Dependencies{Port: port, Factories: resourceregistry.Default(), Sentry: s}},
		{"no factories", Dependencies{Port: port, Types: types, Sentry: s}},
		{"no sentry", Dependencies{Port: port, Types: types, Factories: resourceregistry.Default()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.deps)
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
			assert.ErrorIs(t, err, errors.ErrMissingConfig)
		})
	}
}

func TestLifecycle(t *testing.T) {
	p := newProc(t, persistence.NewMemoryHub(), "a", nil)

	err := p.d.Terminate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotStarted)

	var ready int
	p.d.OnReady(func() { ready++ })
	require.NoError(t, p.d.Attach(context.Background(), nil))
	assert.Equal(t, 1, ready)

	p.d.OnReady(func() { ready++ })
	assert.Equal(t, 2, ready, "late OnReady runs immediately")

	err = p.d.Attach(context.Background(), nil)
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)

	assert.True(t, p.sentry.Running())
	assert.True(t, p.port.Subscribed(sentry.DefaultChannel))

	require.NoError(t, p.d.Terminate(context.Background()))
	assert.NoError(t, p.d.Terminate(context.Background()), "second terminate is a no-op")
}

func TestNameSync_AcksAndRegistersClient(t *testing.T) {
	p := startProc(t, persistence.NewMemoryHub(), "a")
	conn := testutil.NewFakeConn("c1")

	var observed int
	p.d.Observe(message.OpNameSync, func(transport.Conn, *message.Message) { observed++ })

	p.send(conn, `{"op":"nameSync","to":"x","userId":1,"userType":"2","accountName":"acme","ack":7}`)
	p.barrier()

	frames := conn.Frames()
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"op":"ack","value":7}`, string(frames[0]))

	c, ok := p.clients.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "1", c.UserID)
	assert.Equal(t, "acme", c.AccountName)
	assert.Empty(t, p.d.Resources(), "nameSync never creates a resource")
	assert.Zero(t, observed, "nameSync is not observed")
}

func TestRejectedMessages_NoResponse(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		reason string
	}{
		{"missing to", `{"op":"get"}`, "missing_fields"},
		{"missing op", `{"to":"status:/x"}`, "missing_fields"},
		{"empty object", `{}`, "missing_fields"},
		{"malformed", `{op: broken`, "malformed"},
		{"not an object", `[1,2]`, "malformed"},
		{"unknown type", `{"op":"subscribe","to":"unknown:/x"}`, "unknown_type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := startProc(t, persistence.NewMemoryHub(), "a")
			conn := testutil.NewFakeConn("c1")

			p.send(conn, tt.raw)
			p.barrier()

			assert.Empty(t, conn.Frames())
			assert.Empty(t, p.d.Resources())
			assert.Equal(t, 1.0, promtest.ToFloat64(p.d.metrics.MessagesRejected.WithLabelValues(tt.reason)))
		})
	}
}

func TestSentryChannel_NotAResource(t *testing.T) {
	p := newProc(t, persistence.NewMemoryHub(), "a", func(deps *Dependencies) {
		types, err := resource.NewTypeRegistry(&resource.Type{
			Name: "all", Kind: resource.KindStatus, Expression: regexp.MustCompile(`.*`),
		})
		require.NoError(t, err)
		deps.Types = types
	})
	require.NoError(t, p.d.Attach(context.Background(), nil))
	conn := testutil.NewFakeConn("c1")

	p.send(conn, `{"op":"set","to":"`+sentry.DefaultChannel+`","value":"x"}`)
	p.barrier()
	assert.Empty(t, p.d.Resources())
	assert.Equal(t, 1.0, promtest.ToFloat64(p.d.metrics.MessagesRejected.WithLabelValues("reserved_name")))

	p.send(conn, `{"op":"set","to":"status:/x","key":"k","value":"v"}`)
	p.barrier()
	assert.Equal(t, []string{"status:/x"}, p.d.Resources())
}

func TestUnauthorized_SingleErrResponse(t *testing.T) {
	hub := persistence.NewMemoryHub()
	p := newProc(t, hub, "a", func(d *Dependencies) {
		d.Authorizer = auth.AuthorizerFunc(func(*message.Message, transport.Conn) bool { return false })
	})
	require.NoError(t, p.d.Attach(context.Background(), nil))
	conn := testutil.NewFakeConn("c1")

	raw := `{"op":"set","to":"status:/x","key":"1","value":"v","custom":"keep"}`
	p.send(conn, raw)
	p.barrier()

	frames := conn.Frames()
	require.Len(t, frames, 1)
	var resp struct {
		Op     string          `json:"op"`
		Value  string          `json:"value"`
		Origin json.RawMessage `json:"origin"`
	}
	require.NoError(t, json.Unmarshal(frames[0], &resp))
	assert.Equal(t, message.OpErr, resp.Op)
	assert.Equal(t, "auth", resp.Value)
	assert.Equal(t, raw, string(resp.Origin), "origin is the client payload unchanged")
	assert.Empty(t, p.d.Resources())
	assert.Zero(t, p.port.SubscribeCalls("status:/x"))
}

func TestSubscribe_SameInstanceSingleBackendSubscribe(t *testing.T) {
	p := startProc(t, persistence.NewMemoryHub(), "a")
	conn := testutil.NewFakeConn("c1")
	const name = "presence:/app/room1"

	p.send(conn, `{"op":"subscribe","to":"presence:/app/room1","ack":1}`)
	first, ok := p.d.Resource(name)
	require.True(t, ok)
	assert.Equal(t, resource.KindPresence, first.Type().Kind)

	require.Eventually(t, func() bool { return p.port.Subscribed(name) }, waitFor, tick)

	other := testutil.NewFakeConn("c2")
	for i := 0; i < 5; i++ {
		p.send(other, `{"op":"get","to":"presence:/app/room1"}`)
	}
	p.barrier()

	again, ok := p.d.Resource(name)
	require.True(t, ok)
	assert.Same(t, first, again)
	assert.Equal(t, []string{name}, p.d.Resources())
	assert.True(t, p.d.Subscribed(name))

	// Bridge work is ordered, so once a later subscribe has landed no
	// second request for name can still be queued.
	p.send(conn, `{"op":"subscribe","to":"status:/later"}`)
	require.Eventually(t, func() bool { return p.port.Subscribed("status:/later") }, waitFor, tick)
	assert.Equal(t, 1, p.port.SubscribeCalls(name))
}

func TestObserve(t *testing.T) {
	p := startProc(t, persistence.NewMemoryHub(), "a")
	conn := testutil.NewFakeConn("c1")

	var (
		mu   sync.Mutex
		seen []string
	)
	cancel := p.d.Observe(message.OpSubscribe, func(c transport.Conn, msg *message.Message) {
		mu.Lock()
		seen = append(seen, c.ID()+" "+msg.To)
		mu.Unlock()
	})

	p.send(conn, `{"op":"subscribe","to":"status:/a"}`)
	p.send(conn, `{"op":"get","to":"status:/a"}`)
	p.send(conn, `{"op":"subscribe","to":"bogus:/a"}`)
	p.barrier()
	cancel()
	p.send(conn, `{"op":"subscribe","to":"status:/b"}`)
	p.barrier()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"c1 status:/a"}, seen)
}

func TestConnectionClose_UnsubscribesWithoutDestroying(t *testing.T) {
	p := startProc(t, persistence.NewMemoryHub(), "a")
	conn := testutil.NewFakeConn("c1")
	stay := testutil.NewFakeConn("c2")

	p.d.OnConnect(conn)
	p.send(conn, `{"op":"subscribe","to":"status:/a"}`)
	p.send(conn, `{"op":"subscribe","to":"message:/b"}`)
	p.send(stay, `{"op":"subscribe","to":"status:/a"}`)
	assert.Equal(t, 1, p.d.Stats().Connections)

	p.d.OnClose(conn)

	for _, name := range []string{"status:/a", "message:/b"} {
		r, ok := p.d.Resource(name)
		require.True(t, ok, name)
		assert.False(t, r.HasSubscriber("c1"), name)
	}
	r, _ := p.d.Resource("status:/a")
	assert.True(t, r.HasSubscriber("c2"))

	stats := p.d.Stats()
	assert.Equal(t, 2, stats.Resources)
	assert.Zero(t, stats.Connections)
}

func TestConnectionClose_ReleasesClientAfterTTL(t *testing.T) {
	p := startProc(t, persistence.NewMemoryHub(), "a")
	conn := testutil.NewFakeConn("c1")

	p.send(conn, `{"op":"nameSync","to":"x","userId":"u","version":"0.14.0","ack":1}`)
	p.send(conn, `{"op":"set","to":"status:/a","key":"k","value":"v"}`)
	p.barrier()

	c, ok := p.clients.Get("c1")
	require.True(t, ok)
	assert.True(t, c.Features.DataStore)
	require.Len(t, c.Data(), 1)
	assert.Equal(t, "status:/a", c.Data()[0].To)

	p.d.OnClose(conn)
	p.barrier()
	_, ok = p.clients.Get("c1")
	assert.True(t, ok, "client data outlives its connection")

	p.clock.Add(client.DefaultDataTTL + time.Second)
	require.Eventually(t, func() bool {
		_, ok := p.clients.Get("c1")
		return !ok
	}, waitFor, tick)
}

func TestDataStore_OldClientNotRecorded(t *testing.T) {
	p := startProc(t, persistence.NewMemoryHub(), "a")
	conn := testutil.NewFakeConn("c1")

	p.send(conn, `{"op":"nameSync","to":"x","userId":"u","version":"0.12.0","ack":1}`)
	p.send(conn, `{"op":"set","to":"status:/a","key":"k","value":"v"}`)
	p.barrier()

	c, ok := p.clients.Get("c1")
	require.True(t, ok)
	assert.False(t, c.Features.DataStore)
	assert.Empty(t, c.Data())
}

func TestCrossProcess_StatusIngestedWithoutRepublish(t *testing.T) {
	hub := persistence.NewMemoryHub()
	a := startProc(t, hub, "a")
	b := startProc(t, hub, "b")
	const name = "status:/x"

	watcher := hub.NewPort()
	var (
		mu       sync.Mutex
		payloads [][]byte
	)
	watcher.OnMessage(func(_ string, payload []byte) {
		mu.Lock()
		payloads = append(payloads, payload)
		mu.Unlock()
	})
	require.NoError(t, watcher.Subscribe(context.Background(), name))
	published := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(payloads)
	}

	connB := testutil.NewFakeConn("b1")
	b.send(connB, `{"op":"subscribe","to":"status:/x"}`)
	require.Eventually(t, func() bool { return b.port.Subscribed(name) }, waitFor, tick)

	connA := testutil.NewFakeConn("a1")
	a.send(connA, `{"op":"set","to":"status:/x","key":"k","value":"v"}`)

	require.Eventually(t, func() bool { return len(connB.MessagesWithOp(message.OpSet)) == 1 }, waitFor, tick)
	got := connB.MessagesWithOp(message.OpSet)[0]
	assert.Equal(t, name, got.To)
	assert.Equal(t, "k", got.Key.String())
	assert.JSONEq(t, `"v"`, string(got.Value))
	assert.Empty(t, got.Source, "backend envelope is not forwarded to clients")

	require.Eventually(t, func() bool { return published() == 1 }, waitFor, tick)
	assert.Never(t, func() bool { return published() > 1 }, 100*time.Millisecond, tick)

	var state map[string]json.RawMessage
	b.d.call(func() { state = b.d.resources[name].(*status.Status).State() })
	require.Contains(t, state, "k")
	assert.JSONEq(t, `"v"`, string(state["k"]))
}

func TestBackendMessage_Outcomes(t *testing.T) {
	p := startProc(t, persistence.NewMemoryHub(), "a")
	conn := testutil.NewFakeConn("c1")
	p.send(conn, `{"op":"subscribe","to":"status:/a"}`)
	p.barrier()

	p.d.call(func() {
		p.d.onBackendMessage("status:/nobody", []byte(`{"op":"set","key":"k","value":1}`))
		p.d.onBackendMessage("status:/a", []byte(`not json`))
		p.d.onBackendMessage(sentry.DefaultChannel, []byte(`{}`))
		p.d.onBackendMessage(sentry.DefaultChannel, []byte(`{"hostPort":"z:1","timestamp":1}`))
	})

	assert.Equal(t, 1.0, promtest.ToFloat64(p.d.metrics.BackendMessages.WithLabelValues("unhandled")))
	assert.Equal(t, 2.0, promtest.ToFloat64(p.d.metrics.BackendMessages.WithLabelValues("malformed")))
	assert.Equal(t, 1.0, promtest.ToFloat64(p.d.metrics.BackendMessages.WithLabelValues("sentry")))
	assert.True(t, p.sentry.IsOnline("z:1"))
	assert.Empty(t, conn.Frames())
}

func TestSubscribeFailure_StaysMarked(t *testing.T) {
	p := startProc(t, persistence.NewMemoryHub(), "a")
	p.port.FailSubscribe(errors.ErrNoConnection)
	conn := testutil.NewFakeConn("c1")
	const name = "status:/a"

	p.send(conn, `{"op":"subscribe","to":"status:/a"}`)
	require.Eventually(t, func() bool { return p.port.SubscribeCalls(name) == 1 }, waitFor, tick)

	p.port.FailSubscribe(nil)
	p.send(conn, `{"op":"get","to":"status:/a"}`)
	p.barrier()

	assert.True(t, p.d.Subscribed(name))
	assert.Never(t, func() bool { return p.port.SubscribeCalls(name) > 1 }, 100*time.Millisecond, tick)
	assert.False(t, p.port.Subscribed(name))
}

func TestSubscribeFailure_RetriedWhenEnabled(t *testing.T) {
	p := startProc(t, persistence.NewMemoryHub(), "a", WithRetryFailedSubscribe(true))
	p.port.FailSubscribe(errors.ErrNoConnection)
	conn := testutil.NewFakeConn("c1")
	const name = "status:/a"

	p.send(conn, `{"op":"subscribe","to":"status:/a"}`)
	require.Eventually(t, func() bool { return !p.d.Subscribed(name) }, waitFor, tick)
	assert.Equal(t, 1, p.port.SubscribeCalls(name))

	p.port.FailSubscribe(nil)
	p.send(conn, `{"op":"get","to":"status:/a"}`)
	require.Eventually(t, func() bool { return p.port.Subscribed(name) }, waitFor, tick)
	assert.Equal(t, 2, p.port.SubscribeCalls(name))
	assert.True(t, p.d.Subscribed(name))
}

func TestDestroyResource(t *testing.T) {
	p := startProc(t, persistence.NewMemoryHub(), "a")
	conn := testutil.NewFakeConn("c1")
	const name = "message:/room"

	p.send(conn, `{"op":"subscribe","to":"message:/room"}`)
	require.Eventually(t, func() bool { return p.port.Subscribed(name) }, waitFor, tick)

	assert.True(t, p.d.DestroyResource(name))
	assert.False(t, p.d.DestroyResource(name))
	assert.Empty(t, p.d.Resources())
	assert.False(t, p.d.Subscribed(name))
	require.Eventually(t, func() bool { return !p.port.Subscribed(name) }, waitFor, tick)

	// A later reference builds a fresh instance and subscribes again.
	p.send(conn, `{"op":"get","to":"message:/room"}`)
	require.Eventually(t, func() bool { return p.port.Subscribed(name) }, waitFor, tick)
	assert.Equal(t, 2, p.port.SubscribeCalls(name))
}

func TestReap(t *testing.T) {
	p := startProc(t, persistence.NewMemoryHub(), "a")
	conn := testutil.NewFakeConn("c1")

	p.send(conn, `{"op":"get","to":"status:/idle"}`)
	p.send(conn, `{"op":"get","to":"status:/busy"}`)
	p.send(conn, `{"op":"subscribe","to":"status:/held"}`)
	p.barrier()

	assert.Empty(t, p.d.Reap())

	// Traffic between sweeps restarts the count.
	p.send(conn, `{"op":"get","to":"status:/busy"}`)
	assert.Equal(t, []string{"status:/idle"}, p.d.Reap())
	assert.Equal(t, []string{"status:/busy"}, p.d.Reap())

	assert.Equal(t, []string{"status:/held"}, p.d.Resources())
}

func TestReapLoop(t *testing.T) {
	p := startProc(t, persistence.NewMemoryHub(), "a", WithReapInterval(time.Minute))
	conn := testutil.NewFakeConn("c1")

	p.send(conn, `{"op":"get","to":"status:/idle"}`)
	p.barrier()

	require.Eventually(t, func() bool {
		p.clock.Add(time.Minute)
		return len(p.d.Resources()) == 0
	}, waitFor, 20*time.Millisecond)
}

func TestTerminate_Order(t *testing.T) {
	hub := persistence.NewMemoryHub()
	rec := &recordingPort{MemoryPort: hub.NewPort()}
	srv := &fakeServer{}

	mock := clock.NewMock()
	s := sentry.New(rec, "a:8000", sentry.WithClock(mock), sentry.WithLogger(discard()))
	types, err := resource.NewTypeRegistry(resource.DefaultTypes()...)
	require.NoError(t, err)
	monitor := health.NewMonitor()

	d, err := New(Dependencies{
		Port:      rec,
		Types:     types,
		Factories: resourceregistry.Default(),
		Sentry:    s,
		Logger:    discard(),
		Health:    monitor,
	}, WithClock(mock))
	require.NoError(t, err)
	require.NoError(t, d.Attach(context.Background(), srv))

	snap := monitor.Snapshot(context.Background())
	require.Len(t, snap, 1)
	assert.True(t, snap[0].IsHealthy())

	conn := testutil.NewFakeConn("c1")
	d.OnMessage(conn, []byte(`{"op":"subscribe","to":"status:/a"}`))
	d.OnMessage(conn, []byte(`{"op":"subscribe","to":"presence:/b"}`))
	require.Eventually(t, func() bool { return rec.Subscribed("presence:/b") }, waitFor, tick)

	var sentryRunning, serverOpen bool
	srv.onClose = func() { sentryRunning = s.Running() }
	rec.check = func() {
		serverOpen = !srv.Closed()
		assert.False(t, rec.Subscribed("status:/a"), "unsubscribes drain before disconnect")
	}

	require.NoError(t, d.Terminate(context.Background()))

	assert.False(t, sentryRunning, "sentry stops before the transport closes")
	assert.False(t, serverOpen, "transport closes before the backend disconnects")
	assert.True(t, rec.Disconnected())
	assert.Empty(t, d.Resources())

	snap = monitor.Snapshot(context.Background())
	require.Len(t, snap, 1)
	assert.False(t, snap[0].IsHealthy())

	// Messages after terminate go nowhere.
	d.OnMessage(conn, []byte(`{"op":"get","to":"status:/a"}`))
	assert.Empty(t, d.Resources())
}

func TestTerminate_CollectsErrors(t *testing.T) {
	p := newProc(t, persistence.NewMemoryHub(), "a", nil)
	srv := &fakeServer{closeErr: errors.ErrNoConnection}
	require.NoError(t, p.d.Attach(context.Background(), srv))

	err := p.d.Terminate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNoConnection)
	assert.True(t, p.port.Disconnected(), "later steps still run")
}

func TestPresence_HostDownTakesRemoteClientsOffline(t *testing.T) {
	hub := persistence.NewMemoryHub()
	b := startProc(t, hub, "b")
	a := startProc(t, hub, "a")
	const name = "presence:/app/room1"

	require.Eventually(t, func() bool { return b.sentry.IsOnline("a:8000") }, waitFor, tick)

	watcher := testutil.NewFakeConn("w1")
	b.send(watcher, `{"op":"sync","to":"presence:/app/room1","options":{"version":2}}`)
	require.Eventually(t, func() bool { return b.port.Subscribed(name) }, waitFor, tick)

	user := testutil.NewFakeConn("u1")
	a.send(user, `{"op":"set","to":"presence:/app/room1","key":"alice","type":"2","value":"online","ack":3}`)

	require.Eventually(t, func() bool {
		return len(watcher.MessagesWithOp(message.OpOnline)) == 1 &&
			len(watcher.MessagesWithOp(message.OpClientOnline)) == 1
	}, waitFor, tick)
	online := watcher.MessagesWithOp(message.OpOnline)[0]
	assert.JSONEq(t, `{"alice":"2"}`, string(online.Value))
	assert.Len(t, user.MessagesWithOp(message.OpAck), 1)

	// a stops heartbeating without any goodbye.
	a.sentry.Stop()

	require.Eventually(t, func() bool {
		b.clock.Add(time.Second)
		return len(watcher.MessagesWithOp(message.OpOffline)) == 1
	}, waitFor, 20*time.Millisecond)

	lost := watcher.MessagesWithOp(message.OpClientOffline)
	require.Len(t, lost, 1)
	assert.JSONEq(t, `{"userId":"alice","clientId":"u1","explicit":false}`, string(lost[0].Value))
	assert.False(t, b.sentry.IsOnline("a:8000"))
}

func TestPresence_DestroyAnnouncesOwnedClientsToPeers(t *testing.T) {
	hub := persistence.NewMemoryHub()
	b := startProc(t, hub, "b")
	a := startProc(t, hub, "a")
	const name = "presence:/app/room1"

	require.Eventually(t, func() bool { return b.sentry.IsOnline("a:8000") }, waitFor, tick)

	watcher := testutil.NewFakeConn("w1")
	b.send(watcher, `{"op":"subscribe","to":"presence:/app/room1"}`)
	require.Eventually(t, func() bool { return b.port.Subscribed(name) }, waitFor, tick)

	user := testutil.NewFakeConn("u1")
	a.send(user, `{"op":"set","to":"presence:/app/room1","key":"alice","type":"2","value":"online"}`)
	require.Eventually(t, func() bool {
		return len(watcher.MessagesWithOp(message.OpOnline)) == 1
	}, waitFor, tick)

	require.True(t, a.d.DestroyResource(name))
	a.d.OnClose(user)
	a.barrier()

	require.Eventually(t, func() bool {
		return len(watcher.MessagesWithOp(message.OpOffline)) == 1
	}, waitFor, tick)

	reader := testutil.NewFakeConn("r1")
	b.send(reader, `{"op":"get","to":"presence:/app/room1"}`)
	require.Eventually(t, func() bool {
		return len(reader.MessagesWithOp(message.OpGet)) == 1
	}, waitFor, tick)
	assert.JSONEq(t, `{}`, string(reader.MessagesWithOp(message.OpGet)[0].Value))

	require.Eventually(t, func() bool {
		stored, err := b.port.Get(context.Background(), name)
		return err == nil && string(stored) == "{}"
	}, waitFor, tick)
}

// stuckWriter never completes a write until released.
type stuckWriter struct{ release chan struct{} }

func (w stuckWriter) WriteFrame([]byte) error { <-w.release; return nil }
func (w stuckWriter) Close() error            { return nil }

func TestStalledConnection_DoesNotBlockRouting(t *testing.T) {
	p := startProc(t, persistence.NewMemoryHub(), "a")
	w := stuckWriter{release: make(chan struct{})}
	defer close(w.release)

	stalled := transport.NewQueuedConn("stalled", w, nil, 4)
	healthy := testutil.NewFakeConn("healthy")
	p.send(stalled, `{"op":"subscribe","to":"status:/x"}`)
	p.send(healthy, `{"op":"subscribe","to":"status:/x"}`)

	setter := testutil.NewFakeConn("setter")
	for i := 0; i < 3; i++ {
		p.send(setter, `{"op":"set","to":"status:/x","key":"k","value":"v"}`)
	}

	done := make(chan struct{})
	go func() {
		p.barrier()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("event loop blocked by a stalled connection")
	}

	require.Eventually(t, func() bool {
		return len(healthy.MessagesWithOp(message.OpSet)) == 3
	}, waitFor, tick)
}
