package sentry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/radar/errors"
	"github.com/c360/radar/persistence"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) kinds() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.HostPort+":"+ev.Kind.String())
	}
	return out
}

func heartbeat(t *testing.T, host string) []byte {
	t.Helper()
	b, err := json.Marshal(Heartbeat{HostPort: host, Timestamp: 1})
	require.NoError(t, err)
	return b
}

func newTestSentry(mock *clock.Mock) *Sentry {
	return New(persistence.NewMemory(), "10.0.0.1:8000",
		WithClock(mock), WithInterval(time.Second), WithExpiry(3*time.Second))
}

func TestSentry_StopsHeartbeatingGoesOfflineAfterExpiry(t *testing.T) {
	mock := clock.NewMock()
	s := newTestSentry(mock)

	require.NoError(t, s.Ingest(heartbeat(t, "peer:1")))
	assert.True(t, s.IsOnline("peer:1"))

	mock.Add(2999 * time.Millisecond)
	assert.True(t, s.IsOnline("peer:1"), "still inside expiry window")

	mock.Add(time.Millisecond)
	assert.False(t, s.IsOnline("peer:1"), "stale entries are offline before any sweep")
}

func TestSentry_ResumingBeforeExpiryStaysOnline(t *testing.T) {
	mock := clock.NewMock()
	s := newTestSentry(mock)
	var log eventLog
	s.Listen(log.record)

	require.NoError(t, s.Ingest(heartbeat(t, "peer:1")))
	for i := 0; i < 10; i++ {
		mock.Add(2 * time.Second)
		assert.True(t, s.IsOnline("peer:1"))
		require.NoError(t, s.Ingest(heartbeat(t, "peer:1")))
		s.sweep()
	}

	assert.Equal(t, []string{"peer:1:up"}, log.kinds(), "no flapping while heartbeats continue")
}

func TestSentry_SweepEmitsDownOnceThenUpOnReturn(t *testing.T) {
	mock := clock.NewMock()
	s := newTestSentry(mock)
	var log eventLog
	cancel := s.Listen(log.record)

	require.NoError(t, s.Ingest(heartbeat(t, "peer:1")))
	mock.Add(5 * time.Second)
	s.sweep()
	s.sweep()

	_, known := s.Entry("peer:1")
	assert.False(t, known)

	require.NoError(t, s.Ingest(heartbeat(t, "peer:1")))
	assert.Equal(t, []string{"peer:1:up", "peer:1:down", "peer:1:up"}, log.kinds())

	cancel()
	cancel()
	mock.Add(5 * time.Second)
	s.sweep()
	assert.Len(t, log.kinds(), 3, "cancelled listener sees nothing")
}

func TestSentry_UnboundedListeners(t *testing.T) {
	mock := clock.NewMock()
	s := newTestSentry(mock)

	var mu sync.Mutex
	count := 0
	for i := 0; i < 500; i++ {
		s.Listen(func(Event) {
			mu.Lock()
			count++
			mu.Unlock()
		})
	}
	require.NoError(t, s.Ingest(heartbeat(t, "peer:1")))
	assert.Equal(t, 500, count)
}

func TestSentry_IngestRejectsBadPayloads(t *testing.T) {
	s := newTestSentry(clock.NewMock())

	err := s.Ingest([]byte("{broken"))
	assert.True(t, errors.IsInvalid(err))

	err = s.Ingest([]byte(`{"timestamp":1}`))
	assert.ErrorIs(t, err, errors.ErrInvalidData)
}

func TestSentry_LocalHostOnlineWhileRunning(t *testing.T) {
	mock := clock.NewMock()
	s := newTestSentry(mock)
	assert.False(t, s.IsOnline(s.HostPort()))

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsOnline(s.HostPort()))
	assert.Equal(t, []string{s.HostPort()}, s.Online())
	assert.Error(t, s.Start(context.Background()))

	s.Stop()
	s.Stop()
	assert.False(t, s.IsOnline(s.HostPort()))
	assert.False(t, s.Running())
}

func TestSentry_HeartbeatsReachPeers(t *testing.T) {
	ctx := context.Background()
	hub := persistence.NewMemoryHub()
	mock := clock.NewMock()

	portA, portB := hub.NewPort(), hub.NewPort()
	a := New(portA, "a:1", WithClock(mock), WithInterval(time.Second), WithExpiry(3*time.Second))
	b := New(portB, "b:1", WithClock(mock), WithInterval(time.Second), WithExpiry(3*time.Second))

	portB.OnMessage(func(channel string, payload []byte) {
		if channel == b.Channel() {
			_ = b.Ingest(payload)
		}
	})
	require.NoError(t, portB.Subscribe(ctx, DefaultChannel))

	require.NoError(t, a.Start(ctx))
	require.Eventually(t, func() bool { return b.IsOnline("a:1") }, time.Second, 5*time.Millisecond)

	a.Stop()
	mock.Add(3 * time.Second)
	assert.False(t, b.IsOnline("a:1"), "no goodbye; the entry expires")
	assert.Equal(t, []string(nil), filter(b.Online(), "a:1"))
}

func filter(hosts []string, want string) []string {
	var out []string
	for _, h := range hosts {
		if h == want {
			out = append(out, h)
		}
	}
	return out
}
