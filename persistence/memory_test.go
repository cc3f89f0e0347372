package persistence

import (
	"context"
	stderrors "errors"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/radar/errors"
)

type recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recorder) handle(channel string, payload []byte) {
	r.mu.Lock()
	r.msgs = append(r.msgs, channel+"|"+string(payload))
	r.mu.Unlock()
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func TestMemoryHub_FanOutAcrossPorts(t *testing.T) {
	ctx := context.Background()
	hub := NewMemoryHub()
	a, b, c := hub.NewPort(), hub.NewPort(), hub.NewPort()

	var ra, rb, rc recorder
	a.OnMessage(ra.handle)
	b.OnMessage(rb.handle)
	c.OnMessage(rc.handle)

	require.NoError(t, a.Subscribe(ctx, "status:/x"))
	require.NoError(t, b.Subscribe(ctx, "status:/x"))

	require.NoError(t, a.Publish(ctx, "status:/x", []byte("1")))
	require.NoError(t, a.Publish(ctx, "status:/y", []byte("2")))

	assert.Equal(t, []string{"status:/x|1"}, ra.got(), "publisher receives its own message")
	assert.Equal(t, []string{"status:/x|1"}, rb.got())
	assert.Empty(t, rc.got())
}

func TestMemoryPort_Unsubscribe(t *testing.T) {
	ctx := context.Background()
	p := NewMemory()
	var r recorder
	p.OnMessage(r.handle)

	require.NoError(t, p.Subscribe(ctx, "c"))
	require.NoError(t, p.Unsubscribe(ctx, "c"))
	require.NoError(t, p.Publish(ctx, "c", []byte("x")))
	assert.Empty(t, r.got())
	assert.False(t, p.Subscribed("c"))
	assert.Equal(t, 1, p.SubscribeCalls("c"))
}

func TestMemoryPort_KeyValue(t *testing.T) {
	ctx := context.Background()
	hub := NewMemoryHub()
	a, b := hub.NewPort(), hub.NewPort()

	_, err := a.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, a.Set(ctx, "k", []byte("v1")))
	v, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(v))

	require.NoError(t, b.Update(ctx, "k", func(cur []byte) ([]byte, error) {
		return append(cur, '!'), nil
	}))
	v, err = a.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v1!", string(v))

	boom := stderrors.New("boom")
	err = a.Update(ctx, "k", func([]byte) ([]byte, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)

	require.NoError(t, a.Delete(ctx, "k"))
	_, err = b.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryPort_UpdateIsAtomic(t *testing.T) {
	ctx := context.Background()
	hub := NewMemoryHub()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		p := hub.NewPort()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Update(ctx, "n", func(cur []byte) ([]byte, error) {
				n, _ := strconv.Atoi(string(cur))
				return []byte(strconv.Itoa(n + 1)), nil
			})
		}()
	}
	wg.Wait()

	v, err := hub.NewPort().Get(ctx, "n")
	require.NoError(t, err)
	assert.Equal(t, "20", string(v))
}

func TestMemoryPort_FailSubscribe(t *testing.T) {
	p := NewMemory()
	p.FailSubscribe(stderrors.New("backend down"))

	err := p.Subscribe(context.Background(), "c")
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.False(t, p.Subscribed("c"))
	assert.Equal(t, 1, p.SubscribeCalls("c"))
}

func TestMemoryPort_Disconnect(t *testing.T) {
	ctx := context.Background()
	hub := NewMemoryHub()
	a, b := hub.NewPort(), hub.NewPort()
	var r recorder
	a.OnMessage(r.handle)
	require.NoError(t, a.Subscribe(ctx, "c"))

	require.NoError(t, a.Disconnect(ctx))
	assert.True(t, a.Disconnected())

	require.NoError(t, b.Publish(ctx, "c", []byte("lost")))
	assert.Empty(t, r.got(), "disconnected ports miss publishes")

	assert.ErrorIs(t, a.Publish(ctx, "c", nil), errors.ErrNoConnection)
	_, err := a.Get(ctx, "k")
	assert.ErrorIs(t, err, errors.ErrNoConnection)
}
