package resource

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/radar/errors"
	"github.com/c360/radar/message"
	"github.com/c360/radar/testutil"
	"github.com/c360/radar/transport"
)

func TestParseKind(t *testing.T) {
	for _, k := range []string{"presence", "status", "message_list"} {
		got, err := ParseKind(k)
		require.NoError(t, err)
		assert.Equal(t, Kind(k), got)
	}

	_, err := ParseKind("stream")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestTypeRegistry_FirstMatchWins(t *testing.T) {
	special := &Type{Name: "vip", Kind: KindStatus, Expression: regexp.MustCompile(`^presence:/vip/`)}
	types := append([]*Type{special}, DefaultTypes()...)

	r, err := NewTypeRegistry(types...)
	require.NoError(t, err)

	typ, ok := r.Match("presence:/vip/lobby")
	require.True(t, ok)
	assert.Equal(t, "vip", typ.Name)

	typ, ok = r.Match("presence:/app/room1")
	require.True(t, ok)
	assert.Equal(t, KindPresence, typ.Kind)

	typ, ok = r.Match("message:/app/chat")
	require.True(t, ok)
	assert.Equal(t, KindMessageList, typ.Kind)

	_, ok = r.Match("unknown:/nope")
	assert.False(t, ok)
	assert.Len(t, r.Types(), 4)
}

func TestTypeRegistry_RejectsBadTypes(t *testing.T) {
	r, err := NewTypeRegistry()
	require.NoError(t, err)

	assert.Error(t, r.Add(nil))
	assert.Error(t, r.Add(&Type{Name: "x", Kind: KindStatus}))
	assert.Error(t, r.Add(&Type{Name: "x", Kind: "queue", Expression: regexp.MustCompile(`.`)}))
}

type stubResource struct {
	*Base
}

func (s *stubResource) Subscribe(conn transport.Conn, _ bool)          { s.AddSubscriber(conn) }
func (s *stubResource) HandleMessage(transport.Conn, *message.Message) {}
func (s *stubResource) IngestBackendMessage(*message.Message)          {}

func TestFactories_Create(t *testing.T) {
	types, err := NewTypeRegistry(DefaultTypes()...)
	require.NoError(t, err)

	f := NewFactories()
	var calls int
	require.NoError(t, f.Register(KindStatus, func(name string, host Host, typ *Type) Resource {
		calls++
		return &stubResource{NewBase(name, host, typ)}
	}))
	assert.Error(t, f.Register(KindStatus, func(string, Host, *Type) Resource { return nil }), "duplicate")
	assert.Error(t, f.Register(KindPresence, nil))

	host := testutil.NewFakeHost("p1")

	r, ok := f.Create(types, "status:/x", host)
	require.True(t, ok)
	assert.Equal(t, "status:/x", r.Name())
	assert.Equal(t, KindStatus, r.Type().Kind)

	_, ok = f.Create(types, "unknown:/nope", host)
	assert.False(t, ok)

	_, ok = f.Create(types, "presence:/app/room", host)
	assert.False(t, ok, "no factory for presence")
	assert.Equal(t, 1, calls)
	assert.Equal(t, []Kind{KindStatus}, f.Kinds())
}
