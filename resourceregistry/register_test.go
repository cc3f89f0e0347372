package resourceregistry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/radar/errors"
	"github.com/c360/radar/resource"
	"github.com/c360/radar/resource/messagelist"
	"github.com/c360/radar/resource/presence"
	"github.com/c360/radar/resource/status"
	"github.com/c360/radar/testutil"
)

func TestRegister_AllKinds(t *testing.T) {
	types, err := resource.NewTypeRegistry(resource.DefaultTypes()...)
	require.NoError(t, err)
	f := Default()
	host := testutil.NewFakeHost("p1")

	r, ok := f.Create(types, "presence:/app/room1", host)
	require.True(t, ok)
	assert.IsType(t, &presence.Presence{}, r)

	r, ok = f.Create(types, "status:/app/x", host)
	require.True(t, ok)
	assert.IsType(t, &status.Status{}, r)

	r, ok = f.Create(types, "message:/app/chat", host)
	require.True(t, ok)
	assert.IsType(t, &messagelist.MessageList{}, r)

	assert.Len(t, f.Kinds(), 3)
}

func TestRegister_Twice(t *testing.T) {
	f := resource.NewFactories()
	require.NoError(t, Register(f))
	assert.Error(t, Register(f))
}

func TestRegister_Nil(t *testing.T) {
	err := Register(nil)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}
