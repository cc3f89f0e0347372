package natsport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubject_EscapesReservedCharacters(t *testing.T) {
	p := &Port{cfg: DefaultConfig()}

	assert.Equal(t, "radar.status:/app/room1", p.Subject("status:/app/room1"))
	assert.Equal(t, "radar.a%2Eb%2A%3E%20c", p.Subject("a.b*> c"))
	assert.NotEqual(t, p.Subject("a.b"), p.Subject("a%2Eb"), "escaping is injective")
}

func TestKVKey_IsBucketSafe(t *testing.T) {
	k := kvKey("presence:/acme/room 1")
	assert.Regexp(t, `^[A-Za-z0-9_-]+$`, k)
	assert.NotEqual(t, kvKey("a"), kvKey("b"))
}
