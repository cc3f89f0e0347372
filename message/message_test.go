package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/radar/errors"
)

func TestParse_NameSync(t *testing.T) {
	m, err := Parse([]byte(`{"op":"nameSync","to":"x","userId":1,"ack":7,"accountName":"acme","version":"0.14.0"}`))
	require.NoError(t, err)

	assert.Equal(t, OpNameSync, m.Op)
	assert.Equal(t, "x", m.To)
	assert.Equal(t, "1", m.UserID.String())
	assert.True(t, m.UserID.Numeric())
	assert.JSONEq(t, "7", string(m.Ack))
	assert.Equal(t, "acme", m.AccountName)
	assert.NoError(t, m.Validate())
}

func TestParse_Malformed(t *testing.T) {
	for _, raw := range []string{`{op: broken`, ``, `"a string"`, `[1,2]`, `42`} {
		_, err := Parse([]byte(raw))
		require.Error(t, err, raw)
		assert.ErrorIs(t, err, errors.ErrMalformedMessage)
		assert.True(t, errors.IsInvalid(err))
	}
}

func TestValidate_MissingFields(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"missing both", `{"value":1}`},
		{"missing to", `{"op":"subscribe"}`},
		{"missing op", `{"to":"status:/x"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Parse([]byte(tt.raw))
			require.NoError(t, err)
			assert.ErrorIs(t, m.Validate(), errors.ErrMissingFields)
		})
	}
}

func TestNewAck_EchoesAck(t *testing.T) {
	b, err := NewAck(json.RawMessage("7")).Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":"ack","value":7}`, string(b))
}

func TestAuthError_EchoesRawPayload(t *testing.T) {
	raw := `{"op":"set","to":"status:/x","key":"1","value":"v","custom":{"keep":[1,2]}}`
	m, err := Parse([]byte(raw))
	require.NoError(t, err)

	b, err := AuthError(m).Encode()
	require.NoError(t, err)

	var out struct {
		Op     string          `json:"op"`
		Value  string          `json:"value"`
		Origin json.RawMessage `json:"origin"`
	}
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, OpErr, out.Op)
	assert.Equal(t, "auth", out.Value)
	assert.Equal(t, raw, string(out.Origin))
}

func TestAuthError_BuiltMessage(t *testing.T) {
	origin := &Message{Op: OpSet, To: "status:/x", Value: Raw("v")}
	b, err := AuthError(origin).Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":"err","value":"auth","origin":{"op":"set","to":"status:/x","value":"v"}}`, string(b))
}

func TestIdentifier_KeepsForm(t *testing.T) {
	m, err := Parse([]byte(`{"op":"set","to":"p","key":"1","userId":12}`))
	require.NoError(t, err)
	assert.Equal(t, "1", m.Key.String())
	assert.False(t, m.Key.Numeric())
	assert.Equal(t, "12", m.UserID.String())
	assert.True(t, m.UserID.Numeric())

	b, err := m.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":"set","to":"p","key":"1","userId":12}`, string(b))

	b, err = json.Marshal(struct {
		A *Identifier `json:"a"`
		B *Identifier `json:"b"`
		C *Identifier `json:"c,omitempty"`
	}{A: NumericID("12"), B: ID("abc")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":12,"b":"abc"}`, string(b))

	var nilID *Identifier
	assert.Empty(t, nilID.String())
}

func TestIdentifier_RejectsOtherTypes(t *testing.T) {
	_, err := Parse([]byte(`{"op":"set","to":"p","key":[1]}`))
	assert.ErrorIs(t, err, errors.ErrMalformedMessage)
}

func TestStringValue(t *testing.T) {
	s, ok := (&Message{Value: Raw("online")}).StringValue()
	assert.True(t, ok)
	assert.Equal(t, "online", s)

	_, ok = (&Message{Value: json.RawMessage("3")}).StringValue()
	assert.False(t, ok)

	_, ok = (&Message{}).StringValue()
	assert.False(t, ok)
}
