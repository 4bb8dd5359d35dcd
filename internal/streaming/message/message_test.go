package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessage_EncodeDecodeRoundTrip(t *testing.T) {
	m := &Message{
		ID:      [16]byte{1, 2, 3, 4},
		Payload: []byte("hello world"),
		Headers: Headers{
			"trace_id": {Kind: ValueString, Str: "abc-123"},
			"retries":  {Kind: ValueUint64, Uint: 3},
		},
	}

	encoded := m.Encode()
	decoded, n, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, len(encoded), n)
	assert.Equal(t, m.ID, decoded.ID)
	assert.Equal(t, m.Payload, decoded.Payload)

	traceID, ok := decoded.Headers.GetString("trace_id")
	require.True(t, ok)
	assert.Equal(t, "abc-123", traceID)

	retries, ok := decoded.Headers.GetUint64("retries")
	require.True(t, ok)
	assert.Equal(t, uint64(3), retries)
}

func TestMessage_EncodeDecodeNoHeaders(t *testing.T) {
	m := &Message{Payload: []byte("no headers")}
	decoded, _, err := Decode(m.Encode())
	require.NoError(t, err)
	assert.Equal(t, m.Payload, decoded.Payload)
	assert.Empty(t, decoded.Headers)
}

func TestMessage_ValidateRejectsOversizedPayload(t *testing.T) {
	m := &Message{Payload: make([]byte, MaxPayloadBytes+1)}
	err := m.Validate()
	assert.Error(t, err)
}

func TestMessage_ValidateRejectsEmptyHeaderKey(t *testing.T) {
	m := &Message{Headers: Headers{"": {Kind: ValueBool, Bool: true}}}
	err := m.Validate()
	assert.Error(t, err)
}

func TestMessage_DecodeTruncatedBufferFails(t *testing.T) {
	_, _, err := Decode([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestHeaders_GetBool(t *testing.T) {
	h := Headers{"flag": {Kind: ValueBool, Bool: true}}
	v, ok := h.GetBool("flag")
	require.True(t, ok)
	assert.True(t, v)

	_, ok = h.GetBool("missing")
	assert.False(t, ok)
}
