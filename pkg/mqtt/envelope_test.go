package mqtt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := Envelope{
		ID:          "b1c2d3e4",
		MessageType: MessageTypeData,
		Payload:     map[string]any{"soc": 42, "status": "Charging"},
	}

	data, err := env.Encode()
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, env.ID, decoded.ID)
	assert.Equal(t, env.MessageType, decoded.MessageType)
	assert.Equal(t, "Charging", decoded.Payload["status"])
	// JSON numbers come back as int64.
	assert.EqualValues(t, 42, decoded.Payload["soc"])
}

func TestEnvelopeEncodeRequiresID(t *testing.T) {
	env := Envelope{MessageType: MessageTypeData}
	_, err := env.Encode()
	require.Error(t, err)
}

func TestEnvelopeEncodeNilPayload(t *testing.T) {
	env := Envelope{ID: "x", MessageType: MessageTypeDelete}
	data, err := env.Encode()
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.NotNil(t, decoded.Payload)
	assert.Empty(t, decoded.Payload)
}

func TestDecodeEnvelopeMalformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "not json", data: `{{{`},
		{name: "not an array", data: `{"a":1}`},
		{name: "too short", data: `[2,"id","data"]`},
		{name: "too long", data: `[2,"id","data",{},null]`},
		{name: "wrong frame type", data: `[3,"id","data",{}]`},
		{name: "non-numeric frame type", data: `["2","id","data",{}]`},
		{name: "non-string id", data: `[2,7,"data",{}]`},
		{name: "non-string message type", data: `[2,"id",9,{}]`},
		{name: "non-object payload", data: `[2,"id","data",[1,2]]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEnvelope([]byte(tt.data))
			require.Error(t, err)
		})
	}
}
