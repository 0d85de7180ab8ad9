package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageFrameAlwaysCarriesPayloadAndRetain(t *testing.T) {
	// an empty retained payload clears the retained message at the broker
	frame := EventFrame{Type: TypeMQTTMessage, Topic: "sensors/demo", Timestamp: 1700000000000}

	data, err := json.Marshal(frame)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Equal(t, "", fields["payload"])
	assert.Equal(t, false, fields["retain"])
	assert.Equal(t, float64(0), fields["qos"])
	assert.Equal(t, "sensors/demo", fields["topic"])
	assert.Equal(t, float64(1700000000000), fields["timestamp"])

	var decoded EventFrame
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, TypeMQTTMessage, decoded.Type)
	require.NotNil(t, decoded.QoS)
	assert.Equal(t, byte(0), *decoded.QoS)
}

func TestOtherFramesOmitEmptyFields(t *testing.T) {
	data, err := json.Marshal(EventFrame{Type: TypeMQTTError, Op: TypePublish, Topic: "a", Error: "denied"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"mqtt-error","op":"publish","topic":"a","error":"denied"}`, string(data))

	data, err = json.Marshal(EventFrame{Type: TypeMQTTConnected, Attempt: 3})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"mqtt-connected","attempt":3}`, string(data))
}

func TestDecodeControl(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"connect", `{"type":"connect","brokerUrl":"mqtt://localhost:1883","attempt":2}`, false},
		{"subscribe with wildcard", `{"type":"subscribe","topic":"sensors/#","qos":1}`, false},
		{"publish", `{"type":"publish","topic":"sensors/a","message":"x"}`, false},
		{"disconnect", `{"type":"disconnect"}`, false},
		{"bad json", `{"type":`, true},
		{"unknown type", `{"type":"ping"}`, true},
		{"connect without url", `{"type":"connect"}`, true},
		{"subscribe without topic", `{"type":"subscribe"}`, true},
		{"qos out of range", `{"type":"subscribe","topic":"a","qos":3}`, true},
		{"publish to wildcard", `{"type":"publish","topic":"sensors/+","message":"x"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := DecodeControl([]byte(tt.input))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedFrame)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, frame.Type)
		})
	}
}
