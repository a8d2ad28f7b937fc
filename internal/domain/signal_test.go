package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestFrameInitiateCarriesProfile(t *testing.T) {
	env := Envelope{
		Type:    SignalInitiate,
		To:      "y",
		Payload: json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
		Caller:  &User{ID: "x", DisplayName: "Xavier"},
	}
	b, err := env.RequestFrame()
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"event":"call:initiate","data":{"to":"y","offer":{"type":"offer","sdp":"v=0"},"from":{"_id":"x","fullName":"Xavier"}}}`,
		string(b))
}

func TestRequestFramePeerEvents(t *testing.T) {
	b, err := Envelope{Type: SignalReject, To: "x"}.RequestFrame()
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"call:reject","data":{"to":"x"}}`, string(b))

	_, err = Envelope{Type: "bogus"}.RequestFrame()
	require.ErrorIs(t, err, ErrBadMessage)
}

// A server mirror decodes back to the envelope the sender relayed.
func TestParseCallEventMirrorsFrame(t *testing.T) {
	sent := []Envelope{
		{Type: SignalInitiate, From: "x", To: "y", Payload: json.RawMessage(`{"sdp":"o"}`), Caller: &User{ID: "x"}},
		{Type: SignalAnswer, From: "y", To: "x", Payload: json.RawMessage(`{"sdp":"a"}`)},
		{Type: SignalICECandidate, From: "y", To: "x", Payload: json.RawMessage(`{"candidate":"c"}`)},
		{Type: SignalReject, From: "y", To: "x"},
		{Type: SignalEnd, From: "x", To: "y"},
	}
	for _, env := range sent {
		t.Run(string(env.Type), func(t *testing.T) {
			b, err := env.Frame()
			require.NoError(t, err)
			msg, err := Unmarshal(b)
			require.NoError(t, err)

			got, ok, err := ParseCallEvent(msg)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, env.Type, got.Type)
			assert.Equal(t, env.From, got.From)
			if env.Payload != nil {
				assert.JSONEq(t, string(env.Payload), string(got.Payload))
			}
		})
	}
}

func TestParseCallEventIgnoresOtherEvents(t *testing.T) {
	_, ok, err := ParseCallEvent(Message{Event: EventOnlineUsers})
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = ParseCallEvent(Message{Event: EventCallEnded, Data: json.RawMessage(`{}`)})
	assert.True(t, ok)
	require.ErrorIs(t, err, ErrBadMessage)
}
