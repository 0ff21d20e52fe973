package pool

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeReq(t *testing.T) {
	data, err := encodeReq("sub-1", Filters{{Kinds: []int{1}, Limit: 10}})
	require.NoError(t, err)

	var frame []json.RawMessage
	require.NoError(t, json.Unmarshal(data, &frame))
	require.Len(t, frame, 3)
	assert.JSONEq(t, `"REQ"`, string(frame[0]))
	assert.JSONEq(t, `"sub-1"`, string(frame[1]))
	assert.JSONEq(t, `{"kinds":[1],"limit":10}`, string(frame[2]))
}

func TestEncodeClose(t *testing.T) {
	data, err := encodeClose("sub-1")
	require.NoError(t, err)
	assert.JSONEq(t, `["CLOSE","sub-1"]`, string(data))
}

func TestDecodeRelayMessage(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
		check   func(t *testing.T, msg *relayMessage)
	}{
		{
			name: "event",
			raw:  `["EVENT","sub-1",{"id":"abc","kind":1,"content":"hi"}]`,
			check: func(t *testing.T, msg *relayMessage) {
				assert.Equal(t, "EVENT", msg.Verb)
				assert.Equal(t, SubscriptionId("sub-1"), msg.Sub)
				assert.Equal(t, "abc", msg.Event.ID)
				assert.Equal(t, 1, msg.Event.Kind)
			},
		},
		{
			name: "eose",
			raw:  `["EOSE","sub-1"]`,
			check: func(t *testing.T, msg *relayMessage) {
				assert.Equal(t, "EOSE", msg.Verb)
				assert.Equal(t, SubscriptionId("sub-1"), msg.Sub)
			},
		},
		{
			name: "ok accepted",
			raw:  `["OK","abc",true,""]`,
			check: func(t *testing.T, msg *relayMessage) {
				assert.Equal(t, "OK", msg.Verb)
				assert.Equal(t, "abc", msg.EventID)
				assert.True(t, msg.Accepted)
			},
		},
		{
			name: "ok rejected with reason",
			raw:  `["OK","abc",false,"blocked: spam"]`,
			check: func(t *testing.T, msg *relayMessage) {
				assert.False(t, msg.Accepted)
				assert.Equal(t, "blocked: spam", msg.Message)
			},
		},
		{
			name: "notice",
			raw:  `["NOTICE","slow down"]`,
			check: func(t *testing.T, msg *relayMessage) {
				assert.Equal(t, "NOTICE", msg.Verb)
				assert.Equal(t, "slow down", msg.Message)
			},
		},
		{
			name: "closed",
			raw:  `["CLOSED","sub-1","restarting"]`,
			check: func(t *testing.T, msg *relayMessage) {
				assert.Equal(t, "CLOSED", msg.Verb)
				assert.Equal(t, SubscriptionId("sub-1"), msg.Sub)
				assert.Equal(t, "restarting", msg.Reason)
			},
		},
		{
			name: "unknown verb is passed through",
			raw:  `["AUTH","challenge"]`,
			check: func(t *testing.T, msg *relayMessage) {
				assert.Equal(t, "AUTH", msg.Verb)
			},
		},
		{
			name:    "not json",
			raw:     `nope`,
			wantErr: true,
		},
		{
			name:    "empty array",
			raw:     `[]`,
			wantErr: true,
		},
		{
			name:    "event with wrong arity",
			raw:     `["EVENT","sub-1"]`,
			wantErr: true,
		},
		{
			name:    "ok with non-bool",
			raw:     `["OK","abc","yes",""]`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := decodeRelayMessage([]byte(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				assert.IsType(t, &DecodeError{}, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, msg)
		})
	}
}
