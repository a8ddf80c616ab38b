package wire

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jingxuan97/Pneumatic/errors"
	"github.com/Jingxuan97/Pneumatic/message"
)

func TestDecodeClientFrame(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
		check   func(t *testing.T, f ClientFrame)
	}{
		{
			name: "join",
			raw:  `{"type":"join","conversation_id":"c1"}`,
			check: func(t *testing.T, f ClientFrame) {
				assert.Equal(t, TypeJoin, f.Type)
				assert.Equal(t, "c1", f.ConversationID)
			},
		},
		{
			name: "message",
			raw:  `{"type":"message","message_id":"m1","conversation_id":"c1","content":"hi"}`,
			check: func(t *testing.T, f ClientFrame) {
				assert.Equal(t, TypeMessage, f.Type)
				assert.Equal(t, "m1", f.MessageID)
				assert.Equal(t, "hi", f.Content)
			},
		},
		{name: "not json", raw: `{"type":`, wantErr: errors.ErrMalformedEnvelope},
		{name: "missing type", raw: `{"conversation_id":"c1"}`, wantErr: errors.ErrMalformedEnvelope},
		{name: "server-only tag rejected", raw: `{"type":"joined"}`, wantErr: errors.ErrUnknownFrameType},
		{name: "unknown tag", raw: `{"type":"subscribe"}`, wantErr: errors.ErrUnknownFrameType},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			f, err := DecodeClientFrame([]byte(test.raw))
			if test.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, test.wantErr)
				assert.True(t, errors.IsProtocol(err))
				return
			}
			require.NoError(t, err)
			test.check(t, f)
		})
	}
}

func TestServerFrames(t *testing.T) {
	var joined map[string]any
	require.NoError(t, json.Unmarshal(JoinedFrame("c7"), &joined))
	assert.Equal(t, "joined", joined["type"])
	assert.Equal(t, "c7", joined["conversation_id"])

	m := message.Message{
		ID:             "row-1",
		MessageID:      "m1",
		SenderID:       "u1",
		ConversationID: "c7",
		Content:        "hello",
		CreatedAt:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	data, err := MessageFrame(m)
	require.NoError(t, err)

	var frame struct {
		Type    string          `json:"type"`
		Message message.Message `json:"message"`
	}
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, "message", frame.Type)
	assert.Equal(t, m, frame.Message)

	var errf map[string]any
	require.NoError(t, json.Unmarshal(ErrorFrame("not_a_member"), &errf))
	assert.Equal(t, "error", errf["type"])
	assert.Equal(t, "not_a_member", errf["reason"])
}
