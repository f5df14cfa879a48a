package message

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validMessage() Message {
	return Message{
		ID:               "0b9c6f0e-3f6e-4a55-9d7e-2d0f1c7f4c11",
		FromUserID:       "alice",
		ToUserID:         "bob",
		EncryptedContent: "abc",
		Type:             TypeText,
		CreatedAt:        time.Date(2024, 3, 9, 14, 5, 7, 123456789, time.UTC),
	}
}

func TestMessage_WireShape(t *testing.T) {
	data, err := json.Marshal(validMessage())
	require.NoError(t, err)

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &fields))

	assert.Equal(t, "0b9c6f0e-3f6e-4a55-9d7e-2d0f1c7f4c11", fields["messageId"])
	assert.Equal(t, "alice", fields["fromUserId"])
	assert.Equal(t, "bob", fields["toUserId"])
	assert.Equal(t, "abc", fields["encryptedContent"])
	assert.Equal(t, "text", fields["type"])
	assert.Equal(t, "2024-03-09T14:05:07.123Z", fields["timestamp"])
	assert.Len(t, fields, 6)
}

func TestMessage_RoundTripKeepsMillisecondTimestamp(t *testing.T) {
	in := validMessage()
	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out Message
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in.ID, out.ID)
	assert.True(t, out.CreatedAt.Equal(in.CreatedAt.Truncate(time.Millisecond)))
}

func TestMessage_UnmarshalRejectsBadTimestamp(t *testing.T) {
	var m Message
	err := json.Unmarshal([]byte(`{"messageId":"x","timestamp":"yesterday"}`), &m)
	assert.Error(t, err)
}

func TestMessage_Validate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Message)
		want   error
	}{
		{"valid", func(*Message) {}, nil},
		{"missing id", func(m *Message) { m.ID = "" }, ErrMissingID},
		{"missing sender", func(m *Message) { m.FromUserID = "" }, ErrMissingSender},
		{"missing recipient", func(m *Message) { m.ToUserID = "" }, ErrMissingRecipient},
		{"long recipient", func(m *Message) { m.ToUserID = strings.Repeat("u", MaxUserIDLength+1) }, ErrUserIDTooLong},
		{"empty content", func(m *Message) { m.EncryptedContent = "" }, ErrEmptyContent},
		{"huge content", func(m *Message) { m.EncryptedContent = strings.Repeat("x", MaxContentBytes+1) }, ErrContentTooLarge},
		{"bad type", func(m *Message) { m.Type = "video" }, ErrInvalidType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := validMessage()
			tc.mutate(&m)
			err := m.Validate()
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCanAdvance(t *testing.T) {
	allowed := [][2]State{
		{StateCreated, StateSent},
		{StateCreated, StateQueued},
		{StateSent, StateDelivered},
		{StateQueued, StateDelivered},
		{StateDelivered, StateRead},
		{StateQueued, StateDeadLettered},
		// skipped intermediate states are implied
		{StateSent, StateRead},
		{StateQueued, StateRead},
		{StateCreated, StateDelivered},
	}
	for _, tr := range allowed {
		assert.Truef(t, CanAdvance(tr[0], tr[1]), "%s -> %s should be allowed", tr[0], tr[1])
	}

	rejected := [][2]State{
		{StateSent, StateQueued},
		{StateQueued, StateSent},
		{StateDelivered, StateDelivered},
		{StateRead, StateDelivered},
		{StateSent, StateDeadLettered},
		{StateDelivered, StateDeadLettered},
		{StateCreated, StateDeadLettered},
		{StateDeadLettered, StateDelivered},
		{StateRead, StateRead},
		{State("bogus"), StateRead},
		{StateSent, State("bogus")},
	}
	for _, tr := range rejected {
		assert.Falsef(t, CanAdvance(tr[0], tr[1]), "%s -> %s should be rejected", tr[0], tr[1])
	}
}
