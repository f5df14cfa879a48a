package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/mansion/relay/internal/message"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid message:send
// ---------------------------------------------------------------------------

func TestParseClientMessage_Send(t *testing.T) {
	input := []byte(`{"event":"message:send","data":{"toUserId":"bob","encryptedContent":"Y2lwaGVy","type":"text","clientRef":"c-1"}}`)

	event, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event != EventMessageSend {
		t.Fatalf("expected event %q, got %q", EventMessageSend, event)
	}

	sm, ok := msg.(SendMessage)
	if !ok {
		t.Fatalf("expected SendMessage, got %T", msg)
	}
	if sm.ToUserID != "bob" {
		t.Errorf("expected toUserId %q, got %q", "bob", sm.ToUserID)
	}
	if sm.EncryptedContent != "Y2lwaGVy" {
		t.Errorf("expected content to pass through untouched, got %q", sm.EncryptedContent)
	}
	if sm.Type != message.TypeText {
		t.Errorf("expected type text, got %q", sm.Type)
	}
	if sm.ClientRef != "c-1" {
		t.Errorf("expected clientRef %q, got %q", "c-1", sm.ClientRef)
	}
}

// ---------------------------------------------------------------------------
// Test: typing:start and typing:stop share one variant
// ---------------------------------------------------------------------------

func TestParseClientMessage_Typing(t *testing.T) {
	for event, want := range map[string]bool{EventTypingStart: true, EventTypingStop: false} {
		input := []byte(`{"event":"` + event + `","data":{"toUserId":"bob"}}`)
		_, msg, err := ParseClientMessage(input)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", event, err)
		}
		ty, ok := msg.(Typing)
		if !ok {
			t.Fatalf("%s: expected Typing, got %T", event, msg)
		}
		if ty.IsTyping != want {
			t.Errorf("%s: expected IsTyping=%v", event, want)
		}
		if ty.Event() != event {
			t.Errorf("%s: Event() returned %q", event, ty.Event())
		}
	}
}

// ---------------------------------------------------------------------------
// Test: delivered / read status reports
// ---------------------------------------------------------------------------

func TestParseClientMessage_StatusReports(t *testing.T) {
	id := "6f1c2b9a-4a44-4f0b-8d4e-1c0a0f3e9b21"
	cases := map[string]message.State{
		EventMessageDelivered: message.StateDelivered,
		EventMessageRead:      message.StateRead,
	}
	for event, want := range cases {
		input := []byte(`{"event":"` + event + `","data":{"messageId":"` + id + `"}}`)
		_, msg, err := ParseClientMessage(input)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", event, err)
		}
		sr := msg.(StatusReport)
		if sr.Status != want || sr.MessageID != id {
			t.Errorf("%s: got %+v", event, sr)
		}
	}

	_, _, err := ParseClientMessage([]byte(`{"event":"message:read","data":{"messageId":"not-a-uuid"}}`))
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload for a bad messageId, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Test: ping carries no data
// ---------------------------------------------------------------------------

func TestParseClientMessage_Ping(t *testing.T) {
	_, msg, err := ParseClientMessage([]byte(`{"event":"ping"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := msg.(Ping); !ok {
		t.Fatalf("expected Ping, got %T", msg)
	}
}

// ---------------------------------------------------------------------------
// Test: Rejections
// ---------------------------------------------------------------------------

func TestParseClientMessage_Rejections(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  error
	}{
		{"not json", `{{{`, ErrInvalidPayload},
		{"missing event", `{"data":{}}`, ErrInvalidPayload},
		{"unknown event", `{"event":"chat:join","data":{}}`, ErrUnknownEvent},
		{"send without data", `{"event":"message:send"}`, ErrInvalidPayload},
		{"send without recipient", `{"event":"message:send","data":{"encryptedContent":"x","type":"text"}}`, ErrInvalidPayload},
		{"send with empty content", `{"event":"message:send","data":{"toUserId":"bob","encryptedContent":"","type":"text"}}`, ErrInvalidPayload},
		{"send with bad type", `{"event":"message:send","data":{"toUserId":"bob","encryptedContent":"x","type":"video"}}`, ErrInvalidPayload},
		{"typing without target", `{"event":"typing:start","data":{}}`, ErrInvalidPayload},
		{"data of wrong shape", `{"event":"message:send","data":[1,2]}`, ErrInvalidPayload},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := ParseClientMessage([]byte(tc.input))
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestParseClientMessage_OversizedContent(t *testing.T) {
	big := strings.Repeat("a", message.MaxContentBytes+1)
	input := []byte(`{"event":"message:send","data":{"toUserId":"bob","encryptedContent":"` + big + `","type":"file"}}`)
	_, _, err := ParseClientMessage(input)
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Test: Server frames
// ---------------------------------------------------------------------------

func TestNewServerMessage_Envelope(t *testing.T) {
	data, err := NewServerMessage(EventUserOffline, PresenceMsg{UserID: "bob", LastSeen: "2024-03-09T14:05:07.000Z"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if string(raw["event"]) != `"user:offline"` {
		t.Errorf("expected event user:offline, got %s", raw["event"])
	}

	var p map[string]interface{}
	if err := json.Unmarshal(raw["data"], &p); err != nil {
		t.Fatalf("failed to unmarshal data: %v", err)
	}
	if p["userId"] != "bob" || p["lastSeen"] != "2024-03-09T14:05:07.000Z" {
		t.Errorf("unexpected payload: %v", p)
	}
	if _, ok := p["timestamp"]; ok {
		t.Errorf("empty timestamp should be omitted")
	}
}

func TestReceiveFrame_CarriesMessageFields(t *testing.T) {
	m := message.Message{
		ID:               "6f1c2b9a-4a44-4f0b-8d4e-1c0a0f3e9b21",
		FromUserID:       "alice",
		ToUserID:         "bob",
		EncryptedContent: "Y2lwaGVy",
		Type:             message.TypeImage,
	}
	data, err := ReceiveFrame(m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var env struct {
		Event string          `json:"event"`
		Data  message.Message `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if env.Event != EventMessageReceive {
		t.Errorf("expected event %q, got %q", EventMessageReceive, env.Event)
	}
	if env.Data.ID != m.ID || env.Data.FromUserID != "alice" || env.Data.Type != message.TypeImage {
		t.Errorf("unexpected message: %+v", env.Data)
	}
}

func TestErrorFrame(t *testing.T) {
	data, err := ErrorFrame(CodeRateLimited, "slow down", "c-9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `{"event":"message:error","data":{"code":"rate_limited","error":"slow down","clientRef":"c-9"}}`
	if string(data) != want {
		t.Errorf("expected %s, got %s", want, data)
	}
}
