// Package protocol defines the realtime events exchanged between clients and
// the relay. Every frame is a JSON object of the form
//
//	{"event": "<name>", "data": {...}}
//
// Client events are decoded into validated tagged variants before they reach
// the delivery layer; server events are built with NewServerMessage.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/mansion/relay/internal/message"
)

// ---------------------------------------------------------------------------
// Event names
// ---------------------------------------------------------------------------

// Client -> Server events.
const (
	EventMessageSend      = "message:send"
	EventTypingStart      = "typing:start"
	EventTypingStop       = "typing:stop"
	EventMessageDelivered = "message:delivered"
	EventMessageRead      = "message:read"
	EventPing             = "ping"
)

// Server -> Client events.
const (
	EventSessionReady    = "session:ready"
	EventSessionReplaced = "session:replaced"
	EventMessageReceive  = "message:receive"
	EventMessageSent     = "message:sent"
	EventMessageQueued   = "message:queued"
	EventMessageError    = "message:error"
	EventUserOnline      = "user:online"
	EventUserOffline     = "user:offline"
	EventTypingIndicator = "typing:indicator"
	EventMessageStatus   = "message:status"
	EventPong            = "pong"
)

// Error codes carried by message:error.
const (
	CodeInvalidPayload   = "invalid_payload"
	CodeUnsupportedEvent = "unsupported_event"
	CodeSendFailed       = "send_failed"
	CodeRateLimited      = "rate_limited"
	CodeForbidden        = "forbidden"
)

var (
	// ErrInvalidPayload marks a frame that is not a well-formed event or whose
	// data fails validation.
	ErrInvalidPayload = errors.New("protocol: invalid payload")

	// ErrUnknownEvent marks a well-formed frame naming an event the relay does
	// not accept from clients.
	ErrUnknownEvent = errors.New("protocol: unknown event")
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope is the outer shape of every frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ---------------------------------------------------------------------------
// Client -> Server variants
// ---------------------------------------------------------------------------

// ClientMessage is implemented by every decoded client event.
type ClientMessage interface {
	Event() string
	Validate() error
}

// SendMessage asks the relay to route an encrypted message. ClientRef is an
// optional client correlation token echoed on the acknowledgement.
type SendMessage struct {
	ToUserID         string       `json:"toUserId"`
	EncryptedContent string       `json:"encryptedContent"`
	Type             message.Type `json:"type"`
	ClientRef        string       `json:"clientRef,omitempty"`
}

func (SendMessage) Event() string { return EventMessageSend }

func (m SendMessage) Validate() error {
	if err := message.ValidateUserID(m.ToUserID); err != nil {
		return err
	}
	return message.ValidateContent(m.EncryptedContent, m.Type)
}

// Typing carries typing:start (IsTyping true) or typing:stop.
type Typing struct {
	ToUserID string `json:"toUserId"`
	IsTyping bool   `json:"-"`
}

func (t Typing) Event() string {
	if t.IsTyping {
		return EventTypingStart
	}
	return EventTypingStop
}

func (t Typing) Validate() error {
	return message.ValidateUserID(t.ToUserID)
}

// StatusReport carries message:delivered or message:read from the recipient.
type StatusReport struct {
	MessageID string        `json:"messageId"`
	Status    message.State `json:"-"`
}

func (s StatusReport) Event() string {
	if s.Status == message.StateRead {
		return EventMessageRead
	}
	return EventMessageDelivered
}

func (s StatusReport) Validate() error {
	if _, err := uuid.Parse(s.MessageID); err != nil {
		return fmt.Errorf("messageId: %w", err)
	}
	return nil
}

// Ping is a client keepalive answered with pong.
type Ping struct{}

func (Ping) Event() string   { return EventPing }
func (Ping) Validate() error { return nil }

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

// SessionReadyMsg confirms an authenticated connection.
type SessionReadyMsg struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
}

// SessionReplacedMsg precedes the close of a connection superseded by a newer
// session of the same user.
type SessionReplacedMsg struct{}

// SendAckMsg acknowledges message:send as message:sent or message:queued.
type SendAckMsg struct {
	MessageID string `json:"messageId"`
	Timestamp string `json:"timestamp"`
	ClientRef string `json:"clientRef,omitempty"`
}

// ErrorMsg is the message:error payload.
type ErrorMsg struct {
	Code      string `json:"code"`
	Error     string `json:"error"`
	ClientRef string `json:"clientRef,omitempty"`
}

// PresenceMsg is the user:online / user:offline payload.
type PresenceMsg struct {
	UserID    string `json:"userId"`
	Timestamp string `json:"timestamp,omitempty"`
	LastSeen  string `json:"lastSeen,omitempty"`
}

// TypingIndicatorMsg relays a typing signal to its target.
type TypingIndicatorMsg struct {
	UserID     string `json:"userId"`
	FromUserID string `json:"fromUserId"`
	IsTyping   bool   `json:"isTyping"`
}

// StatusMsg relays a delivery status to the original sender.
type StatusMsg struct {
	MessageID string        `json:"messageId"`
	Status    message.State `json:"status"`
	Timestamp string        `json:"timestamp"`
}

// PongMsg answers ping.
type PongMsg struct{}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage decodes and validates a raw client frame. Errors wrap
// ErrInvalidPayload or ErrUnknownEvent; the returned event name is set
// whenever the envelope itself could be read.
func ParseClientMessage(data []byte) (string, ClientMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if env.Event == "" {
		return "", nil, fmt.Errorf("%w: missing or empty \"event\" field", ErrInvalidPayload)
	}

	var msg ClientMessage
	switch env.Event {
	case EventMessageSend:
		var m SendMessage
		if err := decodeData(env.Data, &m); err != nil {
			return env.Event, nil, err
		}
		msg = m
	case EventTypingStart, EventTypingStop:
		var m Typing
		if err := decodeData(env.Data, &m); err != nil {
			return env.Event, nil, err
		}
		m.IsTyping = env.Event == EventTypingStart
		msg = m
	case EventMessageDelivered, EventMessageRead:
		var m StatusReport
		if err := decodeData(env.Data, &m); err != nil {
			return env.Event, nil, err
		}
		m.Status = message.StateDelivered
		if env.Event == EventMessageRead {
			m.Status = message.StateRead
		}
		msg = m
	case EventPing:
		msg = Ping{}
	default:
		return env.Event, nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}

	if err := msg.Validate(); err != nil {
		return env.Event, nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.Event, err)
	}
	return env.Event, msg, nil
}

func decodeData(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return fmt.Errorf("%w: missing \"data\" field", ErrInvalidPayload)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// NewServerMessage encodes a server event with its payload into a frame.
func NewServerMessage(event string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %s payload: %w", event, err)
	}
	out, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %s envelope: %w", event, err)
	}
	return out, nil
}

// ReceiveFrame builds the message:receive frame delivering m.
func ReceiveFrame(m message.Message) ([]byte, error) {
	return NewServerMessage(EventMessageReceive, m)
}

// ErrorFrame builds a message:error frame.
func ErrorFrame(code, text, clientRef string) ([]byte, error) {
	return NewServerMessage(EventMessageError, ErrorMsg{Code: code, Error: text, ClientRef: clientRef})
}
