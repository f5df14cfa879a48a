// Package message defines the domain model routed by the relay: the opaque
// encrypted Message, its delivery State machine, and the transient
// DeliveryStatus and TypingSignal records relayed between users.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

const (
	// MaxContentBytes caps the size of the opaque encrypted payload.
	MaxContentBytes = 64 << 10

	// MaxUserIDLength caps user identifiers accepted at ingress.
	MaxUserIDLength = 128

	// TimestampLayout is the ISO-8601 layout used on the wire (millisecond
	// precision, UTC "Z" suffix).
	TimestampLayout = "2006-01-02T15:04:05.000Z07:00"
)

var (
	ErrMissingRecipient = errors.New("message: missing recipient")
	ErrMissingSender    = errors.New("message: missing sender")
	ErrMissingID        = errors.New("message: missing message id")
	ErrEmptyContent     = errors.New("message: empty encrypted content")
	ErrContentTooLarge  = errors.New("message: encrypted content too large")
	ErrInvalidType      = errors.New("message: invalid type")
	ErrUserIDTooLong    = errors.New("message: user id too long")
)

// Type is the client-declared kind of the payload. The relay never inspects
// the payload itself.
type Type string

const (
	TypeText  Type = "text"
	TypeFile  Type = "file"
	TypeImage Type = "image"
)

// Valid reports whether t is one of the supported message types.
func (t Type) Valid() bool {
	switch t {
	case TypeText, TypeFile, TypeImage:
		return true
	}
	return false
}

// Message is an immutable encrypted message from one user to another.
type Message struct {
	ID               string    `json:"messageId"`
	FromUserID       string    `json:"fromUserId"`
	ToUserID         string    `json:"toUserId"`
	EncryptedContent string    `json:"encryptedContent"`
	Type             Type      `json:"type"`
	CreatedAt        time.Time `json:"-"`
}

type wireMessage struct {
	ID               string `json:"messageId"`
	FromUserID       string `json:"fromUserId"`
	ToUserID         string `json:"toUserId"`
	EncryptedContent string `json:"encryptedContent"`
	Type             Type   `json:"type"`
	Timestamp        string `json:"timestamp"`
}

// MarshalJSON encodes the message in its wire shape with an ISO-8601
// timestamp.
func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireMessage{
		ID:               m.ID,
		FromUserID:       m.FromUserID,
		ToUserID:         m.ToUserID,
		EncryptedContent: m.EncryptedContent,
		Type:             m.Type,
		Timestamp:        FormatTime(m.CreatedAt),
	})
}

// UnmarshalJSON decodes the wire shape produced by MarshalJSON.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = Message{
		ID:               w.ID,
		FromUserID:       w.FromUserID,
		ToUserID:         w.ToUserID,
		EncryptedContent: w.EncryptedContent,
		Type:             w.Type,
	}
	if w.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
		if err != nil {
			return fmt.Errorf("message: bad timestamp %q: %w", w.Timestamp, err)
		}
		m.CreatedAt = ts
	}
	return nil
}

// Validate checks the invariants every routed message must satisfy.
func (m Message) Validate() error {
	if m.ID == "" {
		return ErrMissingID
	}
	if m.FromUserID == "" {
		return ErrMissingSender
	}
	if err := ValidateUserID(m.ToUserID); err != nil {
		return err
	}
	return ValidateContent(m.EncryptedContent, m.Type)
}

// ValidateUserID checks a recipient identifier supplied by a client.
func ValidateUserID(id string) error {
	if id == "" {
		return ErrMissingRecipient
	}
	if utf8.RuneCountInString(id) > MaxUserIDLength {
		return ErrUserIDTooLong
	}
	return nil
}

// ValidateContent checks the opaque payload and its declared type.
func ValidateContent(content string, t Type) error {
	if content == "" {
		return ErrEmptyContent
	}
	if len(content) > MaxContentBytes {
		return ErrContentTooLarge
	}
	if !t.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidType, t)
	}
	return nil
}

// FormatTime renders t in the wire timestamp layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// DeliveryStatus is a transient status update relayed to a message's sender.
type DeliveryStatus struct {
	MessageID string
	State     State
	Timestamp time.Time
}

// TypingSignal is never queued or persisted.
type TypingSignal struct {
	FromUserID string
	ToUserID   string
	IsTyping   bool
}
