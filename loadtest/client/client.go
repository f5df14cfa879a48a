// Package client is a websocket test client for the relay. It authenticates
// with a signed token, waits for session:ready and buffers every server frame
// so scenario code can wait for specific events without losing others.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/golang-jwt/jwt/v5"
)

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

// maxPending bounds the frame buffer; the oldest frame is dropped first.
const maxPending = 1024

// ErrClosed is returned when waiting on a connection the server has closed.
var ErrClosed = errors.New("client: connection closed")

// Frame is one decoded server frame.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v interface{}) error {
	return json.Unmarshal(f.Data, v)
}

// Received is the message:receive payload.
type Received struct {
	MessageID        string `json:"messageId"`
	FromUserID       string `json:"fromUserId"`
	ToUserID         string `json:"toUserId"`
	EncryptedContent string `json:"encryptedContent"`
	Type             string `json:"type"`
	Timestamp        string `json:"timestamp"`
}

// Ack is the message:sent / message:queued payload.
type Ack struct {
	MessageID string `json:"messageId"`
	Timestamp string `json:"timestamp"`
	ClientRef string `json:"clientRef"`
}

// Status is the message:status payload.
type Status struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// Metrics tracks per-connection counters.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int64
	MessagesSent     int64
	Errors           int64
}

// Token signs an HS256 relay token for userID.
func Token(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"userId": userID,
		"email":  userID + "@loadtest.local",
		"sub":    userID,
		"iat":    now.Unix(),
		"exp":    now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Client is one simulated user connection.
type Client struct {
	conn   net.Conn
	reader io.Reader
	wmu    sync.Mutex

	userID       string
	connectionID string
	connectedAt  time.Duration

	mu      sync.Mutex
	pending []Frame
	wake    chan struct{} // closed and replaced on every buffered frame

	received, sent, errs atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
	closeCode atomic.Int32
}

// Dial connects to rawURL with token and returns without waiting for
// session:ready.
func Dial(ctx context.Context, rawURL, token string) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("client: url: %w", err)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}

	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("client: dial: %w", err)
	}

	c := &Client{
		conn:        conn,
		reader:      conn,
		connectedAt: time.Since(start),
		wake:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	if br != nil {
		c.reader = io.MultiReader(br, conn)
	}
	go c.readLoop()
	return c, nil
}

// Connect dials and waits for session:ready.
func Connect(ctx context.Context, rawURL, token string) (*Client, error) {
	c, err := Dial(ctx, rawURL, token)
	if err != nil {
		return nil, err
	}
	f, err := c.Expect(ctx, EventSessionReady)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("client: session:ready: %w", err)
	}
	var ready struct {
		ConnectionID string `json:"connectionId"`
		UserID       string `json:"userId"`
	}
	if err := f.Decode(&ready); err != nil {
		c.Close()
		return nil, fmt.Errorf("client: session:ready: %w", err)
	}
	c.userID = ready.UserID
	c.connectionID = ready.ConnectionID
	return c, nil
}

// UserID is the identity the server bound to this connection.
func (c *Client) UserID() string { return c.userID }

// ConnectionID is the server-assigned connection id.
func (c *Client) ConnectionID() string { return c.connectionID }

// Send writes an event frame.
func (c *Client) Send(event string, data interface{}) error {
	payload, err := json.Marshal(struct {
		Event string      `json:"event"`
		Data  interface{} `json:"data,omitempty"`
	}{event, data})
	if err != nil {
		return fmt.Errorf("client: marshal: %w", err)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := wsutil.WriteClientText(c.conn, payload); err != nil {
		c.errs.Add(1)
		return fmt.Errorf("client: write: %w", err)
	}
	c.sent.Add(1)
	return nil
}

// SendMessage sends message:send to toUserID.
func (c *Client) SendMessage(toUserID, content, clientRef string) error {
	return c.Send(EventMessageSend, map[string]string{
		"toUserId":         toUserID,
		"encryptedContent": content,
		"type":             "text",
		"clientRef":        clientRef,
	})
}

// Typing sends typing:start or typing:stop.
func (c *Client) Typing(toUserID string, typing bool) error {
	event := EventTypingStop
	if typing {
		event = EventTypingStart
	}
	return c.Send(event, map[string]string{"toUserId": toUserID})
}

// Report sends message:delivered or message:read.
func (c *Client) Report(messageID string, read bool) error {
	event := EventMessageDelivered
	if read {
		event = EventMessageRead
	}
	return c.Send(event, map[string]string{"messageId": messageID})
}

// Expect returns the oldest buffered frame with the given event, waiting for
// one to arrive. Frames with other events stay buffered.
func (c *Client) Expect(ctx context.Context, event string) (Frame, error) {
	return c.ExpectFunc(ctx, func(f Frame) bool { return f.Event == event })
}

// ExpectFunc is Expect with an arbitrary predicate.
func (c *Client) ExpectFunc(ctx context.Context, match func(Frame) bool) (Frame, error) {
	for {
		f, ok, wake := c.take(match)
		if ok {
			return f, nil
		}
		select {
		case <-wake:
		case <-c.done:
			if f, ok, _ := c.take(match); ok {
				return f, nil
			}
			return Frame{}, ErrClosed
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
}

// Absent reports whether no frame with event arrives within wait.
func (c *Client) Absent(event string, wait time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	_, err := c.Expect(ctx, event)
	return err != nil
}

// take removes the first buffered frame matching match. On a miss it returns
// the channel that is closed when the next frame arrives.
func (c *Client) take(match func(Frame) bool) (Frame, bool, <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, f := range c.pending {
		if match(f) {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return f, true, nil
		}
	}
	return Frame{}, false, c.wake
}

// Done is closed once the connection has ended.
func (c *Client) Done() <-chan struct{} { return c.done }

// CloseCode is the status code of the server's close frame, or 0.
func (c *Client) CloseCode() ws.StatusCode { return ws.StatusCode(c.closeCode.Load()) }

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		_ = ws.WriteFrame(c.conn, ws.MaskFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))))
		c.wmu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// Metrics returns a snapshot of the connection counters.
func (c *Client) Metrics() Metrics {
	return Metrics{
		ConnectLatency:   c.connectedAt,
		MessagesReceived: c.received.Load(),
		MessagesSent:     c.sent.Load(),
		Errors:           c.errs.Load(),
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		f, err := ws.ReadFrame(c.reader)
		if err != nil {
			c.closeOnce.Do(func() { _ = c.conn.Close() })
			return
		}
		switch f.Header.OpCode {
		case ws.OpClose:
			code, _ := ws.ParseCloseFrameData(f.Payload)
			c.closeCode.Store(int32(code))
			c.closeOnce.Do(func() { _ = c.conn.Close() })
			return
		case ws.OpPing:
			c.wmu.Lock()
			_ = ws.WriteFrame(c.conn, ws.MaskFrame(ws.NewPongFrame(f.Payload)))
			c.wmu.Unlock()
			continue
		case ws.OpText:
		default:
			continue
		}

		var fr Frame
		if err := json.Unmarshal(f.Payload, &fr); err != nil {
			c.errs.Add(1)
			continue
		}
		c.received.Add(1)
		c.mu.Lock()
		if len(c.pending) == maxPending {
			c.pending = c.pending[1:]
		}
		c.pending = append(c.pending, fr)
		close(c.wake)
		c.wake = make(chan struct{})
		c.mu.Unlock()
	}
}
