// Package delivery decides, per message, between live routing and durable
// queuing, relays delivery and typing signals, and runs one session actor per
// authenticated connection.
package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/mansion/relay/internal/mailbox"
	"github.com/mansion/relay/internal/message"
	"github.com/mansion/relay/internal/metrics"
	"github.com/mansion/relay/internal/presence"
	"github.com/mansion/relay/internal/protocol"
	"github.com/mansion/relay/internal/router"
	"github.com/mansion/relay/internal/tracking"
)

var log = logrus.WithField("component", "delivery")

// Conn is an authenticated realtime connection.
type Conn interface {
	ConnectionID() string
	UserID() string
	Send(frame []byte) error
}

// Presence is the shared presence registry.
type Presence interface {
	SetOnline(ctx context.Context, userID string, token presence.SessionToken) error
	Heartbeat(ctx context.Context, userID, connID string) (bool, error)
	Release(ctx context.Context, userID, connID string) (bool, error)
	SessionToken(ctx context.Context, userID string) (presence.SessionToken, bool)
	LastSeen(ctx context.Context, userID string) (time.Time, bool)
}

// Router writes frames to live sessions on any instance.
type Router interface {
	Server() string
	Route(ctx context.Context, token presence.SessionToken, frame []byte) error
	Evict(ctx context.Context, token presence.SessionToken, frame []byte) error
}

// Mailbox is the per-recipient durable queue.
type Mailbox interface {
	Publish(ctx context.Context, recipientID string, msg message.Message) error
	Consume(ctx context.Context, recipientID string, h mailbox.Handler) (mailbox.Subscription, error)
}

// Tracker holds the per-message delivery state.
type Tracker interface {
	Open(ctx context.Context, m message.Message) error
	Advance(ctx context.Context, messageID string, to message.State) (tracking.Record, error)
	Report(ctx context.Context, messageID, reporter string, to message.State) (tracking.Record, error)
}

// Announcer publishes presence transitions to connected clients.
type Announcer interface {
	Online(userID, connID string, at time.Time)
	Offline(userID, connID string, lastSeen time.Time)
}

// SendLimiter gates message:send per user.
type SendLimiter interface {
	Allow(ctx context.Context, userID string) bool
}

// Config tunes session behavior.
type Config struct {
	Heartbeat   time.Duration // presence refresh period, shorter than the presence TTL
	DrainWait   time.Duration // upper bound on the backlog drain before going online
	TypingRate  rate.Limit
	TypingBurst int
}

// Deps are the collaborators of a Coordinator. Limiter may be nil.
type Deps struct {
	Presence  Presence
	Router    Router
	Mailbox   Mailbox
	Tracker   Tracker
	Announcer Announcer
	Limiter   SendLimiter
}

// Coordinator routes messages and signals between sessions.
type Coordinator struct {
	cfg       Config
	presence  Presence
	router    Router
	mailbox   Mailbox
	tracker   Tracker
	announcer Announcer
	limiter   SendLimiter

	now   func() time.Time
	newID func() string

	mu       sync.Mutex
	sessions map[string]*session // connection id -> actor
}

// New returns a Coordinator.
func New(cfg Config, deps Deps) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		presence:  deps.Presence,
		router:    deps.Router,
		mailbox:   deps.Mailbox,
		tracker:   deps.Tracker,
		announcer: deps.Announcer,
		limiter:   deps.Limiter,
		now:       time.Now,
		newID:     uuid.NewString,
		sessions:  make(map[string]*session),
	}
}

// Send routes a message:send from conn. The recipient's live session gets
// message:receive and the sender message:sent; when the recipient has no
// reachable session the message is queued and the sender gets
// message:queued. A failure to queue is reported as message:error.
func (c *Coordinator) Send(ctx context.Context, conn Conn, req protocol.SendMessage) {
	start := time.Now()
	from := conn.UserID()

	if c.limiter != nil && !c.limiter.Allow(ctx, from) {
		c.sendError(conn, protocol.CodeRateLimited, "send rate exceeded", req.ClientRef)
		return
	}

	msg := message.Message{
		ID:               c.newID(),
		FromUserID:       from,
		ToUserID:         req.ToUserID,
		EncryptedContent: req.EncryptedContent,
		Type:             req.Type,
		CreatedAt:        c.now().UTC(),
	}
	l := log.WithFields(logrus.Fields{
		"message_id": msg.ID,
		"user_id":    from,
		"to":         msg.ToUserID,
	})

	if err := c.tracker.Open(ctx, msg); err != nil {
		l.WithError(err).Warn("delivery state not recorded, status reports will be dropped")
	}

	state, err := c.route(ctx, msg)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues(metrics.PathFailed).Inc()
		l.WithError(err).Warn("send failed")
		c.sendError(conn, protocol.CodeSendFailed, "failed to send message", req.ClientRef)
		return
	}
	c.advance(ctx, msg.ID, state)

	event := protocol.EventMessageSent
	if state == message.StateQueued {
		event = protocol.EventMessageQueued
	}
	frame, err := protocol.NewServerMessage(event, protocol.SendAckMsg{
		MessageID: msg.ID,
		Timestamp: message.FormatTime(msg.CreatedAt),
		ClientRef: req.ClientRef,
	})
	if err == nil {
		err = conn.Send(frame)
	}
	if err != nil {
		l.WithError(err).Debug("ack not delivered")
	}

	metrics.SendDuration.Observe(time.Since(start).Seconds())
	l.WithFields(logrus.Fields{
		"state": state,
		"bytes": len(msg.EncryptedContent),
	}).Debug("routed")
}

// route delivers msg to the recipient's live session or, failing that,
// queues it.
func (c *Coordinator) route(ctx context.Context, msg message.Message) (message.State, error) {
	if token, ok := c.presence.SessionToken(ctx, msg.ToUserID); ok {
		frame, err := protocol.ReceiveFrame(msg)
		if err != nil {
			return "", err
		}
		err = c.router.Route(ctx, token, frame)
		switch {
		case err == nil:
			metrics.MessagesTotal.WithLabelValues(metrics.PathDirect).Inc()
			return message.StateSent, nil
		case errors.Is(err, router.ErrUnconfirmed):
			// The owning instance may still write it; queuing too could deliver it twice.
			metrics.MessagesTotal.WithLabelValues(metrics.PathDirect).Inc()
			log.WithFields(logrus.Fields{
				"message_id": msg.ID,
				"server":     token.Server,
			}).WithError(err).Warn("live delivery unconfirmed, not queueing")
			return message.StateSent, nil
		}
		log.WithFields(logrus.Fields{
			"message_id": msg.ID,
			"conn_id":    token.ConnectionID,
		}).WithError(err).Debug("recipient unreachable, queueing")
	}

	if err := c.mailbox.Publish(ctx, msg.ToUserID, msg); err != nil {
		return "", err
	}
	metrics.MessagesTotal.WithLabelValues(metrics.PathQueued).Inc()
	return message.StateQueued, nil
}

func (c *Coordinator) advance(ctx context.Context, messageID string, to message.State) {
	_, err := c.tracker.Advance(ctx, messageID, to)
	switch {
	case err == nil:
	case errors.Is(err, tracking.ErrInvalidTransition), errors.Is(err, tracking.ErrUnknownMessage):
		// A recipient report overtook us, or the record was never written.
		log.WithField("message_id", messageID).WithError(err).Debug("transition skipped")
	default:
		log.WithField("message_id", messageID).WithError(err).Warn("transition failed")
	}
}

// Status relays a delivered/read report from conn to the original sender's
// live session. Reports from anyone but the recipient are rejected; reports
// for senders without a live session are dropped.
func (c *Coordinator) Status(ctx context.Context, conn Conn, report protocol.StatusReport) {
	status := string(report.Status)
	l := log.WithFields(logrus.Fields{
		"message_id": report.MessageID,
		"user_id":    conn.UserID(),
		"status":     status,
	})

	rec, err := c.tracker.Report(ctx, report.MessageID, conn.UserID(), report.Status)
	switch {
	case errors.Is(err, tracking.ErrNotRecipient):
		metrics.StatusRelays.WithLabelValues(status, "rejected").Inc()
		l.Warn("status report from non-recipient")
		c.sendError(conn, protocol.CodeForbidden, "not the recipient of this message", "")
		return
	case errors.Is(err, tracking.ErrInvalidTransition):
		metrics.StatusRelays.WithLabelValues(status, "rejected").Inc()
		l.WithError(err).Debug("stale status report")
		return
	case err != nil:
		metrics.StatusRelays.WithLabelValues(status, "dropped").Inc()
		l.WithError(err).Debug("status not relayable")
		return
	}

	token, ok := c.presence.SessionToken(ctx, rec.From)
	if !ok {
		metrics.StatusRelays.WithLabelValues(status, "dropped").Inc()
		return
	}
	frame, err := protocol.NewServerMessage(protocol.EventMessageStatus, protocol.StatusMsg{
		MessageID: rec.MessageID,
		Status:    rec.State,
		Timestamp: message.FormatTime(rec.Updated()),
	})
	if err == nil {
		err = c.router.Route(ctx, token, frame)
	}
	if err != nil {
		metrics.StatusRelays.WithLabelValues(status, "dropped").Inc()
		l.WithError(err).Debug("sender unreachable")
		return
	}
	metrics.StatusRelays.WithLabelValues(status, "relayed").Inc()
}

// Typing relays a typing signal to the target's live session. Signals are
// never queued; excess signals from one connection are dropped.
func (c *Coordinator) Typing(ctx context.Context, conn Conn, sig protocol.Typing) {
	if s := c.session(conn.ConnectionID()); s != nil && !s.typing.Allow() {
		metrics.TypingSignals.WithLabelValues("throttled").Inc()
		return
	}

	token, ok := c.presence.SessionToken(ctx, sig.ToUserID)
	if !ok {
		metrics.TypingSignals.WithLabelValues("dropped").Inc()
		return
	}
	from := conn.UserID()
	frame, err := protocol.NewServerMessage(protocol.EventTypingIndicator, protocol.TypingIndicatorMsg{
		UserID:     from,
		FromUserID: from,
		IsTyping:   sig.IsTyping,
	})
	if err == nil {
		err = c.router.Route(ctx, token, frame)
	}
	if err != nil {
		metrics.TypingSignals.WithLabelValues("dropped").Inc()
		return
	}
	metrics.TypingSignals.WithLabelValues("relayed").Inc()
}

// DeadLettered records that a queued message left the mailbox without being
// delivered. It matches mailbox.DeadLetterHook.
func (c *Coordinator) DeadLettered(ctx context.Context, messageID, recipientID, reason string) {
	log.WithFields(logrus.Fields{
		"message_id": messageID,
		"user_id":    recipientID,
		"reason":     reason,
	}).Debug("marking dead-lettered")
	c.advance(ctx, messageID, message.StateDeadLettered)
}

func (c *Coordinator) sendError(conn Conn, code, text, clientRef string) {
	frame, err := protocol.ErrorFrame(code, text, clientRef)
	if err != nil {
		log.WithError(err).Error("build error frame")
		return
	}
	if err := conn.Send(frame); err != nil {
		log.WithField("conn_id", conn.ConnectionID()).WithError(err).Debug("error frame not delivered")
	}
}
