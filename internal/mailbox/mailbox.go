// Package mailbox is the durable store-and-forward queue for recipients that
// are not connected. Each recipient owns a subject in the MESSAGES JetStream
// stream and a durable consumer that delivers its backlog in order, one
// message at a time, once a session attaches.
//
// A delivery is acknowledged only after the session handler returns nil. A
// handler reporting ErrRedeliver (the transport went away) puts the message
// back; any other handler error, an unparseable payload or an expired
// message is republished to the MESSAGES_DLX stream and terminated.
package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sirupsen/logrus"

	"github.com/mansion/relay/internal/message"
	"github.com/mansion/relay/internal/messaging"
	"github.com/mansion/relay/internal/metrics"
)

const (
	// StreamName holds queued messages.
	StreamName = "MESSAGES"
	// SubjectPrefix is followed by the recipient token.
	SubjectPrefix = "messages."

	// DeadLetterStream holds messages that could not be delivered.
	DeadLetterStream = "MESSAGES_DLX"
	// DeadLetterPrefix is followed by the recipient token.
	DeadLetterPrefix = "messages_dlx."

	consumerPrefix = "mailbox-"
)

// Headers carried by queued and dead-lettered messages.
const (
	HeaderRecipient       = "Relay-Recipient"
	HeaderReason          = "Relay-Reason"
	HeaderMessageID       = "Relay-Message-Id"
	HeaderOriginalSubject = "Relay-Original-Subject"
	HeaderDeadLetteredAt  = "Relay-Dead-Lettered-At"
)

// Dead-letter reasons.
const (
	ReasonMalformed    = "malformed"
	ReasonExpired      = "expired"
	ReasonHandlerError = "handler_error"
)

// ErrRedeliver is wrapped by handlers whose failure says nothing about the
// message itself (the connection closed mid-write). The delivery is
// negatively acknowledged and retried later instead of being dead-lettered.
var ErrRedeliver = errors.New("mailbox: redeliver")

var log = logrus.WithField("component", "mailbox")

// Handler receives one queued message. Returning nil acknowledges it.
type Handler func(ctx context.Context, m message.Message) error

// DeadLetterHook is told about every message moved to the dead-letter stream.
type DeadLetterHook func(ctx context.Context, messageID, recipientID, reason string)

// Config tunes the streams and consumers.
type Config struct {
	MessageTTL      time.Duration // age at which a queued message is dead-lettered
	AckWait         time.Duration // redelivery wait for unacknowledged deliveries
	DeadLetterTTL   time.Duration // retention of the dead-letter stream
	RedeliveryDelay time.Duration // delay before retrying an ErrRedeliver delivery
	Inactive        time.Duration // idle consumers are removed after this long
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MessageTTL:      7 * 24 * time.Hour,
		AckWait:         30 * time.Second,
		DeadLetterTTL:   30 * 24 * time.Hour,
		RedeliveryDelay: 2 * time.Second,
		Inactive:        72 * time.Hour,
	}
}

// publisher is the subset of jetstream.JetStream used for dead-lettering.
type publisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Mailbox publishes to and consumes from per-recipient queues.
type Mailbox struct {
	js           jetstream.JetStream
	pub          publisher
	config       Config
	onDeadLetter DeadLetterHook
	now          func() time.Time
}

// New returns a Mailbox on js. Call Provision before use.
func New(js jetstream.JetStream, config Config) *Mailbox {
	return &Mailbox{js: js, pub: js, config: config, now: time.Now}
}

// OnDeadLetter registers fn to be told about dead-lettered messages.
func (m *Mailbox) OnDeadLetter(fn DeadLetterHook) {
	m.onDeadLetter = fn
}

// Provision creates or updates both streams.
func (m *Mailbox) Provision(ctx context.Context) error {
	if _, err := m.js.CreateOrUpdateStream(ctx, QueueStreamConfig(m.config)); err != nil {
		return fmt.Errorf("mailbox: provision %s: %w", StreamName, err)
	}
	if _, err := m.js.CreateOrUpdateStream(ctx, DeadLetterStreamConfig(m.config)); err != nil {
		return fmt.Errorf("mailbox: provision %s: %w", DeadLetterStream, err)
	}
	return nil
}

// QueueStreamConfig describes the MESSAGES stream. MaxAge is a backstop a
// day past the message TTL; the sweeper dead-letters expired messages
// before the stream would drop them.
func QueueStreamConfig(c Config) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{SubjectPrefix + ">"},
		Retention:  jetstream.WorkQueuePolicy,
		Storage:    jetstream.FileStorage,
		Duplicates: 2 * time.Minute,
		MaxAge:     c.MessageTTL + 24*time.Hour,
	}
}

// DeadLetterStreamConfig describes the MESSAGES_DLX stream.
func DeadLetterStreamConfig(c Config) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:       DeadLetterStream,
		Subjects:   []string{DeadLetterPrefix + ">"},
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
		Duplicates: 2 * time.Minute,
		MaxAge:     c.DeadLetterTTL,
	}
}

// Subject is the queue subject of recipientID.
func Subject(recipientID string) string {
	return SubjectPrefix + messaging.Token(recipientID)
}

// ConsumerName is the durable consumer name of recipientID.
func ConsumerName(recipientID string) string {
	return consumerPrefix + messaging.Token(recipientID)
}

func (m *Mailbox) consumerConfig(recipientID string) jetstream.ConsumerConfig {
	return jetstream.ConsumerConfig{
		Durable:           ConsumerName(recipientID),
		FilterSubject:     Subject(recipientID),
		AckPolicy:         jetstream.AckExplicitPolicy,
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		AckWait:           m.config.AckWait,
		MaxAckPending:     1,
		InactiveThreshold: m.config.Inactive,
	}
}

// Publish durably enqueues msg for recipientID. A nil error means the broker
// has persisted the message.
func (m *Mailbox) Publish(ctx context.Context, recipientID string, msg message.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("mailbox: encode %s: %w", msg.ID, err)
	}

	nm := nats.NewMsg(Subject(recipientID))
	nm.Data = data
	nm.Header.Set(HeaderRecipient, recipientID)
	nm.Header.Set(HeaderMessageID, msg.ID)

	if _, err := m.pub.PublishMsg(ctx, nm,
		jetstream.WithMsgID(msg.ID),
		jetstream.WithExpectStream(StreamName),
	); err != nil {
		metrics.StoreErrors.WithLabelValues("mailbox").Inc()
		return fmt.Errorf("mailbox: publish %s: %w", msg.ID, err)
	}

	log.WithFields(logrus.Fields{
		"message_id": msg.ID,
		"user_id":    recipientID,
		"bytes":      len(data),
	}).Debug("queued")
	return nil
}

// Subscription is an active mailbox consumer.
type Subscription interface {
	// Drained blocks until nothing is pending or in flight for the
	// recipient, or ctx ends.
	Drained(ctx context.Context) error
	// Stop detaches the consumer. Unacknowledged deliveries are redelivered
	// to the next subscriber.
	Stop()
}

// Consume attaches h to recipientID's queue. Messages are delivered one at
// a time in publish order.
func (m *Mailbox) Consume(ctx context.Context, recipientID string, h Handler) (Subscription, error) {
	cons, err := m.js.CreateOrUpdateConsumer(ctx, StreamName, m.consumerConfig(recipientID))
	if err != nil {
		metrics.StoreErrors.WithLabelValues("mailbox").Inc()
		return nil, fmt.Errorf("mailbox: consumer for %s: %w", recipientID, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		m.handle(subCtx, recipientID, msg, h)
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		log.WithField("user_id", recipientID).WithError(err).Debug("consume error")
	}))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("mailbox: consume %s: %w", recipientID, err)
	}

	return &subscription{consumer: cons, cc: cc, cancel: cancel}, nil
}

type subscription struct {
	consumer jetstream.Consumer
	cc       jetstream.ConsumeContext
	cancel   context.CancelFunc
}

const drainPoll = 50 * time.Millisecond

// BacklogError is returned by Drained when ctx ends before the backlog is
// delivered. It carries the consumer counts from the last poll.
type BacklogError struct {
	Pending  uint64 // not yet delivered
	InFlight int    // delivered, not yet acknowledged
	Err      error
}

func (e *BacklogError) Error() string {
	return fmt.Sprintf("mailbox: backlog not drained (%d pending, %d in flight): %v", e.Pending, e.InFlight, e.Err)
}

func (e *BacklogError) Unwrap() error { return e.Err }

func (s *subscription) Drained(ctx context.Context) error {
	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	var last *jetstream.ConsumerInfo
	for {
		info, err := s.consumer.Info(ctx)
		if err == nil {
			if info.NumPending == 0 && info.NumAckPending == 0 {
				return nil
			}
			last = info
		}
		select {
		case <-ctx.Done():
			if last == nil {
				return ctx.Err()
			}
			return &BacklogError{Pending: last.NumPending, InFlight: last.NumAckPending, Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

func (s *subscription) Stop() {
	s.cc.Stop()
	s.cancel()
}

// delivery is the subset of jetstream.Msg the handler depends on.
type delivery interface {
	Data() []byte
	Subject() string
	Headers() nats.Header
	Metadata() (*jetstream.MsgMetadata, error)
	Ack() error
	Nak() error
	NakWithDelay(delay time.Duration) error
	Term() error
}

func (m *Mailbox) handle(ctx context.Context, recipientID string, d delivery, h Handler) {
	entry := log.WithField("user_id", recipientID)

	meta, err := d.Metadata()
	if err != nil {
		entry.WithError(err).Warn("delivery without metadata")
		_ = d.Term()
		return
	}
	src := source{
		stream:  meta.Stream,
		seq:     meta.Sequence.Stream,
		subject: d.Subject(),
		header:  d.Headers(),
		data:    d.Data(),
	}

	var msg message.Message
	if err := json.Unmarshal(src.data, &msg); err != nil {
		m.reject(d, src, recipientID, ReasonMalformed, err)
		return
	}
	src.messageID = msg.ID
	if err := msg.Validate(); err != nil {
		m.reject(d, src, recipientID, ReasonMalformed, err)
		return
	}

	if age := m.now().Sub(meta.Timestamp); age > m.config.MessageTTL {
		metrics.MailboxExpired.Inc()
		m.reject(d, src, recipientID, ReasonExpired, fmt.Errorf("queued for %s", age.Round(time.Second)))
		return
	}

	err = h(ctx, msg)
	switch {
	case err == nil:
		if err := d.Ack(); err != nil {
			entry.WithField("message_id", msg.ID).WithError(err).Warn("ack failed")
			return
		}
		metrics.MessagesTotal.WithLabelValues(metrics.PathDrained).Inc()
	case errors.Is(err, ErrRedeliver):
		entry.WithField("message_id", msg.ID).WithError(err).Debug("redelivering")
		_ = d.NakWithDelay(m.config.RedeliveryDelay)
	default:
		m.reject(d, src, recipientID, ReasonHandlerError, err)
	}
}

// reject dead-letters the delivery and terminates it. If the dead-letter
// publish fails the delivery is put back for a later attempt.
func (m *Mailbox) reject(d delivery, src source, recipientID, reason string, cause error) {
	if err := m.deadLetter(src, recipientID, reason, cause); err != nil {
		log.WithField("user_id", recipientID).WithError(err).Error("dead-letter publish failed, redelivering")
		_ = d.NakWithDelay(m.config.RedeliveryDelay)
		return
	}
	_ = d.Term()
}

// source is a queued message as read from the stream.
type source struct {
	stream    string
	seq       uint64
	subject   string
	header    nats.Header
	data      []byte
	messageID string
}

func (m *Mailbox) deadLetter(src source, recipientID, reason string, cause error) error {
	if recipientID == "" && src.header != nil {
		recipientID = src.header.Get(HeaderRecipient)
	}
	if src.messageID == "" && src.header != nil {
		src.messageID = src.header.Get(HeaderMessageID)
	}

	dl := nats.NewMsg(DeadLetterPrefix + messaging.Token(recipientID))
	dl.Data = src.data
	dl.Header.Set(HeaderReason, reason)
	dl.Header.Set(HeaderRecipient, recipientID)
	dl.Header.Set(HeaderMessageID, src.messageID)
	dl.Header.Set(HeaderOriginalSubject, src.subject)
	dl.Header.Set(HeaderDeadLetteredAt, m.now().UTC().Format(time.RFC3339Nano))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := m.pub.PublishMsg(ctx, dl,
		jetstream.WithMsgID(fmt.Sprintf("%s:%d", src.stream, src.seq)),
		jetstream.WithExpectStream(DeadLetterStream),
	); err != nil {
		metrics.StoreErrors.WithLabelValues("mailbox").Inc()
		return fmt.Errorf("mailbox: dead-letter %s: %w", src.messageID, err)
	}

	metrics.MessagesTotal.WithLabelValues(metrics.PathDeadLettered).Inc()
	log.WithFields(logrus.Fields{
		"message_id": src.messageID,
		"user_id":    recipientID,
		"reason":     reason,
		"seq":        src.seq,
	}).WithError(cause).Warn("dead-lettered")

	if m.onDeadLetter != nil && src.messageID != "" {
		m.onDeadLetter(ctx, src.messageID, recipientID, reason)
	}
	return nil
}
