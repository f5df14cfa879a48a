package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sirupsen/logrus"

	"github.com/mansion/relay/internal/mailbox"
)

// ConsumerName is the durable consumer the archiver reads the dead-letter
// stream through.
const ConsumerName = "archiver"

// RetryDelay is how long a failed insert waits before redelivery.
const RetryDelay = 5 * time.Second

var log = logrus.WithField("component", "archiver")

type inserter interface {
	Insert(ctx context.Context, r Record) error
}

// Archiver copies the dead-letter stream into the store.
type Archiver struct {
	js    jetstream.JetStream
	store inserter
}

// NewArchiver returns an Archiver reading from js into store.
func NewArchiver(js jetstream.JetStream, store *Store) *Archiver {
	return &Archiver{js: js, store: store}
}

// Run consumes until ctx is done.
func (a *Archiver) Run(ctx context.Context) error {
	cons, err := a.js.CreateOrUpdateConsumer(ctx, mailbox.DeadLetterStream, jetstream.ConsumerConfig{
		Durable:       ConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckWait:       30 * time.Second,
		MaxAckPending: 256,
	})
	if err != nil {
		return fmt.Errorf("deadletter: consumer: %w", err)
	}

	cc, err := cons.Consume(func(m jetstream.Msg) {
		a.handle(ctx, m)
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		log.WithError(err).Debug("consume error")
	}))
	if err != nil {
		return fmt.Errorf("deadletter: consume: %w", err)
	}
	log.WithField("stream", mailbox.DeadLetterStream).Info("archiving")

	<-ctx.Done()
	cc.Stop()
	return nil
}

type delivery interface {
	Data() []byte
	Headers() nats.Header
	Metadata() (*jetstream.MsgMetadata, error)
	Ack() error
	NakWithDelay(delay time.Duration) error
	Term() error
}

func (a *Archiver) handle(ctx context.Context, d delivery) {
	meta, err := d.Metadata()
	if err != nil {
		log.WithError(err).Warn("dead letter without metadata")
		_ = d.Term()
		return
	}

	rec := RecordFrom(meta.Sequence.Stream, meta.Timestamp, d.Headers(), d.Data())
	entry := log.WithFields(logrus.Fields{
		"seq":        rec.StreamSeq,
		"message_id": rec.MessageID,
		"reason":     rec.Reason,
	})

	ictx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.store.Insert(ictx, rec); err != nil {
		entry.WithError(err).Warn("archive failed, retrying")
		_ = d.NakWithDelay(RetryDelay)
		return
	}
	if err := d.Ack(); err != nil {
		entry.WithError(err).Debug("ack failed")
		return
	}
	entry.Debug("archived")
}

// RecordFrom builds a Record from a dead-letter stream entry. The timestamp
// header wins over the stream timestamp when present and well formed.
func RecordFrom(seq uint64, storedAt time.Time, h nats.Header, data []byte) Record {
	r := Record{
		StreamSeq:      seq,
		Payload:        data,
		DeadLetteredAt: storedAt.UTC(),
	}
	if r.Payload == nil {
		r.Payload = []byte{}
	}
	if h != nil {
		r.MessageID = h.Get(mailbox.HeaderMessageID)
		r.RecipientID = h.Get(mailbox.HeaderRecipient)
		r.Reason = h.Get(mailbox.HeaderReason)
		r.OriginalSubject = h.Get(mailbox.HeaderOriginalSubject)
		if ts, err := time.Parse(time.RFC3339Nano, h.Get(mailbox.HeaderDeadLetteredAt)); err == nil {
			r.DeadLetteredAt = ts.UTC()
		}
	}
	if r.Reason == "" {
		r.Reason = "unknown"
	}

	var envelope struct {
		ID   string `json:"messageId"`
		From string `json:"fromUserId"`
	}
	if json.Unmarshal(data, &envelope) == nil {
		r.SenderID = envelope.From
		if r.MessageID == "" {
			r.MessageID = envelope.ID
		}
	}
	return r
}
