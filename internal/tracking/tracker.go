// Package tracking keeps the transient per-message delivery state shared by
// all relay instances. It is not a ledger: an expired or lost record only
// means later status reports for that message are dropped.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/mansion/relay/internal/message"
	"github.com/mansion/relay/internal/metrics"
)

// KeyPrefix is the Redis key prefix for delivery records.
const KeyPrefix = "delivery:"

// maxTxRetries bounds optimistic-lock retries under contention.
const maxTxRetries = 5

var (
	ErrUnknownMessage    = errors.New("tracking: unknown message")
	ErrNotRecipient      = errors.New("tracking: reporter is not the recipient")
	ErrInvalidTransition = errors.New("tracking: invalid state transition")
)

var log = logrus.WithField("component", "tracker")

// Record is the tracked state of one message.
type Record struct {
	MessageID string
	From      string
	To        string
	State     message.State
	UpdatedAt int64 // unix millis
}

type stored struct {
	From      string `redis:"from"`
	To        string `redis:"to"`
	State     string `redis:"state"`
	UpdatedAt int64  `redis:"updated_at"`
}

// Updated returns the time of the last transition.
func (r Record) Updated() time.Time {
	return time.UnixMilli(r.UpdatedAt).UTC()
}

// Tracker stores delivery records in Redis.
type Tracker struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewTracker returns a Tracker whose records live for ttl after their last
// transition.
func NewTracker(client *redis.Client, ttl time.Duration) *Tracker {
	return &Tracker{client: client, ttl: ttl, now: time.Now}
}

// Open records a freshly created message in the CREATED state.
func (t *Tracker) Open(ctx context.Context, m message.Message) error {
	key := KeyPrefix + m.ID
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, stored{
			From:      m.FromUserID,
			To:        m.ToUserID,
			State:     string(message.StateCreated),
			UpdatedAt: t.now().UnixMilli(),
		})
		pipe.Expire(ctx, key, t.ttl)
		return nil
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("tracker").Inc()
		return fmt.Errorf("tracking: open %s: %w", m.ID, err)
	}
	return nil
}

// Get returns the record of messageID.
func (t *Tracker) Get(ctx context.Context, messageID string) (Record, error) {
	return t.load(ctx, t.client, messageID)
}

// Advance moves messageID to state to, returning the updated record. The
// transition must be allowed by message.CanAdvance.
func (t *Tracker) Advance(ctx context.Context, messageID string, to message.State) (Record, error) {
	return t.transition(ctx, messageID, to, func(Record) error { return nil })
}

// Report applies a delivered/read report from reporter, who must be the
// message's recipient.
func (t *Tracker) Report(ctx context.Context, messageID, reporter string, to message.State) (Record, error) {
	if to != message.StateDelivered && to != message.StateRead {
		return Record{}, fmt.Errorf("%w: clients cannot report %s", ErrInvalidTransition, to)
	}
	return t.transition(ctx, messageID, to, func(r Record) error {
		if r.To != reporter {
			return ErrNotRecipient
		}
		return nil
	})
}

func (t *Tracker) transition(ctx context.Context, messageID string, to message.State, check func(Record) error) (Record, error) {
	key := KeyPrefix + messageID
	var out Record

	txf := func(tx *redis.Tx) error {
		rec, err := t.load(ctx, tx, messageID)
		if err != nil {
			return err
		}
		if err := check(rec); err != nil {
			return err
		}
		if !message.CanAdvance(rec.State, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.State, to)
		}

		rec.State = to
		rec.UpdatedAt = t.now().UnixMilli()
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "state", string(to), "updated_at", rec.UpdatedAt)
			pipe.Expire(ctx, key, t.ttl)
			return nil
		})
		out = rec
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := t.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !isDomainErr(err) {
			metrics.StoreErrors.WithLabelValues("tracker").Inc()
			log.WithField("message_id", messageID).WithError(err).Warn("transition failed")
			return Record{}, fmt.Errorf("tracking: advance %s: %w", messageID, err)
		}
		return out, err
	}
	return Record{}, fmt.Errorf("tracking: advance %s: %w", messageID, redis.TxFailedErr)
}

func (t *Tracker) load(ctx context.Context, c hashGetter, messageID string) (Record, error) {
	var st stored
	if err := c.HGetAll(ctx, KeyPrefix+messageID).Scan(&st); err != nil {
		return Record{}, err
	}
	if st.State == "" {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}
	return Record{
		MessageID: messageID,
		From:      st.From,
		To:        st.To,
		State:     message.State(st.State),
		UpdatedAt: st.UpdatedAt,
	}, nil
}

type hashGetter interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func isDomainErr(err error) bool {
	return errors.Is(err, ErrUnknownMessage) ||
		errors.Is(err, ErrNotRecipient) ||
		errors.Is(err, ErrInvalidTransition)
}
