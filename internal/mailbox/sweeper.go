package mailbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/mansion/relay/internal/metrics"
)

// SweepLockKey guards the sweep so one instance runs it per interval.
const SweepLockKey = "mailbox:sweeper"

// maxSweepBatch caps the messages examined in one pass.
const maxSweepBatch = 10000

// streamReader is the subset of jetstream.Stream used by the sweeper.
type streamReader interface {
	Info(ctx context.Context, opts ...jetstream.StreamInfoOpt) (*jetstream.StreamInfo, error)
	GetMsg(ctx context.Context, seq uint64, opts ...jetstream.GetMsgOpt) (*jetstream.RawStreamMsg, error)
	DeleteMsg(ctx context.Context, seq uint64) error
}

// locker acquires the cross-instance sweep lock.
type locker interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// Sweeper dead-letters queued messages that outlived the message TTL while
// their recipient stayed offline. Messages are only examined by consumers
// when a session attaches, so without the sweeper an abandoned mailbox would
// never expire its contents into the dead-letter stream.
type Sweeper struct {
	mailbox  *Mailbox
	stream   streamReader
	lock     locker
	owner    string
	interval time.Duration
}

// NewSweeper returns a Sweeper for m. owner identifies this instance in the
// lock value.
func NewSweeper(ctx context.Context, m *Mailbox, rdb *redis.Client, owner string, interval time.Duration) (*Sweeper, error) {
	stream, err := m.js.Stream(ctx, StreamName)
	if err != nil {
		return nil, fmt.Errorf("mailbox: sweeper stream: %w", err)
	}
	return &Sweeper{mailbox: m, stream: stream, lock: rdb, owner: owner, interval: interval}, nil
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("sweeper stopped")
			return
		case <-ticker.C:
			ok, err := s.lock.SetNX(ctx, SweepLockKey, s.owner, s.interval).Result()
			if err != nil {
				metrics.StoreErrors.WithLabelValues("mailbox").Inc()
				log.WithError(err).Warn("sweeper lock failed")
				continue
			}
			if !ok {
				continue
			}
			n, err := s.Sweep(ctx)
			if err != nil {
				log.WithError(err).Warn("sweep failed")
			}
			if n > 0 {
				log.WithField("expired", n).Info("sweep dead-lettered expired messages")
			}
		}
	}
}

// Sweep walks the stream from its oldest message and dead-letters every
// message older than the TTL, stopping at the first younger one. It returns
// the number of messages dead-lettered.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	info, err := s.stream.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("mailbox: sweep info: %w", err)
	}
	if info.State.Msgs == 0 {
		return 0, nil
	}

	cutoff := s.mailbox.now().Add(-s.mailbox.config.MessageTTL)
	expired := 0
	last := info.State.LastSeq
	if last-info.State.FirstSeq >= maxSweepBatch {
		last = info.State.FirstSeq + maxSweepBatch - 1
	}

	for seq := info.State.FirstSeq; seq <= last; seq++ {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		raw, err := s.stream.GetMsg(ctx, seq)
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			continue
		}
		if err != nil {
			return expired, fmt.Errorf("mailbox: sweep get %d: %w", seq, err)
		}
		if !raw.Time.Before(cutoff) {
			break
		}

		src := source{
			stream:  StreamName,
			seq:     raw.Sequence,
			subject: raw.Subject,
			header:  raw.Header,
			data:    raw.Data,
		}
		age := s.mailbox.now().Sub(raw.Time).Round(time.Second)
		if err := s.mailbox.deadLetter(src, "", ReasonExpired, fmt.Errorf("queued for %s", age)); err != nil {
			return expired, err
		}
		if err := s.stream.DeleteMsg(ctx, seq); err != nil && !errors.Is(err, jetstream.ErrMsgNotFound) {
			log.WithFields(logrus.Fields{"seq": seq}).WithError(err).Warn("delete after dead-letter failed")
		}
		metrics.MailboxExpired.Inc()
		expired++
	}
	return expired, nil
}
