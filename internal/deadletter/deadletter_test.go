package deadletter

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mansion/relay/internal/mailbox"
)

type fakeDelivery struct {
	data    []byte
	header  nats.Header
	meta    *jetstream.MsgMetadata
	metaErr error

	acked, naked, termed bool
	nakDelay             time.Duration
}

func (d *fakeDelivery) Data() []byte         { return d.data }
func (d *fakeDelivery) Headers() nats.Header { return d.header }
func (d *fakeDelivery) Metadata() (*jetstream.MsgMetadata, error) {
	return d.meta, d.metaErr
}
func (d *fakeDelivery) Ack() error  { d.acked = true; return nil }
func (d *fakeDelivery) Term() error { d.termed = true; return nil }
func (d *fakeDelivery) NakWithDelay(delay time.Duration) error {
	d.naked = true
	d.nakDelay = delay
	return nil
}

type fakeStore struct {
	records []Record
	err     error
}

func (s *fakeStore) Insert(_ context.Context, r Record) error {
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, r)
	return nil
}

var stamp = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func deadLetter() *fakeDelivery {
	h := nats.Header{}
	h.Set(mailbox.HeaderRecipient, "bob")
	h.Set(mailbox.HeaderMessageID, "m-1")
	h.Set(mailbox.HeaderReason, mailbox.ReasonExpired)
	h.Set(mailbox.HeaderOriginalSubject, "messages.bob")
	h.Set(mailbox.HeaderDeadLetteredAt, stamp.Format(time.RFC3339Nano))
	return &fakeDelivery{
		data:   []byte(`{"messageId":"m-1","fromUserId":"alice","toUserId":"bob","encryptedContent":"Y2lwaGVy","type":"text"}`),
		header: h,
		meta: &jetstream.MsgMetadata{
			Sequence:  jetstream.SequencePair{Stream: 42},
			Timestamp: stamp.Add(time.Second),
		},
	}
}

func TestRecordFrom_Headers(t *testing.T) {
	d := deadLetter()
	r := RecordFrom(d.meta.Sequence.Stream, d.meta.Timestamp, d.header, d.data)

	assert.Equal(t, uint64(42), r.StreamSeq)
	assert.Equal(t, "m-1", r.MessageID)
	assert.Equal(t, "bob", r.RecipientID)
	assert.Equal(t, "alice", r.SenderID)
	assert.Equal(t, mailbox.ReasonExpired, r.Reason)
	assert.Equal(t, "messages.bob", r.OriginalSubject)
	assert.True(t, r.DeadLetteredAt.Equal(stamp), "header timestamp wins")
	assert.Equal(t, d.data, r.Payload)
}

func TestRecordFrom_MalformedPayload(t *testing.T) {
	r := RecordFrom(7, stamp, nil, []byte(`{{{`))

	assert.Equal(t, uint64(7), r.StreamSeq)
	assert.Empty(t, r.SenderID)
	assert.Empty(t, r.MessageID)
	assert.Equal(t, "unknown", r.Reason)
	assert.True(t, r.DeadLetteredAt.Equal(stamp))
}

func TestRecordFrom_MessageIDFallsBackToPayload(t *testing.T) {
	h := nats.Header{}
	h.Set(mailbox.HeaderDeadLetteredAt, "yesterday")
	r := RecordFrom(1, stamp, h, []byte(`{"messageId":"m-9","fromUserId":"carol"}`))

	assert.Equal(t, "m-9", r.MessageID)
	assert.Equal(t, "carol", r.SenderID)
	assert.True(t, r.DeadLetteredAt.Equal(stamp), "bad header falls back to stream time")
}

func TestHandle(t *testing.T) {
	t.Run("archived then acked", func(t *testing.T) {
		store := &fakeStore{}
		a := &Archiver{store: store}
		d := deadLetter()

		a.handle(context.Background(), d)

		assert.True(t, d.acked)
		require.Len(t, store.records, 1)
		assert.Equal(t, uint64(42), store.records[0].StreamSeq)
	})

	t.Run("store failure retries later", func(t *testing.T) {
		store := &fakeStore{err: errors.New("connection refused")}
		a := &Archiver{store: store}
		d := deadLetter()

		a.handle(context.Background(), d)

		assert.False(t, d.acked)
		assert.True(t, d.naked)
		assert.Equal(t, RetryDelay, d.nakDelay)
	})

	t.Run("missing metadata is terminated", func(t *testing.T) {
		store := &fakeStore{}
		a := &Archiver{store: store}
		d := deadLetter()
		d.meta, d.metaErr = nil, jetstream.ErrNotJSMessage

		a.handle(context.Background(), d)

		assert.True(t, d.termed)
		assert.Empty(t, store.records)
	})
}

func TestIntegration_StoreRoundTrip(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := Open(ctx, dsn)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, Migrate(db))
	require.NoError(t, Migrate(db), "migrating twice is a no-op")

	s := NewStore(db)
	recipient := "it-" + uuid.NewString()
	seq := uint64(time.Now().UnixNano())
	rec := Record{
		StreamSeq:       seq,
		MessageID:       uuid.NewString(),
		RecipientID:     recipient,
		SenderID:        "alice",
		Reason:          mailbox.ReasonHandlerError,
		OriginalSubject: "messages." + recipient,
		Payload:         []byte(`{}`),
		DeadLetteredAt:  stamp,
	}
	require.NoError(t, s.Insert(ctx, rec))
	require.NoError(t, s.Insert(ctx, rec), "duplicate sequence ignored")

	got, err := s.ForRecipient(ctx, recipient, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rec.MessageID, got[0].MessageID)
	assert.Equal(t, seq, got[0].StreamSeq)
	assert.False(t, got[0].ArchivedAt.IsZero())

	_, err = db.ExecContext(ctx, `DELETE FROM dead_letters WHERE recipient_id = $1`, recipient)
	require.NoError(t, err)
}
