package mailbox

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	msgs    map[uint64]*jetstream.RawStreamMsg
	first   uint64
	last    uint64
	deleted []uint64
}

func (s *fakeStream) Info(context.Context, ...jetstream.StreamInfoOpt) (*jetstream.StreamInfo, error) {
	return &jetstream.StreamInfo{State: jetstream.StreamState{
		Msgs:     uint64(len(s.msgs)),
		FirstSeq: s.first,
		LastSeq:  s.last,
	}}, nil
}

func (s *fakeStream) GetMsg(_ context.Context, seq uint64, _ ...jetstream.GetMsgOpt) (*jetstream.RawStreamMsg, error) {
	m, ok := s.msgs[seq]
	if !ok {
		return nil, jetstream.ErrMsgNotFound
	}
	return m, nil
}

func (s *fakeStream) DeleteMsg(_ context.Context, seq uint64) error {
	delete(s.msgs, seq)
	s.deleted = append(s.deleted, seq)
	return nil
}

func rawMsg(seq uint64, recipient, id string, at time.Time) *jetstream.RawStreamMsg {
	return &jetstream.RawStreamMsg{
		Subject:  Subject(recipient),
		Sequence: seq,
		Header:   nats.Header{HeaderRecipient: []string{recipient}, HeaderMessageID: []string{id}},
		Data:     []byte(`{}`),
		Time:     at,
	}
}

func TestSweep_DeadLettersOnlyExpiredPrefix(t *testing.T) {
	pub := &fakePublisher{}
	mb := newTestMailbox(pub)
	var hooked []string
	mb.OnDeadLetter(func(_ context.Context, id, recipient, reason string) {
		hooked = append(hooked, id+"|"+recipient+"|"+reason)
	})

	old := testNow.Add(-mb.config.MessageTTL - time.Hour)
	stream := &fakeStream{
		first: 1,
		last:  5,
		msgs: map[uint64]*jetstream.RawStreamMsg{
			1: rawMsg(1, "bob", "m1", old),
			// 2 was already acknowledged
			3: rawMsg(3, "carol.c", "m3", old.Add(time.Minute)),
			4: rawMsg(4, "bob", "m4", testNow.Add(-time.Hour)),
			5: rawMsg(5, "bob", "m5", old),
		},
	}
	sw := &Sweeper{mailbox: mb, stream: stream, interval: time.Minute}

	n, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []uint64{1, 3}, stream.deleted, "the walk stops at the first message still within its TTL")

	require.Len(t, pub.msgs, 2)
	assert.Equal(t, ReasonExpired, pub.msgs[0].Header.Get(HeaderReason))
	assert.Equal(t, "carol.c", pub.msgs[1].Header.Get(HeaderRecipient))
	assert.Equal(t, []string{"m1|bob|expired", "m3|carol.c|expired"}, hooked)
}

func TestSweep_EmptyStream(t *testing.T) {
	mb := newTestMailbox(&fakePublisher{})
	sw := &Sweeper{mailbox: mb, stream: &fakeStream{msgs: map[uint64]*jetstream.RawStreamMsg{}}, interval: time.Minute}
	n, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweep_KeepsMessageWhenDeadLetterFails(t *testing.T) {
	pub := &fakePublisher{err: assert.AnError}
	mb := newTestMailbox(pub)
	stream := &fakeStream{
		first: 1, last: 1,
		msgs: map[uint64]*jetstream.RawStreamMsg{
			1: rawMsg(1, "bob", "m1", testNow.Add(-mb.config.MessageTTL-time.Hour)),
		},
	}
	sw := &Sweeper{mailbox: mb, stream: stream, interval: time.Minute}

	_, err := sw.Sweep(context.Background())
	assert.Error(t, err)
	assert.Empty(t, stream.deleted)
}
