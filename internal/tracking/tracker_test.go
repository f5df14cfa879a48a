package tracking

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mansion/relay/internal/message"
)

func newTestTracker(t *testing.T) (*Tracker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewTracker(client, time.Hour), mr
}

func openMessage(t *testing.T, tr *Tracker, id string) {
	t.Helper()
	require.NoError(t, tr.Open(context.Background(), message.Message{
		ID: id, FromUserID: "alice", ToUserID: "bob",
	}))
}

func TestOpen_Get(t *testing.T) {
	tr, mr := newTestTracker(t)
	openMessage(t, tr, "m1")

	rec, err := tr.Get(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "m1", rec.MessageID)
	assert.Equal(t, "alice", rec.From)
	assert.Equal(t, "bob", rec.To)
	assert.Equal(t, message.StateCreated, rec.State)
	assert.Equal(t, time.Hour, mr.TTL(KeyPrefix+"m1"))
}

func TestGet_Unknown(t *testing.T) {
	tr, _ := newTestTracker(t)
	_, err := tr.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestLifecycle_Direct(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()
	openMessage(t, tr, "m1")

	rec, err := tr.Advance(ctx, "m1", message.StateSent)
	require.NoError(t, err)
	assert.Equal(t, message.StateSent, rec.State)

	rec, err = tr.Report(ctx, "m1", "bob", message.StateDelivered)
	require.NoError(t, err)
	assert.Equal(t, message.StateDelivered, rec.State)
	assert.Equal(t, "alice", rec.From, "the record names the sender to relay to")

	rec, err = tr.Report(ctx, "m1", "bob", message.StateRead)
	require.NoError(t, err)
	assert.Equal(t, message.StateRead, rec.State)

	_, err = tr.Report(ctx, "m1", "bob", message.StateRead)
	assert.ErrorIs(t, err, ErrInvalidTransition, "READ is terminal")
}

func TestReport_OnlyRecipient(t *testing.T) {
	tr, _ := newTestTracker(t)
	openMessage(t, tr, "m1")

	_, err := tr.Report(context.Background(), "m1", "mallory", message.StateDelivered)
	assert.ErrorIs(t, err, ErrNotRecipient)

	_, err = tr.Report(context.Background(), "m1", "alice", message.StateRead)
	assert.ErrorIs(t, err, ErrNotRecipient, "the sender cannot mark its own message read")
}

func TestReport_RejectsNonClientStates(t *testing.T) {
	tr, _ := newTestTracker(t)
	openMessage(t, tr, "m1")
	_, err := tr.Report(context.Background(), "m1", "bob", message.StateDeadLettered)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReport_ReadBeforeDeliveredImpliesDelivered(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()
	openMessage(t, tr, "m1")
	_, err := tr.Advance(ctx, "m1", message.StateQueued)
	require.NoError(t, err)

	rec, err := tr.Report(ctx, "m1", "bob", message.StateRead)
	require.NoError(t, err)
	assert.Equal(t, message.StateRead, rec.State)

	_, err = tr.Report(ctx, "m1", "bob", message.StateDelivered)
	assert.ErrorIs(t, err, ErrInvalidTransition, "late delivered never moves state backwards")
}

func TestDeadLetter_OnlyFromQueued(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()
	openMessage(t, tr, "sent")
	openMessage(t, tr, "queued")

	_, err := tr.Advance(ctx, "sent", message.StateSent)
	require.NoError(t, err)
	_, err = tr.Advance(ctx, "sent", message.StateDeadLettered)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = tr.Advance(ctx, "queued", message.StateQueued)
	require.NoError(t, err)
	rec, err := tr.Advance(ctx, "queued", message.StateDeadLettered)
	require.NoError(t, err)
	assert.Equal(t, message.StateDeadLettered, rec.State)

	_, err = tr.Report(ctx, "queued", "bob", message.StateDelivered)
	assert.ErrorIs(t, err, ErrInvalidTransition, "DEAD_LETTERED is terminal")
}

func TestRecordExpires(t *testing.T) {
	tr, mr := newTestTracker(t)
	openMessage(t, tr, "m1")
	mr.FastForward(2 * time.Hour)

	_, err := tr.Report(context.Background(), "m1", "bob", message.StateDelivered)
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestStoreFailure(t *testing.T) {
	tr, mr := newTestTracker(t)
	openMessage(t, tr, "m1")
	mr.SetError("ERR store unavailable")
	defer mr.SetError("")

	_, err := tr.Advance(context.Background(), "m1", message.StateSent)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidTransition)
}
