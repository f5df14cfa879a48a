package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewLimiter(client), mr
}

func TestAllow_WindowResets(t *testing.T) {
	l, mr := newTestLimiter(t)
	ctx := context.Background()
	rule := SendRule(3, 10*time.Second)

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "alice", rule)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i+1)
	}
	ok, err := l.Allow(ctx, "alice", rule)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _ = l.Allow(ctx, "bob", rule)
	assert.True(t, ok, "limits are per identifier")

	mr.FastForward(11 * time.Second)
	ok, _ = l.Allow(ctx, "alice", rule)
	assert.True(t, ok)
}

func TestRemaining(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	rule := SendRule(2, time.Minute)

	n, err := l.Remaining(ctx, "alice", rule)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, _ = l.Allow(ctx, "alice", rule)
	_, _ = l.Allow(ctx, "alice", rule)
	_, _ = l.Allow(ctx, "alice", rule)
	n, err = l.Remaining(ctx, "alice", rule)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestAllow_FailsOpen(t *testing.T) {
	l, mr := newTestLimiter(t)
	mr.SetError("ERR store unavailable")
	defer mr.SetError("")

	ok, err := l.Allow(context.Background(), "alice", SendRule(1, time.Second))
	assert.Error(t, err)
	assert.True(t, ok)
}

func TestGate(t *testing.T) {
	l, _ := newTestLimiter(t)
	assert.Nil(t, NewGate(l, SendRule(0, time.Second)), "zero limit disables the gate")

	g := NewGate(l, SendRule(1, time.Minute))
	require.NotNil(t, g)
	assert.True(t, g.Allow(context.Background(), "alice"))
	assert.False(t, g.Allow(context.Background(), "alice"))
}
