package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRegistry returns a Registry on an in-memory Redis whose clock the
// test controls through mr.FastForward.
func newTestRegistry(t *testing.T) (*Registry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRegistry(client, DefaultTTL), mr
}

func TestSetOnline_SessionToken(t *testing.T) {
	r, mr := newTestRegistry(t)
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, r.SetOnline(ctx, "bob", SessionToken{ConnectionID: "c1", Server: "relay-a", ConnectedAt: at}))

	assert.True(t, r.IsOnline(ctx, "bob"))
	tok, ok := r.SessionToken(ctx, "bob")
	require.True(t, ok)
	assert.Equal(t, "c1", tok.ConnectionID)
	assert.Equal(t, "relay-a", tok.Server)
	assert.True(t, tok.ConnectedAt.Equal(at))

	assert.Equal(t, DefaultTTL, mr.TTL(KeyPrefix+"bob"))
	ok, err := mr.SIsMember(OnlineSetKey, "bob")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSessionToken_Offline(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, ok := r.SessionToken(context.Background(), "nobody")
	assert.False(t, ok)
	assert.False(t, r.IsOnline(context.Background(), "nobody"))
}

func TestHeartbeat_RenewsOwnRecordOnly(t *testing.T) {
	r, mr := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.SetOnline(ctx, "bob", SessionToken{ConnectionID: "c1", Server: "relay-a"}))

	mr.FastForward(20 * time.Second)
	ok, err := r.Heartbeat(ctx, "bob", "c1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, DefaultTTL, mr.TTL(KeyPrefix+"bob"))

	ok, err = r.Heartbeat(ctx, "bob", "c-other")
	require.NoError(t, err)
	assert.False(t, ok, "a superseded connection must not renew")

	tok, _ := r.SessionToken(ctx, "bob")
	assert.Equal(t, "c1", tok.ConnectionID, "heartbeat never alters the record")
}

// A user whose instance stops heartbeating is offline once the TTL lapses,
// with no explicit disconnect.
func TestPresence_ExpiresWithoutHeartbeat(t *testing.T) {
	r, mr := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.SetOnline(ctx, "bob", SessionToken{ConnectionID: "c1", Server: "relay-a"}))

	mr.FastForward(29 * time.Second)
	assert.True(t, r.IsOnline(ctx, "bob"))

	mr.FastForward(2 * time.Second)
	assert.False(t, r.IsOnline(ctx, "bob"))
	_, ok := r.SessionToken(ctx, "bob")
	assert.False(t, ok)

	ok, err := r.Heartbeat(ctx, "bob", "c1")
	require.NoError(t, err)
	assert.False(t, ok, "an expired record is not resurrected by heartbeat")

	users, err := r.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)
	member, _ := mr.SIsMember(OnlineSetKey, "bob")
	assert.False(t, member, "stale members are pruned")
}

func TestRelease_OwnerOnly(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.SetOnline(ctx, "bob", SessionToken{ConnectionID: "new", Server: "relay-b"}))

	released, err := r.Release(ctx, "bob", "old")
	require.NoError(t, err)
	assert.False(t, released)
	assert.True(t, r.IsOnline(ctx, "bob"), "a stale connection must not erase a newer session")

	released, err = r.Release(ctx, "bob", "new")
	require.NoError(t, err)
	assert.True(t, released)
	assert.False(t, r.IsOnline(ctx, "bob"))

	_, ok := r.LastSeen(ctx, "bob")
	assert.True(t, ok)
}

func TestRelease_AfterExpiryStillStampsLastSeen(t *testing.T) {
	r, mr := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.SetOnline(ctx, "bob", SessionToken{ConnectionID: "c1", Server: "relay-a"}))
	mr.FastForward(time.Minute)

	released, err := r.Release(ctx, "bob", "c1")
	require.NoError(t, err)
	assert.True(t, released)
	_, ok := r.LastSeen(ctx, "bob")
	assert.True(t, ok)
}

func TestSetOffline_StampsLastSeen(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	fixed := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	_, ok := r.LastSeen(ctx, "bob")
	assert.False(t, ok)

	require.NoError(t, r.SetOnline(ctx, "bob", SessionToken{ConnectionID: "c1", Server: "relay-a"}))
	require.NoError(t, r.SetOffline(ctx, "bob"))

	assert.False(t, r.IsOnline(ctx, "bob"))
	seen, ok := r.LastSeen(ctx, "bob")
	require.True(t, ok)
	assert.True(t, seen.Equal(fixed))
}

func TestOnlineUsers(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	for _, u := range []string{"carol", "alice", "bob"} {
		require.NoError(t, r.SetOnline(ctx, u, SessionToken{ConnectionID: "c-" + u, Server: "relay-a"}))
	}
	require.NoError(t, r.SetOffline(ctx, "bob"))

	users, err := r.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "carol"}, users)
}

func TestOnlineUsers_UserIDsCannotClobberTheSet(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	for _, u := range []string{"alice", "online", "online_users", "bob"} {
		require.NoError(t, r.SetOnline(ctx, u, SessionToken{ConnectionID: "c-" + u, Server: "relay-a"}), u)
	}

	users, err := r.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "online", "online_users"}, users)

	ok, err := r.Release(ctx, "online", "c-online")
	require.NoError(t, err)
	assert.True(t, ok)
	users, err = r.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "online_users"}, users)
}

func TestStoreFailureDegradesToOffline(t *testing.T) {
	r, mr := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.SetOnline(ctx, "bob", SessionToken{ConnectionID: "c1", Server: "relay-a"}))

	mr.SetError("ERR store unavailable")
	defer mr.SetError("")

	assert.False(t, r.IsOnline(ctx, "bob"))
	_, ok := r.SessionToken(ctx, "bob")
	assert.False(t, ok)
	_, err := r.Heartbeat(ctx, "bob", "c1")
	assert.Error(t, err)
}
