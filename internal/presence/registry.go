// Package presence records which users currently hold a live session and
// where that session lives. Records are Redis hashes with a short TTL that
// the owning connection renews on every heartbeat; a crashed instance's users
// fall offline on their own once the TTL lapses.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/mansion/relay/internal/metrics"
)

const (
	// KeyPrefix is the Redis key prefix for presence hashes.
	KeyPrefix = "presence:"

	// OnlineSetKey holds the ids of users believed online. It lies outside
	// the KeyPrefix space so no user id can name it.
	OnlineSetKey = "online_users"

	// LastSeenPrefix is the Redis key prefix for last-seen timestamps.
	LastSeenPrefix = "lastseen:"

	// DefaultTTL is the lifetime of a presence record without a heartbeat.
	DefaultTTL = 30 * time.Second
)

var log = logrus.WithField("component", "presence")

// SessionToken identifies the live connection owning a user's presence.
type SessionToken struct {
	ConnectionID string
	Server       string // relay instance holding the socket
	ConnectedAt  time.Time
}

type record struct {
	UserID      string `redis:"user_id"`
	ConnID      string `redis:"conn_id"`
	Server      string `redis:"server"`
	ConnectedAt int64  `redis:"connected_at"` // unix millis
}

// heartbeatScript renews the TTL only while the record still belongs to the
// calling connection.
var heartbeatScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'conn_id') == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript clears presence unless a different connection now owns it.
var releaseScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'conn_id')
if owner and owner ~= ARGV[1] then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[2])
redis.call('SET', KEYS[3], ARGV[3])
return 1
`)

// Registry manages presence state in Redis.
type Registry struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// Connect opens a Redis client and verifies the connection.
func Connect(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}
	return client, nil
}

// NewRegistry returns a Registry storing records with the given TTL.
func NewRegistry(client *redis.Client, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{client: client, ttl: ttl, now: time.Now}
}

// TTL returns the presence record lifetime.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// SetOnline records userID as online through token, replacing any previous
// record.
func (r *Registry) SetOnline(ctx context.Context, userID string, token SessionToken) error {
	connectedAt := token.ConnectedAt
	if connectedAt.IsZero() {
		connectedAt = r.now()
	}
	key := KeyPrefix + userID

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, record{
			UserID:      userID,
			ConnID:      token.ConnectionID,
			Server:      token.Server,
			ConnectedAt: connectedAt.UnixMilli(),
		})
		pipe.PExpire(ctx, key, r.ttl)
		pipe.SAdd(ctx, OnlineSetKey, userID)
		return nil
	})
	if err != nil {
		r.storeError(err, userID, "set online")
		return fmt.Errorf("presence: set online %s: %w", userID, err)
	}
	return nil
}

// Heartbeat renews userID's record if it is still owned by connID. It
// reports false when the record has expired or belongs to another
// connection; the stored value is never altered.
func (r *Registry) Heartbeat(ctx context.Context, userID, connID string) (bool, error) {
	n, err := heartbeatScript.Run(ctx, r.client,
		[]string{KeyPrefix + userID}, connID, r.ttl.Milliseconds()).Int()
	if err != nil {
		r.storeError(err, userID, "heartbeat")
		return false, fmt.Errorf("presence: heartbeat %s: %w", userID, err)
	}
	return n == 1, nil
}

// SetOffline clears userID's record unconditionally and stamps last-seen.
func (r *Registry) SetOffline(ctx context.Context, userID string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, KeyPrefix+userID)
		pipe.SRem(ctx, OnlineSetKey, userID)
		pipe.Set(ctx, LastSeenPrefix+userID, r.now().UTC().Format(time.RFC3339Nano), 0)
		return nil
	})
	if err != nil {
		r.storeError(err, userID, "set offline")
		return fmt.Errorf("presence: set offline %s: %w", userID, err)
	}
	return nil
}

// Release is SetOffline guarded by ownership: it only clears the record when
// it is absent or still owned by connID, so a stale connection never erases
// a newer session. It reports whether the user was marked offline.
func (r *Registry) Release(ctx context.Context, userID, connID string) (bool, error) {
	n, err := releaseScript.Run(ctx, r.client,
		[]string{KeyPrefix + userID, OnlineSetKey, LastSeenPrefix + userID},
		connID, userID, r.now().UTC().Format(time.RFC3339Nano)).Int()
	if err != nil {
		r.storeError(err, userID, "release")
		return false, fmt.Errorf("presence: release %s: %w", userID, err)
	}
	return n == 1, nil
}

// IsOnline reports whether userID has a live record. Store failures are
// treated as offline.
func (r *Registry) IsOnline(ctx context.Context, userID string) bool {
	n, err := r.client.Exists(ctx, KeyPrefix+userID).Result()
	if err != nil {
		r.storeError(err, userID, "is online")
		return false
	}
	return n == 1
}

// SessionToken returns the live session of userID, if any. Store failures
// are treated as offline.
func (r *Registry) SessionToken(ctx context.Context, userID string) (SessionToken, bool) {
	var rec record
	if err := r.client.HGetAll(ctx, KeyPrefix+userID).Scan(&rec); err != nil {
		r.storeError(err, userID, "session token")
		return SessionToken{}, false
	}
	if rec.ConnID == "" {
		return SessionToken{}, false
	}
	return SessionToken{
		ConnectionID: rec.ConnID,
		Server:       rec.Server,
		ConnectedAt:  time.UnixMilli(rec.ConnectedAt).UTC(),
	}, true
}

// LastSeen returns when userID was last marked offline.
func (r *Registry) LastSeen(ctx context.Context, userID string) (time.Time, bool) {
	v, err := r.client.Get(ctx, LastSeenPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false
	}
	if err != nil {
		r.storeError(err, userID, "last seen")
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		log.WithField("user_id", userID).WithError(err).Warn("unparseable last-seen value")
		return time.Time{}, false
	}
	return ts, true
}

// OnlineUsers lists users with a live record, pruning set members whose
// record has expired.
func (r *Registry) OnlineUsers(ctx context.Context) ([]string, error) {
	members, err := r.client.SMembers(ctx, OnlineSetKey).Result()
	if err != nil {
		r.storeError(err, "", "online users")
		return nil, fmt.Errorf("presence: online users: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.IntCmd, len(members))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, m := range members {
			cmds[i] = pipe.Exists(ctx, KeyPrefix+m)
		}
		return nil
	})
	if err != nil {
		r.storeError(err, "", "online users")
		return nil, fmt.Errorf("presence: online users: %w", err)
	}

	online := make([]string, 0, len(members))
	var stale []interface{}
	for i, m := range members {
		if cmds[i].Val() == 1 {
			online = append(online, m)
		} else {
			stale = append(stale, m)
		}
	}
	if len(stale) > 0 {
		if err := r.client.SRem(ctx, OnlineSetKey, stale...).Err(); err != nil {
			log.WithError(err).Warn("failed to prune online set")
		}
	}
	sort.Strings(online)
	return online, nil
}

func (r *Registry) storeError(err error, userID, op string) {
	metrics.StoreErrors.WithLabelValues("presence").Inc()
	log.WithFields(logrus.Fields{"user_id": userID, "op": op}).WithError(err).Warn("store call failed")
}
