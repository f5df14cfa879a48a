// Package ratelimit counts per-user actions in fixed Redis windows. Counters
// live in Redis so every relay instance sees the same count.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "ratelimit")

// Rule caps Limit actions per Window for keys under Key.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

// SendRule is the per-sender message:send allowance.
func SendRule(limit int, window time.Duration) Rule {
	return Rule{Key: "rl:send:", Limit: limit, Window: window}
}

func (r Rule) key(id string) string { return r.Key + id }

// Limiter evaluates rules against a Redis client.
type Limiter struct {
	rdb *redis.Client
}

func NewLimiter(rdb *redis.Client) *Limiter {
	return &Limiter{rdb: rdb}
}

// Allow charges one action to id. The first action of a window starts its
// TTL; a counter found without a TTL is given one. On a Redis error the
// action is allowed and the error returned.
func (l *Limiter) Allow(ctx context.Context, id string, rule Rule) (bool, error) {
	key := rule.key(id)

	var (
		incr *redis.IntCmd
		ttl  *redis.DurationCmd
	)
	_, err := l.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		ttl = p.PTTL(ctx, key)
		return nil
	})
	if err != nil {
		log.WithError(err).WithField("key", key).Warn("counter unavailable, allowing")
		return true, fmt.Errorf("ratelimit: incr %s: %w", key, err)
	}

	// PTTL reports -1 for a key without expiry.
	if ttl.Val() < 0 {
		if err := l.rdb.PExpire(ctx, key, rule.Window).Err(); err != nil {
			l.rdb.Del(ctx, key)
			log.WithError(err).WithField("key", key).Warn("expire failed, allowing")
			return true, fmt.Errorf("ratelimit: expire %s: %w", key, err)
		}
	}
	return incr.Val() <= int64(rule.Limit), nil
}

// Remaining is how many actions id has left in the current window.
func (l *Limiter) Remaining(ctx context.Context, id string, rule Rule) (int, error) {
	used, err := l.rdb.Get(ctx, rule.key(id)).Int()
	switch {
	case errors.Is(err, redis.Nil):
		return rule.Limit, nil
	case err != nil:
		return rule.Limit, fmt.Errorf("ratelimit: get: %w", err)
	case used >= rule.Limit:
		return 0, nil
	}
	return rule.Limit - used, nil
}

// Gate is a Limiter bound to one rule. A nil Gate allows everything.
type Gate struct {
	limiter *Limiter
	rule    Rule
}

// NewGate returns nil when the rule is disabled by a non-positive limit.
func NewGate(limiter *Limiter, rule Rule) *Gate {
	if limiter == nil || rule.Limit <= 0 {
		return nil
	}
	return &Gate{limiter: limiter, rule: rule}
}

func (g *Gate) Allow(ctx context.Context, id string) bool {
	if g == nil {
		return true
	}
	ok, _ := g.limiter.Allow(ctx, id, g.rule)
	return ok
}
