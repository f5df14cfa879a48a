package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/mansion/relay/internal/mailbox"
	"github.com/mansion/relay/internal/message"
	"github.com/mansion/relay/internal/presence"
	"github.com/mansion/relay/internal/protocol"
)

// releaseTimeout bounds presence cleanup after the session context is gone.
const releaseTimeout = 3 * time.Second

// session is the actor owning one connection's heartbeat and mailbox
// consumer. Cancelling it stops both.
type session struct {
	conn   Conn
	userID string
	connID string
	typing *rate.Limiter
	cancel context.CancelFunc
	done   chan struct{}
	log    *logrus.Entry
}

// Attach starts the session actor for a newly authenticated connection.
func (c *Coordinator) Attach(conn Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		conn:   conn,
		userID: conn.UserID(),
		connID: conn.ConnectionID(),
		typing: rate.NewLimiter(c.cfg.TypingRate, c.cfg.TypingBurst),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.log = log.WithFields(logrus.Fields{"user_id": s.userID, "conn_id": s.connID})

	c.mu.Lock()
	prev := c.sessions[s.connID]
	c.sessions[s.connID] = s
	c.mu.Unlock()
	if prev != nil {
		prev.stop()
	}

	go c.run(ctx, s)
}

// Detach cancels the session actor of connID and waits for it to release
// presence.
func (c *Coordinator) Detach(connID string) {
	c.mu.Lock()
	s := c.sessions[connID]
	delete(c.sessions, connID)
	c.mu.Unlock()

	if s != nil {
		s.stop()
	}
}

// Close detaches every session.
func (c *Coordinator) Close() {
	c.mu.Lock()
	all := make([]*session, 0, len(c.sessions))
	for id, s := range c.sessions {
		all = append(all, s)
		delete(c.sessions, id)
	}
	c.mu.Unlock()

	for _, s := range all {
		s.stop()
	}
}

// Sessions returns the number of live session actors.
func (c *Coordinator) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

func (c *Coordinator) session(connID string) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[connID]
}

func (s *session) stop() {
	s.cancel()
	<-s.done
}

func (c *Coordinator) run(ctx context.Context, s *session) {
	defer close(s.done)

	c.evictPrevious(ctx, s)

	sub := c.drain(ctx, s)
	if ctx.Err() != nil {
		if sub != nil {
			sub.Stop()
		}
		return
	}

	token := presence.SessionToken{
		ConnectionID: s.connID,
		Server:       c.router.Server(),
		ConnectedAt:  c.now().UTC(),
	}
	if err := c.presence.SetOnline(ctx, s.userID, token); err != nil {
		s.log.WithError(err).Warn("presence not recorded, retrying on heartbeat")
	}
	c.announcer.Online(s.userID, s.connID, token.ConnectedAt)
	s.log.Info("session online")

	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if sub != nil {
				sub.Stop()
			}
			c.release(s)
			return
		case <-ticker.C:
			c.heartbeat(ctx, s, token)
		}
	}
}

// evictPrevious closes an older session of the same user, wherever it lives.
func (c *Coordinator) evictPrevious(ctx context.Context, s *session) {
	prev, ok := c.presence.SessionToken(ctx, s.userID)
	if !ok || prev.ConnectionID == s.connID {
		return
	}
	frame, err := protocol.NewServerMessage(protocol.EventSessionReplaced, protocol.SessionReplacedMsg{})
	if err != nil {
		return
	}
	if err := c.router.Evict(ctx, prev, frame); err != nil {
		s.log.WithField("prev_conn_id", prev.ConnectionID).WithError(err).Debug("previous session already gone")
		return
	}
	s.log.WithField("prev_conn_id", prev.ConnectionID).Info("replaced previous session")
}

// drain attaches the mailbox consumer and waits, up to DrainWait, for the
// backlog to be delivered. The consumer stays attached for the life of the
// session.
func (c *Coordinator) drain(ctx context.Context, s *session) mailbox.Subscription {
	sub, err := c.mailbox.Consume(ctx, s.userID, c.deliverQueued(s))
	if err != nil {
		s.log.WithError(err).Warn("mailbox not attached, backlog waits for the next session")
		return nil
	}

	wctx, cancel := context.WithTimeout(ctx, c.cfg.DrainWait)
	defer cancel()
	if err := sub.Drained(wctx); err != nil && ctx.Err() == nil {
		l := s.log.WithError(err)
		var backlog *mailbox.BacklogError
		if errors.As(err, &backlog) {
			l = l.WithFields(logrus.Fields{"pending": backlog.Pending, "in_flight": backlog.InFlight})
		}
		l.Warn("drain wait expired, live messages may overtake the backlog")
	}
	return sub
}

func (c *Coordinator) deliverQueued(s *session) mailbox.Handler {
	return func(_ context.Context, m message.Message) error {
		frame, err := protocol.ReceiveFrame(m)
		if err != nil {
			return err
		}
		if err := s.conn.Send(frame); err != nil {
			return fmt.Errorf("%w: %v", mailbox.ErrRedeliver, err)
		}
		return nil
	}
}

func (c *Coordinator) heartbeat(ctx context.Context, s *session, token presence.SessionToken) {
	owned, err := c.presence.Heartbeat(ctx, s.userID, s.connID)
	if err != nil {
		s.log.WithError(err).Warn("heartbeat failed")
		return
	}
	if owned {
		return
	}

	cur, ok := c.presence.SessionToken(ctx, s.userID)
	if ok && cur.ConnectionID != s.connID {
		s.log.WithField("owner_conn_id", cur.ConnectionID).Info("superseded, closing")
		frame, err := protocol.NewServerMessage(protocol.EventSessionReplaced, protocol.SessionReplacedMsg{})
		if err != nil {
			return
		}
		// Evicting ourselves ends in Detach, which waits on this actor.
		go func() {
			ectx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			_ = c.router.Evict(ectx, token, frame)
		}()
		return
	}

	if err := c.presence.SetOnline(ctx, s.userID, token); err != nil {
		s.log.WithError(err).Warn("presence lost, re-assert failed")
		return
	}
	s.log.Debug("presence re-asserted")
}

func (c *Coordinator) release(s *session) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	released, err := c.presence.Release(ctx, s.userID, s.connID)
	if err != nil {
		s.log.WithError(err).Warn("presence not released, expires with TTL")
		return
	}
	if !released {
		s.log.Debug("presence owned by a newer session")
		return
	}

	lastSeen, ok := c.presence.LastSeen(ctx, s.userID)
	if !ok {
		lastSeen = c.now().UTC()
	}
	c.announcer.Offline(s.userID, s.connID, lastSeen)
	s.log.Info("session offline")
}
