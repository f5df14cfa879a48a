// Package router delivers frames to a user's live connection wherever it is
// held. The presence record names the owning instance; frames for local
// connections are written directly and frames for remote ones are forwarded
// over a NATS request to that instance, which answers whether the connection
// was still there.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/mansion/relay/internal/messaging"
	"github.com/mansion/relay/internal/metrics"
	"github.com/mansion/relay/internal/presence"
)

// ErrUnreachable means the frame was definitely not written: the connection
// is gone, no instance serves the named server, or the forward could not be
// sent. Callers treat it as the recipient being offline.
var ErrUnreachable = errors.New("router: session unreachable")

// ErrUnconfirmed means a forward went out but no answer arrived before the
// route timeout. The remote instance may still write the frame, so callers
// must not deliver it by another path.
var ErrUnconfirmed = errors.New("router: forward unconfirmed")

var log = logrus.WithField("component", "router")

const (
	kindDeliver = "deliver"
	kindEvict   = "evict"

	replyOK   = "ok"
	replyMiss = "miss"
)

// LocalConns is the socket cache of this instance, keyed by connection id.
type LocalConns interface {
	// Deliver writes frame to the connection.
	Deliver(connID string, frame []byte) error
	// Evict writes frame to the connection and then closes it.
	Evict(connID string, frame []byte) error
	// Broadcast writes frame to every local connection except exceptConnID.
	Broadcast(frame []byte, exceptConnID string)
}

// Bus is the inter-instance transport.
type Bus interface {
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
	Publish(subject string, data []byte) error
	Reply(subject string, handler func(data []byte) []byte) error
	Listen(subject string, handler func(data []byte)) error
}

type forward struct {
	Kind         string          `json:"kind"`
	ConnectionID string          `json:"connectionId"`
	Frame        json.RawMessage `json:"frame"`
}

// Router routes frames to sessions identified by presence tokens.
type Router struct {
	server  string
	local   LocalConns
	bus     Bus
	timeout time.Duration
}

// New returns a Router for the instance named server.
func New(server string, local LocalConns, bus Bus, timeout time.Duration) *Router {
	return &Router{server: server, local: local, bus: bus, timeout: timeout}
}

// Server returns the name of this instance.
func (r *Router) Server() string {
	return r.server
}

// Route writes frame to the session identified by token.
func (r *Router) Route(ctx context.Context, token presence.SessionToken, frame []byte) error {
	return r.send(ctx, kindDeliver, token, frame)
}

// Evict writes frame to the session identified by token and closes it.
func (r *Router) Evict(ctx context.Context, token presence.SessionToken, frame []byte) error {
	return r.send(ctx, kindEvict, token, frame)
}

func (r *Router) send(ctx context.Context, kind string, token presence.SessionToken, frame []byte) error {
	if token.Server == r.server || token.Server == "" {
		if err := r.applyLocal(kind, token.ConnectionID, frame); err != nil {
			return fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
		return nil
	}

	payload, err := json.Marshal(forward{Kind: kind, ConnectionID: token.ConnectionID, Frame: frame})
	if err != nil {
		return fmt.Errorf("router: encode forward: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	rctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	reply, err := r.bus.Request(rctx, messaging.DeliverSubject(token.Server), payload)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("router").Inc()
		l := log.WithFields(logrus.Fields{
			"server":  token.Server,
			"conn_id": token.ConnectionID,
		}).WithError(err)
		if unanswered(err) {
			l.Warn("forward unanswered")
			return fmt.Errorf("%w: %v", ErrUnconfirmed, err)
		}
		l.Debug("forward failed")
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if string(reply) != replyOK {
		return fmt.Errorf("%w: %s reported %q", ErrUnreachable, token.Server, reply)
	}
	return nil
}

// unanswered reports whether a request timed out waiting for its reply, as
// opposed to failing before the remote could act on it.
func unanswered(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout)
}

func (r *Router) applyLocal(kind, connID string, frame []byte) error {
	if kind == kindEvict {
		return r.local.Evict(connID, frame)
	}
	return r.local.Deliver(connID, frame)
}

// Serve answers forwards addressed to this instance.
func (r *Router) Serve() error {
	return r.bus.Reply(messaging.DeliverSubject(r.server), func(data []byte) []byte {
		var f forward
		if err := json.Unmarshal(data, &f); err != nil {
			log.WithError(err).Warn("malformed forward")
			return []byte(replyMiss)
		}
		if f.Kind != kindDeliver && f.Kind != kindEvict {
			log.WithField("kind", f.Kind).Warn("unknown forward kind")
			return []byte(replyMiss)
		}
		if err := r.applyLocal(f.Kind, f.ConnectionID, f.Frame); err != nil {
			return []byte(replyMiss)
		}
		return []byte(replyOK)
	})
}
