// Package messaging wraps the NATS connection shared by relay instances. It
// owns the connection lifecycle, the subject-based subscriptions used for
// cross-instance delivery and presence fan-out, and hands out the JetStream
// context that backs the durable mailboxes.
package messaging

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sirupsen/logrus"
)

// NATS subject patterns used across relay instances.
const (
	SubjectDeliver  = "relay.deliver"  // + .<server_name>
	SubjectPresence = "relay.presence" // presence transitions, fanned out by every instance
)

var log = logrus.WithField("component", "nats")

// NATSConfig is the connection section of the relay config.
type NATSConfig struct {
	URL           string        `yaml:"url"`
	Name          string        `yaml:"name"`
	ReconnectWait time.Duration `yaml:"reconnectWait"`
	MaxReconnects int           `yaml:"maxReconnects"` // -1 retries forever
}

func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "relay",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

func (c NATSConfig) options() []nats.Option {
	return []nats.Option{
		nats.Name(c.Name),
		nats.ReconnectWait(c.ReconnectWait),
		nats.MaxReconnects(c.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.WithError(err).Warn("disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("reconnected")
		}),
		nats.ClosedHandler(func(*nats.Conn) { log.Debug("connection closed") }),
	}
}

// NATSClient is one relay process's NATS connection plus its JetStream
// context. Subscriptions made through it are drained by Close.
type NATSClient struct {
	conn *nats.Conn
	js   jetstream.JetStream

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewNATSClient fails if the first connection attempt fails; later outages
// are retried per cfg.
func NewNATSClient(cfg NATSConfig) (*NATSClient, error) {
	nc, err := nats.Connect(cfg.URL, cfg.options()...)
	if err != nil {
		return nil, fmt.Errorf("messaging: connect %s: %w", cfg.URL, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("messaging: jetstream: %w", err)
	}
	log.WithFields(logrus.Fields{"url": nc.ConnectedUrl(), "name": cfg.Name}).Info("connected")
	return &NATSClient{conn: nc, js: js}, nil
}

func (c *NATSClient) JetStream() jetstream.JetStream { return c.js }

// Publish is fire-and-forget core NATS.
func (c *NATSClient) Publish(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("messaging: publish %s: %w", subject, err)
	}
	return nil
}

// Request waits for the first reply on subject until ctx ends.
func (c *NATSClient) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("messaging: request %s: %w", subject, err)
	}
	return msg.Data, nil
}

// Listen hands every payload published on subject to handler.
func (c *NATSClient) Listen(subject string, handler func(data []byte)) error {
	return c.subscribe(subject, func(m *nats.Msg) { handler(m.Data) })
}

// Reply answers each request on subject with handler's result. Plain
// publishes without a reply inbox are ignored.
func (c *NATSClient) Reply(subject string, handler func(data []byte) []byte) error {
	return c.subscribe(subject, func(m *nats.Msg) {
		if m.Reply == "" {
			return
		}
		if err := m.Respond(handler(m.Data)); err != nil {
			log.WithError(err).WithField("subject", subject).Warn("respond failed")
		}
	})
}

func (c *NATSClient) subscribe(subject string, cb nats.MsgHandler) error {
	sub, err := c.conn.Subscribe(subject, cb)
	if err != nil {
		return fmt.Errorf("messaging: subscribe %s: %w", subject, err)
	}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

// Close drains subscriptions, then the connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Drain(); err != nil {
			log.WithError(err).WithField("subject", sub.Subject).Warn("drain failed")
		}
	}
	if err := c.conn.Drain(); err != nil {
		log.WithError(err).Warn("connection drain failed")
	}
}

// ---------------------------------------------------------------------------
// Subject tokens
// ---------------------------------------------------------------------------

var plainToken = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// hashedPrefix marks tokens derived from identifiers that are not safe to
// embed in a subject verbatim.
const hashedPrefix = "h_"

// Token maps an arbitrary identifier to a single subject token that is also a
// valid JetStream consumer name. Identifiers made only of letters, digits,
// '-' and '_' pass through unchanged; anything else (dots, wildcards,
// whitespace, unicode) is replaced by a hash. The mapping is injective.
func Token(id string) string {
	if plainToken.MatchString(id) && !strings.HasPrefix(id, hashedPrefix) {
		return id
	}
	sum := sha256.Sum256([]byte(id))
	return hashedPrefix + hex.EncodeToString(sum[:16])
}

// DeliverSubject is the request subject served by the named relay instance.
func DeliverSubject(server string) string {
	return SubjectDeliver + "." + server
}
