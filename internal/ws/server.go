// Package ws accepts authenticated WebSocket connections, reads client frames
// through an epoll-driven worker pool and hands them to a dispatcher. It also
// serves as the instance's local socket cache for the router.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mansion/relay/internal/auth"
	"github.com/mansion/relay/internal/metrics"
	"github.com/mansion/relay/internal/protocol"
)

var log = logrus.WithField("component", "ws")

// maxFrameBytes caps one client message: 64 KiB of content plus envelope.
const maxFrameBytes = 128 << 10

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        `yaml:"listenAddr"`
	WorkerPoolSize int           `yaml:"workerPoolSize"` // max concurrent frame readers
	MaxConnections int           `yaml:"maxConnections"`
	ReadTimeout    time.Duration `yaml:"readTimeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
}

// DefaultServerConfig returns production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server upgrades HTTP requests on /ws, authenticates them and reads frames
// from ready connections on a bounded worker pool.
type Server struct {
	config   ServerConfig
	verifier auth.Verifier
	poller   *Poller
	conns    *ConnectionManager

	workerPool   chan struct{}
	onMessage    func(c *Connection, data []byte)
	onConnect    func(c *Connection)
	onDisconnect func(c *Connection)

	mux        *http.ServeMux
	httpServer *http.Server
	done       chan struct{}
	closeOnce  sync.Once
	startedAt  time.Time
}

// NewServer returns a Server that authenticates upgrades with verifier and
// passes every client text frame to onMessage.
func NewServer(config ServerConfig, verifier auth.Verifier, onMessage func(c *Connection, data []byte)) *Server {
	s := &Server{
		config:     config,
		verifier:   verifier,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		mux:        http.NewServeMux(),
		done:       make(chan struct{}),
	}
	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", metrics.Handler())
	return s
}

// SetOnConnect registers a callback run after a connection authenticated and
// received session:ready.
func (s *Server) SetOnConnect(fn func(c *Connection)) { s.onConnect = fn }

// SetOnDisconnect registers a callback run once when a connection is removed
// for any reason.
func (s *Server) SetOnDisconnect(fn func(c *Connection)) { s.onDisconnect = fn }

// Handler returns the HTTP handler serving /ws, /health and /metrics.
func (s *Server) Handler() http.Handler { return s.mux }

// Handle adds an HTTP route next to /ws, /health and /metrics. Call it
// before Start.
func (s *Server) Handle(pattern string, h http.Handler) { s.mux.Handle(pattern, h) }

// Start creates the poller and serves HTTP until Shutdown.
func (s *Server) Start() error {
	if err := s.init(); err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.WithFields(logrus.Fields{
		"addr":      s.config.ListenAddr,
		"workers":   s.config.WorkerPoolSize,
		"max_conns": s.config.MaxConnections,
	}).Info("listening")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server: %w", err)
	}
	return nil
}

func (s *Server) init() error {
	p, err := NewPoller()
	if err != nil {
		return fmt.Errorf("ws: create poller: %w", err)
	}
	s.poller = p
	s.startedAt = time.Now()
	go s.eventLoop()
	startKeepalive(s, DefaultKeepaliveConfig())
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	token := auth.TokenFromRequest(r)
	nc, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.WithError(err).Debug("upgrade failed")
		return
	}

	identity, err := s.verifier.Verify(token)
	if err != nil {
		metrics.AuthFailures.Inc()
		log.WithField("remote", nc.RemoteAddr().String()).WithError(err).Info("handshake rejected")
		_ = nc.SetWriteDeadline(time.Now().Add(time.Second))
		_ = ws.WriteFrame(nc, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusPolicyViolation, "")))
		_ = nc.Close()
		return
	}

	c := &Connection{
		ID:           uuid.NewString(),
		Identity:     identity,
		Conn:         nc,
		Fd:           socketFD(nc),
		CreatedAt:    time.Now(),
		writeTimeout: s.config.WriteTimeout,
	}
	c.touch()
	l := log.WithFields(logrus.Fields{"conn_id": c.ID, "user_id": identity.UserID})

	ready, err := protocol.NewServerMessage(protocol.EventSessionReady, protocol.SessionReadyMsg{
		ConnectionID: c.ID,
		UserID:       identity.UserID,
	})
	if err == nil {
		err = c.Send(ready)
	}
	if err != nil {
		l.WithError(err).Debug("session:ready not delivered")
		_ = nc.Close()
		return
	}

	reader, err := s.poller.Add(nc)
	if err != nil {
		l.WithError(err).Warn("poller add failed")
		_ = nc.Close()
		return
	}
	c.reader = reader
	s.conns.Add(c)
	metrics.ConnectionsActive.Inc()

	if s.onConnect != nil {
		s.onConnect(c)
	}
	l.WithFields(logrus.Fields{"fd": c.Fd, "total": s.conns.Count()}).Info("connected")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) eventLoop() {
	for {
		conns, err := s.poller.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if !isEINTR(err) {
				log.WithError(err).Warn("poll wait")
			}
			continue
		}

		for _, nc := range conns {
			nc := nc
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(nc)
			}()
		}
	}
}

// handleConn reads one frame from a ready connection.
func (s *Server) handleConn(nc net.Conn) {
	defer s.poller.Resume(nc)

	c := s.conns.GetByConn(nc)
	if c == nil {
		return
	}
	// Level-triggered epoll may report the same socket again mid-read.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = nc.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}
	header, reader, err := wsutil.NextReader(c.reader, ws.StateServerSide)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	c.touch()

	if header.Length > maxFrameBytes {
		log.WithField("conn_id", c.ID).WithField("bytes", header.Length).Info("frame too large")
		_ = c.writeControl(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusMessageTooBig, "")))
		s.RemoveConnection(c)
		return
	}
	data, err := io.ReadAll(io.LimitReader(reader, maxFrameBytes+1))
	_ = nc.SetReadDeadline(time.Time{})
	if err != nil || len(data) > maxFrameBytes {
		s.RemoveConnection(c)
		return
	}

	if header.OpCode.IsControl() {
		switch header.OpCode {
		case ws.OpClose:
			s.RemoveConnection(c)
		case ws.OpPing:
			_ = c.writeControl(ws.NewPongFrame(data))
		}
		return
	}
	if len(data) == 0 || s.onMessage == nil {
		return
	}
	s.onMessage(c, data)
}

// RemoveConnection unregisters and closes c, then runs the disconnect
// callback. Repeated calls are no-ops.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.poller.Remove(c.Conn)
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsActive.Dec()
	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}
	log.WithFields(logrus.Fields{
		"conn_id": c.ID,
		"user_id": c.UserID(),
		"total":   s.conns.Count(),
	}).Info("disconnected")
}

// Deliver writes frame to a local connection.
func (s *Server) Deliver(connID string, frame []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return ErrConnNotFound
	}
	return c.Send(frame)
}

// Evict writes frame to a local connection, closes it normally and removes
// it.
func (s *Server) Evict(connID string, frame []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return ErrConnNotFound
	}
	_ = c.Send(frame)
	_ = c.writeControl(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
	s.RemoveConnection(c)
	return nil
}

// Broadcast writes frame to every local connection except exceptConnID.
func (s *Server) Broadcast(frame []byte, exceptConnID string) {
	s.conns.Broadcast(frame, exceptConnID)
}

// Connections returns the local socket cache.
func (s *Server) Connections() *ConnectionManager { return s.conns }

// Shutdown stops accepting connections and closes every live one, running
// the disconnect callback for each.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("shutting down")
	s.closeOnce.Do(func() { close(s.done) })

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	var wg sync.WaitGroup
	for _, c := range s.conns.All() {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			_ = c.writeControl(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusGoingAway, "")))
			s.RemoveConnection(c)
		}(c)
	}
	wg.Wait()
	if s.poller != nil {
		_ = s.poller.Close()
	}
	log.Info("all connections closed")
	return err
}
