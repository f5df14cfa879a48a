package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/mansion/relay/internal/auth"
	"github.com/mansion/relay/internal/config"
	"github.com/mansion/relay/internal/delivery"
	"github.com/mansion/relay/internal/logging"
	"github.com/mansion/relay/internal/mailbox"
	"github.com/mansion/relay/internal/messaging"
	"github.com/mansion/relay/internal/presence"
	"github.com/mansion/relay/internal/protocol"
	"github.com/mansion/relay/internal/ratelimit"
	"github.com/mansion/relay/internal/router"
	"github.com/mansion/relay/internal/tracking"
	"github.com/mansion/relay/internal/ws"
)

// trackerGrace keeps delivery state around a little longer than the queued
// message it describes.
const trackerGrace = 24 * time.Hour

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		logrus.WithError(err).Fatal("configure logging")
	}
	if err := cfg.ValidateRelay(); err != nil {
		logrus.WithError(err).Fatal("invalid config")
	}
	log := logging.For("relayd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Redis ---
	rdb, err := presence.Connect(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.WithError(err).Fatal("connect to redis")
	}
	registry := presence.NewRegistry(rdb, cfg.Presence.TTL)
	tracker := tracking.NewTracker(rdb, cfg.Mailbox.MessageTTL+trackerGrace)
	sendGate := ratelimit.NewGate(ratelimit.NewLimiter(rdb),
		ratelimit.SendRule(cfg.Limits.SendLimit, cfg.Limits.SendWindow))

	// --- NATS ---
	if cfg.NATS.Name == "" || cfg.NATS.Name == messaging.DefaultNATSConfig().Name {
		cfg.NATS.Name = "relay-" + cfg.ServerName
	}
	natsClient, err := messaging.NewNATSClient(cfg.NATS)
	if err != nil {
		log.WithError(err).Fatal("connect to nats")
	}

	mbCfg := mailbox.DefaultConfig()
	mbCfg.MessageTTL = cfg.Mailbox.MessageTTL
	mbCfg.AckWait = cfg.Mailbox.AckWait
	mbCfg.DeadLetterTTL = cfg.Mailbox.DeadLetterTTL
	mb := mailbox.New(natsClient.JetStream(), mbCfg)
	if err := mb.Provision(ctx); err != nil {
		log.WithError(err).Fatal("provision streams")
	}

	// --- websocket server and routing ---
	dispatcher := ws.NewDispatcher()
	server := ws.NewServer(cfg.Server, auth.NewJWTVerifier(cfg.JWTSecret), dispatcher.Dispatch)
	server.Handle("/api/online", presence.OnlineHandler(registry))

	rt := router.New(cfg.ServerName, server, natsClient, cfg.RouteTimeout)
	if err := rt.Serve(); err != nil {
		log.WithError(err).Fatal("serve routed frames")
	}
	announcer := router.NewAnnouncer(natsClient, server, cfg.BroadcastPresence)
	if err := announcer.Listen(); err != nil {
		log.WithError(err).Fatal("listen for presence")
	}

	coord := delivery.New(delivery.Config{
		Heartbeat:   cfg.Presence.Heartbeat,
		DrainWait:   cfg.Mailbox.DrainWait,
		TypingRate:  rate.Limit(cfg.Limits.TypingRate),
		TypingBurst: cfg.Limits.TypingBurst,
	}, delivery.Deps{
		Presence:  registry,
		Router:    rt,
		Mailbox:   mb,
		Tracker:   tracker,
		Announcer: announcer,
		Limiter:   sendGate,
	})
	mb.OnDeadLetter(coord.DeadLettered)

	sweeper, err := mailbox.NewSweeper(ctx, mb, rdb, cfg.ServerName, cfg.Mailbox.SweepInterval)
	if err != nil {
		log.WithError(err).Fatal("create sweeper")
	}
	go sweeper.Run(ctx)

	server.SetOnConnect(func(c *ws.Connection) { coord.Attach(c) })
	server.SetOnDisconnect(func(c *ws.Connection) { coord.Detach(c.ID) })

	dispatcher.Register(protocol.EventMessageSend, func(c *ws.Connection, msg protocol.ClientMessage) {
		if req, ok := msg.(protocol.SendMessage); ok {
			coord.Send(ctx, c, req)
		}
	})
	typing := func(c *ws.Connection, msg protocol.ClientMessage) {
		if sig, ok := msg.(protocol.Typing); ok {
			coord.Typing(ctx, c, sig)
		}
	}
	dispatcher.Register(protocol.EventTypingStart, typing)
	dispatcher.Register(protocol.EventTypingStop, typing)
	status := func(c *ws.Connection, msg protocol.ClientMessage) {
		if report, ok := msg.(protocol.StatusReport); ok {
			coord.Status(ctx, c, report)
		}
	}
	dispatcher.Register(protocol.EventMessageDelivered, status)
	dispatcher.Register(protocol.EventMessageRead, status)

	log.WithFields(logrus.Fields{
		"server_name":   cfg.ServerName,
		"listen_addr":   cfg.Server.ListenAddr,
		"nats_url":      cfg.NATS.URL,
		"redis_addr":    cfg.Redis.Addr,
		"presence_ttl":  cfg.Presence.TTL,
		"heartbeat":     cfg.Presence.Heartbeat,
		"message_ttl":   cfg.Mailbox.MessageTTL,
		"send_limit":    cfg.Limits.SendLimit,
		"presence_feed": cfg.BroadcastPresence,
	}).Info("relay starting")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig.String()).Info("shutting down")

		shutdownCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
		defer done()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("server shutdown")
		}
		coord.Close()
		cancel()
	}()

	if err := server.Start(); err != nil {
		log.WithError(err).Fatal("server error")
	}
	<-ctx.Done()

	natsClient.Close()
	if err := rdb.Close(); err != nil {
		log.WithError(err).Warn("redis close")
	}
	log.Info("stopped")
}
