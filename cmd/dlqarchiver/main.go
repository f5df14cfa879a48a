package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mansion/relay/internal/config"
	"github.com/mansion/relay/internal/deadletter"
	"github.com/mansion/relay/internal/logging"
	"github.com/mansion/relay/internal/mailbox"
	"github.com/mansion/relay/internal/messaging"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	inspect := flag.Int("inspect", 0, "print the N most recent archived dead letters and exit")
	recipient := flag.String("recipient", "", "with -inspect, only show entries for this recipient")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		logrus.WithError(err).Fatal("configure logging")
	}
	if err := cfg.ValidateArchiver(); err != nil {
		logrus.WithError(err).Fatal("invalid config")
	}
	log := logging.For("dlqarchiver")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	openCtx, openDone := context.WithTimeout(ctx, 10*time.Second)
	db, err := deadletter.Open(openCtx, cfg.DatabaseURL)
	openDone()
	if err != nil {
		log.WithError(err).Fatal("connect to postgres")
	}
	defer db.Close()

	if err := deadletter.Migrate(db); err != nil {
		log.WithError(err).Fatal("migrate")
	}
	store := deadletter.NewStore(db)

	if *inspect > 0 {
		if err := printRecent(ctx, store, *recipient, *inspect); err != nil {
			log.WithError(err).Fatal("inspect")
		}
		return
	}

	cfg.NATS.Name = "relay-dlqarchiver"
	natsClient, err := messaging.NewNATSClient(cfg.NATS)
	if err != nil {
		log.WithError(err).Fatal("connect to nats")
	}
	defer natsClient.Close()

	// The relay normally provisions the streams; doing it here lets the
	// archiver start first.
	mbCfg := mailbox.DefaultConfig()
	mbCfg.MessageTTL = cfg.Mailbox.MessageTTL
	mbCfg.AckWait = cfg.Mailbox.AckWait
	mbCfg.DeadLetterTTL = cfg.Mailbox.DeadLetterTTL
	if err := mailbox.New(natsClient.JetStream(), mbCfg).Provision(ctx); err != nil {
		log.WithError(err).Fatal("provision streams")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig.String()).Info("shutting down")
		cancel()
	}()

	if err := deadletter.NewArchiver(natsClient.JetStream(), store).Run(ctx); err != nil {
		log.WithError(err).Fatal("archiver")
	}
	log.Info("stopped")
}

func printRecent(ctx context.Context, store *deadletter.Store, recipient string, n int) error {
	var (
		records []deadletter.Record
		err     error
	)
	if recipient != "" {
		records, err = store.ForRecipient(ctx, recipient, n)
	} else {
		records, err = store.Recent(ctx, n)
	}
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tDEAD-LETTERED\tREASON\tMESSAGE\tFROM\tTO\tBYTES")
	for _, r := range records {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%d\n",
			r.StreamSeq,
			r.DeadLetteredAt.Format(time.RFC3339),
			r.Reason,
			r.MessageID,
			r.SenderID,
			r.RecipientID,
			len(r.Payload),
		)
	}
	return w.Flush()
}
