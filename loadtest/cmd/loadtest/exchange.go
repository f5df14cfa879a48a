package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mansion/relay/loadtest/client"
	"github.com/mansion/relay/loadtest/stats"
)

// runExchange connects pairs of users and has each side send messages to the
// other at a fixed interval. The sender records the time between message:send
// and its ack; the recipient's message:receive is matched back to the send
// through the clientRef to measure delivery latency.
func runExchange(args []string) {
	fs := flag.NewFlagSet("exchange", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "relay websocket URL")
	secret := fs.String("secret", os.Getenv("JWT_SECRET"), "token signing secret")
	pairs := fs.Int("pairs", 100, "number of user pairs")
	duration := fs.Duration("duration", 30*time.Second, "how long each pair exchanges messages")
	msgInterval := fs.Duration("msg-interval", time.Second, "interval between messages per user")
	msgSize := fs.Int("msg-size", 256, "ciphertext size in bytes before base64")
	concurrency := fs.Int("concurrency", 50, "maximum simultaneous connection attempts")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "relay metrics endpoint")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "interval between metrics scrapes")
	fs.Parse(args)

	requireSecret(*secret)

	fmt.Printf("Exchange test: %d pairs to %s (duration=%s, interval=%s, msg-size=%d)\n",
		*pairs, *url, *duration, *msgInterval, *msgSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	payload := make([]byte, *msgSize)
	rand.Read(payload)
	content := base64.StdEncoding.EncodeToString(payload)

	fmt.Println("\n--- Connect ---")
	run := runID()
	sem := make(chan struct{}, *concurrency)
	progress := startProgress("connect", 2*time.Second, *pairs*2, collector)

	var wg sync.WaitGroup
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			sem <- struct{}{}
			a, errA := connectUser(ctx, *url, *secret, fmt.Sprintf("ex-%s-%d-a", run, i))
			b, errB := connectUser(ctx, *url, *secret, fmt.Sprintf("ex-%s-%d-b", run, i))
			<-sem
			for _, err := range []error{errA, errB} {
				if err != nil {
					collector.AddError()
				}
			}
			if errA != nil || errB != nil {
				closeAll(a, b)
				return
			}
			collector.AddConnect(a.Metrics().ConnectLatency)
			collector.AddConnect(b.Metrics().ConnectLatency)
			defer closeAll(a, b)

			pctx, cancel := context.WithTimeout(ctx, *duration)
			defer cancel()

			var inner sync.WaitGroup
			inner.Add(2)
			go func() { defer inner.Done(); exchange(pctx, a, b, content, *msgInterval, collector) }()
			go func() { defer inner.Done(); exchange(pctx, b, a, content, *msgInterval, collector) }()
			inner.Wait()
		}(i)
	}

	wg.Wait()
	progress()
	scraper.Stop()
	collector.Report()
}

// exchange sends from -> to until ctx is done and measures each delivery.
func exchange(ctx context.Context, from, to *client.Client, content string, interval time.Duration, collector *stats.Collector) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		seq++
		ref := fmt.Sprintf("%s-%d", from.UserID(), seq)
		start := time.Now()
		if err := from.SendMessage(to.UserID(), content, ref); err != nil {
			collector.AddError()
			return
		}

		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		ack, err := from.ExpectFunc(wctx, func(f client.Frame) bool {
			switch f.Event {
			case client.EventMessageSent, client.EventMessageQueued, client.EventMessageError:
				var a client.Ack
				return f.Decode(&a) == nil && a.ClientRef == ref
			}
			return false
		})
		if err != nil {
			cancel()
			collector.AddError()
			continue
		}
		collector.AddPath(ack.Event)
		if ack.Event == client.EventMessageError {
			cancel()
			collector.AddError()
			continue
		}

		var sent client.Ack
		_ = ack.Decode(&sent)
		_, err = to.ExpectFunc(wctx, func(f client.Frame) bool {
			var r client.Received
			return f.Event == client.EventMessageReceive && f.Decode(&r) == nil && r.MessageID == sent.MessageID
		})
		cancel()
		if err != nil {
			collector.AddError()
			continue
		}
		collector.AddMsgLatency(time.Since(start))
	}
}

func closeAll(cs ...*client.Client) {
	for _, c := range cs {
		if c != nil {
			c.Close()
		}
	}
}
