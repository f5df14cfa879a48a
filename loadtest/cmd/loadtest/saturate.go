package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mansion/relay/loadtest/client"
	"github.com/mansion/relay/loadtest/stats"
)

// pool is the set of connections a saturate run holds open.
type pool struct {
	mu      sync.Mutex
	clients []*client.Client
}

func (p *pool) add(c *client.Client) {
	p.mu.Lock()
	p.clients = append(p.clients, c)
	p.mu.Unlock()
}

func (p *pool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// alive counts connections the server has not closed.
func (p *pool) alive() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.clients {
		select {
		case <-c.Done():
		default:
			n++
		}
	}
	return n
}

func (p *pool) closeAll() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		c.Close()
	}
	return len(p.clients)
}

// runSaturate opens one connection per distinct user, spread evenly over the
// ramp, then holds them and reports drops. Each user costs the relay a
// presence record and a mailbox consumer.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "relay websocket URL")
	secret := fs.String("secret", os.Getenv("JWT_SECRET"), "token signing secret")
	total := fs.Int("connections", 1000, "connections to open")
	ramp := fs.Duration("ramp", 10*time.Second, "time over which connections are opened")
	hold := fs.Duration("hold", 30*time.Second, "time to hold connections once open")
	concurrency := fs.Int("concurrency", 50, "maximum in-flight connection attempts")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "relay metrics endpoint")
	fs.Parse(args)
	requireSecret(*secret)

	fmt.Printf("saturate: %d connections to %s, ramp %s, hold %s, concurrency %d\n",
		*total, *url, *ramp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, 2*time.Second)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	var p pool
	began := time.Now()
	fmt.Println("\n--- Ramp ---")
	done := startProgress("ramp", time.Second, *total, collector)
	rampUp(ctx, *total, *ramp, *concurrency, func(i int) {
		c, err := connectUser(ctx, *url, *secret, fmt.Sprintf("sat-%s-%d", runID(), i))
		if err != nil {
			collector.AddError()
			return
		}
		collector.AddConnect(c.Metrics().ConnectLatency)
		p.add(c)
	})
	done()
	fmt.Printf("\nopened %d/%d in %s, %d errors\n", collector.ConnectionCount(), *total,
		time.Since(began).Round(time.Millisecond), collector.ErrorCount())

	dropped := 0
	if ctx.Err() == nil {
		dropped = holdOpen(ctx, &p, *hold)
	}

	fmt.Printf("\n--- Cleanup ---\nclosed %d connections\n", p.closeAll())
	scraper.Stop()
	if dropped > 0 {
		fmt.Printf("dropped during hold: %d\n", dropped)
	}
	collector.Report()
}

// rampUp calls open(i) for i in [0,n), one start per ramp/n, with at most
// limit calls running. It returns when every started call has finished.
func rampUp(ctx context.Context, n int, ramp time.Duration, limit int, open func(i int)) {
	step := ramp / time.Duration(max(n, 1))
	if step <= 0 {
		step = time.Millisecond
	}
	tick := time.NewTicker(step)
	defer tick.Stop()

	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	defer wg.Wait()
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			fmt.Println("\ninterrupted during ramp")
			return
		case <-tick.C:
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer func() { <-sem; wg.Done() }()
			open(i)
		}(i)
	}
}

// holdOpen waits d, printing liveness every 5s, and returns the number of
// connections lost meanwhile.
func holdOpen(ctx context.Context, p *pool, d time.Duration) int {
	start := p.alive()
	fmt.Printf("\n--- Hold ---\nholding %d connections for %s\n", start, d)

	timer := time.NewTimer(d)
	defer timer.Stop()
	status := time.NewTicker(5 * time.Second)
	defer status.Stop()
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\ninterrupted during hold")
			return start - p.alive()
		case <-timer.C:
			return start - p.alive()
		case <-status.C:
			a := p.alive()
			fmt.Printf("  [hold] alive %d/%d, dropped %d\n", a, p.size(), start-a)
		}
	}
}

func requireSecret(secret string) {
	if secret == "" {
		fmt.Fprintln(os.Stderr, "loadtest: a signing secret is required (-secret or JWT_SECRET)")
		os.Exit(2)
	}
}

func connectUser(ctx context.Context, url, secret, userID string) (*client.Client, error) {
	token, err := client.Token(secret, userID, time.Hour)
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return client.Connect(cctx, url, token)
}

// startProgress prints the connection count and rate every period until the
// returned func is called.
func startProgress(label string, period time.Duration, target int, collector *stats.Collector) func() {
	quit := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		tick := time.NewTicker(period)
		defer tick.Stop()
		prev, at := 0, time.Now()
		for {
			select {
			case <-quit:
				return
			case now := <-tick.C:
				n := collector.ConnectionCount()
				fmt.Printf("  [%s] %d/%d connected, %d errors, %.1f conn/s\n",
					label, n, target, collector.ErrorCount(), float64(n-prev)/now.Sub(at).Seconds())
				prev, at = n, now
			}
		}
	}()
	return func() {
		close(quit)
		<-finished
	}
}

var runID = sync.OnceValue(func() string {
	return fmt.Sprintf("%x", time.Now().UnixNano()&0xffffff)
})
