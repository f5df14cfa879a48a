// Package stats aggregates load test measurements across clients and prints
// a summary with latency percentiles, the ack mix and server-side metrics.
package stats

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector is shared by every client goroutine of a run.
type Collector struct {
	mu        sync.Mutex
	started   time.Time
	connects  samples
	delivered samples
	acks      map[string]int // ack event -> count
	conns     int
	errs      int
	scraper   *Scraper
}

// NewCollector starts the run clock.
func NewCollector() *Collector {
	return &Collector{started: time.Now(), acks: make(map[string]int)}
}

// SetScraper includes s's server-side figures in Report.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records one authenticated connection and its handshake time.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.conns++
	c.connects = append(c.connects, d)
	c.mu.Unlock()
}

// AddMsgLatency records the time from message:send to the recipient's
// message:receive.
func (c *Collector) AddMsgLatency(d time.Duration) {
	c.mu.Lock()
	c.delivered = append(c.delivered, d)
	c.mu.Unlock()
}

// AddPath counts one send acknowledged with event (message:sent,
// message:queued or message:error).
func (c *Collector) AddPath(event string) {
	c.mu.Lock()
	c.acks[event]++
	c.mu.Unlock()
}

// AddError counts a failed connect, send or wait.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errs++
	c.mu.Unlock()
}

// ConnectionCount is the number of connections recorded so far.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conns
}

// ErrorCount is the number of errors recorded so far.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errs
}

// Report prints the run summary to stdout.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:     %s\n", time.Since(c.started).Round(time.Second))
	fmt.Printf("Connections:  %d\n", c.conns)
	fmt.Printf("Errors:       %d\n", c.errs)

	if len(c.acks) > 0 {
		events := make([]string, 0, len(c.acks))
		total := 0
		for e, n := range c.acks {
			events = append(events, e)
			total += n
		}
		sort.Strings(events)
		fmt.Println("\n--- Send Acks ---")
		for _, e := range events {
			fmt.Printf("  %-16s %8d  %5.1f%%\n", e, c.acks[e], 100*float64(c.acks[e])/float64(total))
		}
	}

	if len(c.connects) > 0 {
		fmt.Println("\n--- Connect (dial to session:ready) ---")
		fmt.Println("  " + c.connects.summary())
	}
	if len(c.delivered) > 0 {
		fmt.Println("\n--- Delivery (send to receive) ---")
		fmt.Println("  " + c.delivered.summary())
	}

	if c.scraper != nil {
		c.scraper.Report()
	}
	fmt.Println()
}

type samples []time.Duration

// quantile expects s sorted.
func (s samples) quantile(q float64) time.Duration {
	i := int(math.Ceil(float64(len(s))*q)) - 1
	if i < 0 {
		i = 0
	}
	return s[i]
}

func (s samples) summary() string {
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	var sum time.Duration
	for _, d := range s {
		sum += d
	}
	r := func(d time.Duration) time.Duration { return d.Round(time.Microsecond) }
	return fmt.Sprintf("avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)",
		r(sum/time.Duration(len(s))), r(s.quantile(0.50)), r(s.quantile(0.95)),
		r(s.quantile(0.99)), r(s[len(s)-1]), len(s))
}
