package stats

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// series names the relay metric lines a snapshot keeps. A label selector
// narrows a labelled metric to one value; without one every line of the
// metric is summed.
type series struct {
	label  string
	metric string
	key    string // label name
	value  string // label value
}

var tracked = []series{
	{label: "Connections", metric: "relay_connections_active"},
	{label: "Sent Direct", metric: "relay_messages_total", key: "path", value: "direct"},
	{label: "Queued", metric: "relay_messages_total", key: "path", value: "queued"},
	{label: "Drained", metric: "relay_messages_total", key: "path", value: "drained"},
	{label: "Dead-lettered", metric: "relay_messages_total", key: "path", value: "dead_lettered"},
	{label: "Send Failed", metric: "relay_messages_total", key: "path", value: "failed"},
	{label: "Status Relays", metric: "relay_status_relays_total"},
	{label: "Auth Failures", metric: "relay_auth_failures_total"},
	{label: "Store Errors", metric: "relay_store_errors_total"},
}

const (
	sendSum   = "relay_send_duration_seconds_sum"
	sendCount = "relay_send_duration_seconds_count"
)

type snapshot struct {
	at     time.Time
	values []float64 // indexed like tracked
	sum    float64
	count  float64
}

// Scraper polls the relay's /metrics endpoint during a run.
type Scraper struct {
	url      string
	interval time.Duration
	http     *http.Client

	mu    sync.Mutex
	snaps []snapshot

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper polls metricsURL every interval once started.
func NewScraper(metricsURL string, interval time.Duration) *Scraper {
	return &Scraper{
		url:      metricsURL,
		interval: interval,
		http:     &http.Client{Timeout: 5 * time.Second},
		done:     make(chan struct{}),
	}
}

// Start takes a snapshot now and then every interval until ctx ends or Stop.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.scrape(ctx)

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.scrape(context.Background())
				return
			case <-ticker.C:
				s.scrape(ctx)
			}
		}
	}()
}

// Stop ends polling after a final snapshot.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scraper) scrape(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return
	}
	resp, err := s.http.Do(req)
	if err != nil {
		// the server may not be up yet
		return
	}
	defer resp.Body.Close()

	snap, err := parse(resp.Body)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.snaps = append(s.snaps, snap)
	s.mu.Unlock()
}

func parse(r io.Reader) (snapshot, error) {
	snap := snapshot{at: time.Now(), values: make([]float64, len(tracked))}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		name, v, ok := parseMetricLine(line)
		if !ok {
			continue
		}
		switch name {
		case sendSum:
			snap.sum = v
			continue
		case sendCount:
			snap.count = v
			continue
		}
		for i, t := range tracked {
			if t.metric != name {
				continue
			}
			if t.key == "" || labelValue(line, t.key) == t.value {
				snap.values[i] += v
			}
		}
	}
	return snap, sc.Err()
}

// parseMetricLine splits `name{labels} value` or `name value`.
func parseMetricLine(line string) (string, float64, bool) {
	name, rest := line, ""
	if i := strings.IndexByte(line, '{'); i != -1 {
		j := strings.IndexByte(line[i:], '}')
		if j == -1 {
			return "", 0, false
		}
		name, rest = line[:i], line[i+j+1:]
	} else if i := strings.IndexByte(line, ' '); i != -1 {
		name, rest = line[:i], line[i:]
	} else {
		return "", 0, false
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", 0, false
	}
	return name, v, true
}

// labelValue returns the value of label in a metric line, or "".
func labelValue(line, label string) string {
	key := label + `="`
	i := strings.Index(line, key)
	if i == -1 {
		return ""
	}
	rest := line[i+len(key):]
	if j := strings.IndexByte(rest, '"'); j != -1 {
		return rest[:j]
	}
	return ""
}

// Report prints first, last, delta and peak of every tracked series and the
// mean server-side send handling time over the run.
func (s *Scraper) Report() {
	s.mu.Lock()
	snaps := append([]snapshot(nil), s.snaps...)
	s.mu.Unlock()

	if len(snaps) == 0 {
		fmt.Println("\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := snaps[0], snaps[len(snaps)-1]

	fmt.Println("\n--- Server Metrics ---")
	fmt.Printf("  %d snapshots over %s\n\n", len(snaps), last.at.Sub(first.at).Round(time.Second))
	fmt.Printf("  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	for i, t := range tracked {
		peak := first.values[i]
		for _, sn := range snaps {
			if sn.values[i] > peak {
				peak = sn.values[i]
			}
		}
		fmt.Printf("  %-16s %10.0f %10.0f %10.0f %10.0f\n",
			t.label, first.values[i], last.values[i], last.values[i]-first.values[i], peak)
	}

	fmt.Println()
	if n := last.count - first.count; n > 0 {
		fmt.Printf("  %-16s avg: %.4fs  (%.0f sends)\n", "Send Handling", (last.sum-first.sum)/n, n)
	} else {
		fmt.Printf("  %-16s avg: N/A  (no sends)\n", "Send Handling")
	}
}
