package ws

import (
	"time"

	"github.com/gobwas/ws"
)

// KeepaliveConfig tunes transport-level liveness checks.
type KeepaliveConfig struct {
	Interval time.Duration // ping period
	Timeout  time.Duration // grace after a missed ping before eviction
}

// DefaultKeepaliveConfig pings every 30s and evicts after 40s of silence.
func DefaultKeepaliveConfig() KeepaliveConfig {
	return KeepaliveConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// startKeepalive pings every connection each interval and drops those that
// have not produced a frame within Interval+Timeout. Browsers answer pings
// with pongs, which count as activity.
func startKeepalive(s *Server, cfg KeepaliveConfig) {
	go func() {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				sweepIdle(s, cfg, time.Now())
			}
		}
	}()
}

func sweepIdle(s *Server, cfg KeepaliveConfig, now time.Time) {
	limit := cfg.Interval + cfg.Timeout
	for _, c := range s.conns.All() {
		idle := now.Sub(c.LastActive())
		if idle > limit {
			log.WithField("conn_id", c.ID).WithField("idle", idle.Round(time.Second)).Info("keepalive timeout")
			s.RemoveConnection(c)
			continue
		}
		if err := c.writeControl(ws.NewPingFrame(nil)); err != nil {
			log.WithField("conn_id", c.ID).WithError(err).Debug("ping failed")
			s.RemoveConnection(c)
		}
	}
}
