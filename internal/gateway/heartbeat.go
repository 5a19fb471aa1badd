package gateway

import (
	"log"
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // grace after a missed ping (default: 10s)
}

// DefaultHeartbeatConfig returns the default heartbeat settings.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// startHeartbeat pings every connection each Interval and evicts those with
// no frame read within Interval + Timeout. It stops when done is closed.
func startHeartbeat(s *Server, cfg HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				checkConnections(s, cfg, time.Now())
			}
		}
	}()
}

func checkConnections(s *Server, cfg HeartbeatConfig, now time.Time) {
	deadline := cfg.Interval + cfg.Timeout

	for _, c := range s.conns.All() {
		if idle := now.Sub(c.LastActivity()); idle > deadline {
			log.Printf("[gateway] heartbeat timeout conn=%s user=%s idle=%s",
				c.ID, c.UserID, idle.Round(time.Second))
			c.Close()
			continue
		}

		// browsers answer protocol pings automatically
		if err := c.WritePing(); err != nil {
			log.Printf("[gateway] heartbeat ping failed conn=%s: %v", c.ID, err)
			c.Close()
		}
	}
}
