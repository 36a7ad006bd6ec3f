package ws

import (
	"time"

	"github.com/sirupsen/logrus"
)

// HeartbeatConfig controls liveness checking. A connection that has sent
// nothing (frames or pong replies) for Interval+Timeout is evicted.
type HeartbeatConfig struct {
	Interval time.Duration // ping period; zero disables the heartbeat
	Timeout  time.Duration // extra grace after a missed interval
}

// DefaultHeartbeatConfig pings every 30s and allows 10s of grace.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{Interval: 30 * time.Second, Timeout: 10 * time.Second}
}

func (h HeartbeatConfig) idleLimit() time.Duration {
	return h.Interval + h.Timeout
}

// StartHeartbeat runs sweeps every Interval until the server shuts down.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	if config.Interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-server.done:
				return
			case now := <-ticker.C:
				pinged, evicted := sweep(server, config, now)
				if evicted > 0 {
					server.log.WithFields(logrus.Fields{
						"pinged":  pinged,
						"evicted": evicted,
					}).Info("heartbeat sweep")
				}
			}
		}
	}()
}

// sweep evicts idle connections and pings the others. Clients answer pings
// with pongs, which refresh LastSeen when read.
func sweep(server *Server, config HeartbeatConfig, now time.Time) (pinged, evicted int) {
	limit := config.idleLimit()
	for _, c := range server.Connections().All() {
		if idle := now.Sub(c.LastSeen()); idle > limit {
			server.log.WithFields(logrus.Fields{
				"conn_id": c.ID,
				"user_id": c.UserID,
				"idle":    idle.Round(time.Second).String(),
			}).Debug("evicting idle connection")
			server.RemoveConnection(c)
			evicted++
			continue
		}
		if err := c.WritePing(); err != nil {
			server.log.WithError(err).WithField("conn_id", c.ID).Debug("ping failed")
			server.RemoveConnection(c)
			evicted++
			continue
		}
		pinged++
	}
	return pinged, evicted
}
