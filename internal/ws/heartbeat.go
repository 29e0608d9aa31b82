package ws

import (
	"context"
	"time"

	"github.com/gobwas/ws"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // max time to wait for activity after ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat begins a background goroutine that periodically sends
// WebSocket ping frames to all connections and closes those that have gone
// stale (no frames within Interval + Timeout). It returns immediately; the
// goroutine exits when the server's done channel is closed.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case now := <-ticker.C:
				checkConnections(server, config, now)
			}
		}
	}()
}

// checkConnections evicts connections silent for longer than Interval +
// Timeout and pings the rest. Browsers answer the protocol-level ping
// (opcode 0x9) automatically, which refreshes LastSeen in handleConn.
// Evictions run on the worker pool since the disconnect callback reads the
// friend graph. Live connections get their Redis session TTL extended.
func checkConnections(server *Server, config HeartbeatConfig, now time.Time) {
	deadline := config.Interval + config.Timeout
	live := make([]string, 0, server.conns.Count())

	for _, c := range server.Connections().All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			server.logger.Info("heartbeat timeout",
				"conn", c.ID, "idle", idle.Round(time.Second))
			server.evict(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			server.logger.Debug("heartbeat ping failed", "conn", c.ID, "error", err)
			server.evict(c)
			continue
		}
		live = append(live, c.ID)
	}

	if server.sessions != nil && len(live) > 0 {
		go refreshSessions(server, live)
	}
}

// refreshSessions keeps the Redis mirror of long-lived connections from
// expiring while they are still open.
func refreshSessions(server *Server, ids []string) {
	for _, id := range ids {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := server.sessions.RefreshTTL(ctx, id)
		cancel()
		if err != nil {
			server.logger.Warn("failed to refresh redis session", "conn", id, "error", err)
		}
	}
}

// WritePing sends a WebSocket protocol-level ping frame on the connection.
// The write mutex ensures this does not interleave with other outbound frames.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}
