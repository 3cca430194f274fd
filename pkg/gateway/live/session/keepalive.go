package session

import (
	"context"
	"time"

	"github.com/m-hamzaa22/Voice-dispatch-agent/pkg/gateway/live/protocol"
)

// keepaliveLoop emits the application-level liveness frame the platform
// requires on top of transport pings. A send failure means the connection
// is gone; the emitter stops quietly and leaves cleanup to the turn loop.
func (c *LiveCall) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame := protocol.NewKeepalive(c.now().UnixMilli())
			if err := c.writeJSON(frame); err != nil {
				c.logger.Debug("keepalive send failed, stopping emitter", "error", err)
				return
			}
		}
	}
}
