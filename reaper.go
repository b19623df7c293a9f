package presence

import (
	"context"
	"time"
)

// reaper periodically expires stale clients. It reads the global channel
// index for channels whose earliest expiry has passed and auto-leaves only
// those, so an idle deployment with many quiet channels costs nothing per
// tick. Absence of heartbeat is the only cancellation signal a client has;
// the reaper is what resolves it.
type reaper struct {
	node *Node
}

func newReaper(n *Node) *reaper {
	return &reaper{node: n}
}

func (r *reaper) run() {
	ticker := time.NewTicker(r.node.config.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.node.NotifyShutdown():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *reaper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), r.node.config.ReapInterval)
	defer cancel()
	if err := r.node.AutoLeaveAll(ctx); err != nil {
		r.node.logger.log(NewLogEntry(LogLevelError, "error sweeping expired clients", map[string]interface{}{"error": err.Error()}))
	}
}
