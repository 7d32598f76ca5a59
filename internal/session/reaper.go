package session

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is how often the reaper scans for idle sessions.
const DefaultSweepInterval = 60 * time.Second

// Reaper tears down sessions that have been inactive longer than the idle
// timeout.
type Reaper struct {
	m        *Manager
	timeout  time.Duration
	interval time.Duration
}

// NewReaper creates a reaper for m.
func NewReaper(m *Manager, idleTimeout, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Reaper{m: m, timeout: idleTimeout, interval: interval}
}

// Run sweeps on every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.m.now())
		}
	}
}

// Sweep terminates every session idle since before now minus the timeout
// and returns their chat IDs.
func (r *Reaper) Sweep(now time.Time) []int64 {
	expired := r.m.removeIdle(now.Add(-r.timeout))
	if len(expired) == 0 {
		return nil
	}

	ended := r.m.endedHandler()
	ids := make([]int64, 0, len(expired))
	for _, sess := range expired {
		if sess.proc != nil {
			if err := sess.proc.Terminate(); err != nil {
				slog.Warn("terminate idle process failed", "chat_id", sess.chatID, "error", err)
			}
		}
		slog.Info("session expired", "chat_id", sess.chatID, "idle", now.Sub(sess.lastActivity).Round(time.Second))
		if ended != nil {
			ended(sess.chatID, ReasonIdleTimeout)
		}
		ids = append(ids, sess.chatID)
	}
	return ids
}
