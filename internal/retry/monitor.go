// SPDX-License-Identifier: MIT

package retry

import (
	"context"
	"time"

	xlog "github.com/montyhome/homectl/internal/log"
	"github.com/montyhome/homectl/internal/metrics"
)

// RunMonitor ticks the zombie watcher until ctx is cancelled. Tasks older
// than the suspect age are flagged; tasks older than the kill age are
// force-cancelled.
func (e *Engine) RunMonitor(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.MonitorTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.reapOnce()
		}
	}
}

func (e *Engine) reapOnce() {
	now := e.clock.Now()

	e.mu.Lock()
	var suspects, zombies []*task
	for _, t := range e.byShade {
		age := now.Sub(t.issuedAt)
		switch {
		case age > e.opts.ZombieKillAge:
			zombies = append(zombies, t)
		case age > e.opts.ZombieSuspectAge:
			if t.suspicious.CompareAndSwap(false, true) {
				suspects = append(suspects, t)
			}
		}
	}
	for _, t := range zombies {
		if e.byShade[t.shadeID] == t {
			delete(e.byShade, t.shadeID)
		}
	}
	e.mu.Unlock()

	for _, t := range suspects {
		e.totalZombiesDetected.Add(1)
		metrics.IncRetryZombieDetected()
		e.logger.Warn().
			Str(xlog.FieldEvent, "retry.zombie_suspect").
			Str(xlog.FieldTaskID, t.id).
			Int(xlog.FieldShadeID, t.shadeID).
			Dur("age", now.Sub(t.issuedAt)).
			Msg("task flagged suspicious")
	}
	for _, t := range zombies {
		e.totalZombiesCleaned.Add(1)
		t.cancelWith(ReasonZombie)
		e.logger.Warn().
			Str(xlog.FieldEvent, "retry.zombie_reaped").
			Str(xlog.FieldTaskID, t.id).
			Int(xlog.FieldShadeID, t.shadeID).
			Dur("age", now.Sub(t.issuedAt)).
			Msg("zombie task force-cancelled")
	}
}
