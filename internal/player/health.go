package player

import (
	"context"
	"time"
)

// ensureHealthLoop starts the health goroutine if it is not already running.
func (e *Engine) ensureHealthLoop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.healthDone != nil {
		select {
		case <-e.healthDone:
			// previous loop exited, start a new one
		default:
			return
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.healthCancel = cancel
	e.healthDone = done
	go e.healthLoop(ctx, done)
}

// stopHealthLoop cancels and awaits the health goroutine. Must not be called
// with the lifecycle lock held: the loop may be blocked acquiring it.
func (e *Engine) stopHealthLoop() {
	e.mu.Lock()
	cancel := e.healthCancel
	done := e.healthDone
	e.healthCancel = nil
	e.healthDone = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// healthLoop runs one tick every healthInterval until cancelled. Every branch
// is best effort: errors are logged and swallowed so the loop never
// terminates from a caught failure.
func (e *Engine) healthLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		e.mu.Lock()
		stopping := e.stopping
		e.mu.Unlock()
		if stopping {
			return
		}
		e.healthTick(ctx)
	}
}

// healthTick is one pass of the monitor: restart a dead process, restart an
// unresponsive one, otherwise run the stream health check.
func (e *Engine) healthTick(ctx context.Context) {
	if !e.Alive() {
		e.log.Warn().Msg("player process died, restarting")
		engineRestartsTotal.WithLabelValues("exited").Inc()
		e.backoffRestart(ctx, false)
		return
	}

	// Liveness ping with a generous deadline; a hung player fails here.
	if _, err := e.send(10*time.Second, []any{"get_property", "mpv-version"}, nil); err != nil {
		e.log.Warn().Err(err).Msg("player ipc unresponsive, killing and restarting")
		engineRestartsTotal.WithLabelValues("unresponsive").Inc()
		e.backoffRestart(ctx, true)
		return
	}

	st := e.Status()
	if st.Idle {
		e.idleTick(ctx)
		return
	}

	// Playing: clear the idle overlay and reset retry state to the floor.
	_ = e.RemoveOverlay(IdleOverlayID)
	e.retry.mu.Lock()
	e.retry.backoff = streamRetryFloor
	e.retry.failures = 0
	e.retry.mu.Unlock()
	if info, err := e.net.Info(ctx); err == nil {
		e.retry.mu.Lock()
		e.retry.lastConnType = info.ConnectionType
		e.retry.mu.Unlock()
	}
}

// idleTick handles the idle branch: informational overlay, connectivity
// change detection, and stream reload with failover to the backup URL.
func (e *Engine) idleTick(ctx context.Context) {
	info, netErr := e.net.Info(ctx)
	if netErr == nil {
		if err := e.SetOverlay(IdleOverlayID, e.buildIdleOverlay(info)); err != nil {
			e.log.Warn().Err(err).Msg("idle overlay push failed")
		}
		e.retry.mu.Lock()
		last := e.retry.lastConnType
		e.retry.lastConnType = info.ConnectionType
		e.retry.mu.Unlock()
		if last != "" && info.ConnectionType != last &&
			info.ConnectionType != "none" && info.ConnectionType != "hotspot" {
			e.log.Info().Str("from", last).Str("to", info.ConnectionType).
				Msg("network changed, resetting stream retry")
			e.ResetStreamRetry()
		}
	} else {
		e.log.Debug().Err(netErr).Msg("network info unavailable")
	}

	if e.cfg.Stream.URL == "" {
		return
	}

	e.retry.mu.Lock()
	if e.retry.userStopped {
		e.retry.mu.Unlock()
		return
	}
	now := time.Now()
	if !e.retry.lastAttempt.IsZero() && now.Sub(e.retry.lastAttempt) <= e.retry.backoff {
		e.retry.mu.Unlock()
		return
	}
	e.retry.failures++
	if e.retry.failures >= backupAfterFailures && e.cfg.Stream.BackupURL != "" && !e.retry.usingBackup {
		e.retry.usingBackup = true
		streamFailoversTotal.Inc()
		e.log.Warn().Int("failures", e.retry.failures).Msg("switching to backup stream url")
	}
	url := e.cfg.Stream.URL
	if e.retry.usingBackup && e.cfg.Stream.BackupURL != "" {
		url = e.cfg.Stream.BackupURL
	}
	e.retry.lastAttempt = now
	e.retry.backoff = time.Duration(float64(e.retry.backoff) * 1.5)
	if e.retry.backoff > streamRetryCap {
		e.retry.backoff = streamRetryCap
	}
	e.retry.mu.Unlock()

	e.log.Info().Str("url", url).Msg("stream idle, reloading")
	streamReloadsTotal.Inc()
	if err := e.LoadStream(url); err != nil {
		e.log.Debug().Err(err).Msg("stream reload failed, will retry")
	}
}

// nextRestartBackoff returns the current restart delay and doubles the stored
// value up to the cap.
func (e *Engine) nextRestartBackoff() time.Duration {
	e.retry.mu.Lock()
	defer e.retry.mu.Unlock()
	d := e.retry.restartBackoff
	e.retry.restartBackoff *= 2
	if e.retry.restartBackoff > restartBackoffCap {
		e.retry.restartBackoff = restartBackoffCap
	}
	return d
}

// backoffRestart sleeps the restart backoff, tears the player down and starts
// it again. When the lifecycle lock is held by an operator-initiated
// transition, that transition wins and this tick does nothing.
func (e *Engine) backoffRestart(ctx context.Context, kill bool) {
	if kill {
		e.mu.Lock()
		cmd := e.cmd
		waitDone := e.waitDone
		exited := e.exited
		e.mu.Unlock()
		if cmd != nil && cmd.Process != nil && !exited {
			_ = cmd.Process.Kill()
			if waitDone != nil {
				<-waitDone
			}
		}
	}

	e.mu.Lock()
	ch := e.ch
	e.ch = nil
	e.mu.Unlock()
	if ch != nil {
		ch.Close()
	}

	d := e.nextRestartBackoff()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	if !e.lifecycle.TryLock() {
		return
	}
	defer e.lifecycle.Unlock()
	e.mu.Lock()
	stopping := e.stopping
	e.mu.Unlock()
	if stopping || ctx.Err() != nil {
		return
	}
	if err := e.startLocked(ctx); err != nil {
		e.log.Error().Err(err).Msg("health restart failed")
	}
}
