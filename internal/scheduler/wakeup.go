// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/montyhome/homectl/internal/clock"
	"github.com/montyhome/homectl/internal/config"
	xlog "github.com/montyhome/homectl/internal/log"
	"github.com/montyhome/homectl/internal/metrics"
)

// DefaultGoodMorningDelay runs between rise_n_shine and good_morning when
// the configuration does not say otherwise.
const DefaultGoodMorningDelay = 15 * time.Minute

// WakeUp is the single-shot alarm. Arming sets an absolute timer for the
// next occurrence of the configured wall-clock time; firing runs
// rise_n_shine, optionally starts audio, waits the good-morning delay and
// runs good_morning, then auto-disables.
type WakeUp struct {
	store  *config.Store
	clk    clock.Clock
	runner SceneRunner
	audio  AudioStarter
	gate   func(localNow time.Time) bool
	logger zerolog.Logger

	mu       sync.Mutex
	timer    *time.Timer
	armedFor time.Time     // next fire, local zone
	cancelCh chan struct{} // closed on disable; aborts the good-morning delay
}

func newWakeUp(store *config.Store, clk clock.Clock, runner SceneRunner, audio AudioStarter, gate func(time.Time) bool) *WakeUp {
	return &WakeUp{
		store:  store,
		clk:    clk,
		runner: runner,
		audio:  audio,
		gate:   gate,
		logger: xlog.WithComponent("wakeup"),
	}
}

// SetResult is returned by Set.
type SetResult struct {
	Enabled       bool   `json:"enabled"`
	NextFireLocal string `json:"next_fire_local"`
	NextFireUTC   string `json:"next_fire_utc"`
}

// WakeUpStatus is the alarm view served over HTTP.
type WakeUpStatus struct {
	Enabled            bool   `json:"enabled"`
	Time               string `json:"time"`
	LastTriggered      string `json:"last_triggered,omitempty"`
	NextWakeUpDatetime string `json:"next_wake_up_datetime,omitempty"`
}

// Set arms the alarm for the next occurrence of the given HH:MM in the
// configured zone. An already-armed alarm is replaced; a pending
// good-morning delay from a previous firing is abandoned.
func (w *WakeUp) Set(hhmm string) (SetResult, error) {
	hour, minute, err := config.ParseClock(hhmm)
	if err != nil {
		return SetResult{}, err
	}

	cfg := w.store.Scheduler()
	tz := cfg.TimeZone()
	now := clock.NowIn(w.clk, tz)

	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, tz)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}

	w.mu.Lock()
	w.disarmLocked()
	w.armedFor = next
	w.cancelCh = make(chan struct{})
	cancelCh := w.cancelCh
	w.timer = time.AfterFunc(next.Sub(now), func() { w.fire(cancelCh) })
	w.mu.Unlock()

	if err := w.store.SetAll(map[string]any{
		"wake_up.enabled": true,
		"wake_up.time":    hhmm,
	}); err != nil {
		return SetResult{}, fmt.Errorf("wakeup: persist: %w", err)
	}

	w.logger.Info().
		Str(xlog.FieldEvent, "wakeup.armed").
		Str("time", hhmm).
		Time("next_fire", next).
		Msg("wake-up armed")
	return SetResult{
		Enabled:       true,
		NextFireLocal: next.Format(time.RFC3339),
		NextFireUTC:   next.UTC().Format(time.RFC3339),
	}, nil
}

// Disable disarms the alarm and aborts a pending good-morning delay.
func (w *WakeUp) Disable() error {
	w.mu.Lock()
	w.disarmLocked()
	w.mu.Unlock()

	if err := w.store.Set("wake_up.enabled", false); err != nil {
		return fmt.Errorf("wakeup: persist: %w", err)
	}
	w.logger.Info().Str(xlog.FieldEvent, "wakeup.disabled").Msg("wake-up disabled")
	return nil
}

// Status reports the alarm state. next_wake_up_datetime is formatted in the
// configured zone.
func (w *WakeUp) Status() WakeUpStatus {
	cfg := w.store.Scheduler()
	tz := cfg.TimeZone()

	w.mu.Lock()
	armed := w.timer != nil
	next := w.armedFor
	w.mu.Unlock()

	st := WakeUpStatus{
		Enabled:       armed,
		Time:          cfg.WakeUp.Time,
		LastTriggered: cfg.WakeUp.LastTriggered,
	}
	if armed {
		st.NextWakeUpDatetime = next.In(tz).Format("2006-01-02 03:04 PM")
	}
	return st
}

// rearmFromConfig restores a persisted armed alarm after restart.
func (w *WakeUp) rearmFromConfig() {
	cfg := w.store.Scheduler()
	if !cfg.WakeUp.Enabled {
		return
	}
	if _, err := w.Set(cfg.WakeUp.Time); err != nil {
		w.logger.Warn().Err(err).
			Str(xlog.FieldEvent, "wakeup.rearm_failed").
			Str("time", cfg.WakeUp.Time).
			Msg("could not re-arm persisted wake-up")
	}
}

// shutdown stops the timer without touching persisted state, so the alarm
// re-arms on the next start.
func (w *WakeUp) shutdown() {
	w.mu.Lock()
	w.disarmLocked()
	w.mu.Unlock()
}

func (w *WakeUp) disarmLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if w.cancelCh != nil {
		close(w.cancelCh)
		w.cancelCh = nil
	}
	w.armedFor = time.Time{}
}

// fire runs the two-stage wake-up sequence. The alarm always auto-disables,
// even when the home/away gate suppressed the scenes: the user set one
// absolute time and a silent re-fire tomorrow would surprise them.
func (w *WakeUp) fire(cancelCh chan struct{}) {
	cfg := w.store.Scheduler()
	tz := cfg.TimeZone()
	now := w.clk.Now()

	w.mu.Lock()
	if w.cancelCh == cancelCh {
		// Consume the armed state; Disable after this point only aborts
		// the good-morning delay below.
		w.timer = nil
		w.armedFor = time.Time{}
	}
	w.mu.Unlock()

	if w.gate(now.In(tz)) {
		w.logger.Info().
			Str(xlog.FieldEvent, "wakeup.home_away_blocked").
			Msg("HomeAwayBlocked: wake-up suppressed, auto-disabling")
		metrics.IncWakeupFire("blocked")
		w.persistFired("", false)
		return
	}

	w.logger.Info().Str(xlog.FieldEvent, "wakeup.firing").Msg("wake-up firing")
	if _, err := w.runner.ExecuteScene(context.Background(), "rise_n_shine"); err != nil {
		w.logger.Error().Err(err).
			Str(xlog.FieldEvent, "wakeup.scene_failed").
			Str(xlog.FieldScene, "rise_n_shine").
			Msg("rise_n_shine failed, continuing sequence")
	}

	if cfg.Music.EnabledForMorning && w.audio != nil {
		if err := w.audio.Start(context.Background(), "wake_up"); err != nil {
			w.logger.Warn().Err(err).
				Str(xlog.FieldEvent, "wakeup.audio_start_failed").
				Msg("morning audio startup failed")
		}
	}

	delay := DefaultGoodMorningDelay
	if cfg.WakeUp.GoodMorningDelayMinutes > 0 {
		delay = time.Duration(cfg.WakeUp.GoodMorningDelayMinutes) * time.Minute
	}
	select {
	case <-cancelCh:
		w.logger.Info().
			Str(xlog.FieldEvent, "wakeup.delay_cancelled").
			Msg("good_morning delay cancelled by disable")
		metrics.IncWakeupFire("cancelled")
		w.persistFired(now.UTC().Format(time.RFC3339), true)
		return
	case <-time.After(delay):
	}

	if _, err := w.runner.ExecuteScene(context.Background(), "good_morning"); err != nil {
		w.logger.Error().Err(err).
			Str(xlog.FieldEvent, "wakeup.scene_failed").
			Str(xlog.FieldScene, "good_morning").
			Msg("good_morning failed")
		metrics.IncWakeupFire("error")
	} else {
		metrics.IncWakeupFire("ok")
	}
	w.persistFired(now.UTC().Format(time.RFC3339), true)
}

// persistFired writes the post-fire state. lastTriggered is empty when the
// gate suppressed the sequence. When a Set re-armed the alarm while this
// firing was still in flight, the new arm's enabled flag is left alone.
func (w *WakeUp) persistFired(lastTriggered string, fired bool) {
	w.mu.Lock()
	rearmed := w.timer != nil
	w.mu.Unlock()

	kv := map[string]any{}
	if !rearmed {
		kv["wake_up.enabled"] = false
	}
	if fired && lastTriggered != "" {
		kv["wake_up.last_triggered"] = lastTriggered
	}
	if len(kv) == 0 {
		return
	}
	if err := w.store.SetAll(kv); err != nil {
		w.logger.Error().Err(err).
			Str(xlog.FieldEvent, "wakeup.persist_failed").
			Msg("could not persist wake-up state")
	}
}
