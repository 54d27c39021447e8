// SPDX-License-Identifier: MIT

// Package retry runs per-shade background command tasks with
// latest-command-wins supersession, bounded lifetimes and zombie reaping.
package retry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/montyhome/homectl/internal/clock"
	xlog "github.com/montyhome/homectl/internal/log"
	"github.com/montyhome/homectl/internal/metrics"
	"github.com/montyhome/homectl/internal/shades"
)

// Sender transmits one command attempt. Implementations must honor ctx.
type Sender interface {
	Send(ctx context.Context, shadeID int, action shades.Action) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, shadeID int, action shades.Action) error

// Send calls the function.
func (f SenderFunc) Send(ctx context.Context, shadeID int, action shades.Action) error {
	return f(ctx, shadeID, action)
}

// TerminalReason is the closed set of ways a task ends.
type TerminalReason string

const (
	ReasonCompleted  TerminalReason = "completed"
	ReasonSuperseded TerminalReason = "superseded"
	ReasonCancelled  TerminalReason = "cancelled"
	ReasonTimeout    TerminalReason = "timeout"
	ReasonZombie     TerminalReason = "zombie"
)

type reasonErr struct{ r TerminalReason }

func (e reasonErr) Error() string { return string(e.r) }

// Command is one accepted shade command.
type Command struct {
	ShadeID  int
	Action   shades.Action
	Attempts int // total transmissions; retry_count+1
}

// Options tune the engine's deadlines. Zero values select production
// defaults.
type Options struct {
	AttemptTimeout   time.Duration // bound per serial exchange (default 10s)
	TaskTimeout      time.Duration // bound per task incl. backoff (default 60s)
	BaseDelay        time.Duration // first inter-attempt delay (default 500ms)
	MaxDelay         time.Duration // backoff ceiling (default 4s)
	SupersedeWait    time.Duration // teardown ack bound (default 500ms)
	ZombieSuspectAge time.Duration // default 5m
	ZombieKillAge    time.Duration // default 1h
	MonitorTick      time.Duration // default 60s
}

func (o Options) withDefaults() Options {
	if o.AttemptTimeout == 0 {
		o.AttemptTimeout = 10 * time.Second
	}
	if o.TaskTimeout == 0 {
		o.TaskTimeout = 60 * time.Second
	}
	if o.BaseDelay == 0 {
		o.BaseDelay = 500 * time.Millisecond
	}
	if o.MaxDelay == 0 {
		o.MaxDelay = 4 * time.Second
	}
	if o.SupersedeWait == 0 {
		o.SupersedeWait = 500 * time.Millisecond
	}
	if o.ZombieSuspectAge == 0 {
		o.ZombieSuspectAge = 5 * time.Minute
	}
	if o.ZombieKillAge == 0 {
		o.ZombieKillAge = time.Hour
	}
	if o.MonitorTick == 0 {
		o.MonitorTick = time.Minute
	}
	return o
}

type task struct {
	id       string
	shadeID  int
	action   shades.Action
	attempts int
	issuedAt time.Time

	attemptsDone atomic.Int32
	suspicious   atomic.Bool
	reason       atomic.Value // TerminalReason

	cancel context.CancelCauseFunc
	ctx    context.Context
	done   chan struct{}
}

func (t *task) cancelWith(r TerminalReason) {
	t.cancel(reasonErr{r})
}

// Engine owns every live retry task, keyed by shade id.
type Engine struct {
	mu      sync.Mutex
	byShade map[int]*task

	sender Sender
	clock  clock.Clock
	opts   Options
	logger zerolog.Logger

	totalTimeoutKills    atomic.Uint64
	totalZombiesDetected atomic.Uint64
	totalZombiesCleaned  atomic.Uint64
	totalSuperseded      atomic.Uint64

	cancelMu    sync.Mutex
	cancelTimes []time.Time

	finishedMu    sync.Mutex
	finished      map[string]TerminalReason
	finishedOrder []string
}

// New builds an engine over the given sender.
func New(sender Sender, clk clock.Clock, opts Options) *Engine {
	return &Engine{
		byShade: map[int]*task{},
		sender:  sender,
		clock:   clk,
		opts:    opts.withDefaults(),
		logger:  xlog.WithComponent("retry"),
	}
}

// Submit accepts a command, supersedes any live task for the same shade and
// starts the new task. It returns once the command is accepted; transmission
// happens in the background.
func (e *Engine) Submit(cmd Command) string {
	if cmd.Attempts <= 0 {
		cmd.Attempts = 1
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	t := &task{
		id:       "retry_" + uuid.NewString(),
		shadeID:  cmd.ShadeID,
		action:   cmd.Action,
		attempts: cmd.Attempts,
		issuedAt: e.clock.Now(),
		cancel:   cancel,
		ctx:      ctx,
		done:     make(chan struct{}),
	}

	e.mu.Lock()
	prev := e.byShade[cmd.ShadeID]
	e.byShade[cmd.ShadeID] = t
	e.mu.Unlock()

	if prev != nil {
		e.totalSuperseded.Add(1)
		e.recordCancellation()
		prev.cancelWith(ReasonSuperseded)
		select {
		case <-prev.done:
		case <-time.After(e.opts.SupersedeWait):
			e.logger.Warn().
				Str(xlog.FieldEvent, "retry.supersede_slow").
				Str(xlog.FieldTaskID, prev.id).
				Int(xlog.FieldShadeID, cmd.ShadeID).
				Msg("superseded task did not acknowledge teardown in time")
		}
		e.logger.Info().
			Str(xlog.FieldEvent, "retry.superseded").
			Str(xlog.FieldTaskID, prev.id).
			Int(xlog.FieldShadeID, cmd.ShadeID).
			Msg("previous task superseded, latest command wins")
	}

	metrics.IncRetryTaskStarted()
	go e.run(t)
	return t.id
}

// Cancel tears down the live task for a shade, if any.
func (e *Engine) Cancel(shadeID int) bool {
	e.mu.Lock()
	t := e.byShade[shadeID]
	delete(e.byShade, shadeID)
	e.mu.Unlock()
	if t == nil {
		return false
	}
	e.recordCancellation()
	t.cancelWith(ReasonCancelled)
	return true
}

// CancelIf tears down the live task for a shade only when it still is the
// given task. Scene-level cancellation uses this so it never kills a newer
// manual command.
func (e *Engine) CancelIf(shadeID int, taskID string) bool {
	e.mu.Lock()
	t := e.byShade[shadeID]
	if t == nil || t.id != taskID {
		e.mu.Unlock()
		return false
	}
	delete(e.byShade, shadeID)
	e.mu.Unlock()
	e.recordCancellation()
	t.cancelWith(ReasonCancelled)
	return true
}

// CancelAll tears down every live task and returns how many there were.
func (e *Engine) CancelAll() int {
	e.mu.Lock()
	live := make([]*task, 0, len(e.byShade))
	for _, t := range e.byShade {
		live = append(live, t)
	}
	e.byShade = map[int]*task{}
	e.mu.Unlock()

	for _, t := range live {
		e.recordCancellation()
		t.cancelWith(ReasonCancelled)
	}
	return len(live)
}

// WaitIdle blocks until no task is live or the timeout elapses. Shutdown
// helper; not part of the gateway surface.
func (e *Engine) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		n := len(e.byShade)
		e.mu.Unlock()
		if n == 0 {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func (e *Engine) run(t *task) {
	taskCtx, cancelTimeout := context.WithTimeoutCause(t.ctx, e.opts.TaskTimeout, reasonErr{ReasonTimeout})
	defer cancelTimeout()

	logger := e.logger.With().
		Str(xlog.FieldTaskID, t.id).
		Int(xlog.FieldShadeID, t.shadeID).
		Str("action", string(t.action)).
		Logger()
	logger.Info().Str(xlog.FieldEvent, "retry.task_started").Int("attempts", t.attempts).Msg("task started")

	reason := ReasonCompleted

attempts:
	for attempt := 1; attempt <= t.attempts; attempt++ {
		if taskCtx.Err() != nil {
			reason = e.terminalReason(taskCtx)
			break
		}

		e.attempt(taskCtx, t, attempt, logger)
		t.attemptsDone.Store(int32(attempt))

		if attempt == t.attempts {
			break
		}
		select {
		case <-taskCtx.Done():
			reason = e.terminalReason(taskCtx)
			break attempts
		case <-time.After(e.backoff(attempt)):
		}
	}
	if taskCtx.Err() != nil && reason == ReasonCompleted {
		reason = e.terminalReason(taskCtx)
	}

	t.reason.Store(reason)
	e.recordFinished(t.id, reason)
	if reason == ReasonTimeout {
		e.totalTimeoutKills.Add(1)
	}

	e.mu.Lock()
	if e.byShade[t.shadeID] == t {
		delete(e.byShade, t.shadeID)
	}
	e.mu.Unlock()

	metrics.IncRetryTaskFinished(string(reason))
	logger.Info().
		Str(xlog.FieldEvent, "retry.task_finished").
		Str(xlog.FieldReason, string(reason)).
		Dur("age", e.clock.Now().Sub(t.issuedAt)).
		Msg("task finished")
	close(t.done)
}

// attempt runs one bounded serial exchange. The send races its deadline so a
// misbehaving transport can never pin the task past its budget; errors are
// consumed here and surface only as metrics and logs.
func (e *Engine) attempt(taskCtx context.Context, t *task, n int, logger zerolog.Logger) {
	attemptCtx, cancel := context.WithTimeout(taskCtx, e.opts.AttemptTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- e.sender.Send(attemptCtx, t.shadeID, t.action)
	}()

	var err error
	select {
	case err = <-errCh:
	case <-attemptCtx.Done():
		err = attemptCtx.Err()
	}

	switch {
	case err == nil:
		metrics.IncRetryAttempt("ok")
		logger.Debug().Str(xlog.FieldEvent, "retry.attempt_ok").Int(xlog.FieldAttempt, n).Msg("attempt acknowledged")
	case errors.Is(err, context.DeadlineExceeded):
		metrics.IncRetryAttempt("timeout")
		logger.Warn().Str(xlog.FieldEvent, "retry.attempt_timeout").Int(xlog.FieldAttempt, n).Msg("attempt timed out")
	case errors.Is(err, context.Canceled):
		// Task-level cancellation; classified by the caller.
	default:
		metrics.IncRetryAttempt("error")
		logger.Warn().Err(err).Str(xlog.FieldEvent, "retry.attempt_failed").Int(xlog.FieldAttempt, n).Msg("attempt failed")
	}
}

// backoff returns min(BaseDelay * 2^(attempt-1), MaxDelay).
func (e *Engine) backoff(attempt int) time.Duration {
	d := e.opts.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= e.opts.MaxDelay {
			return e.opts.MaxDelay
		}
	}
	if d > e.opts.MaxDelay {
		return e.opts.MaxDelay
	}
	return d
}

func (e *Engine) terminalReason(ctx context.Context) TerminalReason {
	var re reasonErr
	if errors.As(context.Cause(ctx), &re) {
		return re.r
	}
	if errors.Is(context.Cause(ctx), context.DeadlineExceeded) {
		return ReasonTimeout
	}
	return ReasonCancelled
}

func (e *Engine) recordCancellation() {
	now := e.clock.Now()
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	keep := e.cancelTimes[:0]
	for _, ts := range e.cancelTimes {
		if now.Sub(ts) <= 5*time.Minute {
			keep = append(keep, ts)
		}
	}
	e.cancelTimes = append(keep, now)
}

func (e *Engine) recentCancellations() int {
	now := e.clock.Now()
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	n := 0
	for _, ts := range e.cancelTimes {
		if now.Sub(ts) <= 5*time.Minute {
			n++
		}
	}
	return n
}

// TaskInfo is a read-only view of one live task.
type TaskInfo struct {
	TaskID            string  `json:"task_id"`
	ShadeID           int     `json:"shade_id"`
	Action            string  `json:"action"`
	AgeSeconds        float64 `json:"age_seconds"`
	AttemptsRemaining int     `json:"attempts_remaining"`
	Suspicious        bool    `json:"suspicious,omitempty"`
}

// Metrics is the engine snapshot served over HTTP.
type Metrics struct {
	ActiveTasks          []TaskInfo     `json:"active_tasks"`
	ShadeTasks           map[int]string `json:"shade_tasks"`
	TotalZombiesDetected uint64         `json:"total_zombies_detected"`
	TotalZombiesCleaned  uint64         `json:"total_zombies_cleaned"`
	TotalTimeoutKills    uint64         `json:"total_timeout_kills"`
	TotalSuperseded      uint64         `json:"total_superseded"`
	CurrentWarnings      int            `json:"current_warnings"`
	RecentCancellations  int            `json:"recent_cancellations"`
}

// Snapshot returns a point-in-time view of the engine.
func (e *Engine) Snapshot() Metrics {
	now := e.clock.Now()

	e.mu.Lock()
	infos := make([]TaskInfo, 0, len(e.byShade))
	mapping := make(map[int]string, len(e.byShade))
	warnings := 0
	for id, t := range e.byShade {
		suspicious := t.suspicious.Load()
		if suspicious {
			warnings++
		}
		infos = append(infos, TaskInfo{
			TaskID:            t.id,
			ShadeID:           t.shadeID,
			Action:            string(t.action),
			AgeSeconds:        now.Sub(t.issuedAt).Seconds(),
			AttemptsRemaining: t.attempts - int(t.attemptsDone.Load()),
			Suspicious:        suspicious,
		})
		mapping[id] = t.id
	}
	e.mu.Unlock()

	return Metrics{
		ActiveTasks:          infos,
		ShadeTasks:           mapping,
		TotalZombiesDetected: e.totalZombiesDetected.Load(),
		TotalZombiesCleaned:  e.totalZombiesCleaned.Load(),
		TotalTimeoutKills:    e.totalTimeoutKills.Load(),
		TotalSuperseded:      e.totalSuperseded.Load(),
		CurrentWarnings:      warnings,
		RecentCancellations:  e.recentCancellations(),
	}
}

// TerminalReasonFor reports how a recently finished task ended. The engine
// retains a bounded window of finished tasks for observability.
func (e *Engine) TerminalReasonFor(taskID string) (TerminalReason, bool) {
	e.finishedMu.Lock()
	defer e.finishedMu.Unlock()
	r, ok := e.finished[taskID]
	return r, ok
}

const finishedWindow = 128

func (e *Engine) recordFinished(taskID string, r TerminalReason) {
	e.finishedMu.Lock()
	defer e.finishedMu.Unlock()
	if e.finished == nil {
		e.finished = map[string]TerminalReason{}
	}
	e.finished[taskID] = r
	e.finishedOrder = append(e.finishedOrder, taskID)
	for len(e.finishedOrder) > finishedWindow {
		delete(e.finished, e.finishedOrder[0])
		e.finishedOrder = e.finishedOrder[1:]
	}
}
