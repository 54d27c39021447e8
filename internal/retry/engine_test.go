// SPDX-License-Identifier: MIT

package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/montyhome/homectl/internal/clock"
	"github.com/montyhome/homectl/internal/shades"
)

// recordingSender captures every attempt it sees.
type recordingSender struct {
	mu    sync.Mutex
	sends []string
	delay time.Duration
	err   error
}

func (s *recordingSender) Send(ctx context.Context, shadeID int, action shades.Action) error {
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.delay):
		}
	}
	s.mu.Lock()
	s.sends = append(s.sends, string(shades.CommandFrame(shadeID, action)))
	s.mu.Unlock()
	return s.err
}

func (s *recordingSender) frames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sends...)
}

func fastOptions() Options {
	return Options{
		AttemptTimeout: 100 * time.Millisecond,
		TaskTimeout:    time.Second,
		BaseDelay:      5 * time.Millisecond,
		MaxDelay:       20 * time.Millisecond,
		SupersedeWait:  200 * time.Millisecond,
	}
}

func waitFinished(t *testing.T, e *Engine, taskID string, within time.Duration) TerminalReason {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if r, ok := e.TerminalReasonFor(taskID); ok {
			return r
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("task %s did not finish within %v", taskID, within)
	return ""
}

func TestTaskRunsFullAttemptSchedule(t *testing.T) {
	defer goleak.VerifyNone(t)
	sender := &recordingSender{}
	e := New(sender, clock.System{}, fastOptions())

	id := e.Submit(Command{ShadeID: 14, Action: shades.ActionDown, Attempts: 4})
	reason := waitFinished(t, e, id, 2*time.Second)

	assert.Equal(t, ReasonCompleted, reason)
	assert.Equal(t, []string{"d14", "d14", "d14", "d14"}, sender.frames())
	assert.Empty(t, e.Snapshot().ActiveTasks)
}

func TestLatestCommandWins(t *testing.T) {
	defer goleak.VerifyNone(t)
	sender := &recordingSender{delay: 30 * time.Millisecond}
	e := New(sender, clock.System{}, fastOptions())

	first := e.Submit(Command{ShadeID: 14, Action: shades.ActionDown, Attempts: 4})
	time.Sleep(10 * time.Millisecond)
	second := e.Submit(Command{ShadeID: 14, Action: shades.ActionUp, Attempts: 4})

	assert.Equal(t, ReasonSuperseded, waitFinished(t, e, first, 2*time.Second))

	// At most one live task for the shade, and it is the new one.
	snap := e.Snapshot()
	if tid, ok := snap.ShadeTasks[14]; ok {
		assert.Equal(t, second, tid)
	}
	assert.LessOrEqual(t, len(snap.ActiveTasks), 1)

	assert.Equal(t, ReasonCompleted, waitFinished(t, e, second, 2*time.Second))
	assert.Contains(t, sender.frames(), "u14")
	assert.Equal(t, uint64(1), e.Snapshot().TotalSuperseded)
}

func TestConcurrentSubmitsKeepOneTaskPerShade(t *testing.T) {
	defer goleak.VerifyNone(t)
	sender := &recordingSender{}
	e := New(sender, clock.System{}, fastOptions())

	var wg sync.WaitGroup
	ids := make([]string, 20)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = e.Submit(Command{ShadeID: 7, Action: shades.ActionUp, Attempts: 2})
		}(i)
	}
	wg.Wait()

	snap := e.Snapshot()
	assert.LessOrEqual(t, len(snap.ActiveTasks), 1)
	for _, id := range ids {
		waitFinished(t, e, id, 3*time.Second)
	}
	assert.Empty(t, e.Snapshot().ActiveTasks)
}

func TestTaskTimeoutKill(t *testing.T) {
	defer goleak.VerifyNone(t)
	// The sender honors ctx but blocks far past every budget.
	blocking := SenderFunc(func(ctx context.Context, shadeID int, action shades.Action) error {
		<-ctx.Done()
		return ctx.Err()
	})
	opts := fastOptions()
	opts.AttemptTimeout = 2 * time.Second // attempts never finish on their own
	opts.TaskTimeout = 150 * time.Millisecond
	e := New(blocking, clock.System{}, opts)

	start := time.Now()
	id := e.Submit(Command{ShadeID: 28, Action: shades.ActionDown, Attempts: 3})
	reason := waitFinished(t, e, id, 2*time.Second)

	assert.Equal(t, ReasonTimeout, reason)
	assert.Less(t, time.Since(start), time.Second)
	snap := e.Snapshot()
	assert.Equal(t, uint64(1), snap.TotalTimeoutKills)
	assert.Equal(t, uint64(0), snap.TotalZombiesCleaned)
	assert.Empty(t, snap.ActiveTasks)
}

func TestCancelAndCancelAll(t *testing.T) {
	defer goleak.VerifyNone(t)
	sender := &recordingSender{delay: 50 * time.Millisecond}
	e := New(sender, clock.System{}, fastOptions())

	a := e.Submit(Command{ShadeID: 1, Action: shades.ActionUp, Attempts: 10})
	b := e.Submit(Command{ShadeID: 2, Action: shades.ActionDown, Attempts: 10})

	assert.True(t, e.Cancel(1))
	assert.False(t, e.Cancel(1))
	assert.Equal(t, ReasonCancelled, waitFinished(t, e, a, 2*time.Second))

	assert.Equal(t, 1, e.CancelAll())
	assert.Equal(t, ReasonCancelled, waitFinished(t, e, b, 2*time.Second))
	assert.Equal(t, 0, e.CancelAll())
}

func TestZombieMonitor(t *testing.T) {
	defer goleak.VerifyNone(t)
	blocking := SenderFunc(func(ctx context.Context, shadeID int, action shades.Action) error {
		<-ctx.Done()
		return ctx.Err()
	})
	fake := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	opts := fastOptions()
	opts.AttemptTimeout = time.Hour
	opts.TaskTimeout = 2 * time.Hour // out of the way so the reaper acts first
	e := New(blocking, fake, opts)

	id := e.Submit(Command{ShadeID: 5, Action: shades.ActionUp, Attempts: 1})

	// Young task: untouched.
	e.reapOnce()
	snap := e.Snapshot()
	assert.Equal(t, uint64(0), snap.TotalZombiesDetected)

	// Past the suspect age: flagged, still live.
	fake.Advance(6 * time.Minute)
	e.reapOnce()
	snap = e.Snapshot()
	assert.Equal(t, uint64(1), snap.TotalZombiesDetected)
	assert.Equal(t, 1, snap.CurrentWarnings)
	require.Len(t, snap.ActiveTasks, 1)
	assert.True(t, snap.ActiveTasks[0].Suspicious)

	// Flagging is once per task.
	e.reapOnce()
	assert.Equal(t, uint64(1), e.Snapshot().TotalZombiesDetected)

	// Past the kill age: reaped.
	fake.Advance(time.Hour)
	e.reapOnce()
	assert.Equal(t, ReasonZombie, waitFinished(t, e, id, 2*time.Second))
	snap = e.Snapshot()
	assert.Equal(t, uint64(1), snap.TotalZombiesCleaned)
	assert.Empty(t, snap.ActiveTasks)
}

func TestMonitorLoopStops(t *testing.T) {
	defer goleak.VerifyNone(t)
	e := New(&recordingSender{}, clock.System{}, Options{MonitorTick: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.RunMonitor(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestSenderErrorsAreConsumed(t *testing.T) {
	defer goleak.VerifyNone(t)
	sender := &recordingSender{err: errors.New("port gone")}
	e := New(sender, clock.System{}, fastOptions())

	id := e.Submit(Command{ShadeID: 9, Action: shades.ActionStop, Attempts: 3})
	// Errors never escape the task; it completes its schedule.
	assert.Equal(t, ReasonCompleted, waitFinished(t, e, id, 2*time.Second))
	assert.Len(t, sender.frames(), 3)
}

func TestBackoffSchedule(t *testing.T) {
	e := New(&recordingSender{}, clock.System{}, Options{})
	assert.Equal(t, 500*time.Millisecond, e.backoff(1))
	assert.Equal(t, time.Second, e.backoff(2))
	assert.Equal(t, 2*time.Second, e.backoff(3))
	assert.Equal(t, 4*time.Second, e.backoff(4))
	assert.Equal(t, 4*time.Second, e.backoff(5))
	assert.Equal(t, 4*time.Second, e.backoff(12))
}
