// SPDX-License-Identifier: MIT

// Package scheduler materializes the daily scene jobs and owns the wake-up
// alarm. Jobs are one-shot instants recomputed at 00:05 local time, at
// startup and after configuration writes.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/montyhome/homectl/internal/clock"
	"github.com/montyhome/homectl/internal/config"
	xlog "github.com/montyhome/homectl/internal/log"
	"github.com/montyhome/homectl/internal/metrics"
)

// Grace is the missed-schedule recovery window: a job whose instant passed
// within this window since startup fires once immediately.
const Grace = 15 * time.Minute

// SceneRunner is the slice of the gateway the scheduler needs.
type SceneRunner interface {
	ExecuteScene(ctx context.Context, name string) ([]int, error)
}

// AudioStarter requests a best-effort audio startup.
type AudioStarter interface {
	Start(ctx context.Context, trigger string) error
}

// AudioStarterFunc adapts a function to AudioStarter.
type AudioStarterFunc func(ctx context.Context, trigger string) error

func (f AudioStarterFunc) Start(ctx context.Context, trigger string) error { return f(ctx, trigger) }

// oneShot schedules a single absolute instant. After the instant passes the
// entry never fires again; re-materialization removes it.
type oneShot struct{ at time.Time }

func (s oneShot) Next(t time.Time) time.Time {
	if s.at.After(t) {
		return s.at
	}
	return time.Time{}
}

type jobInfo struct {
	entry cron.EntryID
	at    time.Time
}

// Scheduler owns the cron runner, the materialized scene jobs and the
// wake-up orchestrator.
type Scheduler struct {
	store  *config.Store
	oracle clock.Oracle
	clk    clock.Clock
	runner SceneRunner
	audio  AudioStarter
	logger zerolog.Logger

	cron *cron.Cron

	mu        sync.Mutex
	jobs      map[string]jobInfo
	lastExec  map[string]time.Time
	lastScene string

	wakeup *WakeUp
}

// New builds a scheduler. audio may be nil when music is out of scope for
// the deployment.
func New(store *config.Store, oracle clock.Oracle, clk clock.Clock, runner SceneRunner, audio AudioStarter) *Scheduler {
	tz := store.Scheduler().TimeZone()
	s := &Scheduler{
		store:    store,
		oracle:   oracle,
		clk:      clk,
		runner:   runner,
		audio:    audio,
		logger:   xlog.WithComponent("scheduler"),
		cron:     cron.New(cron.WithLocation(tz)),
		jobs:     map[string]jobInfo{},
		lastExec: map[string]time.Time{},
	}
	s.wakeup = newWakeUp(store, clk, runner, audio, s.gateBlocked)
	return s
}

// WakeUp returns the wake-up orchestrator.
func (s *Scheduler) WakeUp() *WakeUp { return s.wakeup }

// Run starts the cron loop, materializes the initial job set, re-arms a
// persisted wake-up and re-materializes on every configuration change. It
// blocks until ctx is cancelled.
//
// A timezone change in the configuration takes effect for scene instants on
// the next materialization; the 00:05 re-materialization anchor keeps the
// zone bound at construction until restart.
func (s *Scheduler) Run(ctx context.Context) error {
	if _, err := s.cron.AddFunc("5 0 * * *", func() { s.Materialize(context.Background()) }); err != nil {
		return err
	}
	s.cron.Start()
	defer func() { <-s.cron.Stop().Done() }()
	defer s.wakeup.shutdown()

	s.Materialize(ctx)
	s.wakeup.rearmFromConfig()

	sub := s.store.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub:
			s.Materialize(ctx)
		}
	}
}

// Materialize replaces every scene job with freshly computed instants for
// the current local day, then runs the missed-schedule recovery pass. The
// armed wake-up is untouched.
func (s *Scheduler) Materialize(ctx context.Context) {
	cfg := s.store.Scheduler()
	tz := cfg.TimeZone()
	now := clock.NowIn(s.clk, tz)

	sun, err := s.oracle.SunTimes(ctx, now, tz)
	if err != nil {
		s.logger.Error().Err(err).
			Str(xlog.FieldEvent, "scheduler.sun_unavailable").
			Msg("sun events unavailable, skipping sun-anchored jobs")
	}
	triggers := sceneTriggers(cfg, sun, now, tz)

	s.mu.Lock()
	for _, info := range s.jobs {
		s.cron.Remove(info.entry)
	}
	s.jobs = make(map[string]jobInfo, len(triggers))
	for name, at := range triggers {
		if !at.After(now) {
			continue
		}
		id := s.cron.Schedule(oneShot{at: at}, cron.FuncJob(func() { s.fire(name) }))
		s.jobs[name] = jobInfo{entry: id, at: at}
	}
	count := len(s.jobs)
	s.mu.Unlock()

	metrics.RecordSchedulerJobs(count)
	s.logger.Info().
		Str(xlog.FieldEvent, "scheduler.materialized").
		Int("jobs", count).
		Str("sun_source", string(sun.Source)).
		Msg("scene jobs materialized")

	s.recoverMissed(triggers, now)
}

// sceneTriggers computes today's local fire instants for the daily scenes.
// A sun figure that did not come from the upstream service degrades
// good_night to sunset plus 30 minutes.
func sceneTriggers(cfg config.Scheduler, sun clock.SunTimes, now time.Time, tz *time.Location) map[string]time.Time {
	triggers := map[string]time.Time{}

	if hour, minute, err := config.ParseClock(cfg.Scenes.GoodAfternoonTime); err == nil {
		triggers["good_afternoon"] = time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, tz)
	}
	if !sun.Sunset.IsZero() {
		offset := time.Duration(cfg.Scenes.GoodEveningOffsetMinutes) * time.Minute
		triggers["good_evening"] = sun.Sunset.In(tz).Add(offset)

		goodNight := sun.Sunset.In(tz).Add(30 * time.Minute)
		if cfg.Scenes.GoodNightTiming == config.GoodNightCivilTwilightEnd && sun.Source == clock.SourceUpstream {
			goodNight = sun.CivilTwilightEnd.In(tz)
		}
		triggers["good_night"] = goodNight
	}
	return triggers
}

// recoverMissed fires, once, every job whose instant lies within the grace
// window behind now and that has not already run for that instant.
func (s *Scheduler) recoverMissed(triggers map[string]time.Time, now time.Time) {
	for name, at := range triggers {
		if at.After(now) || now.Sub(at) > Grace {
			continue
		}
		s.mu.Lock()
		done := !s.lastExec[name].Before(at)
		s.mu.Unlock()
		if done {
			continue
		}
		s.logger.Info().
			Str(xlog.FieldEvent, "scheduler.missed_recovery").
			Str(xlog.FieldScene, name).
			Time("scheduled_at", at).
			Msg("executing missed job within grace")
		go s.fire(name)
	}
}

// fire runs one scheduled scene, honoring the home/away gate. Each firing
// runs on its own goroutine so a slow scene never delays the next trigger.
func (s *Scheduler) fire(name string) {
	cfg := s.store.Scheduler()
	tz := cfg.TimeZone()
	now := clock.NowIn(s.clk, tz)

	if s.gateBlocked(now) {
		s.logger.Info().
			Str(xlog.FieldEvent, "scheduler.home_away_blocked").
			Str(xlog.FieldScene, name).
			Msg("HomeAwayBlocked: skipping scheduled scene")
		metrics.IncSceneExecution(name, "blocked")
		return
	}

	s.mu.Lock()
	s.lastExec[name] = now
	s.lastScene = name
	s.mu.Unlock()

	if _, err := s.runner.ExecuteScene(context.Background(), name); err != nil {
		s.logger.Error().Err(err).
			Str(xlog.FieldEvent, "scheduler.scene_failed").
			Str(xlog.FieldScene, name).
			Msg("scheduled scene failed")
		metrics.IncSceneExecution(name, "error")
		return
	}
	metrics.IncSceneExecution(name, "ok")

	if name == "good_evening" && cfg.Music.EnabledForEvening && s.audio != nil {
		if err := s.audio.Start(context.Background(), "good_evening"); err != nil {
			s.logger.Warn().Err(err).
				Str(xlog.FieldEvent, "scheduler.audio_start_failed").
				Msg("evening audio startup failed")
		}
	}
}

// gateBlocked reports whether the home/away gate suppresses scheduled
// execution at the given local instant.
func (s *Scheduler) gateBlocked(localNow time.Time) bool {
	ha := s.store.Scheduler().HomeAway
	if ha.Status == config.StatusAway {
		return true
	}
	for _, p := range ha.AwayPeriods {
		if p.Contains(localNow) {
			return true
		}
	}
	return false
}

// JobStatus describes one pending scene job.
type JobStatus struct {
	Scene        string `json:"scene"`
	NextFireTime string `json:"next_fire_time"`
}

// Status is the scheduler snapshot served over HTTP.
type Status struct {
	TimeZone          string       `json:"timezone"`
	ScheduledJobs     int          `json:"scheduled_jobs"`
	Jobs              []JobStatus  `json:"jobs"`
	LastExecutedScene string       `json:"last_executed_scene,omitempty"`
	HomeAway          string       `json:"home_away_status"`
	WakeUp            WakeUpStatus `json:"wake_up"`
}

// Status returns a point-in-time view. The armed wake-up counts as a
// scheduled job.
func (s *Scheduler) Status() Status {
	cfg := s.store.Scheduler()
	tz := cfg.TimeZone()

	wk := s.wakeup.Status()

	s.mu.Lock()
	jobs := make([]JobStatus, 0, len(s.jobs))
	for name, info := range s.jobs {
		jobs = append(jobs, JobStatus{Scene: name, NextFireTime: info.at.In(tz).Format(time.RFC3339)})
	}
	count := len(s.jobs)
	last := s.lastScene
	s.mu.Unlock()

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].NextFireTime < jobs[j].NextFireTime })
	if wk.Enabled {
		count++
	}
	return Status{
		TimeZone:          tz.String(),
		ScheduledJobs:     count,
		Jobs:              jobs,
		LastExecutedScene: last,
		HomeAway:          string(cfg.HomeAway.Status),
		WakeUp:            wk,
	}
}
