// SPDX-License-Identifier: MIT

// Package metrics exposes the daemon's prometheus series.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Retry engine
	retryTasksStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "homectl_retry_tasks_started_total",
		Help: "Retry tasks accepted by the engine",
	})
	retryTasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "homectl_retry_tasks_finished_total",
		Help: "Retry tasks by terminal reason",
	}, []string{"reason"}) // reason=completed|superseded|cancelled|timeout|zombie
	retryTasksActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "homectl_retry_tasks_active",
		Help: "Currently live retry tasks",
	})
	retryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "homectl_retry_attempts_total",
		Help: "Serial command attempts by outcome",
	}, []string{"outcome"}) // outcome=ok|error|timeout
	retryZombiesDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "homectl_retry_zombies_detected_total",
		Help: "Tasks flagged suspicious by the zombie monitor",
	})

	// Serial transport
	serialFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "homectl_serial_frames_total",
		Help: "Serial frame exchanges by outcome",
	}, []string{"outcome"}) // outcome=ok|error|timeout
	serialReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "homectl_serial_reconnects_total",
		Help: "Serial reconnect attempts by outcome",
	}, []string{"outcome"}) // outcome=ok|error

	// Scheduler
	sceneExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "homectl_scene_executions_total",
		Help: "Scene executions by scene and outcome",
	}, []string{"scene", "outcome"}) // outcome=ok|skipped_away|error
	schedulerJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "homectl_scheduler_jobs",
		Help: "Materialized scheduler jobs (including an armed wake-up)",
	})

	// Wake-up
	wakeupFires = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "homectl_wakeup_fires_total",
		Help: "Wake-up firings by outcome",
	}, []string{"outcome"}) // outcome=ok|away_blocked|cancelled

	// Audio
	audioStartups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "homectl_audio_startups_total",
		Help: "Audio startup attempts by outcome",
	}, []string{"outcome"}) // outcome=fast|slow|skipped|bt_failed|error
)

func IncRetryTaskStarted()           { retryTasksStarted.Inc(); retryTasksActive.Inc() }
func IncRetryTaskFinished(r string)  { retryTasksFinished.WithLabelValues(r).Inc(); retryTasksActive.Dec() }
func IncRetryAttempt(outcome string) { retryAttempts.WithLabelValues(outcome).Inc() }
func IncRetryZombieDetected()        { retryZombiesDetected.Inc() }

func IncSerialFrame(outcome string)     { serialFrames.WithLabelValues(outcome).Inc() }
func IncSerialReconnect(outcome string) { serialReconnects.WithLabelValues(outcome).Inc() }

func IncSceneExecution(scene, outcome string) {
	sceneExecutions.WithLabelValues(scene, outcome).Inc()
}
func RecordSchedulerJobs(n int) { schedulerJobs.Set(float64(n)) }

func IncWakeupFire(outcome string)   { wakeupFires.WithLabelValues(outcome).Inc() }
func IncAudioStartup(outcome string) { audioStartups.WithLabelValues(outcome).Inc() }
