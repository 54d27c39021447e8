// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/montyhome/homectl/internal/audio"
	"github.com/montyhome/homectl/internal/gateway"
	"github.com/montyhome/homectl/internal/health"
	"github.com/montyhome/homectl/internal/log"
	"github.com/montyhome/homectl/internal/scenes"
	"github.com/montyhome/homectl/internal/scheduler"
	"github.com/montyhome/homectl/internal/serial"
	"github.com/montyhome/homectl/internal/shades"
)

// SerialControl is the transport slice the reconnect endpoint drives.
type SerialControl interface {
	Reconnect(ctx context.Context) (serial.Status, error)
	Status() serial.Status
}

// Server wires the HTTP surface over the daemon's components.
type Server struct {
	gateway *gateway.Gateway
	sched   *scheduler.Scheduler
	audio   *audio.Manager
	serial  SerialControl
	shades  *shades.Registry
	scenes  *scenes.Registry
	health  *health.Manager
	logger  zerolog.Logger
}

// Deps carries the server's collaborators. Audio and Serial may be nil in
// reduced deployments; their endpoints answer 503.
type Deps struct {
	Gateway *gateway.Gateway
	Sched   *scheduler.Scheduler
	Audio   *audio.Manager
	Serial  SerialControl
	Shades  *shades.Registry
	Scenes  *scenes.Registry
	Health  *health.Manager
}

// New builds the server.
func New(deps Deps) *Server {
	return &Server{
		gateway: deps.Gateway,
		sched:   deps.Sched,
		audio:   deps.Audio,
		serial:  deps.Serial,
		shades:  deps.Shades,
		scenes:  deps.Scenes,
		health:  deps.Health,
		logger:  log.WithComponent("api"),
	}
}

// Router assembles the middleware stack and routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(Recoverer)
	r.Use(RequestID)
	r.Use(Logging)
	r.Use(RateLimit(120, time.Minute))

	// Raw probes for systemd and container healthchecks.
	r.Get("/healthz", s.health.ServeHealth)
	r.Get("/readyz", s.health.ServeReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/health", s.handleHealth)

	r.Route("/shades", func(r chi.Router) {
		r.Get("/", s.handleShadeList)
		r.Get("/{id}", s.handleShadeGet)
		r.Post("/{id}/command", s.handleShadeCommand)
	})

	r.Route("/scenes", func(r chi.Router) {
		r.Get("/", s.handleSceneList)
		r.Post("/{name}/execute", s.handleSceneExecute)
	})

	r.Get("/retries", s.handleRetries)
	r.Delete("/retries/all", s.handleRetriesCancelAll)

	r.Post("/arduino/reconnect", s.handleArduinoReconnect)

	r.Route("/scheduler", func(r chi.Router) {
		r.Get("/status", s.handleSchedulerStatus)
		r.Post("/trigger", s.handleSchedulerTrigger)
		r.Post("/wake-up", s.handleWakeUpSet)
		r.Delete("/wake-up", s.handleWakeUpDisable)
		r.Get("/wake-up/status", s.handleWakeUpStatus)
	})

	r.Route("/audio", func(r chi.Router) {
		r.Post("/start", s.handleAudioStart)
		r.Post("/stop", s.handleAudioStop)
		r.Get("/status", s.handleAudioStatus)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, CodeNotFound, "no such endpoint", nil)
	})
	return r
}
