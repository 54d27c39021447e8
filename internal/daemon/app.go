// SPDX-License-Identifier: MIT

// Package daemon owns the long-lived runtime lifecycle: the HTTP server,
// the retry zombie monitor, the scheduler loop, the config watcher and the
// reload signal.
package daemon

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/montyhome/homectl/internal/config"
	xlog "github.com/montyhome/homectl/internal/log"
	"github.com/montyhome/homectl/internal/retry"
	"github.com/montyhome/homectl/internal/scenes"
	"github.com/montyhome/homectl/internal/scheduler"
	"github.com/montyhome/homectl/internal/shades"
)

// App ties the daemon's background subsystems together.
type App struct {
	logger       zerolog.Logger
	store        *config.Store
	engine       *retry.Engine
	sched        *scheduler.Scheduler
	sceneReg     *scenes.Registry
	scenesPath   string
	shadeReg     *shades.Registry
	handler      http.Handler
	listenAddr   string
	reloadSignal os.Signal
}

// Deps carries the app's collaborators.
type Deps struct {
	Store      *config.Store
	Engine     *retry.Engine
	Sched      *scheduler.Scheduler
	SceneReg   *scenes.Registry
	ScenesPath string
	ShadeReg   *shades.Registry
	Handler    http.Handler
	ListenAddr string
}

// NewApp creates the orchestrator.
func NewApp(deps Deps) *App {
	return &App{
		logger:       xlog.WithComponent("daemon"),
		store:        deps.Store,
		engine:       deps.Engine,
		sched:        deps.Sched,
		sceneReg:     deps.SceneReg,
		scenesPath:   deps.ScenesPath,
		shadeReg:     deps.ShadeReg,
		handler:      deps.Handler,
		listenAddr:   deps.ListenAddr,
		reloadSignal: syscall.SIGHUP,
	}
}

// Run starts every subsystem and blocks until ctx is cancelled or a fatal
// error occurs. Shutdown is cooperative: cancelling ctx drains the HTTP
// server and stops the loops.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	// Config watcher is best-effort: a failed watcher leaves SIGHUP as the
	// reload path.
	if err := a.store.StartWatcher(ctx); err != nil {
		a.logger.Warn().Err(err).
			Str(xlog.FieldEvent, "config.watcher_start_failed").
			Msg("failed to start config watcher")
	}

	g.Go(func() error {
		return a.runReloadSignal(ctx)
	})

	g.Go(func() error {
		return a.engine.RunMonitor(ctx)
	})

	g.Go(func() error {
		if err := a.sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	srv := &http.Server{
		Addr:              a.listenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		a.logger.Info().
			Str(xlog.FieldEvent, "daemon.listening").
			Str("addr", a.listenAddr).
			Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// runReloadSignal reloads the config document and the scene definitions on
// SIGHUP.
func (a *App) runReloadSignal(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, a.reloadSignal)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sigCh:
			a.logger.Info().
				Str(xlog.FieldEvent, "config.reload_signal").
				Str("signal", a.reloadSignal.String()).
				Msg("received reload signal")

			if err := a.store.Reload(); err != nil {
				a.logger.Warn().Err(err).
					Str(xlog.FieldEvent, "config.reload_failed").
					Msg("config reload failed")
			}
			if a.sceneReg != nil && a.scenesPath != "" {
				if err := a.sceneReg.Reload(a.scenesPath, a.shadeReg); err != nil {
					a.logger.Warn().Err(err).
						Str(xlog.FieldEvent, "scenes.reload_failed").
						Msg("scene reload failed, keeping previous set")
				}
			}
		}
	}
}
