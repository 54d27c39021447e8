// SPDX-License-Identifier: MIT

// Command daemon is the homectl control plane: shade commands, scene
// scheduling, the wake-up alarm and audio startup behind one HTTP surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/montyhome/homectl/internal/api"
	"github.com/montyhome/homectl/internal/audio"
	"github.com/montyhome/homectl/internal/clock"
	"github.com/montyhome/homectl/internal/config"
	"github.com/montyhome/homectl/internal/daemon"
	"github.com/montyhome/homectl/internal/gateway"
	"github.com/montyhome/homectl/internal/health"
	xlog "github.com/montyhome/homectl/internal/log"
	"github.com/montyhome/homectl/internal/retry"
	"github.com/montyhome/homectl/internal/scenes"
	"github.com/montyhome/homectl/internal/scheduler"
	"github.com/montyhome/homectl/internal/serial"
	"github.com/montyhome/homectl/internal/shades"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

const (
	serialBaud     = 115200
	sunUpstreamURL = "https://api.sunrise-sunset.org"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	xlog.Configure(xlog.Config{
		Level:   config.LogLevel(),
		Service: "homectl",
		Version: version,
	})
	logger := xlog.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("daemon failed")
		os.Exit(1)
	}
	logger.Info().Msg("daemon stopped")
}

func run(ctx context.Context, logger zerolog.Logger) error {
	if err := health.PerformStartupChecks(config.ConfigDir()); err != nil {
		return err
	}

	store, err := config.Open(config.SchedulerPath())
	if err != nil {
		return err
	}

	shadeReg := loadShadeRegistry(logger)
	sceneReg := loadSceneRegistry(logger, shadeReg)

	clk := clock.System{}

	allow, err := serial.LoadAllowList(config.SerialAllowListPath())
	if err != nil {
		return err
	}
	transport := serial.New(allow, serial.DefaultOpener(serialBaud), clk)
	defer func() { _ = transport.Close() }()

	gw := gateway.New(shadeReg, sceneReg, transport, clk, retry.Options{})

	cfg := store.Scheduler()
	oracle := clock.NewWeatherOracle(
		sunUpstreamURL,
		cfg.Location.Lat,
		cfg.Location.Lon,
		filepath.Join(config.ConfigDir(), "sun_cache.json"),
		clk,
	)

	audioMgr := buildAudioManager(logger)
	var starter scheduler.AudioStarter
	if audioMgr != nil {
		starter = scheduler.AudioStarterFunc(func(ctx context.Context, trigger string) error {
			_, err := audioMgr.Start(ctx, trigger)
			return err
		})
	}

	sched := scheduler.New(store, oracle, clk, gw, starter)

	hm := health.NewManager(version, transport)
	hm.RegisterChecker(health.NewSerialChecker(transport))
	hm.RegisterChecker(health.NewSchedulerChecker(func() int { return sched.Status().ScheduledJobs }))
	hm.RegisterChecker(health.NewFileChecker("scenes", config.ScenesPath()))

	server := api.New(api.Deps{
		Gateway: gw,
		Sched:   sched,
		Audio:   audioMgr,
		Serial:  transport,
		Shades:  shadeReg,
		Scenes:  sceneReg,
		Health:  hm,
	})

	app := daemon.NewApp(daemon.Deps{
		Store:      store,
		Engine:     gw.Engine(),
		Sched:      sched,
		SceneReg:   sceneReg,
		ScenesPath: config.ScenesPath(),
		ShadeReg:   shadeReg,
		Handler:    server.Router(),
		ListenAddr: config.ListenAddr(),
	})
	return app.Run(ctx)
}

// loadShadeRegistry reads the sqlite registry. A missing or empty database
// is tolerated so a fresh install can boot and be provisioned over HTTP.
func loadShadeRegistry(logger zerolog.Logger) *shades.Registry {
	db, err := shades.OpenDB(config.ShadeDBPath())
	if err != nil {
		logger.Warn().Err(err).
			Str(xlog.FieldEvent, "shades.db_unavailable").
			Msg("shade database unavailable, starting with empty registry")
		return shades.NewStaticRegistry(nil)
	}
	defer func() { _ = db.Close() }()

	reg, err := shades.LoadRegistry(db)
	if err != nil {
		logger.Warn().Err(err).
			Str(xlog.FieldEvent, "shades.load_failed").
			Msg("shade registry load failed, starting with empty registry")
		return shades.NewStaticRegistry(nil)
	}
	logger.Info().Int("shades", reg.Len()).Msg("shade registry loaded")
	return reg
}

// loadSceneRegistry reads the scene document. A missing document yields an
// empty set; SIGHUP reloads it later.
func loadSceneRegistry(logger zerolog.Logger, shadeReg *shades.Registry) *scenes.Registry {
	reg, err := scenes.Load(config.ScenesPath(), shadeReg)
	if err != nil {
		logger.Warn().Err(err).
			Str(xlog.FieldEvent, "scenes.load_failed").
			Msg("scene document unavailable, starting with empty set")
		empty, _ := scenes.NewStatic(nil, shadeReg)
		return empty
	}
	return reg
}

// buildAudioManager wires the Bluetooth sink and player controller. Audio
// is optional: without a configured speaker the endpoints answer 503 and
// the wake-up sequence skips the music step.
func buildAudioManager(logger zerolog.Logger) *audio.Manager {
	devicePath := config.BluetoothDevicePath()
	if devicePath == "" {
		logger.Info().Msg("no bluetooth device configured, audio disabled")
		return nil
	}
	bt, err := audio.NewBlueZClient(devicePath)
	if err != nil {
		logger.Warn().Err(err).
			Str(xlog.FieldEvent, "audio.bluez_unavailable").
			Msg("bluez unavailable, audio disabled")
		return nil
	}
	player := audio.NewPlayerController(config.PlayerExecPath(), nil, config.ConfigDir())
	return audio.NewManager(bt, player)
}
