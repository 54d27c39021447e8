// SPDX-License-Identifier: MIT

package audio

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	xlog "github.com/montyhome/homectl/internal/log"
	"github.com/montyhome/homectl/internal/metrics"
)

// StartupBudget bounds one whole startup attempt, Bluetooth connect
// included.
const StartupBudget = 90 * time.Second

// ConnectBudget bounds the slow-path Bluetooth connect.
const ConnectBudget = 60 * time.Second

// Result describes how a startup request ended.
type Result struct {
	Success bool   `json:"success"`
	Skipped bool   `json:"skipped,omitempty"`
	Path    string `json:"path,omitempty"`   // fast|slow
	Reason  string `json:"reason,omitempty"` // already_running|bt_failed
	Error   string `json:"error,omitempty"`
}

// Manager is the audio startup state machine. Concurrent start requests are
// coalesced: a caller arriving while a startup is in flight shares its
// outcome.
type Manager struct {
	bt     Bluetooth
	player Player
	group  singleflight.Group
	logger zerolog.Logger
}

// NewManager wires the startup machine.
func NewManager(bt Bluetooth, player Player) *Manager {
	return &Manager{
		bt:     bt,
		player: player,
		logger: xlog.WithComponent("audio"),
	}
}

// Start requests a player startup. The work is detached from the caller's
// context so every coalesced caller sees the same outcome; the overall
// budget bounds it instead.
func (m *Manager) Start(ctx context.Context, trigger string) (Result, error) {
	v, err, shared := m.group.Do("start", func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.Background(), StartupBudget)
		defer cancel()
		return m.start(runCtx, trigger), nil
	})
	if err != nil {
		return Result{}, err
	}
	res := v.(Result)
	if shared {
		m.logger.Debug().
			Str(xlog.FieldEvent, "audio.start_coalesced").
			Str("trigger", trigger).
			Msg("joined in-flight startup")
	}
	return res, nil
}

func (m *Manager) start(ctx context.Context, trigger string) Result {
	logger := m.logger.With().Str("trigger", trigger).Logger()

	if m.player.IsRunning() {
		logger.Info().
			Str(xlog.FieldEvent, "audio.start_skipped").
			Msg("player already running")
		metrics.IncAudioStartup("skipped")
		return Result{Skipped: true, Reason: "already_running"}
	}

	st, err := m.bt.Status(ctx)
	if err != nil {
		logger.Warn().Err(err).
			Str(xlog.FieldEvent, "audio.bt_status_failed").
			Msg("bluetooth status query failed, trying connect")
	}

	if st.Connected && st.SinkReady {
		return m.launch(ctx, logger, "fast")
	}

	logger.Info().
		Str(xlog.FieldEvent, "audio.bt_connecting").
		Str("device", st.DeviceName).
		Msg("sink not ready, connecting")
	connectCtx, cancel := context.WithTimeout(ctx, ConnectBudget)
	err = m.bt.Connect(connectCtx)
	cancel()
	if err != nil {
		logger.Error().Err(err).
			Str(xlog.FieldEvent, "audio.bt_failed").
			Msg("bluetooth connect failed, not launching")
		metrics.IncAudioStartup("bt_failed")
		return Result{Success: false, Reason: "bt_failed", Error: err.Error()}
	}
	return m.launch(ctx, logger, "slow")
}

func (m *Manager) launch(ctx context.Context, logger zerolog.Logger, path string) Result {
	if err := m.player.Launch(ctx); err != nil {
		logger.Error().Err(err).
			Str(xlog.FieldEvent, "audio.launch_failed").
			Msg("player launch failed")
		metrics.IncAudioStartup("launch_failed")
		return Result{Success: false, Reason: "launch_failed", Error: err.Error()}
	}
	logger.Info().
		Str(xlog.FieldEvent, "audio.started").
		Str("path", path).
		Msg("player started")
	metrics.IncAudioStartup(path)
	return Result{Success: true, Path: path}
}

// Stop forwards to the player controller.
func (m *Manager) Stop() error { return m.player.Stop() }

// Running reports whether a player process is alive.
func (m *Manager) Running() bool { return m.player.IsRunning() }

// PlayerStatus reads the player's status document.
func (m *Manager) PlayerStatus() (PlayerStatus, error) { return m.player.Status() }
