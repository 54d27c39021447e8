// SPDX-License-Identifier: MIT

// Package gateway fronts the serial transmitter: it validates shade
// commands, enforces latest-command-wins through the retry engine and walks
// scene sequences.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/montyhome/homectl/internal/clock"
	xlog "github.com/montyhome/homectl/internal/log"
	"github.com/montyhome/homectl/internal/retry"
	"github.com/montyhome/homectl/internal/scenes"
	"github.com/montyhome/homectl/internal/shades"
)

// DefaultRetryCount applies to direct shade commands issued without a scene
// context.
const DefaultRetryCount = 3

// FrameSender is the slice of the serial transport the gateway needs.
type FrameSender interface {
	SendFrame(ctx context.Context, frame []byte) ([]byte, error)
}

// Gateway accepts shade and scene requests and drives the retry engine.
type Gateway struct {
	registry  *shades.Registry
	scenes    *scenes.Registry
	transport FrameSender
	engine    *retry.Engine
	logger    zerolog.Logger
}

// New wires a gateway; the retry engine is owned by the gateway and sends
// frames through the given transport.
func New(reg *shades.Registry, sc *scenes.Registry, transport FrameSender, clk clock.Clock, opts retry.Options) *Gateway {
	g := &Gateway{
		registry:  reg,
		scenes:    sc,
		transport: transport,
		logger:    xlog.WithComponent("gateway"),
	}
	sender := retry.SenderFunc(func(ctx context.Context, shadeID int, action shades.Action) error {
		_, err := transport.SendFrame(ctx, shades.CommandFrame(shadeID, action))
		return err
	})
	g.engine = retry.New(sender, clk, opts)
	return g
}

// Engine exposes the retry engine for the monitor loop and the HTTP
// snapshot endpoint.
func (g *Gateway) Engine() *retry.Engine { return g.engine }

// Command accepts a (shade, action) request. Acceptance means a retry task
// was started; it does not mean the RF signal is out yet. retryCount < 0
// selects the default.
func (g *Gateway) Command(ctx context.Context, shadeID int, action shades.Action, retryCount int) (string, error) {
	if _, ok := g.registry.Get(shadeID); !ok {
		return "", fmt.Errorf("%w: %d", shades.ErrShadeNotFound, shadeID)
	}
	if retryCount < 0 {
		retryCount = DefaultRetryCount
	}
	taskID := g.engine.Submit(retry.Command{
		ShadeID:  shadeID,
		Action:   action,
		Attempts: retryCount + 1,
	})
	logger := xlog.WithContext(ctx, g.logger)
	logger.Info().
		Str(xlog.FieldEvent, "gateway.command_accepted").
		Int(xlog.FieldShadeID, shadeID).
		Str("action", string(action)).
		Str(xlog.FieldTaskID, taskID).
		Msg("command accepted")
	return taskID, nil
}

// CommandGroup sends one group-level frame. Group frames fan out inside the
// firmware, so there is no per-shade retry task; the transmission is a
// single bounded exchange.
func (g *Gateway) CommandGroup(ctx context.Context, group string, action shades.Action) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := g.transport.SendFrame(ctx, shades.GroupFrame(group, action))
	if err != nil {
		return fmt.Errorf("group command %q: %w", group, err)
	}
	return nil
}

// ExecuteScene walks a scene's steps: sleep the step delay, then issue the
// command with the scene's retry budget. The whole walk is bounded by the
// scene timeout; on overrun every still-live task the scene spawned is
// cancelled.
func (g *Gateway) ExecuteScene(ctx context.Context, name string) ([]int, error) {
	sc, ok := g.scenes.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", scenes.ErrSceneNotFound, name)
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(sc.TimeoutSeconds)*time.Second)
	defer cancel()

	logger := xlog.WithContext(ctx, g.logger).With().Str(xlog.FieldScene, name).Logger()
	logger.Info().Str(xlog.FieldEvent, "gateway.scene_started").Int("steps", len(sc.Steps)).Msg("scene started")

	accepted := make([]int, 0, len(sc.Steps))
	spawned := make(map[int]string, len(sc.Steps))

	for i, step := range sc.Steps {
		if step.DelayMsBefore > 0 {
			select {
			case <-ctx.Done():
				g.cancelSpawned(spawned, logger)
				return accepted, fmt.Errorf("scene %q timed out at step %d: %w", name, i, ctx.Err())
			case <-time.After(time.Duration(step.DelayMsBefore) * time.Millisecond):
			}
		}
		if ctx.Err() != nil {
			g.cancelSpawned(spawned, logger)
			return accepted, fmt.Errorf("scene %q timed out at step %d: %w", name, i, ctx.Err())
		}

		action, err := shades.ParseAction(step.Action)
		if err != nil {
			// Unreachable after registry validation; a stale document is
			// skipped rather than aborting the walk.
			logger.Warn().Err(err).Int("step", i).Msg("skipping invalid step")
			continue
		}
		taskID, err := g.Command(ctx, step.ShadeID, action, sc.RetryCount)
		if err != nil {
			logger.Warn().Err(err).Int("step", i).Msg("skipping unknown shade")
			continue
		}
		accepted = append(accepted, step.ShadeID)
		spawned[step.ShadeID] = taskID
	}

	logger.Info().Str(xlog.FieldEvent, "gateway.scene_accepted").Ints("shade_ids", accepted).Msg("scene steps accepted")
	return accepted, nil
}

func (g *Gateway) cancelSpawned(spawned map[int]string, logger zerolog.Logger) {
	n := 0
	for shadeID, taskID := range spawned {
		if g.engine.CancelIf(shadeID, taskID) {
			n++
		}
	}
	if n > 0 {
		logger.Warn().Str(xlog.FieldEvent, "gateway.scene_cancelled_tasks").Int("cancelled", n).Msg("scene overrun cancelled live tasks")
	}
}

// CancelAll cancels every live retry task.
func (g *Gateway) CancelAll() int {
	return g.engine.CancelAll()
}

// ListActive returns a snapshot of the live tasks.
func (g *Gateway) ListActive() []retry.TaskInfo {
	return g.engine.Snapshot().ActiveTasks
}
