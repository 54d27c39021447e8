// SPDX-License-Identifier: MIT

package audio

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	xlog "github.com/montyhome/homectl/internal/log"
)

// PlayerStatus mirrors the status file the player process maintains.
type PlayerStatus struct {
	State     string `json:"state"` // playing|paused|stopped
	Track     string `json:"track,omitempty"`
	StartedAt string `json:"started_at,omitempty"`
}

// ErrPlayerNotRunning reports a stop or status request with no live player.
var ErrPlayerNotRunning = errors.New("player not running")

// Player is the process-management slice the startup machine needs.
type Player interface {
	IsRunning() bool
	Launch(ctx context.Context) error
	Stop() error
	Status() (PlayerStatus, error)
}

// PlayerController launches and stops the player process. A lock file pins
// the pid; a /proc cmdline scan backs it up so a stale lock never blocks a
// start and a lost lock never doubles a player.
type PlayerController struct {
	execPath    string
	args        []string
	lockPath    string
	statusPath  string
	controlPath string // FIFO the player reads commands from
	procPattern string // substring identifying the player in /proc cmdlines
	procRoot    string
	logger      zerolog.Logger
}

// NewPlayerController builds a controller. dir holds the lock, status and
// control files.
func NewPlayerController(execPath string, args []string, dir string) *PlayerController {
	return &PlayerController{
		execPath:    execPath,
		args:        args,
		lockPath:    filepath.Join(dir, "player.lock"),
		statusPath:  filepath.Join(dir, "player_status.json"),
		controlPath: filepath.Join(dir, "player_control"),
		procPattern: filepath.Base(execPath),
		procRoot:    "/proc",
		logger:      xlog.WithComponent("player"),
	}
}

// IsRunning reports whether a player process is alive. The lock file's pid
// is checked first; a full cmdline scan catches a player that lost its
// lock. A stale lock is removed on the way.
func (p *PlayerController) IsRunning() bool {
	if pid, ok := p.lockedPid(); ok {
		if p.pidMatches(pid) {
			return true
		}
		p.logger.Debug().Int("pid", pid).Msg("removing stale player lock")
		_ = os.Remove(p.lockPath)
	}
	return p.scanProc() != 0
}

// Launch starts the player detached and writes the lock file. The caller
// must have established right-of-way via IsRunning.
func (p *PlayerController) Launch(ctx context.Context) error {
	if p.IsRunning() {
		return fmt.Errorf("player already running")
	}

	// Deliberately not bound to ctx: the player outlives the startup
	// sequence and is stopped through the control FIFO.
	cmd := exec.Command(p.execPath, p.args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("player: start %s: %w", p.execPath, err)
	}
	pid := cmd.Process.Pid
	// Detach: the player outlives us and is controlled via the FIFO.
	go func() { _ = cmd.Wait() }()

	if err := os.WriteFile(p.lockPath, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return fmt.Errorf("player: write lock: %w", err)
	}
	p.logger.Info().
		Str(xlog.FieldEvent, "player.launched").
		Int("pid", pid).
		Msg("player launched")
	return nil
}

// Stop signals the player and clears the status file. It returns within a
// second regardless of how long the player takes to wind down.
func (p *PlayerController) Stop() error {
	pid, locked := p.lockedPid()
	if !locked || !p.pidMatches(pid) {
		if pid = p.scanProc(); pid == 0 {
			return ErrPlayerNotRunning
		}
	}

	if err := p.writeControl("stop", time.Second); err != nil {
		// The FIFO path failed; fall back to a signal.
		if proc, perr := os.FindProcess(pid); perr == nil {
			_ = proc.Signal(os.Interrupt)
		}
	}

	_ = os.Remove(p.statusPath)
	_ = os.Remove(p.lockPath)
	p.logger.Info().
		Str(xlog.FieldEvent, "player.stopped").
		Int("pid", pid).
		Msg("player stop signalled")
	return nil
}

// Status reads the player's status file. The file is re-read until two
// consecutive reads hash identically, so a write racing the read never
// yields a torn document.
func (p *PlayerController) Status() (PlayerStatus, error) {
	var st PlayerStatus
	prev, err := os.ReadFile(p.statusPath)
	if err != nil {
		if os.IsNotExist(err) {
			return st, ErrPlayerNotRunning
		}
		return st, fmt.Errorf("player: read status: %w", err)
	}
	for range 3 {
		cur, err := os.ReadFile(p.statusPath)
		if err != nil {
			return st, fmt.Errorf("player: read status: %w", err)
		}
		if sha256.Sum256(prev) == sha256.Sum256(cur) {
			break
		}
		prev = cur
	}
	if err := json.Unmarshal(bytes.TrimSpace(prev), &st); err != nil {
		return st, fmt.Errorf("player: parse status: %w", err)
	}
	return st, nil
}

// writeControl writes one command line to the control FIFO, bounded by the
// given budget so a reader-less FIFO cannot hang the caller.
func (p *PlayerController) writeControl(cmd string, budget time.Duration) error {
	done := make(chan error, 1)
	go func() {
		f, err := os.OpenFile(p.controlPath, os.O_WRONLY, 0)
		if err != nil {
			done <- err
			return
		}
		defer func() { _ = f.Close() }()
		_, err = f.WriteString(cmd + "\n")
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(budget):
		return fmt.Errorf("player: control write timed out")
	}
}

func (p *PlayerController) lockedPid() (int, bool) {
	raw, err := os.ReadFile(p.lockPath)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func (p *PlayerController) pidMatches(pid int) bool {
	raw, err := os.ReadFile(filepath.Join(p.procRoot, strconv.Itoa(pid), "cmdline"))
	if err != nil {
		return false
	}
	return strings.Contains(string(bytes.ReplaceAll(raw, []byte{0}, []byte{' '})), p.procPattern)
}

// scanProc walks /proc for a live player and returns its pid, or zero.
func (p *PlayerController) scanProc() int {
	entries, err := os.ReadDir(p.procRoot)
	if err != nil {
		return 0
	}
	self := os.Getpid()
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid == self {
			continue
		}
		if p.pidMatches(pid) {
			return pid
		}
	}
	return 0
}
