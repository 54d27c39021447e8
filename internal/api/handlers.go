// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/montyhome/homectl/internal/audio"
	xlog "github.com/montyhome/homectl/internal/log"
	"github.com/montyhome/homectl/internal/shades"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.health.Health(r.Context(), true))
}

func (s *Server) handleShadeList(w http.ResponseWriter, r *http.Request) {
	all := s.shades.All()
	writeData(w, http.StatusOK, map[string]any{"shades": all, "count": len(all)})
}

func (s *Server) handleShadeGet(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "shade id must be an integer", nil)
		return
	}
	shade, ok := s.shades.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, CodeValidationError, "unknown shade", map[string]int{"shade_id": id})
		return
	}
	writeData(w, http.StatusOK, shade)
}

type shadeCommandRequest struct {
	Action     string `json:"action"`
	RetryCount *int   `json:"retry_count,omitempty"`
}

func (s *Server) handleShadeCommand(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "shade id must be an integer", nil)
		return
	}

	var req shadeCommandRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "malformed request body", err.Error())
		return
	}
	action, err := shades.ParseAction(req.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "action must be one of up, down, stop", nil)
		return
	}
	retryCount := -1
	if req.RetryCount != nil {
		if *req.RetryCount < 0 || *req.RetryCount > 5 {
			writeError(w, http.StatusBadRequest, CodeValidationError, "retry_count outside [0,5]", nil)
			return
		}
		retryCount = *req.RetryCount
	}

	taskID, err := s.gateway.Command(r.Context(), id, action, retryCount)
	if err != nil {
		if errors.Is(err, shades.ErrShadeNotFound) {
			writeError(w, http.StatusNotFound, CodeValidationError, "unknown shade", map[string]int{"shade_id": id})
			return
		}
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error(), nil)
		return
	}
	writeData(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

func (s *Server) handleSceneList(w http.ResponseWriter, r *http.Request) {
	type sceneView struct {
		Name        string `json:"name"`
		DisplayName string `json:"display_name,omitempty"`
		Description string `json:"description,omitempty"`
		Commands    int    `json:"commands"`
	}
	all := s.scenes.All()
	views := make([]sceneView, 0, len(all))
	for _, sc := range all {
		views = append(views, sceneView{
			Name:        sc.Name,
			DisplayName: sc.DisplayName,
			Description: sc.Description,
			Commands:    len(sc.Steps),
		})
	}
	writeData(w, http.StatusOK, map[string]any{"scenes": views, "count": len(views)})
}

func (s *Server) handleSceneExecute(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s.executeSceneAsync(w, r, name)
}

type triggerRequest struct {
	SceneName string `json:"scene_name"`
}

// handleSchedulerTrigger fires a scene manually. Manual triggers bypass the
// home/away gate by design.
func (s *Server) handleSchedulerTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "malformed request body", err.Error())
		return
	}
	s.executeSceneAsync(w, r, req.SceneName)
}

// executeSceneAsync validates the scene, then walks it on a background
// goroutine: a scene walk can spend its whole timeout budget, far beyond
// what an HTTP response should take.
func (s *Server) executeSceneAsync(w http.ResponseWriter, r *http.Request, name string) {
	sc, ok := s.scenes.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, CodeSceneNotFound, "unknown scene", map[string]string{"scene": name})
		return
	}

	reqID := xlog.RequestIDFromContext(r.Context())
	go func() {
		ctx := xlog.ContextWithRequestID(context.Background(), reqID)
		if _, err := s.gateway.ExecuteScene(ctx, name); err != nil {
			s.logger.Error().Err(err).
				Str(xlog.FieldEvent, "api.scene_failed").
				Str(xlog.FieldScene, name).
				Msg("scene execution failed")
		}
	}()
	writeData(w, http.StatusAccepted, map[string]any{"scene": name, "steps": len(sc.Steps)})
}

func (s *Server) handleRetries(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.gateway.Engine().Snapshot())
}

func (s *Server) handleRetriesCancelAll(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]int{"cancelled": s.gateway.CancelAll()})
}

func (s *Server) handleArduinoReconnect(w http.ResponseWriter, r *http.Request) {
	if s.serial == nil {
		writeError(w, http.StatusServiceUnavailable, CodeSerialError, "serial transport not configured", nil)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 4*time.Second)
	defer cancel()

	status, err := s.serial.Reconnect(ctx)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, CodeSerialError, err.Error(), status)
		return
	}
	writeData(w, http.StatusOK, status)
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.sched.Status())
}

type wakeUpRequest struct {
	Time string `json:"time"`
}

func (s *Server) handleWakeUpSet(w http.ResponseWriter, r *http.Request) {
	var req wakeUpRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "malformed request body", err.Error())
		return
	}
	res, err := s.sched.WakeUp().Set(req.Time)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, err.Error(), nil)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) handleWakeUpDisable(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.WakeUp().Disable(); err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, err.Error(), nil)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"enabled": false})
}

func (s *Server) handleWakeUpStatus(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, s.sched.WakeUp().Status())
}

type audioStartRequest struct {
	TriggerSource string `json:"trigger_source,omitempty"`
}

// handleAudioStart accepts the request and runs the startup on a background
// goroutine: the slow path can spend up to the full Bluetooth budget.
func (s *Server) handleAudioStart(w http.ResponseWriter, r *http.Request) {
	if s.audio == nil {
		writeError(w, http.StatusServiceUnavailable, CodeAudioError, "audio not configured", nil)
		return
	}
	var req audioStartRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, CodeValidationError, "malformed request body", err.Error())
		return
	}
	trigger := req.TriggerSource
	if trigger == "" {
		trigger = "manual"
	}

	go func() {
		if _, err := s.audio.Start(context.Background(), trigger); err != nil {
			s.logger.Error().Err(err).
				Str(xlog.FieldEvent, "api.audio_start_failed").
				Msg("audio startup failed")
		}
	}()
	writeData(w, http.StatusAccepted, map[string]string{"trigger_source": trigger})
}

func (s *Server) handleAudioStop(w http.ResponseWriter, r *http.Request) {
	if s.audio == nil {
		writeError(w, http.StatusServiceUnavailable, CodeAudioError, "audio not configured", nil)
		return
	}
	if err := s.audio.Stop(); err != nil {
		if errors.Is(err, audio.ErrPlayerNotRunning) {
			writeError(w, http.StatusNotFound, CodeNotFound, "player not running", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, CodeAudioError, err.Error(), nil)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"stopped": true})
}

func (s *Server) handleAudioStatus(w http.ResponseWriter, r *http.Request) {
	if s.audio == nil {
		writeError(w, http.StatusServiceUnavailable, CodeAudioError, "audio not configured", nil)
		return
	}
	running := s.audio.Running()
	st, err := s.audio.PlayerStatus()
	if err != nil {
		writeData(w, http.StatusOK, map[string]any{"running": running})
		return
	}
	writeData(w, http.StatusOK, map[string]any{"running": running, "player": st})
}
