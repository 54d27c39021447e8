// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/montyhome/homectl/internal/audio"
	"github.com/montyhome/homectl/internal/clock"
	"github.com/montyhome/homectl/internal/config"
	"github.com/montyhome/homectl/internal/gateway"
	"github.com/montyhome/homectl/internal/health"
	"github.com/montyhome/homectl/internal/retry"
	"github.com/montyhome/homectl/internal/scenes"
	"github.com/montyhome/homectl/internal/scheduler"
	"github.com/montyhome/homectl/internal/serial"
	"github.com/montyhome/homectl/internal/shades"
)

type fakeTransport struct {
	mu     sync.Mutex
	frames []string
}

func (f *fakeTransport) SendFrame(ctx context.Context, frame []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, string(frame))
	return []byte("ok"), nil
}

func (f *fakeTransport) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.frames...)
}

type fakeSerialControl struct {
	status serial.Status
	err    error
}

func (f *fakeSerialControl) Reconnect(ctx context.Context) (serial.Status, error) {
	return f.status, f.err
}

func (f *fakeSerialControl) Status() serial.Status { return f.status }

func (f *fakeSerialControl) Connected() bool  { return f.status.Connected }
func (f *fakeSerialControl) PortName() string { return f.status.Port }

type fakeBluetooth struct{}

func (fakeBluetooth) Status(ctx context.Context) (audio.BluetoothStatus, error) {
	return audio.BluetoothStatus{Connected: true, SinkReady: true}, nil
}

func (fakeBluetooth) Connect(ctx context.Context) error { return nil }

type fakePlayer struct {
	mu      sync.Mutex
	running bool
}

func (f *fakePlayer) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakePlayer) Launch(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = true
	return nil
}

func (f *fakePlayer) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return audio.ErrPlayerNotRunning
	}
	f.running = false
	return nil
}

func (f *fakePlayer) Status() (audio.PlayerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return audio.PlayerStatus{}, audio.ErrPlayerNotRunning
	}
	return audio.PlayerStatus{State: "playing"}, nil
}

type fakeOracle struct{}

func (fakeOracle) SunTimes(ctx context.Context, date time.Time, tz *time.Location) (clock.SunTimes, error) {
	sunset := time.Date(date.Year(), date.Month(), date.Day(), 19, 45, 0, 0, tz)
	return clock.SunTimes{
		Sunrise:          sunset.Add(-13 * time.Hour).UTC(),
		Sunset:           sunset.UTC(),
		CivilTwilightEnd: sunset.Add(30 * time.Minute).UTC(),
		Source:           clock.SourceUpstream,
	}, nil
}

type testEnv struct {
	server    *Server
	transport *fakeTransport
	player    *fakePlayer
	store     *config.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	reg := shades.NewStaticRegistry([]shades.Shade{
		{ID: 14, Name: "West Window", Room: "Living Room", Type: shades.TypePrivacy},
		{ID: 28, Name: "Skylight", Room: "Kitchen", Type: shades.TypeSolar},
	})
	sc, err := scenes.NewStatic([]scenes.Scene{
		{
			Name:  "good_night",
			Steps: []scenes.Step{{ShadeID: 14, Action: "d"}, {ShadeID: 28, Action: "d"}},
		},
		{
			Name:  "good_evening",
			Steps: []scenes.Step{{ShadeID: 14, Action: "d"}},
		},
	}, reg)
	require.NoError(t, err)

	store, err := config.Open(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)

	tr := &fakeTransport{}
	gw := gateway.New(reg, sc, tr, clock.System{}, retry.Options{
		AttemptTimeout: 100 * time.Millisecond,
		TaskTimeout:    time.Second,
		BaseDelay:      2 * time.Millisecond,
		MaxDelay:       8 * time.Millisecond,
		SupersedeWait:  100 * time.Millisecond,
	})

	sched := scheduler.New(store, fakeOracle{}, clock.System{}, gw, nil)

	pl := &fakePlayer{}
	mgr := audio.NewManager(fakeBluetooth{}, pl)

	serialCtl := &fakeSerialControl{status: serial.Status{Connected: true, Port: "/dev/ttyACM0"}}
	hm := health.NewManager("test", serialCtl)

	srv := New(Deps{
		Gateway: gw,
		Sched:   sched,
		Audio:   mgr,
		Serial:  serialCtl,
		Shades:  reg,
		Scenes:  sc,
		Health:  hm,
	})
	return &testEnv{server: srv, transport: tr, player: pl, store: store}
}

type responseEnvelope struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) (int, responseEnvelope) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env responseEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), "body: %s", rec.Body.String())
	return rec.Code, env
}

func TestShadeCommandAccepted(t *testing.T) {
	env := newTestEnv(t)
	h := env.server.Router()

	code, resp := doRequest(t, h, "POST", "/shades/14/command", `{"action": "down", "retry_count": 0}`)
	assert.Equal(t, http.StatusAccepted, code)
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.Data["task_id"])

	require.Eventually(t, func() bool {
		return len(env.transport.seen()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"d14"}, env.transport.seen())
}

func TestShadeCommandValidation(t *testing.T) {
	env := newTestEnv(t)
	h := env.server.Router()

	code, resp := doRequest(t, h, "POST", "/shades/99/command", `{"action": "up"}`)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, CodeValidationError, resp.Error.Code)

	code, resp = doRequest(t, h, "POST", "/shades/14/command", `{"action": "sideways"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, CodeValidationError, resp.Error.Code)

	code, resp = doRequest(t, h, "POST", "/shades/abc/command", `{"action": "up"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, CodeValidationError, resp.Error.Code)

	code, resp = doRequest(t, h, "POST", "/shades/14/command", `{"action": "up", "retry_count": 9}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, CodeValidationError, resp.Error.Code)
}

func TestShadeListAndGet(t *testing.T) {
	env := newTestEnv(t)
	h := env.server.Router()

	code, resp := doRequest(t, h, "GET", "/shades", "")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, resp.Data["count"])

	code, _ = doRequest(t, h, "GET", "/shades/14", "")
	assert.Equal(t, http.StatusOK, code)

	code, resp = doRequest(t, h, "GET", "/shades/99", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, CodeValidationError, resp.Error.Code)
}

func TestSceneExecuteAccepted(t *testing.T) {
	env := newTestEnv(t)
	h := env.server.Router()

	code, resp := doRequest(t, h, "POST", "/scenes/good_night/execute", "")
	assert.Equal(t, http.StatusAccepted, code)
	assert.EqualValues(t, 2, resp.Data["steps"])

	require.Eventually(t, func() bool {
		return len(env.transport.seen()) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	code, resp = doRequest(t, h, "POST", "/scenes/nope/execute", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, CodeSceneNotFound, resp.Error.Code)
}

func TestManualTriggerBypassesAwayGate(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.Set("home_away.status", "away"))
	h := env.server.Router()

	code, _ := doRequest(t, h, "POST", "/scheduler/trigger", `{"scene_name": "good_evening"}`)
	assert.Equal(t, http.StatusAccepted, code)

	require.Eventually(t, func() bool {
		return len(env.transport.seen()) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRetriesSnapshotAndCancelAll(t *testing.T) {
	env := newTestEnv(t)
	h := env.server.Router()

	code, resp := doRequest(t, h, "GET", "/retries", "")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)
	assert.Contains(t, resp.Data, "shade_tasks")

	code, resp = doRequest(t, h, "DELETE", "/retries/all", "")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, resp.Data["cancelled"])
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	h := env.server.Router()

	code, resp := doRequest(t, h, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, resp.Data["arduino_connected"])
	assert.Contains(t, resp.Data, "uptime_s")
}

func TestArduinoReconnect(t *testing.T) {
	env := newTestEnv(t)
	h := env.server.Router()

	code, resp := doRequest(t, h, "POST", "/arduino/reconnect", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, resp.Data["connected"])
}

func TestSchedulerStatusAndWakeUp(t *testing.T) {
	env := newTestEnv(t)
	h := env.server.Router()

	code, resp := doRequest(t, h, "GET", "/scheduler/status", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, resp.Data, "scheduled_jobs")

	code, resp = doRequest(t, h, "POST", "/scheduler/wake-up", `{"time": "07:30"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, resp.Data["enabled"])

	code, resp = doRequest(t, h, "GET", "/scheduler/wake-up/status", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, resp.Data["enabled"])
	assert.NotEmpty(t, resp.Data["next_wake_up_datetime"])

	code, resp = doRequest(t, h, "DELETE", "/scheduler/wake-up", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, resp.Data["enabled"])

	code, resp = doRequest(t, h, "POST", "/scheduler/wake-up", `{"time": "25:99"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, CodeValidationError, resp.Error.Code)
}

func TestAudioEndpoints(t *testing.T) {
	env := newTestEnv(t)
	h := env.server.Router()

	code, resp := doRequest(t, h, "POST", "/audio/start", "")
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, "manual", resp.Data["trigger_source"])

	require.Eventually(t, func() bool {
		return env.player.IsRunning()
	}, 2*time.Second, 5*time.Millisecond)

	code, resp = doRequest(t, h, "GET", "/audio/status", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, resp.Data["running"])

	code, resp = doRequest(t, h, "POST", "/audio/stop", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, resp.Data["stopped"])

	code, resp = doRequest(t, h, "POST", "/audio/stop", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, CodeNotFound, resp.Error.Code)
}

func TestUnknownEndpointEnvelope(t *testing.T) {
	env := newTestEnv(t)
	h := env.server.Router()

	code, resp := doRequest(t, h, "GET", "/nope", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.False(t, resp.Success)
	assert.Equal(t, CodeNotFound, resp.Error.Code)
}
