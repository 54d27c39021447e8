// SPDX-License-Identifier: MIT

package clock

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func denver(t *testing.T) *time.Location {
	t.Helper()
	tz, err := time.LoadLocation("America/Denver")
	require.NoError(t, err)
	return tz
}

func sunServer(t *testing.T, fail *atomic.Bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		day := r.URL.Query().Get("date")
		fmt.Fprintf(w, `{"status":"OK","results":{
			"sunrise":"%sT12:23:00+00:00",
			"sunset":"%sT01:45:00+00:00",
			"civil_twilight_end":"%sT02:14:00+00:00"}}`, day, day, day)
	}))
}

func TestSunTimesUpstream(t *testing.T) {
	var fail atomic.Bool
	srv := sunServer(t, &fail)
	defer srv.Close()

	clk := NewFake(time.Date(2026, 8, 24, 18, 0, 0, 0, time.UTC))
	o := NewWeatherOracle(srv.URL, 39.7392, -104.9903, "", clk)

	tz := denver(t)
	times, err := o.SunTimes(context.Background(), clk.Now(), tz)
	require.NoError(t, err)
	assert.Equal(t, SourceUpstream, times.Source)
	assert.Equal(t, time.Date(2026, 8, 24, 12, 23, 0, 0, time.UTC), times.Sunrise)
	assert.Equal(t, time.Date(2026, 8, 24, 2, 14, 0, 0, time.UTC), times.CivilTwilightEnd)
}

func TestSunTimesStableWithinRun(t *testing.T) {
	var fail atomic.Bool
	srv := sunServer(t, &fail)
	defer srv.Close()

	clk := NewFake(time.Date(2026, 8, 24, 18, 0, 0, 0, time.UTC))
	o := NewWeatherOracle(srv.URL, 39.7392, -104.9903, "", clk)
	tz := denver(t)

	first, err := o.SunTimes(context.Background(), clk.Now(), tz)
	require.NoError(t, err)

	// Upstream goes down; the same date must keep resolving identically.
	fail.Store(true)
	second, err := o.SunTimes(context.Background(), clk.Now(), tz)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSunTimesOutageUsesCache(t *testing.T) {
	var fail atomic.Bool
	srv := sunServer(t, &fail)
	defer srv.Close()

	tz := denver(t)
	cachePath := filepath.Join(t.TempDir(), "sun_cache.json")
	clk := NewFake(time.Date(2026, 8, 23, 18, 0, 0, 0, time.UTC))
	o := NewWeatherOracle(srv.URL, 39.7392, -104.9903, cachePath, clk)

	cached, err := o.SunTimes(context.Background(), clk.Now(), tz)
	require.NoError(t, err)
	require.Equal(t, SourceUpstream, cached.Source)

	// Next day, upstream down, same process restart: cache file is reused and
	// the wall-clock times are projected onto the new date.
	fail.Store(true)
	clk.Advance(24 * time.Hour)
	o2 := NewWeatherOracle(srv.URL, 39.7392, -104.9903, cachePath, clk)

	times, err := o2.SunTimes(context.Background(), clk.Now(), tz)
	require.NoError(t, err)
	assert.Equal(t, SourceCache, times.Source)
	assert.Equal(t, cached.Sunset.In(tz).Format("15:04"), times.Sunset.In(tz).Format("15:04"))
	assert.Equal(t, "2026-08-24", times.Sunset.In(tz).Format("2006-01-02"))
}

func TestSunTimesComputedLastResort(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	srv := sunServer(t, &fail)
	defer srv.Close()

	clk := NewFake(time.Date(2026, 8, 24, 18, 0, 0, 0, time.UTC))
	o := NewWeatherOracle(srv.URL, 39.7392, -104.9903, "", clk)

	times, err := o.SunTimes(context.Background(), clk.Now(), denver(t))
	require.NoError(t, err)
	assert.Equal(t, SourceComputed, times.Source)
	assert.False(t, times.Sunrise.IsZero())
	assert.True(t, times.Sunset.After(times.Sunrise))
	assert.Equal(t, 30*time.Minute, times.CivilTwilightEnd.Sub(times.Sunset))
}
