// SPDX-License-Identifier: MIT

package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMissingFileUsesDefaults(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "scheduler.json"))
	require.NoError(t, err)

	sched := s.Scheduler()
	assert.Equal(t, "America/Denver", sched.Location.Timezone)
	assert.Equal(t, "14:30", sched.Scenes.GoodAfternoonTime)
	assert.Equal(t, -60, sched.Scenes.GoodEveningOffsetMinutes)
	assert.Equal(t, GoodNightCivilTwilightEnd, sched.Scenes.GoodNightTiming)
	assert.Equal(t, 15, sched.WakeUp.GoodMorningDelayMinutes)
	assert.Equal(t, StatusHome, sched.HomeAway.Status)
}

func TestOpenMalformedFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scheduler.json")
	require.NoError(t, os.WriteFile(path, []byte("{nope"), 0o644))

	_, err := Open(path)
	assert.Error(t, err)
}

func TestDottedGetSetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scheduler.json")
	s, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, s.Set("wake_up.time", "06:45"))
	require.NoError(t, s.Set("wake_up.enabled", true))

	assert.Equal(t, "06:45", s.GetString("wake_up.time", ""))
	assert.True(t, s.GetBool("wake_up.enabled", false))
	assert.Equal(t, -60, s.GetInt("scenes.good_evening_offset_minutes", 0))

	// A fresh Store must see the persisted values.
	reopened, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, "06:45", reopened.Scheduler().WakeUp.Time)
	assert.True(t, reopened.Scheduler().WakeUp.Enabled)
}

func TestSaveIsWellFormedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scheduler.json")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Set("home_away.status", "away"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
}

func TestSubscribeNotifiedOnSet(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "scheduler.json"))
	require.NoError(t, err)

	ch := s.Subscribe()
	require.NoError(t, s.Set("music.enabled_for_morning", true))

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no notification after Set")
	}
}

func TestReloadSkipsOwnWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scheduler.json")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Set("wake_up.time", "08:00"))

	ch := s.Subscribe()
	// The on-disk bytes match memory, so Reload must not notify.
	require.NoError(t, s.Reload())
	select {
	case <-ch:
		t.Fatal("reload of own write must not notify")
	case <-time.After(50 * time.Millisecond):
	}

	// An external edit must notify.
	require.NoError(t, os.WriteFile(path, []byte(`{"wake_up":{"time":"09:15"}}`), 0o644))
	require.NoError(t, s.Reload())
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("external edit not observed")
	}
	assert.Equal(t, "09:15", s.Scheduler().WakeUp.Time)
	// Merged defaults still present after a partial external document.
	assert.Equal(t, "14:30", s.Scheduler().Scenes.GoodAfternoonTime)
}

func TestAwayPeriodContains(t *testing.T) {
	p := AwayPeriod{Start: "2026-08-10", End: "2026-08-20"}
	day := func(d string) time.Time {
		ts, err := time.Parse("2006-01-02", d)
		require.NoError(t, err)
		return ts
	}
	assert.True(t, p.Contains(day("2026-08-10")))
	assert.True(t, p.Contains(day("2026-08-15")))
	assert.True(t, p.Contains(day("2026-08-20")))
	assert.False(t, p.Contains(day("2026-08-21")))
	assert.False(t, p.Contains(day("2026-08-09")))
}

func TestParseClock(t *testing.T) {
	h, m, err := ParseClock("07:30")
	require.NoError(t, err)
	assert.Equal(t, 7, h)
	assert.Equal(t, 30, m)

	for _, bad := range []string{"7:3x", "24:00", "12:60", "", "noon"} {
		_, _, err := ParseClock(bad)
		assert.Error(t, err, bad)
	}
}
