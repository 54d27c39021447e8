// SPDX-License-Identifier: MIT

// Package config owns the persisted configuration document of the daemon.
//
// The document is a single JSON object addressed by dotted keys
// ("location.timezone", "wake_up.enabled", ...). Writes are atomic
// rename-over; external edits are picked up by a file watcher.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// GoodNightTiming selects how the good_night scene trigger is computed.
type GoodNightTiming string

const (
	GoodNightCivilTwilightEnd GoodNightTiming = "civil_twilight_end"
	GoodNightSunsetPlusOffset GoodNightTiming = "sunset_plus_offset"
)

// HomeAwayStatus is the manual home/away switch.
type HomeAwayStatus string

const (
	StatusHome HomeAwayStatus = "home"
	StatusAway HomeAwayStatus = "away"
)

// AwayPeriod is an inclusive local-date range during which scheduled scenes
// are suppressed.
type AwayPeriod struct {
	Start string `json:"start"` // YYYY-MM-DD
	End   string `json:"end"`   // YYYY-MM-DD
}

// Contains reports whether the given local date falls inside the period.
func (p AwayPeriod) Contains(date time.Time) bool {
	day := date.Format("2006-01-02")
	return p.Start <= day && day <= p.End
}

// Location is the geographic anchor for sun-event computation.
type Location struct {
	Timezone string  `json:"timezone"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
}

// Scenes holds user-tunable scene trigger timing.
type Scenes struct {
	GoodAfternoonTime        string          `json:"good_afternoon_time"` // HH:MM
	GoodEveningOffsetMinutes int             `json:"good_evening_offset_minutes"`
	GoodNightTiming          GoodNightTiming `json:"good_night_timing"`
}

// WakeUp is the single-shot alarm configuration.
type WakeUp struct {
	Enabled                 bool   `json:"enabled"`
	Time                    string `json:"time"` // HH:MM
	GoodMorningDelayMinutes int    `json:"good_morning_delay_minutes"`
	LastTriggered           string `json:"last_triggered,omitempty"` // UTC ISO-8601
}

// HomeAway gates scheduled scene execution.
type HomeAway struct {
	Status      HomeAwayStatus `json:"status"`
	AwayPeriods []AwayPeriod   `json:"away_periods,omitempty"`
}

// Music toggles audio participation in scheduled scenes.
type Music struct {
	EnabledForMorning bool `json:"enabled_for_morning"`
	EnabledForEvening bool `json:"enabled_for_evening"`
}

// Scheduler is the typed view of the subtree the core reads and writes.
type Scheduler struct {
	Location Location `json:"location"`
	Scenes   Scenes   `json:"scenes"`
	WakeUp   WakeUp   `json:"wake_up"`
	HomeAway HomeAway `json:"home_away"`
	Music    Music    `json:"music"`
}

// TimeZone resolves the configured IANA zone, defaulting to UTC when unset
// or unknown.
func (s Scheduler) TimeZone() *time.Location {
	if s.Location.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Location.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ParseClock parses an HH:MM wall-clock string.
func ParseClock(v string) (hour, minute int, err error) {
	parts := strings.Split(v, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid HH:MM value %q", v)
	}
	hour, herr := strconv.Atoi(parts[0])
	minute, merr := strconv.Atoi(parts[1])
	if herr != nil || merr != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid HH:MM value %q", v)
	}
	return hour, minute, nil
}

func defaults() map[string]any {
	return map[string]any{
		"location": map[string]any{
			"timezone": "America/Denver",
			"lat":      39.7392,
			"lon":      -104.9903,
		},
		"scenes": map[string]any{
			"good_afternoon_time":         "14:30",
			"good_evening_offset_minutes": float64(-60),
			"good_night_timing":           string(GoodNightCivilTwilightEnd),
		},
		"wake_up": map[string]any{
			"enabled":                    false,
			"time":                       "07:30",
			"good_morning_delay_minutes": float64(15),
		},
		"home_away": map[string]any{
			"status":       string(StatusHome),
			"away_periods": []any{},
		},
		"music": map[string]any{
			"enabled_for_morning": false,
			"enabled_for_evening": false,
		},
	}
}
