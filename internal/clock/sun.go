// SPDX-License-Identifier: MIT

package clock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/nathan-osman/go-sunrise"
	"github.com/rs/zerolog"

	xlog "github.com/montyhome/homectl/internal/log"
)

// ErrUpstreamUnavailable reports that the weather service could not be
// reached and no usable cache entry exists.
var ErrUpstreamUnavailable = errors.New("sun oracle upstream unavailable")

// SunSource tells callers how a SunTimes value was obtained, so they can
// apply degraded-mode policies (good_night falls back to sunset+30m when the
// twilight figure is not fresh).
type SunSource string

const (
	SourceUpstream SunSource = "upstream"
	SourceCache    SunSource = "cache"
	SourceComputed SunSource = "computed"
)

// SunTimes holds the sun events of one local date, as UTC instants.
type SunTimes struct {
	Sunrise          time.Time `json:"sunrise"`
	Sunset           time.Time `json:"sunset"`
	CivilTwilightEnd time.Time `json:"civil_twilight_end"`
	Source           SunSource `json:"source"`
}

// Oracle resolves sun events for a local date.
type Oracle interface {
	SunTimes(ctx context.Context, date time.Time, tz *time.Location) (SunTimes, error)
}

const cacheMaxAge = 7 * 24 * time.Hour

type cacheEntry struct {
	SunTimes  SunTimes  `json:"sun_times"`
	FetchedAt time.Time `json:"fetched_at"`
}

// WeatherOracle fetches sun events from the weather collaborator and keeps a
// last-known-good cache on disk. Results for a given date are stable within
// a run; the daily re-materialization provides the refresh.
type WeatherOracle struct {
	baseURL   string
	lat, lon  float64
	cachePath string
	client    *http.Client
	clock     Clock
	logger    zerolog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry // keyed by local date YYYY-MM-DD
}

// NewWeatherOracle builds an oracle against the given upstream base URL.
// cachePath may be empty to disable the on-disk cache.
func NewWeatherOracle(baseURL string, lat, lon float64, cachePath string, clk Clock) *WeatherOracle {
	o := &WeatherOracle{
		baseURL:   baseURL,
		lat:       lat,
		lon:       lon,
		cachePath: cachePath,
		client:    &http.Client{Timeout: 10 * time.Second},
		clock:     clk,
		logger:    xlog.WithComponent("sun-oracle"),
		cache:     map[string]cacheEntry{},
	}
	o.loadCache()
	return o
}

// SunTimes resolves the sun events for the local date of the given instant.
// Resolution order: in-run cache for the date, upstream fetch, last-known-good
// cache entry (≤7 days, projected onto the date), computed ephemeris.
func (o *WeatherOracle) SunTimes(ctx context.Context, date time.Time, tz *time.Location) (SunTimes, error) {
	local := date.In(tz)
	key := local.Format("2006-01-02")

	o.mu.Lock()
	if e, ok := o.cache[key]; ok && e.SunTimes.Source == SourceUpstream {
		o.mu.Unlock()
		return e.SunTimes, nil
	}
	o.mu.Unlock()

	times, err := o.fetch(ctx, key)
	if err == nil {
		o.store(key, times)
		return times, nil
	}
	o.logger.Warn().Err(err).
		Str(xlog.FieldEvent, "sun.upstream_unavailable").
		Str("date", key).
		Msg("sun event fetch failed, falling back")

	if cached, ok := o.lastKnownGood(key, local, tz); ok {
		return cached, nil
	}
	return o.computed(local, tz), nil
}

func (o *WeatherOracle) fetch(ctx context.Context, day string) (SunTimes, error) {
	q := url.Values{}
	q.Set("lat", fmt.Sprintf("%f", o.lat))
	q.Set("lng", fmt.Sprintf("%f", o.lon))
	q.Set("date", day)
	q.Set("formatted", "0")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/json?"+q.Encode(), nil)
	if err != nil {
		return SunTimes{}, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return SunTimes{}, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return SunTimes{}, fmt.Errorf("%w: status %d", ErrUpstreamUnavailable, resp.StatusCode)
	}

	var body struct {
		Results struct {
			Sunrise          time.Time `json:"sunrise"`
			Sunset           time.Time `json:"sunset"`
			CivilTwilightEnd time.Time `json:"civil_twilight_end"`
		} `json:"results"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return SunTimes{}, fmt.Errorf("%w: decode: %v", ErrUpstreamUnavailable, err)
	}
	if body.Status != "" && body.Status != "OK" {
		return SunTimes{}, fmt.Errorf("%w: status %s", ErrUpstreamUnavailable, body.Status)
	}
	return SunTimes{
		Sunrise:          body.Results.Sunrise.UTC(),
		Sunset:           body.Results.Sunset.UTC(),
		CivilTwilightEnd: body.Results.CivilTwilightEnd.UTC(),
		Source:           SourceUpstream,
	}, nil
}

// lastKnownGood projects the wall-clock times of the freshest upstream cache
// entry onto the requested date. Sun events drift by a couple of minutes per
// day, which is well inside scene-timing tolerance for a week.
func (o *WeatherOracle) lastKnownGood(key string, local time.Time, tz *time.Location) (SunTimes, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var best cacheEntry
	found := false
	for _, e := range o.cache {
		if e.SunTimes.Source != SourceUpstream {
			continue
		}
		if o.clock.Now().Sub(e.FetchedAt) > cacheMaxAge {
			continue
		}
		if !found || e.FetchedAt.After(best.FetchedAt) {
			best, found = e, true
		}
	}
	if !found {
		return SunTimes{}, false
	}

	projected := SunTimes{
		Sunrise:          projectClock(best.SunTimes.Sunrise, local, tz),
		Sunset:           projectClock(best.SunTimes.Sunset, local, tz),
		CivilTwilightEnd: projectClock(best.SunTimes.CivilTwilightEnd, local, tz),
		Source:           SourceCache,
	}
	o.cache[key] = cacheEntry{SunTimes: projected, FetchedAt: best.FetchedAt}
	return projected, true
}

// projectClock keeps an instant's local wall-clock time but moves it to the
// target local date.
func projectClock(at, targetDay time.Time, tz *time.Location) time.Time {
	l := at.In(tz)
	return time.Date(targetDay.Year(), targetDay.Month(), targetDay.Day(),
		l.Hour(), l.Minute(), l.Second(), 0, tz).UTC()
}

func (o *WeatherOracle) computed(local time.Time, tz *time.Location) SunTimes {
	rise, set := sunrise.SunriseSunset(o.lat, o.lon, local.Year(), local.Month(), local.Day())
	t := SunTimes{
		Sunrise:          rise.UTC(),
		Sunset:           set.UTC(),
		CivilTwilightEnd: set.Add(30 * time.Minute).UTC(),
		Source:           SourceComputed,
	}
	o.logger.Warn().
		Str(xlog.FieldEvent, "sun.computed_fallback").
		Str("date", local.Format("2006-01-02")).
		Msg("using computed sun events")
	return t
}

func (o *WeatherOracle) store(key string, times SunTimes) {
	o.mu.Lock()
	o.cache[key] = cacheEntry{SunTimes: times, FetchedAt: o.clock.Now()}
	// Drop entries beyond the retention window while we hold the lock.
	for k, e := range o.cache {
		if o.clock.Now().Sub(e.FetchedAt) > cacheMaxAge {
			delete(o.cache, k)
		}
	}
	snapshot := make(map[string]cacheEntry, len(o.cache))
	for k, e := range o.cache {
		snapshot[k] = e
	}
	o.mu.Unlock()

	o.persistCache(snapshot)
}

func (o *WeatherOracle) loadCache() {
	if o.cachePath == "" {
		return
	}
	raw, err := os.ReadFile(o.cachePath)
	if err != nil {
		return
	}
	var entries map[string]cacheEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		o.logger.Debug().Err(err).Msg("discarding unreadable sun cache")
		return
	}
	o.cache = entries
}

func (o *WeatherOracle) persistCache(entries map[string]cacheEntry) {
	if o.cachePath == "" {
		return
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return
	}
	pending, err := renameio.NewPendingFile(o.cachePath)
	if err != nil {
		o.logger.Debug().Err(err).Msg("create pending sun cache")
		return
	}
	defer func() { _ = pending.Cleanup() }()
	if _, err := pending.Write(raw); err != nil {
		return
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		o.logger.Debug().Err(err).Msg("replace sun cache")
	}
}
