// Package weather implements the severe-weather alert watcher (C3): an
// hourly-polled source exposing the current warning category, generalizing
// scheduler/data.go's WeatherForecastCache expiry shape and
// meteo/client.go's HTTP fetch shape from a solar-irradiance forecast to a
// severe-weather alert feed.
package weather

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/oig-battery-box/batterycore/internal/types"
)

// Source fetches the current severe-weather warning for a location.
type Source interface {
	FetchWarning(ctx context.Context) (types.WeatherWarning, error)
}

// Watcher polls a Source on a fixed cadence (the period given to
// NewWatcher; the app passes weather_refresh_min) and caches the most
// recent result so CurrentWarning never blocks on a network call.
type Watcher struct {
	source Source
	period time.Duration
	logger *log.Logger

	mu      sync.RWMutex
	current types.WeatherWarning
	fetched bool
}

// NewWatcher builds a Watcher polling source every period (floored at 1 minute).
func NewWatcher(source Source, period time.Duration, logger *log.Logger) *Watcher {
	if period < time.Minute {
		period = time.Minute
	}
	return &Watcher{source: source, period: period, logger: logger}
}

// CurrentWarning returns the most recently fetched warning. Before the
// first successful poll it returns the zero warning (SeverityNone) and false.
func (w *Watcher) CurrentWarning() (types.WeatherWarning, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current, w.fetched
}

// Run polls the source immediately and then every period until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	w.poll(ctx)
	ticker := time.NewTicker(w.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	warning, err := w.source.FetchWarning(ctx)
	if err != nil {
		if w.logger != nil {
			w.logger.Printf("weather: poll failed: %v", err)
		}
		return
	}

	w.mu.Lock()
	previous := w.current
	w.current = warning
	w.fetched = true
	w.mu.Unlock()

	if w.logger != nil && (warning.Severity != previous.Severity || !warning.ExpectedEndTS.Equal(previous.ExpectedEndTS)) {
		w.logger.Printf("weather: warning changed from %s to %s (ends %s)", previous.Severity, warning.Severity, warning.ExpectedEndTS.Format(time.RFC3339))
	}
}
