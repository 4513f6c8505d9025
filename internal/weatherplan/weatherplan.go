// Package weatherplan implements the weather emergency planner (C8):
// reacting to C3 severity changes, it synthesizes and activates a
// full-charge holding plan via the optimizer, and refreshes or retires it
// as the warning evolves, per §4.8.
package weatherplan

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/oig-battery-box/batterycore/internal/errs"
	"github.com/oig-battery-box/batterycore/internal/forecast"
	"github.com/oig-battery-box/batterycore/internal/optimize"
	"github.com/oig-battery-box/batterycore/internal/planstore"
	"github.com/oig-battery-box/batterycore/internal/types"
)

// WarningSource reports the current severe-weather warning. Satisfied by *weather.Watcher.
type WarningSource interface {
	CurrentWarning() (types.WeatherWarning, bool)
}

// ResultSource supplies the latest built forecast. Satisfied by *forecast.Provider.
type ResultSource interface {
	LastGood() (forecast.Result, bool)
}

// Config holds the simulation constants a synthesized weather plan needs.
type Config struct {
	UserMinSoCKWh      float64
	CheapThresholdCZK  float64
	MaxChargeKWh15m    float64
	MaxDischargeKWh15m float64
	HomeChargeRateW    float64
}

// Planner tracks the currently active weather plan, if any, and keeps it
// in sync with the weather watcher's current warning.
type Planner struct {
	store    *planstore.Store
	forecast ResultSource
	source   WarningSource
	logger   *log.Logger
	cfg      Config

	mu           sync.Mutex
	activePlanID string
	lastEndTS    time.Time
}

// NewPlanner builds a Planner, seeding its tracked plan from any weather
// plan already active in store (e.g. across a process restart).
func NewPlanner(store *planstore.Store, forecastSource ResultSource, source WarningSource, logger *log.Logger, cfg Config) *Planner {
	p := &Planner{store: store, forecast: forecastSource, source: source, logger: logger, cfg: cfg}
	if active, err := store.GetActive(); err == nil && active.Kind == types.PlanWeather {
		p.activePlanID = active.PlanID
		if active.ContextSummary.Holding != nil {
			p.lastEndTS = active.ContextSummary.Holding.End()
		}
	}
	return p
}

// Check re-evaluates the current warning against the tracked plan. It
// deactivates the plan once severity drops below severe, and
// re-synthesizes it whenever expected_end_ts changes while a severe or
// extreme warning persists. It returns whether it changed the active plan.
func (p *Planner) Check(ctx context.Context, now time.Time, snapshot types.TelemetrySnapshot) (bool, error) {
	warning, ok := p.source.CurrentWarning()
	if !ok || !warning.Severity.RequiresEmergencyPlan() {
		return p.deactivateIfActive()
	}

	p.mu.Lock()
	needsSynth := p.activePlanID == "" || !p.lastEndTS.Equal(warning.ExpectedEndTS)
	p.mu.Unlock()

	if !needsSynth {
		return false, nil
	}

	return p.synthesizeAndActivate(ctx, now, snapshot, warning)
}

func (p *Planner) deactivateIfActive() (bool, error) {
	p.mu.Lock()
	id := p.activePlanID
	p.mu.Unlock()
	if id == "" {
		return false, nil
	}

	if err := p.store.Deactivate(id); err != nil {
		return false, err
	}

	p.mu.Lock()
	p.activePlanID = ""
	p.lastEndTS = time.Time{}
	p.mu.Unlock()

	if p.logger != nil {
		p.logger.Printf("weatherplan: severity dropped below severe, deactivated plan %s", id)
	}
	return true, nil
}

func (p *Planner) synthesizeAndActivate(ctx context.Context, now time.Time, snapshot types.TelemetrySnapshot, warning types.WeatherWarning) (bool, error) {
	remainingHours := warning.ExpectedEndTS.Sub(now).Hours()
	if remainingHours <= 0 {
		return false, nil
	}

	result, ok := p.forecast.LastGood()
	if !ok {
		return false, errs.ErrProviderUnavailable
	}

	holdingMode := types.HomeUPS
	if snapshot.SoCPercent() >= 100 {
		holdingMode = types.HomeIII
	}

	window := types.HoldingWindow{StartTS: now, DurationH: remainingHours, TargetSoCPct: 100, HoldingMode: holdingMode}
	simCtx := types.SimulationContext{
		CapacityKWh:        snapshot.CapacityKWh,
		InitialSoCKWh:      snapshot.SoCKWh,
		UserMinSoCKWh:      p.cfg.UserMinSoCKWh,
		ToleranceKWh:       types.SoCTolerance,
		Forecast:           result.Points,
		TargetPolicy:       types.TargetHard,
		Holding:            &window,
		CheapThreshold:     p.cfg.CheapThresholdCZK,
		Kind:               types.PlanWeather,
		MaxChargeKWh15m:    p.cfg.MaxChargeKWh15m,
		MaxDischargeKWh15m: p.cfg.MaxDischargeKWh15m,
		HomeChargeRateW:    p.cfg.HomeChargeRateW,
		GridExportLimitW:   snapshot.GridExportLimitW,
	}

	optResult, err := optimize.Optimize(simCtx)
	var infeasible *errs.InfeasibleError
	if err != nil && !errors.As(err, &infeasible) {
		return false, err
	}

	plan := optimize.BuildPlan(simCtx, optResult)
	planID, err := p.store.Create(plan)
	if err != nil {
		return false, err
	}
	if err := p.store.Activate(planID); err != nil {
		return false, err
	}

	p.mu.Lock()
	p.activePlanID = planID
	p.lastEndTS = warning.ExpectedEndTS
	p.mu.Unlock()

	if p.logger != nil {
		p.logger.Printf("weatherplan: activated plan %s for %s warning, holding until %s", planID, warning.Severity, warning.ExpectedEndTS.Format(time.RFC3339))
	}
	return true, nil
}
