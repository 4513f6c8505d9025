// Package balancing implements the opportunistic/economic/forced
// balancing triggers (C7): evaluated on every scheduler check, it
// synthesizes and activates a full-charge calibration plan via the
// optimizer when one of the three conditions fires, following the
// forecast-horizon scan shape of scheduler/mpc.go's buildMPCForecast and
// reusing mpc/mpc.go's DP engine indirectly through internal/optimize.
package balancing

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/oig-battery-box/batterycore/internal/errs"
	"github.com/oig-battery-box/batterycore/internal/forecast"
	"github.com/oig-battery-box/batterycore/internal/optimize"
	"github.com/oig-battery-box/batterycore/internal/planstore"
	"github.com/oig-battery-box/batterycore/internal/types"
)

// Config holds the balancing thresholds and the simulation constants
// every synthesized plan needs.
type Config struct {
	OpportunisticThresholdSoCPct float64
	HoldingHoursDefault          float64
	BalancingWindowHours         float64
	ForcedIntervalDays           int
	CheapThresholdCZK            float64
	UserMinSoCKWh                float64
	MaxChargeKWh15m              float64
	MaxDischargeKWh15m           float64
	HomeChargeRateW              float64
}

// ResultSource supplies the latest built forecast. Satisfied by *forecast.Provider.
type ResultSource interface {
	LastGood() (forecast.Result, bool)
}

// ShieldStatus reports whether the service shield currently holds a
// quarantined external override, in which case balancing must defer.
type ShieldStatus interface {
	QuarantineActive() bool
}

// Detector evaluates the three balancing triggers in precedence order
// (forced > opportunistic > economic) and activates the first that fires.
type Detector struct {
	store    *planstore.Store
	forecast ResultSource
	shield   ShieldStatus
	cfg      Config

	lastForcedTS time.Time
}

// NewDetector builds a Detector. shield may be nil if no shield is wired.
func NewDetector(store *planstore.Store, forecastSource ResultSource, shield ShieldStatus, cfg Config) *Detector {
	return &Detector{store: store, forecast: forecastSource, shield: shield, cfg: cfg}
}

// Check evaluates the triggers against the current snapshot and, if one
// fires, synthesizes and activates a balancing plan. It returns whether a
// plan was activated.
func (d *Detector) Check(ctx context.Context, now time.Time, snapshot types.TelemetrySnapshot) (bool, error) {
	if d.shield != nil && d.shield.QuarantineActive() {
		return false, nil
	}

	active, err := d.store.GetActive()
	if err == nil {
		if active.Kind == types.PlanWeather {
			return false, nil // balancing never supersedes a weather-emergency plan
		}
	} else if !errors.Is(err, errs.ErrNotFound) {
		return false, err
	}

	result, ok := d.forecast.LastGood()
	if !ok {
		return false, errs.ErrProviderUnavailable
	}

	if d.forcedDue(now) {
		if fired, err := d.tryForced(ctx, now, snapshot, result); err != nil || fired {
			return fired, err
		}
	}

	if snapshot.SoCPercent() >= d.cfg.OpportunisticThresholdSoCPct {
		if fired, err := d.tryOpportunistic(ctx, now, snapshot, result); err != nil || fired {
			return fired, err
		}
	}

	return d.tryEconomic(ctx, now, snapshot, result)
}

func (d *Detector) forcedDue(now time.Time) bool {
	if d.lastForcedTS.IsZero() {
		return true
	}
	return now.Sub(d.lastForcedTS) >= time.Duration(d.cfg.ForcedIntervalDays)*24*time.Hour
}

// tryOpportunistic fires when SoC is already at/above the threshold: top
// off to 100% and hold there for HoldingHoursDefault, in HOME_III if the
// forecast interval containing now has PV, else HOME_UPS. The holding window
// starts at the projected "full" interval, not at now, so the hard 100%
// target is actually satisfiable at window entry instead of being
// declared unreachable before charging has had time to happen.
func (d *Detector) tryOpportunistic(ctx context.Context, now time.Time, snapshot types.TelemetrySnapshot, result forecast.Result) (bool, error) {
	holdingMode := types.HomeUPS
	rateW := d.cfg.HomeChargeRateW
	if pvAvailable(result, now) {
		holdingMode = types.HomeIII
		if pv := pvChargeRateW(result, now); pv > 0 {
			rateW = pv
		}
	}

	chargeHours := estimateHoursToFull(snapshot.CapacityKWh, snapshot.SoCKWh, rateW)
	holdingStart := now.Add(time.Duration(chargeHours * float64(time.Hour)))

	return d.synthesizeAndActivate(ctx, snapshot, result, holdingStart, d.cfg.HoldingHoursDefault, holdingMode, types.PlanBalancing)
}

// tryEconomic scans the 48h horizon for the cheapest BalancingWindowHours
// window whose every interval is at/below the horizon's median buy price.
func (d *Detector) tryEconomic(ctx context.Context, now time.Time, snapshot types.TelemetrySnapshot, result forecast.Result) (bool, error) {
	windowIntervals := int(d.cfg.BalancingWindowHours * 4)
	startIdx, ok := cheapestWindow(result.TariffBuy, windowIntervals, true)
	if !ok {
		return false, nil
	}
	startTS := result.Points[startIdx].TS
	return d.synthesizeAndActivate(ctx, snapshot, result, startTS, d.cfg.BalancingWindowHours, types.HomeUPS, types.PlanBalancing)
}

// tryForced reuses the economic window search without the median
// constraint, guaranteeing a periodic full-charge calibration.
func (d *Detector) tryForced(ctx context.Context, now time.Time, snapshot types.TelemetrySnapshot, result forecast.Result) (bool, error) {
	windowIntervals := int(d.cfg.BalancingWindowHours * 4)
	startIdx, ok := cheapestWindow(result.TariffBuy, windowIntervals, false)
	if !ok {
		return false, nil
	}
	startTS := result.Points[startIdx].TS

	fired, err := d.synthesizeAndActivate(ctx, snapshot, result, startTS, d.cfg.BalancingWindowHours, types.HomeUPS, types.PlanBalancing)
	if err == nil && fired {
		d.lastForcedTS = now
	}
	return fired, err
}

func (d *Detector) synthesizeAndActivate(ctx context.Context, snapshot types.TelemetrySnapshot, result forecast.Result, holdingStart time.Time, holdingHours float64, holdingMode types.ModeKind, kind types.PlanKind) (bool, error) {
	window := types.HoldingWindow{StartTS: holdingStart, DurationH: holdingHours, TargetSoCPct: 100, HoldingMode: holdingMode}

	simCtx := types.SimulationContext{
		CapacityKWh:        snapshot.CapacityKWh,
		InitialSoCKWh:      snapshot.SoCKWh,
		UserMinSoCKWh:      d.cfg.UserMinSoCKWh,
		ToleranceKWh:       types.SoCTolerance,
		Forecast:           result.Points,
		TargetPolicy:       types.TargetHard,
		Holding:            &window,
		CheapThreshold:     d.cfg.CheapThresholdCZK,
		Kind:               kind,
		MaxChargeKWh15m:    d.cfg.MaxChargeKWh15m,
		MaxDischargeKWh15m: d.cfg.MaxDischargeKWh15m,
		HomeChargeRateW:    d.cfg.HomeChargeRateW,
		GridExportLimitW:   snapshot.GridExportLimitW,
	}

	optResult, err := optimize.Optimize(simCtx)
	var infeasible *errs.InfeasibleError
	if err != nil && !errors.As(err, &infeasible) {
		return false, err
	}

	plan := optimize.BuildPlan(simCtx, optResult)
	planID, err := d.store.Create(plan)
	if err != nil {
		return false, err
	}
	if err := d.store.Activate(planID); err != nil {
		return false, err
	}
	return true, nil
}

// cheapestWindow returns the start index of the lowest-mean window of
// windowIntervals consecutive samples. If requireMedianPass is set, a
// window only qualifies if every sample in it is at or below the full
// series' median.
func cheapestWindow(prices []float64, windowIntervals int, requireMedianPass bool) (int, bool) {
	if windowIntervals <= 0 || len(prices) < windowIntervals {
		return 0, false
	}

	median := medianOf(prices)
	bestIdx := -1
	bestMean := math.MaxFloat64

	for start := 0; start+windowIntervals <= len(prices); start++ {
		sum := 0.0
		passes := true
		for i := start; i < start+windowIntervals; i++ {
			if requireMedianPass && prices[i] > median {
				passes = false
				break
			}
			sum += prices[i]
		}
		if requireMedianPass && !passes {
			continue
		}
		mean := sum / float64(windowIntervals)
		if mean < bestMean {
			bestMean = mean
			bestIdx = start
		}
	}

	if bestIdx < 0 {
		return 0, false
	}
	return bestIdx, true
}

func medianOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func estimateHoursToFull(capacityKWh, currentSoCKWh, chargeRateW float64) float64 {
	if chargeRateW <= 0 {
		return 0
	}
	neededKWh := capacityKWh - currentSoCKWh
	if neededKWh <= 0 {
		return 0
	}
	return neededKWh / (chargeRateW / 1000)
}

func pvAvailable(result forecast.Result, now time.Time) bool {
	for _, p := range result.Points {
		if !now.Before(p.TS) && now.Before(p.TS.Add(types.IntervalDuration)) {
			return p.PVKWh15m > 0
		}
	}
	return false
}

// pvChargeRateW estimates the available PV charging rate in watts by
// averaging the forecast PV over the next 4 hours.
func pvChargeRateW(result forecast.Result, now time.Time) float64 {
	var sum float64
	var n int
	for _, p := range result.Points {
		if p.TS.Before(now) {
			continue
		}
		if p.TS.Sub(now) >= 4*time.Hour {
			break
		}
		sum += p.PVKWh15m
		n++
	}
	if n == 0 {
		return 0
	}
	avgKWhPerInterval := sum / float64(n)
	return avgKWhPerInterval / types.IntervalDuration.Hours() * 1000
}
