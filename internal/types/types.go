// Package types holds the shared data model for the battery planning core:
// modes, telemetry, forecasts, simulation contexts, interval projections,
// and plans. Every other internal package operates on these fixed-shape
// records.
package types

import (
	"fmt"
	"time"

	"github.com/oig-battery-box/batterycore/internal/errs"
)

// IntervalDuration is the fixed quarter-hour grid all planning operates on.
const IntervalDuration = 15 * time.Minute

// PlanHorizon is the number of quarter-hour intervals covered by one plan (48h).
const PlanHorizon = 192

// ModeKind is one of the four inverter operating modes.
type ModeKind int

const (
	// HomeI is grid priority: loads served from PV and grid, battery idle.
	HomeI ModeKind = iota
	// HomeII is battery priority / conserve: battery discharges down to the user-configured minimum.
	HomeII
	// HomeIII is solar priority: battery charges from PV surplus only.
	HomeIII
	// HomeUPS is grid-charge to full: battery is charged from the grid up to a target SoC.
	HomeUPS
)

func (m ModeKind) String() string {
	switch m {
	case HomeI:
		return "HOME_I"
	case HomeII:
		return "HOME_II"
	case HomeIII:
		return "HOME_III"
	case HomeUPS:
		return "HOME_UPS"
	default:
		return "UNKNOWN"
	}
}

// IsValid reports whether m is one of the four defined modes.
func (m ModeKind) IsValid() bool {
	switch m {
	case HomeI, HomeII, HomeIII, HomeUPS:
		return true
	default:
		return false
	}
}

// ParseModeKind parses the wire representation ("HOME_I".."HOME_UPS") of a
// mode, returning ErrValidation for anything else.
func ParseModeKind(s string) (ModeKind, error) {
	switch s {
	case "HOME_I":
		return HomeI, nil
	case "HOME_II":
		return HomeII, nil
	case "HOME_III":
		return HomeIII, nil
	case "HOME_UPS":
		return HomeUPS, nil
	default:
		return 0, fmt.Errorf("%w: unknown mode %q", errs.ErrValidation, s)
	}
}

// TelemetrySnapshot is an immutable point-in-time read of inverter state.
// Invariant: 0 <= SoCKWh <= CapacityKWh.
type TelemetrySnapshot struct {
	CapacityKWh       float64
	SoCKWh            float64
	CurrentMode       ModeKind
	BoilerOn          bool
	GridExportLimitW  int
	LastUpdateTS      time.Time
}

// SoCPercent returns the state of charge as a 0-100 percentage.
func (t TelemetrySnapshot) SoCPercent() float64 {
	if t.CapacityKWh <= 0 {
		return 0
	}
	return 100 * t.SoCKWh / t.CapacityKWh
}

// ForecastPoint holds PV, load, price, and tariff information for one
// interval. TariffBuyCZKKWh/TariffSellCZKKWh are the household's actual
// buy/sell price after VAT, distribution, and sell discount are applied
// to SpotPriceCZKKWh (§4.4); they travel with the point itself so a
// forecast horizon padded past its priced range still carries a valid
// tariff for every interval the optimizer touches.
type ForecastPoint struct {
	TS                 time.Time
	PVKWh15m           float64
	LoadKWh15m         float64
	SpotPriceCZKKWh    float64
	TariffBuyCZKKWh    float64
	TariffSellCZKKWh   float64
}

// TargetSoCPolicy controls whether a context's target SoC is a hard
// constraint or a soft scoring bonus.
type TargetSoCPolicy int

const (
	// TargetSoft allows the optimizer to fall short of the target to reduce cost.
	TargetSoft TargetSoCPolicy = iota
	// TargetHard requires the optimizer to reach the target or return ErrInfeasible.
	TargetHard
)

// PlanKind identifies who/what requested a plan.
type PlanKind int

const (
	PlanAutomatic PlanKind = iota
	PlanManual
	PlanBalancing
	PlanWeather
)

func (k PlanKind) String() string {
	switch k {
	case PlanAutomatic:
		return "automatic"
	case PlanManual:
		return "manual"
	case PlanBalancing:
		return "balancing"
	case PlanWeather:
		return "weather"
	default:
		return "unknown"
	}
}

// PlanStatus is the lifecycle stage of a Plan.
type PlanStatus int

const (
	PlanSimulated PlanStatus = iota
	PlanActive
	PlanDeactivated
)

func (s PlanStatus) String() string {
	switch s {
	case PlanSimulated:
		return "simulated"
	case PlanActive:
		return "active"
	case PlanDeactivated:
		return "deactivated"
	default:
		return "unknown"
	}
}

// HoldingWindow forces a mode and a target SoC over a contiguous range of intervals.
type HoldingWindow struct {
	StartTS      time.Time
	DurationH    float64
	TargetSoCPct float64
	HoldingMode  ModeKind
}

// End returns the exclusive end timestamp of the window.
func (h HoldingWindow) End() time.Time {
	return h.StartTS.Add(time.Duration(h.DurationH * float64(time.Hour)))
}

// Contains reports whether ts falls within [StartTS, End()).
func (h HoldingWindow) Contains(ts time.Time) bool {
	return !ts.Before(h.StartTS) && ts.Before(h.End())
}

// SimulationContext is the frozen input to one optimization run.
type SimulationContext struct {
	CapacityKWh      float64
	InitialSoCKWh    float64
	UserMinSoCKWh    float64
	ToleranceKWh     float64 // default 0.5
	Forecast         []ForecastPoint // carries its own TariffBuyCZKKWh/TariffSellCZKKWh per point
	TargetPolicy     TargetSoCPolicy
	TargetTime       *time.Time
	HoldingHours     *float64
	HoldingMode      *ModeKind
	CheapThreshold   float64 // default 1.5 CZK/kWh
	Kind             PlanKind
	Holding          *HoldingWindow
	MaxChargeKWh15m  float64
	MaxDischargeKWh15m float64
	HomeChargeRateW  float64
	GridExportLimitW int
}

// EnergyTolerance is the absolute tolerance for energy-balance comparisons (kWh).
const EnergyTolerance = 0.0005

// SoCTolerance is the absolute tolerance at SoC boundaries (kWh).
const SoCTolerance = 0.5

// IntervalProjection is the simulator's output for one interval.
type IntervalProjection struct {
	TS                time.Time
	Mode              ModeKind
	SoCBeforeKWh      float64
	SoCAfterKWh       float64
	GridImportKWh     float64
	GridExportKWh     float64
	BatteryChargeKWh  float64
	BatteryDischargeKWh float64
	CostCZK           float64
	Deficit           bool
}

// ContextSummary is a shallow, by-value copy of the inputs that produced a
// plan, stored alongside it so the plan is never tied back to a live,
// mutable SimulationContext.
type ContextSummary struct {
	CapacityKWh    float64
	InitialSoCKWh  float64
	UserMinSoCKWh  float64
	TargetPolicy   TargetSoCPolicy
	Kind           PlanKind
	Holding        *HoldingWindow
	GridExportLimitW int
}

// SummaryMetrics aggregates a plan's projections for quick inspection.
type SummaryMetrics struct {
	TotalGridImportKWh float64
	TotalGridExportKWh float64
	TotalChargeKWh     float64
	TotalDischargeKWh  float64
	FinalSoCKWh        float64
	DeficitIntervals   int
}

// Plan is a full 192-interval plan produced by the optimizer.
type Plan struct {
	PlanID          string
	Kind            PlanKind
	Status          PlanStatus
	CreatedTS       time.Time
	ActivatedTS     *time.Time
	DeactivatedTS   *time.Time
	ContextSummary  ContextSummary
	Intervals       []IntervalProjection
	TotalCostCZK    float64
	SummaryMetrics  SummaryMetrics
	HorizonTruncated bool
	ExternallyOverridden bool
}

// IntervalAt returns the projection covering ts, if any.
func (p *Plan) IntervalAt(ts time.Time) (IntervalProjection, bool) {
	for _, iv := range p.Intervals {
		if !ts.Before(iv.TS) && ts.Before(iv.TS.Add(IntervalDuration)) {
			return iv, true
		}
	}
	return IntervalProjection{}, false
}

// CommandKind enumerates the write operations the executor/shield can issue.
type CommandKind int

const (
	CommandSetMode CommandKind = iota
	CommandSetGridLimit
	CommandSetBoiler
)

// Command is a single write request tracked by the service shield.
type Command struct {
	Kind     CommandKind
	Mode     ModeKind // valid when Kind == CommandSetMode
	Watts    int      // valid when Kind == CommandSetGridLimit
	BoilerOn bool     // valid when Kind == CommandSetBoiler
	IssuedTS time.Time
}

// WeatherSeverity enumerates the severe-weather alert categories.
type WeatherSeverity int

const (
	SeverityNone WeatherSeverity = iota
	SeverityMinor
	SeverityModerate
	SeveritySevere
	SeverityExtreme
)

func (s WeatherSeverity) String() string {
	switch s {
	case SeverityNone:
		return "none"
	case SeverityMinor:
		return "minor"
	case SeverityModerate:
		return "moderate"
	case SeveritySevere:
		return "severe"
	case SeverityExtreme:
		return "extreme"
	default:
		return "unknown"
	}
}

// RequiresEmergencyPlan reports whether this severity triggers the weather emergency planner.
func (s WeatherSeverity) RequiresEmergencyPlan() bool {
	return s == SeveritySevere || s == SeverityExtreme
}

// WeatherWarning is the current state exposed by the weather alert watcher.
type WeatherWarning struct {
	Severity      WeatherSeverity
	StartTS       time.Time
	ExpectedEndTS time.Time
}

// ShieldState is the service shield's state machine position.
type ShieldState int

const (
	ShieldNormal ShieldState = iota
	ShieldSuspended
)

func (s ShieldState) String() string {
	if s == ShieldSuspended {
		return "suspended"
	}
	return "normal"
}
