// Package simulate implements the per-interval energy-flow model for the
// four inverter modes, generalizing mpc/mpc.go's continuous-power,
// one-hour decision model to the fixed quarter-hour grid and four
// discrete HOME_* modes.
package simulate

import (
	"math"

	"github.com/oig-battery-box/batterycore/internal/types"
)

// Step computes one interval's IntervalProjection for the given mode,
// starting state of charge, forecast point, and simulation context. It
// never returns an error: infeasible trajectories are surfaced as the
// Deficit flag for the optimizer to correct upstream (§4.5).
func Step(mode types.ModeKind, socBeforeKWh float64, point types.ForecastPoint, ctx types.SimulationContext) types.IntervalProjection {
	proj := types.IntervalProjection{
		TS:           point.TS,
		Mode:         mode,
		SoCBeforeKWh: socBeforeKWh,
	}

	switch mode {
	case types.HomeI:
		stepHomeI(&proj, point, ctx)
	case types.HomeII:
		stepHomeII(&proj, point, ctx)
	case types.HomeIII:
		stepHomeIII(&proj, point, ctx)
	case types.HomeUPS:
		stepHomeUPS(&proj, point, ctx)
	default:
		stepHomeI(&proj, point, ctx)
	}

	clamp(&proj, ctx)

	proj.CostCZK = proj.GridImportKWh*point.TariffBuyCZKKWh - proj.GridExportKWh*point.TariffSellCZKKWh

	return proj
}

// stepHomeI: grid priority. Battery idle; load served from PV and grid.
func stepHomeI(proj *types.IntervalProjection, point types.ForecastPoint, ctx types.SimulationContext) {
	proj.GridImportKWh = math.Max(0, point.LoadKWh15m-point.PVKWh15m)
	export := math.Max(0, point.PVKWh15m-point.LoadKWh15m)
	proj.GridExportKWh = capExport(export, ctx)
	proj.SoCAfterKWh = proj.SoCBeforeKWh
}

// stepHomeII: battery priority/conserve. Battery discharges to cover load
// above PV down to UserMinSoCKWh; PV surplus charges the battery then exports.
func stepHomeII(proj *types.IntervalProjection, point types.ForecastPoint, ctx types.SimulationContext) {
	soc := proj.SoCBeforeKWh

	if point.LoadKWh15m > point.PVKWh15m {
		deficit := point.LoadKWh15m - point.PVKWh15m
		headroom := soc - ctx.UserMinSoCKWh
		discharge := math.Min(deficit, math.Max(0, headroom))
		discharge = math.Min(discharge, ctx.MaxDischargeKWh15m)

		proj.BatteryDischargeKWh = discharge
		proj.GridImportKWh = deficit - discharge
		proj.SoCAfterKWh = soc - discharge
		return
	}

	surplus := point.PVKWh15m - point.LoadKWh15m
	headroomToFull := math.Max(0, ctx.CapacityKWh-soc)
	charge := math.Min(surplus, headroomToFull)
	charge = math.Min(charge, ctx.MaxChargeKWh15m)

	proj.BatteryChargeKWh = charge
	proj.GridExportKWh = capExport(surplus-charge, ctx)
	proj.SoCAfterKWh = soc + charge
}

// stepHomeIII: solar priority. Only PV charges the battery; battery never discharges.
func stepHomeIII(proj *types.IntervalProjection, point types.ForecastPoint, ctx types.SimulationContext) {
	soc := proj.SoCBeforeKWh
	pvSurplus := math.Max(0, point.PVKWh15m-point.LoadKWh15m)
	headroom := math.Max(0, ctx.CapacityKWh-soc)
	charge := math.Min(pvSurplus, headroom)
	charge = math.Min(charge, ctx.MaxChargeKWh15m)

	proj.BatteryChargeKWh = charge
	proj.GridExportKWh = capExport(pvSurplus-charge, ctx)
	proj.GridImportKWh = math.Max(0, point.LoadKWh15m-point.PVKWh15m)
	proj.SoCAfterKWh = soc + charge
}

// stepHomeUPS: grid-charge to full. Battery charges from grid toward
// target_soc at home_charge_rate_w; load served as HOME_I.
func stepHomeUPS(proj *types.IntervalProjection, point types.ForecastPoint, ctx types.SimulationContext) {
	soc := proj.SoCBeforeKWh

	gridChargeCapacity := ctx.HomeChargeRateW / 1000 * types.IntervalDuration.Hours()
	headroom := math.Max(0, ctx.CapacityKWh-soc)
	if ctx.Holding != nil {
		target := ctx.Holding.TargetSoCPct / 100 * ctx.CapacityKWh
		headroom = math.Max(0, target-soc)
	}

	charge := math.Min(gridChargeCapacity, headroom)

	pvSurplus := math.Max(0, point.PVKWh15m-point.LoadKWh15m)
	pvCharge := math.Min(pvSurplus, math.Max(0, headroom-charge))
	totalCharge := charge + pvCharge

	proj.BatteryChargeKWh = totalCharge
	proj.GridImportKWh = charge + math.Max(0, point.LoadKWh15m-point.PVKWh15m)
	proj.GridExportKWh = capExport(pvSurplus-pvCharge, ctx)
	proj.SoCAfterKWh = soc + totalCharge
}

func capExport(kwh float64, ctx types.SimulationContext) float64 {
	if kwh <= 0 {
		return 0
	}
	if ctx.GridExportLimitW <= 0 {
		return kwh
	}
	limitKWh := float64(ctx.GridExportLimitW) / 1000 * types.IntervalDuration.Hours()
	return math.Min(kwh, limitKWh)
}

// clamp enforces soc_after in [user_min_soc, capacity], redirecting the
// clamped amount into the grid legs as described in §4.4. A soc_after that
// is still below user_min_soc − SoCTolerance after the redirect marks the
// interval as Deficit and is then bounded to that floor.
func clamp(proj *types.IntervalProjection, ctx types.SimulationContext) {
	if proj.SoCAfterKWh < ctx.UserMinSoCKWh {
		shortfall := ctx.UserMinSoCKWh - proj.SoCAfterKWh
		reduceDischarge := math.Min(shortfall, proj.BatteryDischargeKWh)
		proj.BatteryDischargeKWh -= reduceDischarge
		proj.GridImportKWh += reduceDischarge
		proj.SoCAfterKWh += reduceDischarge
	}

	if proj.SoCAfterKWh > ctx.CapacityKWh {
		excess := proj.SoCAfterKWh - ctx.CapacityKWh
		reduceCharge := math.Min(excess, proj.BatteryChargeKWh)
		proj.BatteryChargeKWh -= reduceCharge
		proj.GridExportKWh += capExport(reduceCharge, ctx)
		proj.SoCAfterKWh -= reduceCharge
	}

	if proj.SoCAfterKWh < ctx.UserMinSoCKWh-types.SoCTolerance {
		proj.Deficit = true
		proj.SoCAfterKWh = ctx.UserMinSoCKWh - types.SoCTolerance
	}
	if proj.SoCAfterKWh > ctx.CapacityKWh+types.SoCTolerance {
		proj.SoCAfterKWh = ctx.CapacityKWh + types.SoCTolerance
	}
}
