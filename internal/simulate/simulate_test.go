package simulate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oig-battery-box/batterycore/internal/types"
)

func baseCtx() types.SimulationContext {
	return types.SimulationContext{
		CapacityKWh:        15.36,
		UserMinSoCKWh:      5.0,
		MaxChargeKWh15m:    3.0,
		MaxDischargeKWh15m: 3.0,
		HomeChargeRateW:    3000,
		GridExportLimitW:   0,
	}
}

// point builds a ForecastPoint with buy == sell == price, for tests that
// don't care about the buy/sell asymmetry.
func point(pv, load, price float64) types.ForecastPoint {
	return pointTariff(pv, load, price, price, price)
}

// pointTariff builds a ForecastPoint with distinct spot/buy/sell prices.
func pointTariff(pv, load, spot, buy, sell float64) types.ForecastPoint {
	return types.ForecastPoint{
		TS:               time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC),
		PVKWh15m:         pv,
		LoadKWh15m:       load,
		SpotPriceCZKKWh:  spot,
		TariffBuyCZKKWh:  buy,
		TariffSellCZKKWh: sell,
	}
}

func TestHomeI_BatteryIdle(t *testing.T) {
	ctx := baseCtx()
	p := Step(types.HomeI, 8.0, point(0.2, 0.5, 2.0), ctx)

	assert.Equal(t, 8.0, p.SoCAfterKWh)
	assert.InDelta(t, 0.3, p.GridImportKWh, types.EnergyTolerance)
	assert.Equal(t, 0.0, p.GridExportKWh)
}

func TestHomeI_ExportsSurplus(t *testing.T) {
	ctx := baseCtx()
	p := Step(types.HomeI, 8.0, point(0.8, 0.3, 2.0), ctx)

	assert.InDelta(t, 0.5, p.GridExportKWh, types.EnergyTolerance)
	assert.Equal(t, 0.0, p.GridImportKWh)
}

func TestHomeII_DischargesToCoverLoad(t *testing.T) {
	ctx := baseCtx()
	p := Step(types.HomeII, 8.0, point(0.2, 0.5, 2.0), ctx)

	assert.InDelta(t, 0.3, p.BatteryDischargeKWh, types.EnergyTolerance)
	assert.Equal(t, 0.0, p.GridImportKWh)
	assert.InDelta(t, 7.7, p.SoCAfterKWh, types.EnergyTolerance)
}

func TestHomeII_StopsAtUserMinSoC(t *testing.T) {
	ctx := baseCtx()
	// At the floor, load exceeds PV by more than the battery can give
	// without breaching user_min_soc; the shortfall must be imported.
	p := Step(types.HomeII, ctx.UserMinSoCKWh, point(0.0, 1.0, 2.0), ctx)

	assert.InDelta(t, 0.0, p.BatteryDischargeKWh, types.EnergyTolerance)
	assert.InDelta(t, 1.0, p.GridImportKWh, types.EnergyTolerance)
	assert.InDelta(t, ctx.UserMinSoCKWh, p.SoCAfterKWh, types.EnergyTolerance)
}

func TestHomeII_SurplusChargesThenExports(t *testing.T) {
	ctx := baseCtx()
	p := Step(types.HomeII, 8.0, point(1.0, 0.2, 2.0), ctx)

	// surplus 0.8, max charge 3.0 -> all charges, nothing exported
	assert.InDelta(t, 0.8, p.BatteryChargeKWh, types.EnergyTolerance)
	assert.InDelta(t, 0.0, p.GridExportKWh, types.EnergyTolerance)
}

func TestHomeIII_NeverDischarges(t *testing.T) {
	ctx := baseCtx()
	p := Step(types.HomeIII, 8.0, point(0.0, 1.0, 2.0), ctx)

	assert.Equal(t, 0.0, p.BatteryDischargeKWh)
	assert.InDelta(t, 1.0, p.GridImportKWh, types.EnergyTolerance)
	assert.Equal(t, 8.0, p.SoCAfterKWh)
}

func TestHomeIII_ChargesFromSurplusOnly(t *testing.T) {
	ctx := baseCtx()
	p := Step(types.HomeIII, 8.0, point(1.0, 0.4, 2.0), ctx)

	assert.InDelta(t, 0.6, p.BatteryChargeKWh, types.EnergyTolerance)
	assert.InDelta(t, 8.6, p.SoCAfterKWh, types.EnergyTolerance)
}

func TestHomeUPS_ChargesTowardTarget(t *testing.T) {
	ctx := baseCtx()
	start := time.Now()
	ctx.Holding = &types.HoldingWindow{StartTS: start, DurationH: 3, TargetSoCPct: 100, HoldingMode: types.HomeUPS}
	p := Step(types.HomeUPS, 14.0, point(0.0, 0.2, 2.0), ctx)

	assert.True(t, p.BatteryChargeKWh > 0)
	assert.True(t, p.SoCAfterKWh <= ctx.CapacityKWh+types.SoCTolerance)
}

func TestHomeUPS_FreezesAtTargetDuringHolding(t *testing.T) {
	ctx := baseCtx()
	start := time.Now()
	ctx.Holding = &types.HoldingWindow{StartTS: start, DurationH: 3, TargetSoCPct: 90, HoldingMode: types.HomeUPS}
	// already at the 90% target
	soc := 0.9 * ctx.CapacityKWh
	p := Step(types.HomeUPS, soc, point(0.0, 0.2, 2.0), ctx)

	assert.InDelta(t, 0.0, p.BatteryChargeKWh, types.EnergyTolerance)
}

func TestClampRedirectsDownwardBreach(t *testing.T) {
	ctx := baseCtx()
	// Force a discharge request beyond what soc allows.
	p := Step(types.HomeII, ctx.UserMinSoCKWh+0.1, point(0.0, 3.0, 2.0), ctx)

	assert.True(t, p.SoCAfterKWh >= ctx.UserMinSoCKWh-types.SoCTolerance)
}

func TestCostComputation(t *testing.T) {
	ctx := baseCtx()
	p := Step(types.HomeI, 8.0, point(0.2, 0.7, 3.0), ctx)

	expectedCost := p.GridImportKWh*3.0 - p.GridExportKWh*3.0
	assert.InDelta(t, expectedCost, p.CostCZK, 1e-9)
}

// TestCostComputation_BuySellAsymmetry guards against regressing to a
// spot-symmetric cost: buy and sell tariffs differ, so import and export
// must each be priced against their own leg, not the raw spot price.
func TestCostComputation_BuySellAsymmetry(t *testing.T) {
	ctx := baseCtx()
	p := Step(types.HomeI, 8.0, pointTariff(0.8, 0.3, 2.0, 3.5, 1.0), ctx)

	require.Equal(t, 0.0, p.GridImportKWh)
	require.InDelta(t, 0.5, p.GridExportKWh, types.EnergyTolerance)

	expectedCost := p.GridImportKWh*3.5 - p.GridExportKWh*1.0
	assert.InDelta(t, expectedCost, p.CostCZK, 1e-9)
	assert.NotEqual(t, p.GridImportKWh*2.0-p.GridExportKWh*2.0, p.CostCZK)
}

func TestDeficitFlagSetBelowTolerance(t *testing.T) {
	ctx := baseCtx()
	ctx.UserMinSoCKWh = 10.0
	p := Step(types.HomeIII, 9.0, point(0.0, 0.0, 2.0), ctx)

	assert.True(t, p.Deficit)
}

func TestEnergyBalanceInvariant(t *testing.T) {
	ctx := baseCtx()
	for _, mode := range []types.ModeKind{types.HomeI, types.HomeII, types.HomeIII, types.HomeUPS} {
		p := Step(mode, 8.0, point(0.4, 0.6, 2.0), ctx)
		balance := p.SoCBeforeKWh + p.BatteryChargeKWh - p.BatteryDischargeKWh
		assert.InDelta(t, p.SoCAfterKWh, balance, types.SoCTolerance, "mode %s", mode)
	}
}
