// Package forecast builds the 15-minute price/PV/load series a simulation
// run needs, generalizing entsoe/energy_prices_decoder.go's hourly price
// lookup and scheduler/mpc.go's buildMPCForecast into a quarter-hour grid
// with explicit tariff transformation.
package forecast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oig-battery-box/batterycore/internal/errs"
	"github.com/oig-battery-box/batterycore/internal/types"
)

// minHorizon is the shortest price horizon Build will accept.
const minHorizon = 24 * time.Hour

// PricePoint is one hourly day-ahead spot price sample.
type PricePoint struct {
	TS         time.Time
	SpotCZKMWh float64
}

// PowerSample is one hourly instantaneous-power sample, watts, used for
// both the PV and the load forecast.
type PowerSample struct {
	TS    time.Time
	Watts float64
}

// PriceSource fetches the day-ahead spot price curve.
type PriceSource interface {
	FetchPrices(ctx context.Context) ([]PricePoint, error)
}

// PowerSource fetches an hourly instantaneous-power forecast.
type PowerSource interface {
	FetchPower(ctx context.Context) ([]PowerSample, error)
}

// TariffRates converts a spot price (CZK/kWh) into the buy/sell tariffs a
// household actually pays or is credited, per Open Question #4.
type TariffRates struct {
	VATRate         float64
	DistributionCZK float64
	SellDiscountCZK float64
}

// Buy returns the CZK/kWh a household pays for grid import at this spot price.
func (t TariffRates) Buy(spotCZKKWh float64) float64 {
	return spotCZKKWh*(1+t.VATRate) + t.DistributionCZK
}

// Sell returns the CZK/kWh a household is credited for grid export at this spot price.
func (t TariffRates) Sell(spotCZKKWh float64) float64 {
	sell := spotCZKKWh - t.SellDiscountCZK
	if sell < 0 {
		sell = 0
	}
	return sell
}

// Result is one successfully built forecast: the per-interval series,
// ready to drop straight into a types.SimulationContext.Forecast (each
// point already carries its own TariffBuyCZKKWh/TariffSellCZKKWh), plus
// the same tariffs as parallel slices for callers that scan prices
// without needing a full ForecastPoint (e.g. balancing's window search).
type Result struct {
	Points     []types.ForecastPoint
	TariffBuy  []float64
	TariffSell []float64
}

// Provider fetches prices, PV, and load forecasts and resamples them onto
// the quarter-hour grid. It caches the last successful Result so that
// callers can fall back to it per spec when a refresh fails.
type Provider struct {
	prices PriceSource
	pv     PowerSource
	load   PowerSource
	tariff TariffRates

	mu     sync.RWMutex
	cached Result
	have   bool
}

// NewProvider builds a Provider from its three upstream sources and tariff coefficients.
func NewProvider(prices PriceSource, pv, load PowerSource, tariff TariffRates) *Provider {
	return &Provider{prices: prices, pv: pv, load: load, tariff: tariff}
}

// Build fetches fresh price/PV/load data and resamples it to the
// quarter-hour grid. It returns ErrProviderUnavailable if the price
// horizon is shorter than 24h; callers should fall back to LastGood.
func (p *Provider) Build(ctx context.Context) (Result, error) {
	priceHourly, err := p.prices.FetchPrices(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("%w: fetching prices: %v", errs.ErrProviderUnavailable, err)
	}
	if len(priceHourly) == 0 {
		return Result{}, fmt.Errorf("%w: empty price series", errs.ErrProviderUnavailable)
	}

	horizon := priceHourly[len(priceHourly)-1].TS.Add(time.Hour).Sub(priceHourly[0].TS)
	if horizon < minHorizon {
		return Result{}, fmt.Errorf("%w: price horizon %s below %s minimum", errs.ErrProviderUnavailable, horizon, minHorizon)
	}

	var pvHourly, loadHourly []PowerSample
	if p.pv != nil {
		pvHourly, _ = p.pv.FetchPower(ctx) // a failed PV fetch degrades to zero PV, not a hard failure
	}
	if p.load != nil {
		loadHourly, _ = p.load.FetchPower(ctx)
	}

	points := resample(priceHourly, pvHourly, loadHourly)
	tariffBuy := make([]float64, len(points))
	tariffSell := make([]float64, len(points))
	for i := range points {
		tariffBuy[i] = p.tariff.Buy(points[i].SpotPriceCZKKWh)
		tariffSell[i] = p.tariff.Sell(points[i].SpotPriceCZKKWh)
		points[i].TariffBuyCZKKWh = tariffBuy[i]
		points[i].TariffSellCZKKWh = tariffSell[i]
	}

	result := Result{Points: points, TariffBuy: tariffBuy, TariffSell: tariffSell}

	p.mu.Lock()
	p.cached = result
	p.have = true
	p.mu.Unlock()

	return result, nil
}

// LastGood returns the most recently successful Build result, if any.
func (p *Provider) LastGood() (Result, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cached, p.have
}
