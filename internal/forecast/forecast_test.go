package forecast

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oig-battery-box/batterycore/internal/errs"
)

type fakePriceSource struct {
	points []PricePoint
	err    error
}

func (f *fakePriceSource) FetchPrices(ctx context.Context) ([]PricePoint, error) {
	return f.points, f.err
}

type fakePowerSource struct {
	samples []PowerSample
	err     error
}

func (f *fakePowerSource) FetchPower(ctx context.Context) ([]PowerSample, error) {
	return f.samples, f.err
}

func fullDayPrices(start time.Time) []PricePoint {
	pts := make([]PricePoint, 30)
	for i := range pts {
		pts[i] = PricePoint{TS: start.Add(time.Duration(i) * time.Hour), SpotCZKMWh: 2000}
	}
	return pts
}

func TestProvider_Build_AppliesTariffTransform(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	prices := &fakePriceSource{points: fullDayPrices(start)}
	tariff := TariffRates{VATRate: 0.21, DistributionCZK: 1.2, SellDiscountCZK: 0.3}

	p := NewProvider(prices, nil, nil, tariff)
	result, err := p.Build(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, result.Points)

	spot := result.Points[0].SpotPriceCZKKWh
	assert.InDelta(t, 2.0, spot, 1e-9)
	assert.InDelta(t, spot*1.21+1.2, result.TariffBuy[0], 1e-9)
	assert.InDelta(t, spot-0.3, result.TariffSell[0], 1e-9)
	assert.InDelta(t, result.TariffBuy[0], result.Points[0].TariffBuyCZKKWh, 1e-9)
	assert.InDelta(t, result.TariffSell[0], result.Points[0].TariffSellCZKKWh, 1e-9)
}

func TestProvider_Build_FailsUnderMinimumHorizon(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	shortPrices := &fakePriceSource{points: []PricePoint{
		{TS: start, SpotCZKMWh: 1000},
		{TS: start.Add(time.Hour), SpotCZKMWh: 1000},
	}}

	p := NewProvider(shortPrices, nil, nil, TariffRates{})
	_, err := p.Build(context.Background())
	assert.ErrorIs(t, err, errs.ErrProviderUnavailable)
}

func TestProvider_Build_PropagatesPriceFetchError(t *testing.T) {
	prices := &fakePriceSource{err: errors.New("upstream down")}
	p := NewProvider(prices, nil, nil, TariffRates{})
	_, err := p.Build(context.Background())
	assert.ErrorIs(t, err, errs.ErrProviderUnavailable)
}

func TestProvider_Build_DegradesToZeroPVOnPowerFetchFailure(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	prices := &fakePriceSource{points: fullDayPrices(start)}
	pv := &fakePowerSource{err: errors.New("pv feed down")}

	p := NewProvider(prices, pv, nil, TariffRates{})
	result, err := p.Build(context.Background())
	require.NoError(t, err)
	for _, pt := range result.Points {
		assert.Equal(t, 0.0, pt.PVKWh15m)
	}
}

func TestProvider_LastGood_ReturnsPriorSuccessAfterLaterFailure(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	prices := &fakePriceSource{points: fullDayPrices(start)}
	p := NewProvider(prices, nil, nil, TariffRates{})

	first, err := p.Build(context.Background())
	require.NoError(t, err)

	prices.points = nil
	prices.err = errors.New("now unavailable")
	_, err = p.Build(context.Background())
	assert.ErrorIs(t, err, errs.ErrProviderUnavailable)

	cached, ok := p.LastGood()
	require.True(t, ok)
	assert.Equal(t, first, cached)
}

func TestProvider_LastGood_FalseBeforeFirstBuild(t *testing.T) {
	p := NewProvider(&fakePriceSource{}, nil, nil, TariffRates{})
	_, ok := p.LastGood()
	assert.False(t, ok)
}

func TestTariffRates_SellNeverGoesNegative(t *testing.T) {
	tariff := TariffRates{SellDiscountCZK: 5.0}
	assert.Equal(t, 0.0, tariff.Sell(1.0))
}
