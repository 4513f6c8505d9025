package forecast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hourly(start time.Time, n int, price func(i int) float64) []PricePoint {
	out := make([]PricePoint, n)
	for i := 0; i < n; i++ {
		out[i] = PricePoint{TS: start.Add(time.Duration(i) * time.Hour), SpotCZKMWh: price(i)}
	}
	return out
}

func TestResample_ReplicatesHourlyPriceAcrossFourIntervals(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	price := hourly(start, 25, func(i int) float64 { return float64(i) * 1000 }) // CZK/MWh

	points := resample(price, nil, nil)
	require.Len(t, points, 100) // 25 hourly prices span 25h / 15min

	for i := 0; i < 4; i++ {
		assert.Equal(t, 0.0, points[i].SpotPriceCZKKWh)
	}
	for i := 4; i < 8; i++ {
		assert.Equal(t, 1.0, points[i].SpotPriceCZKKWh)
	}
}

func TestResample_TrapezoidalInterpolatesPV(t *testing.T) {
	start := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	price := hourly(start, 25, func(i int) float64 { return 2000 })
	pv := []PowerSample{
		{TS: start, Watts: 0},
		{TS: start.Add(time.Hour), Watts: 4000},
	}

	points := resample(price, pv, nil)

	// Interval [10:00, 10:15): power rises linearly 0 -> 1000W, avg 500W -> 0.125 kWh
	assert.InDelta(t, 0.125, points[0].PVKWh15m, 1e-9)
	// Interval [10:45, 11:00): power rises 3000 -> 4000W, avg 3500W -> 0.875 kWh
	assert.InDelta(t, 0.875, points[3].PVKWh15m, 1e-9)
}

func TestResample_HoldsPowerFlatBeyondSampleEdges(t *testing.T) {
	start := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	price := hourly(start, 25, func(i int) float64 { return 2000 })
	pv := []PowerSample{{TS: start.Add(5 * time.Hour), Watts: 3000}}

	points := resample(price, pv, nil)

	assert.InDelta(t, 3000.0/1000*0.25, points[0].PVKWh15m, 1e-9)
}

func TestResample_EmptyPowerSeriesYieldsZero(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	price := hourly(start, 25, func(i int) float64 { return 1000 })

	points := resample(price, nil, nil)
	for _, p := range points {
		assert.Equal(t, 0.0, p.PVKWh15m)
		assert.Equal(t, 0.0, p.LoadKWh15m)
	}
}
