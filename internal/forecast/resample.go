package forecast

import (
	"time"

	"github.com/oig-battery-box/batterycore/internal/types"
)

// resample converts hourly price/PV/load samples into the quarter-hour
// grid: price is replicated across the four intervals of its hour (day-ahead
// markets quote one price per hour), PV and load are trapezoidally
// interpolated between bracketing hourly samples, matching
// "energy per hour converted to per-interval kWh by trapezoidal
// interpolation". The returned series spans the available price horizon; the
// optimizer's own fillHorizon pads it out to the full planning window.
func resample(price []PricePoint, pv, load []PowerSample) []types.ForecastPoint {
	start := price[0].TS
	end := price[len(price)-1].TS.Add(time.Hour)
	n := int(end.Sub(start) / types.IntervalDuration)

	points := make([]types.ForecastPoint, n)
	for i := 0; i < n; i++ {
		ts := start.Add(time.Duration(i) * types.IntervalDuration)
		points[i] = types.ForecastPoint{
			TS:              ts,
			SpotPriceCZKKWh: replicatedPrice(price, ts),
			PVKWh15m:        interpolatedEnergyKWh(pv, ts),
			LoadKWh15m:      interpolatedEnergyKWh(load, ts),
		}
	}
	return points
}

// replicatedPrice returns the CZK/kWh price of the hourly bucket containing ts.
func replicatedPrice(series []PricePoint, ts time.Time) float64 {
	idx := hourIndex(series, ts)
	if idx < 0 {
		idx = 0
	}
	return series[idx].SpotCZKMWh / 1000
}

// hourIndex returns the index of the last sample whose timestamp is <= ts,
// or -1 if ts precedes every sample.
func hourIndex(series []PricePoint, ts time.Time) int {
	for i := len(series) - 1; i >= 0; i-- {
		if !ts.Before(series[i].TS) {
			return i
		}
	}
	return -1
}

// interpolatedEnergyKWh returns the trapezoidal-rule energy, in kWh, the
// interval [ts, ts+15m) contributes: the average of the interpolated power
// at the interval's start and end, held flat beyond the sample's edges.
func interpolatedEnergyKWh(series []PowerSample, ts time.Time) float64 {
	if len(series) == 0 {
		return 0
	}
	pStart := powerAt(series, ts)
	pEnd := powerAt(series, ts.Add(types.IntervalDuration))
	avgWatts := (pStart + pEnd) / 2
	return avgWatts / 1000 * types.IntervalDuration.Hours()
}

// powerAt linearly interpolates the instantaneous watts at ts between the
// two bracketing hourly samples, holding flat before the first and after
// the last sample.
func powerAt(series []PowerSample, ts time.Time) float64 {
	if ts.Before(series[0].TS) {
		return series[0].Watts
	}
	last := series[len(series)-1]
	if !ts.Before(last.TS) {
		return last.Watts
	}
	for i := 0; i < len(series)-1; i++ {
		a, b := series[i], series[i+1]
		if !ts.Before(a.TS) && ts.Before(b.TS) {
			frac := ts.Sub(a.TS).Hours() / b.TS.Sub(a.TS).Hours()
			return a.Watts + (b.Watts-a.Watts)*frac
		}
	}
	return last.Watts
}
