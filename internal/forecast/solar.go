package forecast

import (
	"context"
	"math"
	"time"

	"github.com/sixdouglas/suncalc"
)

// CloudSample is one hourly cloud-cover sample, percent (0 = clear sky).
type CloudSample struct {
	TS       time.Time
	CoverPct float64
}

// CloudCoverSource fetches an hourly cloud-cover forecast.
type CloudCoverSource interface {
	FetchCloudCover(ctx context.Context) ([]CloudSample, error)
}

// SolarEstimator is a PowerSource that estimates PV output from sun
// position and (optionally) cloud cover, for sites with no vendor PV
// forecast feed. Grounded on scheduler/mpc.go's
// estimateSolarPowerFromWeather: clear-sky power scales with sin(altitude),
// clouds derate it by up to 90%.
type SolarEstimator struct {
	clouds    CloudCoverSource
	peakKW    float64
	latitude  float64
	longitude float64
}

// NewSolarEstimator builds a SolarEstimator for a PV array of peakKW rated
// capacity at the given coordinates. clouds may be nil, in which case a
// clear sky is assumed.
func NewSolarEstimator(clouds CloudCoverSource, peakKW, latitude, longitude float64) *SolarEstimator {
	return &SolarEstimator{clouds: clouds, peakKW: peakKW, latitude: latitude, longitude: longitude}
}

// FetchPower returns an hourly clear-sky-derived PV power estimate for the next 24h.
func (s *SolarEstimator) FetchPower(ctx context.Context) ([]PowerSample, error) {
	var clouds []CloudSample
	if s.clouds != nil {
		fetched, err := s.clouds.FetchCloudCover(ctx)
		if err == nil {
			clouds = fetched
		}
	}

	start := time.Now().Truncate(time.Hour)
	samples := make([]PowerSample, 24)
	for i := range samples {
		ts := start.Add(time.Duration(i) * time.Hour)
		samples[i] = PowerSample{TS: ts, Watts: s.estimateWatts(ts, clouds)}
	}
	return samples, nil
}

func (s *SolarEstimator) estimateWatts(ts time.Time, clouds []CloudSample) float64 {
	times := suncalc.GetTimes(ts, s.latitude, s.longitude)
	sunrise := times["sunrise"].Value
	sunset := times["sunset"].Value
	if ts.Before(sunrise) || ts.After(sunset) {
		return 0
	}

	pos := suncalc.GetPosition(ts, s.latitude, s.longitude)
	altitudeFactor := math.Sin(pos.Altitude)
	if altitudeFactor < 0 {
		return 0
	}

	cloudFactor := 1.0
	if cover, ok := cloudCoverAt(clouds, ts); ok {
		cloudFactor = 1.0 - (cover/100)*0.90
	}

	return s.peakKW * 1000 * altitudeFactor * cloudFactor
}

func cloudCoverAt(series []CloudSample, ts time.Time) (float64, bool) {
	if len(series) == 0 {
		return 0, false
	}
	best := series[0]
	bestDiff := absDuration(ts.Sub(best.TS))
	for _, c := range series[1:] {
		if d := absDuration(ts.Sub(c.TS)); d < bestDiff {
			best, bestDiff = c, d
		}
	}
	return best.CoverPct, true
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
