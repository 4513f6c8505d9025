package forecast

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	pragueLat = 50.0755
	pragueLon = 14.4378
)

func TestSolarEstimator_ZeroAtMidnight(t *testing.T) {
	s := NewSolarEstimator(nil, 5.0, pragueLat, pragueLon)
	midnight := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 0.0, s.estimateWatts(midnight, nil))
}

func TestSolarEstimator_PositiveAtMidday(t *testing.T) {
	s := NewSolarEstimator(nil, 5.0, pragueLat, pragueLon)
	noon := time.Date(2026, 6, 15, 11, 0, 0, 0, time.UTC) // ~local solar noon in summer
	assert.Greater(t, s.estimateWatts(noon, nil), 0.0)
}

func TestSolarEstimator_CloudsDerateOutput(t *testing.T) {
	s := NewSolarEstimator(nil, 5.0, pragueLat, pragueLon)
	noon := time.Date(2026, 6, 15, 11, 0, 0, 0, time.UTC)

	clear := s.estimateWatts(noon, nil)
	overcast := s.estimateWatts(noon, []CloudSample{{TS: noon, CoverPct: 100}})

	require.Greater(t, clear, 0.0)
	assert.Less(t, overcast, clear)
	assert.InDelta(t, clear*0.10, overcast, 1e-6)
}

func TestSolarEstimator_FetchPowerReturns24HourlySamples(t *testing.T) {
	s := NewSolarEstimator(nil, 5.0, pragueLat, pragueLon)
	samples, err := s.FetchPower(context.Background())
	require.NoError(t, err)
	assert.Len(t, samples, 24)
}

func TestCloudCoverAt_PicksNearestSample(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	series := []CloudSample{
		{TS: base, CoverPct: 10},
		{TS: base.Add(2 * time.Hour), CoverPct: 80},
	}
	cover, ok := cloudCoverAt(series, base.Add(30*time.Minute))
	require.True(t, ok)
	assert.Equal(t, 10.0, cover)
}
