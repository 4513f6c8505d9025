package shield

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oig-battery-box/batterycore/internal/planstore"
	"github.com/oig-battery-box/batterycore/internal/types"
)

func newStore(t *testing.T) *planstore.Store {
	t.Helper()
	s, err := planstore.New(t.TempDir(), nil)
	require.NoError(t, err)
	return s
}

func TestQuarantineActive_FalseInitially(t *testing.T) {
	s := New(newStore(t), 0, 0, nil)
	assert.False(t, s.QuarantineActive())
}

func TestObserveMismatch_MatchesQueuedCommandNoSuspend(t *testing.T) {
	s := New(newStore(t), time.Minute, 15*time.Minute, nil)
	now := time.Now()
	s.Announce(types.Command{Kind: types.CommandSetMode, Mode: types.HomeIII, IssuedTS: now})

	changed, err := s.ObserveMismatch(now.Add(time.Second), "plan-1", types.HomeIII)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.False(t, s.QuarantineActive())
}

func TestObserveMismatch_UnmatchedSuspends(t *testing.T) {
	store := newStore(t)
	id, err := store.Create(types.Plan{Kind: types.PlanAutomatic})
	require.NoError(t, err)
	require.NoError(t, store.Activate(id))

	s := New(store, time.Minute, 15*time.Minute, nil)
	now := time.Now()

	changed, err := s.ObserveMismatch(now, id, types.HomeI)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, s.QuarantineActive())

	active, err := store.GetActive()
	require.NoError(t, err)
	assert.True(t, active.ExternallyOverridden)
}

func TestObserveMismatch_ExpiredQueueEntryDoesNotMatch(t *testing.T) {
	store := newStore(t)
	id, err := store.Create(types.Plan{Kind: types.PlanAutomatic})
	require.NoError(t, err)
	require.NoError(t, store.Activate(id))

	s := New(store, time.Minute, 15*time.Minute, nil)
	now := time.Now()
	s.Announce(types.Command{Kind: types.CommandSetMode, Mode: types.HomeIII, IssuedTS: now.Add(-2 * time.Minute)})

	changed, err := s.ObserveMismatch(now, id, types.HomeIII)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestQuarantineActive_ReleasesAfterTimeout(t *testing.T) {
	s := New(newStore(t), time.Minute, time.Minute, nil)
	now := time.Now()
	_, err := s.ObserveMismatch(now, "", types.HomeI)
	require.NoError(t, err)
	assert.True(t, s.QuarantineActive())

	s.mu.Lock()
	s.suspendedUntil = now.Add(-time.Second)
	s.mu.Unlock()

	assert.False(t, s.QuarantineActive())
	assert.Equal(t, types.ShieldNormal, s.State())
}

func TestObserveConvergence_ReleasesWhenModeMatches(t *testing.T) {
	s := New(newStore(t), time.Minute, 15*time.Minute, nil)
	now := time.Now()
	_, err := s.ObserveMismatch(now, "", types.HomeI)
	require.NoError(t, err)
	require.True(t, s.QuarantineActive())

	released := s.ObserveConvergence(now, types.HomeII, types.HomeI)
	assert.False(t, released) // plannedMode != actualMode, not converged

	released = s.ObserveConvergence(now, types.HomeI, types.HomeI)
	assert.True(t, released)
	assert.False(t, s.QuarantineActive())
}

func TestObserveConvergence_NoopWhenNotSuspended(t *testing.T) {
	s := New(newStore(t), time.Minute, 15*time.Minute, nil)
	assert.False(t, s.ObserveConvergence(time.Now(), types.HomeI, types.HomeI))
}

func TestNew_ClampsShieldTimeout(t *testing.T) {
	s := New(newStore(t), 0, time.Minute, nil)
	assert.Equal(t, minShieldTimeout, s.shieldTimeout)

	s = New(newStore(t), 0, 2*time.Hour, nil)
	assert.Equal(t, maxShieldTimeout, s.shieldTimeout)

	s = New(newStore(t), 0, 0, nil)
	assert.Equal(t, defaultShieldTimeout, s.shieldTimeout)
}
