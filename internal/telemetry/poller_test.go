package telemetry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oig-battery-box/batterycore/internal/types"
)

type pollerFakeSource struct {
	statsCalls    int32
	extendedCalls int32
	failUntil     int32
}

func (f *pollerFakeSource) GetStats(ctx context.Context) (types.TelemetrySnapshot, error) {
	n := atomic.AddInt32(&f.statsCalls, 1)
	if n <= atomic.LoadInt32(&f.failUntil) {
		return types.TelemetrySnapshot{}, errors.New("transient failure")
	}
	return types.TelemetrySnapshot{SoCKWh: 8.0, CapacityKWh: 15.36}, nil
}

func (f *pollerFakeSource) GetExtendedStats(ctx context.Context) (types.TelemetrySnapshot, error) {
	atomic.AddInt32(&f.extendedCalls, 1)
	return types.TelemetrySnapshot{SoCKWh: 8.0, CapacityKWh: 15.36}, nil
}

func (f *pollerFakeSource) SetMode(ctx context.Context, mode types.ModeKind) error { return nil }
func (f *pollerFakeSource) SetGridLimit(ctx context.Context, watts int) error      { return nil }
func (f *pollerFakeSource) SetBoiler(ctx context.Context, on bool) error           { return nil }

func TestPoller_PublishesSnapshotOnSuccess(t *testing.T) {
	src := &pollerFakeSource{}
	p := NewPoller(src, 20*time.Millisecond, 300*time.Second, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	_ = p.Run(ctx)

	snap, ok := p.Latest()
	require.True(t, ok)
	assert.Equal(t, 8.0, snap.SoCKWh)
	assert.Equal(t, StatusHealthy, p.Status())
}

func TestPoller_MarksDegradedAfterThreeFailures(t *testing.T) {
	src := &pollerFakeSource{failUntil: 5}
	p := NewPoller(src, 5*time.Millisecond, 300*time.Second, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	_ = p.Run(ctx)

	assert.Equal(t, StatusDegraded, p.Status())
}

func TestNewPoller_FloorsExtendedPeriodAt300Seconds(t *testing.T) {
	p := NewPoller(&pollerFakeSource{}, time.Second, time.Second, nil)
	assert.Equal(t, 300*time.Second, p.extendedPeriod)
}
