package core

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSupervisor_RunsTaskImmediatelyThenOnInterval(t *testing.T) {
	var count int32
	task := Task{
		Name:     "t1",
		Interval: 10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&count, 1)
			return nil
		},
	}
	s := NewSupervisor(nil, task)
	s.Start(context.Background())

	require.Eventually(t, func() bool { return atomic.LoadInt32(&count) >= 2 }, time.Second, time.Millisecond)

	require.NoError(t, s.Shutdown(2*time.Second))
}

func TestSupervisor_RespectsInitialDelay(t *testing.T) {
	var ran int32
	task := Task{
		Name:         "t1",
		InitialDelay: 200 * time.Millisecond,
		Interval:     time.Hour,
		Run: func(ctx context.Context) error {
			atomic.StoreInt32(&ran, 1)
			return nil
		},
	}
	s := NewSupervisor(nil, task)
	s.Start(context.Background())

	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))

	require.NoError(t, s.Shutdown(2*time.Second))
}

func TestSupervisor_TaskErrorDoesNotStopSchedule(t *testing.T) {
	var count int32
	task := Task{
		Name:     "t1",
		Interval: 10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&count, 1)
			return errors.New("boom")
		},
	}
	s := NewSupervisor(nil, task)
	s.Start(context.Background())

	require.Eventually(t, func() bool { return atomic.LoadInt32(&count) >= 3 }, time.Second, time.Millisecond)

	require.NoError(t, s.Shutdown(2*time.Second))
}

func TestSupervisor_ShutdownWithoutStartIsNoop(t *testing.T) {
	s := NewSupervisor(nil)
	assert.NoError(t, s.Shutdown(time.Second))
}

func TestSupervisor_MultipleTasksRunIndependently(t *testing.T) {
	var a, b int32
	taskA := Task{Name: "a", Interval: 10 * time.Millisecond, Run: func(ctx context.Context) error {
		atomic.AddInt32(&a, 1)
		return nil
	}}
	taskB := Task{Name: "b", Interval: 50 * time.Millisecond, Run: func(ctx context.Context) error {
		atomic.AddInt32(&b, 1)
		return nil
	}}
	s := NewSupervisor(nil, taskA, taskB)
	s.Start(context.Background())

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&a) >= 3 && atomic.LoadInt32(&b) >= 1
	}, 2*time.Second, time.Millisecond)

	require.NoError(t, s.Shutdown(2*time.Second))
}
