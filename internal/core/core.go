// Package core implements the supervisor that runs every component's
// periodic responsibility on its own schedule under one root cancellation
// signal, generalizing scheduler/scheduler.go's PeriodicTask/Start/Stop
// shape from a dedicated stopChan to a context.Context and from a raw
// sync.WaitGroup to golang.org/x/sync/errgroup, per §5's scheduling model.
package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"
)

// Task is one periodic responsibility: telemetry polling, price refresh,
// weather polling, optimizer refresh, the executor tick, the balancing
// check, the weather-plan refresh, and so on. Run errors are logged, not
// fatal — a single failed tick never stops the task's schedule.
type Task struct {
	Name         string
	InitialDelay time.Duration
	Interval     time.Duration
	Run          func(ctx context.Context) error
}

func (t Task) loop(ctx context.Context, logger *log.Logger) error {
	if t.InitialDelay > 0 {
		select {
		case <-time.After(t.InitialDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	t.tick(ctx, logger)

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.tick(ctx, logger)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t Task) tick(ctx context.Context, logger *log.Logger) {
	if err := t.Run(ctx); err != nil && logger != nil {
		logger.Printf("core: %s: %v", t.Name, err)
	}
}

// Supervisor runs a fixed set of Tasks under a shared root cancellation
// signal and waits a bounded amount of time for them to exit on shutdown.
type Supervisor struct {
	tasks  []Task
	logger *log.Logger

	cancel context.CancelFunc
	done   chan error
}

// NewSupervisor builds a Supervisor over tasks. logger may be nil.
func NewSupervisor(logger *log.Logger, tasks ...Task) *Supervisor {
	return &Supervisor{tasks: tasks, logger: logger}
}

// Start launches every task in its own goroutine under a context derived
// from ctx. It returns immediately; call Shutdown to stop.
func (s *Supervisor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan error, 1)

	go func() {
		g, gctx := errgroup.WithContext(runCtx)
		for _, t := range s.tasks {
			t := t
			g.Go(func() error { return t.loop(gctx, s.logger) })
		}
		s.done <- g.Wait()
	}()
}

// Shutdown cancels the root context and waits up to timeout for every
// task to exit. A timeout expiry is reported as an error but does not
// block further; the goroutines keep unwinding in the background.
func (s *Supervisor) Shutdown(timeout time.Duration) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()

	select {
	case err := <-s.done:
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	case <-time.After(timeout):
		return fmt.Errorf("core: shutdown timed out after %s waiting for tasks to exit", timeout)
	}
}
