// Package executor implements the plan executor (C9): every scheduler
// tick it resolves the active plan's current interval, compares the
// desired mode/grid-export limit against the latest telemetry, and
// issues the minimal command set to reconcile them, following
// scheduler/mpc.go's runMPCExecution match-current-hour-then-execute
// shape, generalized from hourly MPC decisions to quarter-hour plan
// intervals and from a single actuation to mode+grid-limit reconciliation.
package executor

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/oig-battery-box/batterycore/internal/errs"
	"github.com/oig-battery-box/batterycore/internal/planstore"
	"github.com/oig-battery-box/batterycore/internal/types"
)

const (
	retryAttempts = 2
	selfGrace     = 5 * time.Minute
)

// retrySpacing is the delay between actuation retries (10s per spec); a
// var so tests can shrink it.
var retrySpacing = 10 * time.Second

// TelemetrySource supplies the most recently polled snapshot. Satisfied by *telemetry.Poller.
type TelemetrySource interface {
	Latest() (types.TelemetrySnapshot, bool)
}

// Actuator issues the writes the executor is allowed to perform. Satisfied by telemetry.Source.
type Actuator interface {
	SetMode(ctx context.Context, mode types.ModeKind) error
	SetGridLimit(ctx context.Context, watts int) error
}

// ShieldGate lets the executor check and report on external overrides. Satisfied by *shield.Shield.
type ShieldGate interface {
	QuarantineActive() bool
	ObserveMismatch(now time.Time, activePlanID string, actualMode types.ModeKind) (bool, error)
	ObserveConvergence(now time.Time, plannedMode, actualMode types.ModeKind) bool
}

// Executor reconciles inverter state with the active plan on every tick.
type Executor struct {
	telemetry TelemetrySource
	actuator  Actuator
	store     *planstore.Store
	shield    ShieldGate
	logger    *log.Logger

	mu           sync.Mutex
	lastIssuedTS time.Time
	lastIssued   types.ModeKind

	statusCh chan error
}

// New builds an Executor. statusChBuffer sizes the status channel that
// surfaces ErrActuationFailed after retries are exhausted; 0 is treated as 1.
func New(telemetrySource TelemetrySource, actuator Actuator, store *planstore.Store, shield ShieldGate, logger *log.Logger, statusChBuffer int) *Executor {
	if statusChBuffer <= 0 {
		statusChBuffer = 1
	}
	return &Executor{
		telemetry: telemetrySource,
		actuator:  actuator,
		store:     store,
		shield:    shield,
		logger:    logger,
		statusCh:  make(chan error, statusChBuffer),
	}
}

// Status returns the channel ErrActuationFailed is surfaced on. Non-blocking
// reads should select on it; a full channel drops the oldest notification.
func (e *Executor) Status() <-chan error {
	return e.statusCh
}

// Tick runs one reconciliation pass. It never returns an actuation error;
// persistent write failures are surfaced on Status() instead so a single
// bad tick cannot crash the scheduler loop.
func (e *Executor) Tick(ctx context.Context, now time.Time) error {
	snapshot, ok := e.telemetry.Latest()
	if !ok {
		return nil
	}

	active, err := e.store.GetActive()
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil
		}
		return err
	}

	iv, ok := active.IntervalAt(now)
	if !ok {
		return nil
	}

	desiredMode := resolveHoldingMode(active, iv, snapshot, now)
	desiredLimit := active.ContextSummary.GridExportLimitW

	modeMatches := snapshot.CurrentMode == desiredMode
	limitMatches := desiredLimit == 0 || snapshot.GridExportLimitW == desiredLimit

	if modeMatches && limitMatches {
		e.shield.ObserveConvergence(now, desiredMode, snapshot.CurrentMode)
		return nil
	}

	quarantined := e.shield.QuarantineActive()
	if !modeMatches && !quarantined && !e.selfIssuedRecently(now, desiredMode) {
		changed, err := e.shield.ObserveMismatch(now, active.PlanID, snapshot.CurrentMode)
		if err != nil {
			return err
		}
		quarantined = quarantined || changed
	}

	if quarantined {
		return nil
	}

	if !modeMatches {
		if err := e.issueWithRetry(ctx, func(ctx context.Context) error { return e.actuator.SetMode(ctx, desiredMode) }); err != nil {
			e.surface(err)
		} else {
			e.recordSelfIssued(now, desiredMode)
		}
	}

	if !limitMatches {
		if err := e.issueWithRetry(ctx, func(ctx context.Context) error { return e.actuator.SetGridLimit(ctx, desiredLimit) }); err != nil {
			e.surface(err)
		}
	}

	return nil
}

func (e *Executor) issueWithRetry(ctx context.Context, op func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retrySpacing):
			}
		}
		if err := op(ctx); err != nil {
			lastErr = err
			if e.logger != nil {
				e.logger.Printf("executor: write failed (attempt %d/%d): %v", attempt+1, retryAttempts+1, err)
			}
			continue
		}
		return nil
	}
	return errors.Join(errs.ErrActuationFailed, lastErr)
}

func (e *Executor) surface(err error) {
	select {
	case e.statusCh <- err:
	default:
		<-e.statusCh
		e.statusCh <- err
	}
}

func (e *Executor) selfIssuedRecently(now time.Time, mode types.ModeKind) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastIssued == mode && now.Sub(e.lastIssuedTS) < selfGrace
}

func (e *Executor) recordSelfIssued(now time.Time, mode types.ModeKind) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastIssued = mode
	e.lastIssuedTS = now
}

// resolveHoldingMode overrides the plan's simulated mode with HOME_UPS
// whenever now falls inside a holding window whose simulated mode isn't
// already HOME_UPS and live SoC has dropped below the window's target.
// The simulator clamps charging at plan time, so it never models load
// eating back into SoC between ticks; this is the runtime maintenance
// correction for that gap.
func resolveHoldingMode(active types.Plan, iv types.IntervalProjection, snapshot types.TelemetrySnapshot, now time.Time) types.ModeKind {
	window := active.ContextSummary.Holding
	if window == nil || !window.Contains(now) || iv.Mode == types.HomeUPS {
		return iv.Mode
	}
	targetKWh := snapshot.CapacityKWh * window.TargetSoCPct / 100
	if snapshot.SoCKWh < targetKWh-types.SoCTolerance {
		return types.HomeUPS
	}
	return iv.Mode
}
