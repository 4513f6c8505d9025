// Package shield implements the service shield (C10): it tracks every
// command the executor issues in a short-lived queue, and when the
// executor observes a mode change it did not request, quarantines
// executor writes until the telemetry converges back to the planned mode
// or a timeout elapses. Shaped like scheduler/data.go's mutex-guarded
// cache objects — there is no direct teacher analog for the state
// machine itself.
package shield

import (
	"log"
	"sync"
	"time"

	"github.com/oig-battery-box/batterycore/internal/planstore"
	"github.com/oig-battery-box/batterycore/internal/types"
)

const (
	defaultQueueTTL      = 60 * time.Second
	defaultShieldTimeout = 15 * time.Minute
	minShieldTimeout     = 5 * time.Minute
	maxShieldTimeout     = 60 * time.Minute
)

// Shield tracks in-flight executor commands and the quarantine state
// machine: normal -> suspended -> (release_timeout | convergence_release) -> normal.
type Shield struct {
	store         *planstore.Store
	queueTTL      time.Duration
	shieldTimeout time.Duration
	logger        *log.Logger

	mu             sync.Mutex
	queue          []types.Command
	state          types.ShieldState
	suspendedUntil time.Time
	overriddenPlan string
}

// New builds a Shield. shieldTimeout is clamped to [5min, 60min]; a
// non-positive queueTTL falls back to the 60s default.
func New(store *planstore.Store, queueTTL, shieldTimeout time.Duration, logger *log.Logger) *Shield {
	if queueTTL <= 0 {
		queueTTL = defaultQueueTTL
	}
	switch {
	case shieldTimeout == 0:
		shieldTimeout = defaultShieldTimeout
	case shieldTimeout < minShieldTimeout:
		shieldTimeout = minShieldTimeout
	case shieldTimeout > maxShieldTimeout:
		shieldTimeout = maxShieldTimeout
	}
	return &Shield{store: store, queueTTL: queueTTL, shieldTimeout: shieldTimeout, logger: logger}
}

// Announce records a command the executor is about to issue, so a later
// ObserveMismatch call can recognize it as self-inflicted rather than an
// external override. Satisfies telemetry.ShieldAnnouncer.
func (s *Shield) Announce(cmd types.Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(cmd.IssuedTS)
	s.queue = append(s.queue, cmd)
}

// QuarantineActive reports whether executor writes are currently
// suspended, releasing the suspension first if its timeout has elapsed.
// Satisfies balancing.ShieldStatus.
func (s *Shield) QuarantineActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseOnTimeoutLocked(time.Now())
	return s.state == types.ShieldSuspended
}

// State returns the current state machine position.
func (s *Shield) State() types.ShieldState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ObserveMismatch is called by the executor when telemetry's current mode
// differs from the active plan's mode and that difference was not issued
// by the executor within the last 5 minutes. If no queued command
// explains the change, it marks activePlanID externally overridden and
// suspends executor writes for the configured timeout. It returns true if
// this call caused a (re-)suspension.
func (s *Shield) ObserveMismatch(now time.Time, activePlanID string, actualMode types.ModeKind) (bool, error) {
	s.mu.Lock()
	s.pruneLocked(now)
	matched := s.matchesQueuedModeLocked(actualMode)
	s.mu.Unlock()

	if matched {
		return false, nil
	}

	if s.store != nil && activePlanID != "" {
		if err := s.store.MarkExternallyOverridden(activePlanID); err != nil {
			return false, err
		}
	}

	s.mu.Lock()
	s.state = types.ShieldSuspended
	s.suspendedUntil = now.Add(s.shieldTimeout)
	s.overriddenPlan = activePlanID
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Printf("shield: external override detected on plan %s, suspending writes until %s", activePlanID, s.suspendedUntil.Format(time.RFC3339))
	}
	return true, nil
}

// ObserveConvergence releases a suspension early once telemetry reports
// the mode the active plan calls for again.
func (s *Shield) ObserveConvergence(now time.Time, plannedMode, actualMode types.ModeKind) bool {
	if plannedMode != actualMode {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != types.ShieldSuspended {
		return false
	}
	s.release()
	if s.logger != nil {
		s.logger.Printf("shield: convergence release for plan %s", s.overriddenPlan)
	}
	return true
}

func (s *Shield) releaseOnTimeoutLocked(now time.Time) {
	if s.state == types.ShieldSuspended && !now.Before(s.suspendedUntil) {
		s.release()
		if s.logger != nil {
			s.logger.Printf("shield: timeout release for plan %s", s.overriddenPlan)
		}
	}
}

func (s *Shield) release() {
	s.state = types.ShieldNormal
	s.suspendedUntil = time.Time{}
	s.overriddenPlan = ""
}

func (s *Shield) matchesQueuedModeLocked(mode types.ModeKind) bool {
	for _, c := range s.queue {
		if c.Kind == types.CommandSetMode && c.Mode == mode {
			return true
		}
	}
	return false
}

func (s *Shield) pruneLocked(now time.Time) {
	kept := s.queue[:0]
	for _, c := range s.queue {
		if now.Sub(c.IssuedTS) <= s.queueTTL {
			kept = append(kept, c)
		}
	}
	s.queue = kept
}
