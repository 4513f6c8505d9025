// Package errs defines the sentinel error kinds shared across the
// battery planning core, per the error handling design in spec.md §7.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrProviderUnavailable means a required upstream (telemetry, price,
	// forecast, weather) is unreachable or stale.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrInfeasible means the optimizer could not satisfy a hard target.
	// Callers that need the best-effort plan and shortfall should use
	// errors.As with *InfeasibleError.
	ErrInfeasible = errors.New("optimization infeasible")

	// ErrCorruptState means the plan store detected an inconsistency.
	ErrCorruptState = errors.New("corrupt plan store state")

	// ErrActuationFailed means a command to the telemetry client failed after retries.
	ErrActuationFailed = errors.New("actuation failed")

	// ErrOverridden means the service shield is currently suspended.
	ErrOverridden = errors.New("service shield suspended")

	// ErrValidation means caller-supplied context violates an invariant.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound means a requested plan or resource does not exist.
	ErrNotFound = errors.New("not found")
)

// InfeasibleError carries the best-effort plan's shortfall alongside ErrInfeasible.
type InfeasibleError struct {
	ShortfallKWh float64
}

func (e *InfeasibleError) Error() string {
	return fmt.Sprintf("optimization infeasible: shortfall %.3f kWh", e.ShortfallKWh)
}

func (e *InfeasibleError) Unwrap() error {
	return ErrInfeasible
}
