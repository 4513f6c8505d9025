package telemetry

import (
	"context"
	"log"

	"github.com/oig-battery-box/batterycore/internal/types"
)

// DryRunSource wraps a Source so every write is logged instead of issued,
// mirroring scheduler/miners.go's isDryRun guard around each device command.
// Reads (GetStats/GetExtendedStats) pass straight through the embedded Source.
type DryRunSource struct {
	Source
	logger *log.Logger
}

// NewDryRunSource wraps source for dry-run operation.
func NewDryRunSource(source Source, logger *log.Logger) *DryRunSource {
	return &DryRunSource{Source: source, logger: logger}
}

// SetMode logs the mode change that would have been issued and returns nil.
func (d *DryRunSource) SetMode(ctx context.Context, mode types.ModeKind) error {
	if d.logger != nil {
		d.logger.Printf("DRY-RUN: would set mode to %s", mode)
	}
	return nil
}

// SetGridLimit logs the grid-export limit change that would have been issued and returns nil.
func (d *DryRunSource) SetGridLimit(ctx context.Context, watts int) error {
	if d.logger != nil {
		d.logger.Printf("DRY-RUN: would set grid export limit to %dW", watts)
	}
	return nil
}

// SetBoiler logs the boiler state change that would have been issued and returns nil.
func (d *DryRunSource) SetBoiler(ctx context.Context, on bool) error {
	if d.logger != nil {
		d.logger.Printf("DRY-RUN: would set boiler on=%t", on)
	}
	return nil
}
