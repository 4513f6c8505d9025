// Package telemetry implements the vendor cloud session client and its
// local Modbus mirror (C1), generalizing entsoe/api_client.go's single-
// purpose HTTP client and sigenergy/modbus_client.go's register reads into
// one TelemetrySnapshot-producing interface.
package telemetry

import (
	"context"

	"github.com/oig-battery-box/batterycore/internal/types"
)

// Source is satisfied by both the vendor cloud Client and the local
// ModbusMirror; callers (Poller, the executor) depend on this, not a
// concrete implementation, so the data source can switch between "cloud"
// and "local" per config without touching the rest of the core.
type Source interface {
	GetStats(ctx context.Context) (types.TelemetrySnapshot, error)
	GetExtendedStats(ctx context.Context) (types.TelemetrySnapshot, error)
	SetMode(ctx context.Context, mode types.ModeKind) error
	SetGridLimit(ctx context.Context, watts int) error
	SetBoiler(ctx context.Context, on bool) error
}

// ShieldAnnouncer receives every write before it reaches the device, so the
// service shield (C10) can tell its own commands apart from externally
// initiated ones.
type ShieldAnnouncer interface {
	Announce(types.Command)
}

type noopAnnouncer struct{}

func (noopAnnouncer) Announce(types.Command) {}
