package telemetry

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/goburrow/modbus"

	"github.com/oig-battery-box/batterycore/internal/types"
)

// Register addresses mirror sigenergy/modbus_client.go's Plant Running
// Information block, narrowed to the fields a TelemetrySnapshot needs.
const (
	regCapacity     = 30000 // rated capacity, 0.01 kWh units, uint32
	regSoC          = 30002 // state of charge, 0.1 % units, uint16
	regModeStatus   = 30004 // EMS work mode, uint16
	regBoiler       = 30083 // boiler relay state, uint16
	regExportLimitW = 30084 // grid export limit, watts, uint16
	regModeCommand  = 40031 // remote EMS control mode, write register
)

// ModbusMirror reads telemetry directly from the Battery Box's local Modbus
// TCP interface, used when config selects "data_source: local" instead of
// the vendor cloud.
type ModbusMirror struct {
	client  modbus.Client
	handler *modbus.TCPClientHandler
}

// NewModbusMirror connects to a Battery Box's Modbus TCP interface at address.
func NewModbusMirror(address string, slaveID byte, timeout time.Duration) (*ModbusMirror, error) {
	handler := modbus.NewTCPClientHandler(address)
	handler.SlaveId = slaveID
	handler.Timeout = timeout

	if err := handler.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to modbus device: %w", err)
	}

	return &ModbusMirror{client: modbus.NewClient(handler), handler: handler}, nil
}

// Close closes the underlying TCP connection.
func (m *ModbusMirror) Close() error {
	return m.handler.Close()
}

// GetStats reads the current plant registers into a TelemetrySnapshot.
func (m *ModbusMirror) GetStats(ctx context.Context) (types.TelemetrySnapshot, error) {
	if err := ctx.Err(); err != nil {
		return types.TelemetrySnapshot{}, err
	}

	data, err := m.client.ReadInputRegisters(regCapacity, 5)
	if err != nil {
		return types.TelemetrySnapshot{}, fmt.Errorf("failed to read plant registers: %w", err)
	}

	capacityKWh := float64(binary.BigEndian.Uint32(data[0:4])) / 100.0
	socPct := float64(binary.BigEndian.Uint16(data[4:6])) / 10.0
	modeRaw := binary.BigEndian.Uint16(data[8:10])

	mode, err := modeFromRegister(modeRaw)
	if err != nil {
		return types.TelemetrySnapshot{}, err
	}

	aux, err := m.client.ReadInputRegisters(regBoiler, 2)
	if err != nil {
		return types.TelemetrySnapshot{}, fmt.Errorf("failed to read boiler/export registers: %w", err)
	}

	return types.TelemetrySnapshot{
		CapacityKWh:      capacityKWh,
		SoCKWh:           capacityKWh * socPct / 100,
		CurrentMode:      mode,
		BoilerOn:         binary.BigEndian.Uint16(aux[0:2]) != 0,
		GridExportLimitW: int(binary.BigEndian.Uint16(aux[2:4])),
		LastUpdateTS:     time.Now(),
	}, nil
}

// GetExtendedStats has no separate local register block; it mirrors GetStats.
func (m *ModbusMirror) GetExtendedStats(ctx context.Context) (types.TelemetrySnapshot, error) {
	return m.GetStats(ctx)
}

// SetMode writes the remote EMS control mode register.
func (m *ModbusMirror) SetMode(ctx context.Context, mode types.ModeKind) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := registerFromMode(mode)
	if err != nil {
		return err
	}
	if _, err := m.client.WriteSingleRegister(regModeCommand, value); err != nil {
		return fmt.Errorf("failed to write mode register: %w", err)
	}
	return nil
}

// SetGridLimit writes the grid export limit register, in watts.
func (m *ModbusMirror) SetGridLimit(ctx context.Context, watts int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, uint16(watts))
	if _, err := m.client.WriteMultipleRegisters(regExportLimitW, 1, buf); err != nil {
		return fmt.Errorf("failed to write grid export limit register: %w", err)
	}
	return nil
}

// SetBoiler writes the boiler relay register.
func (m *ModbusMirror) SetBoiler(ctx context.Context, on bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var value uint16
	if on {
		value = 1
	}
	if _, err := m.client.WriteSingleRegister(regBoiler, value); err != nil {
		return fmt.Errorf("failed to write boiler register: %w", err)
	}
	return nil
}

func modeFromRegister(v uint16) (types.ModeKind, error) {
	switch v {
	case 0:
		return types.HomeI, nil
	case 1:
		return types.HomeII, nil
	case 2:
		return types.HomeIII, nil
	case 3:
		return types.HomeUPS, nil
	default:
		return 0, fmt.Errorf("unknown EMS work mode register value %d", v)
	}
}

func registerFromMode(mode types.ModeKind) (uint16, error) {
	switch mode {
	case types.HomeI:
		return 0, nil
	case types.HomeII:
		return 1, nil
	case types.HomeIII:
		return 2, nil
	case types.HomeUPS:
		return 3, nil
	default:
		return 0, fmt.Errorf("invalid mode %v", mode)
	}
}
