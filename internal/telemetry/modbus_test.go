package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oig-battery-box/batterycore/internal/types"
)

func TestModeRegisterRoundTrip(t *testing.T) {
	for _, mode := range []types.ModeKind{types.HomeI, types.HomeII, types.HomeIII, types.HomeUPS} {
		reg, err := registerFromMode(mode)
		require.NoError(t, err)
		back, err := modeFromRegister(reg)
		require.NoError(t, err)
		assert.Equal(t, mode, back)
	}
}

func TestModeFromRegister_UnknownValueErrors(t *testing.T) {
	_, err := modeFromRegister(99)
	assert.Error(t, err)
}

func TestRegisterFromMode_InvalidModeErrors(t *testing.T) {
	_, err := registerFromMode(types.ModeKind(99))
	assert.Error(t, err)
}
