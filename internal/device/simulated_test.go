package device

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapcrawler/tapcrawler/internal/config"
)

func testDeviceConfig() config.DeviceConfig {
	return config.DeviceConfig{
		Type:        "simulated",
		ScreenShape: [2]int{40, 30},
		Points:      3,
		PointMargin: 1,
		ClickMargin: 2,
		Apps:        []string{"alpha", "beta"},
	}
}

func TestSimulatedScreenHasTargets(t *testing.T) {
	d := NewSimulated("sim-0", testDeviceConfig(), 1, zerolog.Nop())
	ctx := context.Background()

	shot, err := d.Screenshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{40, 30, 3}, shot.Shape)

	for _, target := range d.Targets() {
		x, y := target[0], target[1]
		off := (y*30 + x) * 3
		assert.Equal(t, byte(0), shot.Data[off])
		assert.Equal(t, byte(255), shot.Data[off+2])
	}
}

func TestSimulatedClickOnTargetRedraws(t *testing.T) {
	d := NewSimulated("sim-0", testDeviceConfig(), 2, zerolog.Nop())
	ctx := context.Background()

	before, _ := d.Screenshot(ctx)
	target := d.Targets()[0]
	require.NoError(t, d.SendEvent(ctx, target[0], target[1], EventClick))

	after, _ := d.Screenshot(ctx)
	assert.False(t, before.Equal(after))
}

func TestSimulatedClickOffTargetKeepsScreen(t *testing.T) {
	cfg := testDeviceConfig()
	cfg.Points = 0
	d := NewSimulated("sim-0", cfg, 3, zerolog.Nop())
	ctx := context.Background()

	before, _ := d.Screenshot(ctx)
	require.NoError(t, d.SendEvent(ctx, 5, 5, EventClick))
	after, _ := d.Screenshot(ctx)
	assert.True(t, before.Equal(after))

	assert.ErrorIs(t, d.SendEvent(ctx, 5, 5, 1), ErrUnsupportedEvent)
}

func TestSimulatedAppLifecycle(t *testing.T) {
	d := NewSimulated("sim-0", testDeviceConfig(), 4, zerolog.Nop())
	ctx := context.Background()

	assert.Error(t, d.OpenApp(ctx, "alpha"))
	require.NoError(t, d.Start(ctx, false))

	booted, err := d.IsBooted(ctx)
	require.NoError(t, err)
	assert.True(t, booted)

	require.NoError(t, d.OpenApp(ctx, "alpha"))
	in, _ := d.IsInApp(ctx, "alpha", true)
	assert.True(t, in)

	require.NoError(t, d.Restart(ctx))
	in, _ = d.IsInApp(ctx, "alpha", true)
	assert.False(t, in)
	assert.Equal(t, []string{"alpha", "beta"}, d.Apps())
}
