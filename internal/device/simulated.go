package device

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tapcrawler/tapcrawler/internal/config"
	"github.com/tapcrawler/tapcrawler/internal/tensor"
)

type point struct{ y, x int }

// Simulated is an in-memory device whose single app shows a white screen
// with a few dark targets. Clicking near a target redraws the screen with
// new targets; clicks elsewhere leave it untouched.
type Simulated struct {
	name   string
	cfg    config.DeviceConfig
	logger zerolog.Logger

	mu     sync.Mutex
	rng    *rand.Rand
	screen tensor.Array
	points []point
	booted bool
	open   string
}

// NewSimulated creates a simulated device.
func NewSimulated(name string, cfg config.DeviceConfig, seed int64, logger zerolog.Logger) *Simulated {
	d := &Simulated{
		name:   name,
		cfg:    cfg,
		logger: logger.With().Str("device", name).Logger(),
		rng:    rand.New(rand.NewSource(seed)),
	}
	d.redraw()
	return d
}

// Name returns the device name.
func (d *Simulated) Name() string { return d.name }

// Apps returns the configured app names.
func (d *Simulated) Apps() []string {
	if len(d.cfg.Apps) == 0 {
		return []string{"simulated"}
	}
	return append([]string(nil), d.cfg.Apps...)
}

// Start marks the device as booted.
func (d *Simulated) Start(ctx context.Context, fresh bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.booted = true
	if fresh {
		d.open = ""
	}
	return nil
}

// Restart reboots the device, closing the foreground app.
func (d *Simulated) Restart(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.booted = true
	d.open = ""
	return nil
}

// IsBooted reports the boot state.
func (d *Simulated) IsBooted(ctx context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.booted, nil
}

// IsInApp reports whether app is the foreground app.
func (d *Simulated) IsInApp(ctx context.Context, app string, forceFront bool) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.booted && d.open == app, nil
}

// OpenApp brings app to the foreground.
func (d *Simulated) OpenApp(ctx context.Context, app string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.booted {
		return fmt.Errorf("device %s is not booted", d.name)
	}
	d.open = app
	return nil
}

// CloseApp closes app if it is in front.
func (d *Simulated) CloseApp(ctx context.Context, app string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open == app {
		d.open = ""
	}
	return nil
}

// Screenshot returns a copy of the current screen.
func (d *Simulated) Screenshot(ctx context.Context) (tensor.Array, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.screen.Clone(), nil
}

// SendEvent clicks at (x, y). A click within the click margin of a target
// regenerates the screen.
func (d *Simulated) SendEvent(ctx context.Context, x, y, eventType int) error {
	if eventType != EventClick {
		return fmt.Errorf("%w: %d", ErrUnsupportedEvent, eventType)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.points {
		if math.Hypot(float64(y-p.y), float64(x-p.x)) < d.cfg.ClickMargin {
			d.logger.Debug().Int("x", x).Int("y", y).Msg("Target hit")
			d.redraw()
			return nil
		}
	}
	return nil
}

// Targets returns the current target centres as (x, y) pairs.
func (d *Simulated) Targets() [][2]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][2]int, len(d.points))
	for i, p := range d.points {
		out[i] = [2]int{p.x, p.y}
	}
	return out
}

func (d *Simulated) redraw() {
	h, w := d.cfg.ScreenShape[0], d.cfg.ScreenShape[1]
	screen := tensor.New(tensor.Uint8, h, w, 3)
	for i := range screen.Data {
		screen.Data[i] = 255
	}
	d.points = d.points[:0]
	for i := 0; i < d.cfg.Points; i++ {
		p := point{y: d.rng.Intn(h), x: d.rng.Intn(w)}
		d.points = append(d.points, p)
		m := d.cfg.PointMargin
		for yy := max(p.y-m, 0); yy <= min(p.y+m, h-1); yy++ {
			for xx := max(p.x-m, 0); xx <= min(p.x+m, w-1); xx++ {
				off := (yy*w + xx) * 3
				screen.Data[off] = 0
				screen.Data[off+1] = 0
			}
		}
	}
	d.screen = screen
}
