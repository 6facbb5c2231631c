// Package device defines the capability set the interaction state machine
// needs from a controlled device, plus a simulated implementation used for
// dry runs and tests.
package device

import (
	"context"
	"errors"

	"github.com/tapcrawler/tapcrawler/internal/tensor"
)

// ErrUnsupportedEvent is returned for input event types a device cannot send.
var ErrUnsupportedEvent = errors.New("unsupported event type")

// EventClick is the only input event type currently produced by agents.
const EventClick = 0

// Device is a controlled device. Every call may fail transiently.
type Device interface {
	// Name identifies the device in logs.
	Name() string
	// Apps returns the installed apps the agent rotates through.
	Apps() []string
	// Start boots the device, optionally discarding cached state.
	Start(ctx context.Context, fresh bool) error
	// Restart powers the device off and boots it again.
	Restart(ctx context.Context) error
	// IsBooted reports whether the device finished booting.
	IsBooted(ctx context.Context) (bool, error)
	// IsInApp reports whether app is running, and in front when forceFront is set.
	IsInApp(ctx context.Context, app string, forceFront bool) (bool, error)
	// OpenApp launches app and waits for it to start.
	OpenApp(ctx context.Context, app string) error
	// CloseApp stops app and clears its data.
	CloseApp(ctx context.Context, app string) error
	// Screenshot captures the screen as a [height, width, channels] array.
	Screenshot(ctx context.Context) (tensor.Array, error)
	// SendEvent injects an input event at screen coordinates.
	SendEvent(ctx context.Context, x, y, eventType int) error
}
