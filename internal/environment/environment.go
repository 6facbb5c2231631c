// Package environment implements the device interaction state machine: it
// drives one device through app rotation, actions and settle detection and
// turns each action into a reward.
package environment

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/tapcrawler/tapcrawler/internal/config"
	"github.com/tapcrawler/tapcrawler/internal/device"
	"github.com/tapcrawler/tapcrawler/internal/tensor"
	"github.com/tapcrawler/tapcrawler/pkg/metrics"
)

var (
	// ErrFatal marks errors that must stop the interaction loop instead of
	// triggering recovery.
	ErrFatal = errors.New("fatal environment error")

	// ErrBlankScreen is returned when every capture in a trial budget was blank.
	ErrBlankScreen = errors.New("blank screen")

	// ErrInvalidDeviceState is returned when the target app is not in the
	// foreground after all in-app checks.
	ErrInvalidDeviceState = errors.New("invalid device state")

	// ErrNoApps is returned when the last app was removed from the rotation.
	ErrNoApps = fmt.Errorf("%w: no apps left in rotation", ErrFatal)
)

const defaultPollInterval = 10 * time.Millisecond

// Phase is the externally visible state of the interaction loop.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseBooting
	PhaseAppSwitch
	PhaseReady
	PhaseAwaitResult
	PhaseErrorRecovery
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseBooting:
		return "booting"
	case PhaseAppSwitch:
		return "app_switch"
	case PhaseReady:
		return "ready"
	case PhaseAwaitResult:
		return "await_result"
	case PhaseErrorRecovery:
		return "error_recovery"
	default:
		return "unknown"
	}
}

// Callbacks receives the episode lifecycle of an environment.
type Callbacks interface {
	OnEpisodeStart(state tensor.Array) error
	OnStateChange(src, action, dst tensor.Array, reward float64) error
	OnEpisodeEnd(premature bool) error
	OnWait() error
	OnError()
}

// Controller decides whether to run episodes and which actions to take.
type Controller interface {
	ShouldStartEpisode() (bool, error)
	GetNextAction(state tensor.Array) (tensor.Array, error)
}

// Settle describes the screen polling of the most recent action.
type Settle struct {
	Polls     int
	ChangedAt int // 1-based poll index of the first change, 0 if unchanged
	Changed   bool
}

// Option configures an Environment.
type Option func(*Environment)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(e *Environment) { e.clock = c }
}

// WithRand sets the random source used to shuffle apps.
func WithRand(r *rand.Rand) Option {
	return func(e *Environment) { e.rand = r }
}

// WithMetrics records recoveries and settle polls.
func WithMetrics(m *metrics.CollectorMetrics) Option {
	return func(e *Environment) { e.metrics = m }
}

// WithPollInterval sets the pause between captures while waiting for the
// screen to settle.
func WithPollInterval(d time.Duration) Option {
	return func(e *Environment) { e.pollInterval = d }
}

// Environment drives a single device. It is not safe for concurrent use;
// the interaction loop is synchronous by design of the device protocol.
type Environment struct {
	cfg          config.EnvironmentConfig
	device       device.Device
	controller   Controller
	mapper       ActionMapper
	callbacks    []Callbacks
	clock        Clock
	rand         *rand.Rand
	metrics      *metrics.CollectorMetrics
	logger       zerolog.Logger
	pollInterval time.Duration

	apps            []string
	curApp          int
	step            int
	finished        bool
	current         tensor.Array
	stale           bool
	justRestarted   bool
	inBlankScreen   bool
	changedFromLast bool
	mask            []bool
	phase           Phase
	lastSettle      Settle
}

// New creates an environment for dev. The app list is copied from the
// device and shuffled when cfg.Shuffle is set.
func New(cfg config.EnvironmentConfig, dev device.Device, controller Controller, mapper ActionMapper, logger zerolog.Logger, opts ...Option) *Environment {
	e := &Environment{
		cfg:             cfg,
		device:          dev,
		controller:      controller,
		mapper:          mapper,
		clock:           realClock{},
		logger:          logger.With().Str("device", dev.Name()).Logger(),
		pollInterval:    defaultPollInterval,
		apps:            append([]string(nil), dev.Apps()...),
		curApp:          -1,
		stale:           true,
		changedFromLast: true,
		phase:           PhaseInit,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.rand == nil {
		e.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	if cfg.Shuffle {
		e.rand.Shuffle(len(e.apps), func(i, j int) {
			e.apps[i], e.apps[j] = e.apps[j], e.apps[i]
		})
	}
	return e
}

// AddCallback registers c to receive episode events.
func (e *Environment) AddCallback(c Callbacks) {
	e.callbacks = append(e.callbacks, c)
}

// Apps returns the current app rotation.
func (e *Environment) Apps() []string {
	return append([]string(nil), e.apps...)
}

// Phase returns the current phase.
func (e *Environment) Phase() Phase {
	return e.phase
}

// IsFinished reports whether the current episode used up its step budget.
func (e *Environment) IsFinished() bool {
	return e.finished
}

// LastSettle reports the polling statistics of the latest action.
func (e *Environment) LastSettle() Settle {
	return e.lastSettle
}

func (e *Environment) setPhase(p Phase) {
	if e.phase == p {
		return
	}
	e.logger.Debug().Str("from", e.phase.String()).Str("to", p.String()).Msg("Phase changed")
	e.phase = p
}

// Start boots the device and runs episodes until the controller declines,
// ctx is cancelled or a fatal error occurs. Any other failure inside the
// loop is logged and handed to recovery.
func (e *Environment) Start(ctx context.Context) error {
	e.setPhase(PhaseBooting)
	if err := e.device.Start(ctx, false); err != nil {
		return fmt.Errorf("failed to start device %s: %w", e.device.Name(), err)
	}
	if len(e.apps) == 0 {
		return ErrNoApps
	}

	for {
		err := e.runSafely(ctx)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, ErrFatal) {
			return err
		}

		event := e.logger.Error().Err(err)
		var perr *panicError
		if errors.As(err, &perr) {
			event = event.Str("stack", perr.stack)
		}
		event.Msg("Interaction loop failed, recovering")

		if err := e.onError(ctx); err != nil {
			return fmt.Errorf("failed to recover device %s: %w", e.device.Name(), err)
		}
	}
}

type panicError struct {
	value any
	stack string
}

func (p *panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}

func (e *Environment) runSafely(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()
	return e.run(ctx)
}

func (e *Environment) run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := e.controller.ShouldStartEpisode()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		if err := e.Restart(ctx); err != nil {
			return err
		}
		state, err := e.ReadState(ctx)
		if err != nil {
			return err
		}
		for _, cb := range e.callbacks {
			if err := cb.OnEpisodeStart(state); err != nil {
				return err
			}
		}

		for !e.finished {
			if err := ctx.Err(); err != nil {
				e.endEpisode(true)
				return err
			}
			action, err := e.controller.GetNextAction(state)
			if err != nil {
				return err
			}
			reward, err := e.Act(ctx, action, e.notifyWait)
			if err != nil {
				return err
			}
			next, err := e.ReadState(ctx)
			if err != nil {
				return err
			}
			for _, cb := range e.callbacks {
				if err := cb.OnStateChange(state, action, next, reward); err != nil {
					return err
				}
			}
			state = next
		}

		if err := e.endEpisode(false); err != nil {
			return err
		}
	}
}

func (e *Environment) endEpisode(premature bool) error {
	for _, cb := range e.callbacks {
		if err := cb.OnEpisodeEnd(premature); err != nil {
			return err
		}
	}
	return nil
}

func (e *Environment) notifyWait() error {
	for _, cb := range e.callbacks {
		if err := cb.OnWait(); err != nil {
			return err
		}
	}
	return nil
}

// Restart begins a new episode. When the per-app step budget is used up the
// current app is closed and the next one in the rotation is opened.
func (e *Environment) Restart(ctx context.Context) error {
	e.finished = false
	if e.step%e.cfg.StepsPerApp != 0 {
		return nil
	}

	e.setPhase(PhaseAppSwitch)
	e.step = 0
	if e.curApp >= 0 {
		if err := e.device.CloseApp(ctx, e.apps[e.curApp]); err != nil {
			e.logger.Debug().Err(err).Str("app", e.apps[e.curApp]).Msg("Failed to close app")
		}
	}
	e.curApp = (e.curApp + 1) % len(e.apps)
	app := e.apps[e.curApp]
	if err := e.device.OpenApp(ctx, app); err != nil {
		return fmt.Errorf("failed to open app %s: %w", app, err)
	}
	e.logger.Info().Str("app", app).Msg("Switched app")

	e.stale = true
	e.changedFromLast = true
	return nil
}

func (e *Environment) onError(ctx context.Context) error {
	e.setPhase(PhaseErrorRecovery)
	for _, cb := range e.callbacks {
		cb.OnError()
	}
	e.step--
	if e.curApp < 0 {
		e.curApp = 0
	}

	if e.justRestarted {
		removed := e.apps[e.curApp]
		e.apps = append(e.apps[:e.curApp:e.curApp], e.apps[e.curApp+1:]...)
		e.logger.Warn().Str("app", removed).Int("remaining", len(e.apps)).Msg("Removing app that keeps failing")
		e.metrics.RecordAppRemoved(e.device.Name())
		if len(e.apps) == 0 {
			return ErrNoApps
		}
		e.curApp %= len(e.apps)
	} else if booted, err := e.device.IsBooted(ctx); err == nil && booted {
		if err := e.device.OpenApp(ctx, e.apps[e.curApp]); err != nil {
			e.logger.Debug().Err(err).Msg("Failed to reopen app")
		}
	}

	app := e.apps[e.curApp]
	restartDevice := e.justRestarted || e.inBlankScreen
	if !restartDevice {
		inApp, err := e.device.IsInApp(ctx, app, e.cfg.ForceAppOnTop)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Warn().Err(err).Str("app", app).Msg("Failed to check foreground app, restarting device")
		}
		restartDevice = err != nil || !inApp
	}

	if restartDevice {
		e.inBlankScreen = false
		e.setPhase(PhaseBooting)
		if err := e.device.Restart(ctx); err != nil {
			e.logger.Warn().Err(err).Msg("Device restart failed, starting fresh")
			if err := e.device.Start(ctx, true); err != nil {
				return fmt.Errorf("failed to start device: %w", err)
			}
		}
		e.setPhase(PhaseAppSwitch)
		if err := e.device.OpenApp(ctx, app); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// the next error removes the app
			e.logger.Warn().Err(err).Str("app", app).Msg("Failed to open app after restart")
			e.justRestarted = true
		} else {
			e.justRestarted = !e.justRestarted
		}
		e.metrics.RecordRecovery(e.device.Name(), "device_restart")
	} else {
		e.metrics.RecordRecovery(e.device.Name(), "app_reopen")
	}

	e.stale = true
	e.changedFromLast = true
	return nil
}
