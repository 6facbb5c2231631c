package environment

import (
	"context"
	"math"

	"github.com/tapcrawler/tapcrawler/internal/tensor"
)

// ReadState returns the latest screen capture, capturing again if the
// cached one was invalidated. Blank captures are retried up to
// BlackScreenTrials times before ErrBlankScreen is returned.
func (e *Environment) ReadState(ctx context.Context) (tensor.Array, error) {
	if !e.stale {
		return e.current.Clone(), nil
	}

	for trials := e.cfg.BlackScreenTrials; trials > 0; {
		shot, err := e.device.Screenshot(ctx)
		if err != nil {
			return tensor.Array{}, err
		}
		e.current = shot
		if !e.statesEqual(tensor.New(shot.DType, shot.Shape...), shot, nil) {
			e.stale = false
			return shot.Clone(), nil
		}
		trials--
		if trials > 0 {
			if err := e.clock.Sleep(ctx, e.cfg.BlackScreenDelay); err != nil {
				return tensor.Array{}, err
			}
		}
	}

	e.inBlankScreen = true
	return tensor.Array{}, ErrBlankScreen
}

// Act performs action on the device and returns the reward. onSettle is
// invoked exactly once per call. When the previous action changed the screen
// it runs after the first animation sample, before the event is sent.
// Otherwise no sampling happens and it runs right after the event was sent,
// while the result is awaited.
func (e *Environment) Act(ctx context.Context, action tensor.Array, onSettle func() error) (float64, error) {
	x, y, eventType := e.mapper(action)

	e.step++
	if e.step%e.cfg.StepsPerEpisode == 0 {
		e.finished = true
	}

	settled := false
	settle := func() error {
		if settled || onSettle == nil {
			settled = true
			return nil
		}
		settled = true
		return onSettle()
	}

	if e.changedFromLast {
		mask, err := e.animationMask(ctx, settle)
		if err != nil {
			return 0, err
		}
		e.mask = mask
	}

	e.setPhase(PhaseReady)
	last, err := e.ReadState(ctx)
	if err != nil {
		return 0, err
	}
	if err := e.sendAction(ctx, x, y, eventType); err != nil {
		return 0, err
	}
	e.setPhase(PhaseAwaitResult)
	if err := settle(); err != nil {
		return 0, err
	}

	actionTime := e.clock.Now()
	changeTime := actionTime
	changeState := last
	result := Settle{}
	e.changedFromLast = false

	for now := e.clock.Now(); now.Sub(actionTime) < e.cfg.ActionMaxWaitTime; now = e.clock.Now() {
		e.stale = true
		state, err := e.ReadState(ctx)
		if err != nil {
			return 0, err
		}
		result.Polls++
		if !e.statesEqual(state, changeState, e.mask) {
			changeTime = now
			changeState = state
			if !e.changedFromLast {
				result.ChangedAt = result.Polls
			}
			e.changedFromLast = true
		}
		if now.Sub(actionTime) >= e.cfg.ActionOffsetWaitTime && now.Sub(changeTime) >= e.cfg.ActionFreezeWaitTime {
			break
		}
		if err := e.clock.Sleep(ctx, e.pollInterval); err != nil {
			return 0, err
		}
	}
	result.Changed = e.changedFromLast
	e.lastSettle = result
	e.metrics.ObserveSettlePolls(result.Polls)

	e.logger.Debug().
		Int("x", x).
		Int("y", y).
		Int("polls", result.Polls).
		Int("changed_at", result.ChangedAt).
		Bool("changed", result.Changed).
		Msg("Action settled")

	if e.changedFromLast {
		return e.cfg.PosReward, nil
	}
	return e.cfg.NegReward, nil
}

func (e *Environment) sendAction(ctx context.Context, x, y, eventType int) error {
	app := e.apps[e.curApp]
	for trials := e.cfg.InAppCheckTrials; trials > 0; {
		inApp := e.step%e.cfg.StepsPerInAppCheck != 0
		if !inApp {
			var err error
			inApp, err = e.device.IsInApp(ctx, app, e.cfg.ForceAppOnTop)
			if err != nil {
				return err
			}
		}
		if inApp {
			if err := e.device.SendEvent(ctx, x, y, eventType); err != nil {
				return err
			}
			e.stale = true
			e.justRestarted = false
			return nil
		}

		trials--
		if trials > 0 {
			if err := e.clock.Sleep(ctx, e.cfg.InAppCheckDelay); err != nil {
				return err
			}
		}
	}
	return ErrInvalidDeviceState
}

// animationMask samples the screen for AnimationMonitorTime and marks every
// element that stayed within PixelEqualityThreshold of the first sample.
// Elements marked false are ignored by later equality checks.
func (e *Environment) animationMask(ctx context.Context, settle func() error) ([]bool, error) {
	start := e.clock.Now()
	var samples []tensor.Array
	for {
		e.stale = true
		state, err := e.ReadState(ctx)
		if err != nil {
			return nil, err
		}
		samples = append(samples, state)
		if len(samples) == 1 {
			if err := settle(); err != nil {
				return nil, err
			}
		}
		if e.clock.Now().Sub(start) >= e.cfg.AnimationMonitorTime {
			break
		}
		if err := e.clock.Sleep(ctx, e.pollInterval); err != nil {
			return nil, err
		}
	}

	first := samples[0]
	mask := make([]bool, first.Len())
	for i := range mask {
		mask[i] = true
	}
	animated := 0
	for _, s := range samples[1:] {
		for i := range mask {
			if mask[i] && math.Abs(s.At(i)-first.At(i)) > e.cfg.PixelEqualityThreshold {
				mask[i] = false
				animated++
			}
		}
	}

	e.logger.Debug().
		Int("samples", len(samples)).
		Int("animated", animated).
		Msg("Computed animation mask")
	return mask, nil
}

// statesEqual compares the crop region of a and b, ignoring elements whose
// mask entry is false. States are considered equal when the L2 norm of
// their difference is within GlobalEqualityThreshold.
func (e *Environment) statesEqual(a, b tensor.Array, mask []bool) bool {
	if a.Len() != b.Len() || !tensor.ShapeEqual(a.Shape, b.Shape) {
		return false
	}
	if mask != nil && len(mask) != a.Len() {
		mask = nil
	}

	rows, cols, inner := layout(a.Shape)
	top := clamp(e.cfg.CropTopLeft[0], 0, rows)
	left := clamp(e.cfg.CropTopLeft[1], 0, cols)
	bottom := clamp(top+e.cfg.CropSize[0], top, rows)
	right := clamp(left+e.cfg.CropSize[1], left, cols)

	var sum float64
	for r := top; r < bottom; r++ {
		for c := left; c < right; c++ {
			base := (r*cols + c) * inner
			for k := 0; k < inner; k++ {
				i := base + k
				if mask != nil && !mask[i] {
					continue
				}
				d := a.At(i) - b.At(i)
				sum += d * d
			}
		}
	}
	return math.Sqrt(sum) <= e.cfg.GlobalEqualityThreshold
}

// layout splits a screen shape into rows, columns and elements per pixel.
func layout(shape []int) (rows, cols, inner int) {
	switch len(shape) {
	case 0:
		return 1, 1, 1
	case 1:
		return shape[0], 1, 1
	}
	rows, cols = shape[0], shape[1]
	inner = 1
	for _, d := range shape[2:] {
		inner *= d
	}
	return rows, cols, inner
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
