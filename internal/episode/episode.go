// Package episode implements the versioned, fixed-capacity episode log.
//
// Each collector owns one shard per version. A shard is three flat column
// files (states, actions, rewards) pre-allocated for maxSize records, plus a
// JSON side file holding the shard metadata once it is sealed:
//
//	<dataDir>/<version>/<agentID>.states
//	<dataDir>/<version>/<agentID>.actions
//	<dataDir>/<version>/<agentID>.rewards
//	<dataDir>/<version>/<agentID>.meta
package episode

import (
	"errors"
	"fmt"

	"github.com/tapcrawler/tapcrawler/internal/tensor"
)

var (
	// ErrShardFull is returned when writing past a shard's capacity.
	ErrShardFull = errors.New("shard is full")
	// ErrIndexOutOfRange is returned when reading an index that was never written.
	ErrIndexOutOfRange = errors.New("index out of range")
	// ErrSpecMismatch is returned when an episode does not match the shard layout.
	ErrSpecMismatch = errors.New("episode does not match shard spec")
	// ErrReadOnly is returned when writing to a shard opened for reading.
	ErrReadOnly = errors.New("shard is read-only")
)

// Episode is one transition: the state before an action, the action, the
// reward it earned and the state after it settled.
type Episode struct {
	State  tensor.Array
	Action tensor.Array
	Reward tensor.Array
	Result tensor.Array
}

// Validate checks the state/result pairing invariant.
func (e Episode) Validate() error {
	if !e.State.SameSpec(e.Result) {
		return fmt.Errorf("%w: state %s%v and result %s%v differ",
			ErrSpecMismatch, e.State.DType, e.State.Shape, e.Result.DType, e.Result.Shape)
	}
	return nil
}

// RewardValue returns the reward as an integer bucket key.
func (e Episode) RewardValue() int64 {
	return int64(e.Reward.At(0))
}

// Field describes the dtype and shape of one episode column.
type Field struct {
	DType tensor.DType `json:"dtype"`
	Shape []int        `json:"shape"`
}

// Matches reports whether a has this field's dtype and shape.
func (f Field) Matches(a tensor.Array) bool {
	return f.DType == a.DType && tensor.ShapeEqual(f.Shape, a.Shape)
}

func (f Field) bytes() int {
	return tensor.NumElements(f.Shape) * f.DType.Size()
}

func fieldOf(a tensor.Array) Field {
	return Field{DType: a.DType, Shape: append([]int(nil), a.Shape...)}
}

// Spec is the structural description of an episode ("example episode").
type Spec struct {
	State  Field `json:"state"`
	Action Field `json:"action"`
	Reward Field `json:"reward"`
	Result Field `json:"result"`
}

// SpecOf derives the spec of e.
func SpecOf(e Episode) Spec {
	return Spec{
		State:  fieldOf(e.State),
		Action: fieldOf(e.Action),
		Reward: fieldOf(e.Reward),
		Result: fieldOf(e.Result),
	}
}

// Validate checks that every field has a known dtype and that state and
// result agree.
func (s Spec) Validate() error {
	for name, f := range map[string]Field{"state": s.State, "action": s.Action, "reward": s.Reward, "result": s.Result} {
		if !f.DType.Valid() {
			return fmt.Errorf("%s: unsupported dtype %q", name, f.DType)
		}
	}
	if s.State.DType != s.Result.DType || !tensor.ShapeEqual(s.State.Shape, s.Result.Shape) {
		return fmt.Errorf("%w: state and result fields differ", ErrSpecMismatch)
	}
	return nil
}

// Matches reports whether e fits the spec exactly.
func (s Spec) Matches(e Episode) bool {
	return s.State.Matches(e.State) && s.Action.Matches(e.Action) &&
		s.Reward.Matches(e.Reward) && s.Result.Matches(e.Result)
}

// Zero returns a zero-filled episode with this spec.
func (s Spec) Zero() Episode {
	return Episode{
		State:  tensor.New(s.State.DType, s.State.Shape...),
		Action: tensor.New(s.Action.DType, s.Action.Shape...),
		Reward: tensor.New(s.Reward.DType, s.Reward.Shape...),
		Result: tensor.New(s.Result.DType, s.Result.Shape...),
	}
}

// Conform converts each field of e to the spec's dtype.
func (s Spec) Conform(e Episode) Episode {
	conv := func(a tensor.Array, f Field) tensor.Array {
		if a.DType == f.DType {
			return a
		}
		return a.Convert(f.DType)
	}
	return Episode{
		State:  conv(e.State, s.State),
		Action: conv(e.Action, s.Action),
		Reward: conv(e.Reward, s.Reward),
		Result: conv(e.Result, s.Result),
	}
}

// Widen merges two specs with identical shapes, picking the wider dtype per
// field by element size.
func Widen(a, b Spec) (Spec, error) {
	pairs := []struct {
		name string
		x, y Field
	}{
		{"state", a.State, b.State},
		{"action", a.Action, b.Action},
		{"reward", a.Reward, b.Reward},
		{"result", a.Result, b.Result},
	}
	for _, p := range pairs {
		if !tensor.ShapeEqual(p.x.Shape, p.y.Shape) {
			return Spec{}, fmt.Errorf("%w: %s shapes %v and %v", ErrSpecMismatch, p.name, p.x.Shape, p.y.Shape)
		}
	}
	widen := func(x, y Field) Field {
		return Field{DType: tensor.Wider(x.DType, y.DType), Shape: x.Shape}
	}
	return Spec{
		State:  widen(a.State, b.State),
		Action: widen(a.Action, b.Action),
		Reward: widen(a.Reward, b.Reward),
		Result: widen(a.Result, b.Result),
	}, nil
}

// Batch is a fixed-size group of stored episodes prepared for training.
// Labels hold the reward of each row.
type Batch struct {
	States  tensor.Array
	Actions tensor.Array
	Results tensor.Array
	Labels  []int64
}

// Size returns the number of rows in the batch.
func (b Batch) Size() int {
	return len(b.Labels)
}
