// Package model defines the contract between agents and the reward model,
// together with a grid baseline model and the action selection strategies
// used by collectors.
package model

import (
	"context"
	"errors"

	"github.com/tapcrawler/tapcrawler/internal/episode"
	"github.com/tapcrawler/tapcrawler/internal/tensor"
)

var (
	// ErrWeightsMismatch is returned when a weight snapshot does not fit the model.
	ErrWeightsMismatch = errors.New("weights do not match model")
)

// Weights is a full snapshot of model parameters, keyed by parameter name.
type Weights map[string]tensor.Array

// Clone returns a deep copy of w.
func (w Weights) Clone() Weights {
	if w == nil {
		return nil
	}
	out := make(Weights, len(w))
	for name, a := range w {
		out[name] = a.Clone()
	}
	return out
}

// BatchSource yields training batches. Implementations may be infinite.
type BatchSource interface {
	Next() (episode.Batch, error)
}

// Model predicts, for a screen state, the probability that acting on each
// cell of the prediction grid changes the screen.
type Model interface {
	// Predict returns a float32 array shaped [rows, cols, actionTypes].
	Predict(ctx context.Context, state tensor.Array) (tensor.Array, error)
	Weights() Weights
	SetWeights(w Weights) error
	// Fit trains for epochs passes of steps batches each.
	Fit(ctx context.Context, src BatchSource, epochs, steps int) error
}
