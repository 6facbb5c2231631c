package model

import (
	"context"
	"fmt"
	"sync"

	"github.com/tapcrawler/tapcrawler/internal/episode"
	"github.com/tapcrawler/tapcrawler/internal/tensor"
)

const (
	weightHits   = "hits"
	weightTrials = "trials"
)

// GridModel is a state-independent baseline: it keeps hit and trial counts
// per grid cell and action type and predicts the Laplace-smoothed hit rate.
// A hit is a sample labelled with the positive reward; predictions are
// expected rewards between the negative and positive reward.
type GridModel struct {
	mu        sync.RWMutex
	shape     []int
	hits      tensor.Array
	trials    tensor.Array
	posReward float64
	negReward float64
}

// GridOption configures a GridModel.
type GridOption func(*GridModel)

// WithRewards sets the reward values of a hit and a miss. Defaults to 1 and 0.
func WithRewards(pos, neg float64) GridOption {
	return func(m *GridModel) {
		m.posReward = pos
		m.negReward = neg
	}
}

// NewGridModel creates an untrained model for a rows x cols grid with the
// given number of action types.
func NewGridModel(grid [2]int, actionTypes int, opts ...GridOption) *GridModel {
	if actionTypes < 1 {
		actionTypes = 1
	}
	shape := []int{grid[0], grid[1], actionTypes}
	m := &GridModel{
		shape:     shape,
		hits:      tensor.New(tensor.Float64, shape...),
		trials:    tensor.New(tensor.Float64, shape...),
		posReward: 1,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Shape returns the prediction shape.
func (m *GridModel) Shape() []int {
	return append([]int(nil), m.shape...)
}

func (m *GridModel) Predict(ctx context.Context, state tensor.Array) (tensor.Array, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := tensor.New(tensor.Float32, m.shape...)
	for i := 0; i < out.Len(); i++ {
		rate := (m.hits.At(i) + 1) / (m.trials.At(i) + 2)
		out.SetAt(i, m.negReward+rate*(m.posReward-m.negReward))
	}
	return out, nil
}

func (m *GridModel) Weights() Weights {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Weights{
		weightHits:   m.hits.Clone(),
		weightTrials: m.trials.Clone(),
	}
}

func (m *GridModel) SetWeights(w Weights) error {
	hits, ok := w[weightHits]
	if !ok || !tensor.ShapeEqual(hits.Shape, m.shape) {
		return fmt.Errorf("%w: missing or misshaped %q", ErrWeightsMismatch, weightHits)
	}
	trials, ok := w[weightTrials]
	if !ok || !tensor.ShapeEqual(trials.Shape, m.shape) {
		return fmt.Errorf("%w: missing or misshaped %q", ErrWeightsMismatch, weightTrials)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.hits = hits.Convert(tensor.Float64).Clone()
	m.trials = trials.Convert(tensor.Float64).Clone()
	return nil
}

func (m *GridModel) Fit(ctx context.Context, src BatchSource, epochs, steps int) error {
	for epoch := 0; epoch < epochs; epoch++ {
		for step := 0; step < steps; step++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			batch, err := src.Next()
			if err != nil {
				return fmt.Errorf("failed to read batch %d of epoch %d: %w", step, epoch, err)
			}
			m.observe(batch)
		}
	}
	return nil
}

func (m *GridModel) observe(batch episode.Batch) {
	m.mu.Lock()
	defer m.mu.Unlock()

	width := 0
	if batch.Size() > 0 {
		width = batch.Actions.Len() / batch.Size()
	}
	for row, label := range batch.Labels {
		if width < 2 {
			continue
		}
		y := int(batch.Actions.At(row * width))
		x := int(batch.Actions.At(row*width + 1))
		typ := 0
		if width > 2 {
			typ = int(batch.Actions.At(row*width + 2))
		}
		cell, ok := m.cell(y, x, typ)
		if !ok {
			continue
		}
		m.trials.SetAt(cell, m.trials.At(cell)+1)
		if label == int64(m.posReward) {
			m.hits.SetAt(cell, m.hits.At(cell)+1)
		}
	}
}

func (m *GridModel) cell(y, x, typ int) (int, bool) {
	if y < 0 || y >= m.shape[0] || x < 0 || x >= m.shape[1] || typ < 0 || typ >= m.shape[2] {
		return 0, false
	}
	return (y*m.shape[1]+x)*m.shape[2] + typ, true
}
