package model

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/tapcrawler/tapcrawler/internal/tensor"
)

// Strategy turns a prediction grid into a sampling distribution over cells.
type Strategy int

const (
	// StrategyBetter favors cells likely to change the screen.
	StrategyBetter Strategy = iota
	// StrategyWorse favors cells unlikely to change the screen.
	StrategyWorse
	// StrategyMostCertain favors confident predictions either way.
	StrategyMostCertain
	// StrategyLeastCertain favors predictions near the decision boundary.
	StrategyLeastCertain
	// StrategyRandom samples uniformly.
	StrategyRandom
)

// Strategies lists every strategy in configuration order.
var Strategies = []Strategy{StrategyBetter, StrategyWorse, StrategyMostCertain, StrategyLeastCertain, StrategyRandom}

func (s Strategy) String() string {
	switch s {
	case StrategyBetter:
		return "better"
	case StrategyWorse:
		return "worse"
	case StrategyMostCertain:
		return "most_certain"
	case StrategyLeastCertain:
		return "least_certain"
	case StrategyRandom:
		return "random"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// Policy chooses actions from a model's predictions, mixing strategies by
// fixed probabilities.
type Policy struct {
	model     Model
	probs     []float64
	posReward float64
	negReward float64
	rand      *rand.Rand
}

// NewPolicy creates a policy. probs holds one probability per entry of
// Strategies; missing entries count as zero.
func NewPolicy(m Model, probs []float64, posReward, negReward float64, r *rand.Rand) *Policy {
	p := make([]float64, len(Strategies))
	copy(p, probs)
	return &Policy{
		model:     m,
		probs:     p,
		posReward: posReward,
		negReward: negReward,
		rand:      r,
	}
}

// Model returns the wrapped model.
func (p *Policy) Model() Model {
	return p.model
}

// NextAction predicts on state and samples an int32 action (row, col, type).
func (p *Policy) NextAction(ctx context.Context, state tensor.Array) (tensor.Array, Strategy, error) {
	preds, err := p.model.Predict(ctx, state)
	if err != nil {
		return tensor.Array{}, 0, fmt.Errorf("failed to predict: %w", err)
	}
	if len(preds.Shape) != 3 || preds.Len() == 0 {
		return tensor.Array{}, 0, fmt.Errorf("unexpected prediction shape %v", preds.Shape)
	}

	strategy := Strategies[sample(p.rand, p.probs)]
	index := sample(p.rand, p.distribution(strategy, preds.Floats()))

	cols, types := preds.Shape[1], preds.Shape[2]
	action, err := tensor.FromFloats(tensor.Int32, []int{3}, []float64{
		float64(index / (cols * types)),
		float64((index / types) % cols),
		float64(index % types),
	})
	if err != nil {
		return tensor.Array{}, 0, err
	}
	return action, strategy, nil
}

func (p *Policy) distribution(s Strategy, preds []float64) []float64 {
	mid := (p.posReward + p.negReward) / 2
	dist := p.posReward - mid

	scores := make([]float64, len(preds))
	for i, v := range preds {
		switch s {
		case StrategyBetter:
			scores[i] = v
		case StrategyWorse:
			scores[i] = p.negReward + p.posReward - v
		case StrategyMostCertain:
			scores[i] = math.Abs(mid - v)
		case StrategyLeastCertain:
			scores[i] = dist - math.Abs(mid-v)
		default:
			scores[i] = 0
		}
	}
	return softmax(scores)
}

func softmax(scores []float64) []float64 {
	maxScore := math.Inf(-1)
	for _, s := range scores {
		maxScore = math.Max(maxScore, s)
	}
	out := make([]float64, len(scores))
	var sum float64
	for i, s := range scores {
		out[i] = math.Exp(s - maxScore)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// sample draws an index from an unnormalized distribution. An all-zero
// distribution falls back to the last index.
func sample(r *rand.Rand, weights []float64) int {
	var total float64
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		return len(weights) - 1
	}
	target := r.Float64() * total
	for i, w := range weights {
		target -= w
		if target < 0 {
			return i
		}
	}
	return len(weights) - 1
}
