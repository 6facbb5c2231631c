// Package assembler builds training batches from the sealed shards of one
// version, rebalancing binary reward classes by oversampling the minority.
package assembler

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/tapcrawler/tapcrawler/internal/episode"
	"github.com/tapcrawler/tapcrawler/internal/tensor"
)

var (
	// ErrInsufficientSignal means the version cannot be trained on: it has
	// no samples, a single reward class or fewer samples than one batch.
	ErrInsufficientSignal = errors.New("not enough signal to learn from")

	// ErrUnsupportedRewards is returned for more than two reward classes.
	ErrUnsupportedRewards = errors.New("only binary rewards are supported")
)

// Options controls batch production.
type Options struct {
	BatchSize            int
	Shuffle              bool
	CorrectDistributions bool
	// Rand drives shuffling and oversampling. Defaults to a time-seeded source.
	Rand *rand.Rand
}

// Ref addresses one stored episode.
type Ref struct {
	Shard int
	Index int
}

// Assembler holds the read-only shards of a version open until Close.
type Assembler struct {
	version int
	opts    Options
	rand    *rand.Rand

	paths   []string
	shards  []*episode.Shard
	offsets []int
	example episode.Spec

	rewardIndices map[int64][]Ref
	minority      int64
	totalSize     int
	augmentedSize int
	trainingSize  int
	positions     []int
}

// Open loads every sealed shard of version under dataDir.
func Open(dataDir string, version int, opts Options) (*Assembler, error) {
	if opts.BatchSize < 1 {
		return nil, fmt.Errorf("invalid batch size %d", opts.BatchSize)
	}
	a := &Assembler{
		version:       version,
		opts:          opts,
		rand:          opts.Rand,
		rewardIndices: make(map[int64][]Ref),
	}
	if a.rand == nil {
		a.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	paths, err := episode.SealedShards(dataDir, version)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: version %d has no sealed shards", ErrInsufficientSignal, version)
	}

	if err := a.load(paths); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.plan(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *Assembler) load(paths []string) error {
	for i, path := range paths {
		meta, err := episode.ReadMeta(path)
		if err != nil {
			return err
		}
		if i == 0 {
			a.example = meta.Example
		} else {
			a.example, err = episode.Widen(a.example, meta.Example)
			if err != nil {
				return fmt.Errorf("shard %s: %w", path, err)
			}
		}

		shard, err := episode.Open(path, meta)
		if err != nil {
			return err
		}
		shardIndex := len(a.shards)
		a.paths = append(a.paths, path)
		a.shards = append(a.shards, shard)
		a.offsets = append(a.offsets, a.totalSize)
		a.totalSize += meta.Size

		for reward, indices := range meta.RewardIndices {
			for _, idx := range indices {
				if idx < 0 || idx >= meta.Size {
					return fmt.Errorf("shard %s: reward %d: %w: index %d, size %d",
						path, reward, episode.ErrIndexOutOfRange, idx, meta.Size)
				}
				a.rewardIndices[reward] = append(a.rewardIndices[reward], Ref{Shard: shardIndex, Index: idx})
			}
		}
	}
	return nil
}

func (a *Assembler) plan() error {
	if a.totalSize == 0 {
		return fmt.Errorf("%w: version %d is empty", ErrInsufficientSignal, a.version)
	}

	if a.opts.CorrectDistributions {
		rewards := a.Rewards()
		switch {
		case len(rewards) == 0:
			return fmt.Errorf("%w: version %d has no indexed rewards", ErrInsufficientSignal, a.version)
		case len(rewards) == 1:
			return fmt.Errorf("%w: version %d only has reward %d", ErrInsufficientSignal, a.version, rewards[0])
		case len(rewards) > 2:
			return fmt.Errorf("%w: version %d has %d reward classes", ErrUnsupportedRewards, a.version, len(rewards))
		}
		c0, c1 := len(a.rewardIndices[rewards[0]]), len(a.rewardIndices[rewards[1]])
		a.minority = rewards[0]
		if c1 < c0 {
			a.minority = rewards[1]
		}
		a.augmentedSize = c0 - c1
		if a.augmentedSize < 0 {
			a.augmentedSize = -a.augmentedSize
		}
	}

	a.trainingSize = a.totalSize + a.augmentedSize
	if a.trainingSize < a.opts.BatchSize {
		return fmt.Errorf("%w: %d samples is less than one batch of %d",
			ErrInsufficientSignal, a.trainingSize, a.opts.BatchSize)
	}

	if a.opts.Shuffle {
		a.positions = a.rand.Perm(a.trainingSize)
	} else {
		a.positions = make([]int, a.trainingSize)
		for i := range a.positions {
			a.positions[i] = i
		}
	}
	return nil
}

// Version returns the assembled version.
func (a *Assembler) Version() int { return a.version }

// Shards returns the number of shards read.
func (a *Assembler) Shards() int { return len(a.shards) }

// TotalSize is the number of stored episodes across all shards.
func (a *Assembler) TotalSize() int { return a.totalSize }

// AugmentedSize is the number of oversampled minority episodes per pass.
func (a *Assembler) AugmentedSize() int { return a.augmentedSize }

// TrainingSize is TotalSize plus AugmentedSize.
func (a *Assembler) TrainingSize() int { return a.trainingSize }

// StepsPerEpoch is the number of full batches in one pass.
func (a *Assembler) StepsPerEpoch() int { return a.trainingSize / a.opts.BatchSize }

// Example returns the widened episode layout of the version.
func (a *Assembler) Example() episode.Spec { return a.example }

// Minority returns the oversampled reward class.
func (a *Assembler) Minority() int64 { return a.minority }

// Rewards returns the reward classes present, ascending.
func (a *Assembler) Rewards() []int64 {
	rewards := make([]int64, 0, len(a.rewardIndices))
	for r := range a.rewardIndices {
		rewards = append(rewards, r)
	}
	sort.Slice(rewards, func(i, j int) bool { return rewards[i] < rewards[j] })
	return rewards
}

// RewardIndices returns the merged reward index of the version.
func (a *Assembler) RewardIndices() map[int64][]Ref {
	out := make(map[int64][]Ref, len(a.rewardIndices))
	for r, refs := range a.rewardIndices {
		out[r] = append([]Ref(nil), refs...)
	}
	return out
}

// Episode reads the episode at ref, converted to the version's layout.
func (a *Assembler) Episode(ref Ref) (episode.Episode, error) {
	if ref.Shard < 0 || ref.Shard >= len(a.shards) {
		return episode.Episode{}, fmt.Errorf("%w: shard %d", episode.ErrIndexOutOfRange, ref.Shard)
	}
	e, err := a.shards[ref.Shard].Get(ref.Index)
	if err != nil {
		return episode.Episode{}, fmt.Errorf("shard %s: %w", a.paths[ref.Shard], err)
	}
	return a.example.Conform(e), nil
}

// locate maps a position below TotalSize to its shard and local index.
func (a *Assembler) locate(pos int) Ref {
	shard := sort.Search(len(a.offsets), func(i int) bool { return a.offsets[i] > pos }) - 1
	return Ref{Shard: shard, Index: pos - a.offsets[shard]}
}

// Close releases every shard.
func (a *Assembler) Close() error {
	var errs []error
	for _, s := range a.shards {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.shards = nil
	return errors.Join(errs...)
}

// With opens the version, runs fn and always closes the shards.
func With(dataDir string, version int, opts Options, fn func(*Assembler) error) (err error) {
	a, err := Open(dataDir, version, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close shards: %w", cerr)
		}
	}()
	return fn(a)
}

// Batches returns a new infinite batch sequence starting at the first
// position. The sequence reads from the assembler's shards and must not
// be used after Close.
func (a *Assembler) Batches() *Iterator {
	return &Iterator{a: a}
}

// Iterator produces fixed-size batches. When fewer than BatchSize positions
// remain in a pass it restarts at position zero, and every pass draws a
// fresh oversampled set of minority episodes.
type Iterator struct {
	a         *Assembler
	cursor    int
	augmented []Ref
}

// Next returns the next batch.
func (it *Iterator) Next() (episode.Batch, error) {
	a := it.a
	size := a.opts.BatchSize
	if a.trainingSize-it.cursor < size {
		it.cursor = 0
	}
	if it.cursor == 0 && a.augmentedSize > 0 {
		it.resample()
	}

	states := make([]tensor.Array, 0, size)
	actions := make([]tensor.Array, 0, size)
	results := make([]tensor.Array, 0, size)
	labels := make([]int64, 0, size)
	for i := 0; i < size; i++ {
		pos := a.positions[it.cursor+i]
		var ref Ref
		if pos < a.totalSize {
			ref = a.locate(pos)
		} else {
			ref = it.augmented[pos-a.totalSize]
		}
		e, err := a.Episode(ref)
		if err != nil {
			return episode.Batch{}, err
		}
		states = append(states, e.State)
		actions = append(actions, e.Action)
		results = append(results, e.Result)
		labels = append(labels, e.RewardValue())
	}

	var batch episode.Batch
	var err error
	if batch.States, err = tensor.Stack(a.example.State.DType, a.example.State.Shape, states); err != nil {
		return episode.Batch{}, err
	}
	if batch.Actions, err = tensor.Stack(a.example.Action.DType, a.example.Action.Shape, actions); err != nil {
		return episode.Batch{}, err
	}
	if batch.Results, err = tensor.Stack(a.example.Result.DType, a.example.Result.Shape, results); err != nil {
		return episode.Batch{}, err
	}
	batch.Labels = labels

	next := it.cursor + size
	if next > a.trainingSize {
		next = a.trainingSize
	}
	it.cursor = next % a.trainingSize
	return batch, nil
}

func (it *Iterator) resample() {
	pool := it.a.rewardIndices[it.a.minority]
	if it.augmented == nil {
		it.augmented = make([]Ref, it.a.augmentedSize)
	}
	for i := range it.augmented {
		it.augmented[i] = pool[it.a.rand.Intn(len(pool))]
	}
}
