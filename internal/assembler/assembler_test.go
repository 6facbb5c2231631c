package assembler

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapcrawler/tapcrawler/internal/episode"
	"github.com/tapcrawler/tapcrawler/internal/tensor"
)

func testSpec(action tensor.DType) episode.Spec {
	return episode.Spec{
		State:  episode.Field{DType: tensor.Uint8, Shape: []int{2}},
		Action: episode.Field{DType: action, Shape: []int{3}},
		Reward: episode.Field{DType: tensor.Bool, Shape: []int{}},
		Result: episode.Field{DType: tensor.Uint8, Shape: []int{2}},
	}
}

// writeShard seals a shard whose i-th episode has state [marker+i, agentID]
// and reward rewards[i].
func writeShard(t *testing.T, dir string, version, agentID, marker int, rewards []int64, spec episode.Spec) {
	t.Helper()
	shard, err := episode.Create(episode.Path(dir, version, agentID), len(rewards)+1, spec)
	require.NoError(t, err)

	indices := map[int64][]int{}
	for i, r := range rewards {
		state, err := tensor.FromFloats(tensor.Uint8, []int{2}, []float64{float64(marker + i), float64(agentID)})
		require.NoError(t, err)
		action, err := tensor.FromFloats(spec.Action.DType, []int{3}, []float64{float64(i), 1, 0})
		require.NoError(t, err)
		e := episode.Episode{
			State:  state,
			Action: action,
			Reward: tensor.Scalar(spec.Reward.DType, float64(r)),
			Result: state.Clone(),
		}
		require.NoError(t, shard.Set(e, i))
		indices[r] = append(indices[r], i)
	}
	_, err = shard.Seal(indices)
	require.NoError(t, err)
}

func repeat(v int64, n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestOpen_RebalancesBinaryRewards(t *testing.T) {
	dir := t.TempDir()
	spec := testSpec(tensor.Int32)
	writeShard(t, dir, 1, 0, 0, append(repeat(0, 20), repeat(1, 4)...), spec)
	writeShard(t, dir, 1, 1, 100, append(repeat(0, 10), repeat(1, 6)...), spec)

	a, err := Open(dir, 1, Options{BatchSize: 10, Shuffle: true, CorrectDistributions: true, Rand: rand.New(rand.NewSource(5))})
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, 2, a.Shards())
	assert.Equal(t, 40, a.TotalSize())
	assert.Equal(t, 20, a.AugmentedSize())
	assert.Equal(t, 60, a.TrainingSize())
	assert.Equal(t, 6, a.StepsPerEpoch())
	assert.Equal(t, int64(1), a.Minority())
	assert.Len(t, a.RewardIndices()[1], 10)

	it := a.Batches()
	seen := map[[2]float64]bool{}
	for pass := 0; pass < 20; pass++ {
		counts := map[int64]int{}
		for step := 0; step < a.StepsPerEpoch(); step++ {
			batch, err := it.Next()
			require.NoError(t, err)
			require.Equal(t, 10, batch.Size())
			assert.Equal(t, []int{10, 2}, batch.States.Shape)
			assert.Equal(t, []int{10, 3}, batch.Actions.Shape)
			for i, label := range batch.Labels {
				counts[label]++
				if label == 1 {
					seen[[2]float64{batch.States.At(2 * i), batch.States.At(2*i + 1)}] = true
				}
			}
		}
		assert.Equal(t, map[int64]int{0: 30, 1: 30}, counts, "pass %d", pass)
	}
	assert.Len(t, seen, 10, "every minority episode is used")
}

func TestIterator_WrapsShortPass(t *testing.T) {
	dir := t.TempDir()
	writeShard(t, dir, 2, 0, 0, []int64{0, 1, 0, 1, 0, 1, 0}, testSpec(tensor.Int32))

	a, err := Open(dir, 2, Options{BatchSize: 3})
	require.NoError(t, err)
	defer a.Close()
	assert.Equal(t, 7, a.TrainingSize())
	assert.Equal(t, 2, a.StepsPerEpoch())

	it := a.Batches()
	var firsts []float64
	for i := 0; i < 4; i++ {
		batch, err := it.Next()
		require.NoError(t, err)
		firsts = append(firsts, batch.States.At(0))
	}
	assert.Equal(t, []float64{0, 3, 0, 3}, firsts)
}

func TestOpen_LocatesAcrossShards(t *testing.T) {
	dir := t.TempDir()
	spec := testSpec(tensor.Int32)
	writeShard(t, dir, 1, 0, 0, []int64{0, 1}, spec)
	writeShard(t, dir, 1, 1, 50, []int64{}, spec)
	writeShard(t, dir, 1, 2, 100, []int64{1, 0, 1}, spec)

	a, err := Open(dir, 1, Options{BatchSize: 5})
	require.NoError(t, err)
	defer a.Close()

	batch, err := a.Batches().Next()
	require.NoError(t, err)
	var markers []float64
	for i := 0; i < 5; i++ {
		markers = append(markers, batch.States.At(2*i))
	}
	assert.Equal(t, []float64{0, 1, 100, 101, 102}, markers)
	assert.Equal(t, []int64{0, 1, 1, 0, 1}, batch.Labels)
}

func TestOpen_WidensHeterogeneousShards(t *testing.T) {
	dir := t.TempDir()
	writeShard(t, dir, 1, 0, 0, []int64{0, 1}, testSpec(tensor.Int16))
	writeShard(t, dir, 1, 1, 10, []int64{1, 0}, testSpec(tensor.Int64))

	a, err := Open(dir, 1, Options{BatchSize: 4, CorrectDistributions: true})
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, tensor.Int64, a.Example().Action.DType)
	batch, err := a.Batches().Next()
	require.NoError(t, err)
	assert.Equal(t, tensor.Int64, batch.Actions.DType)
	assert.Equal(t, 1.0, batch.Actions.At(3))
}

func TestOpen_InsufficientSignal(t *testing.T) {
	dir := t.TempDir()
	writeShard(t, dir, 1, 0, 0, repeat(1, 8), testSpec(tensor.Int32))

	_, err := Open(dir, 1, Options{BatchSize: 2, CorrectDistributions: true})
	assert.ErrorIs(t, err, ErrInsufficientSignal)

	// without rebalancing a single class is trainable
	a, err := Open(dir, 1, Options{BatchSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 8, a.TrainingSize())
	require.NoError(t, a.Close())

	_, err = Open(dir, 1, Options{BatchSize: 9})
	assert.ErrorIs(t, err, ErrInsufficientSignal)

	_, err = Open(dir, 42, Options{BatchSize: 2})
	assert.ErrorIs(t, err, ErrInsufficientSignal)
}

func TestOpen_DamagedRewardIndices(t *testing.T) {
	dir := t.TempDir()
	writeShard(t, dir, 1, 0, 0, []int64{0, 1, 0}, testSpec(tensor.Int32))
	path := episode.Path(dir, 1, 0)
	meta, err := episode.ReadMeta(path)
	require.NoError(t, err)

	meta.RewardIndices = nil
	require.NoError(t, episode.WriteMeta(path, meta))
	_, err = Open(dir, 1, Options{BatchSize: 1, CorrectDistributions: true})
	assert.ErrorIs(t, err, ErrInsufficientSignal)

	meta.RewardIndices = map[int64][]int{0: {0, 2}, 1: {7}}
	require.NoError(t, episode.WriteMeta(path, meta))
	_, err = Open(dir, 1, Options{BatchSize: 1, CorrectDistributions: true})
	assert.ErrorIs(t, err, episode.ErrIndexOutOfRange)
}

func TestOpen_RejectsNonBinaryRewards(t *testing.T) {
	dir := t.TempDir()
	spec := testSpec(tensor.Int32)
	spec.Reward.DType = tensor.Int8
	writeShard(t, dir, 1, 0, 0, []int64{0, 1, 2}, spec)

	_, err := Open(dir, 1, Options{BatchSize: 1, CorrectDistributions: true})
	assert.ErrorIs(t, err, ErrUnsupportedRewards)
}

func TestWith_AlwaysCloses(t *testing.T) {
	dir := t.TempDir()
	writeShard(t, dir, 1, 0, 0, []int64{0, 1}, testSpec(tensor.Int32))

	var held *Assembler
	boom := errors.New("boom")
	err := With(dir, 1, Options{BatchSize: 1}, func(a *Assembler) error {
		held = a
		_, err := a.Batches().Next()
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	require.NotNil(t, held)
	assert.Nil(t, held.shards)
}
