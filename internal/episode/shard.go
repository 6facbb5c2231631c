package episode

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/tapcrawler/tapcrawler/internal/tensor"
)

// Column file extensions.
const (
	StatesExt  = ".states"
	ActionsExt = ".actions"
	RewardsExt = ".rewards"
	MetaExt    = ".meta"
)

// Mode selects how a shard is opened.
type Mode int

const (
	// ModeWrite creates (or truncates) and pre-allocates the column files.
	ModeWrite Mode = iota
	// ModeRead opens existing column files read-only.
	ModeRead
)

// Meta is the persisted description of a sealed shard.
type Meta struct {
	MaxSize       int             `json:"max_size"`
	Size          int             `json:"size"`
	Example       Spec            `json:"example"`
	RewardIndices map[int64][]int `json:"reward_indices"`
}

// Shard is a fixed-capacity column store for one agent and one version.
// A shard has a single writer; once sealed it is immutable and safe for
// concurrent readers.
type Shard struct {
	path    string
	maxSize int
	size    int
	spec    Spec
	mode    Mode

	states  *os.File
	actions *os.File
	rewards *os.File

	stateBytes  int
	actionBytes int
	rewardBytes int
}

// Dir returns the directory holding all shards of a version.
func Dir(dataDir string, version int) string {
	return filepath.Join(dataDir, strconv.Itoa(version))
}

// Path returns the base path (without extension) of an agent's shard.
func Path(dataDir string, version, agentID int) string {
	return filepath.Join(Dir(dataDir, version), strconv.Itoa(agentID))
}

// Create pre-allocates a new shard for maxSize episodes.
func Create(path string, maxSize int, spec Spec) (*Shard, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("invalid shard capacity %d", maxSize)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create shard directory: %w", err)
	}
	s := newShard(path, maxSize, spec, ModeWrite)
	if err := s.open(os.O_RDWR|os.O_CREATE|os.O_TRUNC, true); err != nil {
		return nil, err
	}
	return s, nil
}

// Open opens an existing shard for reading with size valid records.
func Open(path string, meta Meta) (*Shard, error) {
	if err := meta.Example.Validate(); err != nil {
		return nil, err
	}
	if meta.Size > meta.MaxSize {
		return nil, fmt.Errorf("shard %s: size %d exceeds capacity %d", path, meta.Size, meta.MaxSize)
	}
	s := newShard(path, meta.MaxSize, meta.Example, ModeRead)
	s.size = meta.Size
	if err := s.open(os.O_RDONLY, false); err != nil {
		return nil, err
	}
	return s, nil
}

func newShard(path string, maxSize int, spec Spec, mode Mode) *Shard {
	return &Shard{
		path:        path,
		maxSize:     maxSize,
		spec:        spec,
		mode:        mode,
		stateBytes:  spec.State.bytes(),
		actionBytes: spec.Action.bytes(),
		rewardBytes: spec.Reward.bytes(),
	}
}

func (s *Shard) open(flag int, preallocate bool) error {
	columns := []struct {
		ext    string
		stride int
		dst    **os.File
	}{
		{StatesExt, 2 * s.stateBytes, &s.states},
		{ActionsExt, s.actionBytes, &s.actions},
		{RewardsExt, s.rewardBytes, &s.rewards},
	}
	for _, c := range columns {
		f, err := os.OpenFile(s.path+c.ext, flag, 0644)
		if err != nil {
			s.closeFiles()
			return fmt.Errorf("failed to open %s: %w", s.path+c.ext, err)
		}
		*c.dst = f
		if preallocate {
			if err := f.Truncate(int64(s.maxSize) * int64(c.stride)); err != nil {
				s.closeFiles()
				return fmt.Errorf("failed to allocate %s: %w", s.path+c.ext, err)
			}
		}
	}
	return nil
}

// Path returns the shard's base path.
func (s *Shard) Path() string { return s.path }

// MaxSize returns the shard capacity.
func (s *Shard) MaxSize() int { return s.maxSize }

// Size returns one past the highest index written (or the sealed size).
func (s *Shard) Size() int { return s.size }

// Spec returns the shard layout.
func (s *Shard) Spec() Spec { return s.spec }

// Set writes e at index. Capacity is fixed; callers rotate to a new shard
// instead of writing past maxSize. Writing at or beyond Size extends Size to
// index+1; skipped slots read back as zero episodes. Overwriting an earlier
// index leaves Size unchanged.
func (s *Shard) Set(e Episode, index int) error {
	if s.mode != ModeWrite {
		return ErrReadOnly
	}
	if index < 0 || index >= s.maxSize {
		return fmt.Errorf("%w: index %d, capacity %d", ErrShardFull, index, s.maxSize)
	}
	if !s.spec.Matches(e) {
		return fmt.Errorf("%w: %s", ErrSpecMismatch, s.path)
	}

	pair := make([]byte, 0, 2*s.stateBytes)
	pair = append(pair, e.State.Data...)
	pair = append(pair, e.Result.Data...)
	if _, err := s.states.WriteAt(pair, int64(index)*int64(2*s.stateBytes)); err != nil {
		return fmt.Errorf("failed to write states: %w", err)
	}
	if _, err := s.actions.WriteAt(e.Action.Data, int64(index)*int64(s.actionBytes)); err != nil {
		return fmt.Errorf("failed to write actions: %w", err)
	}
	if _, err := s.rewards.WriteAt(e.Reward.Data, int64(index)*int64(s.rewardBytes)); err != nil {
		return fmt.Errorf("failed to write rewards: %w", err)
	}
	if index >= s.size {
		s.size = index + 1
	}
	return nil
}

// Get reads the episode at index.
func (s *Shard) Get(index int) (Episode, error) {
	if index < 0 || index >= s.size {
		return Episode{}, fmt.Errorf("%w: index %d, size %d", ErrIndexOutOfRange, index, s.size)
	}
	e := s.spec.Zero()

	pair := make([]byte, 2*s.stateBytes)
	if _, err := s.states.ReadAt(pair, int64(index)*int64(2*s.stateBytes)); err != nil {
		return Episode{}, fmt.Errorf("failed to read states: %w", err)
	}
	copy(e.State.Data, pair[:s.stateBytes])
	copy(e.Result.Data, pair[s.stateBytes:])
	if _, err := s.actions.ReadAt(e.Action.Data, int64(index)*int64(s.actionBytes)); err != nil {
		return Episode{}, fmt.Errorf("failed to read actions: %w", err)
	}
	if _, err := s.rewards.ReadAt(e.Reward.Data, int64(index)*int64(s.rewardBytes)); err != nil {
		return Episode{}, fmt.Errorf("failed to read rewards: %w", err)
	}
	return e, nil
}

// Reward reads only the reward column at index.
func (s *Shard) Reward(index int) (int64, error) {
	if index < 0 || index >= s.size {
		return 0, fmt.Errorf("%w: index %d, size %d", ErrIndexOutOfRange, index, s.size)
	}
	r := tensor.New(s.spec.Reward.DType, s.spec.Reward.Shape...)
	if _, err := s.rewards.ReadAt(r.Data, int64(index)*int64(s.rewardBytes)); err != nil {
		return 0, fmt.Errorf("failed to read rewards: %w", err)
	}
	return int64(r.At(0)), nil
}

// Flush forces written records to stable storage.
func (s *Shard) Flush() error {
	if s.mode != ModeWrite {
		return nil
	}
	for _, f := range []*os.File{s.states, s.actions, s.rewards} {
		if f == nil {
			continue
		}
		if err := f.Sync(); err != nil {
			return fmt.Errorf("failed to sync %s: %w", f.Name(), err)
		}
	}
	return nil
}

// Close releases the column files.
func (s *Shard) Close() error {
	return s.closeFiles()
}

func (s *Shard) closeFiles() error {
	var firstErr error
	for _, f := range []**os.File{&s.states, &s.actions, &s.rewards} {
		if *f == nil {
			continue
		}
		if err := (*f).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		*f = nil
	}
	return firstErr
}

// Seal flushes and closes the shard, then persists its metadata. The shard
// must not be written again afterwards.
func (s *Shard) Seal(rewardIndices map[int64][]int) (Meta, error) {
	if err := s.Flush(); err != nil {
		return Meta{}, err
	}
	if err := s.Close(); err != nil {
		return Meta{}, fmt.Errorf("failed to close shard: %w", err)
	}
	meta := Meta{
		MaxSize:       s.maxSize,
		Size:          s.size,
		Example:       s.spec,
		RewardIndices: copyIndices(rewardIndices),
	}
	if err := WriteMeta(s.path, meta); err != nil {
		return Meta{}, err
	}
	s.mode = ModeRead
	return meta, nil
}

// ScanRewardIndices rebuilds the reward index of the first size records by
// reading the reward column.
func (s *Shard) ScanRewardIndices() (map[int64][]int, error) {
	out := make(map[int64][]int)
	for i := 0; i < s.size; i++ {
		r, err := s.Reward(i)
		if err != nil {
			return nil, err
		}
		out[r] = append(out[r], i)
	}
	return out, nil
}

// WriteMeta atomically writes the side file for the shard at path.
func WriteMeta(path string, meta Meta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to serialize shard metadata: %w", err)
	}
	tmp := path + MetaExt + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write shard metadata: %w", err)
	}
	if err := os.Rename(tmp, path+MetaExt); err != nil {
		return fmt.Errorf("failed to persist shard metadata: %w", err)
	}
	return nil
}

// ReadMeta loads the side file of the shard at path.
func ReadMeta(path string) (Meta, error) {
	data, err := os.ReadFile(path + MetaExt)
	if err != nil {
		return Meta{}, fmt.Errorf("failed to read shard metadata: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, fmt.Errorf("failed to parse shard metadata %s: %w", path+MetaExt, err)
	}
	if meta.RewardIndices == nil {
		meta.RewardIndices = make(map[int64][]int)
	}
	return meta, nil
}

// SealedShards returns the base paths of every sealed shard of a version,
// sorted by agent ID.
func SealedShards(dataDir string, version int) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(Dir(dataDir, version), "*"+MetaExt))
	if err != nil {
		return nil, fmt.Errorf("failed to list shards: %w", err)
	}
	paths := make([]string, 0, len(matches))
	for _, m := range matches {
		paths = append(paths, strings.TrimSuffix(m, MetaExt))
	}
	sort.Slice(paths, func(i, j int) bool {
		a, errA := strconv.Atoi(filepath.Base(paths[i]))
		b, errB := strconv.Atoi(filepath.Base(paths[j]))
		if errA != nil || errB != nil {
			return paths[i] < paths[j]
		}
		return a < b
	})
	return paths, nil
}

// Versions lists the version directories present under dataDir in ascending order.
func Versions(dataDir string) ([]int, error) {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	var versions []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		v, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	sort.Ints(versions)
	return versions, nil
}

func copyIndices(in map[int64][]int) map[int64][]int {
	out := make(map[int64][]int, len(in))
	for k, v := range in {
		out[k] = append([]int(nil), v...)
	}
	return out
}
