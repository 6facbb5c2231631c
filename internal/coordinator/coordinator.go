// Package coordinator owns the learner and supervises the collector and
// tester processes: it collects shard completions, trains once every
// collector finished a version and broadcasts the new weights.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/tapcrawler/tapcrawler/internal/config"
	"github.com/tapcrawler/tapcrawler/internal/episode"
	"github.com/tapcrawler/tapcrawler/internal/learner"
	"github.com/tapcrawler/tapcrawler/internal/model"
	"github.com/tapcrawler/tapcrawler/internal/process"
	"github.com/tapcrawler/tapcrawler/pkg/log"
	"github.com/tapcrawler/tapcrawler/pkg/metrics"
	"github.com/tapcrawler/tapcrawler/pkg/tracing"
)

// Spawner creates the process running the agent described by spec. The
// process reports to parent and starts writing shards at firstVersion.
type Spawner func(spec config.AgentSpec, firstVersion int, parent process.Sender) process.Process

// Archiver uploads the sealed shards of a trained version.
type Archiver interface {
	ArchiveVersion(ctx context.Context, dataDir string, version int) (int, error)
}

// Options configures a Coordinator.
type Options struct {
	Config *config.Config
	Spawn  Spawner
	// Model is the learner's model; its weights are broadcast to workers.
	Model    model.Model
	Ledger   *Ledger
	Archiver Archiver
	Metrics  *metrics.CoordinatorMetrics
	Logger   zerolog.Logger
	RunID    string
}

type worker struct {
	spec config.AgentSpec
	proc process.Process
}

// Coordinator is the main process.
type Coordinator struct {
	cfg      *config.Config
	spawn    Spawner
	main     *process.Main
	learner  *learner.Learner
	ledger   *Ledger
	archiver Archiver
	metrics  *metrics.CoordinatorMetrics
	logger   zerolog.Logger
	runID    string
	routes   process.Routes

	firstVersion int
	collectors   int
	roles        map[int]config.Role
	completions  map[int]map[int]struct{}
	learned      map[int]bool
	lastVersion  int
	draining     bool

	mu      sync.Mutex
	workers []worker
	running int
	active  atomic.Bool
}

// New creates a coordinator. Workers write their first shards to the
// version after the newest one already present in the data directory.
func New(opts Options) (*Coordinator, error) {
	cfg := opts.Config
	versions, err := episode.Versions(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	first := 1
	if n := len(versions); n > 0 {
		first = versions[n-1] + 1
	}

	agents := cfg.Agents()
	c := &Coordinator{
		cfg:          cfg,
		spawn:        opts.Spawn,
		main:         process.NewMain(cfg.Process.QueueSize),
		learner:      learner.New(len(agents), cfg.DataDir, cfg.Learner, opts.Model, cfg.Seed, opts.Logger),
		ledger:       opts.Ledger,
		archiver:     opts.Archiver,
		metrics:      opts.Metrics,
		logger:       opts.Logger.With().Str("run_id", opts.RunID).Logger(),
		runID:        opts.RunID,
		firstVersion: first,
		collectors:   cfg.CollectorCount(),
		roles:        make(map[int]config.Role, len(agents)),
		completions:  make(map[int]map[int]struct{}),
		learned:      make(map[int]bool),
	}
	for _, a := range agents {
		c.roles[a.ID] = a.Role
	}
	c.routes = process.Routes{process.OpFileCompleted: c.onFileCompleted}
	return c, nil
}

// FirstVersion returns the version workers start writing at.
func (c *Coordinator) FirstVersion() int { return c.firstVersion }

// Main returns the coordinator's own process.
func (c *Coordinator) Main() *process.Main { return c.main }

// IsRunning reports whether Start is running.
func (c *Coordinator) IsRunning() bool { return c.active.Load() }

// RunningWorkers returns the number of agent processes that did not exit.
func (c *Coordinator) RunningWorkers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// QueueDepth returns the number of pending main queue messages.
func (c *Coordinator) QueueDepth() int { return c.main.Len() }

// QueueCapacity returns the main queue size.
func (c *Coordinator) QueueCapacity() int { return c.main.Cap() }

// Start spawns every agent, broadcasts the initial weights and runs the
// main loop until ctx is done or every worker exited. Messages still
// queued when the workers are gone are handled before returning.
func (c *Coordinator) Start(ctx context.Context) error {
	ctx = log.ContextWithRunID(ctx, c.runID)
	if c.ledger != nil {
		if err := c.ledger.StartRun(c.runID); err != nil {
			return err
		}
	}

	c.active.Store(true)
	defer c.active.Store(false)

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g errgroup.Group
	err := c.spawnAll(workerCtx, &g)

	exited := make(chan struct{})
	var workersErr error
	go func() {
		workersErr = g.Wait()
		close(exited)
	}()

	if err == nil {
		c.logger.Info().
			Int("workers", len(c.workers)).
			Int("collectors", c.collectors).
			Int("first_version", c.firstVersion).
			Msg("Coordinator started")

		c.SyncWeights(ctx)
		err = c.loop(ctx, exited)
		if err != nil {
			c.logger.Error().Err(err).Msg("Main loop failed, stopping workers")
		}
	}
	cancel()
	c.drain(ctx, exited)

	c.finish(workersErr, err)
	if err != nil {
		return err
	}
	if workersErr != nil {
		return fmt.Errorf("worker failed: %w", workersErr)
	}
	c.logger.Info().Int("trained_version", c.lastVersion).Msg("Coordinator stopped")
	return nil
}

func (c *Coordinator) finish(workersErr, loopErr error) {
	if c.ledger == nil {
		return
	}
	status := RunStatusCompleted
	if workersErr != nil || loopErr != nil {
		status = RunStatusFailed
	}
	if err := c.ledger.FinishRun(c.runID, status); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to record run status")
	}
}

func (c *Coordinator) spawnAll(ctx context.Context, g *errgroup.Group) error {
	for i, spec := range c.cfg.Agents() {
		if i > 0 && c.cfg.Process.SpawnDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.Process.SpawnDelay):
			}
		}

		proc := c.spawn(spec, c.firstVersion, c.main)
		if err := proc.Run(ctx); err != nil {
			return fmt.Errorf("failed to start %s: %w", proc.Name(), err)
		}

		c.mu.Lock()
		c.workers = append(c.workers, worker{spec: spec, proc: proc})
		c.running++
		c.metrics.SetWorkersRunning(c.running)
		c.mu.Unlock()

		logger := c.logger.With().Str("process", proc.Name()).Int("agent_id", spec.ID).Logger()
		logger.Info().Str("role", string(spec.Role)).Msg("Spawned agent")

		g.Go(func() error {
			err := proc.Wait()
			c.mu.Lock()
			c.running--
			c.metrics.SetWorkersRunning(c.running)
			c.mu.Unlock()

			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("Agent exited with error")
				return fmt.Errorf("%s: %w", proc.Name(), err)
			}
			logger.Info().Msg("Agent exited")
			return nil
		})
	}
	return nil
}

func (c *Coordinator) loop(ctx context.Context, exited <-chan struct{}) error {
	for {
		c.metrics.SetQueueDepth(c.main.Len())
		ran, err := c.main.PopAndRunNext(ctx, c.routes)
		if err != nil {
			return err
		}
		if ran {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-exited:
			return nil
		case <-time.After(c.cfg.Process.IdleInterval):
		}
	}
}

// drain keeps emptying the main queue until every worker exited, so that
// workers blocked on a full queue can finish sealing their shards. After an
// interruption completed versions are recorded but not trained.
func (c *Coordinator) drain(ctx context.Context, exited <-chan struct{}) {
	c.draining = ctx.Err() != nil
	ctx = context.WithoutCancel(ctx)
	done := false
	for {
		ran, err := c.main.PopAndRunNext(ctx, c.routes)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Failed to handle message during shutdown")
		}
		if ran || err != nil {
			continue
		}
		if done {
			return
		}
		select {
		case <-exited:
			done = true
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (c *Coordinator) onFileCompleted(ctx context.Context, msg process.Message) error {
	return c.OnCollectorFileCompleted(ctx, msg.AgentID, msg.Version)
}

// OnCollectorFileCompleted records that agentID sealed its shard of
// version. Reports from testers and repeated reports are ignored. The
// report completing a version trains on it and broadcasts the weights.
func (c *Coordinator) OnCollectorFileCompleted(ctx context.Context, agentID, version int) error {
	logger := c.logger.With().Int("agent_id", agentID).Int("version", version).Logger()

	role, ok := c.roles[agentID]
	if !ok {
		logger.Warn().Msg("Completion from unknown agent")
		return nil
	}
	if role != config.RoleCollector {
		logger.Debug().Str("role", string(role)).Msg("Ignoring completion from non-collector")
		return nil
	}

	set := c.completions[version]
	if set == nil {
		set = make(map[int]struct{})
		c.completions[version] = set
	}
	if _, dup := set[agentID]; dup {
		logger.Debug().Msg("Duplicate completion")
		return nil
	}
	set[agentID] = struct{}{}
	c.metrics.RecordCompletion()
	if c.ledger != nil {
		if _, err := c.ledger.RecordCompletion(c.runID, version, agentID); err != nil {
			logger.Warn().Err(err).Msg("Failed to record completion")
		}
	}
	logger.Info().Int("completed", len(set)).Int("collectors", c.collectors).Msg("Collector finished shard")

	if len(set) < c.collectors || c.learned[version] {
		return nil
	}
	c.learned[version] = true

	if ctx.Err() != nil || c.draining {
		logger.Info().Msg("Version complete after interrupt, not training")
		return nil
	}

	ctx, span := tracing.StartSpan(ctx, "coordinator.version_completed",
		tracing.WithAttributes(tracing.AttrVersion.Int(version), tracing.AttrRunID.String(c.runID)))
	defer span.End()

	if err := c.Learn(ctx, version); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	c.SyncWeights(ctx)
	return nil
}

// Learn trains the learner on version and records the outcome.
func (c *Coordinator) Learn(ctx context.Context, version int) error {
	result, err := c.learner.Learn(ctx, version)

	outcome := "skipped"
	switch {
	case err != nil:
		outcome = "failed"
	case result.Trained:
		outcome = "trained"
	}
	c.metrics.RecordTraining(outcome, version, result.TrainingSize, result.Duration.Seconds())
	if err != nil {
		return err
	}

	c.lastVersion = version
	if c.ledger != nil {
		if lerr := c.ledger.RecordTraining(c.runID, result); lerr != nil {
			c.logger.Warn().Err(lerr).Int("version", version).Msg("Failed to record training")
		}
	}

	if result.Trained && c.archiver != nil {
		n, aerr := c.archiver.ArchiveVersion(ctx, c.cfg.DataDir, version)
		c.metrics.RecordArchived(n)
		if aerr != nil {
			c.logger.Warn().Err(aerr).Int("version", version).Msg("Failed to archive version")
		} else {
			c.logger.Info().Int("version", version).Int("objects", n).Msg("Archived version")
		}
	}
	return nil
}

// SyncWeights sends a snapshot of the learner weights to every worker. A
// worker whose queue is full misses this snapshot; the next one replaces it.
func (c *Coordinator) SyncWeights(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "coordinator.sync_weights",
		tracing.WithSpanKind(trace.SpanKindProducer),
		tracing.WithAttributes(tracing.AttrVersion.Int(c.lastVersion), tracing.AttrRunID.String(c.runID)))
	defer span.End()

	weights := c.learner.Weights()
	msg := process.Message{
		Op:      process.OpSetWeights,
		Version: c.lastVersion,
		Weights: weights,
		Trace:   tracing.Inject(ctx),
	}

	c.mu.Lock()
	workers := append([]worker(nil), c.workers...)
	c.mu.Unlock()

	sent := 0
	for _, w := range workers {
		err := w.proc.TryAddToRunQueue(msg)
		switch {
		case err == nil:
			sent++
		case errors.Is(err, process.ErrQueueFull):
			c.metrics.RecordWeightDrop(w.proc.Name())
			tracing.AddSpanEvent(ctx, "weights.dropped", tracing.AttrProcess.String(w.proc.Name()))
			c.logger.Warn().Str("process", w.proc.Name()).Msg("Worker queue full, dropping weights")
		case errors.Is(err, process.ErrStopped):
			c.logger.Debug().Str("process", w.proc.Name()).Msg("Worker stopped, not sending weights")
		default:
			tracing.RecordError(ctx, err)
			c.logger.Warn().Err(err).Str("process", w.proc.Name()).Msg("Failed to send weights")
		}
	}
	if sent == 0 && len(workers) > 0 {
		tracing.SetSpanStatus(ctx, codes.Error, "no worker accepted the weights")
	}
	c.metrics.RecordWeightSync()
	c.logger.Info().Int("version", c.lastVersion).Int("workers", sent).Msg("Synced weights")
}
