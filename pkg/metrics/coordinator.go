package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// CoordinatorMetrics holds metrics for the coordinator and learner.
// All methods are safe to call on a nil receiver.
type CoordinatorMetrics struct {
	CompletionsTotal prometheus.Counter
	TrainingRuns     *prometheus.CounterVec
	TrainingDuration prometheus.Histogram
	TrainingSamples  prometheus.Gauge
	WeightSyncs      prometheus.Counter
	WeightDrops      *prometheus.CounterVec
	WorkersRunning   prometheus.Gauge
	ArchivedObjects  prometheus.Counter
	CurrentVersion   prometheus.Gauge
	QueueDepth       prometheus.Gauge
}

func newCoordinatorMetrics(registry *prometheus.Registry) *CoordinatorMetrics {
	m := &CoordinatorMetrics{
		CompletionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "coordinator",
				Name:      "shard_completions_total",
				Help:      "Total number of distinct collector shard completions recorded.",
			},
		),

		TrainingRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "coordinator",
				Name:      "training_runs_total",
				Help:      "Total number of training rounds by result.",
			},
			[]string{"result"}, // trained, skipped, failed
		),

		TrainingDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "coordinator",
				Name:      "training_duration_seconds",
				Help:      "Duration of training rounds in seconds.",
				Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 3600},
			},
		),

		TrainingSamples: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "coordinator",
				Name:      "training_samples",
				Help:      "Training set size (including oversampled samples) of the last trained version.",
			},
		),

		WeightSyncs: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "coordinator",
				Name:      "weight_syncs_total",
				Help:      "Total number of weight broadcasts.",
			},
		),

		WeightDrops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "coordinator",
				Name:      "weight_drops_total",
				Help:      "Weight snapshots dropped because a worker queue was full.",
			},
			[]string{"process"},
		),

		WorkersRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "coordinator",
				Name:      "workers_running",
				Help:      "Number of running collector and tester processes.",
			},
		),

		ArchivedObjects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "coordinator",
				Name:      "archived_objects_total",
				Help:      "Total number of shard files uploaded to object storage.",
			},
		),

		CurrentVersion: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "coordinator",
				Name:      "trained_version",
				Help:      "Most recent version the learner finished.",
			},
		),

		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "coordinator",
				Name:      "queue_depth",
				Help:      "Pending messages in the main process queue.",
			},
		),
	}

	registry.MustRegister(
		m.CompletionsTotal,
		m.TrainingRuns,
		m.TrainingDuration,
		m.TrainingSamples,
		m.WeightSyncs,
		m.WeightDrops,
		m.WorkersRunning,
		m.ArchivedObjects,
		m.CurrentVersion,
		m.QueueDepth,
	)

	return m
}

// RecordCompletion records a new collector shard completion.
func (m *CoordinatorMetrics) RecordCompletion() {
	if m == nil {
		return
	}
	m.CompletionsTotal.Inc()
}

// RecordTraining records the outcome of one training round.
func (m *CoordinatorMetrics) RecordTraining(result string, version, samples int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.TrainingRuns.WithLabelValues(result).Inc()
	m.TrainingDuration.Observe(durationSeconds)
	m.CurrentVersion.Set(float64(version))
	if result == "trained" {
		m.TrainingSamples.Set(float64(samples))
	}
}

// RecordWeightSync records a broadcast of the learner weights.
func (m *CoordinatorMetrics) RecordWeightSync() {
	if m == nil {
		return
	}
	m.WeightSyncs.Inc()
}

// RecordWeightDrop records a snapshot dropped for a full queue.
func (m *CoordinatorMetrics) RecordWeightDrop(process string) {
	if m == nil {
		return
	}
	m.WeightDrops.WithLabelValues(process).Inc()
}

// SetWorkersRunning sets the number of running worker processes.
func (m *CoordinatorMetrics) SetWorkersRunning(count int) {
	if m == nil {
		return
	}
	m.WorkersRunning.Set(float64(count))
}

// RecordArchived records uploaded shard files.
func (m *CoordinatorMetrics) RecordArchived(objects int) {
	if m == nil {
		return
	}
	m.ArchivedObjects.Add(float64(objects))
}

// SetQueueDepth sets the main queue depth.
func (m *CoordinatorMetrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}
