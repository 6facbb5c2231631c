package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// CollectorMetrics holds metrics for collector and tester agents.
// All methods are safe to call on a nil receiver.
type CollectorMetrics struct {
	EpisodesTotal   *prometheus.CounterVec
	ShardsSealed    *prometheus.CounterVec
	RecoveriesTotal *prometheus.CounterVec
	AppsRemoved     *prometheus.CounterVec
	SettlePolls     prometheus.Histogram
	WeightUpdates   *prometheus.CounterVec
}

func newCollectorMetrics(registry *prometheus.Registry) *CollectorMetrics {
	m := &CollectorMetrics{
		EpisodesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "collector",
				Name:      "episodes_total",
				Help:      "Total number of finished episodes by role and reward.",
			},
			[]string{"role", "reward"},
		),

		ShardsSealed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "collector",
				Name:      "shards_sealed_total",
				Help:      "Total number of shards flushed, closed and persisted.",
			},
			[]string{"agent"},
		),

		RecoveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "collector",
				Name:      "recoveries_total",
				Help:      "Total number of error recoveries by action taken.",
			},
			[]string{"device", "action"}, // app_reopen, device_restart
		),

		AppsRemoved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "collector",
				Name:      "apps_removed_total",
				Help:      "Total number of apps removed from rotation after repeated failures.",
			},
			[]string{"device"},
		),

		SettlePolls: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "collector",
				Name:      "settle_polls",
				Help:      "Screen captures taken while waiting for an action to settle.",
				Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128},
			},
		),

		WeightUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "collector",
				Name:      "weight_updates_total",
				Help:      "Total number of weight snapshots applied to the local model.",
			},
			[]string{"agent"},
		),
	}

	registry.MustRegister(
		m.EpisodesTotal,
		m.ShardsSealed,
		m.RecoveriesTotal,
		m.AppsRemoved,
		m.SettlePolls,
		m.WeightUpdates,
	)

	return m
}

// RecordEpisode records a finished episode step.
func (m *CollectorMetrics) RecordEpisode(role string, reward int64) {
	if m == nil {
		return
	}
	m.EpisodesTotal.WithLabelValues(role, strconv.FormatInt(reward, 10)).Inc()
}

// RecordShardSealed records a shard rotation or finalization.
func (m *CollectorMetrics) RecordShardSealed(agentID int) {
	if m == nil {
		return
	}
	m.ShardsSealed.WithLabelValues(strconv.Itoa(agentID)).Inc()
}

// RecordRecovery records a recovery action on a device.
func (m *CollectorMetrics) RecordRecovery(device, action string) {
	if m == nil {
		return
	}
	m.RecoveriesTotal.WithLabelValues(device, action).Inc()
}

// RecordAppRemoved records an app dropped from a device's rotation.
func (m *CollectorMetrics) RecordAppRemoved(device string) {
	if m == nil {
		return
	}
	m.AppsRemoved.WithLabelValues(device).Inc()
}

// ObserveSettlePolls records how many captures one action needed.
func (m *CollectorMetrics) ObserveSettlePolls(polls int) {
	if m == nil {
		return
	}
	m.SettlePolls.Observe(float64(polls))
}

// RecordWeightUpdate records a weight snapshot applied by an agent.
func (m *CollectorMetrics) RecordWeightUpdate(agentID int) {
	if m == nil {
		return
	}
	m.WeightUpdates.WithLabelValues(strconv.Itoa(agentID)).Inc()
}
