package ingest

import (
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// namespace is the leading part of all published metric names.
const namespace = "treeline"

// subsystem is the label for the ingestion subsystem.
const subsystem = "ingest"

// ingestMetrics holds the registry's metrics. Vectors are keyed by the
// default labels plus any per-metric labels noted below.
type ingestMetrics struct {
	labels prometheus.Labels

	Series         *prometheus.GaugeVec
	SeriesCreated  *prometheus.CounterVec
	SessionsActive *prometheus.GaugeVec
	RescuePending  *prometheus.GaugeVec

	Writes      *prometheus.CounterVec // + status
	Broadcasts  *prometheus.CounterVec // + status
	Checkpoints *prometheus.CounterVec // + status

	CheckpointDuration *prometheus.HistogramVec
}

func newIngestMetrics(labels prometheus.Labels) *ingestMetrics {
	names := []string{}
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)

	withStatus := append(append([]string{}, names...), "status")
	sort.Strings(withStatus)

	return &ingestMetrics{
		labels: labels,
		Series: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "series_total",
			Help:      "Number of series interned in the catalog.",
		}, names),
		SeriesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "series_created_total",
			Help:      "Number of series identities allocated.",
		}, names),
		SessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions_active",
			Help:      "Number of open write sessions.",
		}, names),
		RescuePending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rescue_pending",
			Help:      "Number of series with rescue points awaiting a checkpoint.",
		}, names),
		Writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "writes_total",
			Help:      "Number of samples written, by status.",
		}, withStatus),
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "broadcasts_total",
			Help:      "Number of samples re-routed between sessions, by status.",
		}, withStatus),
		Checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "checkpoints_total",
			Help:      "Number of metadata checkpoints, by status.",
		}, withStatus),
		CheckpointDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "checkpoint_duration_seconds",
			Help:      "Time taken to drain and persist one checkpoint.",
			Buckets:   prometheus.DefBuckets,
		}, names),
	}
}

// PrometheusCollectors returns all the metrics associated with ingestion.
func (m *ingestMetrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Series,
		m.SeriesCreated,
		m.SessionsActive,
		m.RescuePending,
		m.Writes,
		m.Broadcasts,
		m.Checkpoints,
		m.CheckpointDuration,
	}
}

type ingestTracker struct {
	metrics *ingestMetrics
	labels  prometheus.Labels
	enabled bool
}

func newIngestTracker(metrics *ingestMetrics, defaultLabels prometheus.Labels) *ingestTracker {
	return &ingestTracker{metrics: metrics, labels: defaultLabels, enabled: true}
}

// Labels returns a copy of the default labels, safe to extend per call.
func (t *ingestTracker) Labels() prometheus.Labels {
	labels := make(prometheus.Labels, len(t.labels))
	for k, v := range t.labels {
		labels[k] = v
	}
	return labels
}

func (t *ingestTracker) SetSeries(n uint64) {
	if !t.enabled {
		return
	}
	t.metrics.Series.With(t.Labels()).Set(float64(n))
}

func (t *ingestTracker) IncSeriesCreated() {
	if !t.enabled {
		return
	}
	t.metrics.SeriesCreated.With(t.Labels()).Inc()
}

func (t *ingestTracker) IncSessionsActive() {
	if !t.enabled {
		return
	}
	t.metrics.SessionsActive.With(t.Labels()).Inc()
}

func (t *ingestTracker) DecSessionsActive() {
	if !t.enabled {
		return
	}
	t.metrics.SessionsActive.With(t.Labels()).Dec()
}

func (t *ingestTracker) SetRescuePending(n uint64) {
	if !t.enabled {
		return
	}
	t.metrics.RescuePending.With(t.Labels()).Set(float64(n))
}

func (t *ingestTracker) IncWrites(status string) {
	if !t.enabled {
		return
	}
	labels := t.Labels()
	labels["status"] = status
	t.metrics.Writes.With(labels).Inc()
}

func (t *ingestTracker) IncBroadcasts(status string) {
	if !t.enabled {
		return
	}
	labels := t.Labels()
	labels["status"] = status
	t.metrics.Broadcasts.With(labels).Inc()
}

func (t *ingestTracker) IncCheckpoint(status string) {
	if !t.enabled {
		return
	}
	labels := t.Labels()
	labels["status"] = status
	t.metrics.Checkpoints.With(labels).Inc()
}

func (t *ingestTracker) ObserveCheckpointDuration(d time.Duration) {
	if !t.enabled {
		return
	}
	t.metrics.CheckpointDuration.With(t.Labels()).Observe(d.Seconds())
}
