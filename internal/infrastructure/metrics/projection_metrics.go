package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lllypuk/orderledger/internal/application/appcore"
	"github.com/lllypuk/orderledger/internal/infrastructure/repair"
)

// ProjectionMetrics contains Prometheus metrics for the projection consumer,
// rebuilds and the projection job queue.
type ProjectionMetrics struct {
	EventsApplied   prometheus.Counter
	Checkpoint      prometheus.Gauge
	Lag             prometheus.Gauge
	RebuildsTotal   *prometheus.CounterVec
	RebuildDuration prometheus.Histogram
	RebuildEvents   prometheus.Gauge
	JobsByStatus    *prometheus.GaugeVec
}

// NewProjectionMetrics creates and registers projection metrics with the given registerer.
func NewProjectionMetrics(registerer prometheus.Registerer) *ProjectionMetrics {
	m := &ProjectionMetrics{
		EventsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orderledger_projection_events_applied_total",
			Help: "Total number of events applied to live projections",
		}),
		Checkpoint: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orderledger_projection_checkpoint",
			Help: "Last global offset applied by the projection consumer",
		}),
		Lag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orderledger_projection_lag_events",
			Help: "Events appended but not yet applied to projections",
		}),
		RebuildsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderledger_projection_rebuilds_total",
				Help: "Total number of full projection rebuilds",
			},
			[]string{"status"}, // status: success/failed
		),
		RebuildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orderledger_projection_rebuild_duration_seconds",
			Help:    "Time taken by a full projection rebuild",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
		}),
		RebuildEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orderledger_projection_rebuild_last_events",
			Help: "Events replayed by the last successful rebuild",
		}),
		JobsByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orderledger_projection_jobs",
				Help: "Projection jobs by status",
			},
			[]string{"status"},
		),
	}

	registerer.MustRegister(
		m.EventsApplied,
		m.Checkpoint,
		m.Lag,
		m.RebuildsTotal,
		m.RebuildDuration,
		m.RebuildEvents,
		m.JobsByStatus,
	)

	return m
}

// ObserveApplied counts events applied by one consumer pass.
func (m *ProjectionMetrics) ObserveApplied(n int) {
	m.EventsApplied.Add(float64(n))
}

// ObserveLag records consumer progress against the log tail.
func (m *ProjectionMetrics) ObserveLag(checkpoint, tail int64) {
	m.Checkpoint.Set(float64(checkpoint))
	m.Lag.Set(float64(max(tail-checkpoint, 0)))
}

// ObserveRebuild records the outcome of a full rebuild.
func (m *ProjectionMetrics) ObserveRebuild(report appcore.RebuildReport, err error) {
	if err != nil {
		m.RebuildsTotal.WithLabelValues("failed").Inc()
		return
	}
	m.RebuildsTotal.WithLabelValues("success").Inc()
	m.RebuildDuration.Observe(report.Duration.Seconds())
	m.RebuildEvents.Set(float64(report.Events))
}

// ObserveQueue publishes job queue statistics.
func (m *ProjectionMetrics) ObserveQueue(stats *repair.QueueStats) {
	m.JobsByStatus.WithLabelValues(repair.StatusPending).Set(float64(stats.PendingCount))
	m.JobsByStatus.WithLabelValues(repair.StatusProcessing).Set(float64(stats.ProcessingCount))
	m.JobsByStatus.WithLabelValues(repair.StatusCompleted).Set(float64(stats.CompletedCount))
	m.JobsByStatus.WithLabelValues(repair.StatusFailed).Set(float64(stats.FailedCount))
}
