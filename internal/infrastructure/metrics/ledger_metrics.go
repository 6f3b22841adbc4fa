// Package metrics exposes Prometheus collectors for the order ledger.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lllypuk/orderledger/internal/domain/event"
)

// LedgerMetrics contains Prometheus metrics for the command side and the event store.
type LedgerMetrics struct {
	CommandsTotal    *prometheus.CounterVec
	CommandDuration  *prometheus.HistogramVec
	CommandAttempts  *prometheus.HistogramVec
	EventsAppended   *prometheus.CounterVec
	AppendDuration   prometheus.Histogram
	ConflictsTotal   prometheus.Counter
	LastGlobalOffset prometheus.Gauge
}

// NewLedgerMetrics creates and registers ledger metrics with the given registerer.
func NewLedgerMetrics(registerer prometheus.Registerer) *LedgerMetrics {
	m := &LedgerMetrics{
		CommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderledger_commands_total",
				Help: "Total number of handled commands",
			},
			[]string{"command", "outcome"}, // outcome: accepted/conflict/invalid/error
		),
		CommandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orderledger_command_duration_seconds",
				Help:    "Time to handle a command including retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"command"},
		),
		CommandAttempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orderledger_command_attempts",
				Help:    "Append attempts per command",
				Buckets: []float64{1, 2, 3},
			},
			[]string{"command"},
		),
		EventsAppended: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderledger_events_appended_total",
				Help: "Total number of events appended to the store",
			},
			[]string{"event_type"},
		),
		AppendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orderledger_append_duration_seconds",
			Help:    "Time to append one batch of events",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		ConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orderledger_append_conflicts_total",
			Help: "Total number of appends rejected by the version check",
		}),
		LastGlobalOffset: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orderledger_last_global_offset",
			Help: "Global offset of the last appended event seen by this process",
		}),
	}

	registerer.MustRegister(
		m.CommandsTotal,
		m.CommandDuration,
		m.CommandAttempts,
		m.EventsAppended,
		m.AppendDuration,
		m.ConflictsTotal,
		m.LastGlobalOffset,
	)

	return m
}

// ObserveCommand records a command outcome.
func (m *LedgerMetrics) ObserveCommand(command, outcome string, attempts int, duration time.Duration) {
	m.CommandsTotal.WithLabelValues(command, outcome).Inc()
	m.CommandDuration.WithLabelValues(command).Observe(duration.Seconds())
	if attempts > 0 {
		m.CommandAttempts.WithLabelValues(command).Observe(float64(attempts))
	}
}

// ObserveAppend records a successful append.
func (m *LedgerMetrics) ObserveAppend(events []event.StoredEvent, duration time.Duration) {
	m.AppendDuration.Observe(duration.Seconds())
	for _, e := range events {
		m.EventsAppended.WithLabelValues(e.EventType).Inc()
	}
	if n := len(events); n > 0 {
		m.LastGlobalOffset.Set(float64(events[n-1].GlobalOffset))
	}
}

// ObserveConflict records a rejected append.
func (m *LedgerMetrics) ObserveConflict(string) {
	m.ConflictsTotal.Inc()
}
