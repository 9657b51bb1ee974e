// Package metrics exposes prometheus instrumentation for the ledger engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the ledger's prometheus collectors. A nil *Metrics is valid
// and turns every observation into a no-op, so components can take metrics as
// an optional dependency.
type Metrics struct {
	AppendsTotal      *prometheus.CounterVec
	AppendConflicts   prometheus.Counter
	ContentionErrors  prometheus.Counter
	TamperBreaksFound prometheus.Counter
	AnchorsBuilt      prometheus.Counter
	EntriesPurged     prometheus.Counter
	HoldsActive       prometheus.Gauge
}

// New registers and returns the ledger metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		AppendsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_appends_total",
			Help: "Committed audit entries by event type",
		}, []string{"event_type"}),
		AppendConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ledger_append_head_conflicts_total",
			Help: "Optimistic-concurrency retries during append",
		}),
		ContentionErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ledger_append_contention_errors_total",
			Help: "Appends that exhausted the retry budget",
		}),
		TamperBreaksFound: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ledger_tamper_breaks_total",
			Help: "Chain breaks cataloged by verification",
		}),
		AnchorsBuilt: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ledger_merkle_anchors_total",
			Help: "Merkle batch roots closed",
		}),
		EntriesPurged: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ledger_entries_purged_total",
			Help: "Entries removed by the retention sweep",
		}),
		HoldsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_legal_holds_active",
			Help: "Legal holds currently in place",
		}),
	}
}

func (m *Metrics) ObserveAppend(eventType string) {
	if m == nil {
		return
	}
	m.AppendsTotal.WithLabelValues(eventType).Inc()
}

func (m *Metrics) ObserveAppendConflict() {
	if m == nil {
		return
	}
	m.AppendConflicts.Inc()
}

func (m *Metrics) ObserveContention() {
	if m == nil {
		return
	}
	m.ContentionErrors.Inc()
}

func (m *Metrics) ObserveBreaks(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TamperBreaksFound.Add(float64(n))
}

func (m *Metrics) ObserveAnchor() {
	if m == nil {
		return
	}
	m.AnchorsBuilt.Inc()
}

func (m *Metrics) ObservePurged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EntriesPurged.Add(float64(n))
}

func (m *Metrics) HoldPlaced() {
	if m == nil {
		return
	}
	m.HoldsActive.Inc()
}

func (m *Metrics) HoldReleased() {
	if m == nil {
		return
	}
	m.HoldsActive.Dec()
}
