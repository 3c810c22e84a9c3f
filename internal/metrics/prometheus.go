// Package metrics exposes appwall's Prometheus metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	awerrors "grimm.is/appwall/internal/errors"
	"grimm.is/appwall/internal/reconcile"
	"grimm.is/appwall/internal/rules"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all appwall metrics.
type Registry struct {
	// Reconciliation
	ReconcilePasses   *prometheus.CounterVec
	ReconcileDuration prometheus.Histogram
	BackendErrors     *prometheus.CounterVec
	DriftCorrections  prometheus.Counter
	EnforcedEntries   prometheus.Gauge

	// Rules
	Rules       *prometheus.GaugeVec
	RuleChanges *prometheus.CounterVec

	// Packet attribution (Linux)
	PacketsAttributed *prometheus.CounterVec
	DroppedPackets    *prometheus.CounterVec
}

// Get returns the global metrics registry, registered with the default
// Prometheus registerer on first use.
func Get() *Registry {
	once.Do(func() {
		registry = NewRegistry(prometheus.DefaultRegisterer)
	})
	return registry
}

// NewRegistry creates the metrics and registers them with reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	f := promauto.With(reg)
	r := &Registry{}

	r.ReconcilePasses = f.NewCounterVec(prometheus.CounterOpts{
		Name: "appwall_reconcile_passes_total",
		Help: "Reconciliation passes by result",
	}, []string{"result"})

	r.ReconcileDuration = f.NewHistogram(prometheus.HistogramOpts{
		Name:    "appwall_reconcile_duration_seconds",
		Help:    "Duration of reconciliation passes",
		Buckets: prometheus.DefBuckets,
	})

	r.BackendErrors = f.NewCounterVec(prometheus.CounterOpts{
		Name: "appwall_backend_errors_total",
		Help: "Failed backend operations by operation and error kind",
	}, []string{"op", "kind"})

	r.DriftCorrections = f.NewCounter(prometheus.CounterOpts{
		Name: "appwall_drift_corrections_total",
		Help: "Enforcement entries changed outside appwall and corrected",
	})

	r.EnforcedEntries = f.NewGauge(prometheus.GaugeOpts{
		Name: "appwall_enforced_entries",
		Help: "Blocked applications confirmed enforced by the last pass",
	})

	r.Rules = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "appwall_rules",
		Help: "Stored rules by state",
	}, []string{"state"})

	r.RuleChanges = f.NewCounterVec(prometheus.CounterOpts{
		Name: "appwall_rule_changes_total",
		Help: "Rule mutations by resulting state",
	}, []string{"state"})

	r.PacketsAttributed = f.NewCounterVec(prometheus.CounterOpts{
		Name: "appwall_packets_attributed_total",
		Help: "Packets given a verdict by the attribution worker",
	}, []string{"result"})

	r.DroppedPackets = f.NewCounterVec(prometheus.CounterOpts{
		Name: "appwall_dropped_packets_total",
		Help: "Packets dropped for blocked applications",
	}, []string{"app"})

	return r
}

// ObserveReport records a finished reconciliation pass. It fits
// reconcile.Options.OnReport.
func (r *Registry) ObserveReport(rep reconcile.Report) {
	result := "ok"
	switch {
	case rep.Aborted:
		result = "aborted"
	case len(rep.Failed) > 0:
		result = "failed"
	}
	r.ReconcilePasses.WithLabelValues(result).Inc()
	r.ReconcileDuration.Observe(rep.Duration().Seconds())
	for _, f := range rep.Failed {
		r.BackendErrors.WithLabelValues(string(f.Op), awerrors.GetKind(f.Err).String()).Inc()
	}
	if rep.Drift > 0 {
		r.DriftCorrections.Add(float64(rep.Drift))
	}
	if len(rep.Failed) == 0 || rep.Failed[0].Op != reconcile.OpQuery {
		r.EnforcedEntries.Set(float64(rep.Active))
	}
}

// RecordRuleChange counts a rule mutation; an empty state is a removal.
func (r *Registry) RecordRuleChange(state rules.State) {
	label := string(state)
	if label == "" {
		label = "removed"
	}
	r.RuleChanges.WithLabelValues(label).Inc()
}

// SetRuleCounts sets the rules gauge for both states.
func (r *Registry) SetRuleCounts(allowed, blocked int) {
	r.Rules.WithLabelValues(string(rules.Allowed)).Set(float64(allowed))
	r.Rules.WithLabelValues(string(rules.Blocked)).Set(float64(blocked))
}

// RecordVerdict counts one attribution verdict.
func (r *Registry) RecordVerdict(attributed bool) {
	if attributed {
		r.PacketsAttributed.WithLabelValues("attributed").Inc()
		return
	}
	r.PacketsAttributed.WithLabelValues("unattributed").Inc()
}

// RecordDrop counts a packet dropped for app. Unknown marks are labelled "unknown".
func (r *Registry) RecordDrop(app string) {
	if app == "" {
		app = "unknown"
	}
	r.DroppedPackets.WithLabelValues(app).Inc()
}
