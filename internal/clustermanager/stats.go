package clustermanager

import "github.com/prometheus/client_golang/prometheus"

// Per-cluster-scope observability surface (spec.md §6): warming_clusters/
// active_clusters gauges and update_success/update_failure/
// update_rejected counters, matching the transport package's own
// Prometheus-based stats style.
var (
	warmingClusters = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "xtransit",
		Subsystem: "clustermanager",
		Name:      "warming_clusters",
		Help:      "Number of clusters currently in the warming set.",
	})

	activeClusters = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "xtransit",
		Subsystem: "clustermanager",
		Name:      "active_clusters",
		Help:      "Number of clusters currently published and visible to traffic.",
	})

	updateSuccessTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xtransit",
		Subsystem: "clustermanager",
		Name:      "update_success_total",
		Help:      "Number of clusters that finished warming successfully.",
	}, []string{"cluster"})

	updateFailureTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xtransit",
		Subsystem: "clustermanager",
		Name:      "update_failure_total",
		Help:      "Number of cluster warming attempts that failed to load endpoints or prime health.",
	}, []string{"cluster"})

	updateRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xtransit",
		Subsystem: "clustermanager",
		Name:      "update_rejected_total",
		Help:      "Number of cluster configuration updates rejected before warming began.",
	}, []string{"cluster"})
)

func init() {
	prometheus.MustRegister(warmingClusters, activeClusters, updateSuccessTotal, updateFailureTotal, updateRejectedTotal)
}

// Stats is a thin per-Manager facade over the package's Prometheus
// collectors, letting a Manager update counters without every call
// site importing prometheus directly.
type Stats struct{}

// NewStats returns a Stats bound to the package's registered
// collectors.
func NewStats() *Stats { return &Stats{} }

func (s *Stats) IncUpdateSuccess(cluster string) { updateSuccessTotal.WithLabelValues(cluster).Inc() }
func (s *Stats) IncUpdateFailure(cluster string) { updateFailureTotal.WithLabelValues(cluster).Inc() }
func (s *Stats) IncUpdateRejected(cluster string) {
	updateRejectedTotal.WithLabelValues(cluster).Inc()
}

// SetGauges updates the warming/active cluster-count gauges. Callers
// (the Manager) invoke this after any change to either set.
func (s *Stats) SetGauges(warming, active int) {
	warmingClusters.Set(float64(warming))
	activeClusters.Set(float64(active))
}
