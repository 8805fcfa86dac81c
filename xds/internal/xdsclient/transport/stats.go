package transport

import "github.com/prometheus/client_golang/prometheus"

// Per-control-plane observability surface (spec.md §6): a counter for
// enforced rate-limit events, a connected-state gauge and a
// pending-queue depth gauge. There is no collector for the
// control-plane identifier; recv only logs it at debug level. Grounded
// on the Prometheus usage in istio/linkerd2/ekglue.
var (
	rateLimitEnforced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xtransit",
		Subsystem: "xds_transport",
		Name:      "rate_limit_enforced_total",
		Help:      "Number of times outbound xDS request pacing deferred a send.",
	}, []string{"server"})

	connectedState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "xtransit",
		Subsystem: "xds_transport",
		Name:      "connected_state",
		Help:      "1 if the ADS stream to the management server is established, else 0.",
	}, []string{"server"})

	pendingRequests = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "xtransit",
		Subsystem: "xds_transport",
		Name:      "pending_requests",
		Help:      "Number of discovery requests queued and not yet sent.",
	}, []string{"server"})
)

func init() {
	prometheus.MustRegister(rateLimitEnforced, connectedState, pendingRequests)
}
