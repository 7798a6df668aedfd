// Package metrics exposes process-wide counters for the payment edge.
//
// Counters are monotonically increasing and safe for concurrent use.
// Snapshots are read without locking, matching the spec's requirement
// that reads never block writers.
package metrics

import (
	"net/http"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Names, exactly as enumerated in the operational `metrics` endpoint.
const (
	Total                  = "total"
	Approved               = "approved"
	Declined               = "declined"
	ServerBusy             = "server_busy"
	RiskDeclined           = "risk_declined"
	TwoPCCommitted         = "twopc_committed"
	TwoPCAborted           = "twopc_aborted"
	ClearingCBShortCircuit = "clearing_cb_short_circuit"
	ReversalEnqueued       = "reversal_enqueued"
	ReversalSucceeded      = "reversal_succeeded"
	ReversalFailed         = "reversal_failed"
)

var names = []string{
	Total, Approved, Declined, ServerBusy, RiskDeclined,
	TwoPCCommitted, TwoPCAborted, ClearingCBShortCircuit,
	ReversalEnqueued, ReversalSucceeded, ReversalFailed,
}

// Registry holds one counter per tracked metric. A Registry is an
// injected context, not a package-level global, so tests can create
// independent instances.
type Registry struct {
	counters map[string]*prometheus.CounterVec
	reg      *prometheus.Registry
}

// New constructs a Registry backed by its own prometheus.Registry, so
// that multiple Registries (e.g. one per test) never collide on the
// default global registerer.
func New() *Registry {
	var reg = prometheus.NewRegistry()
	var r = &Registry{
		counters: make(map[string]*prometheus.CounterVec, len(names)),
		reg:      reg,
	}
	for _, name := range names {
		r.counters[name] = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "payment_edge",
			Name:      name,
			Help:      "payment edge counter: " + name,
		}, nil)
	}
	return r
}

// Inc increments the named counter by one. Panics on an unknown name,
// since that indicates a programming error, not an operational one.
func (r *Registry) Inc(name string) {
	r.counters[name].WithLabelValues().Inc()
}

// Snapshot returns the current value of every tracked counter.
func (r *Registry) Snapshot() map[string]float64 {
	var out = make(map[string]float64, len(names))
	for _, name := range names {
		var m dto.Metric
		if err := r.counters[name].WithLabelValues().Write(&m); err != nil {
			continue
		}
		out[name] = m.GetCounter().GetValue()
	}
	return out
}

// Handler serves Prometheus text-format exposition for this Registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
