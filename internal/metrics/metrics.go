// Package metrics exposes each role's outcome counters (global_commit,
// global_abort, commit, abort, unknown; committed and aborted for clients)
// as Prometheus counters, so a run
// can optionally be scraped instead of only read back from stdout or the
// oplog.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Counters is the set of vote/decision counters any one role (coordinator,
// participant, client) needs to report. Roles that don't track a given
// label (e.g. a client never increments "unknown") simply never call Inc
// for it.
type Counters struct {
	vec *prometheus.CounterVec
}

// NewCounters registers a "twopc_outcomes_total" counter vector labeled by
// role and outcome. Registration uses a private registry so multiple roles
// in the same process (as happens in tests) don't collide on the global
// default registry.
func NewCounters(registry *prometheus.Registry) *Counters {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "twopc_outcomes_total",
		Help: "Count of protocol outcomes observed by a role, labeled by role and outcome.",
	}, []string{"role", "outcome"})
	registry.MustRegister(vec)
	return &Counters{vec: vec}
}

// Inc increments the counter for (role, outcome), e.g. Inc("coordinator",
// "global_commit").
func (c *Counters) Inc(role, outcome string) {
	c.vec.WithLabelValues(role, outcome).Inc()
}

// Serve starts a best-effort /metrics HTTP server on addr. It runs in the
// caller's goroutine and blocks; callers that want it running in the
// background should call it with `go`. A failure to bind is returned as an
// error for the caller to log, not fatal to the simulator — metrics are an
// ambient convenience, never load-bearing for the protocol itself.
func Serve(addr string, registry *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return http.ListenAndServe(addr, mux)
}
