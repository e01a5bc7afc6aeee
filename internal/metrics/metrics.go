package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the withdrawal pipeline collectors.
	Registry = prometheus.NewRegistry()

	authorizations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lp_withdraw",
			Subsystem: "auth",
			Name:      "results_total",
			Help:      "Authorization attempts by path and result.",
		},
		[]string{"path", "result"},
	)

	estimateProbes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lp_withdraw",
			Subsystem: "gas",
			Name:      "probes_total",
			Help:      "Gas estimation probes by router method and outcome.",
		},
		[]string{"method", "ok"},
	)

	estimateExhausted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lp_withdraw",
			Subsystem: "gas",
			Name:      "exhausted_total",
			Help:      "Attempts where no candidate method could be estimated.",
		},
	)

	submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lp_withdraw",
			Subsystem: "tx",
			Name:      "outcomes_total",
			Help:      "Withdrawal transaction outcomes by method.",
		},
		[]string{"method", "outcome"},
	)

	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lp_withdraw",
			Subsystem: "orchestrator",
			Name:      "transitions_total",
			Help:      "Orchestrator state transitions.",
		},
		[]string{"from", "to"},
	)
)

func init() {
	Registry.MustRegister(
		authorizations,
		estimateProbes,
		estimateExhausted,
		submissions,
		transitions,
	)
}

// Handler exposes Registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func RecordAuthorization(path, result string) {
	authorizations.WithLabelValues(path, result).Inc()
}

func RecordProbe(method string, ok bool) {
	v := "false"
	if ok {
		v = "true"
	}
	estimateProbes.WithLabelValues(method, v).Inc()
}

func RecordExhausted() {
	estimateExhausted.Inc()
}

func RecordSubmission(method, outcome string) {
	submissions.WithLabelValues(method, outcome).Inc()
}

func RecordTransition(from, to string) {
	transitions.WithLabelValues(from, to).Inc()
}
