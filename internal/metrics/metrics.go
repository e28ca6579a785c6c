package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels actions that reached Succeeded.
	OutcomeSuccess = "success"
	// OutcomeFailed labels actions that reached Failed.
	OutcomeFailed = "failed"
	// OutcomeRejected labels actions that were rejected before execution.
	OutcomeRejected = "rejected"
)

var (
	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "alerts_total",
			Help:      "Alert events opened, partitioned by tier.",
		},
		[]string{"tier"},
	)

	actionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "actions_total",
			Help:      "Action requests reaching a terminal status, partitioned by outcome and origin.",
		},
		[]string{"outcome", "origin"},
	)

	approvalDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "approval_decisions_total",
			Help:      "Approval ticket decisions, partitioned by result (approved, denied, timeout, cancelled).",
		},
		[]string{"result"},
	)

	pollCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "poll_cycles_total",
			Help:      "Completed monitoring poll cycles.",
		},
	)

	executionSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "sentinel",
			Name:      "execution_seconds",
			Help:      "Action execution latency in seconds.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	oracleSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sentinel",
			Name:      "oracle_seconds",
			Help:      "Reasoning-oracle and retrieval latency in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"backend"},
	)
)

// Register attaches sentinel collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		alertsTotal,
		actionsTotal,
		approvalDecisionsTotal,
		pollCyclesTotal,
		executionSeconds,
		oracleSeconds,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveAlert counts an opened alert event.
func ObserveAlert(tier string) {
	alertsTotal.WithLabelValues(tier).Inc()
}

// ObserveAction records a terminal action outcome and its execution latency.
func ObserveAction(outcome, origin string, duration time.Duration) {
	actionsTotal.WithLabelValues(outcome, origin).Inc()
	if duration > 0 {
		executionSeconds.Observe(duration.Seconds())
	}
}

// ObserveApproval counts an approval ticket decision.
func ObserveApproval(result string) {
	approvalDecisionsTotal.WithLabelValues(result).Inc()
}

// ObservePollCycle counts one completed monitoring scan.
func ObservePollCycle() {
	pollCyclesTotal.Inc()
}

// ObserveOracle records latency of a call to an external oracle.
func ObserveOracle(backend string, duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	oracleSeconds.WithLabelValues(backend).Observe(duration.Seconds())
}
