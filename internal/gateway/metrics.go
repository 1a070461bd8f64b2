package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	gwForwardRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "antifraud",
		Subsystem: "gateway",
		Name:      "forward_requests_total",
		Help:      "Requests forwarded to workers by upstream and outcome.",
	}, []string{"upstream", "outcome"}) // "ok", "upstream_status", "unavailable", "timeout", "circuit_open"

	gwForwardLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "antifraud",
		Subsystem: "gateway",
		Name:      "forward_latency_seconds",
		Help:      "End-to-end forward latency in seconds, retries included.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
	}, []string{"upstream"})

	gwForwardRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "antifraud",
		Subsystem: "gateway",
		Name:      "forward_retries_total",
		Help:      "Forward attempts after the first, by upstream.",
	}, []string{"upstream"})

	gwDecisionsRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "antifraud",
		Subsystem: "gateway",
		Name:      "decisions_relayed_total",
		Help:      "Decisions returned to clients by upstream and decision.",
	}, []string{"upstream", "decision"})
)

func init() {
	prometheus.MustRegister(
		gwForwardRequests,
		gwForwardLatency,
		gwForwardRetries,
		gwDecisionsRelayed,
	)
}
