// Package metrics exports dispatcher metrics in Prometheus format, adapted
// from the teacher's ai/metrics PrometheusExporter but scoped to the
// dispatch pipeline's own concerns instead of chat/agent metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter exports dispatcher metrics: session transitions, intent
// classification latency, retrieval confidence, claim race outcomes, and
// relay delivery counts.
type Exporter struct {
	registry *prometheus.Registry

	sessionTransitions *prometheus.CounterVec
	claimRaceLosses    prometheus.Counter

	intentLatency    *prometheus.HistogramVec
	intentConfidence *prometheus.HistogramVec

	retrievalConfidence prometheus.Histogram
	retrievalEscalated  prometheus.Counter

	relayDelivered *prometheus.CounterVec
	relayDropped   *prometheus.CounterVec

	externalCallLatency *prometheus.HistogramVec
	externalCallErrors  *prometheus.CounterVec
}

var defaultLatencyBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}

// New builds an Exporter registered against registry, or a fresh private
// registry if registry is nil.
func New(registry *prometheus.Registry) *Exporter {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	e := &Exporter{registry: registry}

	e.sessionTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatcher",
		Subsystem: "session",
		Name:      "transitions_total",
		Help:      "Session state transitions by from/to state.",
	}, []string{"from", "to"})

	e.claimRaceLosses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dispatcher",
		Subsystem: "session",
		Name:      "claim_race_losses_total",
		Help:      "Claim attempts that lost the single-winner race.",
	})

	e.intentLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dispatcher",
		Subsystem: "intent",
		Name:      "classify_latency_seconds",
		Help:      "Intent classification latency by resolving layer.",
		Buckets:   defaultLatencyBuckets,
	}, []string{"layer"})

	e.intentConfidence = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dispatcher",
		Subsystem: "intent",
		Name:      "confidence",
		Help:      "Intent classification confidence by intent.",
		Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
	}, []string{"intent"})

	e.retrievalConfidence = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dispatcher",
		Subsystem: "retrieval",
		Name:      "confidence",
		Help:      "Retrieval Answerer confidence per answer.",
		Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
	})

	e.retrievalEscalated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dispatcher",
		Subsystem: "retrieval",
		Name:      "low_confidence_escalations_total",
		Help:      "Retrieval answers below the escalation floor.",
	})

	e.relayDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatcher",
		Subsystem: "relay",
		Name:      "delivered_total",
		Help:      "Messages delivered by relay direction.",
	}, []string{"direction"})

	e.relayDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatcher",
		Subsystem: "relay",
		Name:      "dropped_total",
		Help:      "Messages dropped by relay direction and reason.",
	}, []string{"direction", "reason"})

	e.externalCallLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dispatcher",
		Subsystem: "external",
		Name:      "call_latency_seconds",
		Help:      "Outbound call latency by dependency.",
		Buckets:   defaultLatencyBuckets,
	}, []string{"dependency"})

	e.externalCallErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dispatcher",
		Subsystem: "external",
		Name:      "call_errors_total",
		Help:      "Outbound call errors by dependency.",
	}, []string{"dependency"})

	registry.MustRegister(
		e.sessionTransitions, e.claimRaceLosses,
		e.intentLatency, e.intentConfidence,
		e.retrievalConfidence, e.retrievalEscalated,
		e.relayDelivered, e.relayDropped,
		e.externalCallLatency, e.externalCallErrors,
	)
	return e
}

func (e *Exporter) ObserveTransition(from, to string) {
	e.sessionTransitions.WithLabelValues(from, to).Inc()
}

func (e *Exporter) ObserveClaimRaceLoss() {
	e.claimRaceLosses.Inc()
}

func (e *Exporter) ObserveIntentClassification(layer string, latencySeconds float64, intent string, confidence float64) {
	e.intentLatency.WithLabelValues(layer).Observe(latencySeconds)
	e.intentConfidence.WithLabelValues(intent).Observe(confidence)
}

func (e *Exporter) ObserveRetrieval(confidence float64, escalated bool) {
	e.retrievalConfidence.Observe(confidence)
	if escalated {
		e.retrievalEscalated.Inc()
	}
}

func (e *Exporter) ObserveRelay(direction string, delivered bool, dropReason string) {
	if delivered {
		e.relayDelivered.WithLabelValues(direction).Inc()
		return
	}
	e.relayDropped.WithLabelValues(direction, dropReason).Inc()
}

func (e *Exporter) ObserveExternalCall(dependency string, latencySeconds float64, err error) {
	e.externalCallLatency.WithLabelValues(dependency).Observe(latencySeconds)
	if err != nil {
		e.externalCallErrors.WithLabelValues(dependency).Inc()
	}
}

// Handler returns the HTTP handler serving /metrics.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}
