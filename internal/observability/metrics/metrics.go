// Package metrics exposes the orchestrator's Prometheus instruments.
// All methods are nil-safe so components can run uninstrumented in
// tests.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics covers the dial loop, webhook ingestion and billing.
type Metrics struct {
	dialsTotal      *prometheus.CounterVec
	webhooksTotal   *prometheus.CounterVec
	creditsCharged  *prometheus.CounterVec
	admissionWait   prometheus.Histogram
	activeCampaigns prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		dialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicelane",
			Subsystem: "campaign",
			Name:      "dials_total",
			Help:      "Outbound dials by provider and outcome",
		}, []string{"provider", "outcome"}),
		webhooksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicelane",
			Subsystem: "provider",
			Name:      "webhooks_total",
			Help:      "Inbound provider webhooks by provider, event and result",
		}, []string{"provider", "event", "result"}),
		creditsCharged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voicelane",
			Subsystem: "billing",
			Name:      "credits_charged_total",
			Help:      "Credits deducted by call type",
		}, []string{"call_type"}),
		admissionWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "voicelane",
			Subsystem: "campaign",
			Name:      "admission_wait_seconds",
			Help:      "Time spent waiting for a concurrency slot",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		activeCampaigns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voicelane",
			Subsystem: "campaign",
			Name:      "active_runners",
			Help:      "Dial loops currently running in this container",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.dialsTotal, m.webhooksTotal, m.creditsCharged, m.admissionWait, m.activeCampaigns)
	return m
}

func (m *Metrics) ObserveDial(provider, outcome string) {
	if m == nil {
		return
	}
	m.dialsTotal.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) ObserveWebhook(provider, event, result string) {
	if m == nil {
		return
	}
	m.webhooksTotal.WithLabelValues(provider, event, result).Inc()
}

func (m *Metrics) ObserveCredits(callType string, credits int64) {
	if m == nil {
		return
	}
	m.creditsCharged.WithLabelValues(callType).Add(float64(credits))
}

func (m *Metrics) ObserveAdmissionWait(seconds float64) {
	if m == nil {
		return
	}
	m.admissionWait.Observe(seconds)
}

func (m *Metrics) RunnerStarted() {
	if m == nil {
		return
	}
	m.activeCampaigns.Inc()
}

func (m *Metrics) RunnerStopped() {
	if m == nil {
		return
	}
	m.activeCampaigns.Dec()
}
