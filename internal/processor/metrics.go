package processor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/adverant/nexus/scanocr-worker/internal/ocr"
)

// Metrics holds the recognition pipeline collectors. A nil *Metrics records nothing.
type Metrics struct {
	recognitions *prometheus.CounterVec
	fallbacks    *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	payloadSize  prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		recognitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanocr_recognitions_total",
				Help: "Recognition requests by the provider that answered and the outcome code.",
			},
			[]string{"provider", "outcome"},
		),
		fallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanocr_fallbacks_total",
				Help: "Fallback swaps from a failed primary provider to an alternate.",
			},
			[]string{"from", "to"},
		),
		// provider calls are remote and slow, so the buckets start at 100ms
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scanocr_provider_duration_seconds",
				Help:    "Latency of individual provider calls.",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60},
			},
			[]string{"provider"},
		),
		payloadSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scanocr_payload_bytes",
				Help:    "Size of prepared image payloads sent to providers.",
				Buckets: []float64{50000, 100000, 250000, 500000, 1000000, 1048576, 2500000, 5000000, 10000000},
			},
		),
	}

	if reg != nil {
		reg.MustRegister(m.recognitions, m.fallbacks, m.duration, m.payloadSize)
	}
	return m
}

func (m *Metrics) observeRecognition(provider ocr.ProviderID, outcome string) {
	if m == nil {
		return
	}
	m.recognitions.WithLabelValues(string(provider), outcome).Inc()
}

func (m *Metrics) observeFallback(from, to ocr.ProviderID) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) observeDuration(provider ocr.ProviderID, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(string(provider)).Observe(d.Seconds())
}

func (m *Metrics) observePayload(size int64) {
	if m == nil {
		return
	}
	m.payloadSize.Observe(float64(size))
}
