package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// instrument wraps the router with request metrics registered on reg
func instrument(reg prometheus.Registerer, next http.Handler) http.Handler {
	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scanocr_http_in_flight_requests",
		Help: "Number of requests currently being served.",
	})
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanocr_http_requests_total",
			Help: "A counter for requests to the API.",
		},
		[]string{"code", "method"},
	)
	// uploads and recognitions dominate latency
	duration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scanocr_http_request_duration_seconds",
			Help:    "A histogram of latencies for requests.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method"},
	)
	requestSize := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scanocr_http_request_size_bytes",
			Help:    "A histogram of request sizes.",
			Buckets: []float64{100, 1500, 100000, 1000000, 5000000, 25000000},
		},
		[]string{},
	)

	reg.MustRegister(inFlight, counter, duration, requestSize)

	return promhttp.InstrumentHandlerInFlight(inFlight,
		promhttp.InstrumentHandlerDuration(duration,
			promhttp.InstrumentHandlerCounter(counter,
				promhttp.InstrumentHandlerRequestSize(requestSize, next),
			),
		),
	)
}
