package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grid",
		Subsystem: "client",
		Name:      "requests_total",
		Help:      "Storage server requests by operation and outcome (ok, protocol_error, transport_error).",
	}, []string{"op", "outcome"})

	RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "grid",
		Subsystem: "client",
		Name:      "request_duration_seconds",
		Help:      "Storage server request duration in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	}, []string{"op"})

	BytesUploaded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "grid",
		Subsystem: "client",
		Name:      "uploaded_bytes_total",
		Help:      "Share bytes accepted by storage servers.",
	})

	BytesDownloaded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "grid",
		Subsystem: "client",
		Name:      "downloaded_bytes_total",
		Help:      "Share bytes read from storage servers.",
	})

	SharesCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "grid",
		Subsystem: "upload",
		Name:      "shares_completed_total",
		Help:      "Shares reported complete by storage servers.",
	})
)

// Register adds every collector to reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		RequestsTotal,
		RequestDuration,
		BytesUploaded,
		BytesDownloaded,
		SharesCompleted,
	)
}
