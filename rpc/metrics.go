package rpc

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	kindCommand  = "command"
	kindRequest  = "request"
	kindResponse = "response"
)

var (
	registerOnce sync.Once

	framesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "rpc",
			Name:      "frames_sent_total",
			Help:      "Frames handed to the transport.",
		},
		[]string{"kind"},
	)
	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "rpc",
			Name:      "frames_received_total",
			Help:      "Complete frames decoded from the transport.",
		},
		[]string{"kind"},
	)
	frameErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "rpc",
			Name:      "errors_total",
			Help:      "Frames that were dropped or answered with an error.",
		},
		[]string{"code"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tether",
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "Time from sending a request to its completion.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"code"},
	)
	pendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tether",
			Subsystem: "rpc",
			Name:      "pending_requests",
			Help:      "Requests waiting for a response across all connections.",
		},
	)
	openConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tether",
			Subsystem: "rpc",
			Name:      "connections",
			Help:      "Connections that have not been closed.",
		},
	)
)

// RegisterMetrics registers the rpc collectors with the default prometheus
// registry. It is safe to call more than once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			framesSent,
			framesReceived,
			frameErrors,
			requestDuration,
			pendingRequests,
			openConnections,
		)
	})
}

func recordSent(kind string) {
	framesSent.WithLabelValues(kind).Inc()
}

func recordReceived(kind string) {
	framesReceived.WithLabelValues(kind).Inc()
}

func recordError(code ErrorCode) {
	frameErrors.WithLabelValues(code.String()).Inc()
}

func recordRequestDone(sentAt time.Time, err error) {
	requestDuration.WithLabelValues(CodeOf(err).String()).Observe(time.Since(sentAt).Seconds())
	pendingRequests.Dec()
}
