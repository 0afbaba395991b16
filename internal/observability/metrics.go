package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	futuresCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "netbridge",
			Subsystem: "future",
			Name:      "created_total",
			Help:      "Futures handed out by the runtime.",
		},
	)
	futuresResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "netbridge",
			Subsystem: "future",
			Name:      "resolved_total",
			Help:      "Futures that left the pending state, by terminal state.",
		},
		[]string{"state"},
	)
	futureDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "netbridge",
			Subsystem: "future",
			Name:      "duration_seconds",
			Help:      "Time from future creation to terminal state.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"state"},
	)
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "netbridge",
			Subsystem: "protocol",
			Name:      "frames_total",
			Help:      "Protocol frames read or written, by protocol, direction and type.",
		},
		[]string{"protocol", "direction", "type"},
	)
	streamBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "netbridge",
			Subsystem: "transport",
			Name:      "bytes_total",
			Help:      "Bytes moved across transport streams.",
		},
		[]string{"kind", "direction"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(futuresCreated, futuresResolved, futureDuration, framesTotal, streamBytes)
	})
}

func RecordFutureCreated() {
	RegisterMetrics()
	futuresCreated.Inc()
}

func RecordFutureResolved(state string, elapsed time.Duration) {
	RegisterMetrics()
	futuresResolved.WithLabelValues(state).Inc()
	futureDuration.WithLabelValues(state).Observe(elapsed.Seconds())
}

// RecordFrame counts one protocol frame; direction is "in" or "out".
func RecordFrame(protocol, direction, frameType string) {
	RegisterMetrics()
	framesTotal.WithLabelValues(protocol, direction, frameType).Inc()
}

func RecordBytes(kind, direction string, n int) {
	if n <= 0 {
		return
	}
	RegisterMetrics()
	streamBytes.WithLabelValues(kind, direction).Add(float64(n))
}
