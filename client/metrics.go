package client

import (
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lokiduck",
			Subsystem: "client",
			Name:      "requests_total",
			Help:      "Requests sent to Loki by operation and status code.",
		}, []string{"op", "status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lokiduck",
			Subsystem: "client",
			Name:      "request_duration_seconds",
			Help:      "Duration of requests sent to Loki.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
	}
}

func (m *metrics) observe(op string, err error, d time.Duration) {
	status := "200"
	if err != nil {
		status = "error"
		var se *StatusError
		if errors.As(err, &se) {
			status = strconv.Itoa(se.Code)
		}
	}
	m.requests.WithLabelValues(op, status).Inc()
	m.duration.WithLabelValues(op).Observe(d.Seconds())
}
