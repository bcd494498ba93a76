package scan

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are shared by every node of a table.
type Metrics struct {
	pages  prometheus.Counter
	rows   prometheus.Counter
	errors prometheus.Counter
}

var nopMetrics = NewMetrics(nil)

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		pages: f.NewCounter(prometheus.CounterOpts{
			Namespace: "lokiduck",
			Subsystem: "scan",
			Name:      "pages_total",
			Help:      "Pages fetched from query_range.",
		}),
		rows: f.NewCounter(prometheus.CounterOpts{
			Namespace: "lokiduck",
			Subsystem: "scan",
			Name:      "rows_total",
			Help:      "Rows yielded by scans.",
		}),
		errors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "lokiduck",
			Subsystem: "scan",
			Name:      "errors_total",
			Help:      "Scans that ended with an error.",
		}),
	}
}
