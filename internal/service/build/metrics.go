package build

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var durationBuckets = []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600}

// Metrics counts build outcomes.
type Metrics struct {
	builds     *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	rejections *prometheus.CounterVec
}

// NewMetrics registers build collectors with reg, reusing collectors that are
// already registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imageforge",
			Subsystem: "builder",
			Name:      "builds_total",
			Help:      "Number of finished builds by final status",
		}, []string{"status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "imageforge",
			Subsystem: "builder",
			Name:      "build_duration_seconds",
			Help:      "Wall-clock duration of finished builds",
			Buckets:   durationBuckets,
		}, []string{"status"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imageforge",
			Subsystem: "builder",
			Name:      "build_rejections_total",
			Help:      "Build requests refused before execution by reason",
		}, []string{"reason"}),
	}
	if reg == nil {
		return m
	}
	for _, collector := range []prometheus.Collector{m.builds, m.duration, m.rejections} {
		if err := reg.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				continue
			}
			switch existing := already.ExistingCollector.(type) {
			case *prometheus.CounterVec:
				if collector == m.builds {
					m.builds = existing
				} else {
					m.rejections = existing
				}
			case *prometheus.HistogramVec:
				m.duration = existing
			}
		}
	}
	return m
}

func (m *Metrics) finished(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.builds.WithLabelValues(status).Inc()
	m.duration.WithLabelValues(status).Observe(elapsed.Seconds())
}

func (m *Metrics) rejected(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(reason).Inc()
}
