package authclient

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var _ TrackerObserver = (*PrometheusObserver)(nil)

// PrometheusObserver exports tracker activity as metrics
type PrometheusObserver struct {
	inFlight  *prometheus.GaugeVec
	finished  *prometheus.CounterVec
	durations *prometheus.HistogramVec
}

// NewPrometheusObserver registers the tracker metrics on reg. A nil reg uses
// the default registerer.
func NewPrometheusObserver(reg prometheus.Registerer, namespace string) *PrometheusObserver {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "authclient"
	}
	factory := promauto.With(reg)

	return &PrometheusObserver{
		inFlight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "operations",
			Name:      "in_flight",
			Help:      "Operations currently in flight, labeled by operation name",
		}, []string{"operation"}),
		finished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "operations",
			Name:      "finished_total",
			Help:      "Finished operations, labeled by operation name and outcome",
		}, []string{"operation", "status"}),
		durations: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "operations",
			Name:      "duration_seconds",
			Help:      "Duration of tracked operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}

func (p *PrometheusObserver) OperationStarted(name string) {
	if p == nil {
		return
	}
	p.inFlight.WithLabelValues(name).Set(1)
}

func (p *PrometheusObserver) OperationFinished(name string, err error, elapsed time.Duration) {
	if p == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	p.inFlight.WithLabelValues(name).Set(0)
	p.finished.WithLabelValues(name, status).Inc()
	p.durations.WithLabelValues(name).Observe(elapsed.Seconds())
}
