package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "platformup"

// Collector records launcher events as prometheus metrics on its own registry
type Collector struct {
	registry *prometheus.Registry

	launches     *prometheus.CounterVec
	healthChecks *prometheus.CounterVec
	healthTries  *prometheus.HistogramVec
	stops        *prometheus.CounterVec
	running      prometheus.Gauge
}

// NewCollector creates a Collector and registers its metrics
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		launches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "launches_total",
				Help:      "Service launch outcomes",
			},
			[]string{"service", "state"},
		),
		healthChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "health_checks_total",
				Help:      "Completed health polls by result",
			},
			[]string{"service", "result"},
		),
		healthTries: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "health_check_attempts",
				Help:      "Attempts used by a health poll",
				Buckets:   []float64{1, 2, 3, 5, 10, 20},
			},
			[]string{"service"},
		),
		stops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stops_total",
				Help:      "Service stops by method",
			},
			[]string{"service", "method"},
		),
		running: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "services_running",
				Help:      "Services with a live process",
			},
		),
	}

	c.registry.MustRegister(c.launches)
	c.registry.MustRegister(c.healthChecks)
	c.registry.MustRegister(c.healthTries)
	c.registry.MustRegister(c.stops)
	c.registry.MustRegister(c.running)
	return c
}

// Registry returns the registry the metrics live on
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) LaunchFinished(service, state string) {
	c.launches.WithLabelValues(service, state).Inc()
}

func (c *Collector) HealthChecked(service string, healthy bool, attempts int) {
	result := "unhealthy"
	if healthy {
		result = "healthy"
	}
	c.healthChecks.WithLabelValues(service, result).Inc()
	c.healthTries.WithLabelValues(service).Observe(float64(attempts))
}

func (c *Collector) Stopped(service, method string) {
	c.stops.WithLabelValues(service, method).Inc()
}

// SetRunning sets the number of live services
func (c *Collector) SetRunning(n int) {
	c.running.Set(float64(n))
}
