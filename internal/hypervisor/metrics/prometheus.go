package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus implements Collector on its own registry.
type Prometheus struct {
	transitions *prometheus.CounterVec
	mode        *prometheus.GaugeVec
	dispatches  *prometheus.CounterVec
	usage       *prometheus.HistogramVec
	overruns    *prometheus.CounterVec
	missed      prometheus.Counter
	faults      *prometheus.CounterVec
	restarts    *prometheus.CounterVec
	portOps     *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewPrometheus creates a collector with every metric under namespace.
func NewPrometheus(namespace string) *Prometheus {
	if namespace == "" {
		namespace = "apexhv"
	}
	p := &Prometheus{registry: prometheus.NewRegistry()}

	p.transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partition_transitions_total",
			Help:      "Total number of partition mode transitions",
		},
		[]string{"partition", "from", "to"},
	)
	p.mode = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "partition_mode",
			Help:      "Current operating mode of each partition",
		},
		[]string{"partition"},
	)
	p.dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "window_dispatches_total",
			Help:      "Total number of partition windows entered",
		},
		[]string{"partition"},
	)
	p.usage = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "window_cpu_seconds",
			Help:      "CPU time consumed by a partition per window",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"partition"},
	)
	p.overruns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overruns_total",
			Help:      "Total number of forced suspensions at window end",
		},
		[]string{"partition"},
	)
	p.missed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "missed_windows_total",
			Help:      "Total number of windows skipped by late ticks",
		},
	)
	p.faults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "faults_total",
			Help:      "Total number of faults handled by the health monitor",
		},
		[]string{"partition", "kind", "action"},
	)
	p.restarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partition_restarts_total",
			Help:      "Total number of partition restarts",
		},
		[]string{"partition", "type"},
	)
	p.portOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "port_operations_total",
			Help:      "Total number of APEX port operations",
		},
		[]string{"partition", "op", "status"},
	)

	p.registry.MustRegister(
		p.transitions,
		p.mode,
		p.dispatches,
		p.usage,
		p.overruns,
		p.missed,
		p.faults,
		p.restarts,
		p.portOps,
	)
	return p
}

// Registry exposes the underlying registry.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

func (p *Prometheus) PartitionTransition(partition, from, to string, mode int) {
	p.transitions.WithLabelValues(partition, from, to).Inc()
	p.mode.WithLabelValues(partition).Set(float64(mode))
}

func (p *Prometheus) WindowDispatched(partition string) {
	p.dispatches.WithLabelValues(partition).Inc()
}

func (p *Prometheus) WindowUsage(partition string, used time.Duration) {
	p.usage.WithLabelValues(partition).Observe(used.Seconds())
}

func (p *Prometheus) Overrun(partition string) {
	p.overruns.WithLabelValues(partition).Inc()
}

func (p *Prometheus) MissedWindows(n int) {
	if n > 0 {
		p.missed.Add(float64(n))
	}
}

func (p *Prometheus) Fault(partition, kind, action string) {
	p.faults.WithLabelValues(partition, kind, action).Inc()
}

func (p *Prometheus) Restart(partition string, warm bool) {
	kind := "cold"
	if warm {
		kind = "warm"
	}
	p.restarts.WithLabelValues(partition, kind).Inc()
}

func (p *Prometheus) PortOperation(partition, op string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	p.portOps.WithLabelValues(partition, op, status).Inc()
}
