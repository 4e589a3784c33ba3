package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"polyflow/internal/core"
)

// PrometheusCollector implements Collector backed by Prometheus.
type PrometheusCollector struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	runs           *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	leaseConflicts prometheus.Counter
	initialized    *prometheus.CounterVec
	progress       *prometheus.GaugeVec
}

var _ Collector = (*PrometheusCollector)(nil)

// NewPrometheus creates a collector registering on reg (the default
// registerer when nil) under namespace ("polyflow" when empty). Metrics are
// registered lazily on first use.
func NewPrometheus(reg prometheus.Registerer, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "polyflow"
	}
	return &PrometheusCollector{reg: reg, namespace: namespace}
}

func (p *PrometheusCollector) ensureRegistered() {
	p.once.Do(func() {
		p.runs = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "engine",
			Name:      "runs_total",
			Help:      "Finished job runs by final phase (COMPLETE|INTERRUPTED|ERROR) and mode (fresh|resume).",
		}, []string{"phase", "mode"})

		p.stageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "engine",
			Name:      "stage_duration_seconds",
			Help:      "Wall time of each stage by stage name and result.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10), // 10ms .. ~43min
		}, []string{"stage", "result"})

		p.leaseConflicts = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "engine",
			Name:      "lease_conflicts_total",
			Help:      "Runs rejected because another run held the job.",
		})

		p.initialized = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "project",
			Name:      "workspaces_initialized_total",
			Help:      "Workspaces touched by bulk initialization (created|existing).",
		}, []string{"result"})

		p.progress = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "engine",
			Name:      "job_last_timestep",
			Help:      "Last recorded progress counter per job.",
		}, []string{"job"})

		p.reg.MustRegister(p.runs)
		p.reg.MustRegister(p.stageDuration)
		p.reg.MustRegister(p.leaseConflicts)
		p.reg.MustRegister(p.initialized)
		p.reg.MustRegister(p.progress)
	})
}

func (p *PrometheusCollector) RecordRun(phase, mode string) {
	p.ensureRegistered()
	p.runs.WithLabelValues(phase, mode).Inc()
}

func (p *PrometheusCollector) ObserveStage(stage core.Stage, d time.Duration, ok bool) {
	p.ensureRegistered()
	result := "success"
	if !ok {
		result = "failure"
	}
	p.stageDuration.WithLabelValues(string(stage), result).Observe(d.Seconds())
}

func (p *PrometheusCollector) RecordLeaseConflict() {
	p.ensureRegistered()
	p.leaseConflicts.Inc()
}

func (p *PrometheusCollector) RecordInitialized(created, existing int) {
	p.ensureRegistered()
	p.initialized.WithLabelValues("created").Add(float64(created))
	p.initialized.WithLabelValues("existing").Add(float64(existing))
}

func (p *PrometheusCollector) SetProgress(id core.JobID, timestep int64) {
	p.ensureRegistered()
	p.progress.WithLabelValues(id.Short()).Set(float64(timestep))
}
