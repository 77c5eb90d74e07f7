// Package metrics exposes lifecycle counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Noop satisfies services.Metrics without emitting anything.
type Noop struct{}

func (Noop) IncUploads(string)           {}
func (Noop) IncDownloads(string, string) {}
func (Noop) IncTemplatesShared(string)   {}
func (Noop) IncIntegrityAnomalies()      {}
func (Noop) AddReaped(string, int)       {}
func (Noop) IncOrphansRemoved(int)       {}
func (Noop) ObserveSweep(float64)        {}

// Prom implements services.Metrics on its own registry so several instances
// can coexist in one process.
type Prom struct {
	registry        *prometheus.Registry
	uploads         *prometheus.CounterVec
	downloads       *prometheus.CounterVec
	templatesShared *prometheus.CounterVec
	integrity       prometheus.Counter
	reaped          *prometheus.CounterVec
	orphans         prometheus.Counter
	sweepDuration   prometheus.Histogram
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		registry: prometheus.NewRegistry(),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Artifact uploads by result",
		}, []string{"result"}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Artifact and template fetches by kind and result",
		}, []string{"kind", "result"}),
		templatesShared: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "templates_shared_total",
			Help:      "Templates shared by template kind",
		}, []string{"kind"}),
		integrity: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_anomalies_total",
			Help:      "Live artifact records whose blob was missing",
		}),
		reaped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaped_total",
			Help:      "Expired records removed by the reaper",
		}, []string{"kind"}),
		orphans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphan_blobs_removed_total",
			Help:      "Blob files with no artifact record removed by the reaper",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Reaper sweep latency",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	p.registry.MustRegister(
		p.uploads, p.downloads, p.templatesShared, p.integrity, p.reaped, p.orphans, p.sweepDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

func (p *Prom) IncUploads(result string) {
	p.uploads.WithLabelValues(result).Inc()
}

func (p *Prom) IncDownloads(kind, result string) {
	p.downloads.WithLabelValues(kind, result).Inc()
}

func (p *Prom) IncTemplatesShared(kind string) {
	p.templatesShared.WithLabelValues(kind).Inc()
}

func (p *Prom) IncIntegrityAnomalies() {
	p.integrity.Inc()
}

func (p *Prom) AddReaped(kind string, n int) {
	if n > 0 {
		p.reaped.WithLabelValues(kind).Add(float64(n))
	}
}

func (p *Prom) IncOrphansRemoved(n int) {
	if n > 0 {
		p.orphans.Add(float64(n))
	}
}

func (p *Prom) ObserveSweep(seconds float64) {
	p.sweepDuration.Observe(seconds)
}

// Handler serves the registry in the Prometheus text format.
func (p *Prom) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
