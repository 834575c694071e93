package httpserver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skobkin/gpuprof-web/internal/report"
)

const metricsNamespace = "gpuprof"

func (s *Server) registerPrometheus(mux *http.ServeMux) {
	registry := prometheus.NewRegistry()
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "active_connections",
			Help:      "Current number of active WebSocket clients.",
		}, func() float64 {
			return float64(s.wsActive.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "connections_total",
			Help:      "Total WebSocket connections accepted since start.",
		}, func() float64 {
			return float64(s.wsTotal.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "rejected_total",
			Help:      "Total WebSocket connection attempts rejected due to capacity.",
		}, func() float64 {
			return float64(s.wsRejected.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "messages_sent_total",
			Help:      "Total WebSocket messages sent to clients.",
		}, func() float64 {
			return float64(s.wsSent.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "messages_dropped_total",
			Help:      "Total WebSocket messages dropped due to backpressure.",
		}, func() float64 {
			return float64(s.wsDropped.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "runs",
			Name:        "total",
			Help:        "Profiling runs finished since start, by outcome.",
			ConstLabels: prometheus.Labels{"outcome": "completed"},
		}, func() float64 {
			return float64(s.reports.Stats().Completed)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Subsystem:   "runs",
			Name:        "total",
			Help:        "Profiling runs finished since start, by outcome.",
			ConstLabels: prometheus.Labels{"outcome": "failed"},
		}, func() float64 {
			return float64(s.reports.Stats().Failed)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "runs",
			Name:      "last_duration_seconds",
			Help:      "Wall time of the most recent successful run, capture through parse.",
		}, func() float64 {
			return s.reports.Stats().LastDuration.Seconds()
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "runs",
			Name:      "in_progress",
			Help:      "1 while a profiling run is capturing or summarizing.",
		}, func() float64 {
			if s.runs.State().Running() {
				return 1
			}
			return 0
		}),
		newKernelCollector(s.reports),
	}

	for _, collector := range collectors {
		registry.MustRegister(collector)
	}

	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}

type latestReport interface {
	Latest() (*report.ProfileReport, bool)
}

// kernelCollector exposes the rows of the latest report.
type kernelCollector struct {
	reports latestReport

	kernels   *prometheus.Desc
	generated *prometheus.Desc
	metrics   []kernelMetric
}

type kernelMetric struct {
	desc    *prometheus.Desc
	extract func(k report.KernelRecord) (float64, bool)
}

func newKernelCollector(reports latestReport) *kernelCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "kernel", name),
			help,
			[]string{"kernel"},
			nil,
		)
	}

	return &kernelCollector{
		reports: reports,
		kernels: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "report", "kernels"),
			"Number of kernel rows in the latest report.",
			nil, nil,
		),
		generated: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "report", "generated_timestamp_seconds"),
			"Unix timestamp at which the latest report was produced.",
			nil, nil,
		),
		metrics: []kernelMetric{
			{
				desc: desc("total_time_ms", "Total GPU time of the kernel in the latest report, in milliseconds."),
				extract: func(k report.KernelRecord) (float64, bool) {
					if k.TotalTimeMs == nil {
						return 0, false
					}
					return *k.TotalTimeMs, true
				},
			},
			{
				desc: desc("avg_time_ms", "Average GPU time per launch in the latest report, in milliseconds."),
				extract: func(k report.KernelRecord) (float64, bool) {
					if k.AvgTimeMs == nil {
						return 0, false
					}
					return *k.AvgTimeMs, true
				},
			},
			{
				desc: desc("calls", "Launch count of the kernel in the latest report."),
				extract: func(k report.KernelRecord) (float64, bool) {
					if k.Calls == nil {
						return 0, false
					}
					return float64(*k.Calls), true
				},
			},
		},
	}
}

func (c *kernelCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.kernels
	ch <- c.generated
	for _, metric := range c.metrics {
		ch <- metric.desc
	}
}

func (c *kernelCollector) Collect(ch chan<- prometheus.Metric) {
	rep, ok := c.reports.Latest()
	if !ok {
		return
	}

	ch <- prometheus.MustNewConstMetric(c.kernels, prometheus.GaugeValue, float64(len(rep.Kernels)))
	if !rep.GeneratedAt.IsZero() {
		ch <- prometheus.MustNewConstMetric(c.generated, prometheus.GaugeValue, float64(rep.GeneratedAt.Unix()))
	}

	// Label values must be unique per metric; later rows with a repeated
	// name are skipped.
	seen := make(map[string]struct{}, len(rep.Kernels))
	for _, k := range rep.Kernels {
		if _, dup := seen[k.Name]; dup {
			continue
		}
		seen[k.Name] = struct{}{}
		for _, metric := range c.metrics {
			value, ok := metric.extract(k)
			if !ok {
				continue
			}
			ch <- prometheus.MustNewConstMetric(metric.desc, prometheus.GaugeValue, value, k.Name)
		}
	}
}
