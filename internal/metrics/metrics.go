// Package metrics exposes pool and resource state on a Prometheus
// registry. Everything is collected lazily through Func collectors, so
// scrapes always see the live snapshot and the hot paths carry no
// instrumentation calls.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edirooss/renderd/internal/pool"
	"github.com/edirooss/renderd/internal/resource"
)

// Registry holds the process registry and its HTTP handler.
type Registry struct {
	reg *prometheus.Registry
}

// New builds a registry over the pool and controller snapshots.
func New(p *pool.Pool, c *resource.Controller) *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	gauge := func(name, help string, fn func() float64) {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "renderd",
			Name:      name,
			Help:      help,
		}, fn))
	}
	counter := func(name, help string, fn func() float64) {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "renderd",
			Name:      name,
			Help:      help,
		}, fn))
	}

	gauge("pool_instances_total", "Instances currently owned by the pool.",
		func() float64 { return float64(p.Status().Total) })
	gauge("pool_instances_available", "Idle instances ready for lease.",
		func() float64 { return float64(p.Status().Available) })
	gauge("pool_instances_busy", "Instances leased to callers.",
		func() float64 { return float64(p.Status().Busy) })
	gauge("pool_instances_unhealthy", "Instances that failed their last health check.",
		func() float64 { return float64(p.Status().Unhealthy) })
	gauge("pool_acquire_waiters", "Callers blocked waiting for an instance.",
		func() float64 { return float64(p.Status().Waiters) })

	counter("pool_instances_created_total", "Renderer instances launched.",
		func() float64 { return float64(p.Metrics().Created) })
	counter("pool_instances_destroyed_total", "Renderer instances torn down.",
		func() float64 { return float64(p.Metrics().Destroyed) })
	counter("pool_instances_reused_total", "Leases served from the warm set.",
		func() float64 { return float64(p.Metrics().Reused) })
	counter("pool_errors_total", "Instance creation and teardown failures.",
		func() float64 { return float64(p.Metrics().Errors) })

	sampleDim := func(name, help string, pick func(resource.Sample) float64) {
		gauge(name, help, func() float64 {
			s, ok := c.LatestSample()
			if !ok {
				return 0
			}
			return pick(s)
		})
	}
	sampleDim("resource_memory_usage_ratio", "Host memory usage, last sample.",
		func(s resource.Sample) float64 { return s.MemoryUsage })
	sampleDim("resource_cpu_usage_ratio", "Host CPU usage, last sample.",
		func(s resource.Sample) float64 { return s.CPUUsage })
	sampleDim("resource_disk_usage_ratio", "Host disk usage, last sample.",
		func(s resource.Sample) float64 { return s.DiskUsage })

	gauge("resource_pressure", "1 while overall resource pressure is raised.",
		func() float64 {
			if c.CheckPressure().Overall {
				return 1
			}
			return 0
		})
	gauge("resource_optimal_pool_size", "Recommended pool size.",
		func() float64 { return float64(c.OptimalPoolSize()) })
	gauge("degradation_throttling_enabled", "1 while request throttling is active.",
		func() float64 {
			if c.Degradation().Status().RequestThrottlingEnabled {
				return 1
			}
			return 0
		})

	return &Registry{reg: reg}
}

// Handler serves the scrape endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
