package monitoring

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector owns a private Prometheus registry for one service. Every
// metric it creates is prefixed with the sanitized service name.
type MetricsCollector struct {
	namespace string
	registry  *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewMetricsCollector registers the runtime collectors, HTTP metrics and a
// build_info gauge for the service.
func NewMetricsCollector(serviceName, version, commit string) *MetricsCollector {
	mc := &MetricsCollector{
		namespace: strings.ReplaceAll(serviceName, "-", "_"),
		registry:  prometheus.NewRegistry(),
	}
	mc.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mc.httpRequests = mc.NewCounter("http_requests_total", "HTTP requests served", []string{"method", "endpoint", "status"})
	mc.httpDuration = mc.NewHistogram("http_request_duration_seconds", "HTTP request duration in seconds", []string{"method", "endpoint"}, nil)
	mc.NewGauge("build_info", "Build metadata; always 1", []string{"version", "commit"}).
		WithLabelValues(version, commit).Set(1)

	return mc
}

// Registry exposes the collector's registry, mainly for tests.
func (mc *MetricsCollector) Registry() *prometheus.Registry {
	return mc.registry
}

// MetricsMiddleware counts requests by route template rather than raw path.
func (mc *MetricsCollector) MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		method := c.Request.Method
		mc.httpRequests.WithLabelValues(method, endpoint, strconv.Itoa(c.Writer.Status())).Inc()
		mc.httpDuration.WithLabelValues(method, endpoint).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the collector's registry in the Prometheus text format.
func (mc *MetricsCollector) Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(mc.registry, promhttp.HandlerOpts{Registry: mc.registry}))
}

func (mc *MetricsCollector) NewCounter(name, help string, labels []string) *prometheus.CounterVec {
	v := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: mc.namespace, Name: name, Help: help}, labels)
	mc.registry.MustRegister(v)
	return v
}

func (mc *MetricsCollector) NewGauge(name, help string, labels []string) *prometheus.GaugeVec {
	v := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: mc.namespace, Name: name, Help: help}, labels)
	mc.registry.MustRegister(v)
	return v
}

// NewHistogram uses prometheus.DefBuckets when buckets is nil.
func (mc *MetricsCollector) NewHistogram(name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}
	v := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: mc.namespace, Name: name, Help: help, Buckets: buckets}, labels)
	mc.registry.MustRegister(v)
	return v
}
