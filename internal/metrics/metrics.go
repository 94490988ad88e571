// Package metrics exposes Prometheus collectors for the change workflow.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dbchange"

// Collector 工作流指标
type Collector struct {
	registry *prometheus.Registry

	Transitions     *prometheus.CounterVec
	TaskExecutions  *prometheus.CounterVec
	TaskDuration    *prometheus.HistogramVec
	InspectDuration *prometheus.HistogramVec
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
}

// New creates a Collector with its own registry
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c := &Collector{
		registry: reg,
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_transitions_total",
			Help:      "Order operations committed, by action and resulting status",
		}, []string{"action", "from", "to"}),
		TaskExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_executions_total",
			Help:      "Task executions by order type and outcome",
		}, []string{"order_type", "status"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Statement execution time",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
		}, []string{"order_type"}),
		InspectDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inspect_duration_seconds",
			Help:      "Syntax inspection time by result",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status_code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	reg.MustRegister(c.Transitions, c.TaskExecutions, c.TaskDuration, c.InspectDuration, c.HTTPRequests, c.HTTPDuration)
	return c
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveTransition counts a committed order operation
func (c *Collector) ObserveTransition(action, from, to string) {
	if c == nil {
		return
	}
	c.Transitions.WithLabelValues(action, from, to).Inc()
}

// ObserveTask records one task execution
func (c *Collector) ObserveTask(orderType, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.TaskExecutions.WithLabelValues(orderType, status).Inc()
	c.TaskDuration.WithLabelValues(orderType).Observe(d.Seconds())
}

// ObserveInspect records one inspection; result is pass, fail or timeout
func (c *Collector) ObserveInspect(result string, d time.Duration) {
	if c == nil {
		return
	}
	c.InspectDuration.WithLabelValues(result).Observe(d.Seconds())
}

// GinMiddleware records request counts and latencies by route
func (c *Collector) GinMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()
		if c == nil {
			return
		}
		path := ctx.FullPath()
		if path == "" {
			path = "unmatched"
		}
		c.HTTPRequests.WithLabelValues(ctx.Request.Method, path, strconv.Itoa(ctx.Writer.Status())).Inc()
		c.HTTPDuration.WithLabelValues(ctx.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
