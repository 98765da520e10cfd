// Package monitor Prometheus 指标
package monitor

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 更新循环与状态接口的指标
type Metrics struct {
	TicksTotal          *prometheus.CounterVec
	SubmissionsTotal    *prometheus.CounterVec
	ErrorsTotal         *prometheus.CounterVec
	FeedPrice           prometheus.Gauge
	LastSubmittedPrice  prometheus.Gauge
	ConfirmationSeconds prometheus.Histogram
	EventsTotal         prometheus.Counter

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// NewMetrics 在给定注册表上创建指标，reg 为 nil 时使用新的注册表
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		TicksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "oracle_ticks_total",
			Help: "Update loop ticks by result.",
		}, []string{"result"}),
		SubmissionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "oracle_submissions_total",
			Help: "Accepted submissions by path and outcome.",
		}, []string{"path", "outcome"}),
		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "oracle_errors_total",
			Help: "Errors by error code.",
		}, []string{"code"}),
		FeedPrice: factory.NewGauge(prometheus.GaugeOpts{
			Name: "oracle_feed_price",
			Help: "Last price fetched from the feed.",
		}),
		LastSubmittedPrice: factory.NewGauge(prometheus.GaugeOpts{
			Name: "oracle_last_submitted_price",
			Help: "Last price accepted by the node.",
		}),
		ConfirmationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "oracle_confirmation_seconds",
			Help:    "Time from submission to receipt.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 15, 30, 60},
		}),
		EventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "oracle_price_events_total",
			Help: "PriceChanged events received.",
		}),
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency distributions.",
			Buckets: []float64{0.1, 0.3, 0.5, 1.0, 2.0, 5.0},
		}, []string{"method", "path"}),
		gatherer: reg,
	}
}

// Handler /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Gatherer 指标采集器
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.gatherer
}

// GinMiddleware 记录请求数量和耗时
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath() // 使用路由模板而不是具体路径

		c.Next()

		// 忽略 404 等未匹配路由
		if path == "" {
			return
		}
		status := strconv.Itoa(c.Writer.Status())
		m.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
