package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_connections",
		Help: "Current number of active websocket connections",
	})
	Sessions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chat_sessions",
		Help: "Current number of client sessions by phase",
	}, []string{"phase"})
	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_sent_total",
		Help: "Total number of messages appended to conversations",
	})
	SendFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_send_failures_total",
		Help: "Total number of failed sends by reason",
	}, []string{"reason"})
	IndexWriteFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_index_write_failures_total",
		Help: "Total number of conversation index writes that failed",
	}, []string{"mode"})
	ConversationsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_conversations_started_total",
		Help: "Total number of conversations created",
	})
	IndexRepairs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_index_repairs_total",
		Help: "Total number of index entries repaired by the reconciler",
	})
	UploadBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_upload_bytes_total",
		Help: "Total number of uploaded asset bytes",
	})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		WsConnections, Sessions, MessagesSent, SendFailures, IndexWriteFailures,
		ConversationsStarted, IndexRepairs, UploadBytes, HttpRequestsTotal, HttpRequestDuration,
	)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
