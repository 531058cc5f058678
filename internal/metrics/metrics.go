package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vending",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin and relay HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vending",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	relayPublishFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vending",
			Subsystem: "relay",
			Name:      "publish_failures_total",
			Help:      "Events a relay failed to accept.",
		},
		[]string{"relay"},
	)
	relayConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "vending",
			Subsystem: "relay",
			Name:      "connected",
			Help:      "1 when the relay connection is up.",
		},
		[]string{"relay"},
	)
	nodeRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vending",
			Subsystem: "node",
			Name:      "requests_total",
			Help:      "Machine requests by outcome.",
		},
		[]string{"outcome"},
	)
	nodeStatuses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vending",
			Subsystem: "node",
			Name:      "statuses_published_total",
			Help:      "Status events published by the node.",
		},
		[]string{"status", "reason"},
	)
	nodeTimersFired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "vending",
			Subsystem: "node",
			Name:      "auto_revert_fired_total",
			Help:      "Auto-revert timers that published a status.",
		},
	)
	settlementActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vending",
			Subsystem: "settlement",
			Name:      "actions_total",
			Help:      "Ledger actions taken by the settlement server.",
		},
		[]string{"action", "success"},
	)
	relayEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vending",
			Subsystem: "devrelay",
			Name:      "events_total",
			Help:      "Events received by the development relay.",
		},
		[]string{"result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			relayPublishFailures,
			relayConnected,
			nodeRequests,
			nodeStatuses,
			nodeTimersFired,
			settlementActions,
			relayEvents,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordPublishFailure(relay string) {
	RegisterMetrics()
	relayPublishFailures.WithLabelValues(relay).Inc()
}

func SetRelayConnected(relay string, up bool) {
	RegisterMetrics()
	v := 0.0
	if up {
		v = 1
	}
	relayConnected.WithLabelValues(relay).Set(v)
}

func RecordNodeRequest(outcome string) {
	RegisterMetrics()
	nodeRequests.WithLabelValues(outcome).Inc()
}

func RecordStatusPublished(status, reason string) {
	RegisterMetrics()
	nodeStatuses.WithLabelValues(status, reason).Inc()
}

func RecordTimerFired() {
	RegisterMetrics()
	nodeTimersFired.Inc()
}

func RecordSettlementAction(action string, success bool) {
	RegisterMetrics()
	settlementActions.WithLabelValues(action, strconv.FormatBool(success)).Inc()
}

func RecordRelayEvent(result string) {
	RegisterMetrics()
	relayEvents.WithLabelValues(result).Inc()
}

func RequestMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}
