package obs

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_notifications_total",
		Help: "Send attempts by platform and outcome.",
	}, []string{"platform", "status"})
	notificationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_notification_duration_seconds",
		Help:    "Time spent dispatching a notification to its channel.",
		Buckets: prometheus.DefBuckets,
	}, []string{"platform"})
	batchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_batch_size",
		Help:    "Number of notifications per batch request.",
		Buckets: []float64{1, 5, 10, 25, 50, 75, 100},
	})
	analyticsEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_analytics_entries",
		Help: "Entries currently held by the in-process analytics recorder.",
	})
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_http_requests_total",
		Help: "HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})
	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

func ObserveSend(platform, status string, d time.Duration) {
	notificationsTotal.WithLabelValues(platform, status).Inc()
	notificationDuration.WithLabelValues(platform).Observe(d.Seconds())
}

func ObserveBatch(size int) {
	batchSize.Observe(float64(size))
}

func SetAnalyticsEntries(n int) {
	analyticsEntries.Set(float64(n))
}

func ObserveHTTP(method, route, status string, d time.Duration) {
	httpRequests.WithLabelValues(method, route, status).Inc()
	httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
