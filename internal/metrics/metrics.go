package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dm_ws_active_connections",
		Help: "Active websocket connections on this node",
	})

	MessagesCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dm_messages_created_total",
		Help: "Messages durably created, by initial status",
	}, []string{"status"})

	MediaJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dm_media_jobs_total",
		Help: "Media jobs finished, by outcome",
	}, []string{"outcome"})

	MediaJobDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dm_media_job_duration_seconds",
		Help:    "Time spent processing and uploading one media job",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	CacheFallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dm_cache_fallbacks_total",
		Help: "Cache operations that failed or missed and fell back to a default or the store",
	}, []string{"op"})

	PushFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dm_push_failures_total",
		Help: "Fan-out notifications that could not be queued",
	}, []string{"event"})
)

var registerOnce sync.Once

// Init registers the collectors with the default registry. Safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(Connections, MessagesCreated, MediaJobs, MediaJobDuration, CacheFallbacks, PushFailures)
	})
}

// Handler returns an http.Handler for Prometheus scraping
func Handler() http.Handler {
	return promhttp.Handler()
}
