package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ferryman",
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	metricTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ferryman",
		Name:      "tasks_total",
		Help:      "Automation tasks by terminal status.",
	}, []string{"status"})

	metricTasksRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ferryman",
		Name:      "tasks_rejected_total",
		Help:      "Tasks rejected by validation before execution.",
	})

	metricTaskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ferryman",
		Name:      "task_duration_seconds",
		Help:      "Wall-clock duration of task execution.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	metricScrapesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ferryman",
		Name:      "scrapes_total",
		Help:      "Product scrape requests served.",
	})

	metricPoolReady = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ferryman",
		Name:      "pool_ready_handles",
		Help:      "Browser engine handles ready to serve a context.",
	})
	metricPoolBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ferryman",
		Name:      "pool_busy_handles",
		Help:      "Browser engine handles currently leased.",
	})
	metricPoolDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ferryman",
		Name:      "pool_degraded",
		Help:      "1 while the session pool is degraded.",
	})
)

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.refreshPoolGauges()
	promhttp.Handler().ServeHTTP(w, r)
}

func (s *Server) refreshPoolGauges() {
	stats := s.pool.Stats()
	metricPoolReady.Set(float64(stats.Ready))
	metricPoolBusy.Set(float64(stats.Busy))
	if stats.Degraded {
		metricPoolDegraded.Set(1)
	} else {
		metricPoolDegraded.Set(0)
	}
}
