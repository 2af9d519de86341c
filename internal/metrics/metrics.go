// Package metrics exposes Prometheus collectors for the acquisition pipeline.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	productsFetchedTotal *prometheus.CounterVec
	fetchDurationSeconds prometheus.Histogram
	retryQueueDepth      prometheus.Gauge
	proxyEndpoints       *prometheus.GaugeVec
	frontierURLs         prometheus.Gauge

	once sync.Once
)

// Init registers the collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		productsFetchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_products_fetched_total",
				Help: "Total product fetch attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvester_fetch_duration_seconds",
				Help:    "Histogram of product API call latencies.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		)

		retryQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_retry_queue_depth",
				Help: "Number of non-terminal entries in the retry queue.",
			},
		)

		proxyEndpoints = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "harvester_proxy_endpoints",
				Help: "Configured proxy endpoints by health state.",
			},
			[]string{"state"},
		)

		frontierURLs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_frontier_urls",
				Help: "Deduplicated product URLs discovered from the sitemap.",
			},
		)
	})
}

// ObserveFetch records one fetch attempt and its latency.
func ObserveFetch(outcome string, duration time.Duration) {
	Init()
	productsFetchedTotal.WithLabelValues(outcome).Inc()
	fetchDurationSeconds.Observe(duration.Seconds())
}

// SetRetryQueueDepth publishes the current queue depth.
func SetRetryQueueDepth(depth int) {
	Init()
	retryQueueDepth.Set(float64(depth))
}

// SetProxyState publishes the endpoint count for one health state.
func SetProxyState(state string, count int) {
	Init()
	proxyEndpoints.WithLabelValues(state).Set(float64(count))
}

// SetFrontierSize publishes the size of the discovered work list.
func SetFrontierSize(size int) {
	Init()
	frontierURLs.Set(float64(size))
}
