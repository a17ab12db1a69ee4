package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the service's Prometheus collectors. It uses its own
// registry so several collectors can coexist in one test binary. A nil
// *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	storeFetches      *prometheus.CounterVec
	storeLatency      *prometheus.HistogramVec
	operationDuration *prometheus.HistogramVec
	droppedItems      *prometheus.CounterVec
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

func NewCollector(namespace string) *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.storeFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_fetches_total",
		Help:      "Store calls by operation and outcome",
	}, []string{"op", "outcome"})

	c.storeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "store_fetch_duration_seconds",
		Help:      "Store call latency including retries",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	c.operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "operation_duration_seconds",
		Help:      "Duration of thread, popularity, feed and enrichment operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation", "outcome"})

	c.droppedItems = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dropped_items_total",
		Help:      "Batch items dropped or degraded after a partial failure",
	}, []string{"operation"})

	c.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests",
	}, []string{"method", "route", "status"})

	c.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	c.registry.MustRegister(
		c.storeFetches,
		c.storeLatency,
		c.operationDuration,
		c.droppedItems,
		c.httpRequests,
		c.httpDuration,
		prometheus.NewGoCollector(),
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) ObserveStore(op string, started time.Time, err error) {
	if c == nil {
		return
	}
	c.storeFetches.WithLabelValues(op, outcome(err)).Inc()
	c.storeLatency.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

func (c *Collector) ObserveOperation(operation string, started time.Time, err error) {
	if c == nil {
		return
	}
	c.operationDuration.WithLabelValues(operation, outcome(err)).Observe(time.Since(started).Seconds())
}

func (c *Collector) Dropped(operation string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.droppedItems.WithLabelValues(operation).Add(float64(n))
}

func (c *Collector) ObserveHTTP(method, route string, status int, started time.Time) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(time.Since(started).Seconds())
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
