package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorCountsStoreOutcomes(t *testing.T) {
	c := NewCollector("threadline")
	c.ObserveStore("get", time.Now(), nil)
	c.ObserveStore("get", time.Now(), errors.New("boom"))
	c.ObserveStore("get", time.Now(), nil)

	if got := testutil.ToFloat64(c.storeFetches.WithLabelValues("get", "ok")); got != 2 {
		t.Fatalf("expected 2 ok fetches, got %v", got)
	}
	if got := testutil.ToFloat64(c.storeFetches.WithLabelValues("get", "error")); got != 1 {
		t.Fatalf("expected 1 failed fetch, got %v", got)
	}
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.ObserveStore("get", time.Now(), nil)
	c.ObserveOperation("thread", time.Now(), nil)
	c.Dropped("popular", 3)
	c.ObserveHTTP("GET", "/api/health", 200, time.Now())
	if c.Registry() != nil {
		t.Fatal("expected nil registry")
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector("threadline")
	c.Dropped("popular", 2)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `threadline_dropped_items_total{operation="popular"} 2`) {
		t.Fatalf("dropped counter missing from output:\n%s", body)
	}
}
