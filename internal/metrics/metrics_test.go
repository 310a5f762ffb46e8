package metrics

import (
	"math"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestRecorderObserveProxyRequest(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveProxyRequest("GET", 200, "HIT", 250*time.Millisecond)

	families := gather(t, rec, "cushion_proxy_requests_total", "cushion_proxy_request_duration_seconds")

	counter := findMetric(t, families["cushion_proxy_requests_total"], map[string]string{
		"method":       "GET",
		"status_code":  "200",
		"cache_status": "HIT",
	})
	if counter.GetCounter() == nil {
		t.Fatalf("expected counter metric for proxy requests")
	}
	if got := counter.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected counter value 1, got %v", got)
	}

	histMetric := findMetric(t, families["cushion_proxy_request_duration_seconds"], map[string]string{
		"cache_status": "HIT",
	})
	hist := histMetric.GetHistogram()
	if hist == nil {
		t.Fatalf("expected histogram metric for proxy latency")
	}
	if hist.GetSampleCount() != 1 {
		t.Fatalf("expected histogram count 1, got %d", hist.GetSampleCount())
	}
	want := 0.25
	if diff := math.Abs(hist.GetSampleSum() - want); diff > 0.001 {
		t.Fatalf("expected histogram sum near %v, got %v", want, hist.GetSampleSum())
	}
}

func TestRecorderObserveCacheAndFetch(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveCache("/data", CacheHit)
	rec.ObserveCache("/data", CacheStored)
	rec.ObserveFetch(FetchSuccess, 100*time.Millisecond)
	rec.ObserveFetch(FetchBackoff, 0)

	families := gather(t, rec, "cushion_cache_operations_total", "cushion_upstream_fetches_total", "cushion_upstream_fetch_duration_seconds")

	hit := findMetric(t, families["cushion_cache_operations_total"], map[string]string{
		"path":    "/data",
		"outcome": string(CacheHit),
	})
	if got := hit.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected hit counter 1, got %v", got)
	}

	success := findMetric(t, families["cushion_upstream_fetches_total"], map[string]string{
		"outcome": string(FetchSuccess),
	})
	if got := success.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected fetch counter 1, got %v", got)
	}

	hist := families["cushion_upstream_fetch_duration_seconds"][0].GetHistogram()
	if hist.GetSampleCount() != 1 {
		t.Fatalf("backoff rejections must not contribute latency samples, got %d", hist.GetSampleCount())
	}
}

func TestRecorderGauges(t *testing.T) {
	rec := NewRecorder(nil)
	rec.SetQueueDepth(5)
	rec.SetActiveFetches(2)

	families := gather(t, rec, "cushion_upstream_queue_depth", "cushion_upstream_active_fetches")

	if got := families["cushion_upstream_queue_depth"][0].GetGauge().GetValue(); got != 5 {
		t.Fatalf("expected queue depth 5, got %v", got)
	}
	if got := families["cushion_upstream_active_fetches"][0].GetGauge().GetValue(); got != 2 {
		t.Fatalf("expected active fetches 2, got %v", got)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder
	rec.ObserveProxyRequest("GET", 200, "HIT", time.Second)
	rec.ObserveCache("/p", CacheMiss)
	rec.ObserveFetch(FetchFailure, time.Second)
	rec.SetQueueDepth(1)
	rec.SetActiveFetches(1)

	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != 503 {
		t.Fatalf("expected 503 from nil recorder handler, got %d", rr.Code)
	}
}

func TestRecorderHandler(t *testing.T) {
	rec := NewRecorder(nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)

	rec.Handler().ServeHTTP(rr, req)

	if rr.Code != 200 {
		t.Fatalf("expected 200 response, got %d", rr.Code)
	}
	if rr.Body.Len() == 0 {
		t.Fatalf("expected response body")
	}
}

func gather(t *testing.T, rec *Recorder, names ...string) map[string][]*dto.Metric {
	t.Helper()
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	families, err := rec.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	collected := make(map[string][]*dto.Metric, len(names))
	for _, mf := range families {
		if !wanted[mf.GetName()] {
			continue
		}
		collected[mf.GetName()] = append(collected[mf.GetName()], mf.GetMetric()...)
	}
	for _, name := range names {
		if len(collected[name]) == 0 {
			t.Fatalf("metric %q not collected", name)
		}
	}
	return collected
}

func findMetric(t *testing.T, metrics []*dto.Metric, labels map[string]string) *dto.Metric {
	t.Helper()
	for _, metric := range metrics {
		if matchLabels(metric, labels) {
			return metric
		}
	}
	t.Fatalf("metric with labels %v not found", labels)
	return nil
}

func matchLabels(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) < len(labels) {
		return false
	}
	for key, expected := range labels {
		found := false
		for _, label := range metric.GetLabel() {
			if label.GetName() == key && label.GetValue() == expected {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
