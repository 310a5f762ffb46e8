package main

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/require"

	"github.com/cushionproxy/cushion/internal/cache"
	"github.com/cushionproxy/cushion/internal/config"
	"github.com/cushionproxy/cushion/internal/dashboard"
	"github.com/cushionproxy/cushion/internal/server"
	"github.com/cushionproxy/cushion/internal/stats"
	"github.com/cushionproxy/cushion/internal/upstream"
)

// buildStack wires real components (manager -> engine -> handler) against the
// given upstream, mirroring the production bootstrap in main.
func buildStack(t *testing.T, upstreamURL string, policies ...config.URLPolicy) *httpexpect.Expect {
	t.Helper()

	manager, err := upstream.New(upstreamURL, 2, nil, nil)
	require.NoError(t, err)

	engine, err := cache.NewEngine(nil, cache.Options{
		Backend: manager,
		Defaults: config.CacheConfig{
			DefaultTTLSeconds:       30,
			DefaultStaleTimeSeconds: 10,
			SlowRequestTimeoutMS:    2000,
		},
		Policies: config.PolicyBundle{Policies: policies},
	})
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	aggregator := stats.New(engine, manager, nil)
	dash, err := dashboard.New(aggregator)
	require.NoError(t, err)

	handler := server.NewHandler(nil, nil, engine, manager, aggregator, dash)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return httpexpect.Default(t, srv.URL)
}

func TestProxyEndToEndMissThenHit(t *testing.T) {
	var calls atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"a":1}`))
	}))
	defer backend.Close()

	e := buildStack(t, backend.URL)

	first := e.GET("/s").Expect().Status(http.StatusOK)
	first.Header("X-Cache-Status").IsEqual("MISS")
	first.JSON().Object().HasValue("a", 1)
	require.Equal(t, int64(1), calls.Load())

	second := e.GET("/s").Expect().Status(http.StatusOK)
	second.Header("X-Cache-Status").IsEqual("HIT")
	second.JSON().Object().HasValue("a", 1)
	require.Equal(t, int64(1), calls.Load(), "a fresh hit must not reach the upstream")

	statsBody := e.GET("/cache/stats").Expect().Status(http.StatusOK).JSON().Object()
	statsBody.HasValue("size", 1)
	statsBody.Value("keys").Object().Value("/s").Object().HasValue("hits", 1)
}

func TestProxyServes503WhenBackendDownAndCacheEmpty(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	e := buildStack(t, backend.URL)

	// First failure opens the backoff window; the client sees a plain error.
	e.GET("/down").Expect().Status(http.StatusInternalServerError)
	// Inside the window the proxy fails fast with 503.
	e.GET("/down").Expect().Status(http.StatusServiceUnavailable)

	health := e.GET("/health").Expect().Status(http.StatusOK).JSON().Object()
	health.HasValue("status", "degraded")
}

func TestProxyServesStaleWhileBackendFails(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"v":"old"}`))
	}))
	defer backend.Close()

	zero := 0
	e := buildStack(t, backend.URL, config.URLPolicy{
		Path:             "/wobbly",
		CacheTTLSeconds:  &zero,
		StaleTimeSeconds: &zero,
	})

	// Populate, then break the backend. TTL zero means every later request
	// misses and falls back to the prior entry.
	e.GET("/wobbly").Expect().Status(http.StatusOK)
	healthy.Store(false)

	res := e.GET("/wobbly").Expect().Status(http.StatusOK)
	res.Header("X-Cache-Status").IsEqual("HIT")
	res.JSON().Object().HasValue("v", "old")
}

func TestCacheClearEndToEnd(t *testing.T) {
	var calls atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"n":1}`))
	}))
	defer backend.Close()

	e := buildStack(t, backend.URL)

	e.GET("/c").Expect().Status(http.StatusOK)
	e.POST("/cache/clear").Expect().Status(http.StatusOK).JSON().Object().HasValue("success", true)
	e.GET("/c").Expect().Status(http.StatusOK).Header("X-Cache-Status").IsEqual("MISS")
	require.Equal(t, int64(2), calls.Load())
}

func TestQueueStatsExposeCompletions(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(5 * time.Millisecond)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer backend.Close()

	e := buildStack(t, backend.URL)
	e.GET("/q").Expect().Status(http.StatusOK)

	queue := e.GET("/queue/stats").Expect().Status(http.StatusOK).JSON().Object()
	queue.HasValue("maxConcurrent", 2)
	queue.Value("recentlyCompleted").Array().Length().IsEqual(1)
}
