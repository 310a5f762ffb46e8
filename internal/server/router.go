package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cushionproxy/cushion/internal/cache"
	"github.com/cushionproxy/cushion/internal/metrics"
	"github.com/cushionproxy/cushion/internal/stats"
	"github.com/cushionproxy/cushion/internal/upstream"
)

// Engine is the cache surface the proxy handler drives.
type Engine interface {
	GetOrFetch(ctx context.Context, fullURL string) (*cache.Entry, bool, error)
	Clear()
}

// Forwarder relays non-GET requests to the upstream without caching.
type Forwarder interface {
	Forward(ctx context.Context, r *http.Request) (upstream.Result, error)
}

// StatsProvider exposes the aggregator's read-views to the control routes.
type StatsProvider interface {
	Cache() stats.CacheStats
	Queue() upstream.Stats
	Health() stats.Health
}

// Handler is the client-facing HTTP surface: the catch-all proxy plus the
// cache, queue, and health control routes.
type Handler struct {
	logger    *slog.Logger
	metrics   *metrics.Recorder
	engine    Engine
	forwarder Forwarder
	stats     StatsProvider
	dashboard http.Handler
	now       func() time.Time
}

// NewHandler wires the HTTP surface to the core components. The dashboard
// handler is optional.
func NewHandler(logger *slog.Logger, rec *metrics.Recorder, engine Engine, forwarder Forwarder, statsProvider StatsProvider, dashboard http.Handler) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{
		logger:    logger.With(slog.String("component", "http")),
		metrics:   rec,
		engine:    engine,
		forwarder: forwarder,
		stats:     statsProvider,
		dashboard: dashboard,
		now:       time.Now,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/cache/clear":
		h.serveCacheClear(w, r)
	case "/cache/stats":
		h.serveJSON(w, r, func() any { return h.stats.Cache() })
	case "/queue/stats":
		h.serveJSON(w, r, func() any { return h.stats.Queue() })
	case "/health":
		h.serveJSON(w, r, func() any { return h.stats.Health() })
	case "/dashboard":
		if h.dashboard == nil {
			http.NotFound(w, r)
			return
		}
		h.dashboard.ServeHTTP(w, r)
	default:
		h.serveProxy(w, r)
	}
}

func (h *Handler) serveCacheClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.engine.Clear()
	h.logger.Info("cache cleared")
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) serveJSON(w http.ResponseWriter, r *http.Request, snapshot func() any) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, snapshot())
}

// serveProxy is the catch-all: GETs flow through the cache engine, everything
// else is forwarded without caching.
func (h *Handler) serveProxy(w http.ResponseWriter, r *http.Request) {
	start := h.now()
	if r.Method != http.MethodGet {
		h.forwardRequest(w, r, start)
		return
	}

	fullURL := r.URL.RequestURI()
	entry, fromCache, err := h.engine.GetOrFetch(r.Context(), fullURL)
	if err != nil {
		status := errorStatus(err)
		h.logger.Warn("proxy request failed",
			slog.String("url", fullURL),
			slog.Int("status", status),
			slog.Any("error", err))
		http.Error(w, http.StatusText(status), status)
		h.metrics.ObserveProxyRequest(r.Method, status, "error", h.now().Sub(start))
		return
	}

	cacheStatus := "MISS"
	if fromCache {
		cacheStatus = "HIT"
	}
	w.Header().Set("X-Cache-Status", cacheStatus)
	w.Header().Set("X-Cache-Timestamp", entry.FetchedAt.UTC().Format(time.RFC3339))
	if contentType, ok := entry.Headers["content-type"]; ok {
		w.Header().Set("Content-Type", contentType)
	}
	status := entry.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(entry.Payload)
	h.metrics.ObserveProxyRequest(r.Method, status, cacheStatus, h.now().Sub(start))
}

func (h *Handler) forwardRequest(w http.ResponseWriter, r *http.Request, start time.Time) {
	res, err := h.forwarder.Forward(r.Context(), r)
	if err != nil {
		status := errorStatus(err)
		h.logger.Warn("forward failed",
			slog.String("url", r.URL.RequestURI()),
			slog.String("method", r.Method),
			slog.Any("error", err))
		http.Error(w, http.StatusText(status), status)
		h.metrics.ObserveProxyRequest(r.Method, status, "forward", h.now().Sub(start))
		return
	}
	for name, value := range res.Headers {
		w.Header().Set(name, value)
	}
	status := res.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(res.Data)
	h.metrics.ObserveProxyRequest(r.Method, status, "forward", h.now().Sub(start))
}

// errorStatus maps core failures onto client statuses: unreachable upstream
// (backoff, refused, DNS, timeout) becomes 503, everything else 500.
func errorStatus(err error) int {
	var be *upstream.BackoffError
	if errors.As(err, &be) || upstream.IsUnavailable(err) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
