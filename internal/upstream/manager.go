package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cushionproxy/cushion/internal/metrics"
)

const (
	requestTimeout     = 30 * time.Second
	completedRingSize  = 20
	responseBodyLimit  = 16 << 20
	defaultConcurrency = 2
)

// httpDoer abstracts the outbound HTTP client for tests.
type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Result carries an upstream response back to the cache engine. Statuses below
// 500 are delivered here; anything else surfaces as an error.
type Result struct {
	Status   int
	Data     []byte
	Headers  map[string]string
	Duration time.Duration
}

// CompletedRequest records one finished upstream call for the telemetry ring.
type CompletedRequest struct {
	URL         string    `json:"url"`
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
	RuntimeMS   int64     `json:"runtimeMs"`
	Success     bool      `json:"success"`
}

// QueuedURL describes a request still waiting for a dispatch slot.
type QueuedURL struct {
	URL         string `json:"url"`
	QueuedForMS int64  `json:"queuedForMs"`
}

// ActiveRequest describes an upstream call currently in flight.
type ActiveRequest struct {
	URL       string `json:"url"`
	RuntimeMS int64  `json:"runtimeMs"`
}

// Stats is the connection manager's telemetry snapshot.
type Stats struct {
	QueueLength       int                        `json:"queueLength"`
	QueuedURLs        []QueuedURL                `json:"queuedUrls"`
	ActiveCount       int                        `json:"activeCount"`
	ActiveRequests    []ActiveRequest            `json:"activeRequests"`
	MaxConcurrent     int                        `json:"maxConcurrent"`
	RecentlyCompleted []CompletedRequest         `json:"recentlyCompleted"`
	ErrorRate         float64                    `json:"errorRate"`
	ErrorRateByPath   map[string]float64         `json:"errorRateByPath"`
	BackoffStates     map[string]BackoffSnapshot `json:"backoffStates"`
}

type fetchResult struct {
	res Result
	err error
}

type queuedRequest struct {
	key      string
	req      *http.Request
	result   chan fetchResult
	queuedAt time.Time
}

// Manager serializes outbound load toward the fragile upstream: a FIFO queue
// drained by at most maxConcurrent keep-alive connections, with per-URL
// exponential backoff and a sliding error-rate window.
type Manager struct {
	base          *url.URL
	client        httpDoer
	logger        *slog.Logger
	metrics       *metrics.Recorder
	maxConcurrent int

	backoff *backoffTable
	window  *errorWindow
	now     func() time.Time

	mu          sync.Mutex
	queue       []*queuedRequest
	active      map[string]time.Time
	dispatching bool

	completedMu sync.Mutex
	completed   []CompletedRequest
}

// New builds a connection manager pointed at the upstream base URL.
func New(baseURL string, maxConcurrent int, logger *slog.Logger, rec *metrics.Recorder) (*Manager, error) {
	base, err := url.Parse(baseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("upstream: invalid base url %q", baseURL)
	}
	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	client := &http.Client{Transport: transport, Timeout: requestTimeout}
	return newManager(base, maxConcurrent, client, logger, rec, time.Now), nil
}

func newManager(base *url.URL, maxConcurrent int, client httpDoer, logger *slog.Logger, rec *metrics.Recorder, now func() time.Time) *Manager {
	if maxConcurrent < 1 {
		maxConcurrent = defaultConcurrency
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		base:          base,
		client:        client,
		logger:        logger.With(slog.String("component", "upstream")),
		metrics:       rec,
		maxConcurrent: maxConcurrent,
		backoff:       newBackoffTable(now),
		window:        newErrorWindow(now),
		now:           now,
		active:        make(map[string]time.Time),
	}
}

// Fetch issues a GET for the given full URL (path plus raw query) through the
// bounded queue. A URL inside its backoff window fails fast with a
// BackoffError without being enqueued. The upstream call itself is never
// cancelled by ctx; ctx only bounds how long the caller waits for the result.
func (m *Manager) Fetch(ctx context.Context, fullURL string) (Result, error) {
	if be := m.backoff.check(fullURL); be != nil {
		m.metrics.ObserveFetch(metrics.FetchBackoff, 0)
		return Result{}, be
	}
	req, err := m.buildRequest(http.MethodGet, fullURL, nil, nil)
	if err != nil {
		return Result{}, err
	}
	return m.enqueue(ctx, fullURL, req)
}

// Forward relays a non-GET client request through the same queue and
// concurrency cap. The response is never cached.
func (m *Manager) Forward(ctx context.Context, r *http.Request) (Result, error) {
	fullURL := r.URL.RequestURI()
	if be := m.backoff.check(fullURL); be != nil {
		m.metrics.ObserveFetch(metrics.FetchBackoff, 0)
		return Result{}, be
	}
	var body io.Reader
	if r.Body != nil {
		body = r.Body
	}
	req, err := m.buildRequest(r.Method, fullURL, body, r.Header)
	if err != nil {
		return Result{}, err
	}
	return m.enqueue(ctx, fullURL, req)
}

// InBackoff reports whether the URL currently sits inside a backoff window.
func (m *Manager) InBackoff(fullURL string) bool {
	return m.backoff.check(fullURL) != nil
}

// ErrorRate returns the global upstream error rate in events per minute.
func (m *Manager) ErrorRate() float64 { return m.window.rate() }

// ErrorRateByPath returns the per-path error rates in events per minute.
func (m *Manager) ErrorRateByPath() map[string]float64 { return m.window.rateByPath() }

// BackoffStates returns the read-view of all active backoff windows.
func (m *Manager) BackoffStates() map[string]BackoffSnapshot { return m.backoff.snapshot() }

// Stats assembles the queue telemetry snapshot.
func (m *Manager) Stats() Stats {
	now := m.now()

	m.mu.Lock()
	queued := make([]QueuedURL, 0, len(m.queue))
	for _, q := range m.queue {
		queued = append(queued, QueuedURL{URL: q.key, QueuedForMS: now.Sub(q.queuedAt).Milliseconds()})
	}
	activeReqs := make([]ActiveRequest, 0, len(m.active))
	for url, startedAt := range m.active {
		activeReqs = append(activeReqs, ActiveRequest{URL: url, RuntimeMS: now.Sub(startedAt).Milliseconds()})
	}
	m.mu.Unlock()

	slices.SortFunc(activeReqs, func(a, b ActiveRequest) int { return strings.Compare(a.URL, b.URL) })

	m.completedMu.Lock()
	completed := slices.Clone(m.completed)
	m.completedMu.Unlock()

	return Stats{
		QueueLength:       len(queued),
		QueuedURLs:        queued,
		ActiveCount:       len(activeReqs),
		ActiveRequests:    activeReqs,
		MaxConcurrent:     m.maxConcurrent,
		RecentlyCompleted: completed,
		ErrorRate:         m.window.rate(),
		ErrorRateByPath:   m.window.rateByPath(),
		BackoffStates:     m.backoff.snapshot(),
	}
}

func (m *Manager) buildRequest(method, fullURL string, body io.Reader, header http.Header) (*http.Request, error) {
	ref, err := url.Parse(fullURL)
	if err != nil {
		return nil, fmt.Errorf("upstream: parse %q: %w", fullURL, err)
	}
	target := m.base.ResolveReference(ref)
	// The outbound call deliberately uses a background context: a client that
	// stops waiting must not abort a call whose result can still populate the
	// cache for future readers.
	req, err := http.NewRequestWithContext(context.Background(), method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	for name, values := range header {
		if isHopByHopHeader(name) {
			continue
		}
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}
	return req, nil
}

func (m *Manager) enqueue(ctx context.Context, key string, req *http.Request) (Result, error) {
	q := &queuedRequest{
		key:      key,
		req:      req,
		result:   make(chan fetchResult, 1),
		queuedAt: m.now(),
	}

	m.mu.Lock()
	m.queue = append(m.queue, q)
	m.metrics.SetQueueDepth(len(m.queue))
	m.mu.Unlock()

	go m.dispatch()

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case out := <-q.result:
		return out.res, out.err
	}
}

// dispatch drains the queue head while slots are free. The dispatching flag
// makes the trigger re-entrant-safe: concurrent completions and enqueues
// collapse into one draining pass.
func (m *Manager) dispatch() {
	m.mu.Lock()
	if m.dispatching {
		m.mu.Unlock()
		return
	}
	m.dispatching = true
	for len(m.queue) > 0 && len(m.active) < m.maxConcurrent {
		q := m.queue[0]
		m.queue = m.queue[1:]
		m.active[q.key] = m.now()
		m.metrics.SetQueueDepth(len(m.queue))
		m.metrics.SetActiveFetches(len(m.active))
		go m.execute(q)
	}
	m.dispatching = false
	m.mu.Unlock()
}

func (m *Manager) execute(q *queuedRequest) {
	start := m.now()
	res, err := m.do(q.req)
	end := m.now()
	runtime := end.Sub(start)

	success := err == nil
	res.Duration = runtime
	if success {
		m.backoff.recordSuccess(q.key)
		m.metrics.ObserveFetch(metrics.FetchSuccess, runtime)
	} else {
		m.window.record(q.key)
		m.backoff.recordFailure(q.key)
		m.metrics.ObserveFetch(metrics.FetchFailure, runtime)
		m.logger.Warn("upstream call failed",
			slog.String("url", q.key),
			slog.Duration("runtime", runtime),
			slog.Any("error", err))
	}

	m.completedMu.Lock()
	m.completed = slices.Insert(m.completed, 0, CompletedRequest{
		URL:         q.key,
		StartedAt:   start,
		CompletedAt: end,
		RuntimeMS:   runtime.Milliseconds(),
		Success:     success,
	})
	if len(m.completed) > completedRingSize {
		m.completed = m.completed[:completedRingSize]
	}
	m.completedMu.Unlock()

	m.mu.Lock()
	delete(m.active, q.key)
	m.metrics.SetActiveFetches(len(m.active))
	m.mu.Unlock()

	q.result <- fetchResult{res: res, err: err}
	m.dispatch()
}

// do performs the HTTP call. Statuses below 500 count as success so 4xx
// results reach the caller for caching; a 5xx, transport error, or timeout is
// a failure.
func (m *Manager) do(req *http.Request) (Result, error) {
	resp, err := m.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("upstream: request %s: %w", req.URL, err)
	}
	data, readErr := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit))
	closeErr := resp.Body.Close()
	if readErr != nil {
		return Result{}, fmt.Errorf("upstream: read %s: %w", req.URL, readErr)
	}
	if closeErr != nil {
		return Result{}, fmt.Errorf("upstream: close %s: %w", req.URL, closeErr)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return Result{}, fmt.Errorf("upstream: %s answered %d", req.URL, resp.StatusCode)
	}
	return Result{
		Status:  resp.StatusCode,
		Data:    data,
		Headers: captureResponseHeaders(resp.Header),
	}, nil
}

// captureResponseHeaders converts http.Header to a map[string]string, taking
// only the first value of each header and lowercasing header names.
func captureResponseHeaders(header http.Header) map[string]string {
	headers := make(map[string]string)
	for name, values := range header {
		if len(values) == 0 {
			continue
		}
		headers[strings.ToLower(name)] = values[0]
	}
	return headers
}

func isHopByHopHeader(name string) bool {
	switch http.CanonicalHeaderKey(name) {
	case "Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
		"Te", "Trailer", "Transfer-Encoding", "Upgrade":
		return true
	}
	return false
}

// IsUnavailable reports whether the error should surface as 503: backoff
// rejections, refused connections, DNS failures, and timeouts all mean the
// upstream cannot be reached right now.
func IsUnavailable(err error) bool {
	var be *BackoffError
	if errors.As(err, &be) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "context deadline exceeded")
}
