package cache

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cushionproxy/cushion/internal/config"
	"github.com/cushionproxy/cushion/internal/expr"
	"github.com/cushionproxy/cushion/internal/metrics"
	"github.com/cushionproxy/cushion/internal/upstream"
)

const refreshQueueSize = 64

// Backend is the narrow surface the engine needs from the connection manager.
type Backend interface {
	Fetch(ctx context.Context, fullURL string) (upstream.Result, error)
}

// Notifier receives post-cache notifications and may veto storage. The plugin
// registry implements it; a nil Notifier disables both hooks.
type Notifier interface {
	NotifyResponse(path string, payload []byte)
	ShouldCache(path string, payload []byte) bool
}

// pendingFetch is the single in-flight future for a cache key. It resolves
// exactly once; waiters read entry/err only after done is closed.
type pendingFetch struct {
	done     chan struct{}
	queuedAt time.Time
	entry    *Entry
	err      error
}

// Engine serves cached response snapshots with three freshness tiers,
// coalesces concurrent demand per key, and revalidates stale entries through
// a background worker.
type Engine struct {
	logger   *slog.Logger
	metrics  *metrics.Recorder
	backend  Backend
	defaults config.CacheConfig

	policyMu sync.RWMutex
	policies config.PolicyBundle

	validator *validator
	notifier  Notifier

	mu      sync.Mutex
	entries map[string]*Entry
	hits    map[string]uint64
	misses  map[string]uint64

	pendingMu sync.Mutex
	pending   map[string]*pendingFetch

	staleMu         sync.Mutex
	staleRefreshing map[string]struct{}
	refreshCh       chan string

	now func() time.Time

	closeOnce sync.Once
	quit      chan struct{}
	workerWG  sync.WaitGroup
}

// Options carries the engine's collaborators and tuning.
type Options struct {
	Backend  Backend
	Defaults config.CacheConfig
	Policies config.PolicyBundle
	Notifier Notifier
	Metrics  *metrics.Recorder
	Clock    func() time.Time
}

// NewEngine builds the engine and starts its stale-refresh worker.
func NewEngine(logger *slog.Logger, opts Options) (*Engine, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, err
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	e := &Engine{
		logger:          logger.With(slog.String("component", "cache")),
		metrics:         opts.Metrics,
		backend:         opts.Backend,
		defaults:        opts.Defaults,
		validator:       newValidator(env),
		notifier:        opts.Notifier,
		entries:         make(map[string]*Entry),
		hits:            make(map[string]uint64),
		misses:          make(map[string]uint64),
		pending:         make(map[string]*pendingFetch),
		staleRefreshing: make(map[string]struct{}),
		refreshCh:       make(chan string, refreshQueueSize),
		now:             now,
		quit:            make(chan struct{}),
	}
	e.SetPolicies(opts.Policies)
	e.workerWG.Add(1)
	go e.refreshWorker()
	return e, nil
}

// Close stops the stale-refresh worker. Idempotent.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.quit)
		e.workerWG.Wait()
	})
}

// SetPolicies swaps the URL policy bundle. Entries already in the cache keep
// the TTL and stale time they snapshotted at insertion.
func (e *Engine) SetPolicies(bundle config.PolicyBundle) {
	e.policyMu.Lock()
	e.policies = bundle
	e.policyMu.Unlock()
	if err := e.validator.setPolicies(bundle.Policies); err != nil {
		e.logger.Warn("validate expression compile failed", slog.Any("error", err))
	}
}

// Policies returns the current policy bundle snapshot.
func (e *Engine) Policies() config.PolicyBundle {
	e.policyMu.RLock()
	defer e.policyMu.RUnlock()
	return e.policies
}

func (e *Engine) policyFor(path string) (config.URLPolicy, bool) {
	e.policyMu.RLock()
	defer e.policyMu.RUnlock()
	return e.policies.PolicyFor(path)
}

// Lookup returns the entry for the key iff it is within TTL, counting a hit or
// miss either way. A hit inside the stale window additionally schedules one
// background refresh for the key.
func (e *Engine) Lookup(fullURL string) (*Entry, bool) {
	now := e.now()

	e.mu.Lock()
	entry, ok := e.entries[fullURL]
	if !ok || !entry.Fresh(now) {
		e.misses[fullURL]++
		e.mu.Unlock()
		e.metrics.ObserveCache(pathOf(fullURL), metrics.CacheMiss)
		return nil, false
	}
	e.hits[fullURL]++
	stale := entry.NeedsRefresh(now)
	e.mu.Unlock()

	e.metrics.ObserveCache(pathOf(fullURL), metrics.CacheHit)
	if stale {
		e.scheduleRefresh(fullURL)
	}
	return entry, true
}

// peek returns the stored entry regardless of freshness, without counting.
func (e *Engine) peek(fullURL string) *Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.entries[fullURL]
}

// GetOrFetch is the primary client entry point: serve a fresh hit, otherwise
// join or start the coalesced fetch, racing it against the slow-request
// timeout. A prior entry, even expired, backs every failure path.
func (e *Engine) GetOrFetch(ctx context.Context, fullURL string) (*Entry, bool, error) {
	if entry, ok := e.Lookup(fullURL); ok {
		return entry, true, nil
	}

	prior := e.peek(fullURL)
	p := e.fetchAsync(fullURL)

	var slow <-chan time.Time
	if timeout := e.defaults.SlowRequestTimeout(); timeout > 0 && prior != nil {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		slow = timer.C
	}

	select {
	case <-p.done:
		if p.err != nil {
			if prior != nil {
				return prior, true, nil
			}
			return nil, false, p.err
		}
		return p.entry, false, nil
	case <-slow:
		// The upstream call keeps running; its result will land in the cache
		// for future readers.
		return prior, true, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// FetchFromBackend joins or starts the single in-flight fetch for the key and
// waits for it.
func (e *Engine) FetchFromBackend(ctx context.Context, fullURL string) (*Entry, error) {
	p := e.fetchAsync(fullURL)
	select {
	case <-p.done:
		return p.entry, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fetchAsync returns the pending fetch for the key, creating it when absent.
// At most one pendingFetch exists per key at any instant.
func (e *Engine) fetchAsync(fullURL string) *pendingFetch {
	e.pendingMu.Lock()
	if p, ok := e.pending[fullURL]; ok {
		e.pendingMu.Unlock()
		return p
	}
	p := &pendingFetch{done: make(chan struct{}), queuedAt: e.now()}
	e.pending[fullURL] = p
	e.pendingMu.Unlock()

	go e.runFetch(fullURL, p)
	return p
}

func (e *Engine) runFetch(fullURL string, p *pendingFetch) {
	res, err := e.backend.Fetch(context.Background(), fullURL)
	var entry *Entry
	if err == nil {
		entry, err = e.admit(fullURL, res)
	}

	// The key leaves the pending map before waiters observe the outcome so a
	// new fetch can start the moment this one resolves.
	e.pendingMu.Lock()
	delete(e.pending, fullURL)
	e.pendingMu.Unlock()

	p.entry, p.err = entry, err
	close(p.done)
}

// admit validates the response, stores the entry, and notifies plugins. A
// rejected response keeps any existing entry and never reaches the plugins.
func (e *Engine) admit(fullURL string, res upstream.Result) (*Entry, error) {
	path := pathOf(fullURL)
	policy, _ := e.policyFor(path)

	if err := e.validator.admit(policy, fullURL, path, res.Data); err != nil {
		e.metrics.ObserveCache(path, metrics.CacheRejected)
		return nil, err
	}
	if e.notifier != nil && !e.notifier.ShouldCache(path, res.Data) {
		e.metrics.ObserveCache(path, metrics.CacheRejected)
		return nil, &ValidationError{URL: fullURL, Reason: "plugin vetoed payload"}
	}

	entry := &Entry{
		Payload:   res.Data,
		Headers:   res.Headers,
		Status:    res.Status,
		FetchedAt: e.now(),
		TTL:       policy.TTL(e.defaults),
		StaleTime: policy.StaleTime(e.defaults),
	}

	e.mu.Lock()
	if prior := e.entries[fullURL]; prior != nil {
		entry.Durations = prior.Durations
	}
	entry.Durations = appendDuration(entry.Durations, res.Duration)
	e.entries[fullURL] = entry
	e.mu.Unlock()

	e.metrics.ObserveCache(path, metrics.CacheStored)
	if e.notifier != nil {
		go e.notifier.NotifyResponse(path, entry.Payload)
	}
	return entry, nil
}

// Store inserts an entry directly, resolving freshness from policy. Used by
// tests; the scheduler warms the cache through FetchFromBackend.
func (e *Engine) Store(fullURL string, payload []byte, headers map[string]string) {
	path := pathOf(fullURL)
	policy, _ := e.policyFor(path)
	entry := &Entry{
		Payload:   payload,
		Headers:   headers,
		Status:    200,
		FetchedAt: e.now(),
		TTL:       policy.TTL(e.defaults),
		StaleTime: policy.StaleTime(e.defaults),
	}
	e.mu.Lock()
	if prior := e.entries[fullURL]; prior != nil {
		entry.Durations = prior.Durations
	}
	e.entries[fullURL] = entry
	e.mu.Unlock()
}

// Clear wipes the entry map. Hit/miss counters and the connection manager's
// state survive.
func (e *Engine) Clear() {
	e.mu.Lock()
	e.entries = make(map[string]*Entry)
	e.mu.Unlock()
}

// Size returns the number of cached entries.
func (e *Engine) Size() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}

// scheduleRefresh hands the key to the background worker unless a refresh is
// already underway. Entry into the set is idempotent.
func (e *Engine) scheduleRefresh(fullURL string) {
	e.staleMu.Lock()
	if _, busy := e.staleRefreshing[fullURL]; busy {
		e.staleMu.Unlock()
		return
	}
	e.staleRefreshing[fullURL] = struct{}{}
	e.staleMu.Unlock()

	select {
	case e.refreshCh <- fullURL:
	default:
		// Queue full: give the slot back so a later lookup retries.
		e.staleMu.Lock()
		delete(e.staleRefreshing, fullURL)
		e.staleMu.Unlock()
		e.logger.Warn("stale refresh queue full, dropping", slog.String("url", fullURL))
	}
}

func (e *Engine) refreshWorker() {
	defer e.workerWG.Done()
	for {
		select {
		case <-e.quit:
			return
		case fullURL := <-e.refreshCh:
			e.refreshStale(fullURL)
		}
	}
}

// refreshStale revalidates one key. A failure never removes the current
// (stale but valid) entry.
func (e *Engine) refreshStale(fullURL string) {
	defer func() {
		e.staleMu.Lock()
		delete(e.staleRefreshing, fullURL)
		e.staleMu.Unlock()
	}()

	p := e.fetchAsync(fullURL)
	<-p.done
	if p.err != nil {
		e.logger.Debug("stale refresh failed",
			slog.String("url", fullURL),
			slog.Any("error", p.err))
	}
}

// pathOf strips the query string from a cache key for policy lookup and
// per-path accounting.
func pathOf(fullURL string) string {
	if parsed, err := url.Parse(fullURL); err == nil && parsed.Path != "" {
		return parsed.Path
	}
	return fullURL
}
