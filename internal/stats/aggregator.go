package stats

import (
	"time"

	"github.com/cushionproxy/cushion/internal/cache"
	"github.com/cushionproxy/cushion/internal/config"
	"github.com/cushionproxy/cushion/internal/upstream"
)

// CacheSource is the engine-side surface the aggregator reads.
type CacheSource interface {
	Stats() cache.Stats
	Policies() config.PolicyBundle
}

// UpstreamSource is the connection-manager-side surface the aggregator reads.
type UpstreamSource interface {
	Stats() upstream.Stats
	ErrorRate() float64
	ErrorRateByPath() map[string]float64
	BackoffStates() map[string]upstream.BackoffSnapshot
}

// CacheStats composes the engine snapshot with the manager's error and
// backoff views, matching the /cache/stats contract.
type CacheStats struct {
	Size            int                                 `json:"size"`
	Keys            map[string]cache.KeyStats           `json:"keys"`
	ErrorRate       float64                             `json:"errorRate"`
	ErrorRateByPath map[string]float64                  `json:"errorRateByPath"`
	BackoffStates   map[string]upstream.BackoffSnapshot `json:"backoffStates"`
}

// Health is the composed status document served at /health.
type Health struct {
	Status          string              `json:"status"`
	UptimeSeconds   int64               `json:"uptimeSeconds"`
	CacheSize       int                 `json:"cacheSize"`
	QueueLength     int                 `json:"queueLength"`
	ActiveFetches   int                 `json:"activeFetches"`
	BackoffPaths    int                 `json:"backoffPaths"`
	ErrorRate       float64             `json:"errorRate"`
	PolicySources   []string            `json:"policySources,omitempty"`
	SkippedPolicies []config.PolicySkip `json:"skippedPolicies,omitempty"`
}

// Aggregator is a pure read-view over the core components. Each snapshot is
// best-effort: consumers tolerate mildly inconsistent cross-component views.
type Aggregator struct {
	cache     CacheSource
	upstream  UpstreamSource
	startedAt time.Time
	now       func() time.Time
}

// New builds the aggregator. The clock is injectable for tests.
func New(cacheSource CacheSource, upstreamSource UpstreamSource, now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{
		cache:     cacheSource,
		upstream:  upstreamSource,
		startedAt: now(),
		now:       now,
	}
}

// Cache returns the composed cache statistics.
func (a *Aggregator) Cache() CacheStats {
	snapshot := a.cache.Stats()
	return CacheStats{
		Size:            snapshot.Size,
		Keys:            snapshot.Keys,
		ErrorRate:       a.upstream.ErrorRate(),
		ErrorRateByPath: a.upstream.ErrorRateByPath(),
		BackoffStates:   a.upstream.BackoffStates(),
	}
}

// Queue returns the connection manager's telemetry snapshot.
func (a *Aggregator) Queue() upstream.Stats {
	return a.upstream.Stats()
}

// Health composes the status document. The daemon reports degraded once any
// path sits in backoff.
func (a *Aggregator) Health() Health {
	cacheSnapshot := a.cache.Stats()
	queueSnapshot := a.upstream.Stats()
	bundle := a.cache.Policies()

	status := "ok"
	if len(queueSnapshot.BackoffStates) > 0 {
		status = "degraded"
	}
	return Health{
		Status:          status,
		UptimeSeconds:   int64(a.now().Sub(a.startedAt).Seconds()),
		CacheSize:       cacheSnapshot.Size,
		QueueLength:     queueSnapshot.QueueLength,
		ActiveFetches:   queueSnapshot.ActiveCount,
		BackoffPaths:    len(queueSnapshot.BackoffStates),
		ErrorRate:       queueSnapshot.ErrorRate,
		PolicySources:   bundle.Sources,
		SkippedPolicies: bundle.Skipped,
	}
}
