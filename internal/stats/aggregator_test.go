package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cushionproxy/cushion/internal/cache"
	"github.com/cushionproxy/cushion/internal/config"
	"github.com/cushionproxy/cushion/internal/upstream"
)

type fakeCacheSource struct {
	stats    cache.Stats
	policies config.PolicyBundle
}

func (f *fakeCacheSource) Stats() cache.Stats            { return f.stats }
func (f *fakeCacheSource) Policies() config.PolicyBundle { return f.policies }

type fakeUpstreamSource struct {
	stats upstream.Stats
}

func (f *fakeUpstreamSource) Stats() upstream.Stats { return f.stats }
func (f *fakeUpstreamSource) ErrorRate() float64    { return f.stats.ErrorRate }
func (f *fakeUpstreamSource) ErrorRateByPath() map[string]float64 {
	return f.stats.ErrorRateByPath
}
func (f *fakeUpstreamSource) BackoffStates() map[string]upstream.BackoffSnapshot {
	return f.stats.BackoffStates
}

func TestCacheStatsComposition(t *testing.T) {
	cacheSource := &fakeCacheSource{
		stats: cache.Stats{
			Size: 2,
			Keys: map[string]cache.KeyStats{"/a": {Hits: 3}},
		},
	}
	upstreamSource := &fakeUpstreamSource{
		stats: upstream.Stats{
			ErrorRate:       0.4,
			ErrorRateByPath: map[string]float64{"/a": 0.4},
			BackoffStates:   map[string]upstream.BackoffSnapshot{"/a": {ConsecutiveErrors: 2}},
		},
	}
	agg := New(cacheSource, upstreamSource, nil)

	composed := agg.Cache()
	require.Equal(t, 2, composed.Size)
	require.Equal(t, uint64(3), composed.Keys["/a"].Hits)
	require.Equal(t, 0.4, composed.ErrorRate)
	require.Equal(t, 2, composed.BackoffStates["/a"].ConsecutiveErrors)
}

func TestHealthStatusDegradesOnBackoff(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := clock
	tick := func() time.Time { return now }

	cacheSource := &fakeCacheSource{
		stats:    cache.Stats{Size: 1},
		policies: config.PolicyBundle{Sources: []string{"inline-config"}},
	}
	upstreamSource := &fakeUpstreamSource{stats: upstream.Stats{QueueLength: 3, ActiveCount: 1}}
	agg := New(cacheSource, upstreamSource, tick)

	now = clock.Add(90 * time.Second)
	health := agg.Health()
	require.Equal(t, "ok", health.Status)
	require.Equal(t, int64(90), health.UptimeSeconds)
	require.Equal(t, 1, health.CacheSize)
	require.Equal(t, 3, health.QueueLength)
	require.Equal(t, 1, health.ActiveFetches)
	require.Equal(t, []string{"inline-config"}, health.PolicySources)

	upstreamSource.stats.BackoffStates = map[string]upstream.BackoffSnapshot{"/x": {}}
	health = agg.Health()
	require.Equal(t, "degraded", health.Status)
	require.Equal(t, 1, health.BackoffPaths)
}
