package cache

import "time"

// KeyStats is the per-key read-view used by the statistics surface.
type KeyStats struct {
	LastFetchTime time.Time `json:"lastFetchTime"`
	PayloadSize   int       `json:"payloadSize"`
	Hits          uint64    `json:"hits"`
	Misses        uint64    `json:"misses"`
	AvgResponseMS float64   `json:"avgResponseMs"`
	MaxResponseMS int64     `json:"maxResponseMs"`
}

// Stats is the cache engine's snapshot: entry count plus per-key counters and
// latency aggregates. Keys that were looked up but never stored appear with
// counters only.
type Stats struct {
	Size int                 `json:"size"`
	Keys map[string]KeyStats `json:"keys"`
}

// Stats assembles a best-effort snapshot without blocking writers for long.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	keys := make(map[string]KeyStats, len(e.entries))
	for url, entry := range e.entries {
		keys[url] = KeyStats{
			LastFetchTime: entry.FetchedAt,
			PayloadSize:   len(entry.Payload),
			Hits:          e.hits[url],
			Misses:        e.misses[url],
			AvgResponseMS: entry.AvgResponseMS(),
			MaxResponseMS: entry.MaxResponseMS(),
		}
	}
	for url, count := range e.hits {
		if _, ok := keys[url]; !ok {
			keys[url] = KeyStats{Hits: count, Misses: e.misses[url]}
		}
	}
	for url, count := range e.misses {
		if _, ok := keys[url]; !ok {
			keys[url] = KeyStats{Misses: count}
		}
	}
	return Stats{Size: len(e.entries), Keys: keys}
}
