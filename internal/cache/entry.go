package cache

import (
	"slices"
	"time"
)

const durationRingSize = 25

// Entry is one immutable response snapshot. Entries are replaced wholesale on
// refresh; the duration ring is carried forward so per-key latency history
// survives replacements.
type Entry struct {
	Payload   []byte
	Headers   map[string]string
	Status    int
	FetchedAt time.Time
	TTL       time.Duration
	StaleTime time.Duration

	// Durations holds the most recent upstream call durations for this key,
	// oldest first, at most 25 elements.
	Durations []time.Duration
}

// Fresh reports whether the entry may still be served as a valid hit.
func (e *Entry) Fresh(now time.Time) bool {
	return now.Sub(e.FetchedAt) < e.TTL
}

// NeedsRefresh reports whether a valid entry has crossed its stale threshold
// and should trigger a background revalidation.
func (e *Entry) NeedsRefresh(now time.Time) bool {
	return now.Sub(e.FetchedAt) >= e.StaleTime
}

// AvgResponseMS is the arithmetic mean of the duration ring in milliseconds.
func (e *Entry) AvgResponseMS() float64 {
	if len(e.Durations) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range e.Durations {
		total += d
	}
	return float64(total.Milliseconds()) / float64(len(e.Durations))
}

// MaxResponseMS is the slowest duration in the ring in milliseconds.
func (e *Entry) MaxResponseMS() int64 {
	var longest time.Duration
	for _, d := range e.Durations {
		if d > longest {
			longest = d
		}
	}
	return longest.Milliseconds()
}

// appendDuration returns the ring extended by one sample, dropping the oldest
// past the cap.
func appendDuration(ring []time.Duration, d time.Duration) []time.Duration {
	out := append(slices.Clone(ring), d)
	if len(out) > durationRingSize {
		out = out[len(out)-durationRingSize:]
	}
	return out
}

func cloneEntry(in *Entry) *Entry {
	if in == nil {
		return nil
	}
	out := &Entry{
		Payload:   slices.Clone(in.Payload),
		Status:    in.Status,
		FetchedAt: in.FetchedAt,
		TTL:       in.TTL,
		StaleTime: in.StaleTime,
		Durations: slices.Clone(in.Durations),
	}
	if len(in.Headers) > 0 {
		out.Headers = make(map[string]string, len(in.Headers))
		for k, v := range in.Headers {
			out.Headers[k] = v
		}
	}
	return out
}
