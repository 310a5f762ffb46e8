package upstream

import (
	"fmt"
	"sync"
	"time"
)

const (
	backoffInitialDelay = 5 * time.Second
	backoffMaxDelay     = 300 * time.Second
)

// BackoffError reports a fetch rejected because its URL sits inside an active
// backoff window. Callers are expected to fall back to a cached entry.
type BackoffError struct {
	URL               string
	RetryAfter        time.Duration
	ConsecutiveErrors int
}

func (e *BackoffError) Error() string {
	return fmt.Sprintf("upstream: %s in backoff for %s after %d consecutive errors", e.URL, e.RetryAfter.Round(time.Millisecond), e.ConsecutiveErrors)
}

// backoffState tracks the suppression window for a single URL.
type backoffState struct {
	consecutiveErrors int
	currentDelay      time.Duration
	nextRetryAt       time.Time
}

// backoffTable keys exponential backoff state by full URL. First failure opens
// a 5 s window; each further consecutive failure doubles it up to 300 s; the
// first success deletes the state.
type backoffTable struct {
	mu     sync.Mutex
	states map[string]*backoffState
	now    func() time.Time
}

func newBackoffTable(now func() time.Time) *backoffTable {
	if now == nil {
		now = time.Now
	}
	return &backoffTable{states: make(map[string]*backoffState), now: now}
}

// check returns a BackoffError when the URL may not be attempted yet. A URL
// whose window has elapsed is allowed through as a probe; its state is only
// cleared by a success.
func (t *backoffTable) check(url string) *BackoffError {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.states[url]
	if !ok {
		return nil
	}
	remaining := state.nextRetryAt.Sub(t.now())
	if remaining <= 0 {
		return nil
	}
	return &BackoffError{
		URL:               url,
		RetryAfter:        remaining,
		ConsecutiveErrors: state.consecutiveErrors,
	}
}

func (t *backoffTable) recordFailure(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.states[url]
	if !ok {
		state = &backoffState{currentDelay: backoffInitialDelay}
		t.states[url] = state
	} else {
		state.currentDelay = min(state.currentDelay*2, backoffMaxDelay)
	}
	state.consecutiveErrors++
	state.nextRetryAt = t.now().Add(state.currentDelay)
}

func (t *backoffTable) recordSuccess(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, url)
}

// BackoffSnapshot is the read-view of a single URL's suppression window.
type BackoffSnapshot struct {
	ConsecutiveErrors int   `json:"consecutiveErrors"`
	CurrentDelayMS    int64 `json:"currentDelayMs"`
	NextRetryInMS     int64 `json:"nextRetryInMs"`
}

func (t *backoffTable) snapshot() map[string]BackoffSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]BackoffSnapshot, len(t.states))
	now := t.now()
	for url, state := range t.states {
		out[url] = BackoffSnapshot{
			ConsecutiveErrors: state.consecutiveErrors,
			CurrentDelayMS:    state.currentDelay.Milliseconds(),
			NextRetryInMS:     max(state.nextRetryAt.Sub(now).Milliseconds(), 0),
		}
	}
	return out
}
