package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cushionproxy/cushion/internal/cache"
	"github.com/cushionproxy/cushion/internal/config"
)

// Engine is the cache surface the scheduler drives.
type Engine interface {
	FetchFromBackend(ctx context.Context, fullURL string) (*cache.Entry, error)
}

// Backoff reports whether a URL currently sits inside a backoff window.
type Backoff interface {
	InBackoff(fullURL string) bool
}

// Scheduler keeps polled paths warm without client pressure: one independent
// ticker per path, arbitrated by the connection manager's concurrency cap.
type Scheduler struct {
	logger  *slog.Logger
	engine  Engine
	backoff Backoff

	mu       sync.Mutex
	policies []config.URLPolicy
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New builds a scheduler over the polled subset of the policy bundle.
func New(logger *slog.Logger, engine Engine, backoff Backoff, policies []config.URLPolicy) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	polled := make([]config.URLPolicy, 0, len(policies))
	for _, policy := range policies {
		if policy.Polled() {
			polled = append(polled, policy)
		}
	}
	return &Scheduler{
		logger:   logger.With(slog.String("component", "scheduler")),
		engine:   engine,
		backoff:  backoff,
		policies: polled,
	}
}

// WarmCache issues one fetch per polled path in parallel. Failures are logged,
// never fatal.
func (s *Scheduler) WarmCache(ctx context.Context) {
	s.mu.Lock()
	policies := s.policies
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, policy := range policies {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			if _, err := s.engine.FetchFromBackend(ctx, path); err != nil {
				s.logger.Warn("cache warm failed", slog.String("path", path), slog.Any("error", err))
			}
		}(policy.Path)
	}
	wg.Wait()
}

// Start launches one recurring ticker per polled path. A slow poll for one
// path never delays another.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	for _, policy := range s.policies {
		s.wg.Add(1)
		go s.poll(runCtx, policy.Path, policy.PollInterval())
	}
	s.logger.Info("polling started", slog.Int("paths", len(s.policies)))
}

func (s *Scheduler) poll(ctx context.Context, path string, interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, path)
		}
	}
}

// tick refreshes one path, skipping silently while its URL is in backoff.
func (s *Scheduler) tick(ctx context.Context, path string) {
	if s.backoff != nil && s.backoff.InBackoff(path) {
		s.logger.Debug("poll skipped, path in backoff", slog.String("path", path))
		return
	}
	if _, err := s.engine.FetchFromBackend(ctx, path); err != nil {
		s.logger.Debug("poll fetch failed", slog.String("path", path), slog.Any("error", err))
	}
}

// Stop cancels all tickers and waits for them to exit. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info("polling stopped")
}
