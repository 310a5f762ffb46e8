package plugins

import (
	"context"
	"fmt"
	"log/slog"
)

// Plugin receives post-cache notifications. OnResponse is fire-and-forget:
// errors and panics are swallowed by the registry and never reach the cache
// path.
type Plugin interface {
	Name() string
	Initialize() error
	OnResponse(path string, payload []byte)
	Shutdown(ctx context.Context) error
}

// Validator is the optional veto hook a plugin may implement to keep a
// response out of the cache.
type Validator interface {
	ShouldCache(path string, payload []byte) bool
}

// Registry fans notifications out to every initialized plugin and implements
// the cache engine's Notifier contract.
type Registry struct {
	logger  *slog.Logger
	plugins []Plugin
}

// NewRegistry wires the given plugins behind one dispatch surface.
func NewRegistry(logger *slog.Logger, plugins ...Plugin) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		logger:  logger.With(slog.String("component", "plugins")),
		plugins: plugins,
	}
}

// Initialize runs every plugin's Initialize hook. A failing plugin is dropped
// from dispatch rather than taking the daemon down.
func (r *Registry) Initialize() {
	kept := r.plugins[:0]
	for _, plugin := range r.plugins {
		if err := plugin.Initialize(); err != nil {
			r.logger.Error("plugin initialization failed, disabling",
				slog.String("plugin", plugin.Name()),
				slog.Any("error", err))
			continue
		}
		kept = append(kept, plugin)
	}
	r.plugins = kept
}

// NotifyResponse delivers the cached payload to every plugin, swallowing
// panics so one plugin cannot break another.
func (r *Registry) NotifyResponse(path string, payload []byte) {
	for _, plugin := range r.plugins {
		r.deliver(plugin, path, payload)
	}
}

func (r *Registry) deliver(plugin Plugin, path string, payload []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("plugin panicked",
				slog.String("plugin", plugin.Name()),
				slog.Any("panic", rec))
		}
	}()
	plugin.OnResponse(path, payload)
}

// ShouldCache consults every plugin that opted into validation; any veto
// rejects the response.
func (r *Registry) ShouldCache(path string, payload []byte) bool {
	for _, plugin := range r.plugins {
		validator, ok := plugin.(Validator)
		if !ok {
			continue
		}
		if !validator.ShouldCache(path, payload) {
			r.logger.Debug("plugin vetoed response",
				slog.String("plugin", plugin.Name()),
				slog.String("path", path))
			return false
		}
	}
	return true
}

// Shutdown stops every plugin, returning the first error encountered.
func (r *Registry) Shutdown(ctx context.Context) error {
	var firstErr error
	for _, plugin := range r.plugins {
		if err := plugin.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("plugins: shutdown %s: %w", plugin.Name(), err)
		}
	}
	return firstErr
}
