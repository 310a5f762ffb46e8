package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot using the documented precedence rules,
// then resolves the URL policy bundle from the inline list and the optional
// documents folder.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"backend.maxconcurrentrequests": "backend.maxConcurrentRequests",
			"cache.defaultttl":              "cache.defaultTTL",
			"cache.defaultstaletime":        "cache.defaultStaleTime",
			"cache.slowrequesttimeout":      "cache.slowRequestTimeout",
			"urlpolicies.folder":            "urlPolicies.folder",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (BACKEND__URL -> backend.url).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			// Single underscores are removed so LISTEN_PORT collapses into
			// listenport when callers choose not to use double underscores for
			// object nesting.
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.InlinePolicies = clonePolicies(cfg.URLs.Paths)

	bundle, err := buildPolicyBundle(ctx, cfg.InlinePolicies, cfg.URLs.Folder, cfg.Cache)
	if err != nil {
		return Config{}, err
	}
	cfg.Policies = bundle.Policies
	cfg.PolicySources = bundle.Sources
	cfg.SkippedPolicies = bundle.Skipped
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"backend": map[string]any{
			"url":                   cfg.Backend.URL,
			"maxConcurrentRequests": cfg.Backend.MaxConcurrentRequests,
		},
		"proxy": map[string]any{
			"listen": map[string]any{
				"address": cfg.Proxy.Listen.Address,
				"port":    cfg.Proxy.Listen.Port,
			},
			"debug": cfg.Proxy.Debug,
		},
		"cache": map[string]any{
			"defaultTTL":         cfg.Cache.DefaultTTLSeconds,
			"defaultStaleTime":   cfg.Cache.DefaultStaleTimeSeconds,
			"slowRequestTimeout": cfg.Cache.SlowRequestTimeoutMS,
		},
		"logging": map[string]any{
			"level":  cfg.Logging.Level,
			"format": cfg.Logging.Format,
		},
		"plugins": map[string]any{
			"valkey": map[string]any{
				"enabled":  cfg.Plugins.Valkey.Enabled,
				"address":  cfg.Plugins.Valkey.Address,
				"channel":  cfg.Plugins.Valkey.Channel,
				"username": cfg.Plugins.Valkey.Username,
				"password": cfg.Plugins.Valkey.Password,
				"db":       cfg.Plugins.Valkey.DB,
			},
		},
		"urlPolicies": map[string]any{
			"folder": cfg.URLs.Folder,
		},
	}
}

func clonePolicies(in []URLPolicy) []URLPolicy {
	if in == nil {
		return nil
	}
	out := make([]URLPolicy, len(in))
	for i, p := range in {
		out[i] = cloneURLPolicy(p)
	}
	return out
}

func cloneURLPolicy(p URLPolicy) URLPolicy {
	clone := p
	if p.CacheTTLSeconds != nil {
		v := *p.CacheTTLSeconds
		clone.CacheTTLSeconds = &v
	}
	if p.StaleTimeSeconds != nil {
		v := *p.StaleTimeSeconds
		clone.StaleTimeSeconds = &v
	}
	return clone
}
