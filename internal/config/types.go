package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds every daemon-level option plus the URL policies once the loader
// has merged inline and folder-sourced documents.
type Config struct {
	Backend BackendConfig     `koanf:"backend"`
	Proxy   ProxyConfig       `koanf:"proxy"`
	Cache   CacheConfig       `koanf:"cache"`
	Logging LoggingConfig     `koanf:"logging"`
	Plugins PluginsConfig     `koanf:"plugins"`
	URLs    URLPoliciesConfig `koanf:"urlPolicies"`

	InlinePolicies []URLPolicy `koanf:"-"`

	// Policies is the merged policy set after the loader resolves the inline
	// list against the configured documents folder.
	Policies []URLPolicy `koanf:"-"`
	// PolicySources records which files contributed policies once the loader
	// resolves the folder. Excluded from koanf so the value only reflects
	// runtime discovery rather than static input documents.
	PolicySources []string `koanf:"-"`
	// SkippedPolicies captures duplicate or otherwise invalid policies the
	// loader intentionally disabled. The health surface reports these so
	// operators know which documents were quarantined.
	SkippedPolicies []PolicySkip `koanf:"-"`
}

// BackendConfig points the connection manager at the fragile upstream.
type BackendConfig struct {
	URL                   string `koanf:"url"`
	MaxConcurrentRequests int    `koanf:"maxConcurrentRequests"`
}

// ProxyConfig instructs the HTTP listener about bind address and debug mode.
type ProxyConfig struct {
	Listen ListenConfig `koanf:"listen"`
	Debug  bool         `koanf:"debug"`
}

// ListenConfig carries the bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// CacheConfig holds the cache-wide freshness defaults.
type CacheConfig struct {
	DefaultTTLSeconds       int `koanf:"defaultTTL"`
	DefaultStaleTimeSeconds int `koanf:"defaultStaleTime"`
	SlowRequestTimeoutMS    int `koanf:"slowRequestTimeout"`
}

// DefaultTTL returns the cache-wide TTL as a duration.
func (c CacheConfig) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLSeconds) * time.Second
}

// DefaultStaleTime returns the cache-wide stale threshold as a duration.
func (c CacheConfig) DefaultStaleTime() time.Duration {
	return time.Duration(c.DefaultStaleTimeSeconds) * time.Second
}

// SlowRequestTimeout returns the slow-backend fallback window.
func (c CacheConfig) SlowRequestTimeout() time.Duration {
	return time.Duration(c.SlowRequestTimeoutMS) * time.Millisecond
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// PluginsConfig enumerates the built-in response plugins.
type PluginsConfig struct {
	Valkey ValkeyPluginConfig `koanf:"valkey"`
}

// ValkeyPluginConfig configures the message-bus forwarder plugin.
type ValkeyPluginConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Address  string `koanf:"address"`
	Channel  string `koanf:"channel"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// URLPoliciesConfig announces how per-path policies are sourced.
type URLPoliciesConfig struct {
	Folder string      `koanf:"folder"`
	Paths  []URLPolicy `koanf:"paths"`
}

// URLPolicy declares per-path freshness, polling, and validation behavior.
// CacheTTL and StaleTime are pointers so an omitted value falls back to the
// cache defaults while an explicit zero stays zero.
type URLPolicy struct {
	Path                string `koanf:"path"`
	PollIntervalSeconds int    `koanf:"pollInterval"`
	CacheTTLSeconds     *int   `koanf:"cacheTTL"`
	StaleTimeSeconds    *int   `koanf:"staleTime"`
	Content             string `koanf:"content"`
	Validate            string `koanf:"validate"`
}

// Content kinds that activate the built-in response guards.
const (
	ContentJSON = "json"
	ContentCSV  = "csv"
)

// PollInterval returns the polling period, zero when the path is not polled.
func (p URLPolicy) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalSeconds) * time.Second
}

// Polled reports whether the scheduler should keep this path warm.
func (p URLPolicy) Polled() bool { return p.PollIntervalSeconds > 0 }

// TTL resolves the entry TTL against the cache defaults.
func (p URLPolicy) TTL(defaults CacheConfig) time.Duration {
	if p.CacheTTLSeconds != nil {
		return time.Duration(*p.CacheTTLSeconds) * time.Second
	}
	return defaults.DefaultTTL()
}

// StaleTime resolves the stale threshold against the cache defaults.
func (p URLPolicy) StaleTime(defaults CacheConfig) time.Duration {
	if p.StaleTimeSeconds != nil {
		return time.Duration(*p.StaleTimeSeconds) * time.Second
	}
	return defaults.DefaultStaleTime()
}

// PolicySkip describes a policy document entry the loader intentionally
// ignored because it violated invariants (for example duplicate paths across
// files).
type PolicySkip struct {
	Path    string   `json:"path"`
	Reason  string   `json:"reason"`
	Sources []string `json:"sources"`
}

// Validate enforces invariants that keep the daemon predictable before it
// starts serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if strings.TrimSpace(c.Backend.URL) == "" {
		return errors.New("config: backend.url required")
	}
	parsed, err := url.Parse(c.Backend.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("config: backend.url invalid: %s", c.Backend.URL)
	}
	if c.Backend.MaxConcurrentRequests < 1 {
		return fmt.Errorf("config: backend.maxConcurrentRequests invalid: %d", c.Backend.MaxConcurrentRequests)
	}
	if c.Proxy.Listen.Port <= 0 || c.Proxy.Listen.Port > 65535 {
		return fmt.Errorf("config: proxy.listen.port invalid: %d", c.Proxy.Listen.Port)
	}
	if c.Cache.DefaultTTLSeconds < 0 {
		return fmt.Errorf("config: cache.defaultTTL invalid: %d", c.Cache.DefaultTTLSeconds)
	}
	if c.Cache.DefaultStaleTimeSeconds < 0 || c.Cache.DefaultStaleTimeSeconds > c.Cache.DefaultTTLSeconds {
		return fmt.Errorf("config: cache.defaultStaleTime must lie within [0, defaultTTL], got %d", c.Cache.DefaultStaleTimeSeconds)
	}
	if c.Cache.SlowRequestTimeoutMS < 0 {
		return fmt.Errorf("config: cache.slowRequestTimeout invalid: %d", c.Cache.SlowRequestTimeoutMS)
	}
	if c.Plugins.Valkey.Enabled && strings.TrimSpace(c.Plugins.Valkey.Address) == "" {
		return errors.New("config: plugins.valkey.address required when enabled")
	}
	for i, policy := range c.URLs.Paths {
		if err := validatePolicy(policy, c.Cache); err != nil {
			return fmt.Errorf("config: urlPolicies.paths[%d]: %w", i, err)
		}
	}
	return nil
}

func validatePolicy(p URLPolicy, defaults CacheConfig) error {
	path := strings.TrimSpace(p.Path)
	if path == "" {
		return errors.New("path required")
	}
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("path must start with /: %s", p.Path)
	}
	if p.PollIntervalSeconds < 0 {
		return fmt.Errorf("pollInterval invalid: %d", p.PollIntervalSeconds)
	}
	if p.CacheTTLSeconds != nil && *p.CacheTTLSeconds < 0 {
		return fmt.Errorf("cacheTTL invalid: %d", *p.CacheTTLSeconds)
	}
	if p.StaleTimeSeconds != nil && *p.StaleTimeSeconds < 0 {
		return fmt.Errorf("staleTime invalid: %d", *p.StaleTimeSeconds)
	}
	if p.StaleTime(defaults) > p.TTL(defaults) {
		return fmt.Errorf("staleTime %s exceeds cacheTTL %s", p.StaleTime(defaults), p.TTL(defaults))
	}
	switch p.Content {
	case "", ContentJSON, ContentCSV:
	default:
		return fmt.Errorf("content unsupported: %s", p.Content)
	}
	return nil
}

// DefaultConfig returns the baseline values that align with the design defaults.
func DefaultConfig() Config {
	return Config{
		Backend: BackendConfig{
			MaxConcurrentRequests: 2,
		},
		Proxy: ProxyConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
		},
		Cache: CacheConfig{
			DefaultTTLSeconds:       60,
			DefaultStaleTimeSeconds: 30,
			SlowRequestTimeoutMS:    2000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Plugins: PluginsConfig{
			Valkey: ValkeyPluginConfig{
				Address: "localhost:6379",
				Channel: "cushion.responses",
			},
		},
	}
}
