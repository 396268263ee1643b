package config

import (
	"fmt"
	"time"
)

// Duration wraps time.Duration for JSON config values expressed as
// strings ("30s") or integer milliseconds.
type Duration time.Duration

// UnmarshalJSON accepts either a Go duration string or a number of
// milliseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		parsed, err := time.ParseDuration(s[1 : len(s)-1])
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}

	var ms int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return fmt.Errorf("invalid duration value %s", s)
		}
		ms = ms*10 + int64(c-'0')
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ProviderConfig defines one external provider reachable through the
// router. Providers are static configuration: loaded once, read-mostly.
type ProviderConfig struct {
	Name         string   `json:"name"`
	Endpoint     string   `json:"endpoint,omitempty"`
	APIKey       string   `json:"api_key,omitempty"`
	Model        string   `json:"model,omitempty"`
	MaxRetries   int      `json:"max_retries,omitempty"`
	Timeout      Duration `json:"timeout,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Enabled      bool     `json:"enabled"`
}

// FallbackPolicy controls when the router advances past a provider.
type FallbackPolicy struct {
	EnableFallback      bool    `json:"enable_fallback"`
	FallbackOnError     bool    `json:"fallback_on_error"`
	FallbackOnTimeout   bool    `json:"fallback_on_timeout"`
	FallbackOnLowConf   bool    `json:"fallback_on_low_confidence"`
	ConfidenceThreshold float64 `json:"confidence_threshold,omitempty"`

	// BestEffort returns the best low-confidence response retained
	// during routing instead of failing once every provider is
	// exhausted. Only meaningful with FallbackOnLowConf.
	BestEffort bool `json:"best_effort,omitempty"`
}

// RoutingConfig defines provider ordering for the router.
type RoutingConfig struct {
	// Priority is the global provider order, highest preference first.
	Priority []string `json:"priority"`

	// CategoryPreferences overrides Priority for specific request
	// categories.
	CategoryPreferences map[string][]string `json:"category_preferences,omitempty"`

	Fallback FallbackPolicy `json:"fallback"`
}

// AgentConfig defines one worker in the scheduler's pool.
type AgentConfig struct {
	ID            string   `json:"id"`
	Capabilities  []string `json:"capabilities,omitempty"`
	MaxConcurrent int      `json:"max_concurrent"`
}

// SchedulerConfig bounds the scheduler.
type SchedulerConfig struct {
	// MaxGlobalConcurrency caps tasks running at once across all agents.
	MaxGlobalConcurrency int `json:"max_global_concurrency"`

	// MaxQueueSize caps pending tasks; 0 means unbounded. Submissions
	// beyond the cap are rejected, never blocked or dropped.
	MaxQueueSize int `json:"max_queue_size,omitempty"`

	// RetentionLimit caps terminal (completed/failed) tasks kept in
	// memory; the oldest are evicted to the history archive. 0 means
	// unbounded.
	RetentionLimit int `json:"retention_limit,omitempty"`
}

// BreakerConfig configures the per-provider circuit breakers.
type BreakerConfig struct {
	FailureThreshold int      `json:"failure_threshold"`
	RecoveryTimeout  Duration `json:"recovery_timeout"`
	MonitorInterval  Duration `json:"monitor_interval,omitempty"`
}

// HistoryConfig configures the task history archive.
type HistoryConfig struct {
	// Path to the SQLite archive database. Empty disables archiving.
	Path string `json:"path,omitempty"`
}

// CostHints carry budget and caching hints consumed by collaborators.
// The core loads and exposes them but enforces nothing.
type CostHints struct {
	MonthlyBudgetUSD float64  `json:"monthly_budget_usd,omitempty"`
	PreferLocal      bool     `json:"prefer_local,omitempty"`
	CacheTTL         Duration `json:"cache_ttl,omitempty"`
}

// Config is the top-level configuration.
type Config struct {
	Scheduler SchedulerConfig  `json:"scheduler"`
	Agents    []AgentConfig    `json:"agents"`
	Providers []ProviderConfig `json:"providers"`
	Routing   RoutingConfig    `json:"routing"`
	Breaker   BreakerConfig    `json:"breaker"`
	History   HistoryConfig    `json:"history"`
	Cost      CostHints        `json:"cost,omitempty"`
}
