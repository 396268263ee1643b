package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global
// config, defaults. Missing files are not errors; malformed JSON
// returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.dispatch/config.json
// Project: .dispatch/config.json (relative to cwd)
func LoadDefault() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	globalPath := filepath.Join(homeDir, ".dispatch", "config.json")
	projectPath := filepath.Join(".dispatch", "config.json")

	return Load(globalPath, projectPath)
}

// mergeConfigFile reads a JSON config file and merges it into the base
// config. Missing files are silently skipped. Malformed JSON returns an
// error.
func mergeConfigFile(base *Config, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	// Scalar sections replace wholesale when the file sets them.
	if loaded.Scheduler.MaxGlobalConcurrency > 0 {
		base.Scheduler = loaded.Scheduler
	}
	if loaded.Breaker.FailureThreshold > 0 {
		base.Breaker = loaded.Breaker
	}
	if loaded.History.Path != "" {
		base.History = loaded.History
	}
	if loaded.Cost != (CostHints{}) {
		base.Cost = loaded.Cost
	}

	// List sections replace by name/id; new entries append.
	if len(loaded.Agents) > 0 {
		base.Agents = mergeByKey(base.Agents, loaded.Agents,
			func(a AgentConfig) string { return a.ID })
	}
	if len(loaded.Providers) > 0 {
		base.Providers = mergeByKey(base.Providers, loaded.Providers,
			func(p ProviderConfig) string { return p.Name })
	}

	if len(loaded.Routing.Priority) > 0 {
		base.Routing.Priority = loaded.Routing.Priority
	}
	if len(loaded.Routing.CategoryPreferences) > 0 {
		if base.Routing.CategoryPreferences == nil {
			base.Routing.CategoryPreferences = map[string][]string{}
		}
		for category, order := range loaded.Routing.CategoryPreferences {
			base.Routing.CategoryPreferences[category] = order
		}
	}
	if loaded.Routing.Fallback != (FallbackPolicy{}) {
		base.Routing.Fallback = loaded.Routing.Fallback
	}

	return nil
}

// mergeByKey overwrites base entries whose key matches an override and
// appends the rest, preserving base order.
func mergeByKey[T any](base, overrides []T, key func(T) string) []T {
	index := make(map[string]int, len(base))
	for i, item := range base {
		index[key(item)] = i
	}

	merged := append([]T(nil), base...)
	for _, item := range overrides {
		if i, ok := index[key(item)]; ok {
			merged[i] = item
		} else {
			merged = append(merged, item)
		}
	}
	return merged
}

// Validate checks cross-references and bounds.
func (c *Config) Validate() error {
	if c.Scheduler.MaxGlobalConcurrency <= 0 {
		return fmt.Errorf("scheduler: max_global_concurrency must be positive")
	}

	seenAgents := map[string]bool{}
	for _, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agents: empty agent id")
		}
		if seenAgents[a.ID] {
			return fmt.Errorf("agents: duplicate agent id %q", a.ID)
		}
		seenAgents[a.ID] = true
		if a.MaxConcurrent <= 0 {
			return fmt.Errorf("agent %q: max_concurrent must be positive", a.ID)
		}
	}

	seenProviders := map[string]bool{}
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers: empty provider name")
		}
		if seenProviders[p.Name] {
			return fmt.Errorf("providers: duplicate provider name %q", p.Name)
		}
		seenProviders[p.Name] = true
	}

	for _, name := range c.Routing.Priority {
		if !seenProviders[name] {
			return fmt.Errorf("routing: priority references unknown provider %q", name)
		}
	}
	for category, order := range c.Routing.CategoryPreferences {
		for _, name := range order {
			if !seenProviders[name] {
				return fmt.Errorf("routing: category %q references unknown provider %q", category, name)
			}
		}
	}

	return nil
}
