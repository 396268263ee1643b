package config

import "time"

// DefaultConfig returns the default configuration: a small local agent
// pool and a single disabled provider slot operators are expected to
// override.
func DefaultConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			MaxGlobalConcurrency: 4,
			MaxQueueSize:         0,
			RetentionLimit:       1000,
		},
		Agents: []AgentConfig{
			{ID: "agent-1", Capabilities: []string{"generation"}, MaxConcurrent: 2},
			{ID: "agent-2", Capabilities: []string{"analysis"}, MaxConcurrent: 2},
		},
		Providers: []ProviderConfig{
			{
				Name:       "local",
				Endpoint:   "http://localhost:11434/v1",
				Model:      "llama3",
				MaxRetries: 1,
				Timeout:    Duration(30 * time.Second),
				Enabled:    false,
			},
		},
		Routing: RoutingConfig{
			Priority: []string{"local"},
			Fallback: FallbackPolicy{
				EnableFallback:      true,
				FallbackOnError:     true,
				FallbackOnTimeout:   true,
				FallbackOnLowConf:   false,
				ConfidenceThreshold: 0.7,
			},
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  Duration(30 * time.Second),
			MonitorInterval:  Duration(time.Second),
		},
		History: HistoryConfig{},
	}
}
