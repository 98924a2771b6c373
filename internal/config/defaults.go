package config

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DBPath: "", // Resolved by the caller, defaults to ~/.taskforge/taskforge.db
		Weights: PriorityWeights{
			Base:       10.0,
			Urgency:    1.0,
			Dependency: 1.0,
			Starvation: 1.0,
			Source:     1.0,
		},
		Pool: PoolConfig{
			MinAgents:          1,
			MaxAgents:          8,
			AgentTypes:         []string{"general"},
			HeartbeatTimeoutMS: 120_000,
		},
		Dispatch: DispatchConfig{
			PollIntervalMS:        500,
			MaxConcurrent:         4,
			ExecutionTimeoutMS:    3_600_000, // 1 hour
			HealthCheckIntervalMS: 30_000,
			RecalcIntervalMS:      30_000,
			SnapshotIntervalMS:    60_000,
		},
		Retry: RetryConfig{
			InitialIntervalMS:   1_000,
			MaxIntervalMS:       60_000,
			Multiplier:          2.0,
			RandomizationFactor: 0.5,
		},
		Graph: GraphConfig{
			CacheTTLMS: 5_000,
		},
		Tasks: TaskDefaults{
			MaxRetries:      3,
			MaxRemediations: 3,
		},
	}
}
