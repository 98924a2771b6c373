package config

// PriorityWeights are the multipliers applied to each term of the
// priority score. All terms are non-negative before weighting.
type PriorityWeights struct {
	Base       float64 `json:"base"`       // Weight of the task's base priority
	Urgency    float64 `json:"urgency"`    // Weight of the deadline urgency band
	Dependency float64 `json:"dependency"` // Weight of the blocked-dependent boost
	Starvation float64 `json:"starvation"` // Weight of the wall-clock age boost
	Source     float64 `json:"source"`     // Weight of the provenance rank boost
}

// PoolConfig bounds the agent pool.
type PoolConfig struct {
	MinAgents          int      `json:"min_agents"`
	MaxAgents          int      `json:"max_agents"`
	AgentTypes         []string `json:"agent_types"`          // Capability tags spawned at startup
	HeartbeatTimeoutMS int      `json:"heartbeat_timeout_ms"` // Agents silent longer than this are stale
}

// DispatchConfig tunes the dispatcher loop.
type DispatchConfig struct {
	PollIntervalMS        int `json:"poll_interval_ms"`
	MaxConcurrent         int `json:"max_concurrent"`       // Concurrency permit pool size
	ExecutionTimeoutMS    int `json:"execution_timeout_ms"` // Per-task payload budget
	HealthCheckIntervalMS int `json:"health_check_interval_ms"`
	RecalcIntervalMS      int `json:"recalc_interval_ms"`   // Periodic priority refresh
	SnapshotIntervalMS    int `json:"snapshot_interval_ms"` // Counter snapshot cadence
}

// RetryConfig configures the dispatcher's retry queue backoff.
type RetryConfig struct {
	InitialIntervalMS   int     `json:"initial_interval_ms"`
	MaxIntervalMS       int     `json:"max_interval_ms"`
	Multiplier          float64 `json:"multiplier"`
	RandomizationFactor float64 `json:"randomization_factor"`
}

// GraphConfig tunes the dependency resolver.
type GraphConfig struct {
	CacheTTLMS int `json:"cache_ttl_ms"` // Unresolved-edge cache time-to-live
}

// TaskDefaults are applied to submissions that leave fields unset.
type TaskDefaults struct {
	MaxRetries      int `json:"max_retries"`
	MaxRemediations int `json:"max_remediations"`
}

// Config is the top-level configuration.
type Config struct {
	DBPath   string          `json:"db_path"`
	Weights  PriorityWeights `json:"weights"`
	Pool     PoolConfig      `json:"pool"`
	Dispatch DispatchConfig  `json:"dispatch"`
	Retry    RetryConfig     `json:"retry"`
	Graph    GraphConfig     `json:"graph"`
	Tasks    TaskDefaults    `json:"tasks"`
}
