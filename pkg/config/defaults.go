package config

// DefaultConfig returns the built-in defaults merged under every loaded
// butler.toml. Values mirror what a single-butler deployment needs out of
// the box; production configs override per butler.
func DefaultConfig() *ButlerConfig {
	return &ButlerConfig{
		Port: 8200,
		Runtime: RuntimeConfig{
			Adapter:               "claude",
			MaxConcurrentSessions: 3,
			MaxTurns:              20,
			SessionTimeoutS:       900,
		},
		Scheduler: SchedulerConfig{
			Enabled:       true,
			SyncIntervalS: 300,
		},
		Shutdown: ShutdownConfig{
			TimeoutS: 30,
		},
		Buffer: BufferConfig{
			WorkerCount:      4,
			RingSize:         256,
			ScannerIntervalS: 30,
			ScannerGraceS:    120,
			ScannerBatchSize: 50,
		},
		Memory: MemoryConfig{
			Retrieval: MemoryRetrievalConfig{
				ContextTokenBudget: 3000,
			},
		},
		Heartbeat: HeartbeatConfig{
			IntervalSeconds: 120,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
