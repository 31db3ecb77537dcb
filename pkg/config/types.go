// Package config loads and validates butler.toml, the single configuration
// file every butler daemon starts from.
package config

import "time"

// ButlerConfig is the typed form of butler.toml.
type ButlerConfig struct {
	Name        string `toml:"name"`
	Port        int    `toml:"port"`
	Description string `toml:"description"`

	Runtime   RuntimeConfig             `toml:"runtime"`
	Scheduler SchedulerConfig           `toml:"scheduler"`
	Shutdown  ShutdownConfig            `toml:"shutdown"`
	Env       EnvConfig                 `toml:"env"`
	Modules   map[string]ModuleConfig   `toml:"modules"`
	DB        DBConfig                  `toml:"db"`
	Schedules map[string]ScheduleConfig `toml:"schedules"`
	Buffer    BufferConfig              `toml:"buffer"`
	Memory    MemoryConfig              `toml:"memory"`
	Heartbeat HeartbeatConfig           `toml:"heartbeat"`
	Log       LogConfig                 `toml:"log"`
}

// RuntimeConfig controls the LLM runtime adapter and session concurrency.
type RuntimeConfig struct {
	// Adapter selects the CLI runtime: "claude" or "gemini".
	Adapter string `toml:"adapter"`

	// Model is passed through to the runtime CLI when set.
	Model string `toml:"model"`

	// MaxConcurrentSessions bounds concurrently running LLM sessions.
	MaxConcurrentSessions int `toml:"max_concurrent_sessions"`

	// MaxTurns caps agentic turns per session.
	MaxTurns int `toml:"max_turns"`

	// SessionTimeoutS is the per-session wall clock budget, in seconds.
	SessionTimeoutS int `toml:"session_timeout_s"`
}

// SessionTimeout returns the session budget as a duration.
func (r RuntimeConfig) SessionTimeout() time.Duration {
	return time.Duration(r.SessionTimeoutS) * time.Second
}

// SchedulerConfig controls the cron schedule sync loop.
type SchedulerConfig struct {
	Enabled       bool `toml:"enabled"`
	SyncIntervalS int  `toml:"sync_interval_s"`
}

// ShutdownConfig controls graceful shutdown budgets.
type ShutdownConfig struct {
	// TimeoutS is the drain budget for in-flight sessions, in seconds.
	TimeoutS int `toml:"timeout_s"`
}

// Timeout returns the drain budget as a duration.
func (s ShutdownConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutS) * time.Second
}

// EnvConfig declares environment variables the butler itself needs.
type EnvConfig struct {
	Required []string `toml:"required"`
	Optional []string `toml:"optional"`
}

// ModuleConfig is the per-module block under [modules.<name>].
type ModuleConfig struct {
	// Enabled is the configured default; nil means enabled unless persisted
	// state says otherwise.
	Enabled *bool `toml:"enabled"`

	// Settings is the module's free-form configuration, validated against
	// the module's own schema at startup.
	Settings map[string]any `toml:"settings"`
}

// DBConfig names the databases this butler exclusively owns.
type DBConfig struct {
	// Name is the butler's primary database.
	Name string `toml:"name"`

	// Extra lists additional owned databases (rare).
	Extra []string `toml:"extra"`
}

// ScheduleConfig is one cron-like entry under [schedules.<name>].
type ScheduleConfig struct {
	Cron    string `toml:"cron"`
	Prompt  string `toml:"prompt"`
	Enabled bool   `toml:"enabled"`
}

// BufferConfig controls the durable buffer (switchboard routing queue).
type BufferConfig struct {
	WorkerCount      int `toml:"worker_count"`
	RingSize         int `toml:"ring_size"`
	ScannerIntervalS int `toml:"scanner_interval_s"`
	ScannerGraceS    int `toml:"scanner_grace_s"`
	ScannerBatchSize int `toml:"scanner_batch_size"`
}

// ScannerInterval returns the scanner period as a duration.
func (b BufferConfig) ScannerInterval() time.Duration {
	return time.Duration(b.ScannerIntervalS) * time.Second
}

// ScannerGrace returns the lease TTL / re-enqueue grace as a duration.
func (b BufferConfig) ScannerGrace() time.Duration {
	return time.Duration(b.ScannerGraceS) * time.Second
}

// MemoryConfig controls memory retrieval for session pre-fetch.
type MemoryConfig struct {
	Retrieval MemoryRetrievalConfig `toml:"retrieval"`
}

// MemoryRetrievalConfig bounds the memory context prepended to prompts.
type MemoryRetrievalConfig struct {
	ContextTokenBudget int `toml:"context_token_budget"`
}

// HeartbeatConfig controls the butler → switchboard liveness loop.
type HeartbeatConfig struct {
	IntervalSeconds int `toml:"interval_seconds"`
}

// Interval returns the liveness period as a duration.
func (h HeartbeatConfig) Interval() time.Duration {
	return time.Duration(h.IntervalSeconds) * time.Second
}

// LogConfig controls slog setup.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// IsEnabled reports the configured default for a module, treating an absent
// flag as enabled.
func (m ModuleConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}
