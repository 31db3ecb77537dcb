package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalTOML = `
name = "general"
description = "General-purpose butler"

[db]
name = "butler_general"
`

func TestParseMinimal(t *testing.T) {
	cfg, err := Parse([]byte(minimalTOML))
	require.NoError(t, err)

	assert.Equal(t, "general", cfg.Name)
	assert.Equal(t, "butler_general", cfg.DB.Name)

	// Defaults merged in
	assert.Equal(t, 8200, cfg.Port)
	assert.Equal(t, "claude", cfg.Runtime.Adapter)
	assert.Equal(t, 3, cfg.Runtime.MaxConcurrentSessions)
	assert.Equal(t, 20, cfg.Runtime.MaxTurns)
	assert.Equal(t, 30, cfg.Shutdown.TimeoutS)
	assert.Equal(t, 3000, cfg.Memory.Retrieval.ContextTokenBudget)
	assert.Equal(t, 120, cfg.Heartbeat.IntervalSeconds)
}

func TestParseOverrides(t *testing.T) {
	data := []byte(`
name = "switchboard"
port = 8201

[runtime]
adapter = "gemini"
model = "gemini-2.5-pro"
max_concurrent_sessions = 8

[db]
name = "butler_switchboard"

[buffer]
worker_count = 6
ring_size = 512

[schedules.morning-brief]
cron = "0 7 * * *"
prompt = "Summarise overnight messages."
enabled = true
`)
	cfg, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, 8201, cfg.Port)
	assert.Equal(t, "gemini", cfg.Runtime.Adapter)
	assert.Equal(t, "gemini-2.5-pro", cfg.Runtime.Model)
	assert.Equal(t, 8, cfg.Runtime.MaxConcurrentSessions)
	assert.Equal(t, 6, cfg.Buffer.WorkerCount)
	assert.Equal(t, 512, cfg.Buffer.RingSize)
	require.Contains(t, cfg.Schedules, "morning-brief")
	assert.Equal(t, "0 7 * * *", cfg.Schedules["morning-brief"].Cron)
	assert.True(t, cfg.IsSwitchboard())
}

func TestParseUnknownFieldRejected(t *testing.T) {
	data := []byte(`
name = "general"
prot = 9999

[db]
name = "butler_general"
`)
	_, err := Parse(data)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTOML)
}

func TestValidate(t *testing.T) {
	valid := func() *ButlerConfig {
		cfg, err := Parse([]byte(minimalTOML))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*ButlerConfig)
		wantErr error
	}{
		{
			name:   "valid",
			mutate: func(*ButlerConfig) {},
		},
		{
			name:    "missing name",
			mutate:  func(c *ButlerConfig) { c.Name = "" },
			wantErr: ErrMissingRequiredField,
		},
		{
			name:    "bad port",
			mutate:  func(c *ButlerConfig) { c.Port = -1 },
			wantErr: ErrInvalidValue,
		},
		{
			name:    "unknown adapter",
			mutate:  func(c *ButlerConfig) { c.Runtime.Adapter = "llamafile" },
			wantErr: ErrInvalidValue,
		},
		{
			name:    "zero concurrency",
			mutate:  func(c *ButlerConfig) { c.Runtime.MaxConcurrentSessions = 0 },
			wantErr: ErrInvalidValue,
		},
		{
			name:    "non-positive heartbeat",
			mutate:  func(c *ButlerConfig) { c.Heartbeat.IntervalSeconds = 0 },
			wantErr: ErrInvalidValue,
		},
		{
			name: "schedule without cron",
			mutate: func(c *ButlerConfig) {
				c.Schedules = map[string]ScheduleConfig{"x": {Prompt: "p"}}
			},
			wantErr: ErrMissingRequiredField,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)

			var agg *ValidationErrors
			assert.True(t, errors.As(err, &agg))
		})
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("BUTLER_TEST_MODEL", "claude-sonnet")

	out := ExpandEnv([]byte(`model = "{{.BUTLER_TEST_MODEL}}"`))
	assert.Equal(t, `model = "claude-sonnet"`, string(out))

	// Missing variables expand to empty, literal $ untouched.
	out = ExpandEnv([]byte(`pattern = "^no-reply@.*$" missing = "{{.BUTLER_TEST_NOPE}}"`))
	assert.Equal(t, `pattern = "^no-reply@.*$" missing = ""`, string(out))
}

func TestModuleConfigIsEnabled(t *testing.T) {
	var m ModuleConfig
	assert.True(t, m.IsEnabled(), "absent flag defaults to enabled")

	f := false
	m.Enabled = &f
	assert.False(t, m.IsEnabled())
}
