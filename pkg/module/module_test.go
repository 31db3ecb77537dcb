package module

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tzeusy/butlers/pkg/config"
	"github.com/Tzeusy/butlers/pkg/credstore"
)

// fakeModule is a configurable test double for the Module contract.
type fakeModule struct {
	name       string
	deps       []string
	schema     Schema
	startErr   error
	starts     *[]string
	shutdowns  *[]string
	registered bool
}

func (m *fakeModule) Name() string            { return m.name }
func (m *fakeModule) ConfigSchema() Schema    { return m.schema }
func (m *fakeModule) Dependencies() []string  { return m.deps }
func (m *fakeModule) CredentialsEnv() []string { return nil }
func (m *fakeModule) MigrationChain() string  { return "" }

func (m *fakeModule) RegisterTools(reg ToolRegistrar, cfg config.ModuleConfig, pool *pgxpool.Pool) error {
	m.registered = true
	return nil
}

func (m *fakeModule) OnStartup(ctx context.Context, cfg config.ModuleConfig, pool *pgxpool.Pool, creds *credstore.Store) error {
	if m.starts != nil {
		*m.starts = append(*m.starts, m.name)
	}
	return m.startErr
}

func (m *fakeModule) OnShutdown(ctx context.Context) error {
	if m.shutdowns != nil {
		*m.shutdowns = append(*m.shutdowns, m.name)
	}
	return nil
}

// recordingRegistrar captures registered tools and exposes their handlers.
type recordingRegistrar struct {
	handlers map[string]ToolHandler
	owners   map[string]string
}

func newRecordingRegistrar() *recordingRegistrar {
	return &recordingRegistrar{
		handlers: make(map[string]ToolHandler),
		owners:   make(map[string]string),
	}
}

func (r *recordingRegistrar) RegisterTool(owner string, tool Tool, handler ToolHandler) {
	r.handlers[tool.Name] = handler
	r.owners[tool.Name] = owner
}

func TestLoadOrderTopological(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&fakeModule{name: "memory"}))
	require.NoError(t, reg.Register(&fakeModule{name: "contacts", deps: []string{"memory"}}))
	require.NoError(t, reg.Register(&fakeModule{name: "relationship", deps: []string{"contacts", "memory"}}))

	order, err := reg.LoadOrder()
	require.NoError(t, err)

	names := make([]string, len(order))
	for i, m := range order {
		names[i] = m.Name()
	}
	assert.Equal(t, []string{"memory", "contacts", "relationship"}, names)
}

func TestLoadOrderUnknownDependency(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&fakeModule{name: "trips", deps: []string{"geo"}}))

	_, err := reg.LoadOrder()
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrUnknownDependency)
}

func TestLoadOrderCycle(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&fakeModule{name: "a", deps: []string{"b"}}))
	require.NoError(t, reg.Register(&fakeModule{name: "b", deps: []string{"a"}}))

	_, err := reg.LoadOrder()
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrDependencyCycle)
}

func TestRegisterDuplicate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&fakeModule{name: "x"}))
	assert.Error(t, reg.Register(&fakeModule{name: "x"}))
}

func TestSchemaValidate(t *testing.T) {
	s := Schema{Fields: map[string]string{"poll_interval_s": "int"}}

	assert.NoError(t, s.Validate("mail", nil))
	assert.NoError(t, s.Validate("mail", map[string]any{"poll_interval_s": 30}))
	assert.Error(t, s.Validate("mail", map[string]any{"pol_interval_s": 30}))
}

func TestStateControllerToggle(t *testing.T) {
	states := NewStateController(nil)
	states.MarkActive("contacts", true)

	st, err := states.SetModuleEnabled(context.Background(), "contacts", false)
	require.NoError(t, err)
	assert.False(t, st.Enabled)
	assert.Equal(t, HealthActive, st.Health)

	_, err = states.SetModuleEnabled(context.Background(), "ghost", true)
	assert.ErrorIs(t, err, ErrUnknownModule)

	states.MarkFailed("broken", "on_startup", errors.New("boom"))
	_, err = states.SetModuleEnabled(context.Background(), "broken", true)
	assert.ErrorIs(t, err, ErrModuleUnavailable)
}

func TestGateBlocksDisabledModule(t *testing.T) {
	states := NewStateController(nil)
	states.MarkActive("contacts", true)

	inner := newRecordingRegistrar()
	gated := NewGatedRegistrar(inner, states)

	invoked := 0
	gated.RegisterTool("contacts", Tool{Name: "contacts_list"},
		func(ctx context.Context, args map[string]any) (map[string]any, error) {
			invoked++
			return map[string]any{"ok": true}, nil
		})

	handler := inner.handlers["contacts_list"]
	require.NotNil(t, handler)

	// Enabled: handler executes.
	out, err := handler(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, out)
	assert.Equal(t, 1, invoked)

	// Disabled: structured error, handler never runs.
	_, err = states.SetModuleEnabled(context.Background(), "contacts", false)
	require.NoError(t, err)

	out, err = handler(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "module_disabled", out["error"])
	assert.Equal(t, "contacts", out["module"])
	assert.Contains(t, out["message"], "disabled")
	assert.Equal(t, 1, invoked, "underlying handler must not execute")

	// Re-enabled: next call executes normally, no restart needed.
	_, err = states.SetModuleEnabled(context.Background(), "contacts", true)
	require.NoError(t, err)

	out, err = handler(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, out)
	assert.Equal(t, 2, invoked)
}

func TestGateSkipsCoreAndUnknownOwners(t *testing.T) {
	states := NewStateController(nil)
	inner := newRecordingRegistrar()
	gated := NewGatedRegistrar(inner, states)

	gated.RegisterTool("", Tool{Name: "trigger"},
		func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{"core": true}, nil
		})
	gated.RegisterTool("not_in_state_map", Tool{Name: "stray"},
		func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{"stray": true}, nil
		})

	out, err := inner.handlers["trigger"](context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"core": true}, out)

	// Owner absent from the state map: not gated (source behavior).
	out, err = inner.handlers["stray"](context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"stray": true}, out)
}

func TestStartAllCascadeAndCleanup(t *testing.T) {
	var starts, shutdowns []string

	a := &fakeModule{name: "a", starts: &starts, shutdowns: &shutdowns}
	b := &fakeModule{name: "b", starts: &starts, shutdowns: &shutdowns,
		startErr: errors.New("b exploded")}
	c := &fakeModule{name: "c", deps: []string{"b"}, starts: &starts, shutdowns: &shutdowns}

	reg := NewRegistry()
	require.NoError(t, reg.Register(a))
	require.NoError(t, reg.Register(b))
	require.NoError(t, reg.Register(c))

	states := NewStateController(nil)
	cfg := &config.ButlerConfig{Name: "test"}
	runner := NewRunner(reg, states, cfg, nil, credstore.New(nil))

	err := runner.StartAll(context.Background(), newRecordingRegistrar())
	require.Error(t, err)

	var startupErr *StartupError
	require.ErrorAs(t, err, &startupErr)
	assert.Equal(t, "b", startupErr.Module)
	assert.Equal(t, "on_startup", startupErr.Phase)

	// a started then was cleaned up exactly once; c never had OnStartup called.
	assert.Equal(t, []string{"a", "b"}, starts)
	assert.Equal(t, []string{"a"}, shutdowns)

	st, ok := states.Get("b")
	require.True(t, ok)
	assert.Equal(t, HealthFailed, st.Health)
	assert.Equal(t, "on_startup", st.FailurePhase)
	assert.Contains(t, st.FailureError, "b exploded")

	st, ok = states.Get("c")
	require.True(t, ok)
	assert.Equal(t, HealthCascadeFailed, st.Health)
}

func TestStartAllSuccess(t *testing.T) {
	var starts []string
	m1 := &fakeModule{name: "memory", starts: &starts}
	m2 := &fakeModule{name: "contacts", deps: []string{"memory"}, starts: &starts}

	reg := NewRegistry()
	require.NoError(t, reg.Register(m1))
	require.NoError(t, reg.Register(m2))

	states := NewStateController(nil)
	disabled := false
	cfg := &config.ButlerConfig{
		Name: "test",
		Modules: map[string]config.ModuleConfig{
			"contacts": {Enabled: &disabled},
		},
	}
	runner := NewRunner(reg, states, cfg, nil, credstore.New(nil))

	require.NoError(t, runner.StartAll(context.Background(), newRecordingRegistrar()))
	assert.Equal(t, []string{"memory", "contacts"}, starts)
	assert.True(t, m1.registered)
	assert.True(t, m2.registered)

	st, _ := states.Get("memory")
	assert.Equal(t, HealthActive, st.Health)
	assert.True(t, st.Enabled)

	st, _ = states.Get("contacts")
	assert.Equal(t, HealthActive, st.Health)
	assert.False(t, st.Enabled, "configured default carries through")
}
