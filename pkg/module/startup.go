package module

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Tzeusy/butlers/pkg/config"
	"github.com/Tzeusy/butlers/pkg/credstore"
)

// StartupError wraps a module startup failure. Cleanup of already-started
// modules has run by the time callers see it.
type StartupError struct {
	Module string
	Phase  string // "register_tools" or "on_startup"
	Err    error
}

// Error returns a formatted message
func (e *StartupError) Error() string {
	return fmt.Sprintf("module %q failed during %s: %v", e.Module, e.Phase, e.Err)
}

// Unwrap returns the underlying error
func (e *StartupError) Unwrap() error {
	return e.Err
}

// Runner starts and stops a butler's modules in dependency order.
type Runner struct {
	registry *Registry
	states   *StateController
	cfg      *config.ButlerConfig
	pool     *pgxpool.Pool
	creds    *credstore.Store

	started []Module // successful startups, in start order
}

// NewRunner creates a runner over the given registry and shared state.
func NewRunner(registry *Registry, states *StateController, cfg *config.ButlerConfig, pool *pgxpool.Pool, creds *credstore.Store) *Runner {
	return &Runner{
		registry: registry,
		states:   states,
		cfg:      cfg,
		pool:     pool,
		creds:    creds,
	}
}

// StartAll starts every registered module in topological order: validate
// settings, register tools through the gate, then run OnStartup.
//
// On failure the failed module is marked failed with its phase, every
// dependent is marked cascade_failed (their OnStartup never runs), cleanup
// runs over already-started modules in reverse order (their shutdown errors
// are swallowed), and the original error is re-raised as a StartupError.
func (r *Runner) StartAll(ctx context.Context, reg ToolRegistrar) error {
	order, err := r.registry.LoadOrder()
	if err != nil {
		return err
	}

	persisted, err := r.states.LoadPersisted(ctx)
	if err != nil {
		return err
	}

	skip := make(map[string]bool)

	for _, m := range order {
		name := m.Name()
		if skip[name] {
			continue
		}
		modCfg := r.cfg.Modules[name]

		if err := m.ConfigSchema().Validate(name, modCfg.Settings); err != nil {
			return r.fail(ctx, m, "config_schema", err, skip)
		}

		if err := m.RegisterTools(reg, modCfg, r.pool); err != nil {
			return r.fail(ctx, m, "register_tools", err, skip)
		}

		if err := m.OnStartup(ctx, modCfg, r.pool, r.creds); err != nil {
			return r.fail(ctx, m, "on_startup", err, skip)
		}

		enabled := modCfg.IsEnabled()
		if persistedEnabled, ok := persisted[name]; ok {
			enabled = persistedEnabled
		}
		r.states.MarkActive(name, enabled)
		r.started = append(r.started, m)
		slog.Info("Module started", "module", name, "enabled", enabled)
	}
	return nil
}

func (r *Runner) fail(ctx context.Context, m Module, phase string, cause error, skip map[string]bool) error {
	name := m.Name()
	r.states.MarkFailed(name, phase, cause)

	for _, dep := range r.registry.Dependents(name) {
		skip[dep] = true
		r.states.MarkCascadeFailed(dep)
		slog.Warn("Module cascade-failed", "module", dep, "failed_dependency", name)
	}

	// Clean up already-started modules in reverse order; their shutdown
	// errors are logged and swallowed so the original failure surfaces.
	r.ShutdownAll(ctx)

	return &StartupError{Module: name, Phase: phase, Err: cause}
}

// ShutdownAll stops started modules in reverse topological order. Errors
// are logged and swallowed. Safe to call when nothing started.
func (r *Runner) ShutdownAll(ctx context.Context) {
	for i := len(r.started) - 1; i >= 0; i-- {
		m := r.started[i]
		if err := m.OnShutdown(ctx); err != nil {
			slog.Error("Module shutdown failed", "module", m.Name(), "error", err)
		} else {
			slog.Info("Module stopped", "module", m.Name())
		}
	}
	r.started = nil
}
