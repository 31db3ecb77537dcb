package module

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Health classifies a module's runtime health.
type Health string

// Module health states.
const (
	HealthActive        Health = "active"
	HealthFailed        Health = "failed"
	HealthCascadeFailed Health = "cascade_failed"
)

// State is the runtime state of one module: health from this process run,
// enabled persisted across runs.
type State struct {
	Health       Health `json:"health"`
	Enabled      bool   `json:"enabled"`
	FailurePhase string `json:"failure_phase,omitempty"`
	FailureError string `json:"failure_error,omitempty"`
}

// StateDB is the persistence surface for the enabled bit.
type StateDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// StateController owns the per-butler module runtime-state map. The daemon
// mutates it during startup and SetModuleEnabled; the tool-call gate reads
// single flags, so per-entry swaps under the lock are enough.
type StateController struct {
	db StateDB

	mu     sync.RWMutex
	states map[string]*State
}

// NewStateController creates a controller persisting to db. db may be nil
// in tests; toggles then live only in memory.
func NewStateController(db StateDB) *StateController {
	return &StateController{
		db:     db,
		states: make(map[string]*State),
	}
}

// LoadPersisted returns the persisted enabled flags from module_state.
func (c *StateController) LoadPersisted(ctx context.Context) (map[string]bool, error) {
	if c.db == nil {
		return map[string]bool{}, nil
	}

	rows, err := c.db.Query(ctx, `SELECT module_name, enabled FROM module_state`)
	if err != nil {
		return nil, fmt.Errorf("loading module state: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var name string
		var enabled bool
		if err := rows.Scan(&name, &enabled); err != nil {
			return nil, fmt.Errorf("scanning module state: %w", err)
		}
		out[name] = enabled
	}
	return out, rows.Err()
}

// MarkActive records a successful startup. enabled is the persisted state
// when one exists, otherwise true.
func (c *StateController) MarkActive(name string, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[name] = &State{Health: HealthActive, Enabled: enabled}
}

// MarkFailed records a startup failure with its phase and error text.
func (c *StateController) MarkFailed(name, phase string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[name] = &State{
		Health:       HealthFailed,
		Enabled:      false,
		FailurePhase: phase,
		FailureError: err.Error(),
	}
}

// MarkCascadeFailed records that a dependency of this module failed; the
// module itself never started.
func (c *StateController) MarkCascadeFailed(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[name] = &State{Health: HealthCascadeFailed, Enabled: false}
}

// States returns a read-only snapshot of every module's state.
func (c *StateController) States() map[string]State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]State, len(c.states))
	for name, st := range c.states {
		out[name] = *st
	}
	return out
}

// Get returns one module's state.
func (c *StateController) Get(name string) (State, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.states[name]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// IsCallable reports whether tools owned by name may execute: the module
// must be active and enabled. Unknown modules are callable — tools whose
// owner is absent from the state map are deliberately not gated.
func (c *StateController) IsCallable(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.states[name]
	if !ok {
		return true
	}
	return st.Health == HealthActive && st.Enabled
}

// SetModuleEnabled persists the enabled bit and swaps the in-memory entry.
// Fails with ErrUnknownModule for unregistered names and with
// ErrModuleUnavailable when the module's health is failed.
func (c *StateController) SetModuleEnabled(ctx context.Context, name string, enabled bool) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.states[name]
	if !ok {
		return State{}, fmt.Errorf("%w: %s", ErrUnknownModule, name)
	}
	if st.Health == HealthFailed {
		return State{}, fmt.Errorf("%w: %s (health=failed)", ErrModuleUnavailable, name)
	}

	if c.db != nil {
		_, err := c.db.Exec(ctx, `
			INSERT INTO module_state (module_name, enabled, updated_at)
			VALUES ($1, $2, now())
			ON CONFLICT (module_name) DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = now()`,
			name, enabled)
		if err != nil {
			return State{}, fmt.Errorf("persisting module state for %q: %w", name, err)
		}
	}

	updated := *st
	updated.Enabled = enabled
	c.states[name] = &updated

	slog.Info("Module toggled", "module", name, "enabled", enabled)
	return updated, nil
}
