package database

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolManager owns one pgx pool per butler database plus the shared-secret
// fallback pools. All pools are created at daemon start and destroyed at
// daemon stop; queries lease connections through the pool's acquire/release.
type PoolManager struct {
	settings Settings

	mu            sync.Mutex
	pools         map[string]*pgxpool.Pool
	fallbackOrder []string
}

// NewPoolManager creates an empty manager for the given settings.
func NewPoolManager(settings Settings) *PoolManager {
	return &PoolManager{
		settings: settings,
		pools:    make(map[string]*pgxpool.Pool),
	}
}

// Connect returns the pool for dbName, creating and ping-checking it on
// first use.
func (m *PoolManager) Connect(ctx context.Context, dbName string) (*pgxpool.Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectLocked(ctx, dbName)
}

func (m *PoolManager) connectLocked(ctx context.Context, dbName string) (*pgxpool.Pool, error) {
	if pool, ok := m.pools[dbName]; ok {
		return pool, nil
	}

	pool, err := pgxpool.New(ctx, m.settings.DSN(dbName))
	if err != nil {
		return nil, fmt.Errorf("creating pool for %q: %w", dbName, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging %q: %w", dbName, err)
	}

	m.pools[dbName] = pool
	slog.Info("Database pool created", "database", dbName)
	return pool, nil
}

// Pool returns an already-connected pool, or false.
func (m *PoolManager) Pool(dbName string) (*pgxpool.Pool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pool, ok := m.pools[dbName]
	return pool, ok
}

// ConnectFallbacks connects the shared and legacy shared databases and
// records them, in order, as the credential fallback chain. A legacy
// database that cannot be reached is skipped with a warning — old
// deployments may not have one.
func (m *PoolManager) ConnectFallbacks(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.connectLocked(ctx, m.settings.SharedDBName); err != nil {
		return fmt.Errorf("connecting shared database: %w", err)
	}
	m.fallbackOrder = []string{m.settings.SharedDBName}

	if m.settings.LegacySharedDBName != m.settings.SharedDBName {
		if _, err := m.connectLocked(ctx, m.settings.LegacySharedDBName); err != nil {
			slog.Warn("Legacy shared database unreachable, skipping fallback",
				"database", m.settings.LegacySharedDBName, "error", err)
		} else {
			m.fallbackOrder = append(m.fallbackOrder, m.settings.LegacySharedDBName)
		}
	}
	return nil
}

// SwitchboardDBName returns the database holding the central audit table.
func (m *PoolManager) SwitchboardDBName() string {
	return m.settings.SwitchboardDBName
}

// SharedPool returns the shared-secret pool, or nil before ConnectFallbacks.
func (m *PoolManager) SharedPool() *pgxpool.Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pools[m.settings.SharedDBName]
}

// FallbackPools returns the credential fallback pools in registration order.
func (m *PoolManager) FallbackPools() []*pgxpool.Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	pools := make([]*pgxpool.Pool, 0, len(m.fallbackOrder))
	for _, name := range m.fallbackOrder {
		if pool, ok := m.pools[name]; ok {
			pools = append(pools, pool)
		}
	}
	return pools
}

// Provision creates dbName on the server if it does not exist yet, going
// through the maintenance database. CREATE DATABASE cannot run inside a
// transaction, so existence is checked first.
func (m *PoolManager) Provision(ctx context.Context, dbName string) error {
	conn, err := pgx.Connect(ctx, m.settings.DSN("postgres"))
	if err != nil {
		return fmt.Errorf("connecting maintenance database: %w", err)
	}
	defer func() { _ = conn.Close(ctx) }()

	var exists bool
	err = conn.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)`, dbName).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking database %q: %w", dbName, err)
	}
	if exists {
		return nil
	}

	if _, err := conn.Exec(ctx, fmt.Sprintf(`CREATE DATABASE %s`, pgx.Identifier{dbName}.Sanitize())); err != nil {
		return fmt.Errorf("creating database %q: %w", dbName, err)
	}
	slog.Info("Database provisioned", "database", dbName)
	return nil
}

// Close destroys every pool. Called exactly once at daemon stop.
func (m *PoolManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, pool := range m.pools {
		pool.Close()
		delete(m.pools, name)
	}
	m.fallbackOrder = nil
}

// DSN exposes the resolved connection string for dbName (used by the
// migration runner, which opens its own short-lived connection).
func (m *PoolManager) DSN(dbName string) string {
	return m.settings.DSN(dbName)
}
