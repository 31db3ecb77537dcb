// Package database provides the shared PostgreSQL harness for integration
// tests. One container serves the whole test run; every test gets its own
// database with the migration chains it asks for already applied.
package database

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	butlersdb "github.com/Tzeusy/butlers/pkg/database"
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// Setup creates a fresh database for the test, applies the requested
// migration chains, and returns a pool connected to it. The database is
// dropped when the test finishes.
//
// CI points CI_DATABASE_URL at an external server; local runs share one
// testcontainer per package.
func Setup(t *testing.T, chains ...string) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	baseConnStr := getOrCreateSharedDatabase(t)
	dbName := generateDatabaseName(t)

	conn, err := pgx.Connect(ctx, baseConnStr)
	require.NoError(t, err)
	_, err = conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE %s", pgx.Identifier{dbName}.Sanitize()))
	require.NoError(t, err)
	require.NoError(t, conn.Close(ctx))

	dsn := replaceDatabase(t, baseConnStr, dbName)
	for _, chain := range chains {
		require.NoError(t, butlersdb.RunMigrations(dsn, chain), "applying chain %s", chain)
	}

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, pool.Ping(ctx))

	t.Cleanup(func() {
		pool.Close()
		dropCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		conn, err := pgx.Connect(dropCtx, baseConnStr)
		if err != nil {
			t.Logf("Warning: could not connect to drop %s: %v", dbName, err)
			return
		}
		defer func() { _ = conn.Close(dropCtx) }()
		if _, err := conn.Exec(dropCtx,
			fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)", pgx.Identifier{dbName}.Sanitize())); err != nil {
			t.Logf("Warning: failed to drop database %s: %v", dbName, err)
		}
	})

	return pool
}

// BaseConnectionString returns the shared server's connection string for
// tests that manage their own databases or connections.
func BaseConnectionString(t *testing.T) string {
	t.Helper()
	return getOrCreateSharedDatabase(t)
}

func getOrCreateSharedDatabase(t *testing.T) string {
	if ciDatabaseURL := os.Getenv("CI_DATABASE_URL"); ciDatabaseURL != "" {
		t.Log("Using external PostgreSQL from CI_DATABASE_URL")
		return ciDatabaseURL
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		t.Log("Starting shared PostgreSQL testcontainer")

		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("starting postgres container: %w", err)
			return
		}

		connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			containerErr = fmt.Errorf("resolving connection string: %w", err)
			return
		}
		sharedConnStr = connStr
	})

	require.NoError(t, containerErr, "shared test container unavailable")
	return sharedConnStr
}

// generateDatabaseName builds a unique, PostgreSQL-safe database name from
// the test name plus a random suffix.
func generateDatabaseName(t *testing.T) string {
	name := strings.ToLower(t.Name())
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
	if len(name) > 40 {
		name = name[:40]
	}

	randomBytes := make([]byte, 4)
	_, err := rand.Read(randomBytes)
	require.NoError(t, err)

	return fmt.Sprintf("test_%s_%s", name, hex.EncodeToString(randomBytes))
}

// replaceDatabase swaps the database path of a postgres URL.
func replaceDatabase(t *testing.T, connStr, dbName string) string {
	u, err := url.Parse(connStr)
	require.NoError(t, err)
	u.Path = "/" + dbName
	return u.String()
}
