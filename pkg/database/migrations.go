package database

import (
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql
)

//go:embed migrations
var migrationsFS embed.FS

// ErrUnknownChain indicates a migration chain name with no embedded files.
var ErrUnknownChain = errors.New("unknown migration chain")

// RunMigrations applies the named chain against dsn idempotently.
//
// Chains are directories under migrations/ embedded into the binary, each a
// linear history of NNNN_name.up.sql / NNNN_name.down.sql pairs with every
// DDL statement guarded (IF NOT EXISTS / IF EXISTS). Each chain tracks its
// own revision in a chain-scoped schema_migrations table so core and module
// chains can share a database without clashing.
func RunMigrations(dsn, chain string) error {
	if ok, err := chainExists(chain); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChain, chain)
	}

	// The migration runner opens its own short-lived connection; pools stay
	// untouched.
	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("opening migration connection: %w", err)
	}
	defer func() { _ = db.Close() }()

	driver, err := postgres.WithInstance(db, &postgres.Config{
		MigrationsTable: "schema_migrations_" + chain,
	})
	if err != nil {
		return fmt.Errorf("creating postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations/"+chain)
	if err != nil {
		return fmt.Errorf("creating migration source for %q: %w", chain, err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, chain, driver)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("applying chain %q: %w", chain, err)
	}

	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("closing migration source: %w", err)
	}

	slog.Info("Migrations applied", "chain", chain)
	return nil
}

// Chains returns the embedded chain names.
func Chains() ([]string, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("reading embedded migrations: %w", err)
	}
	var chains []string
	for _, e := range entries {
		if e.IsDir() {
			chains = append(chains, e.Name())
		}
	}
	return chains, nil
}

func chainExists(chain string) (bool, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations/"+chain)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("reading chain %q: %w", chain, err)
	}
	for _, e := range entries {
		if !e.IsDir() && len(e.Name()) > 4 && e.Name()[len(e.Name())-4:] == ".sql" {
			return true, nil
		}
	}
	return false, nil
}
