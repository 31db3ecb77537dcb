// Package credstore resolves named secrets for a butler: local database
// first, then the shared/legacy fallback databases, then the environment.
//
// Secret values never appear in logs, in String() output, or in listing
// results — only metadata leaves this package.
package credstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrEmptyKey indicates a store call with a blank key.
	ErrEmptyKey = errors.New("secret key must not be empty")

	// ErrEmptyValue indicates a store call with a blank value.
	ErrEmptyValue = errors.New("secret value must not be empty")
)

// DB is the subset of pgxpool.Pool the store needs. Narrow so tests can
// substitute a fake and so an env-only store can run with no database.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is a butler's credential resolver.
type Store struct {
	local     DB
	fallbacks []DB // typically [shared, legacy], in priority order
}

// New creates a store over the local butler database and the fallback
// chain. Both may be empty; resolution then degrades to env-only.
func New(local DB, fallbacks ...DB) *Store {
	return &Store{local: local, fallbacks: fallbacks}
}

// String identifies the store without exposing any secret material.
func (s *Store) String() string {
	return fmt.Sprintf("credstore.Store(fallbacks=%d)", len(s.fallbacks))
}

// SecretMetadata describes a stored secret. It deliberately has no value
// field.
type SecretMetadata struct {
	Key         string     `json:"key"`
	Category    string     `json:"category"`
	Description string     `json:"description,omitempty"`
	IsSensitive bool       `json:"is_sensitive"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Source      string     `json:"source"`
}

// String identifies the secret without its value.
func (m SecretMetadata) String() string {
	return fmt.Sprintf("secret %q (category=%s, sensitive=%t)", m.Key, m.Category, m.IsSensitive)
}

// StoreOptions carries the optional fields of Store.
type StoreOptions struct {
	Category    string
	Description string
	IsSensitive bool
	ExpiresAt   *time.Time
}

// DefaultStoreOptions marks the secret sensitive in the general category.
func DefaultStoreOptions() StoreOptions {
	return StoreOptions{Category: "general", IsSensitive: true}
}

// Store upserts a secret into the local database. The key is
// whitespace-trimmed; empty key or value fails validation. The value is
// never logged.
func (s *Store) Store(ctx context.Context, key, value string, opts StoreOptions) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrEmptyKey
	}
	if value == "" {
		return ErrEmptyValue
	}
	if s.local == nil {
		return errors.New("credential store has no local database")
	}
	if opts.Category == "" {
		opts.Category = "general"
	}

	_, err := s.local.Exec(ctx, `
		INSERT INTO butler_secrets (key, value, category, description, is_sensitive, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			category = EXCLUDED.category,
			description = EXCLUDED.description,
			is_sensitive = EXCLUDED.is_sensitive,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()`,
		key, value, opts.Category, nilIfEmpty(opts.Description), opts.IsSensitive, opts.ExpiresAt)
	if err != nil {
		return fmt.Errorf("storing secret %q: %w", key, err)
	}
	slog.Info("Secret stored", "key", key, "category", opts.Category)
	return nil
}

// Load looks up a secret in the database chain only (local, then
// fallbacks); the environment is never consulted.
func (s *Store) Load(ctx context.Context, key string) (string, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", false, ErrEmptyKey
	}

	for _, db := range s.chain() {
		value, found, err := lookup(ctx, db, key)
		if err != nil {
			return "", false, err
		}
		if found {
			return value, true, nil
		}
	}
	return "", false, nil
}

// Resolve runs the full chain: local database, each fallback pool in
// registration order, then the environment variable of the same name (only
// when envFallback is true). Empty env values are treated as absent.
func (s *Store) Resolve(ctx context.Context, key string, envFallback bool) (string, bool, error) {
	value, found, err := s.Load(ctx, key)
	if err != nil {
		return "", false, err
	}
	if found {
		return value, true, nil
	}

	if envFallback {
		if v := os.Getenv(strings.TrimSpace(key)); v != "" {
			return v, true, nil
		}
	}
	return "", false, nil
}

// Has reports whether the key resolves through the database chain.
func (s *Store) Has(ctx context.Context, key string) (bool, error) {
	_, found, err := s.Load(ctx, key)
	return found, err
}

// Delete removes a secret from the local database and reports whether a row
// was affected.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, ErrEmptyKey
	}
	if s.local == nil {
		return false, nil
	}
	tag, err := s.local.Exec(ctx, `DELETE FROM butler_secrets WHERE key = $1`, key)
	if err != nil {
		return false, fmt.Errorf("deleting secret %q: %w", key, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListSecrets returns metadata for stored secrets, never raw values.
// category filters when non-empty. Fallback sources are included so
// operators can see where a key would resolve from.
func (s *Store) ListSecrets(ctx context.Context, category string) ([]SecretMetadata, error) {
	var out []SecretMetadata
	seen := make(map[string]bool)

	for i, db := range s.chain() {
		source := "local"
		if i > 0 {
			source = fmt.Sprintf("fallback[%d]", i-1)
		}

		rows, err := queryMetadata(ctx, db, category)
		if err != nil {
			return nil, err
		}
		for _, m := range rows {
			if seen[m.Key] {
				continue
			}
			seen[m.Key] = true
			m.Source = source
			out = append(out, m)
		}
	}
	return out, nil
}

// Backfill copies secrets from a legacy shared database into the local
// (new shared) database, touching only keys not already present. A missing
// source table is tolerated — old deployments may predate the store.
func (s *Store) Backfill(ctx context.Context, legacy DB) (int, error) {
	if s.local == nil || legacy == nil {
		return 0, nil
	}

	rows, err := legacy.Query(ctx,
		`SELECT key, value, category, COALESCE(description, ''), is_sensitive, expires_at
		 FROM butler_secrets`)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "42P01" { // undefined_table
			slog.Warn("Legacy secrets table missing, nothing to backfill")
			return 0, nil
		}
		return 0, fmt.Errorf("reading legacy secrets: %w", err)
	}
	defer rows.Close()

	copied := 0
	for rows.Next() {
		var (
			key, value, category, description string
			isSensitive                       bool
			expiresAt                         *time.Time
		)
		if err := rows.Scan(&key, &value, &category, &description, &isSensitive, &expiresAt); err != nil {
			return copied, fmt.Errorf("scanning legacy secret: %w", err)
		}

		tag, err := s.local.Exec(ctx, `
			INSERT INTO butler_secrets (key, value, category, description, is_sensitive, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (key) DO NOTHING`,
			key, value, category, nilIfEmpty(description), isSensitive, expiresAt)
		if err != nil {
			return copied, fmt.Errorf("backfilling secret %q: %w", key, err)
		}
		if tag.RowsAffected() > 0 {
			copied++
		}
	}
	if err := rows.Err(); err != nil {
		return copied, fmt.Errorf("iterating legacy secrets: %w", err)
	}

	slog.Info("Secret backfill complete", "copied", copied)
	return copied, nil
}

func (s *Store) chain() []DB {
	var chain []DB
	if s.local != nil {
		chain = append(chain, s.local)
	}
	chain = append(chain, s.fallbacks...)
	return chain
}

func lookup(ctx context.Context, db DB, key string) (string, bool, error) {
	var value string
	err := db.QueryRow(ctx,
		`SELECT value FROM butler_secrets
		 WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "42P01" {
			return "", false, nil
		}
		return "", false, fmt.Errorf("loading secret %q: %w", key, err)
	}
	return value, true, nil
}

func queryMetadata(ctx context.Context, db DB, category string) ([]SecretMetadata, error) {
	query := `SELECT key, category, COALESCE(description, ''), is_sensitive, expires_at, created_at, updated_at
		 FROM butler_secrets`
	var args []any
	if category != "" {
		query += ` WHERE category = $1`
		args = append(args, category)
	}
	query += ` ORDER BY key`

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "42P01" {
			return nil, nil
		}
		return nil, fmt.Errorf("listing secrets: %w", err)
	}
	defer rows.Close()

	var out []SecretMetadata
	for rows.Next() {
		var m SecretMetadata
		if err := rows.Scan(&m.Key, &m.Category, &m.Description, &m.IsSensitive,
			&m.ExpiresAt, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning secret metadata: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
