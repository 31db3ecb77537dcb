package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// RegistryDB is the slice of a connection pool the registry needs.
type RegistryDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGRegistry reads and writes butler_registry on the switchboard database.
type PGRegistry struct {
	db RegistryDB
}

// NewPGRegistry wraps db.
func NewPGRegistry(db RegistryDB) *PGRegistry {
	return &PGRegistry{db: db}
}

// Lookup returns the registration for a butler, or found=false.
func (r *PGRegistry) Lookup(ctx context.Context, name string) (ButlerRegistration, bool, error) {
	var reg ButlerRegistration
	err := r.db.QueryRow(ctx, `
		SELECT butler_name, description, endpoint_url, eligibility_state
		FROM butler_registry WHERE butler_name = $1`, name).
		Scan(&reg.Name, &reg.Description, &reg.EndpointURL, &reg.EligibilityState)
	if errors.Is(err, pgx.ErrNoRows) {
		return ButlerRegistration{}, false, nil
	}
	if err != nil {
		return ButlerRegistration{}, false, fmt.Errorf("looking up butler %q: %w", name, err)
	}
	return reg, true, nil
}

// RecordHeartbeat bumps last_heartbeat_at, inserting the row on first
// contact, and returns the current registration.
func (r *PGRegistry) RecordHeartbeat(ctx context.Context, name string) (ButlerRegistration, error) {
	var reg ButlerRegistration
	err := r.db.QueryRow(ctx, `
		INSERT INTO butler_registry (butler_name, last_heartbeat_at)
		VALUES ($1, now())
		ON CONFLICT (butler_name) DO UPDATE SET last_heartbeat_at = now()
		RETURNING butler_name, description, endpoint_url, eligibility_state`, name).
		Scan(&reg.Name, &reg.Description, &reg.EndpointURL, &reg.EligibilityState)
	if err != nil {
		return ButlerRegistration{}, fmt.Errorf("recording heartbeat for %q: %w", name, err)
	}
	return reg, nil
}

// Register upserts a butler's static registration at daemon startup.
func (r *PGRegistry) Register(ctx context.Context, name, description, endpointURL string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO butler_registry (butler_name, description, endpoint_url)
		VALUES ($1, $2, $3)
		ON CONFLICT (butler_name) DO UPDATE
		SET description = EXCLUDED.description, endpoint_url = EXCLUDED.endpoint_url`,
		name, description, endpointURL)
	if err != nil {
		return fmt.Errorf("registering butler %q: %w", name, err)
	}
	return nil
}
