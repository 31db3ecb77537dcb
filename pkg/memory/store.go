package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Memory item types.
const (
	TypeEpisode = "episode"
	TypeFact    = "fact"
	TypeRule    = "rule"
)

var (
	// ErrUnknownType indicates a memory type outside episode/fact/rule.
	ErrUnknownType = errors.New("unknown memory type")

	// ErrNotFound indicates the id does not exist (or is already gone).
	ErrNotFound = errors.New("memory item not found")
)

// DB is the slice of a connection pool the store needs. *pgxpool.Pool
// satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Episode is one stored happening.
type Episode struct {
	ID               string
	Content          string
	SourceButler     string
	SessionID        string
	ReferenceCount   int64
	LastReferencedAt *time.Time
	CreatedAt        time.Time
}

// Fact is one subject/predicate statement.
type Fact struct {
	ID               string
	Subject          string
	Predicate        string
	Content          string
	Scope            string
	Permanence       string
	DecayRate        float64
	Validity         string
	SupersedesID     string
	ReferenceCount   int64
	LastReferencedAt *time.Time
	CreatedAt        time.Time
}

// Store reads and writes one butler's memory database.
type Store struct {
	db         DB
	butlerName string
}

// NewStore wraps db for the named butler.
func NewStore(db DB, butlerName string) *Store {
	return &Store{db: db, butlerName: butlerName}
}

// StoreEpisode inserts an episode. sessionID may be empty.
func (s *Store) StoreEpisode(ctx context.Context, sessionID, content string) error {
	id := newID()
	var session *string
	if sessionID != "" {
		session = &sessionID
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO episodes (id, content, source_butler, session_id)
		VALUES ($1, $2, $3, $4)`,
		id, content, s.butlerName, session)
	if err != nil {
		return fmt.Errorf("inserting episode: %w", err)
	}
	s.recordEvent(ctx, "stored", TypeEpisode, id)
	return nil
}

// StoreFact inserts a fact, superseding any active fact with the same
// (subject, predicate, scope). Supersession is one transaction with exactly
// three writes: retire the old fact, insert the new one pointing at it, and
// link them.
func (s *Store) StoreFact(ctx context.Context, subject, predicate, content, scope, permanence string) (string, error) {
	if scope == "" {
		scope = "global"
	}
	if permanence == "" {
		permanence = PermanenceStandard
	}
	decay, err := DecayRate(permanence)
	if err != nil {
		return "", err
	}

	var priorID string
	err = s.db.QueryRow(ctx, `
		SELECT id::text FROM facts
		WHERE subject = $1 AND predicate = $2 AND scope = $3 AND validity = 'active'
		ORDER BY created_at DESC LIMIT 1`,
		subject, predicate, scope).Scan(&priorID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("looking up prior fact: %w", err)
	}

	id := newID()
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("beginning fact transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var supersedes *string
	if priorID != "" {
		supersedes = &priorID
		if _, err := tx.Exec(ctx,
			`UPDATE facts SET validity = 'superseded' WHERE id = $1`, priorID); err != nil {
			return "", fmt.Errorf("superseding fact %s: %w", priorID, err)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO facts (id, subject, predicate, content, scope, permanence, decay_rate, supersedes_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, subject, predicate, content, scope, permanence, decay, supersedes)
	if err != nil {
		return "", fmt.Errorf("inserting fact: %w", err)
	}

	if priorID != "" {
		if _, err := tx.Exec(ctx, `
			INSERT INTO memory_links (id, source_id, target_id, relation)
			VALUES ($1, $2, $3, 'supersedes')`,
			newID(), id, priorID); err != nil {
			return "", fmt.Errorf("linking superseded fact: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("committing fact transaction: %w", err)
	}
	s.recordEvent(ctx, "stored", TypeFact, id)
	return id, nil
}

// StoreRule inserts a standing rule.
func (s *Store) StoreRule(ctx context.Context, content, scope string) (string, error) {
	if scope == "" {
		scope = "global"
	}
	id := newID()
	_, err := s.db.Exec(ctx, `
		INSERT INTO memory_rules (id, content, scope) VALUES ($1, $2, $3)`,
		id, content, scope)
	if err != nil {
		return "", fmt.Errorf("inserting rule: %w", err)
	}
	s.recordEvent(ctx, "stored", TypeRule, id)
	return id, nil
}

// GetMemory fetches one item, atomically bumping its reference counter and
// last_referenced_at. Returns ErrNotFound for unknown ids.
func (s *Store) GetMemory(ctx context.Context, memType, id string) (map[string]any, error) {
	table, err := tableFor(memType)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx, fmt.Sprintf(`
		UPDATE %s
		SET reference_count = reference_count + 1, last_referenced_at = now()
		WHERE id = $1
		RETURNING id::text, content, reference_count, last_referenced_at, created_at`,
		table), id)
	if err != nil {
		return nil, fmt.Errorf("touching %s %s: %w", memType, id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("touching %s %s: %w", memType, id, err)
		}
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, memType, id)
	}

	var (
		itemID, content string
		refCount        int64
		lastRef         *time.Time
		createdAt       time.Time
	)
	if err := rows.Scan(&itemID, &content, &refCount, &lastRef, &createdAt); err != nil {
		return nil, fmt.Errorf("scanning %s row: %w", memType, err)
	}
	return map[string]any{
		"id":                 itemID,
		"type":               memType,
		"content":            content,
		"reference_count":    refCount,
		"last_referenced_at": lastRef,
		"created_at":         createdAt,
	}, nil
}

// Forget soft-deletes by type: episodes expire, facts are retracted, rules
// are flagged in metadata. The row itself stays for audit.
func (s *Store) Forget(ctx context.Context, memType, id string) error {
	var tag pgconn.CommandTag
	var err error
	switch memType {
	case TypeEpisode:
		tag, err = s.db.Exec(ctx, `UPDATE episodes SET expires_at = now() WHERE id = $1`, id)
	case TypeFact:
		tag, err = s.db.Exec(ctx, `UPDATE facts SET validity = 'retracted' WHERE id = $1`, id)
	case TypeRule:
		tag, err = s.db.Exec(ctx,
			`UPDATE memory_rules SET metadata = metadata || '{"forgotten": true}'::jsonb WHERE id = $1`, id)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, memType)
	}
	if err != nil {
		return fmt.Errorf("forgetting %s %s: %w", memType, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, memType, id)
	}
	s.recordEvent(ctx, "forgotten", memType, id)
	return nil
}

func tableFor(memType string) (string, error) {
	switch memType {
	case TypeEpisode:
		return "episodes", nil
	case TypeFact:
		return "facts", nil
	case TypeRule:
		return "memory_rules", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownType, memType)
	}
}

// recordEvent appends to the audit trail; failures never surface.
func (s *Store) recordEvent(ctx context.Context, eventType, itemType, itemID string) {
	_, _ = s.db.Exec(ctx, `
		INSERT INTO memory_events (event_type, item_type, item_id)
		VALUES ($1, $2, $3)`,
		eventType, itemType, itemID)
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
