package spawner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Tzeusy/butlers/pkg/runtime"
)

// SessionDB is the slice of a connection pool the session store needs.
// *pgxpool.Pool satisfies it.
type SessionDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGSessionStore persists session rows in the butler's core database.
type PGSessionStore struct {
	db SessionDB
}

// NewPGSessionStore wraps db.
func NewPGSessionStore(db SessionDB) *PGSessionStore {
	return &PGSessionStore{db: db}
}

// CreateSession inserts the running session row. Empty request ids become
// NULL rather than failing the uuid cast.
func (s *PGSessionStore) CreateSession(ctx context.Context, rec SessionRecord) error {
	var requestID *string
	if rec.RequestID != "" {
		requestID = &rec.RequestID
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO butler_sessions (id, prompt, trigger_source, trace_id, request_id, model, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'running')`,
		rec.ID, rec.Prompt, rec.TriggerSource, rec.TraceID, requestID, rec.Model)
	if err != nil {
		return fmt.Errorf("inserting session row: %w", err)
	}
	return nil
}

// CompleteSession finalises a successful session.
func (s *PGSessionStore) CompleteSession(ctx context.Context, id, output string, toolCalls []runtime.ToolCall, durationMs int64, inputTokens, outputTokens *int64) error {
	if toolCalls == nil {
		toolCalls = []runtime.ToolCall{}
	}
	callsJSON, err := json.Marshal(toolCalls)
	if err != nil {
		return fmt.Errorf("marshaling tool calls: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		UPDATE butler_sessions
		SET status = 'completed', output = $2, tool_calls = $3,
		    duration_ms = $4, input_tokens = $5, output_tokens = $6,
		    completed_at = now()
		WHERE id = $1`,
		id, output, callsJSON, durationMs, inputTokens, outputTokens)
	if err != nil {
		return fmt.Errorf("completing session row: %w", err)
	}
	return nil
}

// FailSession marks a session failed with its error text.
func (s *PGSessionStore) FailSession(ctx context.Context, id, errText string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE butler_sessions
		SET status = 'failed', error = $2, completed_at = now()
		WHERE id = $1`,
		id, errText)
	if err != nil {
		return fmt.Errorf("failing session row: %w", err)
	}
	return nil
}
