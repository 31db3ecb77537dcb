// Package approvals holds actions awaiting a human decision and the
// standing rules that auto-approve matching actions. Every decision leaves
// an append-only event; the storage layer rejects mutation of past events.
package approvals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Pending action statuses.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
	StatusExpired  = "expired"
	StatusExecuted = "executed"
)

var (
	// ErrActionNotFound indicates an unknown or already-decided action.
	ErrActionNotFound = errors.New("pending action not found")

	// ErrAlreadyDecided indicates a second decision on the same action.
	ErrAlreadyDecided = errors.New("action already decided")
)

// DB is the slice of a connection pool the store needs. *pgxpool.Pool
// satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PendingAction is one action awaiting a decision.
type PendingAction struct {
	ID          string         `json:"id"`
	ToolName    string         `json:"tool_name"`
	Args        map[string]any `json:"args"`
	Status      string         `json:"status"`
	RequestedAt time.Time      `json:"requested_at"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
	DecidedBy   string         `json:"decided_by,omitempty"`
}

// Rule auto-approves actions whose args match its constraints, until it
// expires or its use budget runs out.
type Rule struct {
	ID             string
	ToolName       string
	ArgConstraints map[string]any
	Active         bool
	ExpiresAt      *time.Time
	MaxUses        *int
	UseCount       int
}

// Store reads and writes the approvals tables.
type Store struct {
	db DB
}

// NewStore wraps db.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

// RequestApproval files a pending action. When an active rule matches, the
// action is auto-approved immediately and the rule's use counter bumps.
func (s *Store) RequestApproval(ctx context.Context, toolName string, args map[string]any, ttl time.Duration) (*PendingAction, error) {
	id := newID()
	argsJSON, err := json.Marshal(orEmpty(args))
	if err != nil {
		return nil, fmt.Errorf("marshaling action args: %w", err)
	}

	var expires *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expires = &t
	}

	action := &PendingAction{
		ID:          id,
		ToolName:    toolName,
		Args:        orEmpty(args),
		Status:      StatusPending,
		RequestedAt: time.Now(),
		ExpiresAt:   expires,
	}

	rule, err := s.matchingRule(ctx, toolName, args)
	if err != nil {
		slog.Warn("Approval rule lookup failed, falling back to manual approval", "tool", toolName, "error", err)
		rule = nil
	}

	var ruleID *string
	if rule != nil {
		action.Status = StatusApproved
		action.DecidedBy = "rule:" + rule.ID
		ruleID = &rule.ID
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO pending_actions (id, tool_name, args, status, expires_at, decided_by, decided_at, approval_rule_id)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), CASE WHEN $4 = 'approved' THEN now() END, $7)`,
		id, toolName, argsJSON, action.Status, expires, action.DecidedBy, ruleID)
	if err != nil {
		return nil, fmt.Errorf("inserting pending action: %w", err)
	}

	if rule != nil {
		if _, err := s.db.Exec(ctx,
			`UPDATE approval_rules SET use_count = use_count + 1 WHERE id = $1`, rule.ID); err != nil {
			slog.Warn("Rule use counter update failed", "rule_id", rule.ID, "error", err)
		}
		s.recordEvent(ctx, id, "auto_approved", map[string]any{"rule_id": rule.ID})
	} else {
		s.recordEvent(ctx, id, "requested", map[string]any{"tool_name": toolName})
	}
	return action, nil
}

// Decide applies a human decision to a pending action.
func (s *Store) Decide(ctx context.Context, actionID string, approve bool, decidedBy string) error {
	status := StatusRejected
	if approve {
		status = StatusApproved
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE pending_actions
		SET status = $2, decided_by = $3, decided_at = now()
		WHERE id = $1 AND status = 'pending'
		  AND (expires_at IS NULL OR expires_at > now())`,
		actionID, status, decidedBy)
	if err != nil {
		return fmt.Errorf("deciding action %s: %w", actionID, err)
	}
	if tag.RowsAffected() == 0 {
		if exists, _ := s.actionExists(ctx, actionID); exists {
			return fmt.Errorf("%w: %s", ErrAlreadyDecided, actionID)
		}
		return fmt.Errorf("%w: %s", ErrActionNotFound, actionID)
	}
	s.recordEvent(ctx, actionID, status, map[string]any{"decided_by": decidedBy})
	return nil
}

// RecordExecution stores the result of running an approved action.
func (s *Store) RecordExecution(ctx context.Context, actionID string, result map[string]any) error {
	resultJSON, err := json.Marshal(orEmpty(result))
	if err != nil {
		return fmt.Errorf("marshaling execution result: %w", err)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE pending_actions
		SET status = $2, execution_result = $3
		WHERE id = $1 AND status = 'approved'`,
		actionID, StatusExecuted, resultJSON)
	if err != nil {
		return fmt.Errorf("recording execution for %s: %w", actionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrActionNotFound, actionID)
	}
	s.recordEvent(ctx, actionID, "executed", nil)
	return nil
}

// ExpireStale marks overdue pending actions expired and returns the count.
func (s *Store) ExpireStale(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE pending_actions
		SET status = $1
		WHERE status = 'pending' AND expires_at IS NOT NULL AND expires_at <= now()`,
		StatusExpired)
	if err != nil {
		return 0, fmt.Errorf("expiring stale actions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// matchingRule finds the first active, unexpired, under-budget rule whose
// constraints all match the action args exactly.
func (s *Store) matchingRule(ctx context.Context, toolName string, args map[string]any) (*Rule, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id::text, arg_constraints, expires_at, max_uses, use_count
		FROM approval_rules
		WHERE tool_name = $1 AND active
		  AND (expires_at IS NULL OR expires_at > now())
		  AND (max_uses IS NULL OR use_count < max_uses)
		ORDER BY created_at`, toolName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var rule Rule
		var constraintsJSON []byte
		if err := rows.Scan(&rule.ID, &constraintsJSON, &rule.ExpiresAt, &rule.MaxUses, &rule.UseCount); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(constraintsJSON, &rule.ArgConstraints); err != nil {
			return nil, err
		}
		if ConstraintsMatch(rule.ArgConstraints, args) {
			return &rule, nil
		}
	}
	return nil, rows.Err()
}

// ConstraintsMatch reports whether every constrained arg is present and
// equal. Empty constraints match everything for the tool.
func ConstraintsMatch(constraints, args map[string]any) bool {
	for key, want := range constraints {
		got, ok := args[key]
		if !ok {
			return false
		}
		wantJSON, err1 := json.Marshal(want)
		gotJSON, err2 := json.Marshal(got)
		if err1 != nil || err2 != nil || string(wantJSON) != string(gotJSON) {
			return false
		}
	}
	return true
}

func (s *Store) actionExists(ctx context.Context, actionID string) (bool, error) {
	var id string
	err := s.db.QueryRow(ctx,
		`SELECT id::text FROM pending_actions WHERE id = $1`, actionID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// recordEvent appends to the approval trail; the table's trigger rejects
// any later mutation.
func (s *Store) recordEvent(ctx context.Context, actionID, eventType string, payload map[string]any) {
	payloadJSON, err := json.Marshal(orEmpty(payload))
	if err != nil {
		return
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO approval_events (id, action_id, event_type, payload)
		VALUES ($1, $2, $3, $4)`,
		newID(), actionID, eventType, payloadJSON)
	if err != nil {
		slog.Warn("Approval event insert failed", "action_id", actionID, "error", err)
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
