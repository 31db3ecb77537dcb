// Package audit appends entries to the central audit table in the
// switchboard database. Audit failures are logged and swallowed: an audit
// outage must never take down the operation being audited.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the slice of a connection pool the writer needs. *pgxpool.Pool
// satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Writer appends audit rows. A nil db makes every write a no-op.
type Writer struct {
	db DB
}

// NewWriter wraps db.
func NewWriter(db DB) *Writer {
	return &Writer{db: db}
}

// WriteAuditEntry appends one row. kind names the operation class
// ("llm_session", "route", "delivery"), result is "ok" or "error".
func (w *Writer) WriteAuditEntry(ctx context.Context, butler, kind string, payload map[string]any, result, errText string) {
	if w == nil || w.db == nil {
		return
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to marshal audit payload", "butler", butler, "kind", kind, "error", err)
		return
	}
	var errVal *string
	if errText != "" {
		errVal = &errText
	}
	_, err = w.db.Exec(ctx, `
		INSERT INTO audit_log (butler, kind, payload, result, error)
		VALUES ($1, $2, $3, $4, $5)`,
		butler, kind, payloadJSON, result, errVal)
	if err != nil {
		slog.Error("Failed to write audit entry", "butler", butler, "kind", kind, "error", err)
	}
}
