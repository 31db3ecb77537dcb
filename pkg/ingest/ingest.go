package ingest

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

	"github.com/Tzeusy/butlers/pkg/triage"
)

// uniqueViolation is the Postgres error code for unique-constraint races.
const uniqueViolation = "23505"

// DB is the slice of a connection pool ingestion needs. *pgxpool.Pool
// satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Response is the admission outcome. Duplicates return the original
// request id and carry no fresh triage annotation.
type Response struct {
	RequestID      string           `json:"request_id"`
	Status         string           `json:"status"`
	Duplicate      bool             `json:"duplicate"`
	TriageDecision *triage.Decision `json:"triage_decision,omitempty"`
	TriageTarget   string           `json:"triage_target,omitempty"`
}

// Options tunes one admission call. TriageRules nil means the caller skipped
// triage entirely.
type Options struct {
	TriageRules          []triage.Rule
	TriageCacheAvailable bool
	EnableThreadAffinity bool
}

// IngestV1 admits one envelope. See the package comment for the pipeline;
// the short version is validate, dedupe, triage, persist.
func IngestV1(ctx context.Context, db DB, env *Envelope, opts Options) (*Response, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}

	dedupeKey := ComputeDedupeKey(env)

	if requestID, found, err := lookupDuplicate(ctx, db, dedupeKey); err != nil {
		return nil, err
	} else if found {
		return &Response{RequestID: requestID, Status: "accepted", Duplicate: true}, nil
	}

	affinityTarget := ""
	if opts.EnableThreadAffinity && env.Source.Channel == "email" && env.Event.ExternalThreadID != "" {
		target, err := lookupThreadAffinity(ctx, db, env.Source.Channel, env.Event.ExternalThreadID)
		if err != nil {
			slog.Warn("Thread affinity lookup failed", "thread", env.Event.ExternalThreadID, "error", err)
		} else {
			affinityTarget = target
		}
	}

	var decision *triage.Decision
	if opts.TriageRules != nil {
		var d triage.Decision
		if !opts.TriageCacheAvailable {
			d = triage.PassThrough("cache_unavailable")
		} else {
			d = triage.Evaluate(triage.Input{
				Channel:       env.Source.Channel,
				SenderAddress: env.Sender.Identity,
				Headers:       env.Headers(),
				Labels:        env.Labels(),
			}, opts.TriageRules, affinityTarget)
		}
		decision = &d
	}

	requestID := newRequestID()
	receivedAt := time.Now().UTC()

	requestContext := buildRequestContext(env, requestID, dedupeKey, receivedAt, decision)
	contextJSON, err := json.Marshal(requestContext)
	if err != nil {
		return nil, fmt.Errorf("marshaling request context: %w", err)
	}

	rawJSON, err := json.Marshal(orEmptyMap(env.Payload.Raw))
	if err != nil {
		return nil, fmt.Errorf("marshaling raw payload: %w", err)
	}
	attachmentsJSON, err := json.Marshal(orEmptySlice(env.Payload.Attachments))
	if err != nil {
		return nil, fmt.Errorf("marshaling attachments: %w", err)
	}

	if err := EnsurePartition(ctx, db, receivedAt); err != nil {
		return nil, err
	}

	lifecycle := "accepted"
	if env.IngestionTier() == TierMetadata {
		lifecycle = "metadata_ref"
	}

	_, err = db.Exec(ctx, `
		INSERT INTO message_inbox (id, received_at, request_context, raw_payload, normalized_text, attachments, lifecycle_state, schema_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		requestID, receivedAt, contextJSON, rawJSON, env.Payload.NormalizedText,
		attachmentsJSON, lifecycle, SchemaVersion)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			// Lost a race with a concurrent duplicate; return the winner.
			existingID, found, lookupErr := lookupDuplicate(ctx, db, dedupeKey)
			if lookupErr == nil && found {
				return &Response{RequestID: existingID, Status: "accepted", Duplicate: true}, nil
			}
		}
		return nil, fmt.Errorf("inserting inbox row: %w", err)
	}

	resp := &Response{RequestID: requestID, Status: "accepted"}
	if decision != nil {
		resp.TriageDecision = decision
		resp.TriageTarget = decision.TargetButler
	}
	return resp, nil
}

func lookupDuplicate(ctx context.Context, db DB, dedupeKey string) (string, bool, error) {
	var requestID string
	err := db.QueryRow(ctx, `
		SELECT request_context->>'request_id'
		FROM message_inbox
		WHERE request_context->>'dedupe_key' = $1
		LIMIT 1`, dedupeKey).Scan(&requestID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("duplicate lookup: %w", err)
	}
	return requestID, true, nil
}

func lookupThreadAffinity(ctx context.Context, db DB, channel, threadID string) (string, error) {
	var butler string
	err := db.QueryRow(ctx, `
		SELECT butler_name FROM thread_affinity
		WHERE channel = $1 AND thread_identity = $2`, channel, threadID).Scan(&butler)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return butler, nil
}

// RecordThreadAffinity remembers which butler a thread was routed to, so
// later messages on the thread bypass classification.
func RecordThreadAffinity(ctx context.Context, db DB, channel, threadID, butlerName string) error {
	_, err := db.Exec(ctx, `
		INSERT INTO thread_affinity (channel, thread_identity, butler_name, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (channel, thread_identity) DO UPDATE
		SET butler_name = EXCLUDED.butler_name, updated_at = now()`,
		channel, threadID, butlerName)
	if err != nil {
		return fmt.Errorf("recording thread affinity: %w", err)
	}
	return nil
}

func buildRequestContext(env *Envelope, requestID, dedupeKey string, receivedAt time.Time, decision *triage.Decision) map[string]any {
	rc := map[string]any{
		"request_id":        requestID,
		"received_at":       receivedAt.Format(time.RFC3339Nano),
		"channel":           env.Source.Channel,
		"provider":          env.Source.Provider,
		"endpoint_identity": env.Source.EndpointIdentity,
		"sender":            env.Sender.Identity,
		"ingestion_tier":    env.IngestionTier(),
		"dedupe_key":        dedupeKey,
	}
	if env.Event.ExternalEventID != "" {
		rc["external_event_id"] = env.Event.ExternalEventID
	}
	if env.Event.ExternalThreadID != "" {
		rc["external_thread_id"] = env.Event.ExternalThreadID
	}
	rc["observed_at"] = env.Event.ObservedAt.UTC().Format(time.RFC3339Nano)
	if env.Control.IdempotencyKey != "" {
		rc["idempotency_key"] = env.Control.IdempotencyKey
	}
	if env.Control.TraceContext != nil {
		rc["trace_context"] = env.Control.TraceContext
	}
	if env.Control.PolicyTier != "" {
		rc["policy_tier"] = env.Control.PolicyTier
	}
	if decision != nil {
		rc["triage"] = decision
	}
	return rc
}

func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptySlice(s []map[string]any) []map[string]any {
	if s == nil {
		return []map[string]any{}
	}
	return s
}
