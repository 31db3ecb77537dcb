// Package delivery sends outbound messages through external channel
// transports with retries, a circuit breaker per channel, and a dead-letter
// queue for messages that exhaust their attempts.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sony/gobreaker"
)

// Request statuses.
const (
	StatusPending      = "pending"
	StatusInProgress   = "in_progress"
	StatusDelivered    = "delivered"
	StatusFailed       = "failed"
	StatusDeadLettered = "dead_lettered"
)

// Attempt outcomes.
const (
	OutcomeSuccess           = "success"
	OutcomeRetryableError    = "retryable_error"
	OutcomeNonRetryableError = "non_retryable_error"
	OutcomeTimeout           = "timeout"
	OutcomeInProgress        = "in_progress"
)

// Receipt types.
const (
	ReceiptSent                = "sent"
	ReceiptDelivered           = "delivered"
	ReceiptRead                = "read"
	ReceiptWebhookConfirmation = "webhook_confirmation"
)

// TransientError marks a failure worth retrying (rate limit, network).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient delivery error: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure retries cannot fix (bad recipient,
// revoked credentials).
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent delivery error: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error { return &TransientError{Err: err} }

// Permanent wraps err as non-retryable.
func Permanent(err error) error { return &PermanentError{Err: err} }

// TransportFunc performs one send on a channel.
type TransportFunc func(ctx context.Context, recipient string, envelope map[string]any) error

// DB is the slice of a connection pool delivery needs. *pgxpool.Pool
// satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Options tunes the sender.
type Options struct {
	// MaxAttempts before dead-lettering. Default 5.
	MaxAttempts int

	// InitialBackoff seeds the exponential backoff. Default 500ms.
	InitialBackoff time.Duration

	// MaxBackoff caps a single wait. Default 30s.
	MaxBackoff time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	return o
}

// Sender drives one channel's outbound deliveries.
type Sender struct {
	db        DB
	channel   string
	transport TransportFunc
	opts      Options
	breaker   *gobreaker.CircuitBreaker
}

// NewSender builds a sender for one channel. The circuit breaker opens
// after consecutive transport failures and recovers on its own.
func NewSender(db DB, channel string, transport TransportFunc, opts Options) *Sender {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "delivery-" + channel,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Sender{
		db:        db,
		channel:   channel,
		transport: transport,
		opts:      opts.withDefaults(),
		breaker:   breaker,
	}
}

// Deliver runs one request to a terminal state: delivered, or dead_lettered
// after exhausted or permanent failure. The returned error describes the
// terminal failure; a successful delivery returns nil.
func (s *Sender) Deliver(ctx context.Context, recipient string, envelope map[string]any) (string, error) {
	requestID, err := s.createRequest(ctx, recipient, envelope)
	if err != nil {
		return "", err
	}
	s.setStatus(ctx, requestID, StatusInProgress)

	wait := backoff.NewExponentialBackOff()
	wait.InitialInterval = s.opts.InitialBackoff
	wait.MaxInterval = s.opts.MaxBackoff
	wait.MaxElapsedTime = 0

	var lastErr error
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		outcome, err := s.attempt(ctx, requestID, recipient, envelope)
		if err == nil {
			s.setStatus(ctx, requestID, StatusDelivered)
			s.RecordReceipt(ctx, requestID, ReceiptSent, nil)
			return requestID, nil
		}
		lastErr = err

		if outcome == OutcomeNonRetryableError {
			break
		}
		if attempt == s.opts.MaxAttempts {
			break
		}

		select {
		case <-time.After(wait.NextBackOff()):
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = s.opts.MaxAttempts
		}
		if ctx.Err() != nil {
			break
		}
	}

	s.setStatus(ctx, requestID, StatusFailed)
	if err := s.deadLetter(ctx, requestID, envelope, lastErr); err != nil {
		slog.Error("Dead-letter insert failed", "request_id", requestID, "error", err)
	}
	s.setStatus(ctx, requestID, StatusDeadLettered)
	return requestID, fmt.Errorf("delivery to %s on %s failed: %w", recipient, s.channel, lastErr)
}

// attempt performs one send through the breaker and records the attempt row.
func (s *Sender) attempt(ctx context.Context, requestID, recipient string, envelope map[string]any) (string, error) {
	attemptID := newID()
	s.recordAttempt(ctx, attemptID, requestID, OutcomeInProgress, "")

	_, err := s.breaker.Execute(func() (any, error) {
		return nil, s.transport(ctx, recipient, envelope)
	})

	outcome := classify(err)
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	s.finishAttempt(ctx, attemptID, outcome, detail)
	return outcome, err
}

// classify maps an error to an attempt outcome. Breaker-open and deadline
// errors count as retryable; unknown errors default to retryable so a
// transport that forgets to classify still gets its retries.
func classify(err error) string {
	if err == nil {
		return OutcomeSuccess
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return OutcomeNonRetryableError
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTimeout
	}
	return OutcomeRetryableError
}

// RecordReceipt stores a channel acknowledgement (sent, delivered, read, or
// a webhook confirmation).
func (s *Sender) RecordReceipt(ctx context.Context, requestID, receiptType string, payload map[string]any) {
	payloadJSON, err := json.Marshal(orEmpty(payload))
	if err != nil {
		slog.Error("Receipt payload marshal failed", "request_id", requestID, "error", err)
		return
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO delivery_receipts (id, request_id, receipt_type, payload)
		VALUES ($1, $2, $3, $4)`,
		newID(), requestID, receiptType, payloadJSON)
	if err != nil {
		slog.Error("Receipt insert failed", "request_id", requestID, "error", err)
	}
}

func (s *Sender) createRequest(ctx context.Context, recipient string, envelope map[string]any) (string, error) {
	id := newID()
	envelopeJSON, err := json.Marshal(orEmpty(envelope))
	if err != nil {
		return "", fmt.Errorf("marshaling envelope: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO delivery_requests (id, channel, recipient, envelope, status)
		VALUES ($1, $2, $3, $4, $5)`,
		id, s.channel, recipient, envelopeJSON, StatusPending)
	if err != nil {
		return "", fmt.Errorf("creating delivery request: %w", err)
	}
	return id, nil
}

func (s *Sender) setStatus(ctx context.Context, requestID, status string) {
	_, err := s.db.Exec(ctx, `
		UPDATE delivery_requests
		SET status = $2, attempts = (SELECT count(*) FROM delivery_attempts WHERE request_id = $1),
		    updated_at = now()
		WHERE id = $1`, requestID, status)
	if err != nil {
		slog.Error("Delivery status update failed", "request_id", requestID, "status", status, "error", err)
	}
}

func (s *Sender) recordAttempt(ctx context.Context, attemptID, requestID, outcome, detail string) {
	_, err := s.db.Exec(ctx, `
		INSERT INTO delivery_attempts (id, request_id, outcome, detail)
		VALUES ($1, $2, $3, $4)`, attemptID, requestID, outcome, detail)
	if err != nil {
		slog.Error("Attempt insert failed", "request_id", requestID, "error", err)
	}
}

func (s *Sender) finishAttempt(ctx context.Context, attemptID, outcome, detail string) {
	_, err := s.db.Exec(ctx, `
		UPDATE delivery_attempts
		SET outcome = $2, detail = $3, finished_at = now()
		WHERE id = $1`, attemptID, outcome, detail)
	if err != nil {
		slog.Error("Attempt update failed", "attempt_id", attemptID, "error", err)
	}
}

// deadLetter preserves the original envelope for replay.
func (s *Sender) deadLetter(ctx context.Context, requestID string, envelope map[string]any, cause error) error {
	envelopeJSON, err := json.Marshal(orEmpty(envelope))
	if err != nil {
		return fmt.Errorf("marshaling dead-letter envelope: %w", err)
	}
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	replayEligible := classify(cause) != OutcomeNonRetryableError
	_, err = s.db.Exec(ctx, `
		INSERT INTO delivery_dead_letters (id, request_id, envelope, failure_reason, replay_eligible)
		VALUES ($1, $2, $3, $4, $5)`,
		newID(), requestID, envelopeJSON, reason, replayEligible)
	return err
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
