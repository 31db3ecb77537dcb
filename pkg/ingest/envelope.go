// Package ingest admits messages into the switchboard: validate the
// envelope, deduplicate, apply triage, and persist the inbox row. Admission
// is synchronous and cheap; everything expensive (classification, routing)
// happens downstream off the durable buffer.
package ingest

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// SchemaVersion identifies the accepted envelope schema.
const SchemaVersion = "ingest.v1"

// Ingestion tiers.
const (
	TierFull     = "full"
	TierMetadata = "metadata"
	TierSkip     = "skip"
)

// ErrValidation is wrapped by every envelope validation failure.
var ErrValidation = errors.New("invalid ingest envelope")

// ValidationError lists the envelope fields that failed validation.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid ingest envelope: %s", strings.Join(e.Fields, ", "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Envelope is one inbound message in ingest.v1 shape.
type Envelope struct {
	Source  Source  `json:"source"`
	Event   Event   `json:"event"`
	Sender  Sender  `json:"sender"`
	Payload Payload `json:"payload"`
	Control Control `json:"control"`
}

// Source identifies where the message came from.
type Source struct {
	Channel          string `json:"channel"`
	Provider         string `json:"provider"`
	EndpointIdentity string `json:"endpoint_identity"`
}

// Event carries the provider's identifiers and timing.
type Event struct {
	ExternalEventID  string    `json:"external_event_id,omitempty"`
	ExternalThreadID string    `json:"external_thread_id,omitempty"`
	ObservedAt       time.Time `json:"observed_at"`
}

// Sender identifies the message author.
type Sender struct {
	Identity string `json:"identity"`
}

// Payload carries content. Raw is the provider-specific snapshot (headers,
// labels, anything the connector saw).
type Payload struct {
	Raw            map[string]any   `json:"raw,omitempty"`
	NormalizedText string           `json:"normalized_text"`
	Attachments    []map[string]any `json:"attachments,omitempty"`
}

// Control carries caller-supplied admission hints.
type Control struct {
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	TraceContext   map[string]any `json:"trace_context,omitempty"`
	PolicyTier     string         `json:"policy_tier,omitempty"`
	IngestionTier  string         `json:"ingestion_tier,omitempty"`
}

// Validate checks required fields and enumerations. The ingestion tier
// defaults to full when absent.
func (e *Envelope) Validate() error {
	var missing []string
	if e.Source.Channel == "" {
		missing = append(missing, "source.channel")
	}
	if e.Source.Provider == "" {
		missing = append(missing, "source.provider")
	}
	if e.Source.EndpointIdentity == "" {
		missing = append(missing, "source.endpoint_identity")
	}
	if e.Event.ObservedAt.IsZero() {
		missing = append(missing, "event.observed_at")
	}
	if e.Sender.Identity == "" {
		missing = append(missing, "sender.identity")
	}
	if e.Payload.NormalizedText == "" {
		missing = append(missing, "payload.normalized_text")
	}

	switch e.Control.IngestionTier {
	case "", TierFull, TierMetadata, TierSkip:
	default:
		missing = append(missing, "control.ingestion_tier")
	}

	if len(missing) > 0 {
		return &ValidationError{Fields: missing}
	}
	return nil
}

// IngestionTier returns the effective tier.
func (e *Envelope) IngestionTier() string {
	if e.Control.IngestionTier == "" {
		return TierFull
	}
	return e.Control.IngestionTier
}

// Headers extracts string headers from the raw payload, when present.
func (e *Envelope) Headers() map[string]string {
	raw, ok := e.Payload.Raw["headers"].(map[string]any)
	if !ok {
		return nil
	}
	headers := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			headers[k] = s
		}
	}
	return headers
}

// Labels extracts channel labels from the raw payload, when present.
func (e *Envelope) Labels() []string {
	raw, ok := e.Payload.Raw["labels"].([]any)
	if !ok {
		return nil
	}
	labels := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			labels = append(labels, s)
		}
	}
	return labels
}
