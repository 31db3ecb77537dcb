package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// placeholderEventIDs are event ids some connectors emit when the provider
// gave them nothing usable. They carry no identity and must not be used for
// deduplication.
var placeholderEventIDs = map[string]bool{
	"placeholder": true,
	"unknown":     true,
	"none":        true,
	"":            true,
}

// ComputeDedupeKey derives the admission dedupe key, strongest signal first:
// a caller idempotency key, then a real provider event id, then a content
// hash bucketed by hour. The hourly bucket means the same text re-sent in a
// later hour is admitted again; that is deliberate soft protection, not
// exact-once semantics.
func ComputeDedupeKey(env *Envelope) string {
	if key := env.Control.IdempotencyKey; key != "" {
		return fmt.Sprintf("idem:%s:%s:%s", env.Source.Channel, env.Source.EndpointIdentity, key)
	}

	eventID := env.Event.ExternalEventID
	if !placeholderEventIDs[strings.ToLower(eventID)] {
		return fmt.Sprintf("event:%s:%s:%s:%s",
			env.Source.Channel, env.Source.Provider, env.Source.EndpointIdentity, eventID)
	}

	sender := env.Sender.Identity
	bucket := env.Event.ObservedAt.UTC().Format("2006010215")
	sum := sha256.Sum256([]byte(env.Payload.NormalizedText + sender))
	return fmt.Sprintf("hash:%s:%s:%s:%s:%s",
		env.Source.Channel, env.Source.EndpointIdentity, sender, bucket,
		hex.EncodeToString(sum[:])[:16])
}
