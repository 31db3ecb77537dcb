package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the slice of a connection pool the store needs. *pgxpool.Pool
// satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PGInboxStore backs the buffer with the route_inbox table.
type PGInboxStore struct {
	db         DB
	butlerName string
}

// NewPGInboxStore wraps db for the named butler.
func NewPGInboxStore(db DB, butlerName string) *PGInboxStore {
	return &PGInboxStore{db: db, butlerName: butlerName}
}

// Insert persists a new durable row before the message enters the ring.
func (s *PGInboxStore) Insert(ctx context.Context, item Item) error {
	sourceJSON, eventJSON, senderJSON, err := marshalEnvelope(item)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO route_inbox (message_inbox_id, request_id, butler_name, message_text, source, event, sender)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (message_inbox_id) DO NOTHING`,
		item.MessageInboxID, item.RequestID, s.butlerName, item.MessageText,
		sourceJSON, eventJSON, senderJSON)
	if err != nil {
		return fmt.Errorf("inserting route_inbox row: %w", err)
	}
	return nil
}

// TryLease claims the row unless another unexpired lease holds it.
func (s *PGInboxStore) TryLease(ctx context.Context, messageInboxID, owner string, ttl time.Duration) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE route_inbox
		SET lease_owner = $2, lease_expires_at = now() + $3
		WHERE message_inbox_id = $1
		  AND (lease_expires_at IS NULL OR lease_expires_at < now())`,
		messageInboxID, owner, ttl)
	if err != nil {
		return false, fmt.Errorf("acquiring lease: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Complete removes the durable row.
func (s *PGInboxStore) Complete(ctx context.Context, messageInboxID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM route_inbox WHERE message_inbox_id = $1`, messageInboxID)
	if err != nil {
		return fmt.Errorf("deleting route_inbox row: %w", err)
	}
	return nil
}

// RecoverCandidates returns rows eligible for re-enqueue: lease expired, or
// enqueued before the grace window and never leased.
func (s *PGInboxStore) RecoverCandidates(ctx context.Context, grace time.Duration, batch int) ([]Item, error) {
	rows, err := s.db.Query(ctx, `
		SELECT message_inbox_id, request_id, message_text, source, event, sender
		FROM route_inbox
		WHERE butler_name = $1
		  AND (
		    (lease_expires_at IS NOT NULL AND lease_expires_at < now())
		    OR (lease_expires_at IS NULL AND enqueued_at < now() - $2)
		  )
		ORDER BY enqueued_at
		LIMIT $3`,
		s.butlerName, grace, batch)
	if err != nil {
		return nil, fmt.Errorf("querying recovery candidates: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var item Item
		var sourceJSON, eventJSON, senderJSON []byte
		if err := rows.Scan(&item.MessageInboxID, &item.RequestID, &item.MessageText,
			&sourceJSON, &eventJSON, &senderJSON); err != nil {
			return nil, fmt.Errorf("scanning recovery candidate: %w", err)
		}
		if err := unmarshalEnvelope(&item, sourceJSON, eventJSON, senderJSON); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating recovery candidates: %w", err)
	}
	return items, nil
}

func marshalEnvelope(item Item) (source, event, sender []byte, err error) {
	if source, err = json.Marshal(orEmpty(item.Source)); err != nil {
		return nil, nil, nil, fmt.Errorf("marshaling source: %w", err)
	}
	if event, err = json.Marshal(orEmpty(item.Event)); err != nil {
		return nil, nil, nil, fmt.Errorf("marshaling event: %w", err)
	}
	if sender, err = json.Marshal(orEmpty(item.Sender)); err != nil {
		return nil, nil, nil, fmt.Errorf("marshaling sender: %w", err)
	}
	return source, event, sender, nil
}

func unmarshalEnvelope(item *Item, source, event, sender []byte) error {
	if err := json.Unmarshal(source, &item.Source); err != nil {
		return fmt.Errorf("unmarshaling source: %w", err)
	}
	if err := json.Unmarshal(event, &item.Event); err != nil {
		return fmt.Errorf("unmarshaling event: %w", err)
	}
	if err := json.Unmarshal(sender, &item.Sender); err != nil {
		return fmt.Errorf("unmarshaling sender: %w", err)
	}
	return nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
