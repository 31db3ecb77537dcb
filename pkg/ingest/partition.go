package ingest

import (
	"context"
	"fmt"
	"time"
)

// partitionName returns the weekly partition holding t, by ISO week.
func partitionName(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("message_inbox_y%dw%02d", year, week)
}

// weekBounds returns the UTC Monday starting t's ISO week and the Monday
// after it.
func weekBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	weekday := int(t.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).
		AddDate(0, 0, 1-weekday)
	return start, start.AddDate(0, 0, 7)
}

// EnsurePartition creates the weekly message_inbox partition covering
// receivedAt, plus its per-partition unique index on the dedupe key.
// Idempotent; races on IF NOT EXISTS are harmless.
func EnsurePartition(ctx context.Context, db DB, receivedAt time.Time) error {
	name := partitionName(receivedAt)
	start, end := weekBounds(receivedAt)

	_, err := db.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s PARTITION OF message_inbox
		FOR VALUES FROM ('%s') TO ('%s')`,
		name, start.Format(time.RFC3339), end.Format(time.RFC3339)))
	if err != nil {
		return fmt.Errorf("creating partition %s: %w", name, err)
	}

	_, err = db.Exec(ctx, fmt.Sprintf(`
		CREATE UNIQUE INDEX IF NOT EXISTS %s_dedupe_key
		ON %s ((request_context->>'dedupe_key'))`,
		name, name))
	if err != nil {
		return fmt.Errorf("creating dedupe index on %s: %w", name, err)
	}
	return nil
}
