package ingest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tzeusy/butlers/pkg/triage"
)

func telegramEnvelope() *Envelope {
	return &Envelope{
		Source: Source{Channel: "telegram", Provider: "telegram", EndpointIdentity: "@bot"},
		Event: Event{
			ExternalEventID: "12345",
			ObservedAt:      time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC),
		},
		Sender:  Sender{Identity: "user_42"},
		Payload: Payload{NormalizedText: "remind me to stretch"},
	}
}

func TestValidate(t *testing.T) {
	env := telegramEnvelope()
	require.NoError(t, env.Validate())

	env.Source.Channel = ""
	env.Sender.Identity = ""
	err := env.Validate()
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "source.channel")
	assert.Contains(t, verr.Fields, "sender.identity")
	assert.ErrorIs(t, err, ErrValidation)

	env = telegramEnvelope()
	env.Control.IngestionTier = "firehose"
	err = env.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ingestion_tier")
}

func TestComputeDedupeKey(t *testing.T) {
	t.Run("event id", func(t *testing.T) {
		env := telegramEnvelope()
		assert.Equal(t, "event:telegram:telegram:@bot:12345", ComputeDedupeKey(env))
	})

	t.Run("idempotency key outranks event id", func(t *testing.T) {
		env := telegramEnvelope()
		env.Control.IdempotencyKey = "abc-1"
		assert.Equal(t, "idem:telegram:@bot:abc-1", ComputeDedupeKey(env))
	})

	t.Run("placeholder event ids fall through to hash", func(t *testing.T) {
		for _, placeholder := range []string{"placeholder", "UNKNOWN", "None", ""} {
			env := telegramEnvelope()
			env.Event.ExternalEventID = placeholder
			key := ComputeDedupeKey(env)
			assert.True(t, strings.HasPrefix(key, "hash:telegram:@bot:user_42:2026031410:"), key)
		}
	})

	t.Run("hash key is stable and hour-bucketed", func(t *testing.T) {
		env := telegramEnvelope()
		env.Event.ExternalEventID = ""
		first := ComputeDedupeKey(env)
		assert.Equal(t, first, ComputeDedupeKey(env))

		// Same text observed in the next hour gets a different key.
		env.Event.ObservedAt = env.Event.ObservedAt.Add(time.Hour)
		assert.NotEqual(t, first, ComputeDedupeKey(env))

		// Different text in the same hour also differs.
		env.Event.ObservedAt = env.Event.ObservedAt.Add(-time.Hour)
		env.Payload.NormalizedText = "something else"
		assert.NotEqual(t, first, ComputeDedupeKey(env))
	})

	t.Run("hash suffix is 16 hex chars", func(t *testing.T) {
		env := telegramEnvelope()
		env.Event.ExternalEventID = "none"
		key := ComputeDedupeKey(env)
		parts := strings.Split(key, ":")
		assert.Len(t, parts[len(parts)-1], 16)
	})
}

func TestPartitionNaming(t *testing.T) {
	// 2026-03-14 is a Saturday in ISO week 11.
	at := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, "message_inbox_y2026w11", partitionName(at))

	start, end := weekBounds(at)
	assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC), end)
	assert.Equal(t, time.Weekday(time.Monday), start.Weekday())

	// Sunday belongs to the same ISO week as the preceding Monday.
	sunday := time.Date(2026, 3, 15, 23, 0, 0, 0, time.UTC)
	s2, _ := weekBounds(sunday)
	assert.Equal(t, start, s2)
}

// fakeDB simulates the inbox tables well enough for the admission flow.
type fakeDB struct {
	// byDedupeKey maps dedupe key to request id for duplicate lookups.
	byDedupeKey map[string]string
	// affinity maps channel/thread to butler.
	affinity map[string]string
	// insertErr, when set, fails the inbox insert once.
	insertErr error
	// missFirstLookup makes the first duplicate lookup miss, simulating a
	// concurrent writer landing between lookup and insert.
	missFirstLookup bool

	inserts int
	execs   []string
}

func newFakeDB() *fakeDB {
	return &fakeDB{byDedupeKey: map[string]string{}, affinity: map[string]string{}}
}

type fakeRow struct {
	value string
	err   error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*string)) = r.value
	return nil
}

func (db *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.execs = append(db.execs, sql)
	if strings.Contains(sql, "INSERT INTO message_inbox") {
		if db.insertErr != nil {
			err := db.insertErr
			db.insertErr = nil
			return pgconn.CommandTag{}, err
		}
		db.inserts++
	}
	return pgconn.CommandTag{}, nil
}

func (db *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	if strings.Contains(sql, "FROM message_inbox") {
		if db.missFirstLookup {
			db.missFirstLookup = false
			return fakeRow{err: pgx.ErrNoRows}
		}
		key := args[0].(string)
		if id, ok := db.byDedupeKey[key]; ok {
			return fakeRow{value: id}
		}
		return fakeRow{err: pgx.ErrNoRows}
	}
	if strings.Contains(sql, "FROM thread_affinity") {
		key := args[0].(string) + "/" + args[1].(string)
		if butler, ok := db.affinity[key]; ok {
			return fakeRow{value: butler}
		}
		return fakeRow{err: pgx.ErrNoRows}
	}
	return fakeRow{err: pgx.ErrNoRows}
}

func TestIngestAcceptsAndAnnotates(t *testing.T) {
	db := newFakeDB()
	env := telegramEnvelope()

	rules := []triage.Rule{{ID: "r1", Priority: 1, Type: triage.RuleSenderAddress,
		Condition: map[string]any{"address": "user_42"}, Action: "route_to:general", Enabled: true}}

	resp, err := IngestV1(context.Background(), db, env, Options{
		TriageRules:          rules,
		TriageCacheAvailable: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "accepted", resp.Status)
	assert.False(t, resp.Duplicate)
	assert.NotEmpty(t, resp.RequestID)
	require.NotNil(t, resp.TriageDecision)
	assert.Equal(t, triage.DecisionRouteTo, resp.TriageDecision.Decision)
	assert.Equal(t, "general", resp.TriageTarget)
	assert.Equal(t, 1, db.inserts)
}

func TestIngestDuplicateShortCircuits(t *testing.T) {
	db := newFakeDB()
	env := telegramEnvelope()
	db.byDedupeKey[ComputeDedupeKey(env)] = "original-id"

	resp, err := IngestV1(context.Background(), db, env, Options{TriageRules: []triage.Rule{}, TriageCacheAvailable: true})
	require.NoError(t, err)
	assert.True(t, resp.Duplicate)
	assert.Equal(t, "original-id", resp.RequestID)
	assert.Nil(t, resp.TriageDecision, "duplicates carry no fresh triage annotation")
	assert.Equal(t, 0, db.inserts)
}

func TestIngestInsertRaceReturnsWinner(t *testing.T) {
	db := newFakeDB()
	env := telegramEnvelope()

	// The pre-insert lookup misses, the insert hits the unique constraint,
	// and the re-lookup finds the concurrent winner.
	db.missFirstLookup = true
	db.insertErr = &pgconn.PgError{Code: "23505"}
	db.byDedupeKey[ComputeDedupeKey(env)] = "winner-id"

	resp, err := IngestV1(context.Background(), db, env, Options{})
	require.NoError(t, err)
	assert.True(t, resp.Duplicate)
	assert.Equal(t, "winner-id", resp.RequestID)
	assert.Equal(t, 0, db.inserts)
}

func TestIngestCacheUnavailablePassThrough(t *testing.T) {
	db := newFakeDB()
	resp, err := IngestV1(context.Background(), db, telegramEnvelope(), Options{
		TriageRules:          []triage.Rule{},
		TriageCacheAvailable: false,
	})
	require.NoError(t, err)
	require.NotNil(t, resp.TriageDecision)
	assert.Equal(t, triage.DecisionPassThrough, resp.TriageDecision.Decision)
	assert.Equal(t, "cache_unavailable", resp.TriageDecision.Reason)
}

func TestIngestThreadAffinityFeedsTriage(t *testing.T) {
	db := newFakeDB()
	db.affinity["email/thread-9"] = "finance"

	env := telegramEnvelope()
	env.Source.Channel = "email"
	env.Event.ExternalThreadID = "thread-9"

	resp, err := IngestV1(context.Background(), db, env, Options{
		TriageRules:          []triage.Rule{},
		TriageCacheAvailable: true,
		EnableThreadAffinity: true,
	})
	require.NoError(t, err)
	require.NotNil(t, resp.TriageDecision)
	assert.Equal(t, "finance", resp.TriageTarget)
	assert.Equal(t, "thread_affinity", resp.TriageDecision.MatchedRuleType)
}

func TestIngestLegacyModeSkipsTriage(t *testing.T) {
	db := newFakeDB()
	resp, err := IngestV1(context.Background(), db, telegramEnvelope(), Options{TriageRules: nil})
	require.NoError(t, err)
	assert.Nil(t, resp.TriageDecision)
}

func TestIngestMetadataTierLifecycle(t *testing.T) {
	db := newFakeDB()
	env := telegramEnvelope()
	env.Control.IngestionTier = TierMetadata

	_, err := IngestV1(context.Background(), db, env, Options{})
	require.NoError(t, err)

	found := false
	for _, sql := range db.execs {
		if strings.Contains(sql, "INSERT INTO message_inbox") {
			found = true
		}
	}
	assert.True(t, found)
}
