package routing

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStrategyFor(t *testing.T) {
	assert.Equal(t, strategyRealtime, strategyFor("telegram"))
	assert.Equal(t, strategyRealtime, strategyFor("whatsapp"))
	assert.Equal(t, strategyRealtime, strategyFor("slack"))
	assert.Equal(t, strategyRealtime, strategyFor("discord"))
	assert.Equal(t, strategyEmail, strategyFor("email"))
	assert.Equal(t, strategyNone, strategyFor("api"))
	assert.Equal(t, strategyNone, strategyFor("mcp"))
	assert.Equal(t, strategyRealtime, strategyFor("matrix"), "unknown channels default to realtime")
}

func TestRealtimeWindowUnion(t *testing.T) {
	// 35 messages spread over 20 minutes, newest at t. The 15-minute
	// window holds the newer messages; the 30-count window reaches
	// further back. Their union must be exactly 30 distinct messages,
	// oldest first.
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	var messages []Message
	for i := 0; i < 35; i++ {
		// message 0 is oldest (t-20m); message 34 is newest (t).
		age := time.Duration(34-i) * 20 * time.Minute / 34
		messages = append(messages, Message{
			ID:         fmt.Sprintf("m%02d", i),
			Sender:     "user",
			Content:    fmt.Sprintf("msg %d", i),
			ReceivedAt: now.Add(-age),
		})
	}

	limits := HistoryLimits{MaxTimeWindow: 15 * time.Minute, MaxMessageCount: 30}
	got := realtimeWindow(messages, now, limits)

	require.Len(t, got, 30)
	// Count window covers messages 5..34; everything in the 15-minute
	// window is inside that range, so the union is exactly those 30.
	assert.Equal(t, "m05", got[0].ID)
	assert.Equal(t, "m34", got[len(got)-1].ID)
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].ReceivedAt.Before(got[i-1].ReceivedAt), "chronological order")
	}

	// No duplicates.
	seen := make(map[string]bool)
	for _, m := range got {
		assert.False(t, seen[m.ID])
		seen[m.ID] = true
	}
}

func TestRealtimeWindowTimeReachesBeyondCount(t *testing.T) {
	// 5 messages all within the time window but count limit 3: the time
	// window keeps all 5.
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	var messages []Message
	for i := 0; i < 5; i++ {
		messages = append(messages, Message{
			ID:         fmt.Sprintf("m%d", i),
			ReceivedAt: now.Add(-time.Duration(5-i) * time.Minute),
		})
	}
	got := realtimeWindow(messages, now, HistoryLimits{MaxTimeWindow: 15 * time.Minute, MaxMessageCount: 3})
	assert.Len(t, got, 5)
}

func TestEmailWindowDropsOldest(t *testing.T) {
	// Budget 5 tokens ≈ 20 chars; three 10-char messages. Oldest drops.
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	messages := []Message{
		{ID: "A", Content: "aaaaaaaaaa", ReceivedAt: base.Add(-3 * time.Hour)},
		{ID: "B", Content: "bbbbbbbbbb", ReceivedAt: base.Add(-2 * time.Hour)},
		{ID: "C", Content: "cccccccccc", ReceivedAt: base.Add(-1 * time.Hour)},
	}

	got := emailWindow(messages, 5)
	require.Len(t, got, 2)
	assert.Equal(t, "B", got[0].ID)
	assert.Equal(t, "C", got[1].ID)
}

func TestEmailWindowNeverDropsNewest(t *testing.T) {
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	messages := []Message{
		{ID: "old", Content: "short", ReceivedAt: base.Add(-time.Hour)},
		{ID: "new", Content: "this newest message is far too long for the budget", ReceivedAt: base},
	}

	// Newest alone exceeds the budget: empty result, never a result
	// without the newest.
	got := emailWindow(messages, 2)
	assert.Empty(t, got)

	// Budget that fits only the newest.
	got = emailWindow(messages, 12)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].ID)
}

func TestFormatHistoryContext(t *testing.T) {
	ts := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	messages := []Message{
		{Sender: "user_42", Content: "any updates?", ReceivedAt: ts, Direction: "inbound"},
		{Sender: "user_42", Content: "Two trips booked.", ReceivedAt: ts.Add(time.Minute), Direction: "outbound"},
		{Sender: "user_42", Content: "thanks", ReceivedAt: ts.Add(2 * time.Minute)},
	}

	out := FormatHistoryContext(messages)
	assert.Contains(t, out, "## Recent Conversation History\n")
	assert.Contains(t, out, "**user_42** (2026-03-14T10:30:00Z): any updates?")
	assert.Contains(t, out, "**butler → user_42** (2026-03-14T10:31:00Z): Two trips booked.")
	// Missing direction renders as inbound.
	assert.Contains(t, out, "**user_42** (2026-03-14T10:32:00Z): thanks")
	assert.Equal(t, 2, countOccurrences(out, "\n---\n"))

	assert.Empty(t, FormatHistoryContext(nil))
}

func countOccurrences(s, sub string) int {
	count := 0
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			count++
		}
	}
	return count
}
