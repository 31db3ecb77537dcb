// Package routing consumes admitted messages off the durable buffer,
// assembles a classification prompt with conversation history, asks the
// router session for a target, and hands the message to that butler.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// History strategies per channel.
const (
	strategyRealtime = "realtime"
	strategyEmail    = "email"
	strategyNone     = "none"
)

var historyStrategy = map[string]string{
	"telegram": strategyRealtime,
	"whatsapp": strategyRealtime,
	"slack":    strategyRealtime,
	"discord":  strategyRealtime,
	"email":    strategyEmail,
	"api":      strategyNone,
	"mcp":      strategyNone,
}

// HistoryLimits tunes window sizes. Zero fields take the defaults.
type HistoryLimits struct {
	MaxTimeWindow   time.Duration
	MaxMessageCount int
	MaxTokens       int
}

func (l HistoryLimits) withDefaults() HistoryLimits {
	if l.MaxTimeWindow == 0 {
		l.MaxTimeWindow = 15 * time.Minute
	}
	if l.MaxMessageCount == 0 {
		l.MaxMessageCount = 30
	}
	if l.MaxTokens == 0 {
		l.MaxTokens = 50_000
	}
	return l
}

// Message is one historical message on a thread.
type Message struct {
	ID         string
	Sender     string
	Content    string
	ReceivedAt time.Time

	// Direction is "inbound" or "outbound"; empty means inbound, which
	// keeps rows written before the column existed working.
	Direction string
}

// strategyFor maps a channel to its history strategy. Unknown channels get
// realtime so new connectors work without a code change.
func strategyFor(channel string) string {
	if s, ok := historyStrategy[channel]; ok {
		return s
	}
	return strategyRealtime
}

// realtimeWindow returns the union of the time window (messages within
// limits.MaxTimeWindow of observedAt) and the count window (the most recent
// limits.MaxMessageCount messages), deduplicated by id, oldest first.
func realtimeWindow(messages []Message, observedAt time.Time, limits HistoryLimits) []Message {
	sorted := make([]Message, len(messages))
	copy(sorted, messages)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ReceivedAt.Before(sorted[j].ReceivedAt) })

	keep := make(map[string]bool)

	cutoff := observedAt.Add(-limits.MaxTimeWindow)
	for _, m := range sorted {
		if m.ReceivedAt.After(cutoff) && !m.ReceivedAt.After(observedAt) {
			keep[m.ID] = true
		}
	}

	countStart := len(sorted) - limits.MaxMessageCount
	if countStart < 0 {
		countStart = 0
	}
	for _, m := range sorted[countStart:] {
		keep[m.ID] = true
	}

	out := make([]Message, 0, len(keep))
	for _, m := range sorted {
		if keep[m.ID] {
			out = append(out, m)
			delete(keep, m.ID)
		}
	}
	return out
}

// emailWindow returns the thread oldest first, dropping oldest messages
// until the estimated token count fits maxTokens. The newest message is
// never dropped; if it alone exceeds the budget the result is empty.
func emailWindow(messages []Message, maxTokens int) []Message {
	sorted := make([]Message, len(messages))
	copy(sorted, messages)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ReceivedAt.Before(sorted[j].ReceivedAt) })

	if len(sorted) == 0 {
		return nil
	}
	if estimateTokens(sorted[len(sorted)-1].Content) > maxTokens {
		return nil
	}

	total := 0
	for _, m := range sorted {
		total += estimateTokens(m.Content)
	}
	start := 0
	for start < len(sorted)-1 && total > maxTokens {
		total -= estimateTokens(sorted[start].Content)
		start++
	}
	if total > maxTokens {
		return nil
	}
	return sorted[start:]
}

// estimateTokens approximates tokens as chars/4, the usual rough cut for
// English text. Floor division: a 10-char message costs 2 tokens.
func estimateTokens(s string) int {
	return len(s) / 4
}

// FormatHistoryContext renders messages as the prompt block the classifier
// sees. Empty input yields an empty string.
func FormatHistoryContext(messages []Message) string {
	if len(messages) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Recent Conversation History\n")
	for i, m := range messages {
		if i > 0 {
			b.WriteString("\n---\n")
		}
		ts := m.ReceivedAt.UTC().Format(time.RFC3339)
		if m.Direction == "outbound" {
			fmt.Fprintf(&b, "**butler → %s** (%s): %s", m.Sender, ts, m.Content)
		} else {
			fmt.Fprintf(&b, "**%s** (%s): %s", m.Sender, ts, m.Content)
		}
	}
	return b.String()
}

// LoadConversationHistory fetches the thread's messages and renders the
// history block per the channel's strategy. Any failure, a missing thread
// id, or the none strategy yields an empty string; routing proceeds without
// history rather than failing the message.
func LoadConversationHistory(ctx context.Context, db DB, channel, threadID string, observedAt time.Time, limits HistoryLimits) string {
	if threadID == "" {
		return ""
	}
	strategy := strategyFor(channel)
	if strategy == strategyNone {
		return ""
	}
	limits = limits.withDefaults()

	messages, err := fetchThreadMessages(ctx, db, channel, threadID)
	if err != nil {
		slog.Warn("History load failed, routing without history",
			"channel", channel, "thread", threadID, "error", err)
		return ""
	}

	switch strategy {
	case strategyEmail:
		messages = emailWindow(messages, limits.MaxTokens)
	default:
		messages = realtimeWindow(messages, observedAt, limits)
	}
	return FormatHistoryContext(messages)
}

func fetchThreadMessages(ctx context.Context, db DB, channel, threadID string) ([]Message, error) {
	rows, err := db.Query(ctx, `
		SELECT id::text,
		       request_context->>'sender',
		       normalized_text,
		       received_at,
		       COALESCE(request_context->>'direction', 'inbound')
		FROM message_inbox
		WHERE request_context->>'channel' = $1
		  AND request_context->>'external_thread_id' = $2
		ORDER BY received_at`,
		channel, threadID)
	if err != nil {
		return nil, fmt.Errorf("querying thread history: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Sender, &m.Content, &m.ReceivedAt, &m.Direction); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history rows: %w", err)
	}
	return messages, nil
}
