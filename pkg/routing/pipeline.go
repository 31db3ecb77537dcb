package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Tzeusy/butlers/pkg/buffer"
	"github.com/Tzeusy/butlers/pkg/ingest"
	"github.com/Tzeusy/butlers/pkg/runtime"
)

// RouteToButlerTool is the tool the router session calls to pick a target.
const RouteToButlerTool = "route_to_butler"

// DefaultFallbackButler receives messages the classifier could not place.
const DefaultFallbackButler = "general"

// DB is the slice of a connection pool the pipeline needs. *pgxpool.Pool
// satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DispatchFunc runs the classifier prompt and returns its tool calls.
// Typically backed by a spawner trigger on the switchboard's router butler.
type DispatchFunc func(ctx context.Context, prompt string) ([]runtime.ToolCall, error)

// DeliverFunc hands a routed message to the target butler.
type DeliverFunc func(ctx context.Context, targetButler string, item buffer.Item) error

// RoutingResult reports where a message went and why.
type RoutingResult struct {
	TargetButler string `json:"target_butler"`
	RouteResult  string `json:"route_result"` // "routed", "fallback", "skipped_duplicate"
	Reason       string `json:"reason,omitempty"`
}

// ButlerInfo is one row of the live butler catalog.
type ButlerInfo struct {
	Name        string
	Description string
}

// Pipeline is the switchboard's message router.
type Pipeline struct {
	db       DB
	dispatch DispatchFunc
	deliver  DeliverFunc
	fallback string
	limits   HistoryLimits

	metrics *metrics
}

// NewPipeline builds a pipeline. Empty fallback means DefaultFallbackButler.
func NewPipeline(db DB, dispatch DispatchFunc, deliver DeliverFunc, fallback string, limits HistoryLimits) *Pipeline {
	if fallback == "" {
		fallback = DefaultFallbackButler
	}
	return &Pipeline{
		db:       db,
		dispatch: dispatch,
		deliver:  deliver,
		fallback: fallback,
		limits:   limits,
		metrics:  newMetrics(),
	}
}

// RecordAcceptLatency notes the admission-to-enqueue latency; the API layer
// calls this after a successful hot-path enqueue.
func (p *Pipeline) RecordAcceptLatency(ctx context.Context, d time.Duration) {
	p.metrics.acceptLatencyMs(ctx, d)
}

// ProcessMessage is the buffer's process_fn: classify and deliver one
// message. Errors bubble up so the buffer's lease expiry redelivers.
func (p *Pipeline) ProcessMessage(ctx context.Context, item buffer.Item) error {
	start := time.Now()
	result, err := p.route(ctx, item)
	p.metrics.processLatency(ctx, time.Since(start), err == nil)
	if err != nil {
		return err
	}
	slog.Info("Message routed",
		"request_id", item.RequestID,
		"target", result.TargetButler,
		"result", result.RouteResult,
		"reason", result.Reason)
	return nil
}

func (p *Pipeline) route(ctx context.Context, item buffer.Item) (*RoutingResult, error) {
	channel, _ := item.Source["channel"].(string)
	threadID, _ := item.Event["external_thread_id"].(string)
	senderID, _ := item.Sender["identity"].(string)

	dedupeKey := ingressDedupeKey(item)
	processed, err := p.alreadyProcessed(ctx, dedupeKey)
	if err != nil {
		return nil, err
	}
	if processed {
		return &RoutingResult{RouteResult: "skipped_duplicate"}, nil
	}

	observedAt := observedAtOrNow(item)
	history := LoadConversationHistory(ctx, p.db, channel, threadID, observedAt, p.limits)

	catalog, err := p.Catalog(ctx)
	if err != nil {
		slog.Warn("Butler catalog load failed, routing with empty catalog", "error", err)
	}

	prompt := BuildRoutingPrompt(catalog, history, senderID, channel, item.MessageText)

	result := &RoutingResult{RouteResult: "routed"}
	toolCalls, err := p.dispatch(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("classifier dispatch: %w", err)
	}

	// The last route_to_butler call is authoritative; the classifier may
	// revise its decision within one session.
	target := ""
	for _, call := range toolCalls {
		if call.Name != RouteToButlerTool {
			continue
		}
		if name, ok := call.Input["butler"].(string); ok && name != "" {
			target = name
		}
	}
	if target == "" {
		result.RouteResult = "fallback"
		result.Reason = "no_route_tool_call"
		target = p.fallback
	}
	result.TargetButler = target

	if p.deliver != nil {
		if err := p.deliver(ctx, target, item); err != nil {
			return nil, fmt.Errorf("delivering to %s: %w", target, err)
		}
	}

	if err := p.recordProcessed(ctx, dedupeKey, item.RequestID); err != nil {
		slog.Warn("Failed to record ingress dedupe", "request_id", item.RequestID, "error", err)
	}
	if channel == "email" && threadID != "" {
		if err := ingest.RecordThreadAffinity(ctx, p.db, channel, threadID, target); err != nil {
			slog.Warn("Failed to record thread affinity", "thread", threadID, "error", err)
		}
	}
	return result, nil
}

// Catalog reads the live butler registry, name-sorted.
func (p *Pipeline) Catalog(ctx context.Context) ([]ButlerInfo, error) {
	rows, err := p.db.Query(ctx, `SELECT name, COALESCE(description, '') FROM butler_registry ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying butler registry: %w", err)
	}
	defer rows.Close()

	var butlers []ButlerInfo
	for rows.Next() {
		var b ButlerInfo
		if err := rows.Scan(&b.Name, &b.Description); err != nil {
			return nil, fmt.Errorf("scanning registry row: %w", err)
		}
		butlers = append(butlers, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating registry rows: %w", err)
	}
	sort.Slice(butlers, func(i, j int) bool { return butlers[i].Name < butlers[j].Name })
	return butlers, nil
}

// BuildRoutingPrompt assembles the classifier prompt: catalog, history,
// then the current message.
func BuildRoutingPrompt(catalog []ButlerInfo, history, senderID, channel, messageText string) string {
	var b strings.Builder
	b.WriteString("Route the incoming message to the most appropriate butler.\n\n")
	b.WriteString("## Available Butlers\n")
	for _, butler := range catalog {
		fmt.Fprintf(&b, "- %s: %s\n", butler.Name, butler.Description)
	}
	if history != "" {
		b.WriteString("\n")
		b.WriteString(history)
		b.WriteString("\n")
	}
	b.WriteString("\n## Current Message\n")
	fmt.Fprintf(&b, "From %s via %s:\n%s\n", senderID, channel, messageText)
	b.WriteString("\nCall route_to_butler with your decision.\n")
	return b.String()
}

func (p *Pipeline) alreadyProcessed(ctx context.Context, dedupeKey string) (bool, error) {
	var requestID string
	err := p.db.QueryRow(ctx,
		`SELECT request_id::text FROM ingress_dedupe WHERE dedupe_key = $1`, dedupeKey).Scan(&requestID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ingress dedupe lookup: %w", err)
	}
	return true, nil
}

func (p *Pipeline) recordProcessed(ctx context.Context, dedupeKey, requestID string) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO ingress_dedupe (dedupe_key, request_id)
		VALUES ($1, $2)
		ON CONFLICT (dedupe_key) DO NOTHING`, dedupeKey, requestID)
	return err
}

// ingressDedupeKey guards the routing stage itself against buffer
// redelivery: at-least-once delivery upstream, at-most-one route downstream.
func ingressDedupeKey(item buffer.Item) string {
	return "route:" + item.RequestID
}

func observedAtOrNow(item buffer.Item) time.Time {
	if raw, ok := item.Event["observed_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return t
		}
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t
		}
	}
	return time.Now().UTC()
}
