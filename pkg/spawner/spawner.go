// Package spawner launches ephemeral LLM-runtime sessions with bounded
// concurrency. Each butler owns one Spawner sized by its configured
// max_concurrent_sessions; triggers beyond that block, except self-triggers
// which are rejected immediately to avoid deadlock.
package spawner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Tzeusy/butlers/pkg/config"
	"github.com/Tzeusy/butlers/pkg/runtime"
	"github.com/Tzeusy/butlers/pkg/telemetry"
)

var (
	// ErrNotAccepting indicates the spawner is shutting down.
	ErrNotAccepting = errors.New("spawner not accepting new triggers")

	// ErrDrainTimeout indicates in-flight sessions outlived the drain budget.
	ErrDrainTimeout = errors.New("drain timed out with sessions in flight")
)

// TriggerSourceTrigger marks a session started by another session's trigger
// tool call. Only this source gets the non-blocking rejection path.
const TriggerSourceTrigger = "trigger"

// Request carries one trigger invocation.
type Request struct {
	Prompt        string
	TriggerSource string

	// Context is optional extra text appended to the prompt.
	Context string

	MaxTurns  int
	RequestID string

	// ParentContext carries the caller's trace context; zero means root span.
	ParentContext trace.SpanContext
}

// Result is the outcome of one session, success or not.
type Result struct {
	Output     string              `json:"output"`
	Success    bool                `json:"success"`
	ToolCalls  []runtime.ToolCall  `json:"tool_calls"`
	Error      string              `json:"error,omitempty"`
	DurationMs int64               `json:"duration_ms"`
	Model      string              `json:"model"`
	SessionID  string              `json:"session_id"`

	// Token counts are present only when the runtime reported usage.
	InputTokens  *int64 `json:"input_tokens,omitempty"`
	OutputTokens *int64 `json:"output_tokens,omitempty"`
}

// SessionRecord is the durable row created at session start.
type SessionRecord struct {
	ID            string
	Prompt        string
	TriggerSource string
	TraceID       string
	Model         string
	RequestID     string
}

// SessionStore persists session lifecycle. A nil store disables persistence.
type SessionStore interface {
	CreateSession(ctx context.Context, rec SessionRecord) error
	CompleteSession(ctx context.Context, id, output string, toolCalls []runtime.ToolCall, durationMs int64, inputTokens, outputTokens *int64) error
	FailSession(ctx context.Context, id, errText string) error
}

// MemoryHooks supplies pre-session context and post-session episode storage.
// A nil MemoryHooks disables both; hook failures never fail the session.
type MemoryHooks interface {
	ContextBlock(ctx context.Context, tokenBudget int) (string, error)
	StoreEpisode(ctx context.Context, sessionID, content string) error
}

// Auditor appends audit entries. Implementations must never return errors
// that matter; the spawner ignores them.
type Auditor interface {
	WriteAuditEntry(ctx context.Context, butler, kind string, payload map[string]any, result, errText string)
}

// Spawner is a butler's bounded-concurrency session launcher.
type Spawner struct {
	butlerName string
	cfg        *config.ButlerConfig
	adapter    runtime.Adapter
	localURL   string
	configDir  string

	// buildEnv assembles the subprocess environment per invocation.
	buildEnv func(ctx context.Context) map[string]string

	sessions SessionStore
	memory   MemoryHooks
	audit    Auditor

	slots     chan struct{}
	accepting atomic.Bool
	inFlight  sync.WaitGroup
	active    atomic.Int64
	queued    atomic.Int64

	// sessionCtx parents every session; cancelSessions fires on drain
	// timeout so adapter subprocesses die instead of outliving shutdown.
	sessionCtx     context.Context
	cancelSessions context.CancelFunc

	metrics *metrics
}

// Options carries the optional collaborators.
type Options struct {
	Sessions  SessionStore
	Memory    MemoryHooks
	Audit     Auditor
	BuildEnv  func(ctx context.Context) map[string]string
	LocalURL  string
	ConfigDir string
}

// New creates a spawner sized by cfg.Runtime.MaxConcurrentSessions.
func New(cfg *config.ButlerConfig, adapter runtime.Adapter, opts Options) *Spawner {
	slots := cfg.Runtime.MaxConcurrentSessions
	if slots < 1 {
		slots = 1
	}
	buildEnv := opts.BuildEnv
	if buildEnv == nil {
		buildEnv = func(context.Context) map[string]string { return nil }
	}
	s := &Spawner{
		butlerName: cfg.Name,
		cfg:        cfg,
		adapter:    adapter,
		localURL:   opts.LocalURL,
		configDir:  opts.ConfigDir,
		buildEnv:   buildEnv,
		sessions:   opts.Sessions,
		memory:     opts.Memory,
		audit:      opts.Audit,
		slots:      make(chan struct{}, slots),
		metrics:    newMetrics(cfg.Name),
	}
	s.sessionCtx, s.cancelSessions = context.WithCancel(context.Background())
	s.accepting.Store(true)
	return s
}

// InFlight returns the number of sessions currently holding a slot.
func (s *Spawner) InFlight() int64 { return s.active.Load() }

// Queued returns the number of triggers waiting on a slot.
func (s *Spawner) Queued() int64 { return s.queued.Load() }

// StopAccepting makes every subsequent Trigger fail fast.
func (s *Spawner) StopAccepting() { s.accepting.Store(false) }

// Drain waits for in-flight sessions to finish, up to timeout. Sessions
// still running at the deadline are cancelled; Drain returns once they have
// unwound.
func (s *Spawner) Drain(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		active := s.active.Load()
		s.cancelSessions()
		<-done
		return fmt.Errorf("%w: %d active", ErrDrainTimeout, active)
	}
}

// Trigger runs one session and returns its result. It never panics the
// caller's flow: failures come back as Result{Success: false}.
func (s *Spawner) Trigger(ctx context.Context, req Request) Result {
	if !s.accepting.Load() {
		return Result{Success: false, Error: ErrNotAccepting.Error(), Model: s.cfg.Runtime.Model}
	}

	// Self-trigger guard: a session calling the trigger tool while every
	// slot is taken must not block on its own slot.
	if req.TriggerSource == TriggerSourceTrigger {
		select {
		case s.slots <- struct{}{}:
		default:
			s.metrics.selfTriggerRejected(ctx)
			return Result{
				Success: false,
				Error:   "trigger rejected: all concurrency slots busy (self-trigger would deadlock)",
				Model:   s.cfg.Runtime.Model,
			}
		}
	} else {
		s.queued.Add(1)
		s.metrics.queuedGauge(ctx, 1)
		select {
		case s.slots <- struct{}{}:
		case <-ctx.Done():
			s.queued.Add(-1)
			s.metrics.queuedGauge(ctx, -1)
			return Result{Success: false, Error: ctx.Err().Error(), Model: s.cfg.Runtime.Model}
		}
		s.queued.Add(-1)
		s.metrics.queuedGauge(ctx, -1)
	}

	s.inFlight.Add(1)
	s.active.Add(1)
	s.metrics.activeGauge(ctx, 1)

	start := time.Now()
	defer func() {
		<-s.slots
		s.active.Add(-1)
		s.metrics.activeGauge(ctx, -1)
		s.metrics.sessionDuration(ctx, time.Since(start))
		s.inFlight.Done()
	}()

	return s.run(ctx, req, start)
}

func (s *Spawner) run(ctx context.Context, req Request, start time.Time) Result {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.sessionCtx, cancel)
	defer stop()

	if req.ParentContext.IsValid() {
		ctx = trace.ContextWithSpanContext(ctx, req.ParentContext)
	}
	ctx, span := telemetry.Tracer("butlers/spawner").Start(ctx, "butler.llm_session",
		trace.WithAttributes(
			attribute.String("butler.name", s.butlerName),
			attribute.String("trigger.source", req.TriggerSource),
			attribute.String("request.id", req.RequestID),
		))
	defer span.End()

	sessionID := newSessionID()
	model := s.cfg.Runtime.Model
	span.SetAttributes(attribute.String("session.id", sessionID))

	if s.sessions != nil {
		rec := SessionRecord{
			ID:            sessionID,
			Prompt:        req.Prompt,
			TriggerSource: req.TriggerSource,
			TraceID:       span.SpanContext().TraceID().String(),
			Model:         model,
			RequestID:     req.RequestID,
		}
		if err := s.sessions.CreateSession(ctx, rec); err != nil {
			slog.Error("Failed to create session record", "session_id", sessionID, "error", err)
		}
	}

	prompt := req.Prompt
	if req.Context != "" {
		prompt = prompt + "\n\n" + req.Context
	}

	systemPrompt, err := s.adapter.ParseSystemPromptFile(s.configDir)
	if err != nil {
		slog.Warn("Failed to read system prompt file", "butler", s.butlerName, "error", err)
	}
	systemPrompt = s.appendMemoryContext(ctx, systemPrompt)

	maxTurns := req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = s.cfg.Runtime.MaxTurns
	}

	env := s.buildEnv(ctx)
	if tp := traceparent(span.SpanContext()); tp != "" {
		if env == nil {
			env = make(map[string]string, 1)
		}
		env["TRACEPARENT"] = tp
	}

	invokeReq := runtime.InvokeRequest{
		Prompt:       prompt,
		SystemPrompt: systemPrompt,
		MCPServers:   map[string]string{s.butlerName: s.localURL},
		Env:          env,
		MaxTurns:     maxTurns,
		Model:        model,
		Timeout:      s.cfg.Runtime.SessionTimeout(),
	}

	worker := s.adapter.CreateWorker()
	invokeResult, invokeErr := worker.Invoke(ctx, invokeReq)
	durationMs := time.Since(start).Milliseconds()

	if invokeErr != nil {
		span.RecordError(invokeErr)
		span.SetStatus(codes.Error, invokeErr.Error())
		if s.sessions != nil {
			if err := s.sessions.FailSession(ctx, sessionID, invokeErr.Error()); err != nil {
				slog.Error("Failed to mark session failed", "session_id", sessionID, "error", err)
			}
		}
		s.writeAudit(ctx, req, sessionID, "error", invokeErr.Error())
		return Result{
			Success:    false,
			Error:      invokeErr.Error(),
			DurationMs: durationMs,
			Model:      model,
			SessionID:  sessionID,
		}
	}

	var inTokens, outTokens *int64
	if invokeResult.Usage != nil {
		in, out := invokeResult.Usage.InputTokens, invokeResult.Usage.OutputTokens
		inTokens, outTokens = &in, &out
	}

	if s.sessions != nil {
		if err := s.sessions.CompleteSession(ctx, sessionID, invokeResult.Text, invokeResult.ToolCalls, durationMs, inTokens, outTokens); err != nil {
			slog.Error("Failed to complete session record", "session_id", sessionID, "error", err)
		}
	}
	s.writeAudit(ctx, req, sessionID, "ok", "")
	s.storeEpisode(ctx, sessionID, invokeResult.Text)

	return Result{
		Output:       invokeResult.Text,
		Success:      true,
		ToolCalls:    invokeResult.ToolCalls,
		DurationMs:   durationMs,
		Model:        model,
		SessionID:    sessionID,
		InputTokens:  inTokens,
		OutputTokens: outTokens,
	}
}

// appendMemoryContext fetches the memory context block and appends it to the
// system prompt with exactly one blank line between them. Fetch failures are
// logged and ignored.
func (s *Spawner) appendMemoryContext(ctx context.Context, systemPrompt string) string {
	if s.memory == nil {
		return systemPrompt
	}
	budget := s.cfg.Memory.Retrieval.ContextTokenBudget
	block, err := s.memory.ContextBlock(ctx, budget)
	if err != nil {
		slog.Warn("Memory context fetch failed", "butler", s.butlerName, "error", err)
		return systemPrompt
	}
	if block == "" {
		return systemPrompt
	}
	if systemPrompt == "" {
		return block
	}
	return strings.TrimRight(systemPrompt, "\n") + "\n\n" + block
}

func (s *Spawner) storeEpisode(ctx context.Context, sessionID, output string) {
	if s.memory == nil || output == "" {
		return
	}
	if err := s.memory.StoreEpisode(ctx, sessionID, output); err != nil {
		slog.Warn("Episode store failed", "session_id", sessionID, "error", err)
	}
}

func (s *Spawner) writeAudit(ctx context.Context, req Request, sessionID, result, errText string) {
	if s.audit == nil {
		return
	}
	s.audit.WriteAuditEntry(ctx, s.butlerName, "llm_session", map[string]any{
		"session_id":     sessionID,
		"trigger_source": req.TriggerSource,
		"request_id":     req.RequestID,
	}, result, errText)
}

// newSessionID returns a time-ordered UUID so session rows sort by creation.
func newSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// traceparent renders the W3C header for subprocess trace propagation.
func traceparent(sc trace.SpanContext) string {
	if !sc.IsValid() {
		return ""
	}
	return fmt.Sprintf("00-%s-%s-%s", sc.TraceID(), sc.SpanID(), sc.TraceFlags())
}
