package spawner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tzeusy/butlers/pkg/config"
	"github.com/Tzeusy/butlers/pkg/runtime"
)

// fakeAdapter blocks inside Invoke until released, so tests can hold slots.
type fakeAdapter struct {
	mu        sync.Mutex
	release   chan struct{}
	invokeErr error
	result    *runtime.InvokeResult

	lastReq runtime.InvokeRequest
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		release: make(chan struct{}),
		result:  &runtime.InvokeResult{Text: "ok"},
	}
}

func (a *fakeAdapter) Name() string { return "fake" }
func (a *fakeAdapter) ParseSystemPromptFile(string) (string, error) {
	return "You are a test butler.", nil
}
func (a *fakeAdapter) BuildConfigFile(map[string]string, string) (string, error) { return "", nil }
func (a *fakeAdapter) CreateWorker() runtime.Adapter                            { return a }

func (a *fakeAdapter) Invoke(ctx context.Context, req runtime.InvokeRequest) (*runtime.InvokeResult, error) {
	a.mu.Lock()
	a.lastReq = req
	a.mu.Unlock()
	select {
	case <-a.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if a.invokeErr != nil {
		return nil, a.invokeErr
	}
	return a.result, nil
}

type recordingSessions struct {
	mu        sync.Mutex
	created   []SessionRecord
	completed []string
	failed    map[string]string
}

func newRecordingSessions() *recordingSessions {
	return &recordingSessions{failed: make(map[string]string)}
}

func (r *recordingSessions) CreateSession(_ context.Context, rec SessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, rec)
	return nil
}

func (r *recordingSessions) CompleteSession(_ context.Context, id, _ string, _ []runtime.ToolCall, _ int64, _, _ *int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, id)
	return nil
}

func (r *recordingSessions) FailSession(_ context.Context, id, errText string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[id] = errText
	return nil
}

type stubMemory struct {
	block    string
	blockErr error
	episodes []string
}

func (m *stubMemory) ContextBlock(context.Context, int) (string, error) {
	return m.block, m.blockErr
}

func (m *stubMemory) StoreEpisode(_ context.Context, sessionID, _ string) error {
	m.episodes = append(m.episodes, sessionID)
	return nil
}

func testConfig(slots int) *config.ButlerConfig {
	cfg := config.DefaultConfig()
	cfg.Name = "general"
	cfg.Runtime.MaxConcurrentSessions = slots
	cfg.Runtime.Model = "claude-sonnet-4-5"
	return cfg
}

func TestTriggerSuccess(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.result = &runtime.InvokeResult{
		Text:      "done",
		ToolCalls: []runtime.ToolCall{{ID: "tu_1", Name: "trigger"}},
		Usage:     &runtime.Usage{InputTokens: 100, OutputTokens: 20},
	}
	close(adapter.release)

	sessions := newRecordingSessions()
	memory := &stubMemory{}
	s := New(testConfig(2), adapter, Options{
		Sessions: sessions,
		Memory:   memory,
		LocalURL: "http://127.0.0.1:8203/mcp",
	})

	res := s.Trigger(context.Background(), Request{Prompt: "hello", TriggerSource: "schedule:digest"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "done", res.Output)
	assert.Len(t, res.ToolCalls, 1)
	assert.NotEmpty(t, res.SessionID)
	require.NotNil(t, res.InputTokens)
	assert.Equal(t, int64(100), *res.InputTokens)

	require.Len(t, sessions.created, 1)
	assert.Equal(t, res.SessionID, sessions.created[0].ID)
	assert.Equal(t, []string{res.SessionID}, sessions.completed)
	assert.Equal(t, []string{res.SessionID}, memory.episodes)

	// MCP surface is locked to the butler's own server.
	assert.Equal(t, map[string]string{"general": "http://127.0.0.1:8203/mcp"}, adapter.lastReq.MCPServers)

	assert.Equal(t, int64(0), s.InFlight())
	assert.Equal(t, int64(0), s.Queued())
}

func TestTriggerFailure(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.invokeErr = errors.New("subprocess exploded")
	close(adapter.release)

	sessions := newRecordingSessions()
	s := New(testConfig(1), adapter, Options{Sessions: sessions})

	res := s.Trigger(context.Background(), Request{Prompt: "hello", TriggerSource: "api"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "subprocess exploded")
	assert.NotEmpty(t, res.SessionID)
	assert.Contains(t, sessions.failed[res.SessionID], "subprocess exploded")

	assert.Equal(t, int64(0), s.InFlight())
}

func TestSelfTriggerGuard(t *testing.T) {
	adapter := newFakeAdapter()
	s := New(testConfig(1), adapter, Options{})

	var outer Result
	done := make(chan struct{})
	go func() {
		outer = s.Trigger(context.Background(), Request{Prompt: "long task", TriggerSource: "api"})
		close(done)
	}()

	// Wait for the outer session to hold the only slot.
	require.Eventually(t, func() bool { return s.InFlight() == 1 }, time.Second, 5*time.Millisecond)

	// A self-trigger must fail immediately rather than wait for a slot.
	start := time.Now()
	nested := s.Trigger(context.Background(), Request{Prompt: "nested", TriggerSource: TriggerSourceTrigger})
	assert.False(t, nested.Success)
	assert.Contains(t, nested.Error, "rejected")
	assert.Less(t, time.Since(start), 200*time.Millisecond)
	assert.Empty(t, nested.SessionID)

	close(adapter.release)
	<-done
	assert.True(t, outer.Success)
	assert.Equal(t, int64(0), s.InFlight())
}

func TestNonSelfTriggerBlocksForSlot(t *testing.T) {
	adapter := newFakeAdapter()
	s := New(testConfig(1), adapter, Options{})

	go s.Trigger(context.Background(), Request{Prompt: "first", TriggerSource: "api"})
	require.Eventually(t, func() bool { return s.InFlight() == 1 }, time.Second, 5*time.Millisecond)

	results := make(chan Result, 1)
	go func() {
		results <- s.Trigger(context.Background(), Request{Prompt: "second", TriggerSource: "api"})
	}()
	require.Eventually(t, func() bool { return s.Queued() == 1 }, time.Second, 5*time.Millisecond)

	close(adapter.release)
	res := <-results
	assert.True(t, res.Success)
	assert.Equal(t, int64(0), s.Queued())
	assert.Equal(t, int64(0), s.InFlight())
}

func TestStopAcceptingAndDrain(t *testing.T) {
	adapter := newFakeAdapter()
	s := New(testConfig(1), adapter, Options{})

	go s.Trigger(context.Background(), Request{Prompt: "work", TriggerSource: "api"})
	require.Eventually(t, func() bool { return s.InFlight() == 1 }, time.Second, 5*time.Millisecond)

	s.StopAccepting()
	res := s.Trigger(context.Background(), Request{Prompt: "late", TriggerSource: "api"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not accepting")

	// Drain times out while the session is stuck.
	err := s.Drain(50 * time.Millisecond)
	assert.ErrorIs(t, err, ErrDrainTimeout)

	close(adapter.release)
	assert.NoError(t, s.Drain(time.Second))
}

func TestDrainTimeoutCancelsSessions(t *testing.T) {
	adapter := newFakeAdapter()
	s := New(testConfig(1), adapter, Options{})

	results := make(chan Result, 1)
	go func() {
		results <- s.Trigger(context.Background(), Request{Prompt: "stuck", TriggerSource: "api"})
	}()
	require.Eventually(t, func() bool { return s.InFlight() == 1 }, time.Second, 5*time.Millisecond)

	s.StopAccepting()
	err := s.Drain(50 * time.Millisecond)
	assert.ErrorIs(t, err, ErrDrainTimeout)

	// The stuck session was cancelled rather than left running.
	res := <-results
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, context.Canceled.Error())
	assert.Equal(t, int64(0), s.InFlight())
}

func TestTriggerCancelledWhileQueued(t *testing.T) {
	adapter := newFakeAdapter()
	s := New(testConfig(1), adapter, Options{})

	go s.Trigger(context.Background(), Request{Prompt: "first", TriggerSource: "api"})
	require.Eventually(t, func() bool { return s.InFlight() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan Result, 1)
	go func() {
		results <- s.Trigger(ctx, Request{Prompt: "second", TriggerSource: "api"})
	}()
	require.Eventually(t, func() bool { return s.Queued() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	res := <-results
	assert.False(t, res.Success)
	assert.Equal(t, int64(0), s.Queued())

	close(adapter.release)
	require.NoError(t, s.Drain(time.Second))
	assert.Equal(t, int64(0), s.InFlight())
}

func TestMemoryContextSeparator(t *testing.T) {
	adapter := newFakeAdapter()
	close(adapter.release)

	memory := &stubMemory{block: "## Memory Context\n- likes espresso"}
	s := New(testConfig(1), adapter, Options{Memory: memory})

	res := s.Trigger(context.Background(), Request{Prompt: "hi", TriggerSource: "api"})
	require.True(t, res.Success)

	// Exactly one blank line between the system prompt and the memory block.
	assert.Equal(t, "You are a test butler.\n\n## Memory Context\n- likes espresso",
		adapter.lastReq.SystemPrompt)
}

func TestMemoryFailureNeverFailsSession(t *testing.T) {
	adapter := newFakeAdapter()
	close(adapter.release)

	memory := &stubMemory{blockErr: errors.New("memory db down")}
	s := New(testConfig(1), adapter, Options{Memory: memory})

	res := s.Trigger(context.Background(), Request{Prompt: "hi", TriggerSource: "api"})
	assert.True(t, res.Success)
	assert.False(t, strings.Contains(res.Error, "memory"))
}
