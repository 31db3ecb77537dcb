// Package runtime abstracts the external LLM CLI runtimes (Claude, Gemini)
// behind one adapter contract: build a config file, read the adapter's
// system prompt file, spawn the CLI, and stream-parse its per-line events.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownAdapter indicates an adapter name with no registered factory.
	ErrUnknownAdapter = errors.New("unknown runtime adapter")

	// ErrNoPrompt indicates an Invoke call with an empty prompt.
	ErrNoPrompt = errors.New("prompt must not be empty")
)

// ToolCall is one tool invocation emitted by the runtime, normalised across
// adapters (Claude tool_use blocks, Gemini functionCall events).
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// Usage is the token accounting for one invocation, when the runtime
// reports it.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// InvokeRequest carries everything one session invocation needs.
type InvokeRequest struct {
	Prompt       string
	SystemPrompt string

	// MCPServers maps server name to URL; the butler locks this down to
	// its own local server.
	MCPServers map[string]string

	// Env is the complete environment for the subprocess. The adapter
	// filters out secrets not meant for its runtime before spawning.
	Env map[string]string

	MaxTurns int
	Model    string
	CWD      string
	Timeout  time.Duration
}

// InvokeResult is the normalised outcome of one invocation.
type InvokeResult struct {
	// Text is the at-most-one result text; empty when the runtime produced
	// none.
	Text string

	ToolCalls []ToolCall

	// Usage is nil when the runtime did not report token counts.
	Usage *Usage
}

// Adapter is the narrow extension point for LLM runtimes.
type Adapter interface {
	// Name identifies the adapter ("claude", "gemini").
	Name() string

	// ParseSystemPromptFile reads the adapter-specific markdown prompt
	// file from configDir. Missing files yield an empty prompt, not an
	// error. Each adapter decides its own file priority and never reads
	// another adapter's file.
	ParseSystemPromptFile(configDir string) (string, error)

	// BuildConfigFile writes the MCP server mapping the CLI will load and
	// returns its path.
	BuildConfigFile(mcpServers map[string]string, tmpDir string) (string, error)

	// Invoke spawns the subprocess and stream-parses its events.
	// Cancelling ctx kills the subprocess. Non-zero exit returns an error
	// carrying a best-effort stderr excerpt.
	Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error)

	// CreateWorker returns an independent adapter instance sharing only
	// static configuration, so concurrent sessions cannot cross-talk.
	CreateWorker() Adapter
}

// NewAdapter constructs the named adapter.
func NewAdapter(name string) (Adapter, error) {
	switch name {
	case "claude":
		return NewClaudeAdapter(), nil
	case "gemini":
		return NewGeminiAdapter(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownAdapter, name)
	}
}
