package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// claudePromptFile is the system prompt file the Claude CLI convention uses.
const claudePromptFile = "CLAUDE.md"

// claudeBlockedEnv lists env keys that belong to other runtimes and must
// never leak into a Claude subprocess.
var claudeBlockedEnv = map[string]bool{
	"GEMINI_API_KEY": true,
	"GOOGLE_API_KEY": true,
}

// ClaudeAdapter drives the claude CLI in stream-json mode.
type ClaudeAdapter struct {
	command string
}

// NewClaudeAdapter returns an adapter invoking the "claude" binary from PATH.
func NewClaudeAdapter() *ClaudeAdapter {
	return &ClaudeAdapter{command: "claude"}
}

// Name returns "claude".
func (a *ClaudeAdapter) Name() string { return "claude" }

// CreateWorker returns an independent instance for one session.
func (a *ClaudeAdapter) CreateWorker() Adapter {
	return &ClaudeAdapter{command: a.command}
}

// ParseSystemPromptFile reads CLAUDE.md from configDir. A missing file is an
// empty prompt, not an error.
func (a *ClaudeAdapter) ParseSystemPromptFile(configDir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(configDir, claudePromptFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", claudePromptFile, err)
	}
	return string(data), nil
}

// claudeMCPConfig mirrors the .mcp.json shape the CLI loads.
type claudeMCPConfig struct {
	MCPServers map[string]claudeMCPServer `json:"mcpServers"`
}

type claudeMCPServer struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// BuildConfigFile writes .mcp.json into tmpDir and returns its path.
func (a *ClaudeAdapter) BuildConfigFile(mcpServers map[string]string, tmpDir string) (string, error) {
	cfg := claudeMCPConfig{MCPServers: make(map[string]claudeMCPServer, len(mcpServers))}
	for name, url := range mcpServers {
		cfg.MCPServers[name] = claudeMCPServer{Type: "http", URL: url}
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling mcp config: %w", err)
	}

	path := filepath.Join(tmpDir, ".mcp.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("writing mcp config: %w", err)
	}
	return path, nil
}

// claudeStreamEvent is one NDJSON line from --output-format stream-json.
type claudeStreamEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`

	Message *claudeMessage `json:"message"`

	// Result fields, present on the terminal event.
	Result  string       `json:"result"`
	IsError bool         `json:"is_error"`
	Usage   *claudeUsage `json:"usage"`
}

type claudeMessage struct {
	Content []claudeContentBlock `json:"content"`
	Usage   *claudeUsage         `json:"usage"`
}

type claudeContentBlock struct {
	Type  string         `json:"type"`
	Text  string         `json:"text"`
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

type claudeUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// parseClaudeLine folds one stream-json event into the result. Assistant
// events contribute tool_use blocks; the result event contributes the final
// text and token usage.
func parseClaudeLine(line []byte, result *InvokeResult) error {
	var ev claudeStreamEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		// Non-JSON noise on stdout is skipped rather than fatal.
		return nil
	}

	switch ev.Type {
	case "assistant":
		if ev.Message == nil {
			return nil
		}
		for _, block := range ev.Message.Content {
			if block.Type != "tool_use" {
				continue
			}
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: block.Input,
			})
		}
	case "result":
		if ev.IsError {
			msg := strings.TrimSpace(ev.Result)
			if msg == "" {
				msg = ev.Subtype
			}
			return fmt.Errorf("runtime reported error: %s", msg)
		}
		result.Text = ev.Result
		if ev.Usage != nil {
			result.Usage = &Usage{
				InputTokens:  ev.Usage.InputTokens,
				OutputTokens: ev.Usage.OutputTokens,
			}
		}
	}
	return nil
}

// Invoke runs one claude session in print mode and parses its event stream.
func (a *ClaudeAdapter) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if req.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(req.MaxTurns))
	}
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}
	if len(req.MCPServers) > 0 {
		cfgPath, err := a.BuildConfigFile(req.MCPServers, cwdOrTemp(req.CWD))
		if err != nil {
			return nil, err
		}
		args = append(args, "--mcp-config", cfgPath)
	}
	args = withModelArg(args, req)

	env := envList(req.Env, func(key string) bool { return claudeBlockedEnv[key] })
	return runStreaming(ctx, req, a.command, args, env, parseClaudeLine)
}

// cwdOrTemp picks where adapter config files land.
func cwdOrTemp(cwd string) string {
	if cwd != "" {
		return cwd
	}
	return os.TempDir()
}
