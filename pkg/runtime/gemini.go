package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// geminiPromptFiles is the lookup order for the Gemini system prompt. The
// adapter never falls back to another runtime's file.
var geminiPromptFiles = []string{"GEMINI.md", "AGENTS.md"}

var geminiBlockedEnv = map[string]bool{
	"ANTHROPIC_API_KEY": true,
}

// GeminiAdapter drives the gemini CLI in JSON streaming mode.
type GeminiAdapter struct {
	command string
}

// NewGeminiAdapter returns an adapter invoking the "gemini" binary from PATH.
func NewGeminiAdapter() *GeminiAdapter {
	return &GeminiAdapter{command: "gemini"}
}

// Name returns "gemini".
func (a *GeminiAdapter) Name() string { return "gemini" }

// CreateWorker returns an independent instance for one session.
func (a *GeminiAdapter) CreateWorker() Adapter {
	return &GeminiAdapter{command: a.command}
}

// ParseSystemPromptFile reads GEMINI.md, then AGENTS.md, from configDir.
// Missing files yield an empty prompt.
func (a *GeminiAdapter) ParseSystemPromptFile(configDir string) (string, error) {
	for _, name := range geminiPromptFiles {
		data, err := os.ReadFile(filepath.Join(configDir, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", name, err)
		}
		return string(data), nil
	}
	return "", nil
}

// geminiSettings mirrors the settings.json shape the CLI loads.
type geminiSettings struct {
	MCPServers map[string]geminiMCPServer `json:"mcpServers"`
}

type geminiMCPServer struct {
	HTTPURL string `json:"httpUrl"`
}

// BuildConfigFile writes settings.json into tmpDir and returns its path.
func (a *GeminiAdapter) BuildConfigFile(mcpServers map[string]string, tmpDir string) (string, error) {
	cfg := geminiSettings{MCPServers: make(map[string]geminiMCPServer, len(mcpServers))}
	for name, url := range mcpServers {
		cfg.MCPServers[name] = geminiMCPServer{HTTPURL: url}
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling gemini settings: %w", err)
	}

	path := filepath.Join(tmpDir, "settings.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("writing gemini settings: %w", err)
	}
	return path, nil
}

// geminiStreamEvent is one NDJSON line from the gemini CLI. The CLI mixes
// content events with functionCall events; both are normalised into the
// shared result shape.
type geminiStreamEvent struct {
	Type string `json:"type"`

	Text string `json:"text"`

	FunctionCall *geminiFunctionCall `json:"functionCall"`

	Stats *geminiStats `json:"stats"`

	Error *geminiError `json:"error"`
}

type geminiFunctionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type geminiStats struct {
	PromptTokenCount     int64 `json:"promptTokenCount"`
	CandidatesTokenCount int64 `json:"candidatesTokenCount"`
}

type geminiError struct {
	Message string `json:"message"`
}

func parseGeminiLine(line []byte, result *InvokeResult) error {
	var ev geminiStreamEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil
	}

	switch ev.Type {
	case "content":
		result.Text += ev.Text
	case "tool_call":
		if ev.FunctionCall == nil {
			return nil
		}
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:    ev.FunctionCall.ID,
			Name:  ev.FunctionCall.Name,
			Input: ev.FunctionCall.Args,
		})
	case "result":
		if ev.Error != nil {
			return fmt.Errorf("runtime reported error: %s", ev.Error.Message)
		}
		if ev.Stats != nil {
			result.Usage = &Usage{
				InputTokens:  ev.Stats.PromptTokenCount,
				OutputTokens: ev.Stats.CandidatesTokenCount,
			}
		}
	}
	return nil
}

// Invoke runs one gemini session and parses its event stream.
func (a *GeminiAdapter) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error) {
	args := []string{"--output-format", "stream-json"}
	if req.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(req.MaxTurns))
	}
	args = withModelArg(args, req)

	env := envList(req.Env, func(key string) bool { return geminiBlockedEnv[key] })
	return runStreaming(ctx, req, a.command, args, env, parseGeminiLine)
}
