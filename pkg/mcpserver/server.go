// Package mcpserver exposes a butler's tools over MCP streamable HTTP and
// provides the peer client butlers use to call each other's tools.
package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Tzeusy/butlers/pkg/module"
	"github.com/Tzeusy/butlers/pkg/version"
)

// emptyObjectSchema is the fallback for tools that declare no arguments.
var emptyObjectSchema = json.RawMessage(`{"type":"object"}`)

// Server is the butler's MCP surface. It implements module.ToolRegistrar so
// modules register tools through the gate without knowing about the SDK.
type Server struct {
	mcp *mcpsdk.Server

	mu     sync.RWMutex
	owners map[string]string // tool name → owning module ("" for core)
}

// New builds an MCP server identified by the butler's name.
func New(butlerName string) *Server {
	return &Server{
		mcp: mcpsdk.NewServer(&mcpsdk.Implementation{
			Name:    butlerName,
			Version: version.GitCommit,
		}, nil),
		owners: make(map[string]string),
	}
}

// RegisterTool adds a tool to the MCP surface. The handler's map result is
// serialized as a single JSON text content block; handler errors become
// IsError results rather than protocol failures.
func (s *Server) RegisterTool(owner string, tool module.Tool, handler module.ToolHandler) {
	schema := emptyObjectSchema
	if tool.InputSchema != nil {
		if b, err := json.Marshal(tool.InputSchema); err == nil {
			schema = b
		}
	}

	s.mcp.AddTool(&mcpsdk.Tool{
		Name:        tool.Name,
		Description: tool.Description,
		InputSchema: schema,
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var args map[string]any
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return errorResult("invalid tool arguments: " + err.Error()), nil
			}
		}

		out, err := handler(ctx, args)
		if err != nil {
			return errorResult(err.Error()), nil
		}
		payload, err := json.Marshal(out)
		if err != nil {
			return errorResult("marshaling tool result: " + err.Error()), nil
		}
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(payload)}},
		}, nil
	})

	s.mu.Lock()
	s.owners[tool.Name] = owner
	s.mu.Unlock()
}

// Handler returns the streamable HTTP handler to mount under /mcp.
func (s *Server) Handler() http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server {
		return s.mcp
	}, nil)
}

// Run serves the MCP server over an arbitrary transport. Used by tests with
// in-memory transports.
func (s *Server) Run(ctx context.Context, transport mcpsdk.Transport) error {
	return s.mcp.Run(ctx, transport)
}

// ToolNames returns the registered tool names, sorted.
func (s *Server) ToolNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.owners))
	for name := range s.owners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Owner returns the owning module of a registered tool.
func (s *Server) Owner(toolName string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	owner, ok := s.owners[toolName]
	return owner, ok
}

func errorResult(msg string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: msg}},
		IsError: true,
	}
}
