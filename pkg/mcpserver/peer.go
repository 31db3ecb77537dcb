package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Tzeusy/butlers/pkg/version"
)

// Peer connection budgets.
const (
	ConnectTimeout   = 10 * time.Second
	CallTimeout      = 120 * time.Second
	ListToolsTimeout = 15 * time.Second
)

// PeerClient manages MCP sessions to other butlers over streamable HTTP.
// Thread-safe; one instance lives for the daemon's lifetime.
type PeerClient struct {
	mu          sync.RWMutex
	sessions    map[string]*mcpsdk.ClientSession
	endpoints   map[string]string
	failedPeers map[string]string

	// Per-peer mutex serializes connection attempts.
	connectMu sync.Map
}

// NewPeerClient creates an empty client; peers connect lazily on first use.
func NewPeerClient() *PeerClient {
	return &PeerClient{
		sessions:    make(map[string]*mcpsdk.ClientSession),
		endpoints:   make(map[string]string),
		failedPeers: make(map[string]string),
	}
}

// Register records a peer's MCP endpoint without connecting.
func (p *PeerClient) Register(peerName, url string) {
	p.mu.Lock()
	p.endpoints[peerName] = url
	p.mu.Unlock()
}

// Connect establishes a session to a registered peer. Returns nil when the
// session already exists.
func (p *PeerClient) Connect(ctx context.Context, peerName string) error {
	muI, _ := p.connectMu.LoadOrStore(peerName, &sync.Mutex{})
	mu := muI.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	p.mu.RLock()
	_, connected := p.sessions[peerName]
	url, registered := p.endpoints[peerName]
	p.mu.RUnlock()
	if connected {
		return nil
	}
	if !registered {
		return fmt.Errorf("peer %q not registered", peerName)
	}

	connectCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, nil)
	session, err := client.Connect(connectCtx, &mcpsdk.StreamableClientTransport{Endpoint: url}, nil)
	if err != nil {
		p.mu.Lock()
		p.failedPeers[peerName] = err.Error()
		p.mu.Unlock()
		return fmt.Errorf("connecting to peer %q at %s: %w", peerName, url, err)
	}

	p.mu.Lock()
	p.sessions[peerName] = session
	delete(p.failedPeers, peerName)
	p.mu.Unlock()

	slog.Info("Peer butler connected", "peer", peerName, "url", url)
	return nil
}

// CallTool invokes a tool on a peer, connecting first if needed. The result's
// text content is returned concatenated; IsError results become errors.
func (p *PeerClient) CallTool(ctx context.Context, peerName, toolName string, args map[string]any) (string, error) {
	if err := p.Connect(ctx, peerName); err != nil {
		return "", err
	}

	p.mu.RLock()
	session := p.sessions[peerName]
	p.mu.RUnlock()
	if session == nil {
		return "", fmt.Errorf("no session for peer %q", peerName)
	}

	callCtx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	result, err := session.CallTool(callCtx, &mcpsdk.CallToolParams{
		Name:      toolName,
		Arguments: args,
	})
	if err != nil {
		// Drop the broken session so the next call reconnects.
		p.dropSession(peerName, err)
		return "", fmt.Errorf("calling %s.%s: %w", peerName, toolName, err)
	}

	text := extractText(result)
	if result.IsError {
		return "", fmt.Errorf("tool %s.%s failed: %s", peerName, toolName, text)
	}
	return text, nil
}

// CallToolJSON invokes a tool and decodes its text content as a JSON object.
func (p *PeerClient) CallToolJSON(ctx context.Context, peerName, toolName string, args map[string]any) (map[string]any, error) {
	text, err := p.CallTool(ctx, peerName, toolName, args)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, fmt.Errorf("decoding %s.%s result: %w", peerName, toolName, err)
	}
	return out, nil
}

// ListTools returns the peer's tool names.
func (p *PeerClient) ListTools(ctx context.Context, peerName string) ([]string, error) {
	if err := p.Connect(ctx, peerName); err != nil {
		return nil, err
	}

	p.mu.RLock()
	session := p.sessions[peerName]
	p.mu.RUnlock()

	listCtx, cancel := context.WithTimeout(ctx, ListToolsTimeout)
	defer cancel()

	result, err := session.ListTools(listCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("listing tools on %q: %w", peerName, err)
	}
	names := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	return names, nil
}

// FailedPeers returns a copy of the peers whose last connection failed.
func (p *PeerClient) FailedPeers() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]string, len(p.failedPeers))
	for k, v := range p.failedPeers {
		out[k] = v
	}
	return out
}

// Close shuts down every session.
func (p *PeerClient) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for name, session := range p.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing session to %q: %w", name, err)
		}
	}
	p.sessions = make(map[string]*mcpsdk.ClientSession)
	return firstErr
}

func (p *PeerClient) dropSession(peerName string, cause error) {
	p.mu.Lock()
	if session, ok := p.sessions[peerName]; ok {
		_ = session.Close()
		delete(p.sessions, peerName)
	}
	p.failedPeers[peerName] = cause.Error()
	p.mu.Unlock()
}

// injectSession wires a pre-connected session, bypassing Connect. Test hook.
func (p *PeerClient) injectSession(peerName string, session *mcpsdk.ClientSession) {
	p.mu.Lock()
	p.sessions[peerName] = session
	p.endpoints[peerName] = "inmemory"
	p.mu.Unlock()
}

func extractText(result *mcpsdk.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
