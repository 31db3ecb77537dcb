// Package module defines the plugin contract every butler module implements,
// the dependency-ordered registry, the runtime state controller, and the
// tool-call gate.
package module

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Tzeusy/butlers/pkg/config"
	"github.com/Tzeusy/butlers/pkg/credstore"
)

var (
	// ErrUnknownModule indicates a module name not present in the registry
	// or state map.
	ErrUnknownModule = errors.New("unknown module")

	// ErrModuleUnavailable indicates an operation on a module whose health
	// is failed.
	ErrModuleUnavailable = errors.New("module unavailable")
)

// Tool describes one tool a module contributes to the butler's MCP surface.
type Tool struct {
	Name        string
	Description string

	// InputSchema is a JSON-schema fragment for the tool's arguments.
	InputSchema map[string]any
}

// ToolHandler executes one tool call. Arguments arrive as decoded JSON.
type ToolHandler func(ctx context.Context, args map[string]any) (map[string]any, error)

// ToolRegistrar receives tool registrations from modules. The MCP server
// implements it; modules never talk to the server directly so the gate can
// sit in between.
type ToolRegistrar interface {
	RegisterTool(owner string, tool Tool, handler ToolHandler)
}

// Module is the typed plugin contract. A module contributes tools,
// migrations, credentials, and startup/shutdown hooks to its butler.
type Module interface {
	// Name is the module's unique identifier within the butler.
	Name() string

	// ConfigSchema declares the module's settings so unknown fields can be
	// rejected at startup.
	ConfigSchema() Schema

	// Dependencies lists module names that must start before this one.
	Dependencies() []string

	// CredentialsEnv lists env var keys the module needs resolved.
	CredentialsEnv() []string

	// MigrationChain names the module's migration chain, or "" for none.
	MigrationChain() string

	// RegisterTools registers the module's tools. Registration is
	// side-effecting; handlers run through the tool-call gate.
	RegisterTools(reg ToolRegistrar, cfg config.ModuleConfig, pool *pgxpool.Pool) error

	// OnStartup initialises the module. An error here fails the butler's
	// startup and triggers reverse-order cleanup.
	OnStartup(ctx context.Context, cfg config.ModuleConfig, pool *pgxpool.Pool, creds *credstore.Store) error

	// OnShutdown releases the module's resources. Errors are logged and
	// swallowed during daemon shutdown.
	OnShutdown(ctx context.Context) error
}

// Schema declares the fields a module accepts in its settings block.
type Schema struct {
	// Fields maps setting name to a short type tag ("string", "int",
	// "bool", "float", "list", "map").
	Fields map[string]string
}

// Validate rejects settings with keys the schema does not declare.
func (s Schema) Validate(moduleName string, settings map[string]any) error {
	if len(settings) == 0 {
		return nil
	}
	for key := range settings {
		if _, ok := s.Fields[key]; !ok {
			return fmt.Errorf("module %q: unknown setting %q", moduleName, key)
		}
	}
	return nil
}
