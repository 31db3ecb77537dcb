package mcpserver

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/Tzeusy/butlers/pkg/module"
	"github.com/Tzeusy/butlers/pkg/spawner"
)

// Core tool names present on every butler.
const (
	ToolTrigger            = "trigger"
	ToolModuleGetStates    = "module.get_states"
	ToolModuleSetEnabled   = "module.set_enabled"
	ToolConnectorHeartbeat = "connector.heartbeat"
	ToolRoute              = "route"
)

// SessionTrigger starts an LLM session. *spawner.Spawner satisfies it.
type SessionTrigger interface {
	Trigger(ctx context.Context, req spawner.Request) spawner.Result
}

// ModuleStates is the slice of the state controller the core tools need.
type ModuleStates interface {
	States() map[string]module.State
	SetModuleEnabled(ctx context.Context, name string, enabled bool) (module.State, error)
}

// EnvelopeSink consumes a raw envelope and returns a response payload.
// Switchboard hooks these to the ingest pipeline and heartbeat store.
type EnvelopeSink func(ctx context.Context, payload map[string]any) (map[string]any, error)

// CoreDeps carries the collaborators behind the core tools. Nil fields skip
// the corresponding tool.
type CoreDeps struct {
	Trigger SessionTrigger
	States  ModuleStates

	// Heartbeat and Route are switchboard-only.
	Heartbeat EnvelopeSink
	Route     EnvelopeSink
}

// RegisterCoreTools installs the tools every butler exposes: trigger, the
// module-state pair, and on the switchboard the peer ingress tools. Core
// tools have no owning module so the gate never disables them.
func RegisterCoreTools(reg module.ToolRegistrar, deps CoreDeps) {
	if deps.Trigger != nil {
		reg.RegisterTool("", module.Tool{
			Name:        ToolTrigger,
			Description: "Start an LLM session on this butler with the given prompt.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"prompt":  map[string]any{"type": "string"},
					"context": map[string]any{"type": "string"},
					"source":  map[string]any{"type": "string"},
				},
				"required": []any{"prompt"},
			},
		}, triggerHandler(deps.Trigger))
	}

	if deps.States != nil {
		reg.RegisterTool("", module.Tool{
			Name:        ToolModuleGetStates,
			Description: "Return the runtime state of every module on this butler.",
		}, func(ctx context.Context, _ map[string]any) (map[string]any, error) {
			out := make(map[string]any)
			for name, st := range deps.States.States() {
				out[name] = st
			}
			return map[string]any{"modules": out}, nil
		})

		reg.RegisterTool("", module.Tool{
			Name:        ToolModuleSetEnabled,
			Description: "Enable or disable a module on this butler.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"module":  map[string]any{"type": "string"},
					"enabled": map[string]any{"type": "boolean"},
				},
				"required": []any{"module", "enabled"},
			},
		}, setEnabledHandler(deps.States))
	}

	if deps.Heartbeat != nil {
		reg.RegisterTool("", module.Tool{
			Name:        ToolConnectorHeartbeat,
			Description: "Record a connector heartbeat envelope.",
		}, sinkHandler(deps.Heartbeat))
	}

	if deps.Route != nil {
		reg.RegisterTool("", module.Tool{
			Name:        ToolRoute,
			Description: "Submit an inbound message envelope for routing.",
		}, sinkHandler(deps.Route))
	}
}

func triggerHandler(trigger SessionTrigger) module.ToolHandler {
	return func(ctx context.Context, args map[string]any) (map[string]any, error) {
		prompt, _ := args["prompt"].(string)
		if prompt == "" {
			return nil, errors.New("trigger requires a non-empty prompt")
		}
		source, _ := args["source"].(string)
		if source == "" {
			source = spawner.TriggerSourceTrigger
		}
		extra, _ := args["context"].(string)

		result := trigger.Trigger(ctx, spawner.Request{
			Prompt:        prompt,
			TriggerSource: source,
			Context:       extra,
			ParentContext: trace.SpanContextFromContext(ctx),
		})

		out := map[string]any{
			"session_id":  result.SessionID,
			"success":     result.Success,
			"output":      result.Output,
			"duration_ms": result.DurationMs,
		}
		if result.Error != "" {
			out["error"] = result.Error
		}
		return out, nil
	}
}

func setEnabledHandler(states ModuleStates) module.ToolHandler {
	return func(ctx context.Context, args map[string]any) (map[string]any, error) {
		name, _ := args["module"].(string)
		enabled, ok := args["enabled"].(bool)
		if name == "" || !ok {
			return nil, errors.New("module.set_enabled requires module and enabled")
		}

		st, err := states.SetModuleEnabled(ctx, name, enabled)
		if err != nil {
			return nil, fmt.Errorf("toggling module %q: %w", name, err)
		}
		return map[string]any{"module": name, "state": st}, nil
	}
}

func sinkHandler(sink EnvelopeSink) module.ToolHandler {
	return func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return sink(ctx, args)
	}
}
