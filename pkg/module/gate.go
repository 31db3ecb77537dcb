package module

import "context"

// DisabledResult is the structured error returned to tool callers when the
// owning module is disabled. It is a value, not an exception: the LLM sees
// it as a normal tool result and can tell the user.
func DisabledResult(moduleName string) map[string]any {
	return map[string]any{
		"error":   "module_disabled",
		"module":  moduleName,
		"message": "The " + moduleName + " module is disabled. Enable it from the dashboard.",
	}
}

// GatedRegistrar wraps a ToolRegistrar so every registered handler consults
// the runtime-state map on each invocation. Tools with no owning module
// (owner "") are never gated; so are tools whose owner is absent from the
// state map.
type GatedRegistrar struct {
	inner  ToolRegistrar
	states *StateController
}

// NewGatedRegistrar wraps inner with the gate.
func NewGatedRegistrar(inner ToolRegistrar, states *StateController) *GatedRegistrar {
	return &GatedRegistrar{inner: inner, states: states}
}

// RegisterTool registers the tool with a gate wrapper around its handler.
func (g *GatedRegistrar) RegisterTool(owner string, tool Tool, handler ToolHandler) {
	if owner == "" {
		g.inner.RegisterTool(owner, tool, handler)
		return
	}

	gated := func(ctx context.Context, args map[string]any) (map[string]any, error) {
		if !g.states.IsCallable(owner) {
			return DisabledResult(owner), nil
		}
		return handler(ctx, args)
	}
	g.inner.RegisterTool(owner, tool, gated)
}
