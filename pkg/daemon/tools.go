package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Tzeusy/butlers/pkg/approvals"
	"github.com/Tzeusy/butlers/pkg/delivery"
	"github.com/Tzeusy/butlers/pkg/module"
)

// Switchboard-only tool names.
const (
	ToolApprovalRequest         = "approval.request"
	ToolApprovalDecide          = "approval.decide"
	ToolApprovalRecordExecution = "approval.record_execution"
	ToolDeliverySend            = "delivery.send"
)

// approvalExpiryInterval paces the sweep that marks overdue pending actions
// expired.
const approvalExpiryInterval = time.Minute

// registerApprovalTools exposes the pending-action lifecycle over MCP so
// sessions can gate sensitive tool calls on a human (or rule) decision.
func registerApprovalTools(reg module.ToolRegistrar, store *approvals.Store) {
	reg.RegisterTool("", module.Tool{
		Name:        ToolApprovalRequest,
		Description: "File an action for approval. Matching rules auto-approve it.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"tool_name": map[string]any{"type": "string"},
				"args":      map[string]any{"type": "object"},
				"ttl_s":     map[string]any{"type": "integer"},
			},
			"required": []string{"tool_name"},
		},
	}, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		toolName, _ := args["tool_name"].(string)
		if toolName == "" {
			return nil, fmt.Errorf("tool_name is required")
		}
		actionArgs, _ := args["args"].(map[string]any)
		var ttl time.Duration
		if seconds, ok := args["ttl_s"].(float64); ok && seconds > 0 {
			ttl = time.Duration(seconds) * time.Second
		}

		action, err := store.RequestApproval(ctx, toolName, actionArgs, ttl)
		if err != nil {
			return nil, err
		}
		out := map[string]any{
			"action_id": action.ID,
			"status":    action.Status,
		}
		if action.DecidedBy != "" {
			out["decided_by"] = action.DecidedBy
		}
		if action.ExpiresAt != nil {
			out["expires_at"] = action.ExpiresAt.UTC().Format(time.RFC3339)
		}
		return out, nil
	})

	reg.RegisterTool("", module.Tool{
		Name:        ToolApprovalDecide,
		Description: "Approve or deny a pending action.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action_id":  map[string]any{"type": "string"},
				"approve":    map[string]any{"type": "boolean"},
				"decided_by": map[string]any{"type": "string"},
			},
			"required": []string{"action_id", "approve"},
		},
	}, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		actionID, _ := args["action_id"].(string)
		if actionID == "" {
			return nil, fmt.Errorf("action_id is required")
		}
		approve, _ := args["approve"].(bool)
		decidedBy, _ := args["decided_by"].(string)
		if decidedBy == "" {
			decidedBy = "operator"
		}

		if err := store.Decide(ctx, actionID, approve, decidedBy); err != nil {
			return nil, err
		}
		status := approvals.StatusRejected
		if approve {
			status = approvals.StatusApproved
		}
		return map[string]any{"action_id": actionID, "status": status}, nil
	})

	reg.RegisterTool("", module.Tool{
		Name:        ToolApprovalRecordExecution,
		Description: "Record the execution result of an approved action.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"action_id": map[string]any{"type": "string"},
				"result":    map[string]any{"type": "object"},
			},
			"required": []string{"action_id"},
		},
	}, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		actionID, _ := args["action_id"].(string)
		if actionID == "" {
			return nil, fmt.Errorf("action_id is required")
		}
		result, _ := args["result"].(map[string]any)
		if err := store.RecordExecution(ctx, actionID, result); err != nil {
			return nil, err
		}
		return map[string]any{"action_id": actionID, "status": approvals.StatusExecuted}, nil
	})
}

// registerDeliveryTool exposes outbound delivery for every channel with a
// configured transport.
func registerDeliveryTool(reg module.ToolRegistrar, senders map[string]*delivery.Sender) {
	reg.RegisterTool("", module.Tool{
		Name:        ToolDeliverySend,
		Description: "Send an outbound message through a channel transport.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"channel":   map[string]any{"type": "string"},
				"recipient": map[string]any{"type": "string"},
				"envelope":  map[string]any{"type": "object"},
			},
			"required": []string{"channel", "recipient"},
		},
	}, func(ctx context.Context, args map[string]any) (map[string]any, error) {
		channel, _ := args["channel"].(string)
		recipient, _ := args["recipient"].(string)
		if channel == "" || recipient == "" {
			return nil, fmt.Errorf("channel and recipient are required")
		}
		sender, ok := senders[channel]
		if !ok {
			return nil, fmt.Errorf("no transport configured for channel %q", channel)
		}
		envelope, _ := args["envelope"].(map[string]any)

		requestID, err := sender.Deliver(ctx, recipient, envelope)
		if err != nil {
			if requestID == "" {
				return nil, err
			}
			return map[string]any{
				"request_id": requestID,
				"status":     delivery.StatusDeadLettered,
				"error":      err.Error(),
			}, nil
		}
		return map[string]any{
			"request_id": requestID,
			"status":     delivery.StatusDelivered,
		}, nil
	})
}

// runApprovalExpiry sweeps overdue pending actions until ctx is cancelled.
func runApprovalExpiry(ctx context.Context, store *approvals.Store) {
	ticker := time.NewTicker(approvalExpiryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := store.ExpireStale(ctx); err != nil {
				slog.Warn("Approval expiry sweep failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
