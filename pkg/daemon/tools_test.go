package daemon

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tzeusy/butlers/pkg/approvals"
	"github.com/Tzeusy/butlers/pkg/delivery"
	"github.com/Tzeusy/butlers/pkg/module"
)

// fakeRegistrar records registered tools so handlers can be invoked directly.
type fakeRegistrar struct {
	handlers map[string]module.ToolHandler
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{handlers: make(map[string]module.ToolHandler)}
}

func (r *fakeRegistrar) RegisterTool(_ string, tool module.Tool, handler module.ToolHandler) {
	r.handlers[tool.Name] = handler
}

// nopDeliveryDB satisfies delivery.DB with all writes succeeding.
type nopDeliveryDB struct{}

func (nopDeliveryDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (nopDeliveryDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return errRow{}
}

type errRow struct{}

func (errRow) Scan(...any) error { return pgx.ErrNoRows }

func TestApprovalToolsRegistered(t *testing.T) {
	reg := newFakeRegistrar()
	registerApprovalTools(reg, approvals.NewStore(nil))

	assert.Contains(t, reg.handlers, ToolApprovalRequest)
	assert.Contains(t, reg.handlers, ToolApprovalDecide)
	assert.Contains(t, reg.handlers, ToolApprovalRecordExecution)
}

func TestApprovalRequestRequiresToolName(t *testing.T) {
	reg := newFakeRegistrar()
	registerApprovalTools(reg, approvals.NewStore(nil))

	_, err := reg.handlers[ToolApprovalRequest](context.Background(), map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tool_name")
}

func TestApprovalDecideRequiresActionID(t *testing.T) {
	reg := newFakeRegistrar()
	registerApprovalTools(reg, approvals.NewStore(nil))

	_, err := reg.handlers[ToolApprovalDecide](context.Background(), map[string]any{"approve": true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "action_id")
}

func TestDeliveryToolUnknownChannel(t *testing.T) {
	reg := newFakeRegistrar()
	registerDeliveryTool(reg, map[string]*delivery.Sender{})

	_, err := reg.handlers[ToolDeliverySend](context.Background(), map[string]any{
		"channel":   "telegram",
		"recipient": "user_42",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no transport configured")
}

func TestDeliveryToolRequiresChannelAndRecipient(t *testing.T) {
	reg := newFakeRegistrar()
	registerDeliveryTool(reg, map[string]*delivery.Sender{})

	_, err := reg.handlers[ToolDeliverySend](context.Background(), map[string]any{"channel": "telegram"})
	require.Error(t, err)
}

func TestDeliveryToolDelivers(t *testing.T) {
	var sentTo string
	transport := func(_ context.Context, recipient string, _ map[string]any) error {
		sentTo = recipient
		return nil
	}
	senders := map[string]*delivery.Sender{
		"telegram": delivery.NewSender(nopDeliveryDB{}, "telegram", transport, delivery.Options{}),
	}
	reg := newFakeRegistrar()
	registerDeliveryTool(reg, senders)

	out, err := reg.handlers[ToolDeliverySend](context.Background(), map[string]any{
		"channel":   "telegram",
		"recipient": "user_42",
		"envelope":  map[string]any{"text": "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, "user_42", sentTo)
	assert.Equal(t, delivery.StatusDelivered, out["status"])
	assert.NotEmpty(t, out["request_id"])
}
