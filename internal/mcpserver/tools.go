// Package mcpserver registers MCP tools for inspecting and driving order
// sync. It adapts the engine, the mutation handlers and the outbox to the
// MCP SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spinsirr/order-wizard-sub000/internal/engine"
	syncerrors "github.com/spinsirr/order-wizard-sub000/internal/errors"
	"github.com/spinsirr/order-wizard-sub000/internal/models"
	"github.com/spinsirr/order-wizard-sub000/internal/orders"
)

// Syncer is the engine surface the tools use.
type Syncer interface {
	ActiveUser() string
	RequestSync(ctx context.Context) (engine.RoundResult, error)
	Status() engine.Status
}

// OrderService lists and edits local orders.
type OrderService interface {
	List(userID string, opts orders.ListOptions) ([]models.Order, error)
	UpdateStatus(ctx context.Context, id string, status models.Status) (models.Order, error)
}

// FailedLog exposes operations that ran out of retries.
type FailedLog interface {
	Failed() ([]models.FailedOperation, error)
	ClearFailed() error
}

// Deps holds what the tools act on.
type Deps struct {
	Engine Syncer
	Orders OrderService
	Outbox FailedLog
}

// RegisterTools adds all order tools to the given MCP server.
func RegisterTools(server *mcp.Server, d Deps) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "orders_list",
		Description: "List the signed-in user's orders from the local replica, newest order date first. Optionally filter by status and include soft-deleted orders.",
	}, listHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "orders_sync",
		Description: "Run a sync round now. Returns per-decision counts. If a round is already running the request is folded into one rerun and coalesced is true.",
	}, syncHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "orders_sync_status",
		Description: "Report the sync state, last error, last successful sync, and how many operations are pending or failed.",
	}, statusHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "orders_update_status",
		Description: "Set the review status of an order: uncommented, commented, comment_revealed or reimbursed. The change syncs shortly after.",
	}, updateStatusHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "orders_failed",
		Description: "List operations that could not be delivered to the server after all retries. Set clear to drop them after listing.",
	}, failedHandler(d))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// ListInput holds parameters for orders_list.
type ListInput struct {
	Status         string `json:"status,omitempty" jsonschema:"only orders with this status"`
	IncludeDeleted bool   `json:"include_deleted,omitempty" jsonschema:"include soft-deleted orders"`
}

// SyncInput has no parameters.
type SyncInput struct{}

// StatusInput has no parameters.
type StatusInput struct{}

// UpdateStatusInput holds parameters for orders_update_status.
type UpdateStatusInput struct {
	ID     string `json:"id" jsonschema:"local order id"`
	Status string `json:"status" jsonschema:"new status"`
}

// FailedInput holds parameters for orders_failed.
type FailedInput struct {
	Clear bool `json:"clear,omitempty" jsonschema:"drop the failed operations after listing them"`
}

// --- Output types ---

// ListResult is the output of orders_list.
type ListResult struct {
	UserID string         `json:"user_id"`
	Total  int            `json:"total"`
	Orders []models.Order `json:"orders"`
}

// FailedResult is the output of orders_failed.
type FailedResult struct {
	Total   int                      `json:"total"`
	Cleared bool                     `json:"cleared"`
	Failed  []models.FailedOperation `json:"failed"`
}

// --- Handlers ---

func listHandler(d Deps) mcp.ToolHandlerFor[ListInput, *ListResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input ListInput) (*mcp.CallToolResult, *ListResult, error) {
		userID := d.Engine.ActiveUser()
		if userID == "" {
			return nil, nil, syncerrors.ErrNoActiveUser
		}

		status := models.Status(input.Status)
		if status != "" && !status.Valid() {
			return nil, nil, fmt.Errorf("unknown status %q: %w", input.Status, syncerrors.ErrValidation)
		}

		list, err := d.Orders.List(userID, orders.ListOptions{Status: status, IncludeDeleted: input.IncludeDeleted})
		if err != nil {
			return nil, nil, err
		}

		if list == nil {
			list = []models.Order{}
		}

		result := &ListResult{UserID: userID, Total: len(list), Orders: list}
		return textResult(result), result, nil
	}
}

func syncHandler(d Deps) mcp.ToolHandlerFor[SyncInput, *engine.RoundResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ SyncInput) (*mcp.CallToolResult, *engine.RoundResult, error) {
		res, err := d.Engine.RequestSync(ctx)
		if err != nil {
			return nil, nil, err
		}
		return textResult(res), &res, nil
	}
}

func statusHandler(d Deps) mcp.ToolHandlerFor[StatusInput, *engine.Status] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *engine.Status, error) {
		st := d.Engine.Status()
		return textResult(st), &st, nil
	}
}

func updateStatusHandler(d Deps) mcp.ToolHandlerFor[UpdateStatusInput, *models.Order] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input UpdateStatusInput) (*mcp.CallToolResult, *models.Order, error) {
		updated, err := d.Orders.UpdateStatus(ctx, input.ID, models.Status(input.Status))
		if err != nil {
			return nil, nil, err
		}
		return textResult(updated), &updated, nil
	}
}

func failedHandler(d Deps) mcp.ToolHandlerFor[FailedInput, *FailedResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input FailedInput) (*mcp.CallToolResult, *FailedResult, error) {
		failed, err := d.Outbox.Failed()
		if err != nil {
			return nil, nil, err
		}

		if failed == nil {
			failed = []models.FailedOperation{}
		}

		if input.Clear {
			if err := d.Outbox.ClearFailed(); err != nil {
				return nil, nil, err
			}
		}

		result := &FailedResult{Total: len(failed), Cleared: input.Clear, Failed: failed}
		return textResult(result), result, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
