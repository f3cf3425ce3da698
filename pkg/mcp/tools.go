package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/gastown/internal/store"
	"github.com/rendis/gastown/pkg/schema"
)

// --- Tool definitions ---

func ledgerEventsTool() mcp.Tool {
	return mcp.NewTool("ledger_events",
		mcp.WithDescription("List events from the hash-chained ledger, oldest first"),
		mcp.WithString("kind", mcp.Description("Filter by event kind (e.g. worker_result, judge_pass)")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of events to return (default: 100)")),
	)
}

func taskEventsTool() mcp.Tool {
	return mcp.NewTool("task_events",
		mcp.WithDescription("List all ledger events tagged with a task id, oldest first"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id to follow")),
	)
}

func workItemsTool() mcp.Tool {
	return mcp.NewTool("work_items",
		mcp.WithDescription("List tracked work items, optionally filtered by status or assignee"),
		mcp.WithString("status", mcp.Enum("open", "in_progress", "completed", "failed"),
			mcp.Description("Filter by lifecycle status")),
		mcp.WithString("assignee_id", mcp.Description("Filter by assigned agent")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of items to return (default: 50)")),
	)
}

func agentStatsTool() mcp.Tool {
	return mcp.NewTool("agent_stats",
		mcp.WithDescription("Get work-item counts and completion rate for one agent"),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent to report on")),
	)
}

func verifyChainTool() mcp.Tool {
	return mcp.NewTool("verify_chain",
		mcp.WithDescription("Verify the integrity of the hash-chained ledger from the first event forward"),
	)
}

// --- Handlers ---

func (s *Server) handleLedgerEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kind := req.GetString("kind", "")
	limit := req.GetInt("limit", 100)

	events, err := s.store.ListEvents(ctx, kind, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("ledger query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *Server) handleTaskEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}

	events, listErr := s.store.ListTaskEvents(ctx, taskID)
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("task query failed: %v", listErr)), nil
	}
	return marshalResult(map[string]any{"task_id": taskID, "events": events})
}

func (s *Server) handleWorkItems(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.WorkItemFilter{
		AssigneeID: req.GetString("assignee_id", ""),
		Limit:      req.GetInt("limit", 50),
	}
	if status := req.GetString("status", ""); status != "" {
		ws := schema.WorkItemStatus(status)
		filter.Status = &ws
	}

	items, err := s.store.ListWorkItems(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("work item query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"work_items": items})
}

func (s *Server) handleAgentStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("agent_id is required"), nil
	}

	stats, statsErr := s.store.GetAgentStats(ctx, agentID)
	if statsErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("stats query failed: %v", statsErr)), nil
	}
	return marshalResult(stats)
}

func (s *Server) handleVerifyChain(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.store.VerifyChain(ctx); err != nil {
		return marshalResult(map[string]any{"valid": false, "error": err.Error()})
	}
	return marshalResult(map[string]any{"valid": true})
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
