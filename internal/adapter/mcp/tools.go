package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/magnetar-ai/magnetar/internal/domain/approval"
)

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTools(
		s.getSessionTool(),
		s.listPendingApprovalsTool(),
		s.resolveApprovalTool(),
	)
}

func (s *Server) getSessionTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_session",
		mcplib.WithDescription("Get the current plan snapshot for a Magnetar session"),
		mcplib.WithString("session_id",
			mcplib.Required(),
			mcplib.Description("The session ID to look up"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleGetSession,
	}
}

func (s *Server) listPendingApprovalsTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("list_pending_approvals",
		mcplib.WithDescription("List unresolved approval requests for a session"),
		mcplib.WithString("session_id",
			mcplib.Required(),
			mcplib.Description("The session ID to inspect"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleListPendingApprovals,
	}
}

func (s *Server) resolveApprovalTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("resolve_approval",
		mcplib.WithDescription("Approve or deny a pending approval request"),
		mcplib.WithString("session_id",
			mcplib.Required(),
			mcplib.Description("The session the request belongs to"),
		),
		mcplib.WithString("request_id",
			mcplib.Required(),
			mcplib.Description("The approval request ID"),
		),
		mcplib.WithString("decision",
			mcplib.Required(),
			mcplib.Description(`"approved" or "denied"`),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleResolveApproval,
	}
}

func (s *Server) handleGetSession(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Sessions == nil {
		return mcplib.NewToolResultError("session reader not configured"), nil
	}
	sessionID, ok := req.GetArguments()["session_id"].(string)
	if !ok || sessionID == "" {
		return mcplib.NewToolResultError("session_id is required"), nil
	}
	snap, err := s.deps.Sessions.Resume(ctx, sessionID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(
			fmt.Sprintf("failed to get session %s", sessionID), err,
		), nil
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal snapshot", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleListPendingApprovals(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Sessions == nil {
		return mcplib.NewToolResultError("session reader not configured"), nil
	}
	sessionID, ok := req.GetArguments()["session_id"].(string)
	if !ok || sessionID == "" {
		return mcplib.NewToolResultError("session_id is required"), nil
	}
	snap, err := s.deps.Sessions.Resume(ctx, sessionID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(
			fmt.Sprintf("failed to get session %s", sessionID), err,
		), nil
	}

	pending := make([]approval.Request, 0, len(snap.Approvals))
	for _, r := range snap.Approvals {
		if !r.Resolved() {
			pending = append(pending, r)
		}
	}
	data, err := json.Marshal(pending)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal approvals", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleResolveApproval(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.Approvals == nil {
		return mcplib.NewToolResultError("approval resolver not configured"), nil
	}
	args := req.GetArguments()
	sessionID, _ := args["session_id"].(string)
	requestID, _ := args["request_id"].(string)
	decision, _ := args["decision"].(string)
	if sessionID == "" || requestID == "" {
		return mcplib.NewToolResultError("session_id and request_id are required"), nil
	}
	if decision != string(approval.DecisionApproved) && decision != string(approval.DecisionDenied) {
		return mcplib.NewToolResultError(`decision must be "approved" or "denied"`), nil
	}

	outcome, err := s.deps.Approvals.ResolveApproval(ctx, sessionID, requestID, approval.Decision(decision), approval.ByHuman)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(
			fmt.Sprintf("failed to resolve approval %s", requestID), err,
		), nil
	}
	data, err := json.Marshal(outcome)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal outcome", err), nil
	}
	return toolResultJSON(string(data)), nil
}
