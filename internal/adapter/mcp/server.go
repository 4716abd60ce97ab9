// Package mcp exposes Magnetar over the Model Context Protocol: session
// inspection and approval resolution as tools for MCP-capable agents.
package mcp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/magnetar-ai/magnetar/internal/domain/approval"
	"github.com/magnetar-ai/magnetar/internal/domain/session"
	"github.com/magnetar-ai/magnetar/internal/service"
)

// SessionReader reads plan snapshots.
type SessionReader interface {
	Resume(ctx context.Context, sessionID string) (session.Snapshot, error)
}

// ApprovalResolver records human decisions on pending approval requests.
type ApprovalResolver interface {
	ResolveApproval(ctx context.Context, sessionID, requestID string, decision approval.Decision, by approval.DecidedBy) (*service.StepOutcome, error)
}

// ServerConfig holds MCP server configuration.
type ServerConfig struct {
	Addr    string
	Name    string
	Version string
	APIKey  string // empty disables auth
}

// ServerDeps holds the service dependencies the MCP tools call into.
type ServerDeps struct {
	Sessions  SessionReader
	Approvals ApprovalResolver
}

// Server exposes Magnetar tools over streamable HTTP MCP.
type Server struct {
	cfg       ServerConfig
	deps      ServerDeps
	mcpServer *mcpserver.MCPServer
	http      *http.Server
}

// NewServer creates the MCP server and registers all tools.
func NewServer(cfg ServerConfig, deps ServerDeps) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
		mcpServer: mcpserver.NewMCPServer(cfg.Name, cfg.Version,
			mcpserver.WithToolCapabilities(true),
		),
	}
	s.registerTools()
	return s
}

// MCPServer returns the underlying MCP server, mainly for tests.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// Start serves MCP over HTTP in a background goroutine.
func (s *Server) Start() error {
	handler := AuthMiddleware(s.cfg.APIKey, mcpserver.NewStreamableHTTPServer(s.mcpServer))
	s.http = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("mcp server", "error", err)
		}
	}()
	slog.Info("mcp server listening", "addr", s.cfg.Addr)
	return nil
}

// Stop shuts the MCP HTTP listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func toolResultJSON(data string) *mcplib.CallToolResult {
	return mcplib.NewToolResultText(data)
}
