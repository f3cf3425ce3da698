package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/gastown/internal/store"
)

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Store  store.Store
	Logger *slog.Logger
}

// Server exposes the gastown ledger and work-item state to MCP clients
// as read-only operator tools.
type Server struct {
	store     store.Store
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with all 5 tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{store: deps.Store, logger: logger}

	mcpSrv := server.NewMCPServer(
		"gastown",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Gastown is an agent-swarm orchestrator with a hash-chained event ledger. Use ledger_events to read the ledger, task_events to follow one task, work_items to inspect tracked work, agent_stats for per-agent counts, and verify_chain to audit ledger integrity. All tools are read-only."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: ledgerEventsTool(), Handler: s.handleLedgerEvents},
		{Tool: taskEventsTool(), Handler: s.handleTaskEvents},
		{Tool: workItemsTool(), Handler: s.handleWorkItems},
		{Tool: agentStatsTool(), Handler: s.handleAgentStats},
		{Tool: verifyChainTool(), Handler: s.handleVerifyChain},
	}
}
