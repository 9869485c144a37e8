package mcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/dshills/knowledge-engine/internal/engine"
	"github.com/dshills/knowledge-engine/internal/indexer"
	"github.com/dshills/knowledge-engine/internal/retrieval"
)

const (
	// ServerName is the MCP server name
	ServerName = "knowledge-engine"
	// ServerVersion is the current server version
	ServerVersion = "1.0.0"
)

// Engine is the part of the knowledge engine exposed as MCP tools.
type Engine interface {
	Search(ctx context.Context, req retrieval.Request) (*retrieval.Response, error)
	Ask(ctx context.Context, req engine.AskRequest) (*engine.AskResponse, error)
	Reindex(ctx context.Context, force bool) (*indexer.ReconcileResult, error)
	ReindexDocument(ctx context.Context, key string) error
	Status(ctx context.Context) (*engine.Status, error)
}

// Server wraps the MCP server with application dependencies
type Server struct {
	mcp    *server.MCPServer
	engine Engine
	logger *slog.Logger
}

// NewServer creates a new MCP server instance over eng
func NewServer(eng Engine, logger *slog.Logger) (*Server, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	mcpServer := server.NewMCPServer(
		ServerName,
		ServerVersion,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	s := &Server{
		mcp:    mcpServer,
		engine: eng,
		logger: logger.With("component", "mcp"),
	}

	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}

	return s, nil
}

// Serve speaks MCP on stdin/stdout until ctx is cancelled or stdin closes
func (s *Server) Serve(ctx context.Context) error {
	return s.Listen(ctx, os.Stdin, os.Stdout)
}

// Listen speaks MCP over the given streams
func (s *Server) Listen(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	s.logger.Info("mcp server listening", "name", ServerName, "version", ServerVersion)
	return stdio.Listen(ctx, in, out)
}

// registerTools registers all MCP tools
func (s *Server) registerTools() error {
	s.mcp.AddTool(searchKnowledgeTool(), s.handleSearchKnowledge)
	s.mcp.AddTool(askTool(), s.handleAsk)
	s.mcp.AddTool(reindexTool(), s.handleReindex)
	s.mcp.AddTool(getStatusTool(), s.handleGetStatus)
	return nil
}
