// Package mcpserver exposes the job API as MCP tools over the stdio and
// HTTP/SSE transports.
package mcpserver

import (
	"context"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/peregrine-ai/researchd/internal/dispatch"
)

// Version is injected from build metadata.
var Version = "dev"

// MCPServer exposes researchd capabilities as MCP tools.
type MCPServer struct {
	server     *mcp.Server
	handler    http.Handler
	dispatcher *dispatch.Dispatcher
	logger     *zap.Logger
}

// New creates and wires the MCP tool surface.
func New(dispatcher *dispatch.Dispatcher, logger *zap.Logger) *MCPServer {
	if logger == nil {
		logger = zap.NewNop()
	}

	implVersion := Version
	if implVersion == "" {
		implVersion = "dev"
	}

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "researchd",
		Version: implVersion,
	}, nil)

	m := &MCPServer{
		server:     srv,
		dispatcher: dispatcher,
		logger:     logger.Named("mcp"),
	}

	m.registerTools()
	m.handler = mcp.NewSSEHandler(func(_ *http.Request) *mcp.Server {
		return m.server
	}, nil)

	return m
}

// Handler returns the HTTP SSE transport handler mounted at /mcp.
func (s *MCPServer) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return s.handler
}

// Run serves the stdio transport until ctx is done.
func (s *MCPServer) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}
