// Package mcpserver exposes the automation core to MCP agents: submitting
// transactions and plans, checking status, deciding approvals, and
// searching the audit trail, served over the SSE transport.
package mcpserver

import (
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/quaestorhq/quaestor/internal/approval"
	"github.com/quaestorhq/quaestor/internal/audit"
	"github.com/quaestorhq/quaestor/internal/coordinator"
	"github.com/quaestorhq/quaestor/internal/planner"
	"github.com/quaestorhq/quaestor/internal/store"
	"github.com/quaestorhq/quaestor/internal/workers"
)

// Version is injected from the daemon build metadata.
var Version = "dev"

// MCPServer wires the core services to MCP tools.
type MCPServer struct {
	server      *mcp.Server
	handler     http.Handler
	submitter   *workers.Submitter
	txs         *store.Store
	approvals   *approval.Manager
	coordinator *coordinator.Coordinator
	auditLog    *audit.Log
	auditStore  *audit.Store // nil = in-memory queries only
	planner     planner.Provider
	logger      *zap.Logger
}

// New creates and wires the MCP surface. auditStore and plannerProvider
// may be nil; the corresponding tools degrade or report unavailability.
func New(
	submitter *workers.Submitter,
	txs *store.Store,
	approvals *approval.Manager,
	coord *coordinator.Coordinator,
	auditLog *audit.Log,
	auditStore *audit.Store,
	plannerProvider planner.Provider,
	logger *zap.Logger,
) *MCPServer {
	if logger == nil {
		logger = zap.NewNop()
	}

	implVersion := Version
	if implVersion == "" {
		implVersion = "dev"
	}

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "quaestor",
		Version: implVersion,
	}, nil)

	m := &MCPServer{
		server:      srv,
		submitter:   submitter,
		txs:         txs,
		approvals:   approvals,
		coordinator: coord,
		auditLog:    auditLog,
		auditStore:  auditStore,
		planner:     plannerProvider,
		logger:      logger.Named("mcp"),
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
