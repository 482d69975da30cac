package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates an MCP server with the operator tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("chanescrow", "1.0.0")
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolGetTransaction, h.HandleGetTransaction)
	s.AddTool(ToolListTransactions, h.HandleListTransactions)
	s.AddTool(ToolGetTransfer, h.HandleGetTransfer)
	s.AddTool(ToolGetDispute, h.HandleGetDispute)
	s.AddTool(ToolResolveDispute, h.HandleResolveDispute)
	s.AddTool(ToolGetUserRating, h.HandleGetUserRating)
	s.AddTool(ToolQueryAudit, h.HandleQueryAudit)

	return s
}
