package mcpserver

import (
	"log/slog"

	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all dashboard tools registered.
func NewMCPServer(cfg Config, logger *slog.Logger) *server.MCPServer {
	s := server.NewMCPServer("paydash", "0.1.0")
	client := NewDashboardClient(cfg, logger)
	h := NewHandlers(client)

	s.AddTool(ToolGetOverview, h.HandleGetOverview)
	s.AddTool(ToolListActivePayments, h.HandleListActivePayments)
	s.AddTool(ToolListProcessedPayments, h.HandleListProcessedPayments)
	s.AddTool(ToolGetBackendHealth, h.HandleGetBackendHealth)
	s.AddTool(ToolVerifyPayment, h.HandleVerifyPayment)

	return s
}
