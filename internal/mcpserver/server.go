package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all trustgate tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("trustgate", version)
	h := NewHandlers(NewTrustGateClient(cfg))

	s.AddTool(ToolGetTrustScore, h.HandleGetTrustScore)
	s.AddTool(ToolQuoteTrustScore, h.HandleQuoteTrustScore)
	s.AddTool(ToolListPaymentSchemes, h.HandleListPaymentSchemes)

	return s
}
