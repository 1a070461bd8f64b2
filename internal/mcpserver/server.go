package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients.
const Version = "1.0.0"

// NewMCPServer creates a configured MCP server with all fraud tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("antifraudhub", Version)
	h := NewHandlers(NewFraudClient(cfg))

	s.AddTool(ToolScoreUser, h.HandleScoreUser)
	s.AddTool(ToolRunBatchScoring, h.HandleRunBatchScoring)
	s.AddTool(ToolFraudHealth, h.HandleFraudHealth)
	s.AddTool(ToolPredictionHistory, h.HandlePredictionHistory)

	return s
}
