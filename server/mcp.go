package server

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPServer exposes the hub over stdio MCP so agent tooling can inspect
// connected computers.
type MCPServer struct {
	Server *server.MCPServer
}

func NewMCPServer(router *Router, registry *Registry) *MCPServer {
	s := server.NewMCPServer("craftlink", "1.0.0")

	listComputers := mcp.NewTool("list_computers",
		mcp.WithDescription("List the computers currently registered with this hub"))
	s.AddTool(listComputers, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jsonBytes, err := json.MarshalIndent(router.ComputerSummary(), "", "  ")
		if err != nil {
			return nil, err
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.TextContent{
					Type: "text",
					Text: string(jsonBytes),
				},
			}}, nil
	})

	hubStats := mcp.NewTool("hub_stats",
		mcp.WithDescription("Get connection counts for this hub"))
	s.AddTool(hubStats, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jsonBytes, err := json.MarshalIndent(registry.Stats(), "", "  ")
		if err != nil {
			return nil, err
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.TextContent{
					Type: "text",
					Text: string(jsonBytes),
				},
			}}, nil
	})

	return &MCPServer{Server: s}
}

func (s *MCPServer) Start() error {
	slog.Info("Started stdio MCP server")
	defer func() {
		slog.Info("Shut down stdio MCP server")
	}()
	return server.ServeStdio(s.Server)
}
