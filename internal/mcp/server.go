// Package mcp exposes read-only claim adjudication tools to MCP clients.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/claims-adjudication-server/internal/domain"
)

// DryRunner evaluates a claim for a given patient age without persisting anything.
type DryRunner interface {
	DryRun(ctx context.Context, claim *domain.Claim, ageMonths int) (domain.Decision, error)
}

// Server wraps the MCP SDK server and the tools it serves.
type Server struct {
	mcpServer *mcp.Server
	evaluator DryRunner
	store     domain.ClaimStore
	logger    *logrus.Logger
}

// NewServer creates an MCP server with the claim tools registered.
func NewServer(cfg domain.MCPConfig, evaluator DryRunner, store domain.ClaimStore, logger *logrus.Logger) *Server {
	s := &Server{
		mcpServer: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.ServerName,
			Version: cfg.ServerVersion,
		}, nil),
		evaluator: evaluator,
		store:     store,
		logger:    logger,
	}
	s.registerTools()
	return s
}

// Run serves over stdio until ctx is cancelled or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting claims MCP server on stdio")
	if err := s.mcpServer.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("MCP server failed: %w", err)
	}
	return nil
}

type toolFunc func(ctx context.Context, args json.RawMessage) (any, error)

func (s *Server) registerTools() {
	tools := []struct {
		tool *mcp.Tool
		fn   toolFunc
	}{
		{evaluateClaimTool(), s.evaluateClaim},
		{getClaimTool(), s.getClaim},
		{listClaimsTool(), s.listClaims},
	}

	for _, t := range tools {
		s.mcpServer.AddTool(t.tool, s.handler(t.tool.Name, t.fn))
		s.logger.WithField("tool_name", t.tool.Name).Debug("Registered MCP tool")
	}
	s.logger.WithField("tool_count", len(tools)).Info("Registered MCP tools")
}

// handler adapts fn to the SDK signature. Tool failures are reported to the
// client as error results rather than protocol errors.
func (s *Server) handler(name string, fn toolFunc) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args json.RawMessage
		if req.Params != nil {
			args = req.Params.Arguments
		}

		result, err := fn(ctx, args)
		if err != nil {
			s.logger.WithError(err).WithField("tool_name", name).Warn("Tool call failed")
			return errorResult(err), nil
		}
		return jsonResult(result)
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: string(data)},
		},
	}, nil
}

func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: fmt.Sprintf("Error: %v", err)},
		},
		IsError: true,
	}
}

func objectSchema(required []string, props map[string]*jsonschema.Schema) *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:       "object",
		Properties: props,
		Required:   required,
	}
}
