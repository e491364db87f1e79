package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/finadvisor/internal/tools"
)

const profileURIPrefix = "profile://"

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Tools   *tools.Registry
	Advisor Advisor
	Version string
}

// NewMCPServer creates an MCP server exposing every tool in the registry and
// the per-user profile resource.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"finadvisor",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("finadvisor: savings and insurance estimates from a user's demographics, plus market quotes. "+
			"Educational guidance only, not financial advice."),
		server.WithRecovery(),
	)

	// Tools acting on user data take user_id as an argument here, since MCP
	// clients are not bound to a chat session.
	for _, t := range deps.Tools.List() {
		s.AddTool(
			mcp.NewToolWithRawSchema(t.Name, t.Description, t.Params.Schema(t.Scoped)),
			mcpTool(deps, t),
		)
	}

	s.AddResourceTemplate(
		mcp.NewResourceTemplate(
			profileURIPrefix+"{user_id}",
			"User Profile",
			mcp.WithTemplateDescription("Stored demographic profile for a user as JSON"),
			mcp.WithTemplateMIMEType("application/json"),
		),
		mcpResourceProfile(deps),
	)

	return s
}

func mcpTool(deps MCPDeps, t tools.Tool) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		if args == nil {
			args = map[string]any{}
		}

		var userID string
		if t.Scoped {
			userID, _ = args["user_id"].(string)
			if strings.TrimSpace(userID) == "" {
				return mcpError("user_id is required"), nil
			}
		}

		res := deps.Tools.Call(ctx, userID, t.Name, args)
		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("encoding result: %v", err)), nil
		}
		if tools.IsError(res) {
			return mcpError(string(b)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceProfile(deps MCPDeps) server.ResourceTemplateHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		userID := strings.TrimPrefix(req.Params.URI, profileURIPrefix)
		if userID == "" || userID == req.Params.URI {
			return nil, errors.New("resource URI must look like profile://{user_id}")
		}

		p, err := deps.Advisor.Profile(userID)
		if err != nil {
			return nil, fmt.Errorf("failed to get profile: %w", err)
		}

		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal profile: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
