package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/attune-app/attuned/internal/profile"
	"github.com/attune-app/attuned/internal/storage"
)

// ContextEngine is the facade surface the MCP tools need. Satisfied by
// engine.Engine.
type ContextEngine interface {
	LoadProfile(ctx context.Context, userID string) (profile.Profile, error)
	PendingInsights(ctx context.Context, userID string) ([]storage.PendingInsight, error)
	ConfirmInsight(ctx context.Context, userID, insightID string) (profile.Profile, error)
	DismissInsight(ctx context.Context, userID, insightID string) (profile.Profile, error)
	SetStyleOverride(ctx context.Context, userID, style string) (profile.Profile, error)
	ClearStyleOverride(ctx context.Context, userID string) (profile.Profile, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Engine ContextEngine
}

// NewMCPServer creates an MCP server exposing the user's context to
// coaching assistants.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"attuned",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("attuned holds the user's coaching context: values, goals, situation, and confirmed insights. Read context before advising; propose profile changes only through insight confirmation."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("get_context",
			mcp.WithDescription("Return a compact text summary of the user's coaching context for prompt injection."),
			mcp.WithString("user_id", mcp.Description("User identifier"), mcp.Required()),
		),
		mcpGetContext(deps),
	)

	s.AddTool(
		mcp.NewTool("list_insights",
			mcp.WithDescription("List insights awaiting the user's confirmation."),
			mcp.WithString("user_id", mcp.Description("User identifier"), mcp.Required()),
		),
		mcpListInsights(deps),
	)

	s.AddTool(
		mcp.NewTool("confirm_insight",
			mcp.WithDescription("Apply a pending insight to the user's profile after they accepted it."),
			mcp.WithString("user_id", mcp.Description("User identifier"), mcp.Required()),
			mcp.WithString("insight_id", mcp.Description("Pending insight id"), mcp.Required()),
		),
		mcpConfirmInsight(deps),
	)

	s.AddTool(
		mcp.NewTool("dismiss_insight",
			mcp.WithDescription("Discard a pending insight the user rejected. Equivalent content will not be proposed again."),
			mcp.WithString("user_id", mcp.Description("User identifier"), mcp.Required()),
			mcp.WithString("insight_id", mcp.Description("Pending insight id"), mcp.Required()),
		),
		mcpDismissInsight(deps),
	)

	s.AddTool(
		mcp.NewTool("set_style_override",
			mcp.WithDescription("Pin the coaching style the user explicitly asked for. Pass an empty style to return to inference."),
			mcp.WithString("user_id", mcp.Description("User identifier"), mcp.Required()),
			mcp.WithString("style", mcp.Description("Coaching style, e.g. direct, reflective, gentle, exploratory")),
		),
		mcpSetStyleOverride(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"user://profile",
			"User Profile",
			mcp.WithResourceDescription("Current user profile as JSON. Requires ?user_id=<id>."),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceProfile(deps),
	)

	return s
}

func mcpGetContext(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}

		p, err := deps.Engine.LoadProfile(ctx, userID)
		if err != nil {
			return mcpError(fmt.Sprintf("loading context failed: %v", err)), nil
		}
		return mcpText(p.Summary()), nil
	}
}

func mcpListInsights(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}

		insights, err := deps.Engine.PendingInsights(ctx, userID)
		if err != nil {
			return mcpError(fmt.Sprintf("listing insights failed: %v", err)), nil
		}
		if len(insights) == 0 {
			return mcpText("[]"), nil
		}

		type insightResult struct {
			ID         string  `json:"id"`
			Content    string  `json:"content"`
			Category   string  `json:"category"`
			Confidence float64 `json:"confidence"`
		}
		results := make([]insightResult, len(insights))
		for i, in := range insights {
			results[i] = insightResult{ID: in.ID, Content: in.Content, Category: in.Category, Confidence: in.Confidence}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal insights: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpConfirmInsight(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}
		insightID, err := req.RequireString("insight_id")
		if err != nil {
			return mcpError("insight_id is required"), nil
		}

		if _, err := deps.Engine.ConfirmInsight(ctx, userID, insightID); err != nil {
			return mcpError(fmt.Sprintf("confirm failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Confirmed insight %s", insightID)), nil
	}
}

func mcpDismissInsight(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}
		insightID, err := req.RequireString("insight_id")
		if err != nil {
			return mcpError("insight_id is required"), nil
		}

		if _, err := deps.Engine.DismissInsight(ctx, userID, insightID); err != nil {
			return mcpError(fmt.Sprintf("dismiss failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Dismissed insight %s", insightID)), nil
	}
}

func mcpSetStyleOverride(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}
		style := req.GetString("style", "")

		if style == "" {
			if _, err := deps.Engine.ClearStyleOverride(ctx, userID); err != nil {
				return mcpError(fmt.Sprintf("clearing override failed: %v", err)), nil
			}
			return mcpText("Style override cleared; selection returned to inference"), nil
		}

		p, err := deps.Engine.SetStyleOverride(ctx, userID, style)
		if err != nil {
			return mcpError(fmt.Sprintf("setting override failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Coaching style pinned to %s", p.Coaching.Style.Effective())), nil
	}
}

func mcpResourceProfile(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		userID := req.Params.Arguments["user_id"]
		id, _ := userID.(string)
		if id == "" {
			return nil, fmt.Errorf("user_id argument is required")
		}

		p, err := deps.Engine.LoadProfile(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("loading profile: %w", err)
		}

		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshaling profile: %w", err)
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
