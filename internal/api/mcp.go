package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/glimpse/internal/storage"
)

// MCPDeps holds the dependencies of the MCP surface.
type MCPDeps struct {
	Store    *storage.Store
	Searcher QueryService
}

// NewMCPServer creates an MCP server exposing the screenshot archive to
// agents: search, recent listing, and re-queueing of failed records.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"glimpse",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("glimpse — searchable archive of captured screenshots with extracted text and tags."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_screenshots",
			mcp.WithDescription("Search captured screenshots by text content; falls back to semantic similarity when no literal match exists."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpSearch(deps),
	)

	s.AddTool(
		mcp.NewTool("recent_screenshots",
			mcp.WithDescription("List the most recently captured screenshots."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpRecent(deps),
	)

	s.AddTool(
		mcp.NewTool("requeue_screenshot",
			mcp.WithDescription("Re-queue a failed screenshot for another analysis attempt."),
			mcp.WithString("id", mcp.Description("Screenshot record id"), mcp.Required()),
		),
		mcpRequeue(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"glimpse://apps",
			"Source Apps",
			mcp.WithResourceDescription("Distinct source app ids present in the archive"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceApps(deps),
	)

	return s
}

// mcpShot is the compact record shape returned to agents.
type mcpShot struct {
	ID          string   `json:"id"`
	CapturedAt  string   `json:"captured_at"`
	AppLabel    string   `json:"app_label"`
	Text        string   `json:"text,omitempty"`
	Categories  []string `json:"categories,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status"`
	Score       float32  `json:"score,omitempty"`
}

func toMCPShot(shot storage.Screenshot, score float32) mcpShot {
	m := mcpShot{
		ID:          shot.ID,
		CapturedAt:  shot.CapturedAt.Format(time.RFC3339),
		AppLabel:    shot.AppLabel,
		Categories:  shot.Categories,
		Tags:        shot.Tags,
		Description: shot.Description,
		Status:      string(shot.Status),
		Score:       score,
	}
	if shot.ExtractedText.Valid {
		m.Text = shot.ExtractedText.String
	}
	return m
}

func mcpSearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 50 {
			limit = 50
		}

		results, err := deps.Searcher.Search(ctx, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(results) == 0 {
			return mcpText("[]"), nil
		}

		shots := make([]mcpShot, len(results))
		for i, res := range results {
			shots[i] = toMCPShot(res.Screenshot, res.Score)
		}
		b, err := json.Marshal(shots)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRecent(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 50 {
			limit = 50
		}

		shots, err := deps.Searcher.Recent(limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list recent screenshots: %v", err)), nil
		}

		views := make([]mcpShot, len(shots))
		for i, shot := range shots {
			views[i] = toMCPShot(shot, 0)
		}
		b, err := json.Marshal(views)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRequeue(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		if err := deps.Store.Requeue(id); err != nil {
			return mcpError(fmt.Sprintf("requeue failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Screenshot %s re-queued for analysis", id)), nil
	}
}

func mcpResourceApps(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		apps, err := deps.Searcher.Apps()
		if err != nil {
			return nil, fmt.Errorf("failed to list apps: %w", err)
		}
		if apps == nil {
			apps = []string{}
		}

		b, err := json.Marshal(apps)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal apps: %w", err)
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
