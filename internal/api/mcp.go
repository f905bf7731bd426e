package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/pricetrail/internal/identity"
	"github.com/kalambet/pricetrail/internal/storage"
)

// LatestRunURI is the MCP resource holding the latest run's change view.
const LatestRunURI = "pricetrail://runs/latest"

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store   Reports
	Version string
}

// NewMCPServer creates an MCP server exposing the reporting views as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"pricetrail",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("pricetrail keeps the full price and spec history of scraped laptop listings. Use run_changes to see what changed in a run."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_runs",
			mcp.WithDescription("List committed scrape runs, newest first, with per-change-type counts."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of runs (default 10)")),
		),
		mcpListRuns(deps),
	)

	s.AddTool(
		mcp.NewTool("run_changes",
			mcp.WithDescription("Show what changed in a run: new listings, price moves, spec changes and disappearances."),
			mcp.WithString("run_at", mcp.Description(`Run timestamp in RFC 3339, or "latest" (default)`)),
			mcp.WithBoolean("include_unchanged", mcp.Description("Also include products that did not change")),
		),
		mcpRunChanges(deps),
	)

	s.AddTool(
		mcp.NewTool("product_history",
			mcp.WithDescription("Return every historical version and change of one product."),
			mcp.WithString("product_id", mcp.Description("Product id as shown in change reports"), mcp.Required()),
		),
		mcpProductHistory(deps),
	)

	s.AddTool(
		mcp.NewTool("current_products",
			mcp.WithDescription("List live products with their current attributes and price."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of products (default 50)")),
			mcp.WithNumber("offset", mcp.Description("Number of products to skip")),
		),
		mcpCurrentProducts(deps),
	)

	s.AddResource(
		mcp.NewResource(
			LatestRunURI,
			"Latest Run",
			mcp.WithResourceDescription("Changes recorded by the most recent run as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceLatestRun(deps),
	)

	return s
}

func mcpListRuns(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := clamp(req.GetInt("limit", 10), 10, 200)
		runs, err := deps.Store.ListRuns(ctx, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list runs: %v", err)), nil
		}
		if runs == nil {
			runs = []storage.RunSummary{}
		}
		return mcpJSON(runs), nil
	}
}

func mcpRunChanges(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		param := req.GetString("run_at", "latest")
		run, err := resolveRun(ctx, deps.Store, param)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("run %s not found", param)), nil
		}
		if err != nil {
			return mcpError(err.Error()), nil
		}
		view, err := runChanges(ctx, deps.Store, run, req.GetBool("include_unchanged", false))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load changes: %v", err)), nil
		}
		return mcpJSON(view), nil
	}
}

func mcpProductHistory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("product_id")
		if err != nil {
			return mcpError("product_id is required"), nil
		}
		h, err := deps.Store.ProductHistory(ctx, identity.ProductID(id))
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("product %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load history: %v", err)), nil
		}
		return mcpJSON(h), nil
	}
}

func mcpCurrentProducts(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := clamp(req.GetInt("limit", 50), 50, 500)
		offset := req.GetInt("offset", 0)
		if offset < 0 {
			offset = 0
		}
		products, err := deps.Store.CurrentProducts(ctx, limit, offset)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list products: %v", err)), nil
		}
		if products == nil {
			products = []storage.CurrentProduct{}
		}
		return mcpJSON(products), nil
	}
}

func mcpResourceLatestRun(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		run, err := deps.Store.LatestRun(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get latest run: %w", err)
		}
		view, err := runChanges(ctx, deps.Store, run, false)
		if err != nil {
			return nil, fmt.Errorf("failed to load changes: %w", err)
		}
		b, err := json.Marshal(view)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal changes: %w", err)
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

func clamp(v, def, hi int) int {
	if v <= 0 {
		return def
	}
	return min(v, hi)
}

func mcpJSON(v any) *mcp.CallToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err))
	}
	return mcpText(string(b))
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
