package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/pantry/internal/inventory"
	"github.com/kalambet/pantry/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store     *storage.Store
	Inventory *inventory.Reconciler
	Version   string
}

// NewMCPServer creates an MCP server exposing the inventory as tools and a resource.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"pantry",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("pantry tracks what is on the pantry shelves from periodic photos. Counts are estimates; confidence 1.0 means a person set the count."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_inventory",
			mcp.WithDescription("List pantry items with their estimated counts and confidence."),
			mcp.WithBoolean("include_stale", mcp.Description("Include items not seen recently (confidence 0)")),
			mcp.WithNumber("max_count", mcp.Description("Only items with at most this many units, e.g. 1 for low stock")),
		),
		mcpListInventory(deps),
	)

	s.AddTool(
		mcp.NewTool("override_item",
			mcp.WithDescription("Set an item's count by hand. The count wins until the item is next seen by the camera."),
			mcp.WithString("name", mcp.Description("Item name, matched exactly"), mcp.Required()),
			mcp.WithNumber("count", mcp.Description("New count, zero or more"), mcp.Required()),
			mcp.WithString("notes", mcp.Description("Optional note stored with the correction")),
		),
		mcpOverrideItem(deps),
	)

	s.AddTool(
		mcp.NewTool("item_history",
			mcp.WithDescription("Show how an item's count changed over recent days."),
			mcp.WithString("name", mcp.Description("Item name, matched exactly"), mcp.Required()),
			mcp.WithNumber("days", mcp.Description("How many days back to look (default 30)")),
		),
		mcpItemHistory(deps),
	)

	s.AddTool(
		mcp.NewTool("capture_status",
			mcp.WithDescription("Report the processing status of a shelf capture."),
			mcp.WithString("capture_id", mcp.Description("Capture id"), mcp.Required()),
		),
		mcpCaptureStatus(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"pantry://inventory",
			"Pantry Inventory",
			mcp.WithResourceDescription("Current inventory (non-stale items) as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceInventory(deps),
	)

	return s
}

func mcpListInventory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		f := storage.InventoryFilter{IncludeStale: req.GetBool("include_stale", false)}
		if n := req.GetInt("max_count", -1); n >= 0 {
			f.MaxCount = &n
		}

		recs, err := deps.Inventory.Inventory(ctx, f)
		if err != nil {
			return mcpError(fmt.Sprintf("listing inventory failed: %v", err)), nil
		}
		return mcpJSON(newItemViews(recs))
	}
}

func mcpOverrideItem(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return mcpError("name is required"), nil
		}
		count, err := req.RequireInt("count")
		if err != nil {
			return mcpError("count is required"), nil
		}

		ch, err := deps.Inventory.ManualOverride(ctx, name, count, req.GetString("notes", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("override failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Set %s to %d (change %+d)", ch.Name, ch.Count, ch.Delta)), nil
	}
}

func mcpItemHistory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("name")
		if err != nil {
			return mcpError("name is required"), nil
		}
		days := req.GetInt("days", defaultHistoryDays)
		if days <= 0 || days > maxHistoryDays {
			days = defaultHistoryDays
		}

		h, err := deps.Inventory.History(ctx, name, time.Now().UTC().Add(-time.Duration(days)*24*time.Hour))
		var nf *inventory.NotFoundError
		if errors.As(err, &nf) {
			return mcpError(fmt.Sprintf("no item named %q", name)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("history failed: %v", err)), nil
		}
		return mcpJSON(newHistoryView(h))
	}
}

func mcpCaptureStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("capture_id")
		if err != nil {
			return mcpError("capture_id is required"), nil
		}

		c, err := deps.Store.GetCapture(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("capture %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("reading capture failed: %v", err)), nil
		}
		return mcpJSON(newCaptureView(c))
	}
}

func mcpResourceInventory(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		recs, err := deps.Inventory.Inventory(ctx, storage.InventoryFilter{})
		if err != nil {
			return nil, fmt.Errorf("failed to list inventory: %w", err)
		}

		b, err := json.Marshal(newItemViews(recs))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal inventory: %w", err)
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

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
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
