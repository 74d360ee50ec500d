package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/boxset/internal/artifact"
	"github.com/kalambet/boxset/internal/coordinator"
	"github.com/kalambet/boxset/internal/settings"
)

// MCPDeps holds dependencies for the MCP server. Shortcuts should be the
// table the HTTP API uses so slot writes from both surfaces queue together;
// when nil, NewMCPServer builds one over Coord.
type MCPDeps struct {
	Coord     *coordinator.Service
	Shortcuts *settings.ShortcutTable
	Timeout   time.Duration
}

// NewMCPServer creates an MCP server exposing profiles, shortcuts and
// backups as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Shortcuts == nil {
		deps.Shortcuts = settings.NewShortcutTable(deps.Coord, deps.Coord.Slots(), deps.Timeout)
	}

	s := server.NewMCPServer(
		"boxset",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("boxset: container profiles, keyboard shortcut bindings and profile backups."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_profiles",
			mcp.WithDescription("List the container profiles in registry order."),
		),
		mcpListProfiles(deps),
	)

	s.AddTool(
		mcp.NewTool("get_shortcuts",
			mcp.WithDescription("Show every shortcut slot and the profile bound to it."),
		),
		mcpGetShortcuts(deps),
	)

	s.AddTool(
		mcp.NewTool("set_shortcut",
			mcp.WithDescription("Bind a shortcut slot to a profile, or clear it with \"none\"."),
			mcp.WithNumber("slot", mcp.Description("Slot index, starting at 0"), mcp.Required()),
			mcp.WithString("profile_id", mcp.Description("Profile id or \"none\""), mcp.Required()),
		),
		mcpSetShortcut(deps),
	)

	s.AddTool(
		mcp.NewTool("export_backup",
			mcp.WithDescription("Export all profiles as a backup document."),
		),
		mcpExportBackup(deps),
	)

	s.AddTool(
		mcp.NewTool("import_backup",
			mcp.WithDescription("Restore profiles from a backup document. Duplicates are skipped."),
			mcp.WithString("document", mcp.Description("Backup document produced by export_backup"), mcp.Required()),
		),
		mcpImportBackup(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"boxset://profiles",
			"Profiles",
			mcp.WithResourceDescription("Current profile registry as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceProfiles(deps),
	)

	return s
}

func mcpListProfiles(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		profiles, err := deps.Coord.QueryProfiles(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list profiles: %v", err)), nil
		}
		return mcpJSON(profiles)
	}
}

func mcpGetShortcuts(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		table, err := deps.Shortcuts.LoadTable(ctx)
		if err != nil {
			return mcpError(settings.StatusMessage(err)), nil
		}
		return mcpJSON(table.Slots)
	}
}

func mcpSetShortcut(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		slot, err := req.RequireInt("slot")
		if err != nil {
			return mcpError("slot is required"), nil
		}
		id, err := req.RequireString("profile_id")
		if err != nil {
			return mcpError("profile_id is required"), nil
		}

		if err := deps.Shortcuts.SetSlot(ctx, slot, id); err != nil {
			return mcpError(settings.StatusMessage(err)), nil
		}
		return mcpText(fmt.Sprintf("Slot %d set to %s", slot, id)), nil
	}
}

func mcpExportBackup(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var buf bytes.Buffer
		e := settings.NewExporter(deps.Coord, artifact.WriterSink{W: &buf}, deps.Timeout)
		if _, err := e.ExportBackup(ctx); err != nil {
			return mcpError(settings.StatusMessage(err)), nil
		}
		return mcpText(buf.String()), nil
	}
}

func mcpImportBackup(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		doc, err := req.RequireString("document")
		if err != nil {
			return mcpError("document is required"), nil
		}
		res, err := settings.NewImporter(deps.Coord, deps.Timeout).ImportBackup(ctx, []byte(doc))
		if err != nil {
			return mcpError(settings.StatusMessage(err)), nil
		}
		return mcpText(res.Message()), nil
	}
}

func mcpResourceProfiles(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		profiles, err := deps.Coord.QueryProfiles(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list profiles: %w", err)
		}

		b, err := json.Marshal(profiles)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal profiles: %w", err)
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
