package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Outreach     Outreach
	Replier      Replier
	Tasks        TaskPoller
	SyncPageSize int
}

// NewMCPServer creates an MCP server exposing the outreach operations as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"wingman",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("wingman schedules outreach to dating-platform matches and replies to ongoing conversations."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("sync_matches",
			mcp.WithDescription("Mirror the account's matches from the platform into local storage."),
			mcp.WithBoolean("include_messaged", mcp.Description("Also page through matches that already have messages")),
		),
		mcpSyncMatches(deps),
	)

	s.AddTool(
		mcp.NewTool("enrich_all",
			mcp.WithDescription("Schedule profile enrichment for every stored match, staggered by jitter."),
		),
		mcpEnrichAll(deps),
	)

	s.AddTool(
		mcp.NewTool("dispatch_openers",
			mcp.WithDescription("Schedule a greeting to every uncontacted match within the distance threshold."),
			mcp.WithNumber("threshold", mcp.Description("Maximum distance in km (default from config)")),
		),
		mcpDispatchOpeners(deps),
	)

	s.AddTool(
		mcp.NewTool("sweep_unmatch",
			mcp.WithDescription("Schedule an unmatch for every stored match farther than the threshold."),
			mcp.WithNumber("threshold", mcp.Description("Distance in km beyond which matches are dropped (default from config)")),
		),
		mcpSweepUnmatch(deps),
	)

	s.AddTool(
		mcp.NewTool("run_reply_cycle",
			mcp.WithDescription("Reply to every active conversation that is due for a response."),
		),
		mcpRunReplyCycle(deps),
	)

	s.AddTool(
		mcp.NewTool("task_status",
			mcp.WithDescription("Report the state of a scheduled task."),
			mcp.WithString("task_id", mcp.Description("Task id returned by a scheduling tool"), mcp.Required()),
		),
		mcpTaskStatus(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"wingman://profile",
			"Account Profile",
			mcp.WithResourceDescription("Cached account profile as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceProfile(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"wingman://totals",
			"Match Totals",
			mcp.WithResourceDescription("Stored match counts against the configured opener distance"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceTotals(deps),
	)

	return s
}

func mcpSyncMatches(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		includeMessaged := req.GetBool("include_messaged", false)
		res, err := deps.Outreach.Sync(ctx, deps.SyncPageSize, includeMessaged)
		if err != nil {
			return mcpError(fmt.Sprintf("sync failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Synced %d page(s); %d new match(es), %d seen.", res.Pages, res.Inserted, len(res.Matches))), nil
	}
}

func mcpEnrichAll(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		descs, err := deps.Outreach.EnrichAll(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("enrichment scheduling failed: %v", err)), nil
		}
		return mcpJSON(descs)
	}
}

func mcpDispatchOpeners(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		threshold := req.GetFloat("threshold", 0)
		if threshold < 0 {
			return mcpError("threshold must not be negative"), nil
		}
		descs, err := deps.Outreach.DispatchOpeners(ctx, threshold)
		if err != nil {
			return mcpError(fmt.Sprintf("opener scheduling failed: %v", err)), nil
		}
		return mcpJSON(descs)
	}
}

func mcpSweepUnmatch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		threshold := req.GetFloat("threshold", 0)
		if threshold < 0 {
			return mcpError("threshold must not be negative"), nil
		}
		descs, err := deps.Outreach.SweepUnmatch(ctx, threshold)
		if err != nil {
			return mcpError(fmt.Sprintf("unmatch scheduling failed: %v", err)), nil
		}
		return mcpJSON(descs)
	}
}

func mcpRunReplyCycle(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Replier == nil {
			return mcpError("reply cycle is not configured: set llm.api_key"), nil
		}
		report, err := deps.Replier.RunOnce(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("reply cycle failed: %v", err)), nil
		}
		return mcpJSON(report)
	}
}

func mcpTaskStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("task_id")
		if err != nil || id == "" {
			return mcpError("task_id is required"), nil
		}
		st, err := deps.Tasks.Poll(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("task %s: %v", id, err)), nil
		}
		return mcpJSON(st)
	}
}

func mcpResourceProfile(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		p, err := deps.Outreach.Profile(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get profile: %w", err)
		}
		return jsonResource(req.Params.URI, p)
	}
}

func mcpResourceTotals(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		t, err := deps.Outreach.Totals(0)
		if err != nil {
			return nil, fmt.Errorf("failed to count matches: %w", err)
		}
		return jsonResource(req.Params.URI, t)
	}
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resource: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to encode result: %v", err)), nil
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
