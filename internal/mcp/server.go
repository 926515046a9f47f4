// Package mcp exposes onboarding state to agents over the Model Context Protocol.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"onboardline/internal/engine"
	"onboardline/internal/reconcile"
	"onboardline/internal/repo"
)

// Syncer runs one reconciliation pass.
type Syncer interface {
	Run(ctx context.Context) (reconcile.Report, error)
}

// NewServer registers the onboarding tools. actorID is recorded on the events they write.
func NewServer(e engine.Engine, sync Syncer, actorID string) *server.MCPServer {
	s := server.NewMCPServer("Onboardline", "0.1.0")

	s.AddTool(mcp.NewTool("list_instances",
		mcp.WithDescription("List onboarding instances, newest first, with per-task lock state."),
		mcp.WithString("user_email", mcp.Description("Only instances of this user")),
	), listInstancesHandler(e))

	s.AddTool(mcp.NewTool("get_instance",
		mcp.WithDescription("Get one instance's tasks in dependency order with level, parent and lock state."),
		mcp.WithNumber("id", mcp.Description("Instance id"), mcp.Required()),
	), getInstanceHandler(e))

	s.AddTool(mcp.NewTool("list_requests",
		mcp.WithDescription("List tracked ticketing requests, newest first. Does not sync."),
	), listRequestsHandler(e))

	s.AddTool(mcp.NewTool("sync_requests",
		mcp.WithDescription("Pull current ticket status for every tracked request and task, then report what changed."),
	), syncHandler(sync))

	s.AddTool(mcp.NewTool("bypass_task",
		mcp.WithDescription("Unlock a task regardless of its prerequisites. This cannot be undone."),
		mcp.WithNumber("instance_id", mcp.Description("Instance id"), mcp.Required()),
		mcp.WithNumber("template_id", mcp.Description("Template id of the task"), mcp.Required()),
	), bypassHandler(e, actorID))

	return s
}

// Serve starts the MCP server on stdio.
func Serve(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func listInstancesHandler(e engine.Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		email := mcp.ParseString(request, "user_email", "")
		items, err := e.ListInstances(ctx, repo.InstanceFilters{UserEmail: email})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]any{"instances": items})
	}
}

func getInstanceHandler(e engine.Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := mcp.ParseInt64(request, "id", 0)
		inst, err := e.GetInstance(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		tree, err := e.InstanceTree(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]any{
			"id":                       inst.ID,
			"user_email":               inst.UserEmail,
			"onboarding_template_name": inst.OnboardingTemplateName,
			"tasks":                    tree,
		})
	}
}

func listRequestsHandler(e engine.Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		items, err := e.ListRequests(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]any{"requests": items})
	}
}

func syncHandler(sync Syncer) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if sync == nil {
			return mcp.NewToolResultError("reconciliation is not configured"), nil
		}
		report, err := sync.Run(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(report)
	}
}

func bypassHandler(e engine.Engine, actorID string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ref := engine.TaskRef{
			InstanceID: mcp.ParseInt64(request, "instance_id", 0),
			TemplateID: mcp.ParseInt64(request, "template_id", 0),
		}
		task, err := e.Bypass(ctx, ref, actorID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("bypass %s: %v", ref, err)), nil
		}
		return jsonResult(task)
	}
}
