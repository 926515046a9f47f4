package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onboardline/internal/db"
	"onboardline/internal/domain"
	"onboardline/internal/engine"
	"onboardline/internal/jira/jiratest"
	"onboardline/internal/migrate"
	"onboardline/internal/reconcile"
	"onboardline/internal/repo"
)

type fixture struct {
	engine  engine.Engine
	gateway *jiratest.Gateway
	inst    engine.InstanceView
	account domain.Template
	vpn     domain.Template
}

func newFixture(t *testing.T) (context.Context, fixture, *reconcile.Reconciler) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)

	gw := jiratest.New()
	now := func() time.Time { return time.Date(2024, 4, 2, 9, 0, 0, 0, time.UTC) }
	e := engine.New(conn, gw).WithNow(now)
	require.NoError(t, e.Repo.UpsertUser(ctx, nil, domain.User{Email: "ada@example.com"}, "2024-01-01T00:00:00Z"))

	account, err := e.CreateTemplate(ctx, engine.TemplateInput{Name: "Account", ServiceDeskID: "1", RequestTypeID: "10"}, "tester")
	require.NoError(t, err)
	vpn, err := e.CreateTemplate(ctx, engine.TemplateInput{Name: "VPN", ServiceDeskID: "1", RequestTypeID: "11", DependsOn: []int64{account.ID}}, "tester")
	require.NoError(t, err)
	pkg, err := e.CreateOnboardingTemplate(ctx, "Engineer", []int64{vpn.ID, account.ID}, "tester")
	require.NoError(t, err)
	inst, err := e.CreateInstance(ctx, "ada@example.com", pkg.ID, "tester")
	require.NoError(t, err)

	rec := reconcile.New(conn, gw)
	rec.Now = now
	return ctx, fixture{engine: e, gateway: gw, inst: inst, account: account, vpn: vpn}, rec
}

func call(t *testing.T, ctx context.Context, tool string, args map[string]any, f fixture, rec *reconcile.Reconciler) *mcp.CallToolResult {
	t.Helper()
	s := NewServer(f.engine, rec, "agent")
	handler := s.GetTool(tool)
	require.NotNil(t, handler, "tool %s not registered", tool)
	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args
	result, err := handler.Handler(ctx, req)
	require.NoError(t, err)
	return result
}

func text(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return result.Content[0].(mcp.TextContent).Text
}

func TestGetInstanceReturnsTree(t *testing.T) {
	ctx, f, rec := newFixture(t)
	result := call(t, ctx, "get_instance", map[string]any{"id": float64(f.inst.ID)}, f, rec)
	require.False(t, result.IsError, text(t, result))

	var got struct {
		UserEmail string             `json:"user_email"`
		Tasks     []engine.TreeEntry `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal([]byte(text(t, result)), &got))
	assert.Equal(t, "ada@example.com", got.UserEmail)
	require.Len(t, got.Tasks, 2)
	assert.Equal(t, "Account", got.Tasks[0].TemplateName)
	assert.Equal(t, "VPN", got.Tasks[1].TemplateName)
	assert.True(t, got.Tasks[1].Locked)
	assert.Equal(t, []string{"Account"}, got.Tasks[1].BlockedBy)
}

func TestGetInstanceUnknownIsToolError(t *testing.T) {
	ctx, f, rec := newFixture(t)
	result := call(t, ctx, "get_instance", map[string]any{"id": float64(404)}, f, rec)
	assert.True(t, result.IsError)
	assert.Contains(t, text(t, result), "not found")
}

func TestBypassUnlocksAndRecordsActor(t *testing.T) {
	ctx, f, rec := newFixture(t)
	result := call(t, ctx, "bypass_task", map[string]any{
		"instance_id": float64(f.inst.ID),
		"template_id": float64(f.vpn.ID),
	}, f, rec)
	require.False(t, result.IsError, text(t, result))

	view, err := f.engine.GetInstance(ctx, f.inst.ID)
	require.NoError(t, err)
	for _, task := range view.Tasks {
		if task.TemplateID == f.vpn.ID {
			assert.True(t, task.IsBypassed)
			assert.False(t, task.Locked)
		}
	}
	evs, err := f.engine.Repo.ListEvents(ctx, repo.EventFilters{EntityKind: "task", Limit: 1})
	require.NoError(t, err)
	require.NotEmpty(t, evs)
	assert.Equal(t, "agent", evs[0].ActorID)
}

func TestSyncAndListRequests(t *testing.T) {
	ctx, f, rec := newFixture(t)
	_, err := f.engine.Execute(ctx, engine.TaskRef{InstanceID: f.inst.ID, TemplateID: f.account.ID}, "tester")
	require.NoError(t, err)
	f.gateway.Put("PROJ-1", "Resolved", "DONE", "2024-04-02T10:00:00Z")

	result := call(t, ctx, "sync_requests", map[string]any{}, f, rec)
	require.False(t, result.IsError, text(t, result))
	var report reconcile.Report
	require.NoError(t, json.Unmarshal([]byte(text(t, result)), &report))
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, report.Updated)

	result = call(t, ctx, "list_requests", map[string]any{}, f, rec)
	require.False(t, result.IsError, text(t, result))
	var listed struct {
		Requests []domain.Request `json:"requests"`
	}
	require.NoError(t, json.Unmarshal([]byte(text(t, result)), &listed))
	require.Len(t, listed.Requests, 1)
	assert.Equal(t, "Resolved", listed.Requests[0].Status)

	result = call(t, ctx, "list_instances", map[string]any{"user_email": "ada@example.com"}, f, rec)
	require.False(t, result.IsError, text(t, result))
	assert.Contains(t, text(t, result), `"onboarding_template_name":"Engineer"`)
}
