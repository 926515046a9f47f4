package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"onboardline/internal/db"
	"onboardline/internal/domain"
	"onboardline/internal/engine"
	"onboardline/internal/jira"
	"onboardline/internal/jira/jiratest"
	"onboardline/internal/migrate"
	"onboardline/internal/reconcile"
)

type testServer struct {
	URL     string
	Engine  engine.Engine
	Gateway *jiratest.Gateway
	client  *http.Client
	close   func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	gw := jiratest.New()
	now := func() time.Time { return time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC) }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := engine.New(conn, gw).WithNow(now)
	e.Logger = logger
	if err := e.Repo.AddUserField(ctx, nil, "Manager"); err != nil {
		t.Fatalf("add user field: %v", err)
	}
	if err := e.Repo.UpsertUser(ctx, nil, domain.User{
		Email:      "ada@example.com",
		Attributes: []domain.Attribute{{Name: "Manager", Value: "grace"}},
	}, "2024-01-01T00:00:00Z"); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	rec := reconcile.New(conn, gw)
	rec.Now = now
	rec.Logger = logger

	handler, err := New(Config{Engine: e, Sync: rec, Discovery: gw, BasePath: "/v0", SyncOnRead: true, Logger: logger})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:     "http://" + ln.Addr().String(),
		Engine:  e,
		Gateway: gw,
		client:  &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
	return v
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func createTemplate(t *testing.T, srv *testServer, name string, deps ...int64) domain.Template {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/templates", map[string]any{
		"name":              name,
		"service_desk_id":   "1",
		"request_type_id":   "10",
		"request_type_name": name + " request",
		"field_mappings": map[string]any{
			"summary":  map[string]any{"type": "static", "value": name + " for new starter"},
			"reporter": map[string]any{"type": "dynamic", "value": "Manager", "jiraSchema": map[string]any{"type": "user"}},
		},
		"depends_on": deps,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create template %s: %d %s", name, res.StatusCode, string(data))
	}
	return decode[domain.Template](t, data)
}

// startOnboarding creates Account and VPN (needs Account), packages them and onboards ada.
func startOnboarding(t *testing.T, srv *testServer) (account, vpn domain.Template, inst engine.InstanceView) {
	t.Helper()
	account = createTemplate(t, srv, "Account")
	vpn = createTemplate(t, srv, "VPN", account.ID)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/onboarding/templates", map[string]any{
		"name":         "Engineer",
		"template_ids": []int64{vpn.ID, account.ID},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create onboarding template: %d %s", res.StatusCode, string(data))
	}
	pkg := decode[OnboardingTemplateResponse](t, data)
	if len(pkg.Templates) != 2 || pkg.Templates[0].Name != "VPN" {
		t.Fatalf("expected member names in order, got %+v", pkg.Templates)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/onboarding/instances", map[string]any{
		"user_email":             "ada@example.com",
		"onboarding_template_id": pkg.ID,
	}, map[string]string{ActorHeader: "hr-bot"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create instance: %d %s", res.StatusCode, string(data))
	}
	return account, vpn, decode[engine.InstanceView](t, data)
}

func taskURL(srv *testServer, inst engine.InstanceView, tmpl domain.Template, action string) string {
	return fmt.Sprintf("%s/v0/onboarding/instances/%d/tasks/%d/%s", srv.URL, inst.ID, tmpl.ID, action)
}

func TestOnboardingFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	account, vpn, inst := startOnboarding(t, srv)

	res, data := doJSON(t, client, http.MethodPost, taskURL(srv, inst, vpn, "execute"), nil, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected locked VPN to conflict, got %d %s", res.StatusCode, string(data))
	}
	env := decode[errorEnvelope](t, data)
	if env.Error.Code != "conflict" || fmt.Sprint(env.Error.Details["blocking"]) != "[Account]" {
		t.Fatalf("unexpected envelope %+v", env.Error)
	}

	res, data = doJSON(t, client, http.MethodPost, taskURL(srv, inst, account, "execute"), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("execute account: %d %s", res.StatusCode, string(data))
	}
	task := decode[domain.Task](t, data)
	if task.IssueKey == nil || *task.IssueKey != "PROJ-1" {
		t.Fatalf("expected PROJ-1, got %+v", task)
	}
	created := srv.Gateway.Created()
	if len(created) != 1 || created[0].Fields["reporter"] == nil {
		t.Fatalf("expected one created request with a reporter, got %+v", created)
	}

	srv.Gateway.Put("PROJ-1", "Done", "DONE", "2024-03-01T10:00:00Z")
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/requests", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list requests: %d %s", res.StatusCode, string(data))
	}
	reqs := decode[RequestListResponse](t, data)
	if reqs.Sync == nil || reqs.Sync.Updated != 1 {
		t.Fatalf("expected the read to sync one key, got %+v", reqs.Sync)
	}
	if len(reqs.Items) != 1 || reqs.Items[0].Status != "Done" || reqs.Items[0].ClosedAt == nil {
		t.Fatalf("unexpected requests %+v", reqs.Items)
	}

	res, data = doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v0/onboarding/instances/%d/tree", srv.URL, inst.ID), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("tree: %d %s", res.StatusCode, string(data))
	}
	tree := decode[ListResponse[engine.TreeEntry]](t, data)
	if len(tree.Items) != 2 || tree.Items[0].TemplateName != "Account" || tree.Items[1].Level != 1 {
		t.Fatalf("unexpected tree %+v", tree.Items)
	}
	if tree.Items[1].Locked {
		t.Fatalf("VPN should be unlocked once Account is done")
	}

	res, data = doJSON(t, client, http.MethodDelete, fmt.Sprintf("%s/v0/onboarding/instances/%d", srv.URL, inst.ID), nil, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected delete of linked instance to conflict, got %d %s", res.StatusCode, string(data))
	}
}

func TestSyncOnReadCanBeSkipped(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	account, _, inst := startOnboarding(t, srv)
	if res, data := doJSON(t, srv.Client(), http.MethodPost, taskURL(srv, inst, account, "execute"), nil, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("execute: %d %s", res.StatusCode, string(data))
	}
	before := srv.Gateway.Fetches("PROJ-1")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/requests?sync=false", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list requests: %d %s", res.StatusCode, string(data))
	}
	if decode[RequestListResponse](t, data).Sync != nil || srv.Gateway.Fetches("PROJ-1") != before {
		t.Fatalf("sync=false must not contact the gateway")
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/requests?sync=maybe", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad sync flag, got %d", res.StatusCode)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/sync", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sync: %d %s", res.StatusCode, string(data))
	}
	report := decode[reconcile.Report](t, data)
	if report.Checked != 1 || report.ID == "" {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/templates/999", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
	if env := decode[errorEnvelope](t, data); env.Error.Code != "not_found" {
		t.Fatalf("unexpected envelope %+v", env.Error)
	}

	a := createTemplate(t, srv, "Account")
	res, data = doJSON(t, client, http.MethodPut, fmt.Sprintf("%s/v0/templates/%d", srv.URL, a.ID), map[string]any{
		"name":       "Account",
		"is_manual":  true,
		"depends_on": []int64{a.ID},
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected self dependency to be rejected, got %d %s", res.StatusCode, string(data))
	}
	if env := decode[errorEnvelope](t, data); env.Error.Code != "bad_request" || env.Error.Details["field"] == nil {
		t.Fatalf("unexpected envelope %+v", env.Error)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/templates", map[string]any{"name": "Account", "is_manual": true}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected duplicate name conflict, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/onboarding/instances", map[string]any{"user_email": "ada@example.com", "onboarding_template_id": 999}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected unknown onboarding template to be 404, got %d %s", res.StatusCode, string(data))
	}
}

func TestGatewayFailureIsBadGateway(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	account, _, inst := startOnboarding(t, srv)
	srv.Gateway.CreateErr = &jira.GatewayError{StatusCode: http.StatusBadRequest, Body: `{"errorMessage":"Field reporter is invalid"}`}

	res, data := doJSON(t, srv.Client(), http.MethodPost, taskURL(srv, inst, account, "execute"), nil, nil)
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d %s", res.StatusCode, string(data))
	}
	env := decode[errorEnvelope](t, data)
	if env.Error.Details["status"] != float64(http.StatusBadRequest) || !strings.Contains(fmt.Sprint(env.Error.Details["body"]), "reporter") {
		t.Fatalf("unexpected details %+v", env.Error.Details)
	}

	view, err := srv.Engine.GetInstance(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	for _, task := range view.Tasks {
		if task.IssueKey != nil || task.Status != domain.StatusNotStarted {
			t.Fatalf("task %s changed after a failed create: %+v", task.TemplateName, task.Task)
		}
	}
}

func TestManualTaskRoutesAndActor(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/templates", map[string]any{
		"name": "Badge", "is_manual": true, "instructions": "Collect at reception",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create manual template: %d %s", res.StatusCode, string(data))
	}
	badge := decode[domain.Template](t, data)
	pkg, err := srv.Engine.CreateOnboardingTemplate(context.Background(), "Visitor", []int64{badge.ID}, "tester")
	if err != nil {
		t.Fatalf("create package: %v", err)
	}
	inst, err := srv.Engine.CreateInstance(context.Background(), "ada@example.com", pkg.ID, "tester")
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, taskURL(srv, inst, badge, "manual-associate"), map[string]any{
		"issue_key": "HR-7",
		"status":    "In Progress",
	}, map[string]string{ActorHeader: "alice"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("manual associate: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPut, taskURL(srv, inst, badge, "status"), map[string]any{
		"issue_key": "HR-7",
		"status":    "Done",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update status: %d %s", res.StatusCode, string(data))
	}
	if task := decode[domain.Task](t, data); task.ClosedAt == nil {
		t.Fatalf("expected closed_at once done, got %+v", task)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?entity_kind=task", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	events := decode[ListResponse[domain.Event]](t, data)
	actors := map[string]bool{}
	for _, ev := range events.Items {
		actors[ev.ActorID] = true
	}
	if !actors["alice"] || !actors[defaultActor] {
		t.Fatalf("expected events from alice and the default actor, got %+v", actors)
	}
}

func TestDiscoveryAndUsers(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/jira/servicedesks/1/requesttypes/10/fields", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("fields: %d %s", res.StatusCode, string(data))
	}
	fields := decode[ListResponse[jira.RequestTypeField]](t, data)
	if len(fields.Items) != 1 || fields.Items[0].FieldID != "summary" {
		t.Fatalf("unexpected fields %+v", fields.Items)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/user-fields", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("user fields: %d %s", res.StatusCode, string(data))
	}
	if got := decode[UserFieldsResponse](t, data).Fields; !strings.Contains(strings.Join(got, ","), "Manager") {
		t.Fatalf("unexpected user fields %v", got)
	}

	if res.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected a request id header")
	}
}

func TestTimeSpentAnalytics(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/analytics/time_spent", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"items":[]`) {
		t.Fatalf("empty analytics: %d %s", res.StatusCode, string(data))
	}

	closedAt := "2024-03-01T12:00:00Z"
	if err := srv.Engine.Repo.InsertRequest(context.Background(), nil, domain.Request{
		IssueKey: "PROJ-7", RequestTypeName: "Laptop", Status: "Done", OpenedAt: "2024-03-01T08:00:00Z", ClosedAt: &closedAt,
	}); err != nil {
		t.Fatalf("insert request: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/analytics/time_spent", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("analytics: %d %s", res.StatusCode, string(data))
	}
	stats := decode[ListResponse[domain.TimeSpent]](t, data).Items
	if len(stats) != 1 || stats[0].RequestTypeName != "Laptop" || stats[0].Closed != 1 || stats[0].AvgHours < 3.999 || stats[0].AvgHours > 4.001 {
		t.Fatalf("unexpected analytics %+v", stats)
	}
}

func TestUserRoutes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v0/users"

	res, data := doJSON(t, client, http.MethodPost, base, map[string]any{
		"email":      "bob@example.com",
		"attributes": map[string]string{"Manager": "ada"},
	}, map[string]string{ActorHeader: "hr-bot"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create user: %d %s", res.StatusCode, string(data))
	}
	if v, _ := decode[domain.User](t, data).Get("Manager"); v != "ada" {
		t.Fatalf("unexpected user %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base, map[string]any{"email": "bob@example.com"}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate user: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, base, map[string]any{
		"email":      "eve@example.com",
		"attributes": map[string]string{"Desk": "4B"},
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown field: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPut, base+"/bob@example.com", map[string]any{
		"attributes": map[string]string{"Manager": "grace"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update user: %d %s", res.StatusCode, string(data))
	}
	if v, _ := decode[domain.User](t, data).Get("Manager"); v != "grace" {
		t.Fatalf("manager not updated: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodDelete, base+"/bob@example.com", nil, nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete user: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPut, base+"/bob@example.com", map[string]any{"attributes": map[string]string{}}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("update deleted user: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?entity_kind=user", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	evs := decode[ListResponse[domain.Event]](t, data).Items
	if len(evs) != 3 || evs[len(evs)-1].ActorID != "hr-bot" {
		t.Fatalf("unexpected user events %+v", evs)
	}
}
