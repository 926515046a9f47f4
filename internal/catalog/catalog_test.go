package catalog_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onboardline/internal/catalog"
	"onboardline/internal/db"
	"onboardline/internal/engine"
	"onboardline/internal/jira/jiratest"
	"onboardline/internal/migrate"
)

const seed = `
user_fields: [Name, Manager]
users:
  - email: ada@example.com
    attributes: {Name: Ada, Manager: grace}
templates:
  - name: VPN
    service_desk_id: "1"
    request_type_id: "11"
    request_type_name: VPN access
    depends_on: [Account]
    field_mappings:
      summary: {type: static, value: VPN for new starter}
      reporter: {type: dynamic, value: Manager, schema: {type: user}}
  - name: Account
    service_desk_id: "1"
    request_type_id: "10"
  - name: Badge
    manual: true
    instructions: Collect at reception
packages:
  - name: Engineer
    templates: [Account, VPN, Badge]
`

func newEngine(t *testing.T) (context.Context, engine.Engine) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)
	return ctx, engine.New(conn, jiratest.New())
}

func TestImportResolvesNamesAcrossTheFile(t *testing.T) {
	ctx, e := newEngine(t)
	c, err := catalog.Parse([]byte(seed))
	require.NoError(t, err)

	s, err := catalog.Import(ctx, e, c, "tester")
	require.NoError(t, err)
	assert.Equal(t, catalog.Summary{UserFields: 2, Users: 1, Templates: 3, Packages: 1}, s)

	templates, err := e.ListTemplates(ctx)
	require.NoError(t, err)
	byName := map[string]int64{}
	for _, tmpl := range templates {
		byName[tmpl.Name] = tmpl.ID
	}
	vpn, err := e.GetTemplate(ctx, byName["VPN"])
	require.NoError(t, err)
	assert.Equal(t, []int64{byName["Account"]}, vpn.DependsOn)
	assert.Equal(t, "Manager", vpn.FieldMappings["reporter"].Value)

	user, err := e.Repo.GetUser(ctx, "ada@example.com")
	require.NoError(t, err)
	manager, ok := user.Get("Manager")
	assert.True(t, ok)
	assert.Equal(t, "grace", manager)

	pkgs, err := e.ListOnboardingTemplates(ctx)
	require.NoError(t, err)
	require.Len(t, pkgs, 1)
	assert.Equal(t, []int64{byName["Account"], byName["VPN"], byName["Badge"]}, pkgs[0].TemplateIDs)
}

func TestImportTwiceUpdatesInPlace(t *testing.T) {
	ctx, e := newEngine(t)
	c, err := catalog.Parse([]byte(seed))
	require.NoError(t, err)
	_, err = catalog.Import(ctx, e, c, "tester")
	require.NoError(t, err)

	c.Packages[0].Templates = []string{"Account", "Badge"}
	_, err = catalog.Import(ctx, e, c, "tester")
	require.NoError(t, err)

	templates, err := e.ListTemplates(ctx)
	require.NoError(t, err)
	assert.Len(t, templates, 3)
	pkgs, err := e.ListOnboardingTemplates(ctx)
	require.NoError(t, err)
	require.Len(t, pkgs, 1)
	assert.Len(t, pkgs[0].TemplateIDs, 2)
}

func TestImportRejectsUnknownReferences(t *testing.T) {
	ctx, e := newEngine(t)
	c, err := catalog.Parse([]byte(`
templates:
  - name: VPN
    manual: true
    depends_on: [Ghost]
`))
	require.NoError(t, err)
	_, err = catalog.Import(ctx, e, c, "tester")
	var nf engine.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "Ghost", nf.ID)

	c, err = catalog.Parse([]byte(`
users:
  - email: bob@example.com
    attributes: {Shoe size: "44"}
`))
	require.NoError(t, err)
	_, err = catalog.Import(ctx, e, c, "tester")
	var ve engine.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := catalog.Parse([]byte("templatez: []\n"))
	assert.Error(t, err)
}
