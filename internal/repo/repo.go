package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"onboardline/internal/domain"
)

var ErrNotFound = errors.New("not found")

type Repo struct {
	DB *sql.DB
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// on runs statements inside tx when one is given. The pool holds a single
// connection, so reads made while a transaction is open must go through it.
func (r Repo) on(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func mustAffect(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const templateColumns = `id,name,is_manual,service_desk_id,request_type_id,service_desk_name,request_type_name,field_mappings_json,instructions,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row rowScanner) (domain.Template, error) {
	var t domain.Template
	var manual int
	var deskID, typeID, deskName, typeName, mappings, instructions sql.NullString
	if err := row.Scan(&t.ID, &t.Name, &manual, &deskID, &typeID, &deskName, &typeName, &mappings, &instructions, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return t, ErrNotFound
		}
		return t, err
	}
	t.IsManual = manual == 1
	t.ServiceDeskID = deskID.String
	t.RequestTypeID = typeID.String
	t.ServiceDeskName = deskName.String
	t.RequestTypeName = typeName.String
	t.Instructions = instructions.String
	if mappings.Valid && mappings.String != "" {
		if err := json.Unmarshal([]byte(mappings.String), &t.FieldMappings); err != nil {
			return t, fmt.Errorf("decode field mappings of template %d: %w", t.ID, err)
		}
	}
	t.DependsOn = []int64{}
	return t, nil
}

func encodeMappings(m map[string]domain.FieldMapping) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode field mappings: %w", err)
	}
	return string(data), nil
}

// GetTemplate loads a template with its ordered dependency ids.
func (r Repo) GetTemplate(ctx context.Context, tx *sql.Tx, id int64) (domain.Template, error) {
	t, err := scanTemplate(r.on(tx).QueryRowContext(ctx, `SELECT `+templateColumns+` FROM templates WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	deps, err := r.TemplateDependencies(ctx, tx, id)
	if err != nil {
		return t, err
	}
	t.DependsOn = deps
	return t, nil
}

// ListTemplates returns every template ordered by name, dependencies included.
func (r Repo) ListTemplates(ctx context.Context, tx *sql.Tx) ([]domain.Template, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT `+templateColumns+` FROM templates ORDER BY name`)
	if err != nil {
		return nil, err
	}
	var out []domain.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	deps, err := r.DependencyGraph(ctx, tx)
	if err != nil {
		return nil, err
	}
	for i := range out {
		if d, ok := deps[out[i].ID]; ok {
			out[i].DependsOn = d
		}
	}
	return out, nil
}

// TemplateIDByName returns the id of the template called name.
func (r Repo) TemplateIDByName(ctx context.Context, tx *sql.Tx, name string) (int64, error) {
	var id int64
	err := r.on(tx).QueryRowContext(ctx, `SELECT id FROM templates WHERE name=?`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return id, err
}

func (r Repo) InsertTemplate(ctx context.Context, tx *sql.Tx, t domain.Template) (int64, error) {
	mappings, err := encodeMappings(t.FieldMappings)
	if err != nil {
		return 0, err
	}
	res, err := r.on(tx).ExecContext(ctx, `INSERT INTO templates(name,is_manual,service_desk_id,request_type_id,service_desk_name,request_type_name,field_mappings_json,instructions,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.Name, boolInt(t.IsManual), nullable(t.ServiceDeskID), nullable(t.RequestTypeID), nullable(t.ServiceDeskName), nullable(t.RequestTypeName),
		mappings, nullable(t.Instructions), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) UpdateTemplate(ctx context.Context, tx *sql.Tx, t domain.Template) error {
	mappings, err := encodeMappings(t.FieldMappings)
	if err != nil {
		return err
	}
	return mustAffect(r.on(tx).ExecContext(ctx, `UPDATE templates SET name=?,is_manual=?,service_desk_id=?,request_type_id=?,service_desk_name=?,request_type_name=?,field_mappings_json=?,instructions=?,updated_at=? WHERE id=?`,
		t.Name, boolInt(t.IsManual), nullable(t.ServiceDeskID), nullable(t.RequestTypeID), nullable(t.ServiceDeskName), nullable(t.RequestTypeName),
		mappings, nullable(t.Instructions), t.UpdatedAt, t.ID))
}

// DeleteTemplate removes the template and every dependency edge touching it.
func (r Repo) DeleteTemplate(ctx context.Context, tx *sql.Tx, id int64) error {
	q := r.on(tx)
	if _, err := q.ExecContext(ctx, `DELETE FROM template_dependencies WHERE template_id=? OR depends_on_template_id=?`, id, id); err != nil {
		return err
	}
	return mustAffect(q.ExecContext(ctx, `DELETE FROM templates WHERE id=?`, id))
}

func (r Repo) TemplateDependencies(ctx context.Context, tx *sql.Tx, id int64) ([]int64, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT depends_on_template_id FROM template_dependencies WHERE template_id=? ORDER BY position, depends_on_template_id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	deps := []int64{}
	for rows.Next() {
		var d int64
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

// DependencyGraph returns every declared edge as template id -> ordered prerequisite ids.
func (r Repo) DependencyGraph(ctx context.Context, tx *sql.Tx) (map[int64][]int64, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT template_id, depends_on_template_id FROM template_dependencies ORDER BY template_id, position, depends_on_template_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	graph := map[int64][]int64{}
	for rows.Next() {
		var id, dep int64
		if err := rows.Scan(&id, &dep); err != nil {
			return nil, err
		}
		graph[id] = append(graph[id], dep)
	}
	return graph, rows.Err()
}

// ReplaceTemplateDependencies swaps the dependency set of a template, keeping the given order.
func (r Repo) ReplaceTemplateDependencies(ctx context.Context, tx *sql.Tx, id int64, deps []int64) error {
	q := r.on(tx)
	if _, err := q.ExecContext(ctx, `DELETE FROM template_dependencies WHERE template_id=?`, id); err != nil {
		return err
	}
	for i, dep := range deps {
		if _, err := q.ExecContext(ctx, `INSERT INTO template_dependencies(template_id,depends_on_template_id,position) VALUES (?,?,?)`, id, dep, i); err != nil {
			return fmt.Errorf("insert dependency %d -> %d: %w", id, dep, err)
		}
	}
	return nil
}

// OnboardingTemplatesUsing returns the names of packages that include the template.
func (r Repo) OnboardingTemplatesUsing(ctx context.Context, tx *sql.Tx, templateID int64) ([]string, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT o.name FROM onboarding_templates o
JOIN onboarding_template_access_templates a ON a.onboarding_template_id = o.id
WHERE a.template_id=? ORDER BY o.name`, templateID)
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}

// CountTasksForTemplate counts instance tasks derived from the template.
func (r Repo) CountTasksForTemplate(ctx context.Context, tx *sql.Tx, templateID int64) (int, error) {
	var n int
	err := r.on(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM onboarding_instance_statuses WHERE template_id=?`, templateID).Scan(&n)
	return n, err
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanInt64s(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
