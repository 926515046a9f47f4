package repo

import (
	"context"
	"database/sql"
	"errors"

	"onboardline/internal/domain"
)

func (r Repo) InsertInstance(ctx context.Context, tx *sql.Tx, inst domain.Instance) (int64, error) {
	res, err := r.on(tx).ExecContext(ctx, `INSERT INTO onboarding_instances(user_email,onboarding_template_id,created_at) VALUES (?,?,?)`,
		inst.UserEmail, inst.OnboardingTemplateID, inst.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetInstance(ctx context.Context, tx *sql.Tx, id int64) (domain.Instance, error) {
	var inst domain.Instance
	err := r.on(tx).QueryRowContext(ctx, `SELECT id,user_email,onboarding_template_id,created_at FROM onboarding_instances WHERE id=?`, id).
		Scan(&inst.ID, &inst.UserEmail, &inst.OnboardingTemplateID, &inst.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return inst, ErrNotFound
	}
	return inst, err
}

// InstanceFilters narrows ListInstances.
type InstanceFilters struct {
	UserEmail            string
	OnboardingTemplateID int64
}

// ListInstances returns instances newest first.
func (r Repo) ListInstances(ctx context.Context, f InstanceFilters) ([]domain.Instance, error) {
	query := `SELECT id,user_email,onboarding_template_id,created_at FROM onboarding_instances WHERE 1=1`
	var args []any
	if f.UserEmail != "" {
		query += ` AND user_email=?`
		args = append(args, f.UserEmail)
	}
	if f.OnboardingTemplateID != 0 {
		query += ` AND onboarding_template_id=?`
		args = append(args, f.OnboardingTemplateID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Instance
	for rows.Next() {
		var inst domain.Instance
		if err := rows.Scan(&inst.ID, &inst.UserEmail, &inst.OnboardingTemplateID, &inst.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// DeleteInstance removes the instance together with its task rows.
func (r Repo) DeleteInstance(ctx context.Context, tx *sql.Tx, id int64) error {
	q := r.on(tx)
	if _, err := q.ExecContext(ctx, `DELETE FROM onboarding_instance_statuses WHERE onboarding_instance_id=?`, id); err != nil {
		return err
	}
	return mustAffect(q.ExecContext(ctx, `DELETE FROM onboarding_instances WHERE id=?`, id))
}

const taskColumns = `onboarding_instance_id,template_id,status,issue_key,is_bypassed,started_at,closed_at`

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var issueKey, startedAt, closedAt sql.NullString
	var bypassed int
	if err := row.Scan(&t.InstanceID, &t.TemplateID, &t.Status, &issueKey, &bypassed, &startedAt, &closedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return t, ErrNotFound
		}
		return t, err
	}
	t.IssueKey = stringPtr(issueKey)
	t.StartedAt = stringPtr(startedAt)
	t.ClosedAt = stringPtr(closedAt)
	t.IsBypassed = bypassed == 1
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]domain.Task, error) {
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r Repo) GetTask(ctx context.Context, tx *sql.Tx, instanceID, templateID int64) (domain.Task, error) {
	return scanTask(r.on(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM onboarding_instance_statuses WHERE onboarding_instance_id=? AND template_id=?`, instanceID, templateID))
}

// ListTasks returns the tasks of one instance.
func (r Repo) ListTasks(ctx context.Context, tx *sql.Tx, instanceID int64) ([]domain.Task, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT `+taskColumns+` FROM onboarding_instance_statuses WHERE onboarding_instance_id=? ORDER BY template_id`, instanceID)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

// TasksByIssueKey returns every task pointing at the ticket.
func (r Repo) TasksByIssueKey(ctx context.Context, tx *sql.Tx, issueKey string) ([]domain.Task, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT `+taskColumns+` FROM onboarding_instance_statuses WHERE issue_key=? ORDER BY onboarding_instance_id, template_id`, issueKey)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO onboarding_instance_statuses(`+taskColumns+`) VALUES (?,?,?,?,?,?,?)`,
		t.InstanceID, t.TemplateID, t.Status, nullableStringPtr(t.IssueKey), boolInt(t.IsBypassed), nullableStringPtr(t.StartedAt), nullableStringPtr(t.ClosedAt))
	return err
}

// UpdateTask writes every mutable column of the task row.
func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	return mustAffect(r.on(tx).ExecContext(ctx, `UPDATE onboarding_instance_statuses SET status=?,issue_key=?,is_bypassed=?,started_at=?,closed_at=? WHERE onboarding_instance_id=? AND template_id=?`,
		t.Status, nullableStringPtr(t.IssueKey), boolInt(t.IsBypassed), nullableStringPtr(t.StartedAt), nullableStringPtr(t.ClosedAt), t.InstanceID, t.TemplateID))
}

func (r Repo) DeleteTasks(ctx context.Context, tx *sql.Tx, instanceID int64, templateIDs []int64) error {
	if len(templateIDs) == 0 {
		return nil
	}
	args := append([]any{instanceID}, int64Args(templateIDs)...)
	_, err := r.on(tx).ExecContext(ctx, `DELETE FROM onboarding_instance_statuses WHERE onboarding_instance_id=? AND template_id IN (`+placeholders(len(templateIDs))+`)`, args...)
	return err
}

// TaskIssueKeys returns the distinct issue keys held by tasks.
func (r Repo) TaskIssueKeys(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT issue_key FROM onboarding_instance_statuses WHERE issue_key IS NOT NULL ORDER BY issue_key`)
	if err != nil {
		return nil, err
	}
	return scanStrings(rows)
}
