package repo

import (
	"context"
	"database/sql"
	"errors"

	"onboardline/internal/domain"
)

func (r Repo) GetOnboardingTemplate(ctx context.Context, tx *sql.Tx, id int64) (domain.OnboardingTemplate, error) {
	var o domain.OnboardingTemplate
	err := r.on(tx).QueryRowContext(ctx, `SELECT id,name,created_at,updated_at FROM onboarding_templates WHERE id=?`, id).
		Scan(&o.ID, &o.Name, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	o.TemplateIDs, err = r.OnboardingTemplateMembers(ctx, tx, id)
	return o, err
}

func (r Repo) ListOnboardingTemplates(ctx context.Context, tx *sql.Tx) ([]domain.OnboardingTemplate, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT id,name,created_at,updated_at FROM onboarding_templates ORDER BY name`)
	if err != nil {
		return nil, err
	}
	var out []domain.OnboardingTemplate
	for rows.Next() {
		var o domain.OnboardingTemplate
		if err := rows.Scan(&o.ID, &o.Name, &o.CreatedAt, &o.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	for i := range out {
		members, err := r.OnboardingTemplateMembers(ctx, tx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].TemplateIDs = members
	}
	return out, nil
}

// OnboardingTemplateMembers returns the package's template ids in package order.
func (r Repo) OnboardingTemplateMembers(ctx context.Context, tx *sql.Tx, id int64) ([]int64, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT template_id FROM onboarding_template_access_templates WHERE onboarding_template_id=? ORDER BY position, template_id`, id)
	if err != nil {
		return nil, err
	}
	ids, err := scanInt64s(rows)
	if ids == nil {
		ids = []int64{}
	}
	return ids, err
}

func (r Repo) OnboardingTemplateIDByName(ctx context.Context, tx *sql.Tx, name string) (int64, error) {
	var id int64
	err := r.on(tx).QueryRowContext(ctx, `SELECT id FROM onboarding_templates WHERE name=?`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return id, err
}

func (r Repo) InsertOnboardingTemplate(ctx context.Context, tx *sql.Tx, o domain.OnboardingTemplate) (int64, error) {
	res, err := r.on(tx).ExecContext(ctx, `INSERT INTO onboarding_templates(name,created_at,updated_at) VALUES (?,?,?)`, o.Name, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) RenameOnboardingTemplate(ctx context.Context, tx *sql.Tx, id int64, name, updatedAt string) error {
	return mustAffect(r.on(tx).ExecContext(ctx, `UPDATE onboarding_templates SET name=?, updated_at=? WHERE id=?`, name, updatedAt, id))
}

// ReplaceOnboardingTemplateMembers swaps the member list, keeping the given order.
func (r Repo) ReplaceOnboardingTemplateMembers(ctx context.Context, tx *sql.Tx, id int64, templateIDs []int64) error {
	q := r.on(tx)
	if _, err := q.ExecContext(ctx, `DELETE FROM onboarding_template_access_templates WHERE onboarding_template_id=?`, id); err != nil {
		return err
	}
	for i, tid := range templateIDs {
		if _, err := q.ExecContext(ctx, `INSERT INTO onboarding_template_access_templates(onboarding_template_id,template_id,position) VALUES (?,?,?)`, id, tid, i); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) DeleteOnboardingTemplate(ctx context.Context, tx *sql.Tx, id int64) error {
	q := r.on(tx)
	if _, err := q.ExecContext(ctx, `DELETE FROM onboarding_template_access_templates WHERE onboarding_template_id=?`, id); err != nil {
		return err
	}
	return mustAffect(q.ExecContext(ctx, `DELETE FROM onboarding_templates WHERE id=?`, id))
}

// InstanceIDsForOnboardingTemplate lists instances built from the package.
func (r Repo) InstanceIDsForOnboardingTemplate(ctx context.Context, tx *sql.Tx, id int64) ([]int64, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT id FROM onboarding_instances WHERE onboarding_template_id=? ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	return scanInt64s(rows)
}

// ActionedTemplates returns which of templateIDs already hold an issue key in
// some instance of the package.
func (r Repo) ActionedTemplates(ctx context.Context, tx *sql.Tx, onboardingTemplateID int64, templateIDs []int64) ([]int64, error) {
	if len(templateIDs) == 0 {
		return nil, nil
	}
	args := append([]any{onboardingTemplateID}, int64Args(templateIDs)...)
	rows, err := r.on(tx).QueryContext(ctx, `SELECT DISTINCT s.template_id FROM onboarding_instance_statuses s
JOIN onboarding_instances i ON i.id = s.onboarding_instance_id
WHERE i.onboarding_template_id=? AND s.issue_key IS NOT NULL AND s.template_id IN (`+placeholders(len(templateIDs))+`)
ORDER BY s.template_id`, args...)
	if err != nil {
		return nil, err
	}
	return scanInt64s(rows)
}
