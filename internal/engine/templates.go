package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"onboardline/internal/domain"
	"onboardline/internal/events"
	"onboardline/internal/graph"
	"onboardline/internal/repo"
)

// TemplateInput is the editable part of a template.
type TemplateInput struct {
	Name            string
	IsManual        bool
	ServiceDeskID   string
	RequestTypeID   string
	ServiceDeskName string
	RequestTypeName string
	FieldMappings   map[string]domain.FieldMapping
	Instructions    string
	DependsOn       []int64
}

func (e Engine) GetTemplate(ctx context.Context, id int64) (domain.Template, error) {
	t, err := e.Repo.GetTemplate(ctx, nil, id)
	return t, notFound(err, "template", id)
}

func (e Engine) ListTemplates(ctx context.Context) ([]domain.Template, error) {
	return e.Repo.ListTemplates(ctx, nil)
}

// CreateTemplate stores a new template with its dependency list.
func (e Engine) CreateTemplate(ctx context.Context, in TemplateInput, actorID string) (domain.Template, error) {
	in, err := e.validateTemplateInput(ctx, in)
	if err != nil {
		return domain.Template{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Template{}, err
	}
	defer tx.Rollback()

	if err := e.ensureTemplateNameFree(ctx, tx, in.Name, 0); err != nil {
		return domain.Template{}, err
	}
	if err := e.ensureTemplatesExist(ctx, tx, in.DependsOn); err != nil {
		return domain.Template{}, err
	}
	now := e.timestamp()
	t := templateFromInput(in)
	t.CreatedAt, t.UpdatedAt = now, now
	id, err := e.Repo.InsertTemplate(ctx, tx, t)
	if err != nil {
		return domain.Template{}, fmt.Errorf("insert template: %w", err)
	}
	t.ID = id
	if err := e.Repo.ReplaceTemplateDependencies(ctx, tx, id, in.DependsOn); err != nil {
		return domain.Template{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TemplateCreated, "template", strconv.FormatInt(id, 10), actorID, events.EventPayload{
		"name": t.Name, "is_manual": t.IsManual, "depends_on": in.DependsOn,
	}); err != nil {
		return domain.Template{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Template{}, err
	}
	return t, nil
}

// UpdateTemplate replaces a template and its dependency list. Edits that
// would close a dependency cycle are rejected.
func (e Engine) UpdateTemplate(ctx context.Context, id int64, in TemplateInput, actorID string) (domain.Template, error) {
	in, err := e.validateTemplateInput(ctx, in)
	if err != nil {
		return domain.Template{}, err
	}
	if lo.Contains(in.DependsOn, id) {
		return domain.Template{}, ValidationError{Field: "depends_on", Reason: "a template cannot depend on itself"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Template{}, err
	}
	defer tx.Rollback()

	current, err := e.Repo.GetTemplate(ctx, tx, id)
	if err != nil {
		return domain.Template{}, notFound(err, "template", id)
	}
	if err := e.ensureTemplateNameFree(ctx, tx, in.Name, id); err != nil {
		return domain.Template{}, err
	}
	if err := e.ensureTemplatesExist(ctx, tx, in.DependsOn); err != nil {
		return domain.Template{}, err
	}
	edges, err := e.Repo.DependencyGraph(ctx, tx)
	if err != nil {
		return domain.Template{}, err
	}
	edges[id] = in.DependsOn
	if cycle := graph.FindCycle(edges); cycle != nil {
		names, err := e.templateNames(ctx, tx, cycle)
		if err != nil {
			return domain.Template{}, err
		}
		return domain.Template{}, ValidationError{Field: "depends_on", Reason: "dependency cycle: " + strings.Join(names, " -> ")}
	}

	t := templateFromInput(in)
	t.ID = id
	t.CreatedAt = current.CreatedAt
	t.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateTemplate(ctx, tx, t); err != nil {
		return domain.Template{}, notFound(err, "template", id)
	}
	if err := e.Repo.ReplaceTemplateDependencies(ctx, tx, id, in.DependsOn); err != nil {
		return domain.Template{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TemplateUpdated, "template", strconv.FormatInt(id, 10), actorID, events.EventPayload{
		"name": t.Name, "depends_on": in.DependsOn, "previous_depends_on": current.DependsOn,
	}); err != nil {
		return domain.Template{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Template{}, err
	}
	return t, nil
}

// DeleteTemplate removes a template that no package or instance uses.
func (e Engine) DeleteTemplate(ctx context.Context, id int64, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTemplate(ctx, tx, id)
	if err != nil {
		return notFound(err, "template", id)
	}
	packages, err := e.Repo.OnboardingTemplatesUsing(ctx, tx, id)
	if err != nil {
		return err
	}
	if len(packages) > 0 {
		return ConflictError{Reason: fmt.Sprintf("template %q is used by onboarding templates", t.Name), Blocking: packages}
	}
	n, err := e.Repo.CountTasksForTemplate(ctx, tx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return ConflictError{Reason: fmt.Sprintf("template %q is used by %d onboarding instance task(s)", t.Name, n)}
	}
	if err := e.Repo.DeleteTemplate(ctx, tx, id); err != nil {
		return notFound(err, "template", id)
	}
	if err := e.Events.Append(ctx, tx, events.TemplateDeleted, "template", strconv.FormatInt(id, 10), actorID, events.EventPayload{"name": t.Name}); err != nil {
		return err
	}
	return tx.Commit()
}

func templateFromInput(in TemplateInput) domain.Template {
	return domain.Template{
		Name:            in.Name,
		IsManual:        in.IsManual,
		ServiceDeskID:   in.ServiceDeskID,
		RequestTypeID:   in.RequestTypeID,
		ServiceDeskName: in.ServiceDeskName,
		RequestTypeName: in.RequestTypeName,
		FieldMappings:   in.FieldMappings,
		Instructions:    in.Instructions,
		DependsOn:       in.DependsOn,
	}
}

// validateTemplateInput normalizes in and checks everything that needs no transaction.
// Dynamic mappings must name a field of the current user schema.
func (e Engine) validateTemplateInput(ctx context.Context, in TemplateInput) (TemplateInput, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return in, ValidationError{Field: "name", Reason: "is required"}
	}
	in.DependsOn = lo.Uniq(in.DependsOn)
	if in.DependsOn == nil {
		in.DependsOn = []int64{}
	}
	if in.IsManual {
		in.ServiceDeskID, in.RequestTypeID, in.ServiceDeskName, in.RequestTypeName = "", "", "", ""
		in.FieldMappings = nil
		return in, nil
	}
	in.Instructions = ""
	if in.ServiceDeskID == "" || in.RequestTypeID == "" {
		return in, ValidationError{Field: "request_type", Reason: "service desk and request type are required for automated templates"}
	}
	if len(in.FieldMappings) == 0 {
		return in, nil
	}
	fields, err := e.Users.UserFields(ctx)
	if err != nil {
		return in, fmt.Errorf("load user fields: %w", err)
	}
	for fieldID, m := range in.FieldMappings {
		switch m.Type {
		case domain.MappingStatic:
		case domain.MappingDynamic:
			if !lo.Contains(fields, m.Value) {
				return in, ValidationError{Field: "field_mappings." + fieldID, Reason: fmt.Sprintf("unknown user field %q", m.Value)}
			}
		default:
			return in, ValidationError{Field: "field_mappings." + fieldID, Reason: fmt.Sprintf("mapping type must be dynamic or static, got %q", m.Type)}
		}
	}
	return in, nil
}

func (e Engine) ensureTemplateNameFree(ctx context.Context, tx *sql.Tx, name string, self int64) error {
	id, err := e.Repo.TemplateIDByName(ctx, tx, name)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if id != self {
		return ConflictError{Reason: "a template with this name already exists", Blocking: []string{name}}
	}
	return nil
}

func (e Engine) ensureTemplatesExist(ctx context.Context, tx *sql.Tx, ids []int64) error {
	for _, id := range ids {
		if _, err := e.Repo.GetTemplate(ctx, tx, id); err != nil {
			return notFound(err, "template", id)
		}
	}
	return nil
}

// templateNames resolves ids to names, keeping order and duplicates.
func (e Engine) templateNames(ctx context.Context, tx *sql.Tx, ids []int64) ([]string, error) {
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		t, err := e.Repo.GetTemplate(ctx, tx, id)
		if err != nil {
			return nil, notFound(err, "template", id)
		}
		names = append(names, t.Name)
	}
	return names, nil
}
