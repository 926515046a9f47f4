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
	"onboardline/internal/repo"
)

func (e Engine) GetOnboardingTemplate(ctx context.Context, id int64) (domain.OnboardingTemplate, error) {
	o, err := e.Repo.GetOnboardingTemplate(ctx, nil, id)
	return o, notFound(err, "onboarding template", id)
}

func (e Engine) ListOnboardingTemplates(ctx context.Context) ([]domain.OnboardingTemplate, error) {
	return e.Repo.ListOnboardingTemplates(ctx, nil)
}

// CreateOnboardingTemplate stores a package of templates in the given order.
func (e Engine) CreateOnboardingTemplate(ctx context.Context, name string, templateIDs []int64, actorID string) (domain.OnboardingTemplate, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.OnboardingTemplate{}, ValidationError{Field: "name", Reason: "is required"}
	}
	templateIDs = lo.Uniq(templateIDs)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.OnboardingTemplate{}, err
	}
	defer tx.Rollback()

	if err := e.ensurePackageNameFree(ctx, tx, name, 0); err != nil {
		return domain.OnboardingTemplate{}, err
	}
	if err := e.ensureTemplatesExist(ctx, tx, templateIDs); err != nil {
		return domain.OnboardingTemplate{}, err
	}
	now := e.timestamp()
	o := domain.OnboardingTemplate{Name: name, TemplateIDs: templateIDs, CreatedAt: now, UpdatedAt: now}
	if o.ID, err = e.Repo.InsertOnboardingTemplate(ctx, tx, o); err != nil {
		return domain.OnboardingTemplate{}, fmt.Errorf("insert onboarding template: %w", err)
	}
	if err := e.Repo.ReplaceOnboardingTemplateMembers(ctx, tx, o.ID, templateIDs); err != nil {
		return domain.OnboardingTemplate{}, err
	}
	if err := e.Events.Append(ctx, tx, events.OnboardingTemplateCreated, "onboarding_template", strconv.FormatInt(o.ID, 10), actorID, events.EventPayload{
		"name": name, "template_ids": templateIDs,
	}); err != nil {
		return domain.OnboardingTemplate{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.OnboardingTemplate{}, err
	}
	if o.TemplateIDs == nil {
		o.TemplateIDs = []int64{}
	}
	return o, nil
}

// UpdateOnboardingTemplate renames a package and replaces its members. Every
// instance of the package gains fresh tasks for added templates and loses the
// tasks of removed ones. Removing a template that some instance has already
// actioned rejects the whole edit.
func (e Engine) UpdateOnboardingTemplate(ctx context.Context, id int64, name string, templateIDs []int64, actorID string) (domain.OnboardingTemplate, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.OnboardingTemplate{}, ValidationError{Field: "name", Reason: "is required"}
	}
	templateIDs = lo.Uniq(templateIDs)
	if templateIDs == nil {
		templateIDs = []int64{}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.OnboardingTemplate{}, err
	}
	defer tx.Rollback()

	current, err := e.Repo.GetOnboardingTemplate(ctx, tx, id)
	if err != nil {
		return domain.OnboardingTemplate{}, notFound(err, "onboarding template", id)
	}
	if err := e.ensurePackageNameFree(ctx, tx, name, id); err != nil {
		return domain.OnboardingTemplate{}, err
	}
	if err := e.ensureTemplatesExist(ctx, tx, templateIDs); err != nil {
		return domain.OnboardingTemplate{}, err
	}
	removed, added := lo.Difference(current.TemplateIDs, templateIDs)

	actioned, err := e.Repo.ActionedTemplates(ctx, tx, id, removed)
	if err != nil {
		return domain.OnboardingTemplate{}, err
	}
	if len(actioned) > 0 {
		names, err := e.templateNames(ctx, tx, actioned)
		if err != nil {
			return domain.OnboardingTemplate{}, err
		}
		return domain.OnboardingTemplate{}, ConflictError{Reason: "cannot remove templates that already have requests in existing instances", Blocking: names}
	}

	now := e.timestamp()
	if err := e.Repo.RenameOnboardingTemplate(ctx, tx, id, name, now); err != nil {
		return domain.OnboardingTemplate{}, notFound(err, "onboarding template", id)
	}
	if err := e.Repo.ReplaceOnboardingTemplateMembers(ctx, tx, id, templateIDs); err != nil {
		return domain.OnboardingTemplate{}, err
	}
	instanceIDs, err := e.Repo.InstanceIDsForOnboardingTemplate(ctx, tx, id)
	if err != nil {
		return domain.OnboardingTemplate{}, err
	}
	for _, instID := range instanceIDs {
		if err := e.Repo.DeleteTasks(ctx, tx, instID, removed); err != nil {
			return domain.OnboardingTemplate{}, fmt.Errorf("remove tasks of instance %d: %w", instID, err)
		}
		for _, tid := range added {
			if err := e.Repo.InsertTask(ctx, tx, newTask(instID, tid)); err != nil {
				return domain.OnboardingTemplate{}, fmt.Errorf("add task %d to instance %d: %w", tid, instID, err)
			}
		}
	}
	if err := e.Events.Append(ctx, tx, events.OnboardingTemplateUpdated, "onboarding_template", strconv.FormatInt(id, 10), actorID, events.EventPayload{
		"name": name, "added": added, "removed": removed, "instances": len(instanceIDs),
	}); err != nil {
		return domain.OnboardingTemplate{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.OnboardingTemplate{}, err
	}
	return domain.OnboardingTemplate{ID: id, Name: name, TemplateIDs: templateIDs, CreatedAt: current.CreatedAt, UpdatedAt: now}, nil
}

// DeleteOnboardingTemplate removes a package no instance refers to.
func (e Engine) DeleteOnboardingTemplate(ctx context.Context, id int64, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	o, err := e.Repo.GetOnboardingTemplate(ctx, tx, id)
	if err != nil {
		return notFound(err, "onboarding template", id)
	}
	instanceIDs, err := e.Repo.InstanceIDsForOnboardingTemplate(ctx, tx, id)
	if err != nil {
		return err
	}
	if len(instanceIDs) > 0 {
		blocking := lo.Map(instanceIDs, func(id int64, _ int) string { return "instance " + strconv.FormatInt(id, 10) })
		return ConflictError{Reason: fmt.Sprintf("onboarding template %q is in use", o.Name), Blocking: blocking}
	}
	if err := e.Repo.DeleteOnboardingTemplate(ctx, tx, id); err != nil {
		return notFound(err, "onboarding template", id)
	}
	if err := e.Events.Append(ctx, tx, events.OnboardingTemplateDeleted, "onboarding_template", strconv.FormatInt(id, 10), actorID, events.EventPayload{"name": o.Name}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) ensurePackageNameFree(ctx context.Context, tx *sql.Tx, name string, self int64) error {
	id, err := e.Repo.OnboardingTemplateIDByName(ctx, tx, name)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if id != self {
		return ConflictError{Reason: "an onboarding template with this name already exists", Blocking: []string{name}}
	}
	return nil
}

func newTask(instanceID, templateID int64) domain.Task {
	return domain.Task{InstanceID: instanceID, TemplateID: templateID, Status: domain.StatusNotStarted}
}
