package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"onboardline/internal/domain"
	"onboardline/internal/events"
	"onboardline/internal/graph"
	"onboardline/internal/repo"
)

// TaskView is a task with its template details and derived lock state.
type TaskView struct {
	domain.Task
	TemplateName string   `json:"template_name"`
	IsManual     bool     `json:"is_manual"`
	Instructions string   `json:"instructions,omitempty"`
	DependsOn    []int64  `json:"depends_on"`
	Locked       bool     `json:"locked"`
	BlockedBy    []string `json:"blocked_by,omitempty"`
}

type InstanceView struct {
	domain.Instance
	OnboardingTemplateName string     `json:"onboarding_template_name"`
	Tasks                  []TaskView `json:"tasks"`
}

// TreeEntry is a task placed in display order.
type TreeEntry struct {
	TaskView
	Level            int    `json:"level"`
	ParentTemplateID *int64 `json:"parent_template_id,omitempty"`
}

// CreateInstance starts onboarding userEmail with a package: one task per
// member template, all not started.
func (e Engine) CreateInstance(ctx context.Context, userEmail string, onboardingTemplateID int64, actorID string) (InstanceView, error) {
	userEmail = strings.TrimSpace(userEmail)
	if userEmail == "" {
		return InstanceView{}, ValidationError{Field: "user_email", Reason: "is required"}
	}
	if _, err := e.Users.GetUser(ctx, userEmail); err != nil {
		return InstanceView{}, notFound(err, "user", userEmail)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return InstanceView{}, err
	}
	defer tx.Rollback()

	pkg, err := e.Repo.GetOnboardingTemplate(ctx, tx, onboardingTemplateID)
	if err != nil {
		return InstanceView{}, notFound(err, "onboarding template", onboardingTemplateID)
	}
	inst := domain.Instance{UserEmail: userEmail, OnboardingTemplateID: pkg.ID, CreatedAt: e.timestamp()}
	if inst.ID, err = e.Repo.InsertInstance(ctx, tx, inst); err != nil {
		return InstanceView{}, fmt.Errorf("insert instance: %w", err)
	}
	for _, tid := range pkg.TemplateIDs {
		if err := e.Repo.InsertTask(ctx, tx, newTask(inst.ID, tid)); err != nil {
			return InstanceView{}, fmt.Errorf("insert task %d: %w", tid, err)
		}
	}
	if err := e.Events.Append(ctx, tx, events.InstanceCreated, "instance", strconv.FormatInt(inst.ID, 10), actorID, events.EventPayload{
		"user_email": userEmail, "onboarding_template_id": pkg.ID, "tasks": len(pkg.TemplateIDs),
	}); err != nil {
		return InstanceView{}, err
	}
	if err := tx.Commit(); err != nil {
		return InstanceView{}, err
	}
	return e.GetInstance(ctx, inst.ID)
}

// DeleteInstance removes an instance whose tasks hold no issue key.
func (e Engine) DeleteInstance(ctx context.Context, id int64, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	inst, err := e.Repo.GetInstance(ctx, tx, id)
	if err != nil {
		return notFound(err, "instance", id)
	}
	tasks, err := e.Repo.ListTasks(ctx, tx, id)
	if err != nil {
		return err
	}
	var keyed []int64
	for _, t := range tasks {
		if t.IssueKey != nil {
			keyed = append(keyed, t.TemplateID)
		}
	}
	if len(keyed) > 0 {
		names, err := e.templateNames(ctx, tx, keyed)
		if err != nil {
			return err
		}
		return ConflictError{Reason: "instance has tasks linked to requests; unassign them first", Blocking: names}
	}
	if err := e.Repo.DeleteInstance(ctx, tx, id); err != nil {
		return notFound(err, "instance", id)
	}
	if err := e.Events.Append(ctx, tx, events.InstanceDeleted, "instance", strconv.FormatInt(id, 10), actorID, events.EventPayload{
		"user_email": inst.UserEmail, "onboarding_template_id": inst.OnboardingTemplateID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) GetInstance(ctx context.Context, id int64) (InstanceView, error) {
	inst, err := e.Repo.GetInstance(ctx, nil, id)
	if err != nil {
		return InstanceView{}, notFound(err, "instance", id)
	}
	catalog, err := e.templateIndex(ctx, nil)
	if err != nil {
		return InstanceView{}, err
	}
	return e.instanceView(ctx, nil, inst, catalog)
}

// ListInstances returns instances newest first with lock state computed for every task.
func (e Engine) ListInstances(ctx context.Context, f repo.InstanceFilters) ([]InstanceView, error) {
	instances, err := e.Repo.ListInstances(ctx, f)
	if err != nil {
		return nil, err
	}
	catalog, err := e.templateIndex(ctx, nil)
	if err != nil {
		return nil, err
	}
	out := make([]InstanceView, 0, len(instances))
	for _, inst := range instances {
		v, err := e.instanceView(ctx, nil, inst, catalog)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// InstanceTree returns the instance's tasks in dependency display order.
func (e Engine) InstanceTree(ctx context.Context, id int64) ([]TreeEntry, error) {
	v, err := e.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	return Tree(v.Tasks), nil
}

// Tree orders task views for display.
func Tree(tasks []TaskView) []TreeEntry {
	byID := make(map[int64]TaskView, len(tasks))
	nodes := make([]graph.Node, 0, len(tasks))
	for _, t := range tasks {
		byID[t.TemplateID] = t
		nodes = append(nodes, graph.Node{ID: t.TemplateID, Name: t.TemplateName, DependsOn: t.DependsOn})
	}
	placements := graph.Order(nodes)
	out := make([]TreeEntry, 0, len(placements))
	for _, p := range placements {
		out = append(out, TreeEntry{TaskView: byID[p.ID], Level: p.Level, ParentTemplateID: p.Parent})
	}
	return out
}

type templateIndex map[int64]domain.Template

func (e Engine) templateIndex(ctx context.Context, tx *sql.Tx) (templateIndex, error) {
	templates, err := e.Repo.ListTemplates(ctx, tx)
	if err != nil {
		return nil, err
	}
	idx := make(templateIndex, len(templates))
	for _, t := range templates {
		idx[t.ID] = t
	}
	return idx, nil
}

func (idx templateIndex) name(id int64) string {
	if t, ok := idx[id]; ok {
		return t.Name
	}
	return "template " + strconv.FormatInt(id, 10)
}

func (e Engine) instanceView(ctx context.Context, tx *sql.Tx, inst domain.Instance, catalog templateIndex) (InstanceView, error) {
	v := InstanceView{Instance: inst, Tasks: []TaskView{}}
	pkg, err := e.Repo.GetOnboardingTemplate(ctx, tx, inst.OnboardingTemplateID)
	if err != nil {
		return v, notFound(err, "onboarding template", inst.OnboardingTemplateID)
	}
	v.OnboardingTemplateName = pkg.Name
	tasks, err := e.Repo.ListTasks(ctx, tx, inst.ID)
	if err != nil {
		return v, err
	}
	states := lockStates(tasks, catalog)
	for i, t := range tasks {
		tmpl := catalog[t.TemplateID]
		tv := TaskView{
			Task:         t,
			TemplateName: catalog.name(t.TemplateID),
			IsManual:     tmpl.IsManual,
			Instructions: tmpl.Instructions,
			DependsOn:    states[i].DependsOn,
		}
		for _, dep := range graph.BlockedBy(states[i], states) {
			tv.BlockedBy = append(tv.BlockedBy, catalog.name(dep))
		}
		tv.Locked = len(tv.BlockedBy) > 0
		v.Tasks = append(v.Tasks, tv)
	}
	return v, nil
}

func lockStates(tasks []domain.Task, catalog templateIndex) []graph.TaskState {
	states := make([]graph.TaskState, len(tasks))
	for i, t := range tasks {
		deps := catalog[t.TemplateID].DependsOn
		if deps == nil {
			deps = []int64{}
		}
		states[i] = graph.TaskState{TemplateID: t.TemplateID, Status: t.Status, Bypassed: t.IsBypassed, DependsOn: deps}
	}
	return states
}
