package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"onboardline/internal/domain"
	"onboardline/internal/events"
	"onboardline/internal/graph"
	"onboardline/internal/jira"
	"onboardline/internal/repo"
)

// TaskRef identifies a task by instance and template.
type TaskRef struct {
	InstanceID int64
	TemplateID int64
}

func (r TaskRef) String() string { return fmt.Sprintf("%d/%d", r.InstanceID, r.TemplateID) }

// ApplyStatus moves t to status. started_at is stamped once, when the task
// first leaves "Not Started"; closed_at follows the done class.
func ApplyStatus(t domain.Task, status, now string) domain.Task {
	if t.StartedAt == nil && t.Status == domain.StatusNotStarted && status != domain.StatusNotStarted {
		started := now
		t.StartedAt = &started
	}
	if domain.IsDone(status) {
		closed := now
		t.ClosedAt = &closed
	} else {
		t.ClosedAt = nil
	}
	t.Status = status
	return t
}

// taskContext is everything a lifecycle operation reads before deciding.
type taskContext struct {
	instance domain.Instance
	task     domain.Task
	template domain.Template
	locked   []string
}

func (e Engine) loadTask(ctx context.Context, tx *sql.Tx, ref TaskRef) (taskContext, error) {
	var tc taskContext
	var err error
	if tc.instance, err = e.Repo.GetInstance(ctx, tx, ref.InstanceID); err != nil {
		return tc, notFound(err, "instance", ref.InstanceID)
	}
	if tc.template, err = e.Repo.GetTemplate(ctx, tx, ref.TemplateID); err != nil {
		return tc, notFound(err, "template", ref.TemplateID)
	}
	if tc.task, err = e.Repo.GetTask(ctx, tx, ref.InstanceID, ref.TemplateID); err != nil {
		return tc, notFound(err, "task", ref)
	}
	siblings, err := e.Repo.ListTasks(ctx, tx, ref.InstanceID)
	if err != nil {
		return tc, err
	}
	states := make([]graph.TaskState, 0, len(siblings))
	for _, s := range siblings {
		states = append(states, graph.TaskState{TemplateID: s.TemplateID, Status: s.Status, Bypassed: s.IsBypassed})
	}
	self := graph.TaskState{TemplateID: tc.task.TemplateID, Status: tc.task.Status, Bypassed: tc.task.IsBypassed, DependsOn: tc.template.DependsOn}
	blocked := graph.BlockedBy(self, states)
	if len(blocked) > 0 {
		if tc.locked, err = e.templateNames(ctx, tx, blocked); err != nil {
			var nf NotFoundError
			if !errors.As(err, &nf) {
				return tc, err
			}
			tc.locked = []string{nf.Error()}
		}
	}
	return tc, nil
}

func (tc taskContext) ensureUnlocked() error {
	if len(tc.locked) == 0 {
		return nil
	}
	return ConflictError{Reason: fmt.Sprintf("task %q is locked by unfinished prerequisites", tc.template.Name), Blocking: tc.locked}
}

// ensureKeyFree rejects linking issueKey over a different key the task already holds.
func ensureKeyFree(t domain.Task, issueKey string) error {
	if t.IssueKey == nil || *t.IssueKey == issueKey {
		return nil
	}
	return ConflictError{Reason: "task already has a request; unassign it first", Blocking: []string{*t.IssueKey}}
}

func (tc taskContext) ensureManual(op string) error {
	if !tc.template.IsManual {
		return ValidationError{Field: "template", Reason: fmt.Sprintf("%s needs a manual template; %q is automated", op, tc.template.Name)}
	}
	return nil
}

// Execute raises a ticket for an automated task from the template's field
// mappings and the instance user's record.
func (e Engine) Execute(ctx context.Context, ref TaskRef, actorID string) (domain.Task, error) {
	tc, err := e.loadTask(ctx, nil, ref)
	if err != nil {
		return domain.Task{}, err
	}
	if tc.template.IsManual {
		return domain.Task{}, ValidationError{Field: "template", Reason: fmt.Sprintf("%q is manual; complete or associate it instead", tc.template.Name)}
	}
	if tc.task.IssueKey != nil {
		return domain.Task{}, ConflictError{Reason: "task already has a request; unassign it first", Blocking: []string{*tc.task.IssueKey}}
	}
	if err := tc.ensureUnlocked(); err != nil {
		return domain.Task{}, err
	}
	user, err := e.Users.GetUser(ctx, tc.instance.UserEmail)
	if err != nil {
		return domain.Task{}, notFound(err, "user", tc.instance.UserEmail)
	}
	fields := jira.BuildFieldValues(tc.template.FieldMappings, user)
	issue, err := e.Gateway.CreateRequest(ctx, tc.template.ServiceDeskID, tc.template.RequestTypeID, fields)
	if err != nil {
		return domain.Task{}, fmt.Errorf("execute %q for %s: %w", tc.template.Name, user.Email, err)
	}
	if issue.IssueKey == "" {
		return domain.Task{}, &jira.InvalidResponseError{Reason: "create response has no issueKey"}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	task, err := e.Repo.GetTask(ctx, tx, ref.InstanceID, ref.TemplateID)
	if err != nil {
		return domain.Task{}, e.orphaned(issue.IssueKey, notFound(err, "task", ref))
	}
	now := e.timestamp()
	task = ApplyStatus(task, issue.CurrentStatus.Status, now)
	task.IssueKey = &issue.IssueKey
	if err := e.Repo.UpdateTask(ctx, tx, task); err != nil {
		return domain.Task{}, e.orphaned(issue.IssueKey, err)
	}
	req := domain.Request{
		IssueKey:        issue.IssueKey,
		UserEmail:       user.Email,
		RequestTypeName: tc.template.RequestTypeName,
		Status:          issue.CurrentStatus.Status,
		OpenedAt:        now,
		ClosedAt:        terminalDate(issue.CurrentStatus, now),
	}
	if _, err := e.Repo.EnsureRequest(ctx, tx, req); err != nil {
		return domain.Task{}, e.orphaned(issue.IssueKey, err)
	}
	if err := e.Events.Append(ctx, tx, events.TaskExecuted, "task", ref.String(), actorID, events.EventPayload{
		"issue_key": issue.IssueKey, "status": task.Status, "template": tc.template.Name,
	}); err != nil {
		return domain.Task{}, e.orphaned(issue.IssueKey, err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, e.orphaned(issue.IssueKey, err)
	}
	return task, nil
}

// orphaned logs a ticket that exists remotely but could not be recorded.
func (e Engine) orphaned(issueKey string, err error) error {
	e.logger().Error("request created but not recorded", "issue_key", issueKey, "err", err)
	return fmt.Errorf("request %s created but not recorded: %w", issueKey, err)
}

// Associate links an existing ticket to the task, taking its current status.
func (e Engine) Associate(ctx context.Context, ref TaskRef, issueKey, actorID string) (domain.Task, error) {
	issueKey = strings.TrimSpace(issueKey)
	if issueKey == "" {
		return domain.Task{}, ValidationError{Field: "issue_key", Reason: "is required"}
	}
	tc, err := e.loadTask(ctx, nil, ref)
	if err != nil {
		return domain.Task{}, err
	}
	if err := tc.ensureUnlocked(); err != nil {
		return domain.Task{}, err
	}
	if err := ensureKeyFree(tc.task, issueKey); err != nil {
		return domain.Task{}, err
	}
	issue, err := e.Gateway.FetchIssue(ctx, issueKey)
	if err != nil {
		return domain.Task{}, fmt.Errorf("associate %s: %w", issueKey, err)
	}
	if issue.IssueKey == "" {
		return domain.Task{}, &jira.InvalidResponseError{Reason: "issue " + issueKey + " response has no issueKey"}
	}
	typeName := tc.template.RequestTypeName
	if typeName == "" && issue.RequestType != nil {
		typeName = issue.RequestType.Name
	}
	return e.link(ctx, ref, issue.IssueKey, issue.CurrentStatus.Status, terminalDate(issue.CurrentStatus, e.timestamp()), typeName, tc.instance.UserEmail, events.TaskAssociated, actorID)
}

// ManualComplete marks a manual task completed without a ticket.
func (e Engine) ManualComplete(ctx context.Context, ref TaskRef, actorID string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	tc, err := e.loadTask(ctx, tx, ref)
	if err != nil {
		return domain.Task{}, err
	}
	if err := tc.ensureManual("manual completion"); err != nil {
		return domain.Task{}, err
	}
	if err := tc.ensureUnlocked(); err != nil {
		return domain.Task{}, err
	}
	task := ApplyStatus(tc.task, domain.StatusCompleted, e.timestamp())
	task.IssueKey = nil
	if err := e.Repo.UpdateTask(ctx, tx, task); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TaskCompleted, "task", ref.String(), actorID, events.EventPayload{"template": tc.template.Name}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// ManualAssociate records an externally handled ticket on a manual task.
func (e Engine) ManualAssociate(ctx context.Context, ref TaskRef, issueKey, status, actorID string) (domain.Task, error) {
	issueKey, status = strings.TrimSpace(issueKey), strings.TrimSpace(status)
	if issueKey == "" || status == "" {
		return domain.Task{}, ValidationError{Field: "issue_key,status", Reason: "issue key and status are required"}
	}
	tc, err := e.loadTask(ctx, nil, ref)
	if err != nil {
		return domain.Task{}, err
	}
	if err := tc.ensureManual("manual association"); err != nil {
		return domain.Task{}, err
	}
	if err := tc.ensureUnlocked(); err != nil {
		return domain.Task{}, err
	}
	if err := ensureKeyFree(tc.task, issueKey); err != nil {
		return domain.Task{}, err
	}
	now := e.timestamp()
	var closedAt *string
	if domain.IsDone(status) {
		closedAt = &now
	}
	return e.link(ctx, ref, issueKey, status, closedAt, tc.template.Name, tc.instance.UserEmail, events.TaskManualAssociated, actorID)
}

// link writes issue key and status onto the task and tracks the request if it is new.
func (e Engine) link(ctx context.Context, ref TaskRef, issueKey, status string, closedAt *string, typeName, userEmail, evtType, actorID string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	task, err := e.Repo.GetTask(ctx, tx, ref.InstanceID, ref.TemplateID)
	if err != nil {
		return domain.Task{}, notFound(err, "task", ref)
	}
	if err := ensureKeyFree(task, issueKey); err != nil {
		return domain.Task{}, err
	}
	now := e.timestamp()
	task = ApplyStatus(task, status, now)
	task.IssueKey = &issueKey
	if err := e.Repo.UpdateTask(ctx, tx, task); err != nil {
		return domain.Task{}, err
	}
	created, err := e.Repo.EnsureRequest(ctx, tx, domain.Request{
		IssueKey:        issueKey,
		UserEmail:       userEmail,
		RequestTypeName: typeName,
		Status:          status,
		OpenedAt:        now,
		ClosedAt:        closedAt,
	})
	if err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, evtType, "task", ref.String(), actorID, events.EventPayload{
		"issue_key": issueKey, "status": status, "request_created": created,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// UpdateStatus sets a new status on a ticket-backed task and its tracked
// request in one transaction. issueKey must match the task's key.
func (e Engine) UpdateStatus(ctx context.Context, ref TaskRef, issueKey, status, actorID string) (domain.Task, error) {
	issueKey, status = strings.TrimSpace(issueKey), strings.TrimSpace(status)
	if issueKey == "" || status == "" {
		return domain.Task{}, ValidationError{Field: "issue_key,status", Reason: "issue key and status are required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	tc, err := e.loadTask(ctx, tx, ref)
	if err != nil {
		return domain.Task{}, err
	}
	if err := matchIssueKey(tc.task, issueKey); err != nil {
		return domain.Task{}, err
	}
	now := e.timestamp()
	task := ApplyStatus(tc.task, status, now)
	if err := e.Repo.UpdateTask(ctx, tx, task); err != nil {
		return domain.Task{}, err
	}
	err = e.Repo.UpdateRequestStatus(ctx, tx, issueKey, status, task.ClosedAt)
	if errors.Is(err, repo.ErrNotFound) {
		err = e.Repo.InsertRequest(ctx, tx, domain.Request{
			IssueKey: issueKey, UserEmail: tc.instance.UserEmail, RequestTypeName: tc.template.RequestTypeName,
			Status: status, OpenedAt: now, ClosedAt: task.ClosedAt,
		})
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("update request %s: %w", issueKey, err)
	}
	if err := e.Events.Append(ctx, tx, events.TaskStatusUpdated, "task", ref.String(), actorID, events.EventPayload{
		"issue_key": issueKey, "from": tc.task.Status, "to": status,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// Unassign returns the task to "Not Started" and forgets its ticket. The
// caller confirms with the task's current issue key.
func (e Engine) Unassign(ctx context.Context, ref TaskRef, issueKey, actorID string) (domain.Task, error) {
	issueKey = strings.TrimSpace(issueKey)
	if issueKey == "" {
		return domain.Task{}, ValidationError{Field: "issue_key", Reason: "confirmation issue key is required"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	task, err := e.Repo.GetTask(ctx, tx, ref.InstanceID, ref.TemplateID)
	if err != nil {
		return domain.Task{}, notFound(err, "task", ref)
	}
	if err := matchIssueKey(task, issueKey); err != nil {
		return domain.Task{}, err
	}
	previous := task.Status
	task.Status = domain.StatusNotStarted
	task.IssueKey, task.StartedAt, task.ClosedAt = nil, nil, nil
	if err := e.Repo.UpdateTask(ctx, tx, task); err != nil {
		return domain.Task{}, err
	}
	// Another task may still point at the same ticket; its mirror row stays.
	others, err := e.Repo.TasksByIssueKey(ctx, tx, issueKey)
	if err != nil {
		return domain.Task{}, err
	}
	if len(others) == 0 {
		if err := e.Repo.DeleteRequest(ctx, tx, issueKey); err != nil && !errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, events.TaskUnassigned, "task", ref.String(), actorID, events.EventPayload{
		"issue_key": issueKey, "previous_status": previous,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// Bypass unlocks the task for good, whatever its prerequisites say.
func (e Engine) Bypass(ctx context.Context, ref TaskRef, actorID string) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	task, err := e.Repo.GetTask(ctx, tx, ref.InstanceID, ref.TemplateID)
	if err != nil {
		return domain.Task{}, notFound(err, "task", ref)
	}
	if task.IsBypassed {
		return task, nil
	}
	task.IsBypassed = true
	if err := e.Repo.UpdateTask(ctx, tx, task); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TaskBypassed, "task", ref.String(), actorID, nil); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

func matchIssueKey(t domain.Task, issueKey string) error {
	if t.IssueKey == nil {
		return ValidationError{Field: "issue_key", Reason: "task has no associated request"}
	}
	if *t.IssueKey != issueKey {
		return ValidationError{Field: "issue_key", Reason: fmt.Sprintf("does not match the task's request %s", *t.IssueKey)}
	}
	return nil
}

// terminalDate is the close time to record for a status: the ticket's status
// date when it sits in the done category, nil otherwise.
func terminalDate(s jira.Status, fallback string) *string {
	if !s.IsTerminal() {
		return nil
	}
	if s.StatusDate.ISO8601 != "" {
		d := s.StatusDate.ISO8601
		return &d
	}
	return &fallback
}
