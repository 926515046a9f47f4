package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"onboardline/internal/domain"
	"onboardline/internal/events"
	"onboardline/internal/jira"
	"onboardline/internal/repo"
)

func (e Engine) ListRequests(ctx context.Context) ([]domain.Request, error) {
	return e.Repo.ListRequests(ctx)
}

// TimeSpent reports how long closed requests stayed open, per request type.
func (e Engine) TimeSpent(ctx context.Context) ([]domain.TimeSpent, error) {
	return e.Repo.TimeSpentByRequestType(ctx)
}

// ReassignRequest changes the user a tracked request belongs to.
func (e Engine) ReassignRequest(ctx context.Context, issueKey, userEmail, actorID string) (domain.Request, error) {
	if strings.TrimSpace(userEmail) == "" {
		return domain.Request{}, ValidationError{Field: "user_email", Reason: "is required"}
	}
	if _, err := e.Users.GetUser(ctx, userEmail); err != nil {
		return domain.Request{}, notFound(err, "user", userEmail)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()
	req, err := e.Repo.GetRequest(ctx, tx, issueKey)
	if err != nil {
		return domain.Request{}, notFound(err, "request", issueKey)
	}
	if err := e.Repo.UpdateRequestUser(ctx, tx, issueKey, userEmail); err != nil {
		return domain.Request{}, notFound(err, "request", issueKey)
	}
	if err := e.Events.Append(ctx, tx, events.RequestReassigned, "request", issueKey, actorID, events.EventPayload{
		"from": req.UserEmail, "to": userEmail,
	}); err != nil {
		return domain.Request{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}
	req.UserEmail = userEmail
	return req, nil
}

// DeleteRequest stops tracking a request. Tasks keep their issue key.
func (e Engine) DeleteRequest(ctx context.Context, issueKey, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteRequest(ctx, tx, issueKey); err != nil {
		return notFound(err, "request", issueKey)
	}
	if err := e.Events.Append(ctx, tx, events.RequestDeleted, "request", issueKey, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// RequestPayload is what gets submitted to the ticketing system.
type RequestPayload struct {
	ServiceDeskID      string         `json:"serviceDeskId"`
	RequestTypeID      string         `json:"requestTypeId"`
	RequestFieldValues map[string]any `json:"requestFieldValues"`
}

const (
	ExecutionDryRun  = "dry-run"
	ExecutionSuccess = "success"
	ExecutionError   = "error"
)

// ExecutionResult is the outcome for one user of an ad-hoc template run.
type ExecutionResult struct {
	User     string          `json:"user"`
	Status   string          `json:"status" enum:"dry-run,success,error"`
	Payload  *RequestPayload `json:"payload,omitempty"`
	IssueKey string          `json:"issue_key,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// ExecuteTemplate raises an automated template for each user outside of any
// onboarding instance. With dryRun the payloads are returned and nothing is sent.
// One user's failure does not stop the others.
func (e Engine) ExecuteTemplate(ctx context.Context, templateID int64, userEmails []string, dryRun bool, actorID string) ([]ExecutionResult, error) {
	if len(userEmails) == 0 {
		return nil, ValidationError{Field: "user_emails", Reason: "at least one user is required"}
	}
	t, err := e.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if t.IsManual {
		return nil, ValidationError{Field: "template_id", Reason: fmt.Sprintf("%q is manual and cannot be executed", t.Name)}
	}
	results := make([]ExecutionResult, 0, len(userEmails))
	for _, email := range userEmails {
		res := ExecutionResult{User: email}
		user, err := e.Users.GetUser(ctx, email)
		if err != nil {
			res.Status, res.Error = ExecutionError, notFound(err, "user", email).Error()
			results = append(results, res)
			continue
		}
		payload := RequestPayload{
			ServiceDeskID:      t.ServiceDeskID,
			RequestTypeID:      t.RequestTypeID,
			RequestFieldValues: jira.BuildFieldValues(t.FieldMappings, user),
		}
		if dryRun {
			res.Status, res.Payload = ExecutionDryRun, &payload
			results = append(results, res)
			continue
		}
		issueKey, err := e.raise(ctx, t, user, payload, actorID)
		if err != nil {
			e.logger().Warn("execute template failed", "template", t.Name, "user", email, "err", err)
			res.Status, res.Error = ExecutionError, err.Error()
		} else {
			res.Status, res.IssueKey = ExecutionSuccess, issueKey
		}
		results = append(results, res)
	}
	return results, nil
}

func (e Engine) raise(ctx context.Context, t domain.Template, user domain.User, payload RequestPayload, actorID string) (string, error) {
	issue, err := e.Gateway.CreateRequest(ctx, payload.ServiceDeskID, payload.RequestTypeID, payload.RequestFieldValues)
	if err != nil {
		return "", err
	}
	if issue.IssueKey == "" {
		return "", &jira.InvalidResponseError{Reason: "create response has no issueKey"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", e.orphaned(issue.IssueKey, err)
	}
	defer tx.Rollback()
	now := e.timestamp()
	if _, err := e.Repo.EnsureRequest(ctx, tx, domain.Request{
		IssueKey:        issue.IssueKey,
		UserEmail:       user.Email,
		RequestTypeName: t.RequestTypeName,
		Status:          issue.CurrentStatus.Status,
		OpenedAt:        now,
		ClosedAt:        terminalDate(issue.CurrentStatus, now),
	}); err != nil {
		return "", e.orphaned(issue.IssueKey, err)
	}
	if err := e.Events.Append(ctx, tx, events.RequestCreated, "request", issue.IssueKey, actorID, events.EventPayload{
		"template": t.Name, "user_email": user.Email,
	}); err != nil {
		return "", e.orphaned(issue.IssueKey, err)
	}
	if err := tx.Commit(); err != nil {
		return "", e.orphaned(issue.IssueKey, err)
	}
	return issue.IssueKey, nil
}

// IsNotFound reports whether err means a referenced row is missing.
func IsNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
