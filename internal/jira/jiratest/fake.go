// Package jiratest provides an in-memory ticketing gateway for tests.
package jiratest

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"onboardline/internal/jira"
)

// CreateCall records one CreateRequest invocation.
type CreateCall struct {
	ServiceDeskID string
	RequestTypeID string
	Fields        map[string]any
}

// Gateway keeps tickets in memory. Unknown keys answer 404 like the real API.
type Gateway struct {
	mu      sync.Mutex
	issues  map[string]jira.Issue
	errs    map[string]error
	fetches map[string]int
	created []CreateCall
	next    int

	// Prefix is the project key used for created tickets.
	Prefix string
	// InitialStatus is the status new tickets start in.
	InitialStatus jira.Status
	// CreateErr, when set, fails every CreateRequest.
	CreateErr error
}

func New() *Gateway {
	return &Gateway{
		issues:        map[string]jira.Issue{},
		errs:          map[string]error{},
		fetches:       map[string]int{},
		Prefix:        "PROJ",
		InitialStatus: jira.Status{Status: "Waiting for support", StatusCategory: "NEW"},
	}
}

func (g *Gateway) CreateRequest(_ context.Context, serviceDeskID, requestTypeID string, fields map[string]any) (jira.Issue, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.CreateErr != nil {
		return jira.Issue{}, g.CreateErr
	}
	g.created = append(g.created, CreateCall{ServiceDeskID: serviceDeskID, RequestTypeID: requestTypeID, Fields: fields})
	g.next++
	issue := jira.Issue{
		IssueKey:      fmt.Sprintf("%s-%d", g.Prefix, g.next),
		CreatedDate:   jira.Date{ISO8601: "2024-01-01T00:00:00Z"},
		CurrentStatus: g.InitialStatus,
	}
	g.issues[issue.IssueKey] = issue
	return issue, nil
}

func (g *Gateway) FetchIssue(_ context.Context, issueKey string) (jira.Issue, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetches[issueKey]++
	if err, ok := g.errs[issueKey]; ok {
		return jira.Issue{}, err
	}
	issue, ok := g.issues[issueKey]
	if !ok {
		return jira.Issue{}, &jira.GatewayError{StatusCode: http.StatusNotFound, Body: `{"errorMessage":"Issue does not exist"}`}
	}
	return issue, nil
}

// Put stores a ticket with the given status.
func (g *Gateway) Put(issueKey, status, category, date string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.issues[issueKey] = jira.Issue{
		IssueKey:      issueKey,
		CurrentStatus: jira.Status{Status: status, StatusCategory: category, StatusDate: jira.Date{ISO8601: date}},
	}
}

// Remove deletes a ticket so it answers 404.
func (g *Gateway) Remove(issueKey string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.issues, issueKey)
}

// Fail makes fetches of issueKey return err until cleared with a nil err.
func (g *Gateway) Fail(issueKey string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		delete(g.errs, issueKey)
		return
	}
	g.errs[issueKey] = err
}

func (g *Gateway) Created() []CreateCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]CreateCall(nil), g.created...)
}

func (g *Gateway) Fetches(issueKey string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fetches[issueKey]
}

func (g *Gateway) ListServiceDesks(context.Context) ([]jira.ServiceDesk, error) {
	return []jira.ServiceDesk{{ID: "1", ProjectKey: g.Prefix, ProjectName: "Onboarding"}}, nil
}

func (g *Gateway) ListRequestTypes(_ context.Context, serviceDeskID string) ([]jira.RequestType, error) {
	return []jira.RequestType{{ID: "10", Name: "Access request"}}, nil
}

func (g *Gateway) ListRequestTypeFields(_ context.Context, serviceDeskID, requestTypeID string) ([]jira.RequestTypeField, error) {
	return []jira.RequestTypeField{{FieldID: "summary", Name: "Summary", Required: true}}, nil
}
