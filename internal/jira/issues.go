package jira

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"onboardline/internal/domain"
)

type Date struct {
	ISO8601 string `json:"iso8601"`
}

type Status struct {
	Status         string `json:"status"`
	StatusCategory string `json:"statusCategory"`
	StatusDate     Date   `json:"statusDate"`
}

// IsTerminal reports whether the ticketing system files the status under its done category.
func (s Status) IsTerminal() bool {
	return strings.EqualFold(s.StatusCategory, "done")
}

type RequestTypeRef struct {
	Name string `json:"name"`
}

// Issue is the service desk request shape; generic issues are normalized into it.
type Issue struct {
	IssueKey      string          `json:"issueKey"`
	RequestType   *RequestTypeRef `json:"requestType,omitempty"`
	CreatedDate   Date            `json:"createdDate"`
	CurrentStatus Status          `json:"currentStatus"`
}

type createRequestBody struct {
	ServiceDeskID      string         `json:"serviceDeskId"`
	RequestTypeID      string         `json:"requestTypeId"`
	RequestFieldValues map[string]any `json:"requestFieldValues"`
}

// CreateRequest raises a service desk request.
func (c *Client) CreateRequest(ctx context.Context, serviceDeskID, requestTypeID string, fields map[string]any) (Issue, error) {
	var issue Issue
	body := createRequestBody{ServiceDeskID: serviceDeskID, RequestTypeID: requestTypeID, RequestFieldValues: fields}
	if err := c.do(ctx, http.MethodPost, "/rest/servicedeskapi/request", body, &issue); err != nil {
		return Issue{}, err
	}
	if issue.IssueKey == "" {
		return Issue{}, &InvalidResponseError{Reason: "create response has no issueKey"}
	}
	return issue, nil
}

type genericIssue struct {
	Key    string `json:"key"`
	Fields struct {
		IssueType struct {
			Name string `json:"name"`
		} `json:"issuetype"`
		Created        string `json:"created"`
		Updated        string `json:"updated"`
		ResolutionDate string `json:"resolutiondate"`
		Status         struct {
			Name           string `json:"name"`
			StatusCategory struct {
				Key string `json:"key"`
			} `json:"statusCategory"`
		} `json:"status"`
	} `json:"fields"`
}

func (g genericIssue) normalize() Issue {
	date := g.Fields.ResolutionDate
	if date == "" {
		date = g.Fields.Updated
	}
	return Issue{
		IssueKey:    g.Key,
		RequestType: &RequestTypeRef{Name: g.Fields.IssueType.Name},
		CreatedDate: Date{ISO8601: g.Fields.Created},
		CurrentStatus: Status{
			Status:         g.Fields.Status.Name,
			StatusCategory: g.Fields.Status.StatusCategory.Key,
			StatusDate:     Date{ISO8601: date},
		},
	}
}

// FetchIssue reads a ticket through the service desk API and falls back to the
// generic issue API when the key is not a service desk request. A 404 from both
// surfaces as a GatewayError that IsNotFound recognizes.
func (c *Client) FetchIssue(ctx context.Context, issueKey string) (Issue, error) {
	var issue Issue
	err := c.do(ctx, http.MethodGet, "/rest/servicedeskapi/request/"+url.PathEscape(issueKey), nil, &issue)
	if err == nil {
		if issue.IssueKey == "" {
			return Issue{}, &InvalidResponseError{Reason: "request " + issueKey + " has no issueKey"}
		}
		return issue, nil
	}
	if !IsNotFound(err) {
		return Issue{}, err
	}
	var generic genericIssue
	if err := c.do(ctx, http.MethodGet, "/rest/api/2/issue/"+url.PathEscape(issueKey), nil, &generic); err != nil {
		return Issue{}, err
	}
	if generic.Key == "" {
		return Issue{}, &InvalidResponseError{Reason: "issue " + issueKey + " has no key"}
	}
	return generic.normalize(), nil
}

type ServiceDesk struct {
	ID          string `json:"id"`
	ProjectID   string `json:"projectId"`
	ProjectName string `json:"projectName"`
	ProjectKey  string `json:"projectKey"`
}

type RequestType struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type RequestTypeField struct {
	FieldID    string             `json:"fieldId"`
	Name       string             `json:"name"`
	Required   bool               `json:"required"`
	JiraSchema domain.FieldSchema `json:"jiraSchema"`
}

type page[T any] struct {
	Values     []T  `json:"values"`
	IsLastPage bool `json:"isLastPage"`
}

func (c *Client) ListServiceDesks(ctx context.Context) ([]ServiceDesk, error) {
	var p page[ServiceDesk]
	if err := c.do(ctx, http.MethodGet, "/rest/servicedeskapi/servicedesk", nil, &p); err != nil {
		return nil, err
	}
	return p.Values, nil
}

func (c *Client) ListRequestTypes(ctx context.Context, serviceDeskID string) ([]RequestType, error) {
	var p page[RequestType]
	if err := c.do(ctx, http.MethodGet, "/rest/servicedeskapi/servicedesk/"+url.PathEscape(serviceDeskID)+"/requesttype", nil, &p); err != nil {
		return nil, err
	}
	return p.Values, nil
}

func (c *Client) ListRequestTypeFields(ctx context.Context, serviceDeskID, requestTypeID string) ([]RequestTypeField, error) {
	var out struct {
		RequestTypeFields []RequestTypeField `json:"requestTypeFields"`
	}
	path := "/rest/servicedeskapi/servicedesk/" + url.PathEscape(serviceDeskID) + "/requesttype/" + url.PathEscape(requestTypeID) + "/field"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.RequestTypeFields, nil
}
