package server

import (
	"onboardline/internal/domain"
	"onboardline/internal/engine"
	"onboardline/internal/reconcile"
)

type TemplateRequest struct {
	Name            string                         `json:"name" minLength:"1"`
	IsManual        bool                           `json:"is_manual,omitempty"`
	ServiceDeskID   string                         `json:"service_desk_id,omitempty"`
	RequestTypeID   string                         `json:"request_type_id,omitempty"`
	ServiceDeskName string                         `json:"service_desk_name,omitempty"`
	RequestTypeName string                         `json:"request_type_name,omitempty"`
	FieldMappings   map[string]domain.FieldMapping `json:"field_mappings,omitempty"`
	Instructions    string                         `json:"instructions,omitempty"`
	DependsOn       []int64                        `json:"depends_on,omitempty"`
}

func (r TemplateRequest) input() engine.TemplateInput {
	return engine.TemplateInput{
		Name:            r.Name,
		IsManual:        r.IsManual,
		ServiceDeskID:   r.ServiceDeskID,
		RequestTypeID:   r.RequestTypeID,
		ServiceDeskName: r.ServiceDeskName,
		RequestTypeName: r.RequestTypeName,
		FieldMappings:   r.FieldMappings,
		Instructions:    r.Instructions,
		DependsOn:       r.DependsOn,
	}
}

type OnboardingTemplateRequest struct {
	Name        string  `json:"name"`
	TemplateIDs []int64 `json:"template_ids"`
}

// TemplateRef names one member of an onboarding template.
type TemplateRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type OnboardingTemplateResponse struct {
	domain.OnboardingTemplate
	Templates []TemplateRef `json:"templates"`
}

type CreateInstanceRequest struct {
	UserEmail            string `json:"user_email" minLength:"1"`
	OnboardingTemplateID int64  `json:"onboarding_template_id"`
}

type IssueKeyRequest struct {
	IssueKey string `json:"issue_key" minLength:"1"`
}

// StatusRequest carries an issue key with a status, for manual association and status updates.
type StatusRequest struct {
	IssueKey string `json:"issue_key" minLength:"1"`
	Status   string `json:"status" minLength:"1"`
}

type CreateUserRequest struct {
	Email      string            `json:"email" minLength:"1"`
	Attributes map[string]string `json:"attributes,omitempty" doc:"Values keyed by user field name"`
}

type UpdateUserRequest struct {
	Attributes map[string]string `json:"attributes" doc:"Replaces every non-key field; omitted fields become empty"`
}

type AssignRequest struct {
	UserEmail string `json:"user_email" minLength:"1"`
}

type ExecuteTemplateRequest struct {
	TemplateID int64    `json:"template_id"`
	UserEmails []string `json:"user_emails" minItems:"1"`
	DryRun     bool     `json:"dry_run,omitempty"`
}

type RequestListResponse struct {
	Items []domain.Request  `json:"items"`
	Sync  *reconcile.Report `json:"sync,omitempty"`
}

type UserFieldsResponse struct {
	Fields []string `json:"fields"`
}

type ListResponse[T any] struct {
	Items []T `json:"items"`
}

func list[T any](items []T) *output[ListResponse[T]] {
	if items == nil {
		items = []T{}
	}
	return ok(ListResponse[T]{Items: items})
}
