package domain

import "strings"

const (
	StatusNotStarted    = "Not Started"
	StatusCompleted     = "Completed"
	StatusDeletedInJira = "Deleted in Jira"
)

// UserKeyField names the user attribute that identifies a user record.
const UserKeyField = "E-mail"

var doneStatuses = map[string]struct{}{
	"closed":    {},
	"done":      {},
	"completed": {},
}

// IsDone reports whether status belongs to the terminal done class.
func IsDone(status string) bool {
	_, ok := doneStatuses[strings.ToLower(status)]
	return ok
}

// FieldSchema is the wire-schema hint of a ticketing field.
type FieldSchema struct {
	Type  string `json:"type" yaml:"type"`
	Items string `json:"items,omitempty" yaml:"items,omitempty"`
}

// FieldMapping fills one request field, either from a user attribute (dynamic) or a literal (static).
type FieldMapping struct {
	Type   string       `json:"type" yaml:"type" enum:"dynamic,static"`
	Value  string       `json:"value" yaml:"value"`
	Schema *FieldSchema `json:"jiraSchema,omitempty" yaml:"schema,omitempty"`
}

const (
	MappingDynamic = "dynamic"
	MappingStatic  = "static"
)

type Template struct {
	ID              int64                   `json:"id"`
	Name            string                  `json:"name"`
	IsManual        bool                    `json:"is_manual"`
	ServiceDeskID   string                  `json:"service_desk_id,omitempty"`
	RequestTypeID   string                  `json:"request_type_id,omitempty"`
	ServiceDeskName string                  `json:"service_desk_name,omitempty"`
	RequestTypeName string                  `json:"request_type_name,omitempty"`
	FieldMappings   map[string]FieldMapping `json:"field_mappings,omitempty"`
	Instructions    string                  `json:"instructions,omitempty"`
	DependsOn       []int64                 `json:"depends_on"`
	CreatedAt       string                  `json:"created_at" format:"date-time"`
	UpdatedAt       string                  `json:"updated_at" format:"date-time"`
}

// OnboardingTemplate is a named, ordered package of templates.
type OnboardingTemplate struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	TemplateIDs []int64 `json:"template_ids"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type Instance struct {
	ID                   int64  `json:"id"`
	UserEmail            string `json:"user_email"`
	OnboardingTemplateID int64  `json:"onboarding_template_id"`
	CreatedAt            string `json:"created_at" format:"date-time"`
}

// Task is the per-instance state of one template.
type Task struct {
	InstanceID int64   `json:"instance_id"`
	TemplateID int64   `json:"template_id"`
	Status     string  `json:"status"`
	IssueKey   *string `json:"issue_key,omitempty"`
	IsBypassed bool    `json:"is_bypassed"`
	StartedAt  *string `json:"started_at,omitempty" format:"date-time"`
	ClosedAt   *string `json:"closed_at,omitempty" format:"date-time"`
}

// Request mirrors a ticket for history views.
type Request struct {
	IssueKey        string  `json:"issue_key"`
	UserEmail       string  `json:"user_email,omitempty"`
	RequestTypeName string  `json:"request_type_name,omitempty"`
	Status          string  `json:"status"`
	OpenedAt        string  `json:"opened_at" format:"date-time"`
	ClosedAt        *string `json:"closed_at,omitempty" format:"date-time"`
}

// TimeSpent is the mean open-to-close time of closed requests of one request type.
type TimeSpent struct {
	RequestTypeName string  `json:"request_type_name"`
	Closed          int     `json:"closed"`
	AvgHours        float64 `json:"avg_hours"`
}

// Attribute is one named field of a user record.
type Attribute struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// User is a directory record with operator-defined fields, kept in schema order.
type User struct {
	Email      string      `json:"email"`
	Attributes []Attribute `json:"attributes"`
}

// Get returns the value of the named attribute. The key field is always present.
func (u User) Get(name string) (string, bool) {
	if name == UserKeyField {
		return u.Email, true
	}
	for _, a := range u.Attributes {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// SyncRun records one reconciliation pass.
type SyncRun struct {
	ID         string `json:"id"`
	StartedAt  string `json:"started_at" format:"date-time"`
	FinishedAt string `json:"finished_at" format:"date-time"`
	Checked    int    `json:"checked"`
	Updated    int    `json:"updated"`
	Deleted    int    `json:"deleted"`
	Failed     int    `json:"failed"`
}
