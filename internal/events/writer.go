package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended by the engine and the reconciler.
const (
	TemplateCreated           = "template.created"
	TemplateUpdated           = "template.updated"
	TemplateDeleted           = "template.deleted"
	OnboardingTemplateCreated = "onboarding_template.created"
	OnboardingTemplateUpdated = "onboarding_template.updated"
	OnboardingTemplateDeleted = "onboarding_template.deleted"
	InstanceCreated           = "instance.created"
	InstanceDeleted           = "instance.deleted"
	TaskExecuted              = "task.executed"
	TaskAssociated            = "task.associated"
	TaskCompleted             = "task.manual_completed"
	TaskManualAssociated      = "task.manual_associated"
	TaskStatusUpdated         = "task.status_updated"
	TaskUnassigned            = "task.unassigned"
	TaskBypassed              = "task.bypassed"
	TaskReconciled            = "task.reconciled"
	RequestCreated            = "request.created"
	RequestReassigned         = "request.reassigned"
	RequestDeleted            = "request.deleted"
	UserCreated               = "user.created"
	UserUpdated               = "user.updated"
	UserDeleted               = "user.deleted"
	SyncCompleted             = "sync.completed"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an event inside tx so it commits or rolls back with the change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	if actorID == "" {
		actorID = "system"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
