package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"onboardline/internal/domain"
	"onboardline/internal/engine"
	"onboardline/internal/repo"
)

func registerInstances(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "listInstances",
		Method:      http.MethodGet,
		Path:        "/onboarding/instances",
		Summary:     "List onboarding instances, newest first",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		UserEmail            string `query:"user_email"`
		OnboardingTemplateID int64  `query:"onboarding_template_id"`
	}) (*output[ListResponse[engine.InstanceView]], error) {
		items, err := e.ListInstances(ctx, repo.InstanceFilters{
			UserEmail:            input.UserEmail,
			OnboardingTemplateID: input.OnboardingTemplateID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return list(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "createInstance",
		Method:        http.MethodPost,
		Path:          "/onboarding/instances",
		Summary:       "Start onboarding a user with an onboarding template",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateInstanceRequest `json:"body"`
	}) (*output[engine.InstanceView], error) {
		v, err := e.CreateInstance(ctx, input.Body.UserEmail, input.Body.OnboardingTemplateID, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return ok(v), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "getInstance",
		Method:      http.MethodGet,
		Path:        "/onboarding/instances/{id}",
		Summary:     "Get instance with task lock state",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*output[engine.InstanceView], error) {
		v, err := e.GetInstance(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(v), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "getInstanceTree",
		Method:      http.MethodGet,
		Path:        "/onboarding/instances/{id}/tree",
		Summary:     "Tasks in dependency order with level and parent",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*output[ListResponse[engine.TreeEntry]], error) {
		tree, err := e.InstanceTree(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return list(tree), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "deleteInstance",
		Method:        http.MethodDelete,
		Path:          "/onboarding/instances/{id}",
		Summary:       "Delete an instance that has no ticket links",
		DefaultStatus: http.StatusNoContent,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct{}, error) {
		if err := e.DeleteInstance(ctx, input.ID, actorFromContext(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	const base = "/onboarding/instances/{id}/tasks/{template_id}"

	huma.Register(api, huma.Operation{
		OperationID: "executeTask",
		Method:      http.MethodPost,
		Path:        base + "/execute",
		Summary:     "Raise the task's ticket",
		Errors:      gatewayErrors,
	}, func(ctx context.Context, input *struct {
		ID         int64 `path:"id"`
		TemplateID int64 `path:"template_id"`
	}) (*output[domain.Task], error) {
		return taskResult(e.Execute(ctx, engine.TaskRef{InstanceID: input.ID, TemplateID: input.TemplateID}, actorFromContext(ctx)))
	})

	huma.Register(api, huma.Operation{
		OperationID: "associateTask",
		Method:      http.MethodPost,
		Path:        base + "/associate",
		Summary:     "Link an existing ticket to the task",
		Errors:      gatewayErrors,
	}, func(ctx context.Context, input *struct {
		ID         int64           `path:"id"`
		TemplateID int64           `path:"template_id"`
		Body       IssueKeyRequest `json:"body"`
	}) (*output[domain.Task], error) {
		ref := engine.TaskRef{InstanceID: input.ID, TemplateID: input.TemplateID}
		return taskResult(e.Associate(ctx, ref, input.Body.IssueKey, actorFromContext(ctx)))
	})

	huma.Register(api, huma.Operation{
		OperationID: "manualCompleteTask",
		Method:      http.MethodPost,
		Path:        base + "/manual-complete",
		Summary:     "Complete a manual task",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ID         int64 `path:"id"`
		TemplateID int64 `path:"template_id"`
	}) (*output[domain.Task], error) {
		return taskResult(e.ManualComplete(ctx, engine.TaskRef{InstanceID: input.ID, TemplateID: input.TemplateID}, actorFromContext(ctx)))
	})

	huma.Register(api, huma.Operation{
		OperationID: "manualAssociateTask",
		Method:      http.MethodPost,
		Path:        base + "/manual-associate",
		Summary:     "Record a ticket for a manual task without contacting the ticketing system",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ID         int64         `path:"id"`
		TemplateID int64         `path:"template_id"`
		Body       StatusRequest `json:"body"`
	}) (*output[domain.Task], error) {
		ref := engine.TaskRef{InstanceID: input.ID, TemplateID: input.TemplateID}
		return taskResult(e.ManualAssociate(ctx, ref, input.Body.IssueKey, input.Body.Status, actorFromContext(ctx)))
	})

	huma.Register(api, huma.Operation{
		OperationID: "updateTaskStatus",
		Method:      http.MethodPut,
		Path:        base + "/status",
		Summary:     "Set the status of the task's ticket",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ID         int64         `path:"id"`
		TemplateID int64         `path:"template_id"`
		Body       StatusRequest `json:"body"`
	}) (*output[domain.Task], error) {
		ref := engine.TaskRef{InstanceID: input.ID, TemplateID: input.TemplateID}
		return taskResult(e.UpdateStatus(ctx, ref, input.Body.IssueKey, input.Body.Status, actorFromContext(ctx)))
	})

	huma.Register(api, huma.Operation{
		OperationID: "unassignTask",
		Method:      http.MethodPost,
		Path:        base + "/unassign",
		Summary:     "Detach the task's ticket and reset it",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ID         int64           `path:"id"`
		TemplateID int64           `path:"template_id"`
		Body       IssueKeyRequest `json:"body"`
	}) (*output[domain.Task], error) {
		ref := engine.TaskRef{InstanceID: input.ID, TemplateID: input.TemplateID}
		return taskResult(e.Unassign(ctx, ref, input.Body.IssueKey, actorFromContext(ctx)))
	})

	huma.Register(api, huma.Operation{
		OperationID: "bypassTask",
		Method:      http.MethodPost,
		Path:        base + "/bypass",
		Summary:     "Unlock the task regardless of prerequisites",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ID         int64 `path:"id"`
		TemplateID int64 `path:"template_id"`
	}) (*output[domain.Task], error) {
		return taskResult(e.Bypass(ctx, engine.TaskRef{InstanceID: input.ID, TemplateID: input.TemplateID}, actorFromContext(ctx)))
	})
}

func taskResult(t domain.Task, err error) (*output[domain.Task], error) {
	if err != nil {
		return nil, handleError(err)
	}
	return ok(t), nil
}
