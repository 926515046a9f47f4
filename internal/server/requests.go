package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"onboardline/internal/domain"
	"onboardline/internal/engine"
	"onboardline/internal/jira"
	"onboardline/internal/reconcile"
	"onboardline/internal/repo"
)

func registerRequests(api huma.API, cfg Config, logger *slog.Logger) {
	e := cfg.Engine

	huma.Register(api, huma.Operation{
		OperationID: "listRequests",
		Method:      http.MethodGet,
		Path:        "/requests",
		Summary:     "List tracked requests, newest first",
		Description: "Runs a reconciliation pass first unless sync=false. A failed pass is logged and the stored list is returned.",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Sync string `query:"sync" doc:"true or false; defaults to the server's sync.on_read setting"`
	}) (*output[RequestListResponse], error) {
		syncFirst := cfg.SyncOnRead
		if input.Sync != "" {
			v, err := strconv.ParseBool(input.Sync)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "sync must be true or false", map[string]any{"field": "sync"})
			}
			syncFirst = v
		}
		var resp RequestListResponse
		if syncFirst && cfg.Sync != nil {
			report, err := cfg.Sync.Run(ctx)
			if err != nil {
				logger.Warn("sync before listing requests failed", "err", err)
			} else {
				resp.Sync = &report
			}
		}
		items, err := e.ListRequests(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Request{}
		}
		resp.Items = items
		return ok(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assignRequest",
		Method:      http.MethodPut,
		Path:        "/requests/{key}/assign",
		Summary:     "Reassign a tracked request to another user",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Key  string        `path:"key"`
		Body AssignRequest `json:"body"`
	}) (*output[domain.Request], error) {
		req, err := e.ReassignRequest(ctx, input.Key, input.Body.UserEmail, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return ok(req), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "deleteRequest",
		Method:        http.MethodDelete,
		Path:          "/requests/{key}",
		Summary:       "Forget a tracked request",
		DefaultStatus: http.StatusNoContent,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Key string `path:"key"`
	}) (*struct{}, error) {
		if err := e.DeleteRequest(ctx, input.Key, actorFromContext(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sync",
		Method:      http.MethodPost,
		Path:        "/sync",
		Summary:     "Run a reconciliation pass now",
		Errors:      []int{http.StatusServiceUnavailable, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*output[reconcile.Report], error) {
		if cfg.Sync == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "", "reconciliation is not configured", nil)
		}
		report, err := cfg.Sync.Run(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(report), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "executeTemplate",
		Method:      http.MethodPost,
		Path:        "/execute-template",
		Summary:     "Raise a template's request for a list of users",
		Description: "With dry_run the shaped payloads are returned and nothing is sent. Failures are reported per user.",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Body ExecuteTemplateRequest `json:"body"`
	}) (*output[ListResponse[engine.ExecutionResult]], error) {
		results, err := e.ExecuteTemplate(ctx, input.Body.TemplateID, input.Body.UserEmails, input.Body.DryRun, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return list(results), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "timeSpent",
		Method:      http.MethodGet,
		Path:        "/analytics/time_spent",
		Summary:     "Average hours from opened to closed, per request type",
		Description: "Only closed requests count. Does not sync first.",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*output[ListResponse[domain.TimeSpent]], error) {
		stats, err := e.TimeSpent(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return list(stats), nil
	})
}

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "listUsers",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List directory users",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*output[ListResponse[domain.User]], error) {
		users, err := e.Users.ListUsers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return list(users), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "listUserFields",
		Method:      http.MethodGet,
		Path:        "/user-fields",
		Summary:     "List the user field schema in order",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*output[UserFieldsResponse], error) {
		fields, err := e.Users.UserFields(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if fields == nil {
			fields = []string{}
		}
		return ok(UserFieldsResponse{Fields: fields}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "createUser",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Add a directory user",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateUserRequest `json:"body"`
	}) (*output[domain.User], error) {
		u, err := e.CreateUser(ctx, input.Body.Email, input.Body.Attributes, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return ok(u), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "updateUser",
		Method:      http.MethodPut,
		Path:        "/users/{email}",
		Summary:     "Replace a user's attributes",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Email string            `path:"email"`
		Body  UpdateUserRequest `json:"body"`
	}) (*output[domain.User], error) {
		u, err := e.UpdateUser(ctx, input.Email, input.Body.Attributes, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return ok(u), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "deleteUser",
		Method:        http.MethodDelete,
		Path:          "/users/{email}",
		Summary:       "Delete a user nobody is onboarding",
		DefaultStatus: http.StatusNoContent,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Email string `path:"email"`
	}) (*struct{}, error) {
		if err := e.DeleteUser(ctx, input.Email, actorFromContext(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerDiscovery(api huma.API, d Discovery) {
	unavailable := func() error {
		return newAPIError(http.StatusServiceUnavailable, "", "ticketing gateway is not configured", nil)
	}
	errs := []int{http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusInternalServerError}

	huma.Register(api, huma.Operation{
		OperationID: "listServiceDesks",
		Method:      http.MethodGet,
		Path:        "/jira/servicedesks",
		Summary:     "List service desks",
		Errors:      errs,
	}, func(ctx context.Context, _ *struct{}) (*output[ListResponse[jira.ServiceDesk]], error) {
		if d == nil {
			return nil, unavailable()
		}
		desks, err := d.ListServiceDesks(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return list(desks), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "listRequestTypes",
		Method:      http.MethodGet,
		Path:        "/jira/servicedesks/{id}/requesttypes",
		Summary:     "List request types of a service desk",
		Errors:      errs,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*output[ListResponse[jira.RequestType]], error) {
		if d == nil {
			return nil, unavailable()
		}
		types, err := d.ListRequestTypes(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return list(types), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "listRequestTypeFields",
		Method:      http.MethodGet,
		Path:        "/jira/servicedesks/{id}/requesttypes/{rt}/fields",
		Summary:     "List fields of a request type",
		Errors:      errs,
	}, func(ctx context.Context, input *struct {
		ID            string `path:"id"`
		RequestTypeID string `path:"rt"`
	}) (*output[ListResponse[jira.RequestTypeField]], error) {
		if d == nil {
			return nil, unavailable()
		}
		fields, err := d.ListRequestTypeFields(ctx, input.ID, input.RequestTypeID)
		if err != nil {
			return nil, handleError(err)
		}
		return list(fields), nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "listEvents",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events, newest first",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"100" minimum:"1" maximum:"1000"`
	}) (*output[ListResponse[domain.Event]], error) {
		items, err := e.Repo.ListEvents(ctx, repo.EventFilters{
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return list(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "listSyncRuns",
		Method:      http.MethodGet,
		Path:        "/sync/runs",
		Summary:     "List recent reconciliation passes",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"20" minimum:"1" maximum:"500"`
	}) (*output[ListResponse[domain.SyncRun]], error) {
		runs, err := e.Repo.ListSyncRuns(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return list(runs), nil
	})
}
