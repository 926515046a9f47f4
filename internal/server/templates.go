package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/samber/lo"

	"onboardline/internal/domain"
	"onboardline/internal/engine"
)

func registerTemplates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "listTemplates",
		Method:      http.MethodGet,
		Path:        "/templates",
		Summary:     "List templates",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*output[ListResponse[domain.Template]], error) {
		items, err := e.ListTemplates(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return list(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "createTemplate",
		Method:        http.MethodPost,
		Path:          "/templates",
		Summary:       "Create template",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Body TemplateRequest `json:"body"`
	}) (*output[domain.Template], error) {
		t, err := e.CreateTemplate(ctx, input.Body.input(), actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return ok(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "getTemplate",
		Method:      http.MethodGet,
		Path:        "/templates/{id}",
		Summary:     "Get template",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*output[domain.Template], error) {
		t, err := e.GetTemplate(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "updateTemplate",
		Method:      http.MethodPut,
		Path:        "/templates/{id}",
		Summary:     "Replace template fields and dependencies",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64           `path:"id"`
		Body TemplateRequest `json:"body"`
	}) (*output[domain.Template], error) {
		t, err := e.UpdateTemplate(ctx, input.ID, input.Body.input(), actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return ok(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "deleteTemplate",
		Method:        http.MethodDelete,
		Path:          "/templates/{id}",
		Summary:       "Delete template",
		DefaultStatus: http.StatusNoContent,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct{}, error) {
		if err := e.DeleteTemplate(ctx, input.ID, actorFromContext(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerOnboardingTemplates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "listOnboardingTemplates",
		Method:      http.MethodGet,
		Path:        "/onboarding/templates",
		Summary:     "List onboarding templates with member names",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*output[ListResponse[OnboardingTemplateResponse]], error) {
		pkgs, err := e.ListOnboardingTemplates(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		names, err := templateNames(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		return list(lo.Map(pkgs, func(p domain.OnboardingTemplate, _ int) OnboardingTemplateResponse {
			return onboardingTemplateResponse(p, names)
		})), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "createOnboardingTemplate",
		Method:        http.MethodPost,
		Path:          "/onboarding/templates",
		Summary:       "Create onboarding template",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Body OnboardingTemplateRequest `json:"body"`
	}) (*output[OnboardingTemplateResponse], error) {
		p, err := e.CreateOnboardingTemplate(ctx, input.Body.Name, input.Body.TemplateIDs, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		names, err := templateNames(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(onboardingTemplateResponse(p, names)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "updateOnboardingTemplate",
		Method:      http.MethodPut,
		Path:        "/onboarding/templates/{id}",
		Summary:     "Rename an onboarding template and sync its instances to the new member list",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ID   int64                     `path:"id"`
		Body OnboardingTemplateRequest `json:"body"`
	}) (*output[OnboardingTemplateResponse], error) {
		p, err := e.UpdateOnboardingTemplate(ctx, input.ID, input.Body.Name, input.Body.TemplateIDs, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		names, err := templateNames(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(onboardingTemplateResponse(p, names)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "deleteOnboardingTemplate",
		Method:        http.MethodDelete,
		Path:          "/onboarding/templates/{id}",
		Summary:       "Delete onboarding template",
		DefaultStatus: http.StatusNoContent,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct{}, error) {
		if err := e.DeleteOnboardingTemplate(ctx, input.ID, actorFromContext(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func templateNames(ctx context.Context, e engine.Engine) (map[int64]string, error) {
	templates, err := e.ListTemplates(ctx)
	if err != nil {
		return nil, err
	}
	return lo.SliceToMap(templates, func(t domain.Template) (int64, string) { return t.ID, t.Name }), nil
}

func onboardingTemplateResponse(p domain.OnboardingTemplate, names map[int64]string) OnboardingTemplateResponse {
	return OnboardingTemplateResponse{
		OnboardingTemplate: p,
		Templates: lo.Map(p.TemplateIDs, func(id int64, _ int) TemplateRef {
			return TemplateRef{ID: id, Name: names[id]}
		}),
	}
}
