package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"onboardline/internal/engine"
	"onboardline/internal/jira"
	"onboardline/internal/reconcile"
	"onboardline/internal/repo"
)

// Syncer runs one reconciliation pass.
type Syncer interface {
	Run(ctx context.Context) (reconcile.Report, error)
}

// Discovery browses the ticketing system's desks, request types and fields.
type Discovery interface {
	ListServiceDesks(ctx context.Context) ([]jira.ServiceDesk, error)
	ListRequestTypes(ctx context.Context, serviceDeskID string) ([]jira.RequestType, error)
	ListRequestTypeFields(ctx context.Context, serviceDeskID, requestTypeID string) ([]jira.RequestTypeField, error)
}

// Config for the HTTP API handler.
type Config struct {
	Engine    engine.Engine
	Sync      Syncer
	Discovery Discovery
	BasePath  string
	// SyncOnRead runs a pass before listing requests unless the caller says otherwise.
	SyncOnRead bool
	Logger     *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"task \"VPN\" is locked by unfinished prerequisites: Account"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"blocking\":[\"Account\"]}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type output[T any] struct {
	Body T `json:"body"`
}

func ok[T any](v T) *output[T] { return &output[T]{Body: v} }

// New returns an HTTP handler exposing the onboarding API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestLogger(logger))
	router.Use(actorMiddleware)
	hcfg := huma.DefaultConfig("Onboardline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTemplates(group, cfg.Engine)
	registerOnboardingTemplates(group, cfg.Engine)
	registerInstances(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerRequests(group, cfg, logger)
	registerUsers(group, cfg.Engine)
	registerDiscovery(group, cfg.Discovery)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		var details map[string]any
		if ve.Field != "" {
			details = map[string]any{"field": ve.Field}
		}
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), details)
	}
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), map[string]any{"blocking": ce.Blocking})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var ge *jira.GatewayError
	if errors.As(err, &ge) {
		details := map[string]any{}
		if ge.StatusCode != 0 {
			details["status"] = ge.StatusCode
		}
		if ge.Body != "" {
			details["body"] = ge.Body
		}
		return newAPIError(http.StatusBadGateway, "gateway_error", err.Error(), details)
	}
	var ie *jira.InvalidResponseError
	if errors.As(err, &ie) {
		return newAPIError(http.StatusBadGateway, "invalid_gateway_response", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusBadGateway:
		return "gateway_error"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Onboardline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]string], error) {
		return ok(map[string]string{"status": "ok"}), nil
	})
}

var commonErrors = []int{
	http.StatusBadRequest,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

var gatewayErrors = []int{
	http.StatusBadRequest,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusBadGateway,
	http.StatusInternalServerError,
}
