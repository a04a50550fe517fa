package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"escalator/internal/domain"
	"escalator/internal/engine"
	"escalator/internal/engine/auth"
	"escalator/internal/events"
	"escalator/internal/observability"
)

// Store is everything the API reads and writes directly. repo.Repo and
// memstore.Store both satisfy it.
type Store interface {
	CreateWorkspace(ctx context.Context, ws domain.Workspace) (domain.Workspace, error)
	GetWorkspace(ctx context.Context, id string) (domain.Workspace, error)
	SetWorkspaceLead(ctx context.Context, id, leadID string) error
	AddMember(ctx context.Context, m domain.Member) error
	RemoveMember(ctx context.Context, m domain.Member) error
	ListMembers(ctx context.Context, workspaceID string) ([]domain.Member, error)

	CreateRule(ctx context.Context, r domain.Rule) (domain.Rule, error)
	GetRule(ctx context.Context, id string) (domain.Rule, error)
	ListRules(ctx context.Context, f domain.RuleFilter) ([]domain.Rule, error)
	UpdateRule(ctx context.Context, id string, patch domain.RulePatch) (domain.Rule, error)
	SetRuleActive(ctx context.Context, id string, active bool) error
	DeleteRule(ctx context.Context, id string) error

	CreateItem(ctx context.Context, it domain.Item) (domain.Item, error)
	GetItem(ctx context.Context, id string) (domain.Item, error)
	SetItemStatus(ctx context.Context, id, status string, at time.Time) error
	SetItemPriority(ctx context.Context, id, priority string) error

	ListActivity(ctx context.Context, f domain.ActivityFilter) ([]domain.ActivityEntry, error)
	ListStates(ctx context.Context, itemID string) ([]domain.EscalationState, error)
	ResetStates(ctx context.Context, itemID, ruleID string) (int, error)
}

// Journal reads back the event journal. Optional.
type Journal interface {
	List(ctx context.Context, itemID string, cursor int64, limit int) ([]events.Entry, error)
}

// Config for the HTTP API handler.
type Config struct {
	Engine  *engine.Engine
	Scanner *engine.Scanner
	Store   Store
	Journal Journal
	// Roles maps workspace roles to permissions.
	Roles    map[string][]string
	Metrics  *observability.Metrics
	Logger   *zap.Logger
	BasePath string
	Auth     AuthConfig
}

type service struct {
	engine  *engine.Engine
	scanner *engine.Scanner
	store   Store
	journal Journal
	auth    auth.Service
	logger  *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"rule not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"permission\":\"rules:write\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the escalator API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil || cfg.Store == nil {
		return nil, errors.New("server: engine and store are required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := observability.OrNop(cfg.Logger).Named("http")
	scanner := cfg.Scanner
	if scanner == nil {
		scanner = &engine.Scanner{Engine: cfg.Engine}
	}
	s := &service{
		engine:  cfg.Engine,
		scanner: scanner,
		store:   cfg.Store,
		journal: cfg.Journal,
		auth:    auth.Service{Members: cfg.Store, Roles: cfg.Roles},
		logger:  logger,
	}

	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, logger))
	hcfg := huma.DefaultConfig("Escalator API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	router.Handle("/metrics", cfg.Metrics.Handler())
	registerDocs(router, basePath)
	registerHealth(group)
	registerWorkspaces(group, s)
	registerRules(group, s)
	registerItems(group, s)
	registerEvents(group, s)
	registerActivity(group, s)
	registerStates(group, s)
	registerScan(group, s)
	registerMe(group, s)
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		details := map[string]any{"permission": fe.Permission}
		if fe.WorkspaceID != "" {
			details["workspace_id"] = fe.WorkspaceID
		}
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), details)
	}
	if errors.Is(err, domain.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var ce *domain.ConfigurationError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusBadRequest, "invalid_rule", err.Error(), map[string]any{"field": ce.Field, "reason": ce.Reason})
	}
	if errors.Is(err, engine.ErrInvalidEvent) {
		return newAPIError(http.StatusBadRequest, "invalid_event", err.Error(), nil)
	}
	if domain.IsTransient(err) {
		return newAPIError(http.StatusServiceUnavailable, "unavailable", "storage temporarily unavailable", map[string]any{"error": err.Error()})
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "already"), strings.Contains(lowered, "unique constraint"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func requirePermission(ctx context.Context, s *service, workspaceID, perm string) error {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return authErr
	}
	return s.auth.Require(ctx, principal, workspaceID, perm)
}

func requireGlobalPermission(ctx context.Context, s *service, perm string) error {
	return requirePermission(ctx, s, "", perm)
}

// itemFor loads an item and checks perm in its workspace.
func itemFor(ctx context.Context, s *service, itemID, perm string) (domain.Item, error) {
	if _, authErr := principalFromRequest(ctx); authErr != nil {
		return domain.Item{}, authErr
	}
	it, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return domain.Item{}, wrapNotFound(err, "item", itemID)
	}
	if err := requirePermission(ctx, s, it.WorkspaceID, perm); err != nil {
		return domain.Item{}, err
	}
	return it, nil
}

// ruleFor loads a rule and checks perm in its workspace.
func ruleFor(ctx context.Context, s *service, ruleID, perm string) (domain.Rule, error) {
	if _, authErr := principalFromRequest(ctx); authErr != nil {
		return domain.Rule{}, authErr
	}
	r, err := s.store.GetRule(ctx, ruleID)
	if err != nil {
		return domain.Rule{}, wrapNotFound(err, "rule", ruleID)
	}
	if err := requirePermission(ctx, s, r.WorkspaceID, perm); err != nil {
		return domain.Rule{}, err
	}
	return r, nil
}

func workspaceFor(ctx context.Context, s *service, workspaceID, perm string) (domain.Workspace, error) {
	if _, authErr := principalFromRequest(ctx); authErr != nil {
		return domain.Workspace{}, authErr
	}
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return domain.Workspace{}, wrapNotFound(err, "workspace", workspaceID)
	}
	if err := requirePermission(ctx, s, ws.ID, perm); err != nil {
		return domain.Workspace{}, err
	}
	return ws, nil
}

func wrapNotFound(err error, kind, id string) error {
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("%s %s: %w", kind, id, domain.ErrNotFound)
	}
	return err
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	req.Body = io.NopCloser(bytes.NewBuffer(data))
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil || oas.Components == nil || oas.Components.Schemas == nil {
		return
	}
	errSchema := oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
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
					"application/json": {Schema: errSchema},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
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
    <title>Escalator API Docs</title>
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
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}
