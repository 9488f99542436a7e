package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"sitesign/internal/domain"
	"sitesign/internal/engine"
	"sitesign/internal/engine/auth"
	"sitesign/internal/logging"
	"sitesign/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Log      *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"cannot approve a rejected request"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every failure is rendered in.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type output[T any] struct {
	Body T
}

func reply[T any](v T) *output[T] {
	return &output[T]{Body: v}
}

// New returns an HTTP handler exposing the approval API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
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
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logging.OrNop(cfg.Log)))
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("SiteSign API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	hcfg.SchemasPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	e := cfg.Engine
	registerDocs(router, basePath)
	registerHealth(group)
	registerAuth(group, e, cfg.Auth)
	registerSites(group, e)
	registerApprovals(group, e)
	registerArchive(group, e)
	registerUsers(group, e)
	registerNotifications(group, e)
	registerReports(group, e)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("took", time.Since(start)))
		})
	}
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

// handleError maps engine errors onto the envelope. Version conflicts are persistence
// errors too, so they are checked first.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var (
		ve engine.ValidationError
		pe engine.PermissionError
		se engine.StateError
		fe engine.PersistenceError
	)
	switch {
	case errors.As(err, &ve):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	case errors.Is(err, engine.ErrInvalidCredentials):
		return newAPIError(http.StatusUnauthorized, "invalid_credentials", err.Error(), nil)
	case errors.As(err, &pe):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"action": pe.Action})
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, repo.ErrVersionConflict), errors.Is(err, repo.ErrDuplicate):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.As(err, &se):
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), map[string]any{"status": string(se.Status)})
	case errors.As(err, &fe):
		return newAPIError(http.StatusServiceUnavailable, "persistence_failed", "storage unavailable, retry later", map[string]any{"op": fe.Op})
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusForbidden:
		return "forbidden"
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
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func operations(item *huma.PathItem) []*huma.Operation {
	return []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil || oas.Components == nil || oas.Components.Schemas == nil {
		return
	}
	errSchema := oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
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
						Schema: errSchema,
					},
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
	open := publicPaths(basePath)
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if open[route] {
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
    <title>SiteSign API Docs</title>
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
      Sign in with POST /auth/login, then send Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

var writeErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusServiceUnavailable,
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

func registerAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Exchange a username and password for a token",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest
	}) (*output[LoginResponse], error) {
		u, err := e.Authenticate(ctx, input.Body.Username, input.Body.Password)
		if err != nil {
			return nil, handleError(err)
		}
		token, exp, err := signToken(authCfg, u)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return reply(LoginResponse{Token: token, ExpiresAt: exp.UTC().Format(time.RFC3339), User: u}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "register",
		Method:        http.MethodPost,
		Path:          "/auth/register",
		Summary:       "File a registration request",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body RegisterRequest
	}) (*output[domain.UserRequest], error) {
		b := input.Body
		req, err := e.Register(ctx, engine.RegisterOptions{
			Username: b.Username, Password: b.Password, Name: b.Name, Role: b.Role, Phone: b.Phone, Email: b.Email,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(req), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current user",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*output[MeResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.GetUser(ctx, actorID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "account no longer exists", nil)
			}
			return nil, handleError(err)
		}
		unread, err := e.UnreadCount(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(MeResponse{User: u, Actions: nonNil(auth.Actions(domain.NormalizeRole(string(u.Role)))), Unread: unread}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "change-password",
		Method:        http.MethodPost,
		Path:          "/me/password",
		Summary:       "Change own password",
		DefaultStatus: http.StatusNoContent,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body PasswordChangeRequest
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.ChangePassword(ctx, actorID, input.Body.Current, input.Body.New); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

type sitePath struct {
	ID string `path:"id"`
}

func registerSites(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-sites",
		Method:      http.MethodGet,
		Path:        "/sites",
		Summary:     "List sites",
	}, func(ctx context.Context, _ *struct{}) (*output[[]domain.Site], error) {
		sites, err := e.ListSites(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNil(sites)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-site",
		Method:        http.MethodPost,
		Path:          "/sites",
		Summary:       "Create site",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateSiteRequest
	}) (*output[domain.Site], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b := input.Body
		site, err := e.CreateSite(ctx, engine.SiteOptions{
			ID: b.ID, Name: b.Name, Location: b.Location, Manager: b.Manager, Approvers: b.Approvers, ActorID: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(site), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-site",
		Method:      http.MethodGet,
		Path:        "/sites/{id}",
		Summary:     "Get site",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sitePath) (*output[domain.Site], error) {
		site, err := e.GetSite(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(site), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-site",
		Method:      http.MethodPut,
		Path:        "/sites/{id}",
		Summary:     "Update site",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body UpdateSiteRequest
	}) (*output[domain.Site], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b := input.Body
		site, err := e.UpdateSite(ctx, engine.SiteUpdateOptions{
			ID: input.ID, Name: b.Name, Location: b.Location, Manager: b.Manager, Approvers: b.Approvers, ActorID: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(site), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-site",
		Method:        http.MethodDelete,
		Path:          "/sites/{id}",
		Summary:       "Delete site",
		DefaultStatus: http.StatusNoContent,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *sitePath) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteSite(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

type approvalPath struct {
	ID string `path:"id"`
}

type approvalAction struct {
	ID   string         `path:"id"`
	Body *ActionRequest `required:"false"`
}

func registerApprovals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals",
		Summary:     "List visible approval requests",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" enum:"pending,processing,approved,rejected"`
		SiteID   string `query:"site_id"`
		AuthorID string `query:"author_id"`
		Query    string `query:"q"`
		From     string `query:"from" doc:"RFC3339 lower bound on created_at"`
		To       string `query:"to" doc:"RFC3339 upper bound on created_at, exclusive"`
		Limit    int    `query:"limit"`
	}) (*output[[]domain.ApprovalRequest], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.List(ctx, actorID, repo.ApprovalFilter{
			Status:   domain.Status(input.Status),
			SiteID:   input.SiteID,
			AuthorID: input.AuthorID,
			Query:    input.Query,
			From:     input.From,
			To:       input.To,
			Limit:    input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNil(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-approval",
		Method:        http.MethodPost,
		Path:          "/approvals",
		Summary:       "Submit approval request",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body SubmitRequest
	}) (*output[domain.ApprovalRequest], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b := input.Body
		req, err := e.Submit(ctx, engine.SubmitOptions{
			Title: b.Title, Content: b.Content, SiteID: b.SiteID, AuthorName: b.AuthorName, Attachment: b.Attachment, ActorID: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(req), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pending-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals/pending",
		Summary:     "Requests waiting on the caller",
	}, func(ctx context.Context, _ *struct{}) (*output[[]domain.ApprovalRequest], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Pending(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNil(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "monthly-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals/monthly",
		Summary:     "Requests created in a calendar month",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Year  int `query:"year" required:"true"`
		Month int `query:"month" required:"true" minimum:"1" maximum:"12"`
	}) (*output[[]domain.ApprovalRequest], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Monthly(ctx, actorID, input.Year, time.Month(input.Month))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNil(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-approval",
		Method:      http.MethodGet,
		Path:        "/approvals/{id}",
		Summary:     "Get approval request",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *approvalPath) (*output[domain.ApprovalRequest], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.Get(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(req), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approval-permissions",
		Method:      http.MethodGet,
		Path:        "/approvals/{id}/permissions",
		Summary:     "What the caller may do with a request",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *approvalPath) (*output[auth.Capabilities], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		caps, err := e.Permissions(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(caps), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "edit-approval",
		Method:      http.MethodPatch,
		Path:        "/approvals/{id}",
		Summary:     "Edit own request; editing a rejected request resubmits it",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body EditRequest
	}) (*output[domain.ApprovalRequest], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b := input.Body
		req, err := e.Edit(ctx, engine.EditOptions{
			ActionOptions:   engine.ActionOptions{ID: input.ID, ActorID: actorID, ExpectedVersion: b.ExpectedVersion},
			Title:           b.Title,
			Content:         b.Content,
			SiteID:          b.SiteID,
			AuthorName:      b.AuthorName,
			Attachment:      b.Attachment,
			ClearAttachment: b.ClearAttachment,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(req), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-approval",
		Method:      http.MethodDelete,
		Path:        "/approvals/{id}",
		Summary:     "Archive a request",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *approvalAction) (*output[domain.DeletedApproval], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		archived, err := e.Delete(ctx, engine.ActionOptions{ID: input.ID, ActorID: actorID, ExpectedVersion: expected(input.Body)})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(archived), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-step",
		Method:      http.MethodPost,
		Path:        "/approvals/{id}/approve",
		Summary:     "Approve the current step",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body *ApproveRequest `required:"false"`
	}) (*output[domain.ApprovalRequest], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.ApproveOptions{ActionOptions: engine.ActionOptions{ID: input.ID, ActorID: actorID}}
		if input.Body != nil {
			opts.ExpectedVersion = input.Body.ExpectedVersion
			opts.SkipFirstStep = input.Body.SkipFirstStep
		}
		req, err := e.Approve(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(req), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-step",
		Method:      http.MethodPost,
		Path:        "/approvals/{id}/reject",
		Summary:     "Reject the current step with a reason",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body RejectRequest
	}) (*output[domain.ApprovalRequest], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.Reject(ctx, engine.RejectOptions{
			ActionOptions: engine.ActionOptions{ID: input.ID, ActorID: actorID, ExpectedVersion: input.Body.ExpectedVersion},
			Reason:        input.Body.Reason,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(req), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-approval",
		Method:      http.MethodPost,
		Path:        "/approvals/{id}/cancel-approval",
		Summary:     "Withdraw the most recent step approval",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *approvalAction) (*output[domain.ApprovalRequest], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.CancelApproval(ctx, engine.ActionOptions{ID: input.ID, ActorID: actorID, ExpectedVersion: expected(input.Body)})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(req), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-rejection",
		Method:      http.MethodPost,
		Path:        "/approvals/{id}/cancel-rejection",
		Summary:     "Restart a rejected request from the first step",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *approvalAction) (*output[domain.ApprovalRequest], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.CancelRejection(ctx, engine.ActionOptions{ID: input.ID, ActorID: actorID, ExpectedVersion: expected(input.Body)})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(req), nil
	})
}

func registerArchive(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-archive",
		Method:      http.MethodGet,
		Path:        "/archive/approvals",
		Summary:     "List archived requests",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*output[[]domain.DeletedApproval], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListArchived(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNil(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "restore-approval",
		Method:      http.MethodPost,
		Path:        "/archive/approvals/{id}/restore",
		Summary:     "Restore an archived request",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *approvalPath) (*output[domain.ApprovalRequest], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.Restore(ctx, engine.ActionOptions{ID: input.ID, ActorID: actorID})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(req), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "purge-approval",
		Method:        http.MethodDelete,
		Path:          "/archive/approvals/{id}",
		Summary:       "Remove an archived request permanently",
		DefaultStatus: http.StatusNoContent,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *approvalPath) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Purge(ctx, engine.ActionOptions{ID: input.ID, ActorID: actorID}); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

type userPath struct {
	Username string `path:"username"`
}

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List users",
	}, func(ctx context.Context, _ *struct{}) (*output[[]domain.User], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		users, err := e.ListUsers(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNil(users)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-user",
		Method:      http.MethodPatch,
		Path:        "/users/{username}",
		Summary:     "Update a user",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		Username string `path:"username"`
		Body     UpdateUserRequest
	}) (*output[domain.User], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b := input.Body
		u, err := e.UpdateUser(ctx, engine.UserUpdateOptions{
			Username: input.Username, ActorID: actorID, Name: b.Name, Phone: b.Phone, Email: b.Email, Role: b.Role,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(u), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-user",
		Method:      http.MethodDelete,
		Path:        "/users/{username}",
		Summary:     "Remove a user",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *userPath) (*output[domain.DeletedUser], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		removed, err := e.RemoveUser(ctx, input.Username, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(removed), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-deleted-users",
		Method:      http.MethodGet,
		Path:        "/users/deleted",
		Summary:     "List removed users",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*output[[]domain.DeletedUser], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		users, err := e.ListDeletedUsers(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNil(users)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "restore-user",
		Method:      http.MethodPost,
		Path:        "/users/deleted/{username}/restore",
		Summary:     "Restore a removed user",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *userPath) (*output[domain.User], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.RestoreUser(ctx, input.Username, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(u), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "purge-user",
		Method:        http.MethodDelete,
		Path:          "/users/deleted/{username}",
		Summary:       "Remove an archived user permanently",
		DefaultStatus: http.StatusNoContent,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *userPath) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.PurgeUser(ctx, input.Username, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-user-requests",
		Method:      http.MethodGet,
		Path:        "/user-requests",
		Summary:     "List registration requests",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,approved,rejected"`
	}) (*output[[]domain.UserRequest], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListUserRequests(ctx, actorID, domain.RequestStatus(input.Status))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNil(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-user-request",
		Method:      http.MethodPost,
		Path:        "/user-requests/{id}/approve",
		Summary:     "Accept a registration",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*output[domain.User], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.AcceptRequest(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(u), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decline-user-request",
		Method:      http.MethodPost,
		Path:        "/user-requests/{id}/reject",
		Summary:     "Decline a registration",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body *DeclineRequest `required:"false"`
	}) (*output[domain.UserRequest], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		reason := ""
		if input.Body != nil {
			reason = input.Body.Reason
		}
		req, err := e.DeclineRequest(ctx, input.ID, actorID, reason)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(req), nil
	})
}

type notificationPath struct {
	ID string `path:"id"`
}

func registerNotifications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "Caller's notifications, newest first",
	}, func(ctx context.Context, input *struct {
		Unread bool `query:"unread"`
		Limit  int  `query:"limit"`
	}) (*output[[]domain.Notification], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Inbox(ctx, engine.InboxOptions{ActorID: actorID, UnreadOnly: input.Unread, Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNil(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-notification-read",
		Method:      http.MethodPost,
		Path:        "/notifications/{id}/read",
		Summary:     "Mark a notification read",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *notificationPath) (*output[CountResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.MarkRead(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(CountResponse{Count: n}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-all-notifications-read",
		Method:      http.MethodPost,
		Path:        "/notifications/read-all",
		Summary:     "Mark every notification read",
	}, func(ctx context.Context, _ *struct{}) (*output[CountResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.MarkAllRead(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(CountResponse{Count: n}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "broadcast",
		Method:        http.MethodPost,
		Path:          "/notifications/broadcast",
		Summary:       "Post a system notice to everyone",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body BroadcastRequest
	}) (*output[domain.Notification], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.Broadcast(ctx, actorID, input.Body.Title, input.Body.Message)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(n), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-notification",
		Method:        http.MethodDelete,
		Path:          "/notifications/{id}",
		Summary:       "Delete a notification",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *notificationPath) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteNotification(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "clear-notifications",
		Method:      http.MethodDelete,
		Path:        "/notifications",
		Summary:     "Delete every notification addressed to the caller",
	}, func(ctx context.Context, _ *struct{}) (*output[CountResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.ClearInbox(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(CountResponse{Count: n}), nil
	})
}

func registerReports(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit log, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"approval,site,user,backup"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*output[paginatedEvents], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := e.ListEvents(ctx, actorID, repo.EventFilter{
			Type: input.Type, EntityKind: input.EntityKind, EntityID: input.EntityID, Before: before, Limit: limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: nonNil(items)}
		if len(items) > limit {
			resp.Items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		return reply(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Counts of visible requests by status",
	}, func(ctx context.Context, _ *struct{}) (*output[engine.Stats], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.Stats(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-backup",
		Method:      http.MethodGet,
		Path:        "/backup",
		Summary:     "Download a full or monthly backup",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Year  int `query:"year"`
		Month int `query:"month"`
	}) (*output[engine.Backup], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.Export(ctx, engine.ExportOptions{ActorID: actorID, Year: input.Year, Month: input.Month})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(b), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "import-backup",
		Method:      http.MethodPost,
		Path:        "/backup",
		Summary:     "Load a backup, skipping records that already exist",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		Body engine.Backup
	}) (*output[ImportResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Import(ctx, actorID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})
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
