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
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"envline/internal/domain"
	"envline/internal/driver"
	"envline/internal/engine"
	"envline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"envelope_not_editable"`
	Message string         `json:"message" example:"envelope is locked"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Envline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the error envelope.
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
			bodyData, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyData))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyData)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Envline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerEnvelopes(group, cfg.Engine)
	registerAttachments(group, cfg.Engine)
	registerSignals(group, cfg.Engine)
	registerLifecycle(group, cfg.Engine)
	registerAudit(group, cfg.Engine)
	registerTokens(group, cfg.Engine)
	registerDrivers(group, cfg.Engine)
	registerContribute(group, cfg.Engine, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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
	var ne *engine.NotEditableError
	if errors.As(err, &ne) {
		return newAPIError(http.StatusConflict, "envelope_not_editable", err.Error(), map[string]any{"status": ne.Status})
	}
	var ns *engine.NotSettleableError
	if errors.As(err, &ns) {
		return newAPIError(http.StatusConflict, "envelope_not_settleable", err.Error(), map[string]any{"operation": ns.Op})
	}
	var de *engine.DocumentTypeNotAllowedError
	if errors.As(err, &de) {
		details := map[string]any{"doc_type": de.DocType}
		if de.Mime != "" {
			details["mime_type"] = de.Mime
		}
		return newAPIError(http.StatusUnprocessableEntity, "document_type_not_allowed", err.Error(), details)
	}
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		issues := make([]map[string]string, 0, len(ve.Issues))
		for _, issue := range ve.Issues {
			issues = append(issues, map[string]string{"location": issue.Location, "message": issue.Message})
		}
		return newAPIError(http.StatusUnprocessableEntity, "payload_validation_failed", err.Error(), map[string]any{"issues": issues})
	}
	var ie *engine.InvalidArgumentError
	if errors.As(err, &ie) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	switch {
	case errors.Is(err, engine.ErrReferenceExists):
		return newAPIError(http.StatusConflict, "reference_exists", err.Error(), nil)
	case errors.Is(err, engine.ErrTokenRevoked), errors.Is(err, engine.ErrTokenExpired):
		return newAPIError(http.StatusForbidden, "token_unusable", err.Error(), nil)
	case errors.Is(err, engine.ErrTokenPassword):
		return newAPIError(http.StatusUnauthorized, "token_password", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, driver.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
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
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	if data, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return data
	}
	return nil
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func decodeGatesMap(raw string) map[string]bool {
	out := map[string]bool{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}

func composeCursor(createdAt, id string) string {
	return createdAt + "|" + id
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
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
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Envline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
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

func registerEnvelopes(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-envelope",
		Method:        http.MethodPost,
		Path:          "/envelopes",
		Summary:       "Create envelope",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateEnvelopeRequest `json:"body"`
	}) (*struct {
		Body EnvelopeResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ReferenceCode == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "reference_code is required", nil)
		}
		if input.Body.Driver == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "driver is required", nil)
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		driverID, driverVersion := driver.ParseRef(input.Body.Driver)
		env, err := e.Create(ctx, engine.CreateOptions{
			ReferenceCode: input.Body.ReferenceCode,
			ReferenceType: input.Body.ReferenceType,
			ReferenceID:   input.Body.ReferenceID,
			DriverID:      driverID,
			DriverVersion: driverVersion,
			Payload:       input.Body.Payload,
			Context:       input.Body.Context,
			Actor:         actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EnvelopeResponse `json:"body"`
		}{Body: envelopeResponse(env)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-envelopes",
		Method:      http.MethodGet,
		Path:        "/envelopes",
		Summary:     "List envelopes",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Driver string `query:"driver"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEnvelopes `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		driverID, _ := driver.ParseRef(input.Driver)
		items, err := e.Repo.ListEnvelopes(ctx, repo.EnvelopeFilters{
			Status:          input.Status,
			DriverID:        driverID,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEnvelopes{Items: []EnvelopeResponse{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit].CreatedAt, items[limit].ID)
			items = items[:limit]
		}
		resp.Items = mapEnvelopes(items)
		return &struct {
			Body paginatedEnvelopes `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-envelope",
		Method:      http.MethodGet,
		Path:        "/envelopes/{id}",
		Summary:     "Get envelope",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body EnvelopeDetailResponse `json:"body"`
	}, error) {
		detail, err := e.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EnvelopeDetailResponse `json:"body"`
		}{Body: detailResponse(detail)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-envelope-by-reference",
		Method:      http.MethodGet,
		Path:        "/envelopes/reference/{reference_code}",
		Summary:     "Get envelope by reference code",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ReferenceCode string `path:"reference_code"`
	}) (*struct {
		Body EnvelopeDetailResponse `json:"body"`
	}, error) {
		detail, err := e.GetByReference(ctx, input.ReferenceCode)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EnvelopeDetailResponse `json:"body"`
		}{Body: detailResponse(detail)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "patch-envelope-payload",
		Method:      http.MethodPatch,
		Path:        "/envelopes/{id}/payload",
		Summary:     "Merge a payload patch",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body PatchPayloadRequest `json:"body"`
	}) (*struct {
		Body EnvelopeResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		env, err := e.UpdatePayload(ctx, input.ID, input.Body.Patch, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EnvelopeResponse `json:"body"`
		}{Body: envelopeResponse(env)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "patch-envelope-context",
		Method:      http.MethodPatch,
		Path:        "/envelopes/{id}/context",
		Summary:     "Merge a context patch",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body PatchContextRequest `json:"body"`
	}) (*struct {
		Body EnvelopeResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		env, err := e.UpdateContext(ctx, input.ID, input.Body.Patch, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EnvelopeResponse `json:"body"`
		}{Body: envelopeResponse(env)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "compute-envelope-gates",
		Method:      http.MethodGet,
		Path:        "/envelopes/{id}/gates",
		Summary:     "Recompute gates from current state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body map[string]bool `json:"body"`
	}, error) {
		gates, err := e.ComputeGates(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]bool `json:"body"`
		}{Body: gates}, nil
	})
}

func registerAttachments(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "upload-attachment",
		Method:        http.MethodPost,
		Path:          "/envelopes/{id}/attachments",
		Summary:       "Upload a document",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body UploadAttachmentRequest `json:"body"`
	}) (*struct {
		Body domain.Attachment `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.UploadAttachment(ctx, engine.UploadOptions{
			EnvelopeID: input.ID,
			DocType:    input.Body.DocType,
			Filename:   input.Body.Filename,
			MimeType:   input.Body.MimeType,
			Content:    input.Body.Content,
			Metadata:   input.Body.Metadata,
			Actor:      actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Attachment `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-attachment",
		Method:      http.MethodPost,
		Path:        "/attachments/{id}/review",
		Summary:     "Accept or reject an attachment",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body ReviewAttachmentRequest `json:"body"`
	}) (*struct {
		Body domain.Attachment `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.ReviewAttachment(ctx, input.ID, input.Body.Decision, input.Body.Reason, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Attachment `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-attachment-url",
		Method:      http.MethodGet,
		Path:        "/attachments/{id}/url",
		Summary:     "Resolve an attachment download URL",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		a, err := e.Repo.GetAttachment(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		url, err := e.Files.URL(a.FilePath)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"url": url, "filename": a.OriginalFilename, "hash": a.Hash}}, nil
	})
}

func registerSignals(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "set-signal",
		Method:      http.MethodPut,
		Path:        "/envelopes/{id}/signals/{key}",
		Summary:     "Set a signal value",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Key  string           `path:"key"`
		Body SetSignalRequest `json:"body"`
	}) (*struct {
		Body EnvelopeResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		env, err := e.SetSignal(ctx, input.ID, input.Key, input.Body.Value, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EnvelopeResponse `json:"body"`
		}{Body: envelopeResponse(env)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "attest-checklist-item",
		Method:      http.MethodPost,
		Path:        "/envelopes/{id}/attest",
		Summary:     "Record an attestation",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body AttestRequest `json:"body"`
	}) (*struct {
		Body EnvelopeResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Key == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "key is required", nil)
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		env, err := e.Attest(ctx, input.ID, input.Body.Key, input.Body.Accepted, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EnvelopeResponse `json:"body"`
		}{Body: envelopeResponse(env)}, nil
	})
}

func registerLifecycle(api huma.API, e *engine.Engine) {
	type lifecycleFunc func(ctx context.Context, id string, actor domain.Actor) (domain.Envelope, error)
	type reasonFunc func(ctx context.Context, id, reason string, actor domain.Actor) (domain.Envelope, error)

	register := func(opID, urlPath, summary string, fn lifecycleFunc) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        urlPath,
			Summary:     summary,
			Errors: []int{
				http.StatusNotFound,
				http.StatusConflict,
			},
		}, func(ctx context.Context, input *struct {
			ID string `path:"id"`
		}) (*struct {
			Body EnvelopeResponse `json:"body"`
		}, error) {
			actor, authErr := actorFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			env, err := fn(ctx, input.ID, actor)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body EnvelopeResponse `json:"body"`
			}{Body: envelopeResponse(env)}, nil
		})
	}
	registerWithReason := func(opID, urlPath, summary string, fn reasonFunc) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        urlPath,
			Summary:     summary,
			Errors: []int{
				http.StatusBadRequest,
				http.StatusNotFound,
				http.StatusConflict,
			},
		}, func(ctx context.Context, input *struct {
			ID   string        `path:"id"`
			Body ReasonRequest `json:"body"`
		}) (*struct {
			Body EnvelopeResponse `json:"body"`
		}, error) {
			if len(bodyBytes(ctx)) == 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
			}
			actor, authErr := actorFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			env, err := fn(ctx, input.ID, input.Body.Reason, actor)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body EnvelopeResponse `json:"body"`
			}{Body: envelopeResponse(env)}, nil
		})
	}

	register("lock-envelope", "/envelopes/{id}/lock", "Lock envelope", e.Lock)
	register("settle-envelope", "/envelopes/{id}/settle", "Settle envelope", e.Settle)
	registerWithReason("reopen-envelope", "/envelopes/{id}/reopen", "Reopen a locked envelope", e.Reopen)
	registerWithReason("cancel-envelope", "/envelopes/{id}/cancel", "Cancel envelope", e.Cancel)
	registerWithReason("reject-envelope", "/envelopes/{id}/reject", "Reject envelope", e.Reject)
}

func registerAudit(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-envelope-audit",
		Method:      http.MethodGet,
		Path:        "/envelopes/{id}/audit",
		Summary:     "List audit trail",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID      string `path:"id"`
		Action  string `query:"action"`
		Limit   int    `query:"limit" default:"100"`
		AfterID string `query:"after_id"`
	}) (*struct {
		Body []domain.AuditLog `json:"body"`
	}, error) {
		if _, err := e.Repo.GetEnvelope(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		filters := repo.AuditFilters{Action: input.Action, Limit: normalizeLimit(input.Limit)}
		if input.AfterID != "" {
			after, err := strconv.ParseInt(input.AfterID, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid after_id", nil)
			}
			filters.AfterID = after
		}
		logs, err := e.Repo.ListAuditLogs(ctx, input.ID, filters)
		if err != nil {
			return nil, handleError(err)
		}
		if logs == nil {
			logs = []domain.AuditLog{}
		}
		return &struct {
			Body []domain.AuditLog `json:"body"`
		}{Body: logs}, nil
	})
}

func registerTokens(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-contribution-token",
		Method:        http.MethodPost,
		Path:          "/envelopes/{id}/tokens",
		Summary:       "Issue a contribution token",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body CreateTokenRequest `json:"body"`
	}) (*struct {
		Body TokenResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateContributionToken(ctx, engine.TokenOptions{
			EnvelopeID:     input.ID,
			Label:          input.Body.Label,
			RecipientName:  input.Body.RecipientName,
			RecipientEmail: input.Body.RecipientEmail,
			Password:       input.Body.Password,
			TTLHours:       input.Body.TTLHours,
			ExpiresAt:      input.Body.ExpiresAt,
			Metadata:       input.Body.Metadata,
			Actor:          actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		// The opaque token value is shown once, at creation.
		return &struct {
			Body TokenResponse `json:"body"`
		}{Body: tokenResponse(t, true)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-contribution-tokens",
		Method:      http.MethodGet,
		Path:        "/envelopes/{id}/tokens",
		Summary:     "List contribution tokens",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []TokenResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetEnvelope(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		tokens, err := e.ListContributionTokens(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]TokenResponse, 0, len(tokens))
		for _, t := range tokens {
			out = append(out, tokenResponse(t, false))
		}
		return &struct {
			Body []TokenResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-contribution-token",
		Method:      http.MethodDelete,
		Path:        "/tokens/{id}",
		Summary:     "Revoke a contribution token",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeContributionToken(ctx, input.ID, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerDrivers(api huma.API, e *engine.Engine) {
	type driverSummary struct {
		ID          string `json:"id"`
		Version     string `json:"version"`
		Title       string `json:"title,omitempty"`
		Description string `json:"description,omitempty"`
		Domain      string `json:"domain,omitempty"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-drivers",
		Method:      http.MethodGet,
		Path:        "/drivers",
		Summary:     "List published drivers",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []driver.Ref `json:"body"`
	}, error) {
		refs, err := e.Drivers.List()
		if err != nil {
			return nil, handleError(err)
		}
		if refs == nil {
			refs = []driver.Ref{}
		}
		return &struct {
			Body []driver.Ref `json:"body"`
		}{Body: refs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-driver",
		Method:      http.MethodGet,
		Path:        "/drivers/{id}",
		Summary:     "Get a driver definition",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID      string `path:"id"`
		Version string `query:"version"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		d, err := e.Drivers.Load(input.ID, input.Version)
		if err != nil {
			return nil, handleError(err)
		}
		summary := driverSummary{ID: d.ID, Version: d.Version, Title: d.Title, Description: d.Description, Domain: d.Domain}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"driver":    summary,
			"documents": d.Documents,
			"checklist": d.Checklist,
			"signals":   d.Signals,
			"gates":     gateRules(d),
		}}, nil
	})
}

func gateRules(d *driver.Driver) map[string]string {
	out := make(map[string]string, len(d.Gates))
	for _, g := range d.Gates {
		out[g.Key] = g.Rule
	}
	return out
}
