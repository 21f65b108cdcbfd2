package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"envline/internal/domain"
	"envline/internal/engine"
)

// Session TTL for contributor JWTs. Short by intent: the opaque token
// is the durable credential, sessions are re-issued on demand.
const contributeSessionTTL = 2 * time.Hour

// registerContribute mounts the token-holder surface. These endpoints
// are exempt from the staff auth middleware; each one resolves a
// contributor session JWT itself.
func registerContribute(api huma.API, e *engine.Engine, cfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID:   "contribute-session",
		Method:        http.MethodPost,
		Path:          "/contribute/session",
		Summary:       "Exchange a contribution token for a session",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body ContributeSessionRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 || input.Body.Token == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "token is required", nil)
		}
		t, err := e.ResolveToken(ctx, input.Body.Token, input.Body.Password)
		if err != nil {
			return nil, handleError(err)
		}
		now := time.Now().UTC()
		session, err := issueSessionToken(cfg, t.ID, t.EnvelopeID, now, contributeSessionTTL)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: SessionResponse{
			SessionToken: session,
			EnvelopeID:   t.EnvelopeID,
			ExpiresAt:    now.Add(contributeSessionTTL).Format(time.RFC3339),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "contribute-view",
		Method:      http.MethodGet,
		Path:        "/contribute/envelope",
		Summary:     "View the envelope as a contributor",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Authorization string `header:"Authorization"`
	}) (*struct {
		Body ContributeViewResponse `json:"body"`
	}, error) {
		t, authErr := contributorFromSession(ctx, e, cfg, input.Authorization)
		if authErr != nil {
			return nil, authErr
		}
		view, err := e.TokenGet(ctx, t)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContributeViewResponse `json:"body"`
		}{Body: contributeViewResponse(view)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "contribute-patch-payload",
		Method:      http.MethodPatch,
		Path:        "/contribute/payload",
		Summary:     "Merge a payload patch as a contributor",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Authorization string              `header:"Authorization"`
		Body          PatchPayloadRequest `json:"body"`
	}) (*struct {
		Body ContributeViewResponse `json:"body"`
	}, error) {
		t, authErr := contributorFromSession(ctx, e, cfg, input.Authorization)
		if authErr != nil {
			return nil, authErr
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if _, err := e.TokenUpdatePayload(ctx, t, input.Body.Patch); err != nil {
			return nil, handleError(err)
		}
		view, err := e.TokenGet(ctx, t)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContributeViewResponse `json:"body"`
		}{Body: contributeViewResponse(view)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "contribute-upload-attachment",
		Method:        http.MethodPost,
		Path:          "/contribute/attachments",
		Summary:       "Upload a document as a contributor",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Authorization string                  `header:"Authorization"`
		Body          UploadAttachmentRequest `json:"body"`
	}) (*struct {
		Body domain.Attachment `json:"body"`
	}, error) {
		t, authErr := contributorFromSession(ctx, e, cfg, input.Authorization)
		if authErr != nil {
			return nil, authErr
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		a, err := e.TokenUploadAttachment(ctx, t, engine.UploadOptions{
			DocType:  input.Body.DocType,
			Filename: input.Body.Filename,
			MimeType: input.Body.MimeType,
			Content:  input.Body.Content,
			Metadata: input.Body.Metadata,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Attachment `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "contribute-delete-attachment",
		Method:      http.MethodDelete,
		Path:        "/contribute/attachments/{id}",
		Summary:     "Retract a pending upload as a contributor",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Authorization string `header:"Authorization"`
		ID            string `path:"id"`
	}) (*struct{}, error) {
		t, authErr := contributorFromSession(ctx, e, cfg, input.Authorization)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.TokenDeleteAttachment(ctx, t, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

// contributorFromSession parses the session JWT and re-checks the
// backing token. Revocation between session issue and use must take
// effect immediately.
func contributorFromSession(ctx context.Context, e *engine.Engine, cfg AuthConfig, authorization string) (domain.ContributionToken, huma.StatusError) {
	raw, ok := bearerToken(authorization)
	if !ok || raw == "" {
		return domain.ContributionToken{}, newAPIError(http.StatusUnauthorized, "unauthorized", "session token required", nil)
	}
	tokenID, err := parseSessionToken(cfg, raw)
	if err != nil {
		return domain.ContributionToken{}, newAPIError(http.StatusUnauthorized, "unauthorized", "invalid session token", nil)
	}
	t, err := e.Repo.GetContributionTokenByID(ctx, tokenID)
	if err != nil {
		return domain.ContributionToken{}, newAPIError(http.StatusUnauthorized, "unauthorized", "unknown session token", nil)
	}
	if t.RevokedAt != nil {
		return domain.ContributionToken{}, newAPIError(http.StatusForbidden, "token_unusable", "contribution token revoked", nil)
	}
	if t.ExpiresAt != nil {
		if exp, perr := time.Parse(time.RFC3339, *t.ExpiresAt); perr == nil && time.Now().UTC().After(exp) {
			return domain.ContributionToken{}, newAPIError(http.StatusForbidden, "token_unusable", "contribution token expired", nil)
		}
	}
	return t, nil
}
