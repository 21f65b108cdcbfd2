package server

import (
	"envline/internal/domain"
	"envline/internal/engine"
)

// Request payloads

type CreateEnvelopeRequest struct {
	ReferenceCode string         `json:"reference_code"`
	ReferenceType string         `json:"reference_type,omitempty"`
	ReferenceID   string         `json:"reference_id,omitempty"`
	Driver        string         `json:"driver"`
	Payload       map[string]any `json:"payload,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
}

type PatchPayloadRequest struct {
	Patch map[string]any `json:"patch"`
}

type PatchContextRequest struct {
	Patch map[string]any `json:"patch"`
}

type UploadAttachmentRequest struct {
	DocType  string         `json:"doc_type"`
	Filename string         `json:"filename"`
	MimeType string         `json:"mime_type,omitempty"`
	Content  []byte         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type ReviewAttachmentRequest struct {
	Decision string `json:"decision" enum:"accepted,rejected"`
	Reason   string `json:"reason,omitempty"`
}

type SetSignalRequest struct {
	Value any `json:"value"`
}

type AttestRequest struct {
	Key      string `json:"key"`
	Accepted bool   `json:"accepted"`
}

type ReasonRequest struct {
	Reason string `json:"reason"`
}

type CreateTokenRequest struct {
	Label          string         `json:"label,omitempty"`
	RecipientName  string         `json:"recipient_name,omitempty"`
	RecipientEmail string         `json:"recipient_email,omitempty"`
	Password       string         `json:"password,omitempty"`
	TTLHours       int            `json:"ttl_hours,omitempty"`
	ExpiresAt      string         `json:"expires_at,omitempty" format:"date-time"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type ContributeSessionRequest struct {
	Token    string `json:"token"`
	Password string `json:"password,omitempty"`
}

type SessionResponse struct {
	SessionToken string `json:"session_token"`
	EnvelopeID   string `json:"envelope_id"`
	ExpiresAt    string `json:"expires_at" format:"date-time"`
}

// Response payloads

type EnvelopeResponse struct {
	ID             string               `json:"id"`
	ReferenceCode  string               `json:"reference_code"`
	ReferenceType  *string              `json:"reference_type,omitempty"`
	ReferenceID    *string              `json:"reference_id,omitempty"`
	Driver         string               `json:"driver"`
	Status         string               `json:"status"`
	Payload        map[string]any       `json:"payload,omitempty"`
	PayloadVersion int                  `json:"payload_version"`
	Context        map[string]any       `json:"context,omitempty"`
	Gates          map[string]bool      `json:"gates"`
	Helpers        domain.StatusHelpers `json:"helpers"`
	LockedAt       *string              `json:"locked_at,omitempty" format:"date-time"`
	SettledAt      *string              `json:"settled_at,omitempty" format:"date-time"`
	CancelledAt    *string              `json:"cancelled_at,omitempty" format:"date-time"`
	RejectedAt     *string              `json:"rejected_at,omitempty" format:"date-time"`
	CreatedAt      string               `json:"created_at" format:"date-time"`
	UpdatedAt      string               `json:"updated_at" format:"date-time"`
}

type EnvelopeDetailResponse struct {
	EnvelopeResponse
	Checklist   []domain.ChecklistItem `json:"checklist"`
	Signals     []domain.Signal        `json:"signals"`
	Attachments []domain.Attachment    `json:"attachments"`
	Audit       []domain.AuditLog      `json:"audit"`
}

type TokenResponse struct {
	ID             string  `json:"id"`
	EnvelopeID     string  `json:"envelope_id"`
	Token          string  `json:"token,omitempty"`
	Label          string  `json:"label,omitempty"`
	RecipientName  *string `json:"recipient_name,omitempty"`
	RecipientEmail *string `json:"recipient_email,omitempty"`
	HasPassword    bool    `json:"has_password"`
	ExpiresAt      *string `json:"expires_at,omitempty" format:"date-time"`
	RevokedAt      *string `json:"revoked_at,omitempty" format:"date-time"`
	LastUsedAt     *string `json:"last_used_at,omitempty" format:"date-time"`
	UseCount       int     `json:"use_count"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

type ContributeViewResponse struct {
	ReferenceCode string                 `json:"reference_code"`
	Status        string                 `json:"status"`
	CanEdit       bool                   `json:"can_edit"`
	Label         string                 `json:"label,omitempty"`
	Payload       map[string]any         `json:"payload,omitempty"`
	Checklist     []domain.ChecklistItem `json:"checklist"`
	Attachments   []domain.Attachment    `json:"attachments"`
}

type paginatedEnvelopes struct {
	Items      []EnvelopeResponse `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

func envelopeResponse(e domain.Envelope) EnvelopeResponse {
	return EnvelopeResponse{
		ID:             e.ID,
		ReferenceCode:  e.ReferenceCode,
		ReferenceType:  e.ReferenceType,
		ReferenceID:    e.ReferenceID,
		Driver:         e.DriverID + "@" + e.DriverVersion,
		Status:         e.Status,
		Payload:        decodeJSONMap(e.PayloadJSON),
		PayloadVersion: e.PayloadVersion,
		Context:        decodeJSONMap(e.ContextJSON),
		Gates:          decodeGatesMap(e.GatesJSON),
		Helpers:        domain.Helpers(e),
		LockedAt:       e.LockedAt,
		SettledAt:      e.SettledAt,
		CancelledAt:    e.CancelledAt,
		RejectedAt:     e.RejectedAt,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}
}

func detailResponse(d engine.Detail) EnvelopeDetailResponse {
	resp := EnvelopeDetailResponse{
		EnvelopeResponse: envelopeResponse(d.Envelope),
		Checklist:        d.Checklist,
		Signals:          d.Signals,
		Attachments:      d.Files,
		Audit:            d.Audit,
	}
	resp.Gates = d.Gates
	return resp
}

func tokenResponse(t domain.ContributionToken, includeSecret bool) TokenResponse {
	resp := TokenResponse{
		ID:             t.ID,
		EnvelopeID:     t.EnvelopeID,
		Label:          t.Label,
		RecipientName:  t.RecipientName,
		RecipientEmail: t.RecipientEmail,
		HasPassword:    t.PasswordHash != nil,
		ExpiresAt:      t.ExpiresAt,
		RevokedAt:      t.RevokedAt,
		LastUsedAt:     t.LastUsedAt,
		UseCount:       t.UseCount,
		CreatedAt:      t.CreatedAt,
	}
	if includeSecret {
		resp.Token = t.Token
	}
	return resp
}

func contributeViewResponse(v engine.TokenView) ContributeViewResponse {
	return ContributeViewResponse{
		ReferenceCode: v.Envelope.ReferenceCode,
		Status:        v.Envelope.Status,
		CanEdit:       domain.CanEdit(v.Envelope.Status),
		Label:         v.Label,
		Payload:       decodeJSONMap(v.Envelope.PayloadJSON),
		Checklist:     v.Checklist,
		Attachments:   v.Files,
	}
}

func mapEnvelopes(items []domain.Envelope) []EnvelopeResponse {
	out := make([]EnvelopeResponse, 0, len(items))
	for _, e := range items {
		out = append(out, envelopeResponse(e))
	}
	return out
}
