package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"envline/internal/audit"
	"envline/internal/domain"
	"envline/internal/repo"
)

// TokenOptions are parameters for issuing a contribution token.
type TokenOptions struct {
	EnvelopeID     string
	Label          string
	RecipientName  string
	RecipientEmail string
	Password       string
	TTLHours       int
	ExpiresAt      string
	Metadata       map[string]any
	Actor          domain.Actor
}

// CreateContributionToken issues an opaque link token bound to one
// envelope. The password, when set, is stored hashed and checked on
// every session exchange.
func (e *Engine) CreateContributionToken(ctx context.Context, opts TokenOptions) (domain.ContributionToken, error) {
	defer e.lockEnvelope(opts.EnvelopeID)()

	env, err := e.Repo.GetEnvelope(ctx, opts.EnvelopeID)
	if err != nil {
		return domain.ContributionToken{}, err
	}
	if domain.IsTerminal(env.Status) {
		return domain.ContributionToken{}, &NotEditableError{Status: env.Status}
	}

	now := e.now()
	t := domain.ContributionToken{
		ID:           uuid.New().String(),
		EnvelopeID:   env.ID,
		Token:        uuid.New().String(),
		Label:        opts.Label,
		MetadataJSON: encodeMap(opts.Metadata),
		CreatedAt:    now.UTC().Format(time.RFC3339),
	}
	t.RecipientName = optionalString(opts.RecipientName)
	t.RecipientEmail = optionalString(opts.RecipientEmail)
	if opts.Password != "" {
		h := repo.HashAPIKey(opts.Password)
		t.PasswordHash = &h
	}
	if opts.Actor.Type == domain.ActorUser {
		t.CreatedBy = optionalString(opts.Actor.ID)
	}
	switch {
	case opts.ExpiresAt != "":
		if _, err := time.Parse(time.RFC3339, opts.ExpiresAt); err != nil {
			return domain.ContributionToken{}, invalidArg("expires_at must be RFC 3339")
		}
		t.ExpiresAt = &opts.ExpiresAt
	case opts.TTLHours > 0:
		exp := now.UTC().Add(time.Duration(opts.TTLHours) * time.Hour).Format(time.RFC3339)
		t.ExpiresAt = &exp
	case e.Config != nil && e.Config.Tokens.TTLHours > 0:
		exp := now.UTC().Add(time.Duration(e.Config.Tokens.TTLHours) * time.Hour).Format(time.RFC3339)
		t.ExpiresAt = &exp
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ContributionToken{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertContributionTokenTx(ctx, tx, t); err != nil {
		return domain.ContributionToken{}, fmt.Errorf("insert contribution token: %w", err)
	}
	after := audit.Snapshot{"token_id": t.ID, "label": t.Label}
	if t.ExpiresAt != nil {
		after["expires_at"] = *t.ExpiresAt
	}
	if err := e.appendAudit(ctx, tx, audit.Entry{
		EnvelopeID: env.ID,
		Action:     domain.ActionTokenCreated,
		Actor:      opts.Actor,
		After:      after,
	}); err != nil {
		return domain.ContributionToken{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ContributionToken{}, err
	}
	return t, nil
}

// RevokeContributionToken invalidates a token immediately.
func (e *Engine) RevokeContributionToken(ctx context.Context, tokenID string, actor domain.Actor) error {
	t, err := e.Repo.GetContributionTokenByID(ctx, tokenID)
	if err != nil {
		return err
	}
	if t.RevokedAt != nil {
		return fmt.Errorf("%w: %s", ErrTokenRevoked, tokenID)
	}
	defer e.lockEnvelope(t.EnvelopeID)()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := e.nowString()
	if err := e.Repo.RevokeContributionTokenTx(ctx, tx, t.ID, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrTokenRevoked, tokenID)
		}
		return err
	}
	if err := e.appendAudit(ctx, tx, audit.Entry{
		EnvelopeID: t.EnvelopeID,
		Action:     domain.ActionTokenRevoked,
		Actor:      actor,
		Metadata:   audit.Snapshot{"token_id": t.ID},
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ListContributionTokens returns every token issued for an envelope,
// revoked and expired ones included.
func (e *Engine) ListContributionTokens(ctx context.Context, envelopeID string) ([]domain.ContributionToken, error) {
	return e.Repo.ListContributionTokens(ctx, envelopeID)
}

// ResolveToken checks a raw token value and optional password and
// returns the token record when it is usable right now.
func (e *Engine) ResolveToken(ctx context.Context, token, password string) (domain.ContributionToken, error) {
	t, err := e.Repo.GetContributionToken(ctx, token)
	if err != nil {
		return t, err
	}
	if t.RevokedAt != nil {
		return t, ErrTokenRevoked
	}
	if t.ExpiresAt != nil {
		exp, err := time.Parse(time.RFC3339, *t.ExpiresAt)
		if err == nil && !e.now().UTC().Before(exp) {
			return t, ErrTokenExpired
		}
	}
	if t.PasswordHash != nil {
		if password == "" || repo.HashAPIKey(password) != *t.PasswordHash {
			return t, ErrTokenPassword
		}
	}
	return t, nil
}

// TokenUpdatePayload merges a contributor patch without schema
// validation; the host validates before settlement, not at intake.
func (e *Engine) TokenUpdatePayload(ctx context.Context, t domain.ContributionToken, patch map[string]any) (domain.Envelope, error) {
	env, err := e.applyPayload(ctx, t.EnvelopeID, patch, domain.TokenActor(t.ID), false)
	if err != nil {
		return env, err
	}
	e.recordTokenUse(ctx, t.ID)
	return env, nil
}

// TokenUploadAttachment uploads on behalf of a contribution token.
func (e *Engine) TokenUploadAttachment(ctx context.Context, t domain.ContributionToken, opts UploadOptions) (domain.Attachment, error) {
	opts.EnvelopeID = t.EnvelopeID
	opts.Actor = domain.TokenActor(t.ID)
	a, err := e.UploadAttachment(ctx, opts)
	if err != nil {
		return a, err
	}
	e.recordTokenUse(ctx, t.ID)
	return a, nil
}

// TokenDeleteAttachment lets a contributor retract an upload that has
// not been reviewed yet. Reviewed attachments are immutable.
func (e *Engine) TokenDeleteAttachment(ctx context.Context, t domain.ContributionToken, attachmentID string) error {
	defer e.lockEnvelope(t.EnvelopeID)()

	env, err := e.Repo.GetEnvelope(ctx, t.EnvelopeID)
	if err != nil {
		return err
	}
	if !domain.CanEdit(env.Status) {
		return &NotEditableError{Status: env.Status}
	}
	a, err := e.Repo.GetAttachment(ctx, attachmentID)
	if err != nil {
		return err
	}
	if a.EnvelopeID != env.ID {
		return repo.ErrNotFound
	}
	if a.ReviewStatus != domain.ReviewPending {
		return invalidArg("attachment already reviewed as %s", a.ReviewStatus)
	}
	d, err := e.loadDriver(env)
	if err != nil {
		return err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.DeleteAttachmentTx(ctx, tx, a.ID); err != nil {
		return err
	}
	if err := e.appendAudit(ctx, tx, audit.Entry{
		EnvelopeID: env.ID,
		Action:     domain.ActionAttachmentDelete,
		Actor:      domain.TokenActor(t.ID),
		Before:     audit.Snapshot{"attachment_id": a.ID, "doc_type": a.DocType, "filename": a.OriginalFilename},
	}); err != nil {
		return err
	}
	if err := e.recompute(ctx, tx, &env, d, true, true); err != nil {
		return err
	}
	env.UpdatedAt = e.nowString()
	if err := e.Repo.UpdateEnvelopeTx(ctx, tx, env); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.discardFile(a.FilePath)
	e.recordTokenUse(ctx, t.ID)
	return nil
}

// TokenView is the contributor-facing projection: no audit trail, no
// other tokens, no internal context.
type TokenView struct {
	Envelope  domain.Envelope        `json:"envelope"`
	Checklist []domain.ChecklistItem `json:"checklist"`
	Files     []domain.Attachment    `json:"attachments"`
	Label     string                 `json:"label,omitempty"`
}

// TokenGet returns the restricted envelope view for a contributor.
func (e *Engine) TokenGet(ctx context.Context, t domain.ContributionToken) (TokenView, error) {
	env, err := e.Repo.GetEnvelope(ctx, t.EnvelopeID)
	if err != nil {
		return TokenView{}, err
	}
	items, err := e.Repo.ListChecklistItems(ctx, env.ID)
	if err != nil {
		return TokenView{}, err
	}
	attachments, err := e.Repo.ListAttachments(ctx, env.ID)
	if err != nil {
		return TokenView{}, err
	}
	env.ContextJSON = ""
	env.GatesJSON = ""
	return TokenView{Envelope: env, Checklist: items, Files: attachments, Label: t.Label}, nil
}

func (e *Engine) recordTokenUse(ctx context.Context, tokenID string) {
	_ = e.Repo.RecordContributionTokenUse(ctx, tokenID, e.nowString())
}
