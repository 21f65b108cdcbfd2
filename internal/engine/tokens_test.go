package engine_test

import (
	"context"
	"errors"
	"testing"

	"envline/internal/domain"
	"envline/internal/engine"
	"envline/internal/repo"
)

func TestContributionTokenLifecycle(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	env := mustCreate(t, eng, "TOK-001", map[string]any{"name": "Acme"})

	tok, err := eng.CreateContributionToken(ctx, engine.TokenOptions{
		EnvelopeID:     env.ID,
		Label:          "supplier upload",
		RecipientEmail: "supplier@example.com",
		TTLHours:       24,
		Actor:          domain.User("alice"),
	})
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	if tok.ExpiresAt == nil {
		t.Fatal("token has no expiry despite ttl")
	}

	got, err := eng.ResolveToken(ctx, tok.Token, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.ID != tok.ID {
		t.Fatalf("resolved %s, want %s", got.ID, tok.ID)
	}

	if err := eng.RevokeContributionToken(ctx, tok.ID, domain.User("alice")); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := eng.ResolveToken(ctx, tok.Token, ""); !errors.Is(err, engine.ErrTokenRevoked) {
		t.Fatalf("resolve after revoke err = %v, want ErrTokenRevoked", err)
	}
	if err := eng.RevokeContributionToken(ctx, tok.ID, domain.User("alice")); !errors.Is(err, engine.ErrTokenRevoked) {
		t.Fatalf("double revoke err = %v, want ErrTokenRevoked", err)
	}

	actions := auditActions(t, eng, env.ID)
	var created, revoked bool
	for _, a := range actions {
		switch a {
		case domain.ActionTokenCreated:
			created = true
		case domain.ActionTokenRevoked:
			revoked = true
		}
	}
	if !created || !revoked {
		t.Fatalf("audit = %v, want token created and revoked entries", actions)
	}
}

func TestContributionTokenPassword(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	env := mustCreate(t, eng, "TOK-002", map[string]any{"name": "Acme"})

	tok, err := eng.CreateContributionToken(ctx, engine.TokenOptions{
		EnvelopeID: env.ID,
		Password:   "hunter2",
		Actor:      domain.User("alice"),
	})
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	if _, err := eng.ResolveToken(ctx, tok.Token, ""); !errors.Is(err, engine.ErrTokenPassword) {
		t.Fatalf("missing password err = %v, want ErrTokenPassword", err)
	}
	if _, err := eng.ResolveToken(ctx, tok.Token, "wrong"); !errors.Is(err, engine.ErrTokenPassword) {
		t.Fatalf("wrong password err = %v, want ErrTokenPassword", err)
	}
	if _, err := eng.ResolveToken(ctx, tok.Token, "hunter2"); err != nil {
		t.Fatalf("correct password rejected: %v", err)
	}
}

func TestContributionTokenExpiry(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	env := mustCreate(t, eng, "TOK-003", map[string]any{"name": "Acme"})

	tok, err := eng.CreateContributionToken(ctx, engine.TokenOptions{
		EnvelopeID: env.ID,
		ExpiresAt:  "2025-06-01T12:00:30Z",
		Actor:      domain.User("alice"),
	})
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	// The test clock ticks past the expiry within a few calls.
	for i := 0; i < 40; i++ {
		eng.Now()
	}
	if _, err := eng.ResolveToken(ctx, tok.Token, ""); !errors.Is(err, engine.ErrTokenExpired) {
		t.Fatalf("expired token err = %v, want ErrTokenExpired", err)
	}
}

func TestTokenContributionFlow(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	env := mustCreate(t, eng, "TOK-004", map[string]any{"name": "Acme"})

	tok, err := eng.CreateContributionToken(ctx, engine.TokenOptions{EnvelopeID: env.ID, Actor: domain.User("alice")})
	if err != nil {
		t.Fatalf("create token: %v", err)
	}

	a, err := eng.TokenUploadAttachment(ctx, tok, engine.UploadOptions{
		DocType: "TEST_DOC", Filename: "doc.pdf",
		MimeType: "application/pdf", Content: []byte("pdf-bytes"),
	})
	if err != nil {
		t.Fatalf("token upload: %v", err)
	}
	if a.UploadedBy == nil || *a.UploadedBy != tok.ID {
		t.Fatalf("uploaded_by = %v, want token id", a.UploadedBy)
	}

	if _, err := eng.TokenUpdatePayload(ctx, tok, map[string]any{"note": "from supplier"}); err != nil {
		t.Fatalf("token patch: %v", err)
	}

	view, err := eng.TokenGet(ctx, tok)
	if err != nil {
		t.Fatalf("token view: %v", err)
	}
	if view.Envelope.ContextJSON != "" || view.Envelope.GatesJSON != "" {
		t.Fatal("token view leaks context or gates")
	}
	if len(view.Files) != 1 {
		t.Fatalf("token view attachments = %d, want 1", len(view.Files))
	}

	stored, err := eng.Repo.GetContributionTokenByID(ctx, tok.ID)
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if stored.UseCount < 2 {
		t.Fatalf("use_count = %d, want at least 2", stored.UseCount)
	}
	if stored.LastUsedAt == nil {
		t.Fatal("last_used_at not set")
	}

	// A pending upload can be retracted by its contributor.
	if err := eng.TokenDeleteAttachment(ctx, tok, a.ID); err != nil {
		t.Fatalf("token delete: %v", err)
	}
	if _, err := eng.Repo.GetAttachment(ctx, a.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("deleted attachment err = %v, want ErrNotFound", err)
	}
}

func TestTokenCannotRetractReviewedAttachment(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	env := mustCreate(t, eng, "TOK-005", map[string]any{"name": "Acme"})

	tok, err := eng.CreateContributionToken(ctx, engine.TokenOptions{EnvelopeID: env.ID, Actor: domain.User("alice")})
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	a, err := eng.TokenUploadAttachment(ctx, tok, engine.UploadOptions{
		DocType: "TEST_DOC", Filename: "doc.pdf",
		MimeType: "application/pdf", Content: []byte("pdf-bytes"),
	})
	if err != nil {
		t.Fatalf("token upload: %v", err)
	}
	if _, err := eng.ReviewAttachment(ctx, a.ID, domain.ReviewAccepted, "", domain.User("carol")); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := eng.TokenDeleteAttachment(ctx, tok, a.ID); err == nil {
		t.Fatal("retracting a reviewed attachment succeeded")
	}
}

func TestTokenOnTerminalEnvelope(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	env := mustCreate(t, eng, "TOK-006", map[string]any{"name": "Acme"})

	if _, err := eng.Cancel(ctx, env.ID, "abandoned", domain.User("alice")); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := eng.CreateContributionToken(ctx, engine.TokenOptions{EnvelopeID: env.ID, Actor: domain.User("alice")}); err == nil {
		t.Fatal("token created for a terminal envelope")
	}
}
