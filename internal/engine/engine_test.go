package engine_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"envline/internal/config"
	"envline/internal/db"
	"envline/internal/domain"
	"envline/internal/driver"
	"envline/internal/engine"
	"envline/internal/migrate"
	"envline/internal/repo"
	"envline/internal/storage"
)

const testDriverYAML = `driver:
  id: simple.test
  version: 1.0.0
  title: Simple Test Driver
payload:
  schema:
    format: json-schema
    inline:
      type: object
      properties:
        name:
          type: string
      required: [name]
documents:
  registry:
    - type: TEST_DOC
      title: Test Document
      allowed_mimes: [application/pdf]
      max_size_mb: 10
checklist:
  template:
    - key: name_provided
      label: Name provided
      kind: payload_field
      payload_pointer: /name
      required: true
    - key: test_doc
      label: Test document
      kind: document
      doc_type: TEST_DOC
      required: true
      review: required
    - key: approved_signal
      label: Approval granted
      kind: signal
      signal_key: approved
      required: true
signals:
  definitions:
    - key: approved
      type: boolean
      source: host
      default: false
      required: true
gates:
  definitions:
    - key: settleable
      rule: "checklist.required_accepted && !signal._blocking"
    - key: payload_valid
      rule: "payload.valid"
`

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	ws := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: ws})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	driversDir := filepath.Join(ws, ".envline", "drivers")
	if err := os.MkdirAll(driversDir, 0o755); err != nil {
		t.Fatalf("mkdir drivers: %v", err)
	}
	if err := os.WriteFile(filepath.Join(driversDir, "simple.test.yaml"), []byte(testDriverYAML), 0o644); err != nil {
		t.Fatalf("write driver: %v", err)
	}
	files, err := storage.NewLocal(filepath.Join(ws, ".envline", "files"))
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	eng := engine.New(conn, config.Default(), driver.NewRegistry(driversDir), files)
	eng.Now = testClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return eng
}

// testClock ticks one second per call so rows get distinct, ordered
// timestamps.
func testClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func mustCreate(t *testing.T, eng *engine.Engine, ref string, payload map[string]any) domain.Envelope {
	t.Helper()
	env, err := eng.Create(context.Background(), engine.CreateOptions{
		ReferenceCode: ref,
		ReferenceType: "invoice",
		ReferenceID:   "inv-1",
		DriverID:      "simple.test",
		Payload:       payload,
		Actor:         domain.User("alice"),
	})
	if err != nil {
		t.Fatalf("create envelope: %v", err)
	}
	return env
}

func itemStatus(t *testing.T, eng *engine.Engine, envelopeID, key string) string {
	t.Helper()
	items, err := eng.Repo.ListChecklistItems(context.Background(), envelopeID)
	if err != nil {
		t.Fatalf("list checklist: %v", err)
	}
	for _, item := range items {
		if item.Key == key {
			return item.Status
		}
	}
	t.Fatalf("checklist item %s not found", key)
	return ""
}

func auditActions(t *testing.T, eng *engine.Engine, envelopeID string) []string {
	t.Helper()
	logs, err := eng.Repo.ListAuditLogs(context.Background(), envelopeID, repo.AuditFilters{})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	actions := make([]string, len(logs))
	for i, l := range logs {
		actions[i] = l.Action
	}
	return actions
}

func TestCreateEnvelope(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	env := mustCreate(t, eng, "SET-001", map[string]any{"name": "Acme"})
	if env.Status != domain.StatusDraft {
		t.Fatalf("status = %s, want draft", env.Status)
	}
	if env.PayloadVersion != 1 {
		t.Fatalf("payload_version = %d, want 1", env.PayloadVersion)
	}
	if got := itemStatus(t, eng, env.ID, "name_provided"); got != domain.ItemAccepted {
		t.Fatalf("name_provided = %s, want accepted", got)
	}
	if got := itemStatus(t, eng, env.ID, "test_doc"); got != domain.ItemMissing {
		t.Fatalf("test_doc = %s, want missing", got)
	}
	signals, err := eng.Repo.ListSignals(ctx, env.ID)
	if err != nil {
		t.Fatalf("list signals: %v", err)
	}
	if len(signals) != 1 || signals[0].Key != "approved" {
		t.Fatalf("signals = %+v, want one approved signal", signals)
	}
	actions := auditActions(t, eng, env.ID)
	if len(actions) != 1 || actions[0] != domain.ActionEnvelopeCreated {
		t.Fatalf("audit = %v, want [envelope_created]", actions)
	}

	if _, err := eng.Create(ctx, engine.CreateOptions{ReferenceCode: "SET-001", DriverID: "simple.test"}); !errors.Is(err, engine.ErrReferenceExists) {
		t.Fatalf("duplicate reference err = %v, want ErrReferenceExists", err)
	}
}

func TestCreateWithoutPayloadStartsAtVersionZero(t *testing.T) {
	eng := newTestEngine(t)

	env := mustCreate(t, eng, "SET-002", nil)
	if env.PayloadVersion != 0 {
		t.Fatalf("payload_version = %d, want 0", env.PayloadVersion)
	}
	if got := itemStatus(t, eng, env.ID, "name_provided"); got != domain.ItemMissing {
		t.Fatalf("name_provided = %s, want missing", got)
	}
}

func TestCreateRejectsInvalidPayload(t *testing.T) {
	eng := newTestEngine(t)

	_, err := eng.Create(context.Background(), engine.CreateOptions{
		ReferenceCode: "SET-003",
		DriverID:      "simple.test",
		Payload:       map[string]any{"name": 42},
		Actor:         domain.User("alice"),
	})
	var verr *engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestPayloadPatchIncrementsVersion(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	env := mustCreate(t, eng, "SET-010", map[string]any{"name": "Acme"})
	env, err := eng.UpdatePayload(ctx, env.ID, map[string]any{"amount": float64(100)}, domain.User("alice"))
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if env.PayloadVersion != 2 {
		t.Fatalf("payload_version = %d, want 2", env.PayloadVersion)
	}
	if env.Status != domain.StatusInProgress {
		t.Fatalf("status = %s, want in_progress", env.Status)
	}
	env, err = eng.UpdatePayload(ctx, env.ID, map[string]any{"amount": float64(200)}, domain.User("alice"))
	if err != nil {
		t.Fatalf("second patch: %v", err)
	}
	if env.PayloadVersion != 3 {
		t.Fatalf("payload_version = %d, want 3", env.PayloadVersion)
	}

	_, err = eng.UpdatePayload(ctx, env.ID, map[string]any{"name": false}, domain.User("alice"))
	var verr *engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("invalid patch err = %v, want ValidationError", err)
	}
	got, err := eng.Repo.GetEnvelope(ctx, env.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PayloadVersion != 3 {
		t.Fatalf("rejected patch bumped version to %d", got.PayloadVersion)
	}
}

func TestUploadValidation(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	env := mustCreate(t, eng, "SET-020", map[string]any{"name": "Acme"})

	_, err := eng.UploadAttachment(ctx, engine.UploadOptions{
		EnvelopeID: env.ID, DocType: "UNKNOWN", Filename: "a.pdf",
		MimeType: "application/pdf", Content: []byte("x"), Actor: domain.User("alice"),
	})
	var derr *engine.DocumentTypeNotAllowedError
	if !errors.As(err, &derr) {
		t.Fatalf("unknown doc type err = %v", err)
	}

	_, err = eng.UploadAttachment(ctx, engine.UploadOptions{
		EnvelopeID: env.ID, DocType: "TEST_DOC", Filename: "a.png",
		MimeType: "image/png", Content: []byte("x"), Actor: domain.User("alice"),
	})
	if !errors.As(err, &derr) {
		t.Fatalf("bad mime err = %v", err)
	}

	big := make([]byte, 11*1024*1024)
	_, err = eng.UploadAttachment(ctx, engine.UploadOptions{
		EnvelopeID: env.ID, DocType: "TEST_DOC", Filename: "a.pdf",
		MimeType: "application/pdf", Content: big, Actor: domain.User("alice"),
	})
	var ierr *engine.InvalidArgumentError
	if !errors.As(err, &ierr) {
		t.Fatalf("oversize err = %v", err)
	}
}

func TestDocumentReviewDrivesChecklist(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	env := mustCreate(t, eng, "SET-030", map[string]any{"name": "Acme"})

	a, err := eng.UploadAttachment(ctx, engine.UploadOptions{
		EnvelopeID: env.ID, DocType: "TEST_DOC", Filename: "contract.pdf",
		MimeType: "application/pdf", Content: []byte("pdf-bytes"), Actor: domain.User("bob"),
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if got := itemStatus(t, eng, env.ID, "test_doc"); got != domain.ItemNeedsReview {
		t.Fatalf("test_doc = %s, want needs_review", got)
	}

	if _, err := eng.ReviewAttachment(ctx, a.ID, domain.ReviewRejected, "", domain.User("carol")); err == nil {
		t.Fatal("rejection without reason succeeded")
	}
	if _, err := eng.ReviewAttachment(ctx, a.ID, domain.ReviewRejected, "illegible scan", domain.User("carol")); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if got := itemStatus(t, eng, env.ID, "test_doc"); got != domain.ItemRejected {
		t.Fatalf("test_doc = %s, want rejected", got)
	}
	if _, err := eng.ReviewAttachment(ctx, a.ID, domain.ReviewAccepted, "", domain.User("carol")); err == nil {
		t.Fatal("second review on same attachment succeeded")
	}

	b, err := eng.UploadAttachment(ctx, engine.UploadOptions{
		EnvelopeID: env.ID, DocType: "TEST_DOC", Filename: "contract-v2.pdf",
		MimeType: "application/pdf", Content: []byte("better-pdf-bytes"), Actor: domain.User("bob"),
	})
	if err != nil {
		t.Fatalf("re-upload: %v", err)
	}
	if got := itemStatus(t, eng, env.ID, "test_doc"); got != domain.ItemNeedsReview {
		t.Fatalf("after re-upload test_doc = %s, want needs_review", got)
	}
	if _, err := eng.ReviewAttachment(ctx, b.ID, domain.ReviewAccepted, "", domain.User("carol")); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if got := itemStatus(t, eng, env.ID, "test_doc"); got != domain.ItemAccepted {
		t.Fatalf("test_doc = %s, want accepted", got)
	}
}

func TestSignalValidation(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	env := mustCreate(t, eng, "SET-040", map[string]any{"name": "Acme"})

	if _, err := eng.SetSignal(ctx, env.ID, "undeclared", true, domain.User("alice")); err == nil {
		t.Fatal("undeclared signal accepted")
	}
	if _, err := eng.SetSignal(ctx, env.ID, "approved", "yes", domain.User("alice")); err == nil {
		t.Fatal("string value accepted for boolean signal")
	}
	if _, err := eng.SetSignal(ctx, env.ID, "approved", true, domain.User("alice")); err != nil {
		t.Fatalf("set signal: %v", err)
	}
	if got := itemStatus(t, eng, env.ID, "approved_signal"); got != domain.ItemAccepted {
		t.Fatalf("approved_signal = %s, want accepted", got)
	}
}

func settleReady(t *testing.T, eng *engine.Engine) domain.Envelope {
	t.Helper()
	ctx := context.Background()
	env := mustCreate(t, eng, "SET-100", map[string]any{"name": "Acme"})

	a, err := eng.UploadAttachment(ctx, engine.UploadOptions{
		EnvelopeID: env.ID, DocType: "TEST_DOC", Filename: "contract.pdf",
		MimeType: "application/pdf", Content: []byte("pdf-bytes"), Actor: domain.User("bob"),
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, err := eng.SetSignal(ctx, env.ID, "approved", true, domain.User("alice")); err != nil {
		t.Fatalf("set signal: %v", err)
	}
	if _, err := eng.ReviewAttachment(ctx, a.ID, domain.ReviewAccepted, "", domain.User("carol")); err != nil {
		t.Fatalf("accept: %v", err)
	}
	env, err = eng.Repo.GetEnvelope(ctx, env.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if env.Status != domain.StatusReadyToSettle {
		t.Fatalf("status = %s, want ready_to_settle", env.Status)
	}
	return env
}

func TestFullSettlementFlow(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	env := settleReady(t, eng)

	if _, err := eng.Settle(ctx, env.ID, domain.User("alice")); err == nil {
		t.Fatal("settle before lock succeeded")
	}
	env, err := eng.Lock(ctx, env.ID, domain.User("alice"))
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if env.Status != domain.StatusLocked || env.LockedAt == nil {
		t.Fatalf("after lock: status=%s locked_at=%v", env.Status, env.LockedAt)
	}
	if _, err := eng.UpdatePayload(ctx, env.ID, map[string]any{"amount": float64(1)}, domain.User("alice")); err == nil {
		t.Fatal("payload patch on locked envelope succeeded")
	}
	env, err = eng.Settle(ctx, env.ID, domain.User("alice"))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if env.Status != domain.StatusSettled || env.SettledAt == nil {
		t.Fatalf("after settle: status=%s settled_at=%v", env.Status, env.SettledAt)
	}

	if _, err := eng.UpdatePayload(ctx, env.ID, map[string]any{"x": true}, domain.User("alice")); err == nil {
		t.Fatal("mutation on settled envelope succeeded")
	}
	if _, err := eng.Cancel(ctx, env.ID, "too late", domain.User("alice")); err == nil {
		t.Fatal("cancel on settled envelope succeeded")
	}

	actions := auditActions(t, eng, env.ID)
	want := map[string]bool{
		domain.ActionEnvelopeCreated: false,
		domain.ActionEnvelopeLocked:  false,
		domain.ActionEnvelopeSettled: false,
		domain.ActionStatusChange:    false,
	}
	for _, a := range actions {
		if _, ok := want[a]; ok {
			want[a] = true
		}
	}
	for a, seen := range want {
		if !seen {
			t.Fatalf("audit trail missing %s (got %v)", a, actions)
		}
	}
}

func TestLockRefusedWhenGateRegresses(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	env := settleReady(t, eng)

	// Withdrawing approval flips the blocking signal back on.
	env, err := eng.SetSignal(ctx, env.ID, "approved", false, domain.User("alice"))
	if err != nil {
		t.Fatalf("unset signal: %v", err)
	}
	if env.Status != domain.StatusReadyForReview {
		t.Fatalf("status = %s, want ready_for_review", env.Status)
	}
	var serr *engine.NotSettleableError
	if _, err := eng.Lock(ctx, env.ID, domain.User("alice")); !errors.As(err, &serr) {
		t.Fatalf("lock err = %v, want NotSettleableError", err)
	}
}

func TestReopen(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	env := settleReady(t, eng)

	env, err := eng.Lock(ctx, env.ID, domain.User("alice"))
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := eng.Reopen(ctx, env.ID, "", domain.User("alice")); err == nil {
		t.Fatal("reopen without reason succeeded")
	}
	env, err = eng.Reopen(ctx, env.ID, "amount changed", domain.User("alice"))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if env.Status != domain.StatusReopened || env.LockedAt != nil {
		t.Fatalf("after reopen: status=%s locked_at=%v", env.Status, env.LockedAt)
	}

	// The next mutation pulls the envelope back through the machine.
	env, err = eng.UpdatePayload(ctx, env.ID, map[string]any{"amount": float64(5)}, domain.User("alice"))
	if err != nil {
		t.Fatalf("patch after reopen: %v", err)
	}
	if env.Status != domain.StatusReadyToSettle {
		t.Fatalf("status = %s, want ready_to_settle", env.Status)
	}
}

func TestCancelAndReject(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	env := mustCreate(t, eng, "SET-050", map[string]any{"name": "Acme"})
	if _, err := eng.Cancel(ctx, env.ID, "", domain.User("alice")); err == nil {
		t.Fatal("cancel without reason succeeded")
	}
	env, err := eng.Cancel(ctx, env.ID, "duplicate entry", domain.User("alice"))
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if env.Status != domain.StatusCancelled || env.CancelledAt == nil {
		t.Fatalf("after cancel: status=%s cancelled_at=%v", env.Status, env.CancelledAt)
	}

	other := mustCreate(t, eng, "SET-051", map[string]any{"name": "Acme"})
	other, err = eng.Reject(ctx, other.ID, "failed compliance", domain.User("carol"))
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if other.Status != domain.StatusRejected || other.RejectedAt == nil {
		t.Fatalf("after reject: status=%s rejected_at=%v", other.Status, other.RejectedAt)
	}
}

func TestAutoTransitionsAreAudited(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	env := settleReady(t, eng)

	logs, err := eng.Repo.ListAuditLogs(ctx, env.ID, repo.AuditFilters{Action: domain.ActionStatusChange})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	// draft->in_progress, in_progress->ready_for_review,
	// ready_for_review->ready_to_settle.
	if len(logs) != 3 {
		t.Fatalf("status_change rows = %d, want 3", len(logs))
	}
	for _, l := range logs {
		if l.ActorType != domain.ActorSystem {
			t.Fatalf("status_change actor = %s, want system", l.ActorType)
		}
	}
}

func TestComputeGates(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	env := mustCreate(t, eng, "SET-060", map[string]any{"name": "Acme"})

	gates, err := eng.ComputeGates(ctx, env.ID)
	if err != nil {
		t.Fatalf("compute gates: %v", err)
	}
	if gates["settleable"] {
		t.Fatal("settleable true on a fresh draft")
	}
	if !gates["payload_valid"] {
		t.Fatal("payload_valid false with a conforming payload")
	}
}

func TestUpdateContextAffectsGates(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	env := mustCreate(t, eng, "SET-070", map[string]any{"name": "Acme"})

	env, err := eng.UpdateContext(ctx, env.ID, map[string]any{"region": "eu"}, domain.User("alice"))
	if err != nil {
		t.Fatalf("update context: %v", err)
	}
	// Context updates never activate a draft.
	if env.Status != domain.StatusDraft {
		t.Fatalf("status = %s, want draft", env.Status)
	}
	detail, err := eng.Get(ctx, env.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if detail.Envelope.ContextJSON == "" {
		t.Fatal("context not persisted")
	}
}

func TestGetDetail(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	env := mustCreate(t, eng, "SET-080", map[string]any{"name": "Acme"})

	detail, err := eng.Get(ctx, env.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(detail.Checklist) != 3 {
		t.Fatalf("checklist items = %d, want 3", len(detail.Checklist))
	}
	if len(detail.Signals) != 1 {
		t.Fatalf("signals = %d, want 1", len(detail.Signals))
	}
	if !detail.Helpers.CanEdit || detail.Helpers.IsTerminal {
		t.Fatalf("helpers = %+v", detail.Helpers)
	}

	byRef, err := eng.GetByReference(ctx, "SET-080")
	if err != nil {
		t.Fatalf("get by reference: %v", err)
	}
	if byRef.Envelope.ID != env.ID {
		t.Fatalf("by reference resolved %s, want %s", byRef.Envelope.ID, env.ID)
	}
}

func TestPayloadFieldRegression(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	env := settleReady(t, eng)

	// The contributor path skips schema validation, so the required name
	// can be nulled out; the checklist and status must regress.
	tok, err := eng.CreateContributionToken(ctx, engine.TokenOptions{EnvelopeID: env.ID, Label: "supplier", Actor: domain.User("alice")})
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	env, err = eng.TokenUpdatePayload(ctx, tok, map[string]any{"name": nil})
	if err != nil {
		t.Fatalf("token patch: %v", err)
	}
	if got := itemStatus(t, eng, env.ID, "name_provided"); got != domain.ItemMissing {
		t.Fatalf("name_provided = %s, want missing", got)
	}
	if env.Status != domain.StatusInProgress {
		t.Fatalf("status = %s, want in_progress", env.Status)
	}
}
