package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"

	"envline/internal/audit"
	"envline/internal/config"
	"envline/internal/domain"
	"envline/internal/driver"
	"envline/internal/payload"
	"envline/internal/repo"
	"envline/internal/storage"
)

// autoAdvanceLimit bounds the status auto-advance loop per mutation.
const autoAdvanceLimit = 10

// Engine orchestrates every envelope mutation. It is the only writer of
// status, gate cache and derived checklist status.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Audit   audit.Writer
	Drivers *driver.Registry
	Files   storage.Store
	Config  *config.Config
	Now     func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(db *sql.DB, cfg *config.Config, drivers *driver.Registry, files storage.Store) *Engine {
	return &Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Audit:   audit.Writer{},
		Drivers: drivers,
		Files:   files,
		Config:  cfg,
		Now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

// lockEnvelope serializes mutations per envelope. Reads stay lock-free.
func (e *Engine) lockEnvelope(id string) func() {
	e.mu.Lock()
	if e.locks == nil {
		e.locks = make(map[string]*sync.Mutex)
	}
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (e *Engine) loadDriver(env domain.Envelope) (*driver.Driver, error) {
	return e.Drivers.Load(env.DriverID, env.DriverVersion)
}

// CreateOptions are parameters for creating an envelope.
type CreateOptions struct {
	ReferenceCode string
	ReferenceType string
	ReferenceID   string
	DriverID      string
	DriverVersion string
	Payload       map[string]any
	Context       map[string]any
	Actor         domain.Actor
}

// Create builds an envelope from a driver: checklist and signals are
// seeded, initial gates computed, one envelope_created audit row written.
func (e *Engine) Create(ctx context.Context, opts CreateOptions) (domain.Envelope, error) {
	if opts.ReferenceCode == "" {
		return domain.Envelope{}, invalidArg("reference code is required")
	}
	if opts.DriverID == "" {
		return domain.Envelope{}, invalidArg("driver is required")
	}
	d, err := e.Drivers.Load(opts.DriverID, opts.DriverVersion)
	if err != nil {
		return domain.Envelope{}, err
	}
	if _, err := e.Repo.GetEnvelopeByReference(ctx, opts.ReferenceCode); err == nil {
		return domain.Envelope{}, fmt.Errorf("%w: %s", ErrReferenceExists, opts.ReferenceCode)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Envelope{}, err
	}
	if len(opts.Payload) > 0 && d.PayloadSchema != "" {
		issues, err := payload.ValidateSchema(d.PayloadSchema, opts.Payload)
		if err != nil {
			return domain.Envelope{}, err
		}
		if len(issues) > 0 {
			return domain.Envelope{}, &ValidationError{Issues: issues}
		}
	}

	now := e.nowString()
	env := domain.Envelope{
		ID:            uuid.New().String(),
		ReferenceCode: opts.ReferenceCode,
		ReferenceType: optionalString(opts.ReferenceType),
		ReferenceID:   optionalString(opts.ReferenceID),
		DriverID:      d.ID,
		DriverVersion: d.Version,
		Status:        domain.StatusDraft,
		PayloadJSON:   encodeMap(opts.Payload),
		ContextJSON:   encodeMap(opts.Context),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if len(opts.Payload) > 0 {
		env.PayloadVersion = 1
	}
	if opts.Actor.Type == domain.ActorUser {
		env.CreatedBy = optionalString(opts.Actor.ID)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Envelope{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertEnvelopeTx(ctx, tx, env); err != nil {
		return domain.Envelope{}, fmt.Errorf("insert envelope: %w", err)
	}
	items := make([]domain.ChecklistItem, 0, len(d.Checklist))
	for i, tpl := range d.Checklist {
		item := domain.ChecklistItem{
			ID:              uuid.New().String(),
			EnvelopeID:      env.ID,
			Key:             tpl.Key,
			Label:           tpl.Label,
			Kind:            tpl.Kind,
			DocType:         optionalString(tpl.DocType),
			PayloadPointer:  optionalString(tpl.PayloadPointer),
			SignalKey:       optionalString(tpl.SignalKey),
			AttestationType: optionalString(tpl.AttestationType),
			Required:        tpl.Required,
			ReviewMode:      tpl.Review,
			Status:          domain.ItemMissing,
			Position:        i,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if tpl.Kind == domain.KindPayloadField && payload.Present(anyMap(opts.Payload), tpl.PayloadPointer) {
			item.Status = domain.ItemAccepted
		}
		if err := e.Repo.InsertChecklistItemTx(ctx, tx, item); err != nil {
			return domain.Envelope{}, fmt.Errorf("insert checklist item %s: %w", tpl.Key, err)
		}
		items = append(items, item)
	}
	signals := make([]domain.Signal, 0, len(d.Signals))
	for _, def := range d.Signals {
		s := domain.Signal{
			ID:         uuid.New().String(),
			EnvelopeID: env.ID,
			Key:        def.Key,
			Type:       def.Type,
			Source:     def.Source,
			ValueJSON:  encodeValue(def.Default),
			Required:   def.Required,
			UpdatedAt:  now,
		}
		if err := e.Repo.InsertSignalTx(ctx, tx, s); err != nil {
			return domain.Envelope{}, fmt.Errorf("insert signal %s: %w", def.Key, err)
		}
		signals = append(signals, s)
	}

	valid, err := e.payloadValid(d, env.PayloadJSON)
	if err != nil {
		return domain.Envelope{}, err
	}
	gates, _ := evaluate(env, d, items, signals, valid)
	env.GatesJSON = encodeGates(gates)
	if err := e.Repo.UpdateEnvelopeTx(ctx, tx, env); err != nil {
		return domain.Envelope{}, err
	}

	if err := e.appendAudit(ctx, tx, audit.Entry{
		EnvelopeID: env.ID,
		Action:     domain.ActionEnvelopeCreated,
		Actor:      opts.Actor,
		After: audit.Snapshot{
			"status":          env.Status,
			"driver":          d.Ref(),
			"payload_version": env.PayloadVersion,
		},
	}); err != nil {
		return domain.Envelope{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Envelope{}, err
	}
	return env, nil
}

// UpdatePayload merges a patch into the payload on the authenticated
// path, with schema validation.
func (e *Engine) UpdatePayload(ctx context.Context, envelopeID string, patch map[string]any, actor domain.Actor) (domain.Envelope, error) {
	return e.applyPayload(ctx, envelopeID, patch, actor, true)
}

func (e *Engine) applyPayload(ctx context.Context, envelopeID string, patch map[string]any, actor domain.Actor, validate bool) (domain.Envelope, error) {
	if len(patch) == 0 {
		return domain.Envelope{}, invalidArg("payload patch is empty")
	}
	defer e.lockEnvelope(envelopeID)()

	env, err := e.Repo.GetEnvelope(ctx, envelopeID)
	if err != nil {
		return env, err
	}
	if !domain.CanEdit(env.Status) {
		return env, &NotEditableError{Status: env.Status}
	}
	d, err := e.loadDriver(env)
	if err != nil {
		return env, err
	}
	before := decodeMap(env.PayloadJSON)
	merged := payload.MergePatch(before, patch)
	if validate && d.PayloadSchema != "" {
		issues, err := payload.ValidateSchema(d.PayloadSchema, merged)
		if err != nil {
			return env, err
		}
		if len(issues) > 0 {
			return env, &ValidationError{Issues: issues}
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return env, err
	}
	defer tx.Rollback()

	env.PayloadJSON = encodeMap(merged)
	env.PayloadVersion++
	if err := e.appendAudit(ctx, tx, audit.Entry{
		EnvelopeID: env.ID,
		Action:     domain.ActionPayloadPatch,
		Actor:      actor,
		Before:     audit.Snapshot{"payload": before, "payload_version": env.PayloadVersion - 1},
		After:      audit.Snapshot{"payload": merged, "payload_version": env.PayloadVersion},
		Metadata:   audit.Snapshot{"diff": payload.Diff(before, merged), "validated": validate},
	}); err != nil {
		return env, err
	}
	if err := e.recompute(ctx, tx, &env, d, true, true); err != nil {
		return env, err
	}
	env.UpdatedAt = e.nowString()
	if err := e.Repo.UpdateEnvelopeTx(ctx, tx, env); err != nil {
		return env, err
	}
	if err := tx.Commit(); err != nil {
		return env, err
	}
	return env, nil
}

// UploadOptions are parameters for attaching a file.
type UploadOptions struct {
	EnvelopeID string
	DocType    string
	Filename   string
	MimeType   string
	Content    []byte
	Metadata   map[string]any
	Actor      domain.Actor
}

// UploadAttachment validates the file against the driver's document
// registry, stores it, and records the attachment as pending review.
func (e *Engine) UploadAttachment(ctx context.Context, opts UploadOptions) (domain.Attachment, error) {
	if opts.Filename == "" {
		return domain.Attachment{}, invalidArg("filename is required")
	}
	if len(opts.Content) == 0 {
		return domain.Attachment{}, invalidArg("file content is empty")
	}
	defer e.lockEnvelope(opts.EnvelopeID)()

	env, err := e.Repo.GetEnvelope(ctx, opts.EnvelopeID)
	if err != nil {
		return domain.Attachment{}, err
	}
	if !domain.CanEdit(env.Status) {
		return domain.Attachment{}, &NotEditableError{Status: env.Status}
	}
	d, err := e.loadDriver(env)
	if err != nil {
		return domain.Attachment{}, err
	}
	docType, ok := d.Document(opts.DocType)
	if !ok {
		return domain.Attachment{}, &DocumentTypeNotAllowedError{DocType: opts.DocType}
	}
	if !docType.AllowsMime(opts.MimeType) {
		return domain.Attachment{}, &DocumentTypeNotAllowedError{DocType: opts.DocType, Mime: opts.MimeType}
	}
	if max := docType.MaxSizeBytes(); max > 0 && int64(len(opts.Content)) > max {
		return domain.Attachment{}, invalidArg("file exceeds %d MB limit for document type %s", docType.MaxSizeMB, docType.Type)
	}

	now := e.nowString()
	a := domain.Attachment{
		ID:               uuid.New().String(),
		EnvelopeID:       env.ID,
		DocType:          docType.Type,
		OriginalFilename: opts.Filename,
		Disk:             "local",
		MimeType:         opts.MimeType,
		Size:             int64(len(opts.Content)),
		Hash:             storage.Hash(opts.Content),
		MetadataJSON:     encodeMap(opts.Metadata),
		ReviewStatus:     domain.ReviewPending,
		CreatedAt:        now,
	}
	if opts.Actor.ID != "" {
		a.UploadedBy = optionalString(opts.Actor.ID)
	}
	for _, item := range itemsForDocType(ctx, e, env.ID, docType.Type) {
		a.ChecklistItemID = optionalString(item.ID)
		break
	}

	ref, err := e.Files.Store(path.Join(env.ID, a.ID+path.Ext(opts.Filename)), opts.Content)
	if err != nil {
		return domain.Attachment{}, fmt.Errorf("store attachment: %w", err)
	}
	a.FilePath = ref

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		e.discardFile(ref)
		return domain.Attachment{}, err
	}
	defer tx.Rollback()

	commitErr := func() error {
		if err := e.Repo.InsertAttachmentTx(ctx, tx, a); err != nil {
			return fmt.Errorf("insert attachment: %w", err)
		}
		if err := e.appendAudit(ctx, tx, audit.Entry{
			EnvelopeID: env.ID,
			Action:     domain.ActionAttachmentUpload,
			Actor:      opts.Actor,
			After: audit.Snapshot{
				"attachment_id": a.ID,
				"doc_type":      a.DocType,
				"filename":      a.OriginalFilename,
				"hash":          a.Hash,
				"size":          a.Size,
			},
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
		return tx.Commit()
	}()
	if commitErr != nil {
		e.discardFile(ref)
		return domain.Attachment{}, commitErr
	}
	return a, nil
}

func itemsForDocType(ctx context.Context, e *Engine, envelopeID, docType string) []domain.ChecklistItem {
	items, err := e.Repo.ListChecklistItems(ctx, envelopeID)
	if err != nil {
		return nil
	}
	var matched []domain.ChecklistItem
	for _, item := range items {
		if item.Kind == domain.KindDocument && item.DocType != nil && *item.DocType == docType {
			matched = append(matched, item)
		}
	}
	return matched
}

func (e *Engine) discardFile(ref string) {
	if e.Files != nil {
		_ = e.Files.Delete(ref)
	}
}

// ReviewAttachment records an accept or reject decision. A decision is
// terminal for the attachment; re-upload creates a new one.
func (e *Engine) ReviewAttachment(ctx context.Context, attachmentID, decision, reason string, actor domain.Actor) (domain.Attachment, error) {
	if decision != domain.ReviewAccepted && decision != domain.ReviewRejected {
		return domain.Attachment{}, invalidArg("decision must be accepted or rejected")
	}
	if decision == domain.ReviewRejected && reason == "" {
		return domain.Attachment{}, invalidArg("rejection reason is required")
	}
	a, err := e.Repo.GetAttachment(ctx, attachmentID)
	if err != nil {
		return a, err
	}
	defer e.lockEnvelope(a.EnvelopeID)()

	env, err := e.Repo.GetEnvelope(ctx, a.EnvelopeID)
	if err != nil {
		return a, err
	}
	if !domain.CanEdit(env.Status) {
		return a, &NotEditableError{Status: env.Status}
	}
	if a.ReviewStatus != domain.ReviewPending {
		return a, invalidArg("attachment already reviewed as %s", a.ReviewStatus)
	}
	d, err := e.loadDriver(env)
	if err != nil {
		return a, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()

	now := e.nowString()
	var rejection *string
	if decision == domain.ReviewRejected {
		rejection = &reason
	}
	if err := e.Repo.UpdateAttachmentReviewTx(ctx, tx, a.ID, decision, actor.ID, now, rejection); err != nil {
		return a, err
	}
	meta := audit.Snapshot{"attachment_id": a.ID, "doc_type": a.DocType}
	if reason != "" {
		meta["reason"] = reason
	}
	if err := e.appendAudit(ctx, tx, audit.Entry{
		EnvelopeID: env.ID,
		Action:     domain.ActionAttachmentReview,
		Actor:      actor,
		Before:     audit.Snapshot{"review_status": a.ReviewStatus},
		After:      audit.Snapshot{"review_status": decision},
		Metadata:   meta,
	}); err != nil {
		return a, err
	}
	if err := e.recompute(ctx, tx, &env, d, true, true); err != nil {
		return a, err
	}
	env.UpdatedAt = now
	if err := e.Repo.UpdateEnvelopeTx(ctx, tx, env); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	a.ReviewStatus = decision
	a.ReviewerID = optionalString(actor.ID)
	a.ReviewedAt = &now
	a.RejectionReason = rejection
	return a, nil
}

// SetSignal writes a declared signal value. Integration-sourced signals
// are refused for contribution token actors.
func (e *Engine) SetSignal(ctx context.Context, envelopeID, key string, value any, actor domain.Actor) (domain.Envelope, error) {
	defer e.lockEnvelope(envelopeID)()

	env, err := e.Repo.GetEnvelope(ctx, envelopeID)
	if err != nil {
		return env, err
	}
	if !domain.CanEdit(env.Status) {
		return env, &NotEditableError{Status: env.Status}
	}
	d, err := e.loadDriver(env)
	if err != nil {
		return env, err
	}
	def, ok := d.Signal(key)
	if !ok {
		return env, invalidArg("signal %s not declared by driver %s", key, d.Ref())
	}
	if def.Source == "integration" && actor.Type == domain.ActorContributionToken {
		return env, invalidArg("signal %s is integration-sourced", key)
	}
	switch def.Type {
	case "boolean":
		if _, ok := value.(bool); !ok {
			return env, invalidArg("signal %s expects a boolean value", key)
		}
	case "string":
		if _, ok := value.(string); !ok {
			return env, invalidArg("signal %s expects a string value", key)
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return env, err
	}
	defer tx.Rollback()

	prev, err := e.Repo.GetSignalTx(ctx, tx, env.ID, key)
	if err != nil {
		return env, err
	}
	now := e.nowString()
	if err := e.Repo.UpdateSignalValueTx(ctx, tx, env.ID, key, encodeValue(value), now); err != nil {
		return env, err
	}
	if err := e.appendAudit(ctx, tx, audit.Entry{
		EnvelopeID: env.ID,
		Action:     domain.ActionSignalSet,
		Actor:      actor,
		Before:     audit.Snapshot{"key": key, "value": decodeValue(prev.ValueJSON)},
		After:      audit.Snapshot{"key": key, "value": value},
	}); err != nil {
		return env, err
	}
	if err := e.recompute(ctx, tx, &env, d, true, true); err != nil {
		return env, err
	}
	env.UpdatedAt = now
	if err := e.Repo.UpdateEnvelopeTx(ctx, tx, env); err != nil {
		return env, err
	}
	if err := tx.Commit(); err != nil {
		return env, err
	}
	return env, nil
}

// Attest marks an attestation-kind checklist item complete or incomplete.
// Attestation items are the one kind whose status the host sets directly.
func (e *Engine) Attest(ctx context.Context, envelopeID, itemKey string, accepted bool, actor domain.Actor) (domain.Envelope, error) {
	defer e.lockEnvelope(envelopeID)()

	env, err := e.Repo.GetEnvelope(ctx, envelopeID)
	if err != nil {
		return env, err
	}
	if !domain.CanEdit(env.Status) {
		return env, &NotEditableError{Status: env.Status}
	}
	d, err := e.loadDriver(env)
	if err != nil {
		return env, err
	}
	items, err := e.Repo.ListChecklistItems(ctx, env.ID)
	if err != nil {
		return env, err
	}
	var target domain.ChecklistItem
	for _, item := range items {
		if item.Key == itemKey {
			target = item
			break
		}
	}
	if target.ID == "" {
		return env, invalidArg("checklist item %s not found", itemKey)
	}
	if target.Kind != domain.KindAttestation {
		return env, invalidArg("checklist item %s is not an attestation", itemKey)
	}
	status := domain.ItemMissing
	if accepted {
		status = domain.ItemAccepted
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return env, err
	}
	defer tx.Rollback()

	now := e.nowString()
	if err := e.Repo.UpdateChecklistItemStatusTx(ctx, tx, target.ID, status, now); err != nil {
		return env, err
	}
	if err := e.appendAudit(ctx, tx, audit.Entry{
		EnvelopeID: env.ID,
		Action:     domain.ActionAttestationSet,
		Actor:      actor,
		Before:     audit.Snapshot{"key": itemKey, "status": target.Status},
		After:      audit.Snapshot{"key": itemKey, "status": status},
	}); err != nil {
		return env, err
	}
	if err := e.recompute(ctx, tx, &env, d, true, true); err != nil {
		return env, err
	}
	env.UpdatedAt = now
	if err := e.Repo.UpdateEnvelopeTx(ctx, tx, env); err != nil {
		return env, err
	}
	if err := tx.Commit(); err != nil {
		return env, err
	}
	return env, nil
}

// UpdateContext merges host-provided context used by gate rules. It never
// moves an envelope out of draft.
func (e *Engine) UpdateContext(ctx context.Context, envelopeID string, patch map[string]any, actor domain.Actor) (domain.Envelope, error) {
	if len(patch) == 0 {
		return domain.Envelope{}, invalidArg("context patch is empty")
	}
	defer e.lockEnvelope(envelopeID)()

	env, err := e.Repo.GetEnvelope(ctx, envelopeID)
	if err != nil {
		return env, err
	}
	if domain.IsTerminal(env.Status) {
		return env, &NotEditableError{Status: env.Status}
	}
	d, err := e.loadDriver(env)
	if err != nil {
		return env, err
	}
	before := decodeMap(env.ContextJSON)
	merged := payload.MergePatch(before, patch)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return env, err
	}
	defer tx.Rollback()

	env.ContextJSON = encodeMap(merged)
	if err := e.appendAudit(ctx, tx, audit.Entry{
		EnvelopeID: env.ID,
		Action:     domain.ActionContextUpdate,
		Actor:      actor,
		Before:     audit.Snapshot{"context": before},
		After:      audit.Snapshot{"context": merged},
	}); err != nil {
		return env, err
	}
	advance := domain.CanEdit(env.Status)
	if advance {
		if err := e.recompute(ctx, tx, &env, d, true, false); err != nil {
			return env, err
		}
	}
	env.UpdatedAt = e.nowString()
	if err := e.Repo.UpdateEnvelopeTx(ctx, tx, env); err != nil {
		return env, err
	}
	if err := tx.Commit(); err != nil {
		return env, err
	}
	return env, nil
}

// Lock freezes a settle-ready envelope. The settleable gate is recomputed
// at the moment of locking; a stale cache is never trusted.
func (e *Engine) Lock(ctx context.Context, envelopeID string, actor domain.Actor) (domain.Envelope, error) {
	defer e.lockEnvelope(envelopeID)()

	env, err := e.Repo.GetEnvelope(ctx, envelopeID)
	if err != nil {
		return env, err
	}
	if env.Status != domain.StatusReadyToSettle {
		return env, &NotSettleableError{Op: "lock", Reason: fmt.Sprintf("status is %s, expected %s", env.Status, domain.StatusReadyToSettle)}
	}
	d, err := e.loadDriver(env)
	if err != nil {
		return env, err
	}
	gates, err := e.freshGates(ctx, env, d)
	if err != nil {
		return env, err
	}
	if !gates["settleable"] {
		return env, &NotSettleableError{Op: "lock", Reason: "settleable gate is false"}
	}
	return e.transition(ctx, env, domain.StatusLocked, domain.ActionEnvelopeLocked, actor, nil, func(env *domain.Envelope, now string) {
		env.LockedAt = &now
		env.GatesJSON = encodeGates(gates)
	})
}

// Settle completes a locked envelope. Terminal.
func (e *Engine) Settle(ctx context.Context, envelopeID string, actor domain.Actor) (domain.Envelope, error) {
	defer e.lockEnvelope(envelopeID)()

	env, err := e.Repo.GetEnvelope(ctx, envelopeID)
	if err != nil {
		return env, err
	}
	if env.Status != domain.StatusLocked {
		return env, &NotSettleableError{Op: "settle", Reason: fmt.Sprintf("status is %s, expected %s", env.Status, domain.StatusLocked)}
	}
	return e.transition(ctx, env, domain.StatusSettled, domain.ActionEnvelopeSettled, actor, nil, func(env *domain.Envelope, now string) {
		env.SettledAt = &now
	})
}

// Reopen returns a locked envelope to editing. The next mutation moves it
// back through the state machine.
func (e *Engine) Reopen(ctx context.Context, envelopeID, reason string, actor domain.Actor) (domain.Envelope, error) {
	if reason == "" {
		return domain.Envelope{}, invalidArg("reopen reason is required")
	}
	defer e.lockEnvelope(envelopeID)()

	env, err := e.Repo.GetEnvelope(ctx, envelopeID)
	if err != nil {
		return env, err
	}
	if env.Status != domain.StatusLocked {
		return env, &NotSettleableError{Op: "reopen", Reason: fmt.Sprintf("status is %s, expected %s", env.Status, domain.StatusLocked)}
	}
	return e.transition(ctx, env, domain.StatusReopened, domain.ActionEnvelopeReopened, actor, audit.Snapshot{"reason": reason}, func(env *domain.Envelope, now string) {
		env.LockedAt = nil
	})
}

// Cancel abandons a non-terminal envelope. Terminal.
func (e *Engine) Cancel(ctx context.Context, envelopeID, reason string, actor domain.Actor) (domain.Envelope, error) {
	return e.terminate(ctx, envelopeID, reason, domain.StatusCancelled, domain.ActionEnvelopeCancelled, actor)
}

// Reject refuses a non-terminal envelope. Terminal.
func (e *Engine) Reject(ctx context.Context, envelopeID, reason string, actor domain.Actor) (domain.Envelope, error) {
	return e.terminate(ctx, envelopeID, reason, domain.StatusRejected, domain.ActionEnvelopeRejected, actor)
}

func (e *Engine) terminate(ctx context.Context, envelopeID, reason, status, action string, actor domain.Actor) (domain.Envelope, error) {
	if reason == "" {
		return domain.Envelope{}, invalidArg("reason is required")
	}
	defer e.lockEnvelope(envelopeID)()

	env, err := e.Repo.GetEnvelope(ctx, envelopeID)
	if err != nil {
		return env, err
	}
	if domain.IsTerminal(env.Status) {
		return env, &NotEditableError{Status: env.Status}
	}
	return e.transition(ctx, env, status, action, actor, audit.Snapshot{"reason": reason}, func(env *domain.Envelope, now string) {
		switch status {
		case domain.StatusCancelled:
			env.CancelledAt = &now
		case domain.StatusRejected:
			env.RejectedAt = &now
		}
	})
}

// transition applies an explicit status change with one audit row.
func (e *Engine) transition(ctx context.Context, env domain.Envelope, status, action string, actor domain.Actor, metadata audit.Snapshot, apply func(env *domain.Envelope, now string)) (domain.Envelope, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return env, err
	}
	defer tx.Rollback()

	now := e.nowString()
	from := env.Status
	env.Status = status
	env.UpdatedAt = now
	if apply != nil {
		apply(&env, now)
	}
	if err := e.Repo.UpdateEnvelopeTx(ctx, tx, env); err != nil {
		return env, err
	}
	if err := e.appendAudit(ctx, tx, audit.Entry{
		EnvelopeID: env.ID,
		Action:     action,
		Actor:      actor,
		Before:     audit.Snapshot{"status": from},
		After:      audit.Snapshot{"status": status},
		Metadata:   metadata,
	}); err != nil {
		return env, err
	}
	if err := tx.Commit(); err != nil {
		return env, err
	}
	return env, nil
}

func (e *Engine) appendAudit(ctx context.Context, tx *sql.Tx, entry audit.Entry) error {
	w := e.Audit
	if w.Now == nil {
		w.Now = e.now
	}
	return w.Append(ctx, tx, entry)
}

// Detail is the full query projection of one envelope.
type Detail struct {
	Envelope  domain.Envelope        `json:"envelope"`
	Checklist []domain.ChecklistItem `json:"checklist"`
	Signals   []domain.Signal        `json:"signals"`
	Files     []domain.Attachment    `json:"attachments"`
	Audit     []domain.AuditLog      `json:"audit"`
	Gates     map[string]bool        `json:"gates"`
	Helpers   domain.StatusHelpers   `json:"helpers"`
}

// Get returns the envelope with checklist, attachments, signals, audit
// trail and status helpers. Pure read; gates come from the cache.
func (e *Engine) Get(ctx context.Context, envelopeID string) (Detail, error) {
	env, err := e.Repo.GetEnvelope(ctx, envelopeID)
	if err != nil {
		return Detail{}, err
	}
	items, err := e.Repo.ListChecklistItems(ctx, env.ID)
	if err != nil {
		return Detail{}, err
	}
	signals, err := e.Repo.ListSignals(ctx, env.ID)
	if err != nil {
		return Detail{}, err
	}
	attachments, err := e.Repo.ListAttachments(ctx, env.ID)
	if err != nil {
		return Detail{}, err
	}
	logs, err := e.Repo.ListAuditLogs(ctx, env.ID, repo.AuditFilters{})
	if err != nil {
		return Detail{}, err
	}
	return Detail{
		Envelope:  env,
		Checklist: items,
		Signals:   signals,
		Files:     attachments,
		Audit:     logs,
		Gates:     decodeGates(env.GatesJSON),
		Helpers:   domain.Helpers(env),
	}, nil
}

// GetByReference resolves an envelope by its business reference code.
func (e *Engine) GetByReference(ctx context.Context, referenceCode string) (Detail, error) {
	env, err := e.Repo.GetEnvelopeByReference(ctx, referenceCode)
	if err != nil {
		return Detail{}, err
	}
	return e.Get(ctx, env.ID)
}

// ComputeGates re-derives gates from current state, bypassing the cache.
func (e *Engine) ComputeGates(ctx context.Context, envelopeID string) (map[string]bool, error) {
	env, err := e.Repo.GetEnvelope(ctx, envelopeID)
	if err != nil {
		return nil, err
	}
	d, err := e.loadDriver(env)
	if err != nil {
		return nil, err
	}
	return e.freshGates(ctx, env, d)
}

func (e *Engine) freshGates(ctx context.Context, env domain.Envelope, d *driver.Driver) (map[string]bool, error) {
	items, err := e.Repo.ListChecklistItems(ctx, env.ID)
	if err != nil {
		return nil, err
	}
	signals, err := e.Repo.ListSignals(ctx, env.ID)
	if err != nil {
		return nil, err
	}
	valid, err := e.payloadValid(d, env.PayloadJSON)
	if err != nil {
		return nil, err
	}
	gates, _ := evaluate(env, d, items, signals, valid)
	return gates, nil
}

func (e *Engine) payloadValid(d *driver.Driver, payloadJSON string) (bool, error) {
	if d.PayloadSchema == "" {
		return true, nil
	}
	issues, err := payload.ValidateSchema(d.PayloadSchema, anyMap(decodeMap(payloadJSON)))
	if err != nil {
		return false, err
	}
	return len(issues) == 0, nil
}

// recompute derives checklist status, gates and auto-advances the status.
// Runs inside the mutation's transaction; the caller persists env after.
func (e *Engine) recompute(ctx context.Context, tx *sql.Tx, env *domain.Envelope, d *driver.Driver, advance, exitDraft bool) error {
	items, err := e.Repo.ListChecklistItemsTx(ctx, tx, env.ID)
	if err != nil {
		return err
	}
	signals, err := e.Repo.ListSignalsTx(ctx, tx, env.ID)
	if err != nil {
		return err
	}
	attachments, err := e.Repo.ListAttachmentsTx(ctx, tx, env.ID)
	if err != nil {
		return err
	}
	payloadDoc := decodeMap(env.PayloadJSON)
	signalValues := map[string]any{}
	for _, s := range signals {
		signalValues[s.Key] = decodeValue(s.ValueJSON)
	}

	now := e.nowString()
	for i, item := range items {
		status := deriveItemStatus(item, attachments, payloadDoc, signalValues)
		if status == item.Status {
			continue
		}
		if err := e.Repo.UpdateChecklistItemStatusTx(ctx, tx, item.ID, status, now); err != nil {
			return err
		}
		items[i].Status = status
	}

	valid, err := e.payloadValid(d, env.PayloadJSON)
	if err != nil {
		return err
	}

	for hop := 0; hop < autoAdvanceLimit; hop++ {
		gates, agg := evaluate(*env, d, items, signals, valid)
		encoded := encodeGates(gates)
		if encoded != env.GatesJSON {
			if env.GatesJSON != "" {
				if err := e.appendAudit(ctx, tx, audit.Entry{
					EnvelopeID: env.ID,
					Action:     domain.ActionGateChange,
					Actor:      domain.System(),
					Before:     audit.Snapshot{"gates": decodeGates(env.GatesJSON)},
					After:      audit.Snapshot{"gates": gates},
				}); err != nil {
					return err
				}
			}
			env.GatesJSON = encoded
		}
		if !advance {
			return nil
		}
		next := nextStatus(env.Status, exitDraft, agg, gates)
		if next == env.Status {
			return nil
		}
		if err := e.appendAudit(ctx, tx, audit.Entry{
			EnvelopeID: env.ID,
			Action:     domain.ActionStatusChange,
			Actor:      domain.System(),
			Before:     audit.Snapshot{"status": env.Status},
			After:      audit.Snapshot{"status": next},
			Metadata:   audit.Snapshot{"reason": "auto_transition"},
		}); err != nil {
			return err
		}
		env.Status = next
	}
	return nil
}

type aggregates struct {
	total            int
	requiredCount    int
	requiredPresent  bool
	requiredAccepted bool
	allAccepted      bool
	hasRejected      bool
	pendingCount     int
}

func computeAggregates(items []domain.ChecklistItem) aggregates {
	agg := aggregates{total: len(items), requiredPresent: true, requiredAccepted: true, allAccepted: true}
	for _, item := range items {
		accepted := itemAccepted(item)
		if item.Required {
			agg.requiredCount++
			if item.Status == domain.ItemMissing {
				agg.requiredPresent = false
			}
			if !accepted {
				agg.requiredAccepted = false
			}
		}
		if !accepted {
			agg.allAccepted = false
		}
		if item.Status == domain.ItemRejected {
			agg.hasRejected = true
		}
		if item.Status == domain.ItemUploaded || item.Status == domain.ItemNeedsReview {
			agg.pendingCount++
		}
	}
	return agg
}

// itemAccepted treats an uploaded no-review document as satisfied; the
// uploaded status never progresses further on its own.
func itemAccepted(item domain.ChecklistItem) bool {
	if item.Status == domain.ItemAccepted {
		return true
	}
	return item.Status == domain.ItemUploaded && item.ReviewMode == "none"
}

func deriveItemStatus(item domain.ChecklistItem, attachments []domain.Attachment, payloadDoc map[string]any, signalValues map[string]any) string {
	switch item.Kind {
	case domain.KindDocument:
		var latest *domain.Attachment
		for i := range attachments {
			if item.DocType != nil && attachments[i].DocType == *item.DocType {
				latest = &attachments[i]
			}
		}
		if latest == nil {
			return domain.ItemMissing
		}
		switch latest.ReviewStatus {
		case domain.ReviewAccepted:
			return domain.ItemAccepted
		case domain.ReviewRejected:
			return domain.ItemRejected
		}
		if item.ReviewMode == "none" {
			return domain.ItemUploaded
		}
		return domain.ItemNeedsReview
	case domain.KindPayloadField:
		if item.PayloadPointer != nil && payload.Present(anyMap(payloadDoc), *item.PayloadPointer) {
			return domain.ItemAccepted
		}
		return domain.ItemMissing
	case domain.KindSignal:
		if item.SignalKey != nil && driver.Truthy(signalValues[*item.SignalKey]) {
			return domain.ItemAccepted
		}
		return domain.ItemMissing
	case domain.KindAttestation:
		// Host-set, see Attest.
		return item.Status
	}
	return item.Status
}

// evaluate derives gates and aggregates from a consistent snapshot. Pure.
func evaluate(env domain.Envelope, d *driver.Driver, items []domain.ChecklistItem, signals []domain.Signal, payloadValid bool) (map[string]bool, aggregates) {
	agg := computeAggregates(items)
	signalFacts := map[string]any{}
	blocking := false
	allSatisfied := true
	for _, s := range signals {
		v := decodeValue(s.ValueJSON)
		signalFacts[s.Key] = v
		if !driver.Truthy(v) {
			allSatisfied = false
			if s.Required {
				blocking = true
			}
		}
	}
	signalFacts["_blocking"] = blocking
	signalFacts["_all_satisfied"] = allSatisfied

	facts := driver.Facts{
		"payload": map[string]any{
			"valid":   payloadValid,
			"version": float64(env.PayloadVersion),
		},
		"checklist": map[string]any{
			"total":             float64(agg.total),
			"required_count":    float64(agg.requiredCount),
			"required_present":  agg.requiredPresent,
			"required_accepted": agg.requiredAccepted,
			"all_accepted":      agg.allAccepted,
			"has_rejected":      agg.hasRejected,
			"pending_count":     float64(agg.pendingCount),
		},
		"signal": signalFacts,
		"envelope": map[string]any{
			"status":          env.Status,
			"payload_version": float64(env.PayloadVersion),
		},
		"context": decodeMap(env.ContextJSON),
	}
	gates := make(map[string]bool, len(d.Gates))
	for _, g := range d.Gates {
		gates[g.Key] = driver.Truthy(g.Expr.Eval(facts))
	}
	return gates, agg
}

func nextStatus(status string, exitDraft bool, agg aggregates, gates map[string]bool) string {
	switch status {
	case domain.StatusDraft:
		if exitDraft {
			return domain.StatusInProgress
		}
	case domain.StatusReopened:
		return domain.StatusInProgress
	case domain.StatusInProgress:
		if agg.requiredPresent {
			return domain.StatusReadyForReview
		}
	case domain.StatusReadyForReview:
		if !agg.requiredPresent {
			return domain.StatusInProgress
		}
		if agg.requiredAccepted && gates["settleable"] {
			return domain.StatusReadyToSettle
		}
	case domain.StatusReadyToSettle:
		if !agg.requiredAccepted || !gates["settleable"] {
			return domain.StatusReadyForReview
		}
	}
	return status
}

// --- helpers ---

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func decodeMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

func encodeMap(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(data)
}

func encodeValue(v any) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func decodeValue(raw string) any {
	if raw == "" {
		return nil
	}
	var out any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func encodeGates(gates map[string]bool) string {
	if gates == nil {
		gates = map[string]bool{}
	}
	data, _ := json.Marshal(gates)
	return string(data)
}

func decodeGates(raw string) map[string]bool {
	out := map[string]bool{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func anyMap(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
