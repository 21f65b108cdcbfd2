package domain

// Envelope statuses.
const (
	StatusDraft          = "draft"
	StatusInProgress     = "in_progress"
	StatusReadyForReview = "ready_for_review"
	StatusReadyToSettle  = "ready_to_settle"
	StatusLocked         = "locked"
	StatusSettled        = "settled"
	StatusReopened       = "reopened"
	StatusCancelled      = "cancelled"
	StatusRejected       = "rejected"
)

// Checklist item statuses.
const (
	ItemMissing     = "missing"
	ItemUploaded    = "uploaded"
	ItemNeedsReview = "needs_review"
	ItemAccepted    = "accepted"
	ItemRejected    = "rejected"
)

// Checklist item kinds.
const (
	KindDocument     = "document"
	KindPayloadField = "payload_field"
	KindSignal       = "signal"
	KindAttestation  = "attestation"
)

// Attachment review statuses.
const (
	ReviewPending  = "pending"
	ReviewAccepted = "accepted"
	ReviewRejected = "rejected"
)

// Actor types recorded in the audit log.
const (
	ActorUser              = "user"
	ActorContributionToken = "contribution_token"
	ActorSystem            = "system"
)

// Audit actions.
const (
	ActionEnvelopeCreated   = "envelope_created"
	ActionPayloadPatch      = "payload_patch"
	ActionAttachmentUpload  = "attachment_upload"
	ActionAttachmentReview  = "attachment_review"
	ActionAttachmentDelete  = "attachment_delete"
	ActionSignalSet         = "signal_set"
	ActionAttestationSet    = "attestation_set"
	ActionStatusChange      = "status_change"
	ActionGateChange        = "gate_change"
	ActionEnvelopeLocked    = "envelope_locked"
	ActionEnvelopeSettled   = "envelope_settled"
	ActionEnvelopeCancelled = "envelope_cancelled"
	ActionEnvelopeRejected  = "envelope_rejected"
	ActionEnvelopeReopened  = "envelope_reopened"
	ActionContextUpdate     = "context_update"
	ActionTokenCreated      = "contribution_token_created"
	ActionTokenRevoked      = "contribution_token_revoked"
)

// Actor identifies who performed a mutating operation. Exactly one shape
// per Type: user carries a user id, contribution_token a token id, system
// neither.
type Actor struct {
	Type string `json:"type" enum:"user,contribution_token,system"`
	ID   string `json:"id,omitempty"`
	Role string `json:"role,omitempty"`
}

func User(id string) Actor { return Actor{Type: ActorUser, ID: id} }

func TokenActor(id string) Actor {
	return Actor{Type: ActorContributionToken, ID: id, Role: "contribution_token"}
}

func System() Actor { return Actor{Type: ActorSystem, Role: "system"} }

type Envelope struct {
	ID             string  `json:"id"`
	ReferenceCode  string  `json:"reference_code"`
	ReferenceType  *string `json:"reference_type,omitempty"`
	ReferenceID    *string `json:"reference_id,omitempty"`
	DriverID       string  `json:"driver_id"`
	DriverVersion  string  `json:"driver_version"`
	Status         string  `json:"status" enum:"draft,in_progress,ready_for_review,ready_to_settle,locked,settled,reopened,cancelled,rejected"`
	PayloadJSON    string  `json:"payload_json,omitempty"`
	PayloadVersion int     `json:"payload_version"`
	ContextJSON    string  `json:"context_json,omitempty"`
	GatesJSON      string  `json:"gates_json,omitempty"`
	CreatedBy      *string `json:"created_by,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
	LockedAt       *string `json:"locked_at,omitempty" format:"date-time"`
	SettledAt      *string `json:"settled_at,omitempty" format:"date-time"`
	CancelledAt    *string `json:"cancelled_at,omitempty" format:"date-time"`
	RejectedAt     *string `json:"rejected_at,omitempty" format:"date-time"`
}

type ChecklistItem struct {
	ID              string  `json:"id"`
	EnvelopeID      string  `json:"envelope_id"`
	Key             string  `json:"key"`
	Label           string  `json:"label,omitempty"`
	Kind            string  `json:"kind" enum:"document,payload_field,signal,attestation"`
	DocType         *string `json:"doc_type,omitempty"`
	PayloadPointer  *string `json:"payload_pointer,omitempty"`
	SignalKey       *string `json:"signal_key,omitempty"`
	AttestationType *string `json:"attestation_type,omitempty"`
	Required        bool    `json:"required"`
	ReviewMode      string  `json:"review_mode" enum:"none,optional,required"`
	Status          string  `json:"status" enum:"missing,uploaded,needs_review,accepted,rejected"`
	Position        int     `json:"position"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

type Attachment struct {
	ID               string  `json:"id"`
	EnvelopeID       string  `json:"envelope_id"`
	ChecklistItemID  *string `json:"checklist_item_id,omitempty"`
	DocType          string  `json:"doc_type"`
	OriginalFilename string  `json:"original_filename"`
	FilePath         string  `json:"file_path"`
	Disk             string  `json:"disk"`
	MimeType         string  `json:"mime_type"`
	Size             int64   `json:"size"`
	Hash             string  `json:"hash,omitempty"`
	MetadataJSON     string  `json:"metadata_json,omitempty"`
	UploadedBy       *string `json:"uploaded_by,omitempty"`
	ReviewStatus     string  `json:"review_status" enum:"pending,accepted,rejected"`
	ReviewerID       *string `json:"reviewer_id,omitempty"`
	ReviewedAt       *string `json:"reviewed_at,omitempty" format:"date-time"`
	RejectionReason  *string `json:"rejection_reason,omitempty"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
}

type Signal struct {
	ID         string `json:"id"`
	EnvelopeID string `json:"envelope_id"`
	Key        string `json:"key"`
	Type       string `json:"type" enum:"boolean,string"`
	Source     string `json:"source" enum:"host,integration"`
	ValueJSON  string `json:"value_json,omitempty"`
	Required   bool   `json:"required"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

type AuditLog struct {
	ID           int64   `json:"id"`
	EnvelopeID   string  `json:"envelope_id"`
	Action       string  `json:"action"`
	ActorType    string  `json:"actor_type"`
	ActorID      *string `json:"actor_id,omitempty"`
	ActorRole    *string `json:"actor_role,omitempty"`
	BeforeJSON   string  `json:"before_json,omitempty"`
	AfterJSON    string  `json:"after_json,omitempty"`
	MetadataJSON string  `json:"metadata_json,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type ContributionToken struct {
	ID             string  `json:"id"`
	EnvelopeID     string  `json:"envelope_id"`
	Token          string  `json:"token"`
	Label          string  `json:"label,omitempty"`
	RecipientName  *string `json:"recipient_name,omitempty"`
	RecipientEmail *string `json:"recipient_email,omitempty"`
	PasswordHash   *string `json:"-"`
	MetadataJSON   string  `json:"metadata_json,omitempty"`
	CreatedBy      *string `json:"created_by,omitempty"`
	ExpiresAt      *string `json:"expires_at,omitempty" format:"date-time"`
	RevokedAt      *string `json:"revoked_at,omitempty" format:"date-time"`
	LastUsedAt     *string `json:"last_used_at,omitempty" format:"date-time"`
	UseCount       int     `json:"use_count"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// StatusHelpers is a pure projection of an envelope's status used by UIs
// to decide which actions to offer.
type StatusHelpers struct {
	CanEdit    bool `json:"can_edit"`
	CanLock    bool `json:"can_lock"`
	CanSettle  bool `json:"can_settle"`
	CanCancel  bool `json:"can_cancel"`
	CanReopen  bool `json:"can_reopen"`
	IsTerminal bool `json:"is_terminal"`
}

func IsTerminal(status string) bool {
	switch status {
	case StatusSettled, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

func CanEdit(status string) bool {
	switch status {
	case StatusDraft, StatusInProgress, StatusReadyForReview, StatusReadyToSettle, StatusReopened:
		return true
	}
	return false
}

func Helpers(e Envelope) StatusHelpers {
	return StatusHelpers{
		CanEdit:    CanEdit(e.Status),
		CanLock:    e.Status == StatusReadyToSettle,
		CanSettle:  e.Status == StatusLocked,
		CanCancel:  !IsTerminal(e.Status),
		CanReopen:  e.Status == StatusLocked,
		IsTerminal: IsTerminal(e.Status),
	}
}
