package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"envline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier lets the same query helpers run on the pool or inside a
// transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const envelopeColumns = `id,reference_code,reference_type,reference_id,driver_id,driver_version,status,COALESCE(payload_json,'') AS payload_json,payload_version,COALESCE(context_json,'') AS context_json,COALESCE(gates_json,'') AS gates_json,created_by,created_at,updated_at,locked_at,settled_at,cancelled_at,rejected_at`

func scanEnvelope(row *sql.Row) (domain.Envelope, error) {
	var e domain.Envelope
	var refType, refID, createdBy, lockedAt, settledAt, cancelledAt, rejectedAt sql.NullString
	err := row.Scan(&e.ID, &e.ReferenceCode, &refType, &refID, &e.DriverID, &e.DriverVersion, &e.Status,
		&e.PayloadJSON, &e.PayloadVersion, &e.ContextJSON, &e.GatesJSON, &createdBy,
		&e.CreatedAt, &e.UpdatedAt, &lockedAt, &settledAt, &cancelledAt, &rejectedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.ReferenceType = fromNull(refType)
	e.ReferenceID = fromNull(refID)
	e.CreatedBy = fromNull(createdBy)
	e.LockedAt = fromNull(lockedAt)
	e.SettledAt = fromNull(settledAt)
	e.CancelledAt = fromNull(cancelledAt)
	e.RejectedAt = fromNull(rejectedAt)
	return e, nil
}

func (r Repo) InsertEnvelopeTx(ctx context.Context, tx *sql.Tx, e domain.Envelope) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO envelopes(id,reference_code,reference_type,reference_id,driver_id,driver_version,status,payload_json,payload_version,context_json,gates_json,created_by,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.ReferenceCode, nullableStringPtr(e.ReferenceType), nullableStringPtr(e.ReferenceID),
		e.DriverID, e.DriverVersion, e.Status, nullable(e.PayloadJSON), e.PayloadVersion,
		nullable(e.ContextJSON), nullable(e.GatesJSON), nullableStringPtr(e.CreatedBy), e.CreatedAt, e.UpdatedAt)
	return err
}

func (r Repo) GetEnvelope(ctx context.Context, id string) (domain.Envelope, error) {
	return getEnvelope(ctx, r.DB, id)
}

func (r Repo) GetEnvelopeTx(ctx context.Context, tx *sql.Tx, id string) (domain.Envelope, error) {
	return getEnvelope(ctx, tx, id)
}

func getEnvelope(ctx context.Context, q querier, id string) (domain.Envelope, error) {
	return scanEnvelope(q.QueryRowContext(ctx, `SELECT `+envelopeColumns+` FROM envelopes WHERE id=?`, id))
}

func (r Repo) GetEnvelopeByReference(ctx context.Context, referenceCode string) (domain.Envelope, error) {
	return scanEnvelope(r.DB.QueryRowContext(ctx, `SELECT `+envelopeColumns+` FROM envelopes WHERE reference_code=?`, referenceCode))
}

// UpdateEnvelopeTx rewrites the mutable envelope columns.
func (r Repo) UpdateEnvelopeTx(ctx context.Context, tx *sql.Tx, e domain.Envelope) error {
	res, err := tx.ExecContext(ctx, `UPDATE envelopes SET status=?,payload_json=?,payload_version=?,context_json=?,gates_json=?,updated_at=?,locked_at=?,settled_at=?,cancelled_at=?,rejected_at=? WHERE id=?`,
		e.Status, nullable(e.PayloadJSON), e.PayloadVersion, nullable(e.ContextJSON), nullable(e.GatesJSON),
		e.UpdatedAt, nullableStringPtr(e.LockedAt), nullableStringPtr(e.SettledAt),
		nullableStringPtr(e.CancelledAt), nullableStringPtr(e.RejectedAt), e.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type EnvelopeFilters struct {
	Status   string
	DriverID string
	Limit    int
	// Cursor pair from the last row of the previous page.
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListEnvelopes(ctx context.Context, f EnvelopeFilters) ([]domain.Envelope, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.DriverID != "" {
		clauses = append(clauses, "driver_id=?")
		args = append(args, f.DriverID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + envelopeColumns + ` FROM envelopes`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Envelope
	for rows.Next() {
		var e domain.Envelope
		var refType, refID, createdBy, lockedAt, settledAt, cancelledAt, rejectedAt sql.NullString
		if err := rows.Scan(&e.ID, &e.ReferenceCode, &refType, &refID, &e.DriverID, &e.DriverVersion, &e.Status,
			&e.PayloadJSON, &e.PayloadVersion, &e.ContextJSON, &e.GatesJSON, &createdBy,
			&e.CreatedAt, &e.UpdatedAt, &lockedAt, &settledAt, &cancelledAt, &rejectedAt); err != nil {
			return nil, err
		}
		e.ReferenceType = fromNull(refType)
		e.ReferenceID = fromNull(refID)
		e.CreatedBy = fromNull(createdBy)
		e.LockedAt = fromNull(lockedAt)
		e.SettledAt = fromNull(settledAt)
		e.CancelledAt = fromNull(cancelledAt)
		e.RejectedAt = fromNull(rejectedAt)
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) InsertChecklistItemTx(ctx context.Context, tx *sql.Tx, item domain.ChecklistItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO envelope_checklist_items(id,envelope_id,key,label,kind,doc_type,payload_pointer,signal_key,attestation_type,required,review_mode,status,position,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		item.ID, item.EnvelopeID, item.Key, nullable(item.Label), item.Kind,
		nullableStringPtr(item.DocType), nullableStringPtr(item.PayloadPointer), nullableStringPtr(item.SignalKey), nullableStringPtr(item.AttestationType),
		item.Required, item.ReviewMode, item.Status, item.Position, item.CreatedAt, item.UpdatedAt)
	return err
}

func (r Repo) ListChecklistItems(ctx context.Context, envelopeID string) ([]domain.ChecklistItem, error) {
	return listChecklistItems(ctx, r.DB, envelopeID)
}

func (r Repo) ListChecklistItemsTx(ctx context.Context, tx *sql.Tx, envelopeID string) ([]domain.ChecklistItem, error) {
	return listChecklistItems(ctx, tx, envelopeID)
}

func listChecklistItems(ctx context.Context, q querier, envelopeID string) ([]domain.ChecklistItem, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,envelope_id,key,COALESCE(label,'') AS label,kind,doc_type,payload_pointer,signal_key,attestation_type,required,review_mode,status,position,created_at,updated_at FROM envelope_checklist_items WHERE envelope_id=? ORDER BY position ASC, key ASC`, envelopeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChecklistItem
	for rows.Next() {
		var item domain.ChecklistItem
		var docType, pointer, signalKey, attestation sql.NullString
		if err := rows.Scan(&item.ID, &item.EnvelopeID, &item.Key, &item.Label, &item.Kind,
			&docType, &pointer, &signalKey, &attestation,
			&item.Required, &item.ReviewMode, &item.Status, &item.Position, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, err
		}
		item.DocType = fromNull(docType)
		item.PayloadPointer = fromNull(pointer)
		item.SignalKey = fromNull(signalKey)
		item.AttestationType = fromNull(attestation)
		res = append(res, item)
	}
	return res, rows.Err()
}

func (r Repo) UpdateChecklistItemStatusTx(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE envelope_checklist_items SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertAttachmentTx(ctx context.Context, tx *sql.Tx, a domain.Attachment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO envelope_attachments(id,envelope_id,checklist_item_id,doc_type,original_filename,file_path,disk,mime_type,size,hash,metadata_json,uploaded_by,review_status,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.EnvelopeID, nullableStringPtr(a.ChecklistItemID), a.DocType, a.OriginalFilename,
		a.FilePath, a.Disk, a.MimeType, a.Size, nullable(a.Hash), nullable(a.MetadataJSON),
		nullableStringPtr(a.UploadedBy), a.ReviewStatus, a.CreatedAt)
	return err
}

const attachmentColumns = `id,envelope_id,checklist_item_id,doc_type,original_filename,file_path,disk,mime_type,size,COALESCE(hash,'') AS hash,COALESCE(metadata_json,'') AS metadata_json,uploaded_by,review_status,reviewer_id,reviewed_at,rejection_reason,created_at`

func scanAttachment(row *sql.Row) (domain.Attachment, error) {
	var a domain.Attachment
	var itemID, uploadedBy, reviewerID, reviewedAt, rejection sql.NullString
	err := row.Scan(&a.ID, &a.EnvelopeID, &itemID, &a.DocType, &a.OriginalFilename, &a.FilePath, &a.Disk,
		&a.MimeType, &a.Size, &a.Hash, &a.MetadataJSON, &uploadedBy, &a.ReviewStatus,
		&reviewerID, &reviewedAt, &rejection, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.ChecklistItemID = fromNull(itemID)
	a.UploadedBy = fromNull(uploadedBy)
	a.ReviewerID = fromNull(reviewerID)
	a.ReviewedAt = fromNull(reviewedAt)
	a.RejectionReason = fromNull(rejection)
	return a, nil
}

func (r Repo) GetAttachment(ctx context.Context, id string) (domain.Attachment, error) {
	return getAttachment(ctx, r.DB, id)
}

func (r Repo) GetAttachmentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Attachment, error) {
	return getAttachment(ctx, tx, id)
}

func getAttachment(ctx context.Context, q querier, id string) (domain.Attachment, error) {
	return scanAttachment(q.QueryRowContext(ctx, `SELECT `+attachmentColumns+` FROM envelope_attachments WHERE id=?`, id))
}

func (r Repo) ListAttachments(ctx context.Context, envelopeID string) ([]domain.Attachment, error) {
	return listAttachments(ctx, r.DB, envelopeID)
}

func (r Repo) ListAttachmentsTx(ctx context.Context, tx *sql.Tx, envelopeID string) ([]domain.Attachment, error) {
	return listAttachments(ctx, tx, envelopeID)
}

func listAttachments(ctx context.Context, q querier, envelopeID string) ([]domain.Attachment, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+attachmentColumns+` FROM envelope_attachments WHERE envelope_id=? ORDER BY created_at ASC, id ASC`, envelopeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Attachment
	for rows.Next() {
		var a domain.Attachment
		var itemID, uploadedBy, reviewerID, reviewedAt, rejection sql.NullString
		if err := rows.Scan(&a.ID, &a.EnvelopeID, &itemID, &a.DocType, &a.OriginalFilename, &a.FilePath, &a.Disk,
			&a.MimeType, &a.Size, &a.Hash, &a.MetadataJSON, &uploadedBy, &a.ReviewStatus,
			&reviewerID, &reviewedAt, &rejection, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.ChecklistItemID = fromNull(itemID)
		a.UploadedBy = fromNull(uploadedBy)
		a.ReviewerID = fromNull(reviewerID)
		a.ReviewedAt = fromNull(reviewedAt)
		a.RejectionReason = fromNull(rejection)
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) UpdateAttachmentReviewTx(ctx context.Context, tx *sql.Tx, id, reviewStatus, reviewerID, reviewedAt string, rejectionReason *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE envelope_attachments SET review_status=?, reviewer_id=?, reviewed_at=?, rejection_reason=? WHERE id=?`,
		reviewStatus, nullable(reviewerID), reviewedAt, nullableStringPtr(rejectionReason), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteAttachmentTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM envelope_attachments WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertSignalTx(ctx context.Context, tx *sql.Tx, s domain.Signal) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO envelope_signals(id,envelope_id,key,type,source,value_json,required,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, s.EnvelopeID, s.Key, s.Type, s.Source, nullable(s.ValueJSON), s.Required, s.UpdatedAt)
	return err
}

func (r Repo) ListSignals(ctx context.Context, envelopeID string) ([]domain.Signal, error) {
	return listSignals(ctx, r.DB, envelopeID)
}

func (r Repo) ListSignalsTx(ctx context.Context, tx *sql.Tx, envelopeID string) ([]domain.Signal, error) {
	return listSignals(ctx, tx, envelopeID)
}

func listSignals(ctx context.Context, q querier, envelopeID string) ([]domain.Signal, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,envelope_id,key,type,source,COALESCE(value_json,'') AS value_json,required,updated_at FROM envelope_signals WHERE envelope_id=? ORDER BY key ASC`, envelopeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Signal
	for rows.Next() {
		var s domain.Signal
		if err := rows.Scan(&s.ID, &s.EnvelopeID, &s.Key, &s.Type, &s.Source, &s.ValueJSON, &s.Required, &s.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) GetSignalTx(ctx context.Context, tx *sql.Tx, envelopeID, key string) (domain.Signal, error) {
	var s domain.Signal
	err := tx.QueryRowContext(ctx, `SELECT id,envelope_id,key,type,source,COALESCE(value_json,'') AS value_json,required,updated_at FROM envelope_signals WHERE envelope_id=? AND key=?`, envelopeID, key).
		Scan(&s.ID, &s.EnvelopeID, &s.Key, &s.Type, &s.Source, &s.ValueJSON, &s.Required, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) UpdateSignalValueTx(ctx context.Context, tx *sql.Tx, envelopeID, key, valueJSON, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE envelope_signals SET value_json=?, updated_at=? WHERE envelope_id=? AND key=?`,
		nullable(valueJSON), updatedAt, envelopeID, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type AuditFilters struct {
	Action   string
	Limit    int
	AfterID  int64
	Backward bool
}

func (r Repo) ListAuditLogs(ctx context.Context, envelopeID string, f AuditFilters) ([]domain.AuditLog, error) {
	clauses := []string{"envelope_id=?"}
	args := []any{envelopeID}
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	if f.AfterID > 0 {
		clauses = append(clauses, "id > ?")
		args = append(args, f.AfterID)
	}
	query := `SELECT id,envelope_id,action,actor_type,actor_id,actor_role,COALESCE(before_json,'') AS before_json,COALESCE(after_json,'') AS after_json,COALESCE(metadata_json,'') AS metadata_json,created_at FROM envelope_audit_logs WHERE ` + strings.Join(clauses, " AND ")
	if f.Backward {
		query += " ORDER BY id DESC"
	} else {
		query += " ORDER BY id ASC"
	}
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

// AuditLogsAfter returns audit rows across all envelopes with id above the
// cursor, oldest first. Used by the webhook dispatcher.
func (r Repo) AuditLogsAfter(ctx context.Context, afterID int64, limit int) ([]domain.AuditLog, error) {
	query := `SELECT id,envelope_id,action,actor_type,actor_id,actor_role,COALESCE(before_json,'') AS before_json,COALESCE(after_json,'') AS after_json,COALESCE(metadata_json,'') AS metadata_json,created_at FROM envelope_audit_logs WHERE id > ? ORDER BY id ASC`
	args := []any{afterID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

// LatestAuditID returns the highest audit row id, 0 for an empty table.
func (r Repo) LatestAuditID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM envelope_audit_logs`).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func scanAuditRows(rows *sql.Rows) ([]domain.AuditLog, error) {
	var res []domain.AuditLog
	for rows.Next() {
		var entry domain.AuditLog
		var actorID, actorRole sql.NullString
		if err := rows.Scan(&entry.ID, &entry.EnvelopeID, &entry.Action, &entry.ActorType, &actorID, &actorRole,
			&entry.BeforeJSON, &entry.AfterJSON, &entry.MetadataJSON, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.ActorID = fromNull(actorID)
		entry.ActorRole = fromNull(actorRole)
		res = append(res, entry)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func fromNull(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
