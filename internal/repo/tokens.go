package repo

import (
	"context"
	"database/sql"

	"envline/internal/domain"
)

const tokenColumns = `id,envelope_id,token,COALESCE(label,'') AS label,recipient_name,recipient_email,password_hash,COALESCE(metadata_json,'') AS metadata_json,created_by,expires_at,revoked_at,last_used_at,use_count,created_at`

func scanToken(row *sql.Row) (domain.ContributionToken, error) {
	var t domain.ContributionToken
	var name, email, password, createdBy, expiresAt, revokedAt, lastUsedAt sql.NullString
	err := row.Scan(&t.ID, &t.EnvelopeID, &t.Token, &t.Label, &name, &email, &password,
		&t.MetadataJSON, &createdBy, &expiresAt, &revokedAt, &lastUsedAt, &t.UseCount, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.RecipientName = fromNull(name)
	t.RecipientEmail = fromNull(email)
	t.PasswordHash = fromNull(password)
	t.CreatedBy = fromNull(createdBy)
	t.ExpiresAt = fromNull(expiresAt)
	t.RevokedAt = fromNull(revokedAt)
	t.LastUsedAt = fromNull(lastUsedAt)
	return t, nil
}

func (r Repo) InsertContributionTokenTx(ctx context.Context, tx *sql.Tx, t domain.ContributionToken) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO envelope_contribution_tokens(id,envelope_id,token,label,recipient_name,recipient_email,password_hash,metadata_json,created_by,expires_at,use_count,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.EnvelopeID, t.Token, nullable(t.Label), nullableStringPtr(t.RecipientName), nullableStringPtr(t.RecipientEmail),
		nullableStringPtr(t.PasswordHash), nullable(t.MetadataJSON), nullableStringPtr(t.CreatedBy),
		nullableStringPtr(t.ExpiresAt), t.UseCount, t.CreatedAt)
	return err
}

func (r Repo) GetContributionToken(ctx context.Context, token string) (domain.ContributionToken, error) {
	return scanToken(r.DB.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM envelope_contribution_tokens WHERE token=?`, token))
}

func (r Repo) GetContributionTokenByID(ctx context.Context, id string) (domain.ContributionToken, error) {
	return scanToken(r.DB.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM envelope_contribution_tokens WHERE id=?`, id))
}

func (r Repo) ListContributionTokens(ctx context.Context, envelopeID string) ([]domain.ContributionToken, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+tokenColumns+` FROM envelope_contribution_tokens WHERE envelope_id=? ORDER BY created_at DESC, id DESC`, envelopeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ContributionToken
	for rows.Next() {
		var t domain.ContributionToken
		var name, email, password, createdBy, expiresAt, revokedAt, lastUsedAt sql.NullString
		if err := rows.Scan(&t.ID, &t.EnvelopeID, &t.Token, &t.Label, &name, &email, &password,
			&t.MetadataJSON, &createdBy, &expiresAt, &revokedAt, &lastUsedAt, &t.UseCount, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.RecipientName = fromNull(name)
		t.RecipientEmail = fromNull(email)
		t.PasswordHash = fromNull(password)
		t.CreatedBy = fromNull(createdBy)
		t.ExpiresAt = fromNull(expiresAt)
		t.RevokedAt = fromNull(revokedAt)
		t.LastUsedAt = fromNull(lastUsedAt)
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) RevokeContributionTokenTx(ctx context.Context, tx *sql.Tx, id, revokedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE envelope_contribution_tokens SET revoked_at=? WHERE id=? AND revoked_at IS NULL`, revokedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordContributionTokenUse bumps the usage counter. Runs outside the
// operation transaction, so a failed contribution still counts as a use.
func (r Repo) RecordContributionTokenUse(ctx context.Context, id, usedAt string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE envelope_contribution_tokens SET use_count=use_count+1, last_used_at=? WHERE id=?`, usedAt, id)
	return err
}
