package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"envline/internal/domain"
)

// Writer appends audit rows inside the caller's transaction. A failed
// append must fail the whole operation; callers never ignore its error.
type Writer struct {
	Now func() time.Time
}

type Snapshot map[string]any

type Entry struct {
	EnvelopeID string
	Action     string
	Actor      domain.Actor
	Before     Snapshot
	After      Snapshot
	Metadata   Snapshot
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, entry Entry) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	before, err := marshalSnapshot(entry.Before)
	if err != nil {
		return fmt.Errorf("marshal audit before: %w", err)
	}
	after, err := marshalSnapshot(entry.After)
	if err != nil {
		return fmt.Errorf("marshal audit after: %w", err)
	}
	metadata, err := marshalSnapshot(entry.Metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	actorType := entry.Actor.Type
	if actorType == "" {
		actorType = domain.ActorSystem
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO envelope_audit_logs(envelope_id,action,actor_type,actor_id,actor_role,before_json,after_json,metadata_json,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		entry.EnvelopeID, entry.Action, actorType, nullable(entry.Actor.ID), nullable(entry.Actor.Role),
		nullable(before), nullable(after), nullable(metadata), ts)
	if err != nil {
		return fmt.Errorf("append audit %s: %w", entry.Action, err)
	}
	return nil
}

func marshalSnapshot(s Snapshot) (string, error) {
	if len(s) == 0 {
		return "", nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
