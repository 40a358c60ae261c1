package audit

import (
	"context"
	"database/sql"
	"encoding/json"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Append(ctx context.Context, entry *Entry) error {
	meta, _ := json.Marshal(entry.Metadata)
	var actor sql.NullString
	if entry.ActorID != "" {
		actor = sql.NullString{String: entry.ActorID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`insert into audit_log(id, occurred_at, actor_id, action, resource_type, resource_id, outcome, metadata, request_id)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		entry.ID, entry.OccurredAt, actor, entry.Action,
		entry.ResourceType, entry.ResourceID, string(entry.Outcome), meta, entry.RequestID,
	)
	return err
}
