package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"demeter.dev/internal/classify"
)

// Classifications returns the classification store backed by this pool.
func (s *Store) Classifications() classify.Store {
	return &classificationStore{db: s.db}
}

type classificationStore struct{ db *sql.DB }

var _ classify.Store = (*classificationStore)(nil)

const classificationColumns = `id, user_id, image_ref, status, grain_type, confidence, degraded, analysis, failure_reason, notes, deleted, deleted_at, created_at, updated_at`

func (s *classificationStore) Create(ctx context.Context, c *classify.Classification) error {
	analysis, err := marshalAnalysis(c.Analysis)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`insert into classifications(id, user_id, image_ref, status, grain_type, confidence, degraded, analysis, failure_reason, notes)
		 values($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		c.ID, c.UserID, c.ImageRef, string(c.Status), c.GrainType, nullFloat(c.Confidence), c.Degraded, analysis, c.FailureReason, c.Notes,
	)
	return err
}

func (s *classificationStore) Resolve(ctx context.Context, id string, status classify.Status, verdict *classify.Verdict, failureReason string) error {
	var (
		grainType  string
		confidence sql.NullFloat64
		degraded   bool
		analysis   []byte
	)
	if verdict != nil {
		grainType = verdict.GrainType
		confidence = sql.NullFloat64{Float64: verdict.Confidence, Valid: true}
		degraded = verdict.Degraded
		var err error
		analysis, err = marshalAnalysis(verdict.Analysis)
		if err != nil {
			return err
		}
	}
	res, err := s.db.ExecContext(ctx,
		`update classifications
		 set status=$2, grain_type=$3, confidence=$4, degraded=$5, analysis=$6, failure_reason=$7, updated_at=now()
		 where id=$1 and status='pending'`,
		id, string(status), grainType, confidence, degraded, analysis, failureReason,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return classify.ErrConflict
	}
	return nil
}

func (s *classificationStore) Find(ctx context.Context, id string, includeDeleted bool) (*classify.Classification, error) {
	q := `select ` + classificationColumns + ` from classifications where id=$1`
	if !includeDeleted {
		q += ` and not deleted`
	}
	return scanClassification(s.db.QueryRowContext(ctx, q, id))
}

func (s *classificationStore) List(ctx context.Context, filter classify.ListFilter) ([]*classify.Classification, error) {
	where, args := buildFilter(filter)
	q := fmt.Sprintf(
		`select %s from classifications %s order by created_at desc limit %d offset %d`,
		classificationColumns, where, filter.Limit, filter.Offset,
	)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*classify.Classification
	for rows.Next() {
		c, err := scanClassification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *classificationStore) Count(ctx context.Context, filter classify.ListFilter) (int, error) {
	where, args := buildFilter(filter)
	var n int
	err := s.db.QueryRowContext(ctx, `select count(*) from classifications `+where, args...).Scan(&n)
	return n, err
}

func (s *classificationStore) UpdateNotes(ctx context.Context, id, notes string) error {
	res, err := s.db.ExecContext(ctx,
		`update classifications set notes=$2, updated_at=now() where id=$1 and not deleted`,
		id, notes,
	)
	if err != nil {
		return err
	}
	return requireClassificationRow(res)
}

func (s *classificationStore) SoftDelete(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`update classifications set deleted=true, deleted_at=$2, updated_at=now()
		 where id=$1 and not deleted`,
		id, at,
	)
	return err
}

func (s *classificationStore) Restore(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`update classifications set deleted=false, deleted_at=null, updated_at=now()
		 where id=$1 and deleted`,
		id,
	)
	if err != nil {
		return err
	}
	return requireClassificationRow(res)
}

// buildFilter renders the where clause; arguments keep positional order.
func buildFilter(filter classify.ListFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if !filter.IncludeDeleted {
		conds = append(conds, "not deleted")
	}
	if filter.OwnerID != "" {
		args = append(args, filter.OwnerID)
		conds = append(conds, fmt.Sprintf("user_id=$%d", len(args)))
	}
	if filter.GrainType != "" {
		args = append(args, filter.GrainType)
		conds = append(conds, fmt.Sprintf("grain_type=$%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status=$%d", len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return "where " + strings.Join(conds, " and "), args
}

func scanClassification(row interface{ Scan(...any) error }) (*classify.Classification, error) {
	var (
		c          classify.Classification
		status     string
		confidence sql.NullFloat64
		analysis   []byte
		deletedAt  sql.NullTime
	)
	err := row.Scan(&c.ID, &c.UserID, &c.ImageRef, &status, &c.GrainType, &confidence, &c.Degraded,
		&analysis, &c.FailureReason, &c.Notes, &c.Deleted, &deletedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, classify.ErrNotFound
		}
		return nil, err
	}
	c.Status = classify.Status(status)
	if confidence.Valid {
		v := confidence.Float64
		c.Confidence = &v
	}
	if len(analysis) > 0 {
		if err := json.Unmarshal(analysis, &c.Analysis); err != nil {
			return nil, fmt.Errorf("decode analysis for %s: %w", c.ID, err)
		}
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		c.DeletedAt = &t
	}
	return &c, nil
}

func marshalAnalysis(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func requireClassificationRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return classify.ErrNotFound
	}
	return nil
}
