package classify

import (
	"context"
	"time"
)

// Store describes persistence for classifications. Status writes are
// single-row compare-and-set operations so that two concurrent writers can
// never both move the same record out of pending.
type Store interface {
	Create(ctx context.Context, c *Classification) error
	// Resolve moves a pending record to completed (with verdict) or failed
	// (with reason). Returns ErrConflict when the record is no longer pending.
	Resolve(ctx context.Context, id string, status Status, verdict *Verdict, failureReason string) error
	// Find loads a record. Soft-deleted rows are only visible when
	// includeDeleted is set.
	Find(ctx context.Context, id string, includeDeleted bool) (*Classification, error)
	List(ctx context.Context, filter ListFilter) ([]*Classification, error)
	Count(ctx context.Context, filter ListFilter) (int, error)
	UpdateNotes(ctx context.Context, id, notes string) error
	// SoftDelete marks the row hidden; repeated calls are no-ops.
	SoftDelete(ctx context.Context, id string, at time.Time) error
	Restore(ctx context.Context, id string) error
}
