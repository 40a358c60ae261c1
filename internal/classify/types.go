package classify

import (
	"context"
	"time"
)

// Status is the lifecycle state of a classification. Transitions only move
// forward: pending -> completed | failed. Soft-delete is orthogonal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Verdict is the normalized answer of the remote classifier.
type Verdict struct {
	GrainType  string
	Confidence float64
	// Degraded marks a placeholder verdict substituted because the real
	// classifier was unreachable.
	Degraded bool
	Analysis map[string]any
}

// Classification is one grain-image classification request and its outcome.
type Classification struct {
	ID       string
	UserID   string
	ImageRef string

	Status        Status
	GrainType     string
	Confidence    *float64
	Degraded      bool
	Analysis      map[string]any
	FailureReason string

	Notes string

	Deleted   bool
	DeletedAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ListFilter narrows List and Count queries. An empty OwnerID means all
// owners, which the service only permits for all-scope readers.
type ListFilter struct {
	OwnerID        string
	GrainType      string
	Status         Status
	IncludeDeleted bool
	Limit          int
	Offset         int
}

const maxListLimit = 100

// Normalize clamps paging bounds to the values List actually applies, so
// callers can echo accurate pagination metadata.
func (f ListFilter) Normalize() ListFilter {
	if f.Limit <= 0 || f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Gateway is the remote classifier boundary. Implementations must honor
// context cancellation; the pipeline bounds every call with a deadline.
type Gateway interface {
	Classify(ctx context.Context, image []byte) (Verdict, error)
}
