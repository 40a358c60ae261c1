package classify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"demeter.dev/internal/audit"
	"demeter.dev/internal/auth"
	"demeter.dev/internal/blob"
	"demeter.dev/internal/ids"
)

const (
	// ResourceName is the permission resource for classifications.
	ResourceName = "classifications"

	defaultMaxImageBytes  = 10 << 20 // 10 MiB
	defaultGatewayTimeout = 30 * time.Second
)

var allowedContentTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
}

// Service is the classification pipeline: image intake, gateway invocation
// and persisted results, with every operation gated by the authorizer.
type Service struct {
	store   Store
	blobs   blob.Store
	gateway Gateway
	authz   *auth.Authorizer
	audit   *audit.Recorder
	now     func() time.Time

	maxImageBytes  int64
	gatewayTimeout time.Duration
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithMaxImageBytes overrides the image size ceiling.
func WithMaxImageBytes(n int64) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.maxImageBytes = n
		}
	}
}

// WithGatewayTimeout bounds the remote classifier call.
func WithGatewayTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.gatewayTimeout = d
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService wires the pipeline.
func NewService(store Store, blobs blob.Store, gateway Gateway, authz *auth.Authorizer, rec *audit.Recorder, opts ...ServiceOption) *Service {
	s := &Service{
		store:          store,
		blobs:          blobs,
		gateway:        gateway,
		authz:          authz,
		audit:          rec,
		now:            time.Now,
		maxImageBytes:  defaultMaxImageBytes,
		gatewayTimeout: defaultGatewayTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates and stores the image, creates a pending record, invokes
// the gateway and resolves the record to completed or failed. The terminal
// status write happens even when the gateway call is cancelled or errors;
// no record is left stuck in pending.
func (s *Service) Submit(ctx context.Context, subject auth.Subject, image []byte, notes string) (*Classification, error) {
	if err := s.authz.Authorize(ctx, subject, auth.PermClassificationsCreateOwn, subject.UserID); err != nil {
		return nil, err
	}
	contentType, err := s.validateImage(image)
	if err != nil {
		return nil, err
	}

	ref, err := s.blobs.Put(ctx, image, contentType)
	if err != nil {
		return nil, fmt.Errorf("store image: %w", err)
	}

	rec := &Classification{
		ID:        ids.New(),
		UserID:    subject.UserID,
		ImageRef:  ref,
		Status:    StatusPending,
		Notes:     strings.TrimSpace(notes),
		CreatedAt: s.now().UTC(),
		UpdatedAt: s.now().UTC(),
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return nil, err
	}

	gctx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	verdict, gwErr := s.gateway.Classify(gctx, image)
	cancel()

	// The status write is detached from the request context so cancellation
	// cannot strand the record in pending.
	base := context.WithoutCancel(ctx)
	if gwErr != nil {
		rec.Status = StatusFailed
		rec.FailureReason = failureReason(gwErr)
		if err := s.resolve(base, rec.ID, StatusFailed, nil, rec.FailureReason); err != nil {
			return nil, err
		}
	} else {
		rec.Status = StatusCompleted
		rec.GrainType = verdict.GrainType
		c := verdict.Confidence
		rec.Confidence = &c
		rec.Degraded = verdict.Degraded
		rec.Analysis = verdict.Analysis
		if err := s.resolve(base, rec.ID, StatusCompleted, &verdict, ""); err != nil {
			return nil, err
		}
	}
	rec.UpdatedAt = s.now().UTC()

	s.audit.Record(ctx, audit.Entry{
		ActorID:      subject.UserID,
		Action:       "classification.submitted",
		ResourceType: ResourceName,
		ResourceID:   rec.ID,
		Outcome:      audit.OutcomeAllowed,
		Metadata:     map[string]any{"status": string(rec.Status)},
	})
	return rec, nil
}

// resolve performs the compare-and-set with one internal retry. A record that
// some other writer already resolved stays with that writer's outcome.
func (s *Service) resolve(ctx context.Context, id string, status Status, verdict *Verdict, reason string) error {
	err := s.store.Resolve(ctx, id, status, verdict, reason)
	if err == nil || !errors.Is(err, ErrConflict) {
		return err
	}
	fresh, ferr := s.store.Find(ctx, id, true)
	if ferr != nil {
		return ferr
	}
	if fresh.Status != StatusPending {
		// Lost the race to a terminal status; nothing left to do.
		return nil
	}
	return s.store.Resolve(ctx, id, status, verdict, reason)
}

// Get returns a classification, enforcing ownership unless the subject holds
// the all-scope read permission.
func (s *Service) Get(ctx context.Context, subject auth.Subject, id string) (*Classification, error) {
	rec, err := s.store.Find(ctx, id, false)
	if err != nil {
		return nil, err
	}
	if err := s.authz.AuthorizeOwnership(ctx, subject, ResourceName, "read", rec.UserID); err != nil {
		return nil, err
	}
	return rec, nil
}

// Image returns the stored image bytes for a classification the subject may read.
func (s *Service) Image(ctx context.Context, subject auth.Subject, id string) ([]byte, error) {
	rec, err := s.Get(ctx, subject, id)
	if err != nil {
		return nil, err
	}
	return s.blobs.Get(ctx, rec.ImageRef)
}

// List returns classifications scoped to the subject's own records unless the
// all-scope read permission is held. Soft-deleted rows only appear when an
// all-scope reader asks for them explicitly.
func (s *Service) List(ctx context.Context, subject auth.Subject, filter ListFilter) ([]*Classification, int, error) {
	all, err := s.authz.Holds(ctx, subject, auth.PermClassificationsReadAll)
	if err != nil {
		return nil, 0, err
	}
	if !all {
		if err := s.authz.Authorize(ctx, subject, auth.PermClassificationsReadOwn, subject.UserID); err != nil {
			return nil, 0, err
		}
		filter.OwnerID = subject.UserID
		filter.IncludeDeleted = false
	}
	filter = filter.Normalize()
	items, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.store.Count(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// UpdateNotes replaces the free-form notes on a classification.
func (s *Service) UpdateNotes(ctx context.Context, subject auth.Subject, id, notes string) (*Classification, error) {
	rec, err := s.store.Find(ctx, id, false)
	if err != nil {
		return nil, err
	}
	if err := s.authz.AuthorizeOwnership(ctx, subject, ResourceName, "update", rec.UserID); err != nil {
		return nil, err
	}
	notes = strings.TrimSpace(notes)
	if err := s.store.UpdateNotes(ctx, id, notes); err != nil {
		return nil, err
	}
	rec.Notes = notes
	return rec, nil
}

// SoftDelete hides a classification without purging it. Deleting an already
// deleted record is a no-op.
func (s *Service) SoftDelete(ctx context.Context, subject auth.Subject, id string) error {
	rec, err := s.store.Find(ctx, id, true)
	if err != nil {
		return err
	}
	if err := s.authz.AuthorizeOwnership(ctx, subject, ResourceName, "delete", rec.UserID); err != nil {
		return err
	}
	if rec.Deleted {
		return nil
	}
	if err := s.store.SoftDelete(ctx, id, s.now().UTC()); err != nil {
		return err
	}
	s.audit.Record(ctx, audit.Entry{
		ActorID:      subject.UserID,
		Action:       "classification.soft_deleted",
		ResourceType: ResourceName,
		ResourceID:   id,
		Outcome:      audit.OutcomeAllowed,
	})
	return nil
}

// Restore brings a soft-deleted classification back. Requires the all-scope
// delete permission; restoring a live record is a no-op.
func (s *Service) Restore(ctx context.Context, subject auth.Subject, id string) error {
	if err := s.authz.Authorize(ctx, subject, auth.PermClassificationsDeleteAll, ""); err != nil {
		return err
	}
	rec, err := s.store.Find(ctx, id, true)
	if err != nil {
		return err
	}
	if !rec.Deleted {
		return nil
	}
	if err := s.store.Restore(ctx, id); err != nil {
		return err
	}
	s.audit.Record(ctx, audit.Entry{
		ActorID:      subject.UserID,
		Action:       "classification.restored",
		ResourceType: ResourceName,
		ResourceID:   id,
		Outcome:      audit.OutcomeAllowed,
	})
	return nil
}

func (s *Service) validateImage(image []byte) (string, error) {
	if len(image) == 0 {
		return "", fmt.Errorf("%w: image is empty", ErrValidation)
	}
	if int64(len(image)) > s.maxImageBytes {
		return "", fmt.Errorf("%w: image exceeds %d bytes", ErrValidation, s.maxImageBytes)
	}
	// Sniff the real content type; the client-declared header is not trusted.
	contentType := http.DetectContentType(image)
	if _, ok := allowedContentTypes[contentType]; !ok {
		return "", fmt.Errorf("%w: unsupported content type %s", ErrValidation, contentType)
	}
	return contentType, nil
}

func failureReason(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "classifier timeout"
	}
	return err.Error()
}
