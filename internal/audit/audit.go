// Package audit keeps the append-only record of security-relevant and
// data-mutating actions. Entries are immutable once written.
package audit

import (
	"context"
	"strings"
	"time"

	"demeter.dev/internal/ids"
	"demeter.dev/internal/obs"
)

// Outcome classifies what happened to the audited action.
type Outcome string

const (
	OutcomeAllowed Outcome = "allowed"
	OutcomeDenied  Outcome = "denied"
	OutcomeError   Outcome = "error"
)

// Entry is one audit record. ActorID is empty for anonymous failures
// (e.g. a login attempt against an unknown email).
type Entry struct {
	ID           string
	OccurredAt   time.Time
	ActorID      string
	Action       string
	ResourceType string
	ResourceID   string
	Outcome      Outcome
	Metadata     map[string]any
	RequestID    string
}

// Store appends immutable entries.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
}

// Recorder writes audit entries through a Store. Writes are best-effort with
// respect to the caller's response, but a failed write is never silent: it
// increments a metric and emits a structured log line for operability tooling.
type Recorder struct {
	store Store
	now   func() time.Time
}

// NewRecorder constructs a Recorder. A nil store degrades to log-only entries.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store, now: time.Now}
}

// WithClock overrides the time source (useful for tests).
func (r *Recorder) WithClock(fn func() time.Time) *Recorder {
	if fn != nil {
		r.now = fn
	}
	return r
}

// Record persists the entry. The caller's request must not fail because the
// audit write did, so Record returns nothing.
func (r *Recorder) Record(ctx context.Context, entry Entry) {
	if r == nil {
		return
	}
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = r.now().UTC()
	}
	if entry.RequestID == "" {
		entry.RequestID = RequestIDFromContext(ctx)
	}

	if r.store != nil {
		// Detached from the request context: cancellation of the response
		// must not lose the audit trail.
		if err := r.store.Append(context.WithoutCancel(ctx), &entry); err == nil {
			return
		} else {
			obs.CountAuditWriteFailure()
			obs.Emit(map[string]any{
				"ts":    r.now().UTC().Format(time.RFC3339Nano),
				"level": "error",
				"msg":   "audit_write_failed",
				"error": err.Error(),
			})
		}
	}

	// Fallback: the entry still lands in the structured log.
	line := map[string]any{
		"ts":            entry.OccurredAt.Format(time.RFC3339Nano),
		"type":          "audit",
		"action":        entry.Action,
		"outcome":       string(entry.Outcome),
		"resource_type": entry.ResourceType,
		"resource_id":   entry.ResourceID,
	}
	if entry.ActorID != "" {
		line["actor_id"] = entry.ActorID
	}
	if entry.RequestID != "" {
		line["request_id"] = entry.RequestID
	}
	if len(entry.Metadata) > 0 {
		line["fields"] = entry.Metadata
	}
	obs.Emit(line)
}

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context so entries can
// be correlated with request logs.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id, if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}
