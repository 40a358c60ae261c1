package auth

import "context"

// Subject is the authenticated identity attached to a request context.
type Subject struct {
	UserID string
	Role   string
}

type subjectContextKey struct{}

// ContextWithSubject attaches the authenticated subject to the context.
func ContextWithSubject(ctx context.Context, subject Subject) context.Context {
	return context.WithValue(ctx, subjectContextKey{}, subject)
}

// SubjectFromContext extracts the authenticated subject from the context.
func SubjectFromContext(ctx context.Context) (Subject, bool) {
	if ctx == nil {
		return Subject{}, false
	}
	v, ok := ctx.Value(subjectContextKey{}).(Subject)
	if !ok || v.UserID == "" {
		return Subject{}, false
	}
	return v, true
}
