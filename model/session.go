package model

import (
	"context"
)

// Session carries the caller's identity for the lifetime of a request. It is
// immutable after construction and safe for concurrent reads. Anonymous
// visitors are identified by an SPA-minted anonymous id so their in-progress
// intake state can survive the login redirect round trip.
type Session struct {
	SubjectID     string
	Handle        string
	Email         string
	Roles         []string
	AnonymousID   string
	BearerToken   string
	CorrelationID string
	TraceID       string
}

// Authenticated reports whether the caller carries a verified identity.
func (s *Session) Authenticated() bool {
	return s.SubjectID != ""
}

// Key returns the snapshot-store key for this session: the subject id when
// authenticated, the anonymous id otherwise. Anonymous and authenticated
// state are deliberately kept under distinct keys; the reconciliation engine
// migrates anonymous state across after login.
func (s *Session) Key() string {
	if s.Authenticated() {
		return "user:" + s.SubjectID
	}
	if s.AnonymousID != "" {
		return "anon:" + s.AnonymousID
	}
	return ""
}

// AnonymousKey returns the pre-login store key, if the caller presented an
// anonymous id alongside its credentials.
func (s *Session) AnonymousKey() string {
	if s.AnonymousID == "" {
		return ""
	}
	return "anon:" + s.AnonymousID
}

// HasRole returns true if the session contains the given role.
func (s *Session) HasRole(role string) bool {
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type sessionKey struct{}

// WithSession attaches a Session to the given context.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFrom extracts the Session from the context, or returns nil if not
// present.
func SessionFrom(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionKey{}).(*Session)
	return s
}

// MustSession extracts the Session from the context, panicking if it is not
// present. Safe to call in handlers behind the session middleware.
func MustSession(ctx context.Context) *Session {
	s := SessionFrom(ctx)
	if s == nil {
		panic("model: Session not found in context")
	}
	return s
}
