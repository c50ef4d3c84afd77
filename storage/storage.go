// Package storage defines interfaces, types, and errors for edx-mfe storage backends.
package storage

import (
	"context"
	"errors"
	"strings"
)

// SessionSentinel is stored in place of a real session cookie when the
// upstream login succeeded but no cookie could be extracted. Loaders
// treat it the same as "no session yet."
const SessionSentinel = "session_based"

var (
	// ErrLinkNotFound is returned when no link record backs a link ID or email.
	ErrLinkNotFound = errors.New("link not found")

	// ErrSessionNotFound is returned when an email has no session record.
	ErrSessionNotFound = errors.New("session not found")
)

// LinkRecord associates an opaque link ID with a user email.
// The link ID is the identity that threads a browser's navigation
// back to a stored upstream session.
type LinkRecord struct {
	LinkID string
	Email  string
}

// SessionRecord holds the upstream LMS session cookie for an email and
// the password that produced it. The cookie is never assumed valid; any
// proxied fetch may observe the upstream rotating it.
type SessionRecord struct {
	Email         string
	SessionCookie string
	Password      string
}

// Usable reports whether the record carries a real session cookie.
func (r *SessionRecord) Usable() bool {
	return r != nil && r.SessionCookie != "" && r.SessionCookie != SessionSentinel
}

// NormalizeEmail lower-cases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// LinkStore is the link registry contract.
type LinkStore interface {
	// RetrieveOrCreateLink returns the link record for email, creating
	// one with a fresh link ID if none exists. At most one link record
	// exists per (normalized) email; repeat calls return the same
	// record. The boolean reports whether a record was created.
	RetrieveOrCreateLink(ctx context.Context, email string) (*LinkRecord, bool, error)

	// RetrieveLink looks up a link record by link ID.
	RetrieveLink(ctx context.Context, linkID string) (*LinkRecord, error)

	// RetrieveLinkByEmail looks up a link record by (normalized) email.
	RetrieveLinkByEmail(ctx context.Context, email string) (*LinkRecord, error)
}

// SessionStore is the session store contract.
type SessionStore interface {
	// RetrieveSession looks up the session record for an email.
	RetrieveSession(ctx context.Context, email string) (*SessionRecord, error)

	// StoreSession creates or replaces the session record for
	// record.Email, including any reverse cookie-to-email index.
	StoreSession(ctx context.Context, record *SessionRecord) error

	// UpdateSessionCookie overwrites just the stored session cookie for
	// email. Used when the upstream rotates the cookie mid-fetch; the
	// stored password is retained.
	UpdateSessionCookie(ctx context.Context, email, sessionCookie string) error

	// RetrieveEmailBySessionCookie reverse-looks-up the email owning a
	// session cookie value. Returns ErrSessionNotFound for unknown cookies.
	RetrieveEmailBySessionCookie(ctx context.Context, sessionCookie string) (string, error)
}

// AllStorage is the complete storage contract for the service.
type AllStorage interface {
	LinkStore
	SessionStore
}
