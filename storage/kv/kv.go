// Package kv implements an edx-mfe storage backend that uses key-value stores.
package kv

import (
	"context"
	"errors"
	"strings"

	"github.com/SuriyaPasupathi/edx-mfe/storage"

	"github.com/google/uuid"
	"github.com/micromdm/nanolib/storage/kv"
)

const (
	keySep = "."

	keyEmail         = "email"
	keyLinkID        = "link_id"
	keySessionCookie = "session_cookie"
	keyPassword      = "password"
)

// join concatenates s together by placing [keySep] in-between.
func join(s ...string) string {
	return strings.Join(s, keySep)
}

// KV is an edx-mfe storage backend that uses key-value stores.
// The links bucket holds both directions of the link registry
// (link ID to email and email to link ID); the sessions bucket holds
// the session record fields plus a reverse index from session cookie
// value back to email so reverse lookup never scans.
type KV struct {
	links    kv.TxnCRUDBucket
	sessions kv.TxnCRUDBucket
}

// New creates a new edx-mfe storage backend that uses key-value stores.
func New(links, sessions kv.TxnCRUDBucket) *KV {
	if links == nil || sessions == nil {
		panic("nil bucket")
	}
	return &KV{links: links, sessions: sessions}
}

// RetrieveOrCreateLink returns the link for email, creating one if absent.
// Creation writes the forward and reverse keys in one bucket transaction
// so a duplicate link for the same email cannot be minted.
func (s *KV) RetrieveOrCreateLink(ctx context.Context, email string) (*storage.LinkRecord, bool, error) {
	email = storage.NormalizeEmail(email)
	var record *storage.LinkRecord
	var created bool
	err := kv.PerformCRUDBucketTxn(ctx, s.links, func(ctx context.Context, b kv.CRUDBucket) error {
		existing, err := b.Get(ctx, join(email, keyLinkID))
		if err == nil {
			record = &storage.LinkRecord{LinkID: string(existing), Email: email}
			return nil
		}
		if !errors.Is(err, kv.ErrKeyNotFound) {
			return err
		}
		linkID := uuid.NewString()
		if err = kv.SetMap(ctx, b, map[string][]byte{
			join(email, keyLinkID): []byte(linkID),
			join(linkID, keyEmail): []byte(email),
		}); err != nil {
			return err
		}
		record = &storage.LinkRecord{LinkID: linkID, Email: email}
		created = true
		return nil
	})
	return record, created, err
}

// RetrieveLink looks up the link record for linkID.
func (s *KV) RetrieveLink(ctx context.Context, linkID string) (*storage.LinkRecord, error) {
	email, err := s.links.Get(ctx, join(linkID, keyEmail))
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil, storage.ErrLinkNotFound
	} else if err != nil {
		return nil, err
	}
	return &storage.LinkRecord{LinkID: linkID, Email: string(email)}, nil
}

// RetrieveLinkByEmail looks up the link record for email.
func (s *KV) RetrieveLinkByEmail(ctx context.Context, email string) (*storage.LinkRecord, error) {
	email = storage.NormalizeEmail(email)
	linkID, err := s.links.Get(ctx, join(email, keyLinkID))
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil, storage.ErrLinkNotFound
	} else if err != nil {
		return nil, err
	}
	return &storage.LinkRecord{LinkID: string(linkID), Email: email}, nil
}

// RetrieveSession looks up the session record for email.
func (s *KV) RetrieveSession(ctx context.Context, email string) (*storage.SessionRecord, error) {
	email = storage.NormalizeEmail(email)
	cookie, err := s.sessions.Get(ctx, join(email, keySessionCookie))
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil, storage.ErrSessionNotFound
	} else if err != nil {
		return nil, err
	}
	password, err := s.sessions.Get(ctx, join(email, keyPassword))
	if err != nil && !errors.Is(err, kv.ErrKeyNotFound) {
		return nil, err
	}
	return &storage.SessionRecord{
		Email:         email,
		SessionCookie: string(cookie),
		Password:      string(password),
	}, nil
}

// StoreSession creates or replaces the session record for record.Email.
// The reverse cookie index entry for any previous cookie value is
// removed in the same transaction that writes the new one.
func (s *KV) StoreSession(ctx context.Context, record *storage.SessionRecord) error {
	email := storage.NormalizeEmail(record.Email)
	return kv.PerformCRUDBucketTxn(ctx, s.sessions, func(ctx context.Context, b kv.CRUDBucket) error {
		if err := s.dropReverseIndex(ctx, b, email); err != nil {
			return err
		}
		m := map[string][]byte{
			join(email, keySessionCookie): []byte(record.SessionCookie),
			join(email, keyPassword):      []byte(record.Password),
		}
		if record.SessionCookie != "" && record.SessionCookie != storage.SessionSentinel {
			m[join(record.SessionCookie, keyEmail)] = []byte(email)
		}
		return kv.SetMap(ctx, b, m)
	})
}

// UpdateSessionCookie overwrites the stored cookie for email, keeping the password.
func (s *KV) UpdateSessionCookie(ctx context.Context, email, sessionCookie string) error {
	email = storage.NormalizeEmail(email)
	return kv.PerformCRUDBucketTxn(ctx, s.sessions, func(ctx context.Context, b kv.CRUDBucket) error {
		if _, err := b.Get(ctx, join(email, keySessionCookie)); errors.Is(err, kv.ErrKeyNotFound) {
			return storage.ErrSessionNotFound
		} else if err != nil {
			return err
		}
		if err := s.dropReverseIndex(ctx, b, email); err != nil {
			return err
		}
		m := map[string][]byte{
			join(email, keySessionCookie): []byte(sessionCookie),
		}
		if sessionCookie != "" && sessionCookie != storage.SessionSentinel {
			m[join(sessionCookie, keyEmail)] = []byte(email)
		}
		return kv.SetMap(ctx, b, m)
	})
}

// RetrieveEmailBySessionCookie reverse-looks-up the email owning sessionCookie.
func (s *KV) RetrieveEmailBySessionCookie(ctx context.Context, sessionCookie string) (string, error) {
	if sessionCookie == "" || sessionCookie == storage.SessionSentinel {
		return "", storage.ErrSessionNotFound
	}
	email, err := s.sessions.Get(ctx, join(sessionCookie, keyEmail))
	if errors.Is(err, kv.ErrKeyNotFound) {
		return "", storage.ErrSessionNotFound
	} else if err != nil {
		return "", err
	}
	return string(email), nil
}

// dropReverseIndex deletes the cookie-to-email key for the cookie
// currently stored for email, if any.
func (s *KV) dropReverseIndex(ctx context.Context, b kv.CRUDBucket, email string) error {
	old, err := b.Get(ctx, join(email, keySessionCookie))
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	oldCookie := string(old)
	if oldCookie == "" || oldCookie == storage.SessionSentinel {
		return nil
	}
	err = b.Delete(ctx, join(oldCookie, keyEmail))
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil
	}
	return err
}
