// Package resolve determines which link identity a proxied request
// belongs to. Requests arrive from inside a cross-origin iframe where
// the browser may withhold cookies, so identity is recovered from a
// fixed ladder of signals rather than a single one.
package resolve

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/SuriyaPasupathi/edx-mfe/storage"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// ErrIdentityUnresolved is returned when no resolution strategy yields
// a link identity for the request.
var ErrIdentityUnresolved = errors.New("identity unresolved")

// TrackingCookie is the proxy's own tracking cookie carrying the link
// identity across navigations that lose the query parameter.
const TrackingCookie = "edx_link_id"

// sessionCookieNames are the upstream session cookie names a browser
// may replay to us, in lookup order.
var sessionCookieNames = []string{"lms_sessionid", "sessionid"}

// Resolver recovers the link identity of a proxied request.
type Resolver struct {
	store  storage.AllStorage
	logger log.Logger
}

func New(store storage.AllStorage, logger log.Logger) *Resolver {
	return &Resolver{store: store, logger: logger}
}

// Resolve returns the link identity for a request. Strategies run in
// strict order and the first hit wins: referer marker paths, referer
// embedded query, tracking cookie, explicit query parameter, and
// finally a reverse session-cookie lookup. Referer-derived identity
// always beats cookie-derived identity.
func (r *Resolver) Resolve(ctx context.Context, referer string, cookies []*http.Cookie, query url.Values) (string, error) {
	logger := ctxlog.Logger(ctx, r.logger)

	if linkID := linkIDFromReferer(referer); linkID != "" {
		logger.Debug("msg", "resolved identity", "strategy", "referer", "link_id", linkID)
		return linkID, nil
	}

	for _, c := range cookies {
		if c.Name == TrackingCookie && c.Value != "" {
			logger.Debug("msg", "resolved identity", "strategy", "tracking_cookie", "link_id", c.Value)
			return c.Value, nil
		}
	}

	if linkID := query.Get("link_id"); linkID != "" {
		logger.Debug("msg", "resolved identity", "strategy", "query", "link_id", linkID)
		return linkID, nil
	}

	if linkID, err := r.linkIDFromSession(ctx, cookies); err == nil && linkID != "" {
		logger.Debug("msg", "resolved identity", "strategy", "session_cookie", "link_id", linkID)
		return linkID, nil
	}

	return "", ErrIdentityUnresolved
}

// linkIDFromReferer extracts a link identity from a referer URL:
// first from a /dashboard-proxy/{id} or /access/{id} path segment,
// then from a link_id query parameter on a nav-proxy referer.
func linkIDFromReferer(referer string) string {
	if referer == "" {
		return ""
	}
	u, err := url.Parse(referer)
	if err != nil {
		return ""
	}
	for _, marker := range []string{"/dashboard-proxy/", "/access/"} {
		if i := strings.Index(u.Path, marker); i >= 0 {
			seg := u.Path[i+len(marker):]
			if j := strings.IndexByte(seg, '/'); j >= 0 {
				seg = seg[:j]
			}
			if seg != "" {
				return seg
			}
		}
	}
	if strings.Contains(u.Path, "/openedx-proxy") {
		if linkID := u.Query().Get("link_id"); linkID != "" {
			return linkID
		}
	}
	return ""
}

// linkIDFromSession resolves identity backwards from an upstream
// session cookie the browser replayed: cookie value to email, email to
// link record.
func (r *Resolver) linkIDFromSession(ctx context.Context, cookies []*http.Cookie) (string, error) {
	for _, name := range sessionCookieNames {
		for _, c := range cookies {
			if c.Name != name || c.Value == "" {
				continue
			}
			email, err := r.store.RetrieveEmailBySessionCookie(ctx, c.Value)
			if errors.Is(err, storage.ErrSessionNotFound) {
				continue
			}
			if err != nil {
				return "", err
			}
			link, err := r.store.RetrieveLinkByEmail(ctx, email)
			if errors.Is(err, storage.ErrLinkNotFound) {
				continue
			}
			if err != nil {
				return "", err
			}
			return link.LinkID, nil
		}
	}
	return "", storage.ErrSessionNotFound
}
