// Package proxy contains the HTTP handlers that relay browser traffic
// through the LMS: navigation, static assets, and the dashboard entry
// point. Every handler runs the same pipeline: resolve the link
// identity, load the stored session, fetch upstream, classify, respond.
package proxy

import (
	"errors"
	"net/http"
	"strings"

	mfehttp "github.com/SuriyaPasupathi/edx-mfe/http"
	"github.com/SuriyaPasupathi/edx-mfe/resolve"
	"github.com/SuriyaPasupathi/edx-mfe/rewrite"
	"github.com/SuriyaPasupathi/edx-mfe/storage"
	"github.com/SuriyaPasupathi/edx-mfe/upstream"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// staticPrefixes are upstream path prefixes always served without
// identity through the static proxy.
var staticPrefixes = []string{"/static/", "/assets/", "/asset-", "/media/"}

// Proxy relays browser traffic to the LMS.
type Proxy struct {
	store    storage.AllStorage
	resolver *resolve.Resolver
	rewriter *rewrite.Rewriter
	fetcher  *upstream.Fetcher
	policy   CookiePolicy
	base     string
	logger   log.Logger
}

// New assembles the proxy pipeline. base is the proxy's public base
// URL without a trailing slash.
func New(
	store storage.AllStorage,
	resolver *resolve.Resolver,
	rewriter *rewrite.Rewriter,
	fetcher *upstream.Fetcher,
	policy CookiePolicy,
	base string,
	logger log.Logger,
) *Proxy {
	return &Proxy{
		store:    store,
		resolver: resolver,
		rewriter: rewriter,
		fetcher:  fetcher,
		policy:   policy,
		base:     strings.TrimRight(base, "/"),
		logger:   logger,
	}
}

// NavHandler proxies authenticated LMS navigation. The handler expects
// the route prefix already stripped: r.URL.Path is the upstream path.
func (p *Proxy) NavHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), p.logger)

		switch r.Method {
		case http.MethodOptions:
			w.WriteHeader(http.StatusOK)
			return
		case http.MethodGet, http.MethodHead, http.MethodPost:
		default:
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}

		path := upstreamPath(r.URL.Path)
		if r.Method != http.MethodPost && isStaticPath(path) {
			http.Redirect(w, r, p.rewriter.StaticURL(path), http.StatusTemporaryRedirect)
			return
		}

		linkID, err := p.resolver.Resolve(r.Context(), r.Referer(), r.Cookies(), r.URL.Query())
		if err != nil {
			p.fail(w, logger, "resolving identity", err)
			return
		}

		link, err := p.store.RetrieveLink(r.Context(), linkID)
		if err != nil {
			p.fail(w, logger, "retrieving link", err)
			return
		}

		sess, err := p.store.RetrieveSession(r.Context(), link.Email)
		if err != nil && !errors.Is(err, storage.ErrSessionNotFound) {
			p.fail(w, logger, "retrieving session", err)
			return
		}
		if sess == nil || !sess.Usable() {
			// bounce through the access flow to establish a session
			http.Redirect(w, r, p.base+"/access/"+linkID+"?format=redirect", http.StatusTemporaryRedirect)
			return
		}

		var body []byte
		if r.Method == http.MethodPost {
			if body, err = mfehttp.ReadAllAndReplaceBody(r); err != nil {
				logger.Info("msg", "reading body", "err", err)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
		}

		result, err := p.fetcher.Fetch(r.Context(), &upstream.Request{
			Method:        r.Method,
			Path:          path,
			Query:         r.URL.Query(),
			Body:          body,
			ContentType:   r.Header.Get("Content-Type"),
			LinkID:        linkID,
			Email:         link.Email,
			SessionCookie: sess.SessionCookie,
			CSRFToken:     csrfFromRequest(r),
		})
		if err != nil {
			p.fail(w, logger, "fetching upstream", err)
			return
		}

		p.respond(w, r, result, linkID)
	}
}

// StaticHandler proxies unauthenticated static assets. The route
// prefix is expected to be already stripped.
func (p *Proxy) StaticHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), p.logger)

		switch r.Method {
		case http.MethodOptions:
			w.WriteHeader(http.StatusOK)
			return
		case http.MethodGet, http.MethodHead:
		default:
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}

		result, err := p.fetcher.Fetch(r.Context(), &upstream.Request{
			Method: r.Method,
			Path:   upstreamPath(r.URL.Path),
			Query:  r.URL.Query(),
		})
		if err != nil {
			p.fail(w, logger, "fetching static asset", err)
			return
		}
		if result.RedirectURL != "" {
			http.Redirect(w, r, result.RedirectURL, redirectStatus(result.StatusCode))
			return
		}

		w.Header().Set("Cache-Control", "public, max-age=3600")
		if result.ContentType != "" {
			w.Header().Set("Content-Type", result.ContentType)
		}
		w.WriteHeader(result.StatusCode)
		w.Write(result.Body)
	}
}

// DashboardHandler serves the dashboard entry point. The path after
// the stripped route prefix is "{link_id}" with an optional upstream
// path suffix.
func (p *Proxy) DashboardHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), p.logger)

		linkID, rest := splitLinkPath(r.URL.Path)
		if linkID == "" {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}

		link, err := p.store.RetrieveLink(r.Context(), linkID)
		if err != nil {
			p.fail(w, logger, "retrieving link", err)
			return
		}

		sess, err := p.store.RetrieveSession(r.Context(), link.Email)
		if err != nil && !errors.Is(err, storage.ErrSessionNotFound) {
			p.fail(w, logger, "retrieving session", err)
			return
		}
		if sess == nil || !sess.Usable() {
			http.Redirect(w, r, p.base+"/access/"+linkID+"?format=redirect", http.StatusTemporaryRedirect)
			return
		}

		path := "/dashboard"
		if rest != "" {
			path = rest
		}

		result, err := p.fetcher.Fetch(r.Context(), &upstream.Request{
			Method:        http.MethodGet,
			Path:          path,
			Query:         r.URL.Query(),
			LinkID:        linkID,
			Email:         link.Email,
			SessionCookie: sess.SessionCookie,
			CSRFToken:     csrfFromRequest(r),
		})
		if err != nil {
			p.fail(w, logger, "fetching dashboard", err)
			return
		}

		p.respond(w, r, result, linkID)
	}
}

// respond forwards the classified upstream result: cookies first, then
// either a redirect or the body.
func (p *Proxy) respond(w http.ResponseWriter, r *http.Request, result *upstream.Result, linkID string) {
	p.forwardCookies(w, result)
	http.SetCookie(w, p.policy.Tracking(resolve.TrackingCookie, linkID))

	if result.RedirectURL != "" {
		http.Redirect(w, r, result.RedirectURL, redirectStatus(result.StatusCode))
		return
	}
	if result.ContentType != "" {
		w.Header().Set("Content-Type", result.ContentType)
	}
	w.WriteHeader(result.StatusCode)
	w.Write(result.Body)
}

// forwardCookies passes upstream session and CSRF cookies on to the
// browser, re-scoped to the proxy and with the cross-site policy applied.
func (p *Proxy) forwardCookies(w http.ResponseWriter, result *upstream.Result) {
	forwardable := map[string]bool{}
	for _, name := range upstream.SessionCookieNames {
		forwardable[name] = true
	}
	for _, name := range upstream.CSRFCookieNames {
		forwardable[name] = true
	}
	for _, c := range result.Cookies {
		if !forwardable[c.Name] {
			continue
		}
		out := &http.Cookie{
			Name:   c.Name,
			Value:  c.Value,
			Path:   "/",
			MaxAge: c.MaxAge,
		}
		p.policy.Apply(out)
		http.SetCookie(w, out)
	}
}

// fail logs err and writes its mapped HTTP status with a generic body.
// Error bodies never carry upstream detail.
func (p *Proxy) fail(w http.ResponseWriter, logger log.Logger, msg string, err error) {
	status := errorStatus(err)
	logger.Info("msg", msg, "err", err, "status", status)
	http.Error(w, http.StatusText(status), status)
}

// errorStatus maps pipeline errors to HTTP statuses.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, resolve.ErrIdentityUnresolved):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrLinkNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrSessionNotFound):
		return http.StatusBadRequest
	case errors.Is(err, upstream.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, upstream.ErrUpstreamUnreachable):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// redirectStatus keeps upstream redirect statuses and defaults
// anything else to 307.
func redirectStatus(status int) int {
	if status >= 300 && status < 400 {
		return status
	}
	return http.StatusTemporaryRedirect
}

// upstreamPath normalizes the prefix-stripped request path to a
// leading-slash upstream path.
func upstreamPath(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

func isStaticPath(path string) bool {
	for _, prefix := range staticPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// splitLinkPath splits a prefix-stripped dashboard path into the link
// ID segment and the remaining upstream path.
func splitLinkPath(path string) (linkID, rest string) {
	path = strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i], path[i:]
	}
	return path, ""
}

// csrfFromRequest returns the CSRF token the browser holds, if any.
func csrfFromRequest(r *http.Request) string {
	for _, name := range upstream.CSRFCookieNames {
		if c, err := r.Cookie(name); err == nil && c.Value != "" {
			return c.Value
		}
	}
	return r.Header.Get("X-CSRFToken")
}
