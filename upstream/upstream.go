// Package upstream talks to the LMS on behalf of proxied browsers. It
// owns the outbound HTTP mechanics: cookie replay under every
// historical session cookie name, CSRF double-submit, redirect
// interception, and session cookie rotation.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/SuriyaPasupathi/edx-mfe/rewrite"
	"github.com/SuriyaPasupathi/edx-mfe/storage"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// Doer executes an HTTP request.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

var (
	// ErrUpstreamUnreachable occurs when the LMS cannot be reached at all.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")

	// ErrUpstreamTimeout occurs when the LMS does not answer in time.
	ErrUpstreamTimeout = errors.New("upstream timeout")
)

// SessionCookieNames are every cookie name the LMS deployment has used
// for its session across versions. Outbound requests replay the stored
// session value under all of them.
var SessionCookieNames = []string{"lms_sessionid", "sessionid", "edxsessionid"}

// CSRFCookieNames are the cookie names the LMS accepts its CSRF token under.
var CSRFCookieNames = []string{"csrftoken", "edxcsrftoken"}

// DefaultTimeout bounds a single upstream exchange.
const DefaultTimeout = 30 * time.Second

// Request describes one upstream exchange on behalf of a proxied browser.
type Request struct {
	Method      string
	Path        string
	Query       url.Values
	Body        []byte
	ContentType string

	// LinkID threads the link identity into rewritten output.
	LinkID string

	// Email identifies whose session to rotate when upstream sets a
	// new session cookie. Empty disables rotation.
	Email string

	// SessionCookie is the stored upstream session value. Empty or the
	// session sentinel means the exchange runs unauthenticated.
	SessionCookie string

	// CSRFToken is the stored CSRF token; a token embedded in the
	// request body overrides it.
	CSRFToken string
}

// Result is a classified upstream response ready to serve to the browser.
type Result struct {
	StatusCode  int
	ContentType string
	Body        []byte

	// RedirectURL, when set, turns the result into a redirect the
	// orchestrator serves with StatusCode.
	RedirectURL string

	// Cookies are the upstream Set-Cookie values to forward.
	Cookies []*http.Cookie
}

// Fetcher performs upstream exchanges against the LMS and its
// micro-app origins.
type Fetcher struct {
	lms      *url.URL
	routes   []originRoute
	doer     Doer
	rewriter *rewrite.Rewriter
	sessions storage.SessionStore
	timeout  time.Duration
	logger   log.Logger
}

// originRoute maps a request path prefix to the micro-app origin that
// owns it.
type originRoute struct {
	prefix string
	origin *url.URL
}

type Option func(*Fetcher)

// WithDoer sets the HTTP client seam. The client must not follow
// redirects: redirect responses are classified, not chased.
func WithDoer(doer Doer) Option {
	return func(f *Fetcher) { f.doer = doer }
}

// WithTimeout overrides the per-exchange timeout.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) { f.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(f *Fetcher) { f.logger = logger }
}

// New creates a Fetcher targeting the LMS origin plus the micro-app
// origins configured in the rewriter, dispatched by path prefix. The
// sessions store may be nil to disable cookie rotation.
func New(lmsOrigin string, rewriter *rewrite.Rewriter, sessions storage.SessionStore, opts ...Option) (*Fetcher, error) {
	lms, err := url.Parse(lmsOrigin)
	if err != nil {
		return nil, fmt.Errorf("parsing LMS origin: %w", err)
	}
	f := &Fetcher{
		lms:      lms,
		rewriter: rewriter,
		sessions: sessions,
		timeout:  DefaultTimeout,
		logger:   log.NopLogger,
	}
	for _, mfe := range []struct{ prefix, origin string }{
		{"/learning", rewriter.LearningOrigin()},
		{"/authn", rewriter.AuthnOrigin()},
	} {
		if mfe.origin == "" {
			continue
		}
		origin, err := url.Parse(mfe.origin)
		if err != nil {
			return nil, fmt.Errorf("parsing %s origin: %w", strings.TrimPrefix(mfe.prefix, "/"), err)
		}
		f.routes = append(f.routes, originRoute{prefix: mfe.prefix, origin: origin})
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.doer == nil {
		f.doer = &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return f, nil
}

// Fetch performs one upstream exchange and classifies the response.
func (f *Fetcher) Fetch(ctx context.Context, req *Request) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	logger := ctxlog.Logger(ctx, f.logger)

	httpReq, err := f.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := f.doer.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrUpstreamUnreachable, err)
	}

	if err := f.rotateSession(ctx, req, resp.Cookies()); err != nil {
		logger.Info("msg", "persisting rotated session cookie", "err", err)
	}

	return f.classify(req, resp, body), nil
}

// originFor picks the upstream origin owning a request path: micro-app
// path prefixes win, the main LMS is the fallback.
func (f *Fetcher) originFor(path string) *url.URL {
	for _, route := range f.routes {
		if path == route.prefix || strings.HasPrefix(path, route.prefix+"/") {
			return route.origin
		}
	}
	return f.lms
}

// buildRequest assembles the outbound request: URL, prepared body,
// cookies under every historical name, and CSRF double-submit.
func (f *Fetcher) buildRequest(ctx context.Context, req *Request) (*http.Request, error) {
	u := *f.originFor(req.Path)
	u.Path = req.Path
	query := url.Values{}
	for k, vs := range req.Query {
		if k == rewrite.LinkParam {
			continue
		}
		query[k] = vs
	}
	u.RawQuery = query.Encode()

	body, contentType, bodyToken := prepareBody(req.Method, req.Body, req.ContentType)

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("User-Agent", "Mozilla/5.0 (compatible; edx-mfe-proxy)")
	httpReq.Header.Set("Referer", f.lms.String()+"/")
	httpReq.Header.Set("Accept-Language", "en-US,en;q=0.9")

	if req.SessionCookie != "" && req.SessionCookie != storage.SessionSentinel {
		for _, name := range SessionCookieNames {
			httpReq.AddCookie(&http.Cookie{Name: name, Value: req.SessionCookie})
		}
	}

	csrf := req.CSRFToken
	if bodyToken != "" {
		// token the browser submitted wins over the stored one
		csrf = bodyToken
	}
	if csrf != "" {
		for _, name := range CSRFCookieNames {
			httpReq.AddCookie(&http.Cookie{Name: name, Value: csrf})
		}
		httpReq.Header.Set("X-CSRFToken", csrf)
	}
	return httpReq, nil
}

// rotateSession persists a changed upstream session cookie so later
// requests replay the fresh value. Last write wins.
func (f *Fetcher) rotateSession(ctx context.Context, req *Request, cookies []*http.Cookie) error {
	if f.sessions == nil || req.Email == "" {
		return nil
	}
	rotated := sessionCookieValue(cookies)
	if rotated == "" || rotated == req.SessionCookie {
		return nil
	}
	ctxlog.Logger(ctx, f.logger).Debug(
		"msg", "session cookie rotated",
		"email", req.Email,
	)
	return f.sessions.UpdateSessionCookie(ctx, req.Email, rotated)
}

// sessionCookieValue returns the first upstream session cookie value
// present in cookies, honoring the historical name order.
func sessionCookieValue(cookies []*http.Cookie) string {
	for _, name := range SessionCookieNames {
		for _, c := range cookies {
			if c.Name == name && c.Value != "" {
				return c.Value
			}
		}
	}
	return ""
}

// classify maps an upstream response to what the browser should see.
func (f *Fetcher) classify(req *Request, resp *http.Response, body []byte) *Result {
	result := &Result{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		Cookies:     resp.Cookies(),
	}

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		loc := f.rewriter.RewriteLocation(resp.Header.Get("Location"), req.Path, req.LinkID)
		if loc.EmbedHTML != nil {
			result.StatusCode = http.StatusOK
			result.ContentType = "text/html; charset=utf-8"
			result.Body = loc.EmbedHTML
			return result
		}
		result.RedirectURL = loc.URL
		result.Body = nil
		return result
	}

	if resp.StatusCode != http.StatusOK {
		return result
	}

	switch {
	case strings.Contains(result.ContentType, "application/json"):
		// passthrough
	case isBarePath(body, result.ContentType):
		result.ContentType = "text/plain; charset=utf-8"
		result.Body = []byte(f.rewriter.RewriteBarePath(string(body), req.LinkID))
	case strings.Contains(result.ContentType, "text/html"):
		result.Body = f.rewriter.RewriteHTML(body, req.LinkID)
	}
	return result
}

// isBarePath reports whether an OK response body is a bare upstream
// path rather than a document. The LMS enrollment action answers this
// way and the browser script navigates to the body literally.
func isBarePath(body []byte, contentType string) bool {
	if len(body) == 0 || len(body) > 512 {
		return false
	}
	if strings.Contains(contentType, "text/html") && bytes.Contains(body, []byte("<")) {
		return false
	}
	s := strings.TrimSpace(string(body))
	return strings.HasPrefix(s, "/") && !strings.ContainsAny(s, "<> \n")
}
