// Package authn obtains upstream LMS sessions for users the caller
// identifies only by email. It registers the account when it does not
// exist and then works through the known login strategies until one
// yields a session cookie.
package authn

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/SuriyaPasupathi/edx-mfe/storage"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
	"golang.org/x/net/publicsuffix"
)

const (
	registerPagePath = "/register"
	registrationPath = "/user_api/v1/account/registration/"
	loginSessionPath = "/user_api/v1/account/login_session/"
	loginAjaxPath    = "/login_ajax"
)

// FallbackPasswords are tried, in order, when neither the caller's
// password nor the configured default logs the account in. They cover
// the passwords historical provisioning scripts created accounts with.
var FallbackPasswords = []string{
	"password123", "Password123", "123456", "admin123", "test123", "user123", "demo123",
}

// sessionCookieNames are the names the LMS has set its session cookie
// under across versions.
var sessionCookieNames = []string{"lms_sessionid", "sessionid", "edxsessionid"}

// csrfCookieNames are the names the LMS has set its CSRF cookie under.
var csrfCookieNames = []string{"csrftoken", "edxcsrftoken"}

// ResolveError reports a failed session resolution. It lists the
// strategies attempted; password values are never included.
type ResolveError struct {
	Email      string
	Strategies []string
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf(
		"no login strategy succeeded for %s (tried: %s)",
		e.Email, strings.Join(e.Strategies, ", "),
	)
}

// Client resolves upstream sessions against one LMS.
type Client struct {
	lms             *url.URL
	defaultPassword string
	timeout         time.Duration
	transport       http.RoundTripper
	logger          log.Logger
}

type Option func(*Client)

// WithDefaultPassword sets the password used for registration and as
// the first login candidate when the caller supplies none.
func WithDefaultPassword(password string) Option {
	return func(c *Client) { c.defaultPassword = password }
}

// WithTransport sets the HTTP transport seam.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.transport = rt }
}

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a Client for the LMS at lmsOrigin.
func New(lmsOrigin string, opts ...Option) (*Client, error) {
	lms, err := url.Parse(lmsOrigin)
	if err != nil {
		return nil, fmt.Errorf("parsing LMS origin: %w", err)
	}
	c := &Client{
		lms:             lms,
		defaultPassword: "ChangeMe_123!",
		timeout:         30 * time.Second,
		logger:          log.NopLogger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// session holds the per-resolution HTTP state: one cookie jar per
// email so sessions never bleed between users.
type session struct {
	client *http.Client
	jar    *cookiejar.Jar
}

func (c *Client) newSession() (*session, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	return &session{
		client: &http.Client{Jar: jar, Timeout: c.timeout, Transport: c.transport},
		jar:    jar,
	}, nil
}

// Resolve obtains a usable upstream session for email. The account is
// registered first (an existing account is fine), then the login
// strategies run in order with each password candidate. An empty
// password means only the configured default and the fallback list are
// tried.
func (c *Client) Resolve(ctx context.Context, email, password string) (*storage.SessionRecord, error) {
	email = storage.NormalizeEmail(email)
	logger := ctxlog.Logger(ctx, c.logger).With("email", email)

	sess, err := c.newSession()
	if err != nil {
		return nil, err
	}

	candidates := passwordCandidates(password, c.defaultPassword)

	if err := c.register(ctx, sess, email, candidates[0]); err != nil {
		logger.Debug("msg", "registration attempt", "err", err)
	}

	var tried []string
	for _, candidate := range candidates {
		for _, strategy := range []struct {
			name  string
			login func(context.Context, *session, string, string) error
		}{
			{"api_login", c.apiLogin},
			{"form_login", c.formLogin},
		} {
			err := strategy.login(ctx, sess, email, candidate)
			tried = appendStrategy(tried, strategy.name)
			if err != nil {
				logger.Debug("msg", "login attempt failed", "strategy", strategy.name)
				continue
			}
			if cookie := c.sessionCookie(sess); cookie != "" {
				logger.Debug("msg", "session resolved", "strategy", strategy.name)
				return &storage.SessionRecord{
					Email:         email,
					SessionCookie: cookie,
					Password:      candidate,
				}, nil
			}
			// logged in but the session cookie is not observable;
			// mark the record so loaders know a session exists
			logger.Debug("msg", "login accepted without visible session cookie", "strategy", strategy.name)
			return &storage.SessionRecord{
				Email:         email,
				SessionCookie: storage.SessionSentinel,
				Password:      candidate,
			}, nil
		}
	}

	if err := c.emailOnlyLogin(ctx, sess, email); err == nil {
		if cookie := c.sessionCookie(sess); cookie != "" {
			logger.Debug("msg", "session resolved", "strategy", "email_only")
			return &storage.SessionRecord{Email: email, SessionCookie: cookie}, nil
		}
	}
	tried = appendStrategy(tried, "email_only")

	return nil, &ResolveError{Email: email, Strategies: tried}
}

// passwordCandidates orders the passwords to try: the caller's
// explicit password first, then the configured default, then the
// fallback list, with duplicates removed.
func passwordCandidates(password, defaultPassword string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	add(password)
	add(defaultPassword)
	for _, p := range FallbackPasswords {
		add(p)
	}
	return out
}

func appendStrategy(tried []string, name string) []string {
	for _, t := range tried {
		if t == name {
			return tried
		}
	}
	return append(tried, name)
}

// register creates the LMS account, tolerating one that already
// exists. A CSRF token is primed from the registration page first.
func (c *Client) register(ctx context.Context, sess *session, email, password string) error {
	csrf, err := c.primeCSRF(ctx, sess, registerPagePath)
	if err != nil {
		return fmt.Errorf("priming csrf: %w", err)
	}

	form := url.Values{}
	form.Set("email", email)
	form.Set("username", GenerateUsername(email))
	form.Set("name", GenerateUsername(email))
	form.Set("password", password)
	form.Set("honor_code", "true")
	form.Set("terms_of_service", "true")

	resp, body, err := c.postForm(ctx, sess, registrationPath, form, csrf)
	if err != nil {
		return err
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusConflict:
		// account already exists
		return nil
	case resp.StatusCode == http.StatusBadRequest && looksLikeExists(body):
		return nil
	}
	return fmt.Errorf("registration rejected: HTTP %d", resp.StatusCode)
}

// looksLikeExists reports whether a 400 registration response is the
// LMS's way of saying the account already exists.
func looksLikeExists(body []byte) bool {
	s := strings.ToLower(string(body))
	return strings.Contains(s, "already exists") ||
		strings.Contains(s, "already in use") ||
		strings.Contains(s, "belongs to an existing account")
}

// apiLogin authenticates through the user API login session endpoint.
func (c *Client) apiLogin(ctx context.Context, sess *session, email, password string) error {
	csrf, err := c.primeCSRF(ctx, sess, "/login")
	if err != nil {
		return err
	}
	form := url.Values{}
	form.Set("email", email)
	form.Set("password", password)
	resp, body, err := c.postForm(ctx, sess, loginSessionPath, form, csrf)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login session endpoint: HTTP %d", resp.StatusCode)
	}
	return loginBodySuccess(body)
}

// formLogin authenticates through the legacy login form endpoint.
func (c *Client) formLogin(ctx context.Context, sess *session, email, password string) error {
	csrf, err := c.primeCSRF(ctx, sess, "/login")
	if err != nil {
		return err
	}
	form := url.Values{}
	form.Set("email", email)
	form.Set("password", password)
	form.Set("remember", "false")
	resp, body, err := c.postForm(ctx, sess, loginAjaxPath, form, csrf)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login form endpoint: HTTP %d", resp.StatusCode)
	}
	return loginBodySuccess(body)
}

// emailOnlyLogin posts only the email to the legacy form. Some
// deployments run a backend that accepts this for provisioned users.
func (c *Client) emailOnlyLogin(ctx context.Context, sess *session, email string) error {
	csrf, err := c.primeCSRF(ctx, sess, "/login")
	if err != nil {
		return err
	}
	form := url.Values{}
	form.Set("email", email)
	resp, body, err := c.postForm(ctx, sess, loginAjaxPath, form, csrf)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("email-only login: HTTP %d", resp.StatusCode)
	}
	return loginBodySuccess(body)
}

// loginBodySuccess interprets an HTTP 200 login response body: a JSON
// body with success=false is still a failure.
func loginBodySuccess(body []byte) error {
	var reply struct {
		Success *bool  `json:"success"`
		Value   string `json:"value"`
	}
	if err := json.Unmarshal(body, &reply); err != nil {
		// non-JSON 200 bodies count as success; the cookie check decides
		return nil
	}
	if reply.Success != nil && !*reply.Success {
		return fmt.Errorf("login rejected: %s", reply.Value)
	}
	return nil
}

// primeCSRF fetches path so the LMS sets its CSRF cookie into the jar,
// and returns the token value.
func (c *Client) primeCSRF(ctx context.Context, sess *session, path string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.lms.String()+path, nil)
	if err != nil {
		return "", err
	}
	resp, err := sess.client.Do(req)
	if err != nil {
		return "", err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	for _, cookie := range sess.jar.Cookies(c.lms) {
		for _, name := range csrfCookieNames {
			if cookie.Name == name && cookie.Value != "" {
				return cookie.Value, nil
			}
		}
	}
	// some deployments only set the cookie on the POST; proceed without
	return "", nil
}

// postForm submits an urlencoded form with CSRF double-submit headers.
func (c *Client) postForm(ctx context.Context, sess *session, path string, form url.Values, csrf string) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.lms.String()+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", c.lms.String()+"/")
	req.Header.Set("Accept", "application/json")
	if csrf != "" {
		req.Header.Set("X-CSRFToken", csrf)
	}
	resp, err := sess.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, err
	}
	return resp, body, nil
}

// sessionCookie returns the session cookie value the LMS deposited in
// the jar, if any.
func (c *Client) sessionCookie(sess *session) string {
	for _, name := range sessionCookieNames {
		for _, cookie := range sess.jar.Cookies(c.lms) {
			if cookie.Name == name && cookie.Value != "" {
				return cookie.Value
			}
		}
	}
	return ""
}
