// Package access implements the link management surface: generating
// access links, turning them into upstream sessions, and the
// operational probes.
package access

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/SuriyaPasupathi/edx-mfe/api"
	mfehttp "github.com/SuriyaPasupathi/edx-mfe/http"
	"github.com/SuriyaPasupathi/edx-mfe/http/proxy"
	"github.com/SuriyaPasupathi/edx-mfe/resolve"
	"github.com/SuriyaPasupathi/edx-mfe/rewrite"
	"github.com/SuriyaPasupathi/edx-mfe/storage"
	"github.com/SuriyaPasupathi/edx-mfe/upstream"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// SessionResolver obtains an upstream session for an email.
// Satisfied by authn.Client.
type SessionResolver interface {
	Resolve(ctx context.Context, email, password string) (*storage.SessionRecord, error)
}

// Service wires the access flow handlers.
type Service struct {
	store    storage.AllStorage
	authn    SessionResolver
	rewriter *rewrite.Rewriter
	policy   proxy.CookiePolicy
	base     string
	logger   log.Logger
}

// New assembles the access flow service. base is the proxy's public
// base URL without a trailing slash.
func New(
	store storage.AllStorage,
	authnClient SessionResolver,
	rewriter *rewrite.Rewriter,
	policy proxy.CookiePolicy,
	base string,
	logger log.Logger,
) *Service {
	return &Service{
		store:    store,
		authn:    authnClient,
		rewriter: rewriter,
		policy:   policy,
		base:     strings.TrimRight(base, "/"),
		logger:   logger,
	}
}

// accessURL returns the public access URL for linkID.
func (s *Service) accessURL(linkID string) string {
	return s.base + "/access/" + linkID
}

func (s *Service) dashboardURL(linkID string) string {
	return s.base + rewrite.DashRoute + "/" + linkID
}

// writeJSON encodes v to w, logging encode errors.
func writeJSON(logger log.Logger, w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "\t")
	if err := enc.Encode(v); err != nil && logger != nil {
		logger.Info("msg", "encoding json", "err", err)
	}
}

// requestEmail extracts the email from a JSON or form request body.
func requestEmail(r *http.Request) (string, string, error) {
	body, err := mfehttp.ReadAllAndReplaceBody(r)
	if err != nil {
		return "", "", err
	}
	contentType := r.Header.Get("Content-Type")
	if strings.Contains(contentType, "application/json") {
		var payload struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return "", "", err
		}
		return payload.Email, payload.Password, nil
	}
	if err := r.ParseForm(); err != nil {
		return "", "", err
	}
	return r.PostFormValue("email"), r.PostFormValue("password"), nil
}

// GenerateLinkHandler creates (or returns) a persistent access link
// for an email.
func (s *Service) GenerateLinkHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), s.logger)

		if r.Method != http.MethodPost {
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}

		email, _, err := requestEmail(r)
		if err != nil || email == "" {
			writeJSON(logger, w, http.StatusBadRequest, &api.LinkResult{
				Error: api.NewError(errors.New("email is required")),
			})
			return
		}

		link, created, err := s.store.RetrieveOrCreateLink(r.Context(), email)
		if err != nil {
			logger.Info("msg", "creating link", "err", err)
			writeJSON(logger, w, http.StatusInternalServerError, &api.LinkResult{
				Error: api.NewError(errors.New("creating link failed")),
			})
			return
		}
		logger.Debug("msg", "link generated", "link_id", link.LinkID, "created", created)

		if strings.Contains(r.Header.Get("Accept"), "text/html") {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Write(embedSnippet(s.accessURL(link.LinkID)))
			return
		}
		writeJSON(logger, w, http.StatusOK, &api.LinkResult{
			LinkID:    link.LinkID,
			Email:     link.Email,
			AccessURL: s.accessURL(link.LinkID),
			Created:   created,
		})
	}
}

// AccessHandler turns an access link into a live session and lands the
// browser on the dashboard. The route prefix is expected stripped:
// r.URL.Path carries the link ID.
func (s *Service) AccessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), s.logger)

		linkID := strings.Trim(r.URL.Path, "/")
		if linkID == "" {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}

		link, err := s.store.RetrieveLink(r.Context(), linkID)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, storage.ErrLinkNotFound) {
				status = http.StatusNotFound
			}
			logger.Info("msg", "retrieving link", "err", err)
			http.Error(w, http.StatusText(status), status)
			return
		}

		record, err := s.authn.Resolve(r.Context(), link.Email, "")
		if err != nil {
			logger.Info("msg", "resolving session", "err", err)
			if r.URL.Query().Get("format") == "json" {
				writeJSON(logger, w, http.StatusBadGateway, &api.SessionResult{
					Email:  link.Email,
					LinkID: linkID,
					Error:  api.NewError(errors.New("session resolution failed")),
				})
				return
			}
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
			return
		}

		if err := s.store.StoreSession(r.Context(), record); err != nil {
			logger.Info("msg", "storing session", "err", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		s.setSessionCookies(w, record, linkID)

		switch r.URL.Query().Get("format") {
		case "json":
			writeJSON(logger, w, http.StatusOK, &api.SessionResult{
				Email:        link.Email,
				LinkID:       linkID,
				HasSession:   record.Usable(),
				DashboardURL: s.dashboardURL(linkID),
			})
		case "iframe":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Write(embedSnippet(s.dashboardURL(linkID)))
		default:
			http.Redirect(w, r, s.dashboardURL(linkID), http.StatusTemporaryRedirect)
		}
	}
}

// AutoLoginHandler resolves a session for an existing user by email
// and lands on the dashboard. The route prefix is expected stripped:
// r.URL.Path carries the email.
func (s *Service) AutoLoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), s.logger)

		email := strings.Trim(r.URL.Path, "/")
		if email == "" {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}

		link, _, err := s.store.RetrieveOrCreateLink(r.Context(), email)
		if err != nil {
			logger.Info("msg", "creating link", "err", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		record, err := s.authn.Resolve(r.Context(), email, "")
		if err != nil {
			logger.Info("msg", "auto-login", "err", err)
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
			return
		}
		if err := s.store.StoreSession(r.Context(), record); err != nil {
			logger.Info("msg", "storing session", "err", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		s.setSessionCookies(w, record, link.LinkID)
		http.Redirect(w, r, s.dashboardURL(link.LinkID), http.StatusTemporaryRedirect)
	}
}

// CustomLoginHandler resolves a session with a caller-supplied password.
func (s *Service) CustomLoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), s.logger)

		if r.Method != http.MethodPost {
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}

		email, password, err := requestEmail(r)
		if err != nil || email == "" {
			writeJSON(logger, w, http.StatusBadRequest, &api.SessionResult{
				Error: api.NewError(errors.New("email is required")),
			})
			return
		}

		link, _, err := s.store.RetrieveOrCreateLink(r.Context(), email)
		if err != nil {
			logger.Info("msg", "creating link", "err", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		record, err := s.authn.Resolve(r.Context(), email, password)
		if err != nil {
			logger.Info("msg", "custom login", "err", err)
			writeJSON(logger, w, http.StatusUnauthorized, &api.SessionResult{
				Email:  storage.NormalizeEmail(email),
				LinkID: link.LinkID,
				Error:  api.NewError(errors.New("login failed")),
			})
			return
		}
		if err := s.store.StoreSession(r.Context(), record); err != nil {
			logger.Info("msg", "storing session", "err", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		s.setSessionCookies(w, record, link.LinkID)
		writeJSON(logger, w, http.StatusOK, &api.SessionResult{
			Email:        record.Email,
			LinkID:       link.LinkID,
			HasSession:   record.Usable(),
			DashboardURL: s.dashboardURL(link.LinkID),
		})
	}
}

// SSOHandler registers-or-logs-in an email and redirects straight to
// the proxied dashboard with cookies set.
func (s *Service) SSOHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), s.logger)

		if r.Method != http.MethodPost {
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}

		email, password, err := requestEmail(r)
		if err != nil || email == "" {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}

		link, _, err := s.store.RetrieveOrCreateLink(r.Context(), email)
		if err != nil {
			logger.Info("msg", "creating link", "err", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		record, err := s.authn.Resolve(r.Context(), email, password)
		if err != nil {
			logger.Info("msg", "sso", "err", err)
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
			return
		}
		if err := s.store.StoreSession(r.Context(), record); err != nil {
			logger.Info("msg", "storing session", "err", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		s.setSessionCookies(w, record, link.LinkID)
		http.Redirect(w, r, s.rewriter.NavURL("/dashboard", link.LinkID), http.StatusTemporaryRedirect)
	}
}

// setSessionCookies deposits the upstream session and tracking cookies
// on the browser so later proxied requests resolve without the query
// parameter.
func (s *Service) setSessionCookies(w http.ResponseWriter, record *storage.SessionRecord, linkID string) {
	if record.Usable() {
		for _, name := range upstream.SessionCookieNames {
			c := &http.Cookie{Name: name, Value: record.SessionCookie, Path: "/"}
			s.policy.Apply(c)
			http.SetCookie(w, c)
		}
	}
	http.SetCookie(w, s.policy.Tracking(resolve.TrackingCookie, linkID))
}

// embedSnippet is a minimal full-page iframe document for url.
func embedSnippet(url string) []byte {
	return []byte(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<style>html, body { margin: 0; height: 100%; } iframe { width: 100%; height: 100vh; border: none; }</style>
</head>
<body>
<iframe src="` + url + `" sandbox="allow-same-origin allow-scripts allow-forms allow-popups"></iframe>
</body>
</html>
`)
}
