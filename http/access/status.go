package access

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/SuriyaPasupathi/edx-mfe/api"
	"github.com/SuriyaPasupathi/edx-mfe/authn"
	"github.com/SuriyaPasupathi/edx-mfe/storage"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// UserStatusHandler reports what the proxy knows about an email: link
// existence and session usability. The route prefix is expected
// stripped: r.URL.Path carries the email.
func (s *Service) UserStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), s.logger)

		email := storage.NormalizeEmail(strings.Trim(r.URL.Path, "/"))
		if email == "" {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}

		status := &api.UserStatus{Email: email}

		link, err := s.store.RetrieveLinkByEmail(r.Context(), email)
		switch {
		case err == nil:
			status.Exists = true
			status.LinkID = link.LinkID
		case errors.Is(err, storage.ErrLinkNotFound):
		default:
			logger.Info("msg", "retrieving link", "err", err)
			status.Error = api.NewError(errors.New("lookup failed"))
			writeJSON(logger, w, http.StatusInternalServerError, status)
			return
		}

		if status.Exists {
			sess, err := s.store.RetrieveSession(r.Context(), email)
			if err == nil {
				status.HasSession = sess.Usable()
			} else if !errors.Is(err, storage.ErrSessionNotFound) {
				logger.Info("msg", "retrieving session", "err", err)
			}
		}

		writeJSON(logger, w, http.StatusOK, status)
	}
}

// emailVariations generates the login identities historically used for
// the same mailbox: trimmed/lowercased, the gmail dot-less form, and
// the local part without plus-suffix tags.
func emailVariations(email string) []string {
	email = storage.NormalizeEmail(email)
	seen := map[string]bool{email: true}
	out := []string{email}

	at := strings.IndexByte(email, '@')
	if at < 0 {
		return out
	}
	local, domain := email[:at], email[at+1:]

	add := func(v string) {
		if v != "" && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}

	untagged := local
	if i := strings.IndexByte(local, '+'); i > 0 {
		untagged = local[:i]
		add(untagged + "@" + domain)
	}
	if domain == "gmail.com" || domain == "googlemail.com" {
		add(strings.ReplaceAll(local, ".", "") + "@" + domain)
		add(strings.ReplaceAll(untagged, ".", "") + "@" + domain)
	}
	return out
}

// ManageExistingUserHandler resolves a session for an account that was
// created under a slightly different email, working through the known
// variations until one logs in.
func (s *Service) ManageExistingUserHandler() http.HandlerFunc {
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

		for _, variant := range emailVariations(email) {
			record, err := s.authn.Resolve(r.Context(), variant, password)
			if err != nil {
				logger.Debug("msg", "variation login failed", "variant_of", storage.NormalizeEmail(email))
				continue
			}

			link, _, err := s.store.RetrieveOrCreateLink(r.Context(), variant)
			if err != nil {
				logger.Info("msg", "creating link", "err", err)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
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
			return
		}

		writeJSON(logger, w, http.StatusUnauthorized, &api.SessionResult{
			Email: storage.NormalizeEmail(email),
			Error: api.NewError(errors.New("no email variation logged in")),
		})
	}
}

// TestFlowHandler reports, without side effects, where an email stands
// in the provisioning flow and which entry point to use next. The
// route prefix is expected stripped: r.URL.Path carries the email.
func (s *Service) TestFlowHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), s.logger)

		email := storage.NormalizeEmail(strings.Trim(r.URL.Path, "/"))
		if email == "" {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}

		check := &api.FlowCheck{
			Email:       email,
			Username:    authn.GenerateUsername(email),
			Recommended: "generate_link",
			FlowOptions: map[string]string{
				"generate_link":   "POST /generate-link",
				"auto_login":      "GET /auto-login/" + email,
				"manage_existing": "POST /manage-existing-user",
				"sso":             "POST /sso",
			},
		}

		link, err := s.store.RetrieveLinkByEmail(r.Context(), email)
		switch {
		case err == nil:
			check.Exists = true
			check.LinkID = link.LinkID
			check.Recommended = "auto_login"
		case errors.Is(err, storage.ErrLinkNotFound):
		default:
			logger.Info("msg", "retrieving link", "err", err)
			check.Error = api.NewError(errors.New("lookup failed"))
			writeJSON(logger, w, http.StatusInternalServerError, check)
			return
		}

		if check.Exists {
			sess, err := s.store.RetrieveSession(r.Context(), email)
			if err == nil {
				check.HasSession = sess.Usable()
			} else if !errors.Is(err, storage.ErrSessionNotFound) {
				logger.Info("msg", "retrieving session", "err", err)
			}
		}

		writeJSON(logger, w, http.StatusOK, check)
	}
}

// ConfigCheckHandler reports the effective (non-secret) configuration.
func ConfigCheckHandler(info *api.ConfigCheck, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(ctxlog.Logger(r.Context(), logger), w, http.StatusOK, info)
	}
}

// TestUpstreamHandler probes the LMS origin and reports reachability.
func TestUpstreamHandler(doer Doer, lmsOrigin string, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		result := &api.Reachability{LMSOrigin: lmsOrigin}

		req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, lmsOrigin+"/", nil)
		if err != nil {
			result.Error = api.NewError(err)
			writeJSON(logger, w, http.StatusOK, result)
			return
		}
		resp, err := doer.Do(req)
		if err != nil {
			logger.Info("msg", "probing upstream", "err", err)
			result.Error = api.NewError(errors.New("upstream unreachable"))
			writeJSON(logger, w, http.StatusOK, result)
			return
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		result.Reachable = true
		result.StatusCode = resp.StatusCode
		writeJSON(logger, w, http.StatusOK, result)
	}
}

// Doer executes an HTTP request.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}
