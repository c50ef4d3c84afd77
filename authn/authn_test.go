package authn

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/SuriyaPasupathi/edx-mfe/storage"
)

// fakeLMS is a minimal LMS standing in for registration and login.
type fakeLMS struct {
	mux *http.ServeMux

	// accounts maps email to accepted password
	accounts map[string]string

	registrations int
}

func newFakeLMS() *fakeLMS {
	f := &fakeLMS{
		mux:      http.NewServeMux(),
		accounts: map[string]string{},
	}
	f.mux.HandleFunc("/register", f.page)
	f.mux.HandleFunc("/login", f.page)
	f.mux.HandleFunc(registrationPath, f.register)
	f.mux.HandleFunc(loginSessionPath, f.login)
	f.mux.HandleFunc(loginAjaxPath, f.login)
	return f
}

func (f *fakeLMS) page(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{Name: "csrftoken", Value: "csrf-tok", Path: "/"})
	w.Write([]byte("<html></html>"))
}

func (f *fakeLMS) register(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	email := r.PostFormValue("email")
	if _, ok := f.accounts[email]; ok {
		w.WriteHeader(http.StatusConflict)
		return
	}
	f.registrations++
	f.accounts[email] = r.PostFormValue("password")
	w.Write([]byte(`{"success": true}`))
}

func (f *fakeLMS) login(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	email := r.PostFormValue("email")
	password := r.PostFormValue("password")
	if want, ok := f.accounts[email]; !ok || want != password {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success": false, "value": "Email or password is incorrect."}`))
		return
	}
	http.SetCookie(w, &http.Cookie{Name: "sessionid", Value: "sess-" + email, Path: "/"})
	w.Write([]byte(`{"success": true}`))
}

func newTestClient(t *testing.T, serverURL string, opts ...Option) *Client {
	t.Helper()
	c, err := New(serverURL, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestResolveRegistersAndLogsIn(t *testing.T) {
	lms := newFakeLMS()
	server := httptest.NewServer(lms.mux)
	defer server.Close()

	c := newTestClient(t, server.URL, WithDefaultPassword("Secret_1!"))
	record, err := c.Resolve(context.Background(), "New.User@Example.com", "")
	if err != nil {
		t.Fatal(err)
	}
	if record.Email != "new.user@example.com" {
		t.Errorf("email not normalized: %q", record.Email)
	}
	if record.SessionCookie != "sess-new.user@example.com" {
		t.Errorf("session cookie: have %q", record.SessionCookie)
	}
	if record.Password != "Secret_1!" {
		t.Errorf("password: have %q, want the default", record.Password)
	}
	if lms.registrations != 1 {
		t.Errorf("registrations: have %d, want 1", lms.registrations)
	}
}

func TestResolveExistingAccountFallbackPassword(t *testing.T) {
	lms := newFakeLMS()
	lms.accounts["old@example.com"] = "password123"
	server := httptest.NewServer(lms.mux)
	defer server.Close()

	c := newTestClient(t, server.URL, WithDefaultPassword("Secret_1!"))
	record, err := c.Resolve(context.Background(), "old@example.com", "")
	if err != nil {
		t.Fatal(err)
	}
	if record.Password != "password123" {
		t.Errorf("password: have %q, want the fallback that worked", record.Password)
	}
	if !record.Usable() {
		t.Error("record not usable")
	}
}

func TestResolveCallerPasswordWins(t *testing.T) {
	lms := newFakeLMS()
	lms.accounts["user@example.com"] = "their-own"
	server := httptest.NewServer(lms.mux)
	defer server.Close()

	c := newTestClient(t, server.URL)
	record, err := c.Resolve(context.Background(), "user@example.com", "their-own")
	if err != nil {
		t.Fatal(err)
	}
	if record.Password != "their-own" {
		t.Errorf("password: have %q", record.Password)
	}
}

func TestResolveFailureListsStrategiesNotPasswords(t *testing.T) {
	lms := newFakeLMS()
	lms.accounts["locked@example.com"] = "unguessable-Ω"
	server := httptest.NewServer(lms.mux)
	defer server.Close()

	c := newTestClient(t, server.URL, WithDefaultPassword("Secret_1!"))
	_, err := c.Resolve(context.Background(), "locked@example.com", "wrong-guess")
	if err == nil {
		t.Fatal("expected resolution failure")
	}
	var resolveErr *ResolveError
	if !errors.As(err, &resolveErr) {
		t.Fatalf("unexpected error type: %T", err)
	}
	msg := err.Error()
	for _, strategy := range []string{"api_login", "form_login", "email_only"} {
		if !strings.Contains(msg, strategy) {
			t.Errorf("error message missing strategy %q: %s", strategy, msg)
		}
	}
	for _, secret := range append([]string{"wrong-guess", "Secret_1!"}, FallbackPasswords...) {
		if strings.Contains(msg, secret) {
			t.Errorf("error message leaks password %q", secret)
		}
	}
}

func TestResolveSentinelWhenNoCookieVisible(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		// accepts everything but never sets a session cookie
		w.Write([]byte(`{"success": true}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := newTestClient(t, server.URL, WithDefaultPassword("Secret_1!"))
	record, err := c.Resolve(context.Background(), "user@example.com", "")
	if err != nil {
		t.Fatal(err)
	}
	if record.SessionCookie != storage.SessionSentinel {
		t.Errorf("have %q, want session sentinel", record.SessionCookie)
	}
	if record.Usable() {
		t.Error("sentinel record must not be usable")
	}
}
