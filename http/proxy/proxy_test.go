package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/SuriyaPasupathi/edx-mfe/resolve"
	"github.com/SuriyaPasupathi/edx-mfe/rewrite"
	"github.com/SuriyaPasupathi/edx-mfe/storage"
	"github.com/SuriyaPasupathi/edx-mfe/storage/inmem"
	"github.com/SuriyaPasupathi/edx-mfe/upstream"

	"github.com/micromdm/nanolib/log"
)

const testBase = "http://proxy.example.com"

// testProxy wires a Proxy against a fake LMS and seeds one linked user
// with a usable session.
func testProxy(t *testing.T, lmsHandler http.Handler) (*Proxy, *storage.LinkRecord, func()) {
	t.Helper()
	server := httptest.NewServer(lmsHandler)

	store := inmem.New()
	ctx := context.Background()
	link, _, err := store.RetrieveOrCreateLink(ctx, "user@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if err = store.StoreSession(ctx, &storage.SessionRecord{
		Email:         "user@example.com",
		SessionCookie: "sess-1",
	}); err != nil {
		t.Fatal(err)
	}

	rw := rewrite.New(rewrite.Config{
		ProxyBase: testBase,
		LMSOrigin: server.URL,
	})
	fetcher, err := upstream.New(server.URL, rw, store)
	if err != nil {
		t.Fatal(err)
	}
	resolver := resolve.New(store, log.NopLogger)
	p := New(store, resolver, rw, fetcher, CookiePolicy{}, testBase, log.NopLogger)
	return p, link, server.Close
}

func lmsEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><head></head><body><a href="/dashboard">d</a></body></html>`))
	})
}

func TestNavHandlerServesRewrittenHTML(t *testing.T) {
	p, link, done := testProxy(t, lmsEcho())
	defer done()

	req := httptest.NewRequest("GET", "/dashboard?link_id="+link.LinkID, nil)
	w := httptest.NewRecorder()
	p.NavHandler()(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status: have %d, want 200; body: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), testBase+"/openedx-proxy/dashboard?link_id="+link.LinkID) {
		t.Errorf("body not rewritten: %s", w.Body.String())
	}

	var tracking *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == resolve.TrackingCookie {
			tracking = c
		}
	}
	if tracking == nil {
		t.Fatal("tracking cookie not set")
	}
	if tracking.Value != link.LinkID {
		t.Errorf("tracking cookie value: have %q, want %q", tracking.Value, link.LinkID)
	}
	if tracking.MaxAge != TrackingCookieMaxAge {
		t.Errorf("tracking cookie max-age: have %d, want %d", tracking.MaxAge, TrackingCookieMaxAge)
	}
}

func TestNavHandlerMissingSessionRedirectsToAccess(t *testing.T) {
	p, _, done := testProxy(t, lmsEcho())
	defer done()

	// a second linked user with no session yet
	link, _, err := p.store.RetrieveOrCreateLink(context.Background(), "nosession@example.com")
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("GET", "/dashboard?link_id="+link.LinkID, nil)
	w := httptest.NewRecorder()
	p.NavHandler()(w, req)

	if w.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status: have %d, want 307", w.Code)
	}
	want := testBase + "/access/" + link.LinkID + "?format=redirect"
	if have := w.Header().Get("Location"); have != want {
		t.Errorf("location: have %q, want %q", have, want)
	}
}

func TestNavHandlerSentinelSessionRedirectsToAccess(t *testing.T) {
	p, link, done := testProxy(t, lmsEcho())
	defer done()

	err := p.store.StoreSession(context.Background(), &storage.SessionRecord{
		Email:         "user@example.com",
		SessionCookie: storage.SessionSentinel,
	})
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("GET", "/dashboard?link_id="+link.LinkID, nil)
	w := httptest.NewRecorder()
	p.NavHandler()(w, req)

	if w.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status: have %d, want 307", w.Code)
	}
}

func TestNavHandlerIdentityUnresolved(t *testing.T) {
	p, _, done := testProxy(t, lmsEcho())
	defer done()

	req := httptest.NewRequest("GET", "/dashboard", nil)
	w := httptest.NewRecorder()
	p.NavHandler()(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status: have %d, want 400", w.Code)
	}
}

func TestNavHandlerUnknownLink(t *testing.T) {
	p, _, done := testProxy(t, lmsEcho())
	defer done()

	req := httptest.NewRequest("GET", "/dashboard?link_id=no-such-link", nil)
	w := httptest.NewRecorder()
	p.NavHandler()(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status: have %d, want 404", w.Code)
	}
}

func TestNavHandlerStaticPathRedirects(t *testing.T) {
	p, link, done := testProxy(t, lmsEcho())
	defer done()

	req := httptest.NewRequest("GET", "/static/css/main.css?link_id="+link.LinkID, nil)
	w := httptest.NewRecorder()
	p.NavHandler()(w, req)

	if w.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status: have %d, want 307", w.Code)
	}
	want := testBase + "/openedx-static/static/css/main.css"
	if have := w.Header().Get("Location"); have != want {
		t.Errorf("location: have %q, want %q", have, want)
	}
}

func TestNavHandlerOptions(t *testing.T) {
	p, _, done := testProxy(t, lmsEcho())
	defer done()

	req := httptest.NewRequest("OPTIONS", "/anything", nil)
	w := httptest.NewRecorder()
	p.NavHandler()(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status: have %d, want 200", w.Code)
	}
}

func TestNavHandlerPostForwardsBody(t *testing.T) {
	var gotBody string
	var gotMethod string
	lms := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotMethod = r.Method
		w.Write([]byte(`{}`))
	})
	p, link, done := testProxy(t, lms)
	defer done()

	req := httptest.NewRequest("POST", "/login_ajax?link_id="+link.LinkID,
		strings.NewReader("email=user%40example.com&password=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	p.NavHandler()(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status: have %d; body: %s", w.Code, w.Body.String())
	}
	if gotMethod != "POST" {
		t.Errorf("method: have %q", gotMethod)
	}
	if !strings.Contains(gotBody, "email=user%40example.com") {
		t.Errorf("body not forwarded: %q", gotBody)
	}
}

func TestStaticHandlerPassthrough(t *testing.T) {
	lms := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("body { color: red }"))
	})
	p, _, done := testProxy(t, lms)
	defer done()

	req := httptest.NewRequest("GET", "/static/css/main.css", nil)
	w := httptest.NewRecorder()
	p.StaticHandler()(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status: have %d", w.Code)
	}
	if w.Header().Get("Cache-Control") != "public, max-age=3600" {
		t.Errorf("cache header: have %q", w.Header().Get("Cache-Control"))
	}
	if w.Body.String() != "body { color: red }" {
		t.Errorf("body altered: %q", w.Body.String())
	}
}

func TestDashboardHandler(t *testing.T) {
	var gotPath string
	var gotCookie string
	lms := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if c, err := r.Cookie("sessionid"); err == nil {
			gotCookie = c.Value
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head></head><body>dash</body></html>`))
	})
	p, link, done := testProxy(t, lms)
	defer done()

	req := httptest.NewRequest("GET", "/"+link.LinkID, nil)
	w := httptest.NewRecorder()
	p.DashboardHandler()(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status: have %d; body: %s", w.Code, w.Body.String())
	}
	if gotPath != "/dashboard" {
		t.Errorf("upstream path: have %q, want /dashboard", gotPath)
	}
	if gotCookie != "sess-1" {
		t.Errorf("session cookie not replayed: %q", gotCookie)
	}
}

func TestErrorBodiesGeneric(t *testing.T) {
	p, link, done := testProxy(t, lmsEcho())
	done() // close the fake LMS so the fetch fails

	req := httptest.NewRequest("GET", "/dashboard?link_id="+link.LinkID, nil)
	w := httptest.NewRecorder()
	p.NavHandler()(w, req)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status: have %d, want 502", w.Code)
	}
	if strings.Contains(w.Body.String(), "sess-1") {
		t.Error("error body leaks session cookie")
	}
	if body := strings.TrimSpace(w.Body.String()); body != http.StatusText(http.StatusBadGateway) {
		t.Errorf("error body not generic: %q", body)
	}
}
