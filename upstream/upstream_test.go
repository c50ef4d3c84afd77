package upstream

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/SuriyaPasupathi/edx-mfe/rewrite"
	"github.com/SuriyaPasupathi/edx-mfe/storage"
	"github.com/SuriyaPasupathi/edx-mfe/storage/inmem"
)

func newTestFetcher(t *testing.T, upstreamURL string, sessions storage.SessionStore) *Fetcher {
	t.Helper()
	rw := rewrite.New(rewrite.Config{
		ProxyBase:      "http://proxy.example.com",
		LMSOrigin:      upstreamURL,
		LearningOrigin: "http://learning.example.com",
		CourseID:       "course-v1:Org+Num+Run",
	})
	f, err := New(upstreamURL, rw, sessions)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestFetchSessionCookieNames(t *testing.T) {
	var got []*http.Cookie
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Cookies()
		w.Write([]byte("{}"))
	}))
	defer server.Close()

	f := newTestFetcher(t, server.URL, nil)
	_, err := f.Fetch(context.Background(), &Request{
		Method:        "GET",
		Path:          "/dashboard",
		SessionCookie: "sess-1",
		CSRFToken:     "csrf-1",
	})
	if err != nil {
		t.Fatal(err)
	}

	byName := map[string]string{}
	for _, c := range got {
		byName[c.Name] = c.Value
	}
	for _, name := range SessionCookieNames {
		if byName[name] != "sess-1" {
			t.Errorf("cookie %s: have %q, want %q", name, byName[name], "sess-1")
		}
	}
	for _, name := range CSRFCookieNames {
		if byName[name] != "csrf-1" {
			t.Errorf("cookie %s: have %q, want %q", name, byName[name], "csrf-1")
		}
	}
}

func TestFetchSentinelSessionNotReplayed(t *testing.T) {
	var got []*http.Cookie
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Cookies()
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	f := newTestFetcher(t, server.URL, nil)
	_, err := f.Fetch(context.Background(), &Request{
		Method:        "GET",
		Path:          "/",
		SessionCookie: storage.SessionSentinel,
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range got {
		for _, name := range SessionCookieNames {
			if c.Name == name {
				t.Errorf("sentinel session value replayed as cookie %s", name)
			}
		}
	}
}

func TestFetchBodyCSRFOverridesStored(t *testing.T) {
	var gotHeader string
	var gotCookie string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-CSRFToken")
		if c, err := r.Cookie("csrftoken"); err == nil {
			gotCookie = c.Value
		}
		w.Write([]byte("{}"))
	}))
	defer server.Close()

	f := newTestFetcher(t, server.URL, nil)
	form := url.Values{csrfField: []string{"from-body"}, "next": []string{"/dashboard"}}
	_, err := f.Fetch(context.Background(), &Request{
		Method:      "POST",
		Path:        "/login_ajax",
		Body:        []byte(form.Encode()),
		ContentType: "application/x-www-form-urlencoded",
		CSRFToken:   "from-store",
	})
	if err != nil {
		t.Fatal(err)
	}
	if gotHeader != "from-body" {
		t.Errorf("X-CSRFToken: have %q, want token from the body", gotHeader)
	}
	if gotCookie != "from-body" {
		t.Errorf("csrftoken cookie: have %q, want token from the body", gotCookie)
	}
}

func TestFetchRotationPersisted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "sessionid", Value: "sess-new"})
		w.Write([]byte("{}"))
	}))
	defer server.Close()

	store := inmem.New()
	ctx := context.Background()
	if err := store.StoreSession(ctx, &storage.SessionRecord{
		Email:         "user@example.com",
		SessionCookie: "sess-old",
	}); err != nil {
		t.Fatal(err)
	}

	f := newTestFetcher(t, server.URL, store)
	_, err := f.Fetch(ctx, &Request{
		Method:        "GET",
		Path:          "/dashboard",
		Email:         "user@example.com",
		SessionCookie: "sess-old",
	})
	if err != nil {
		t.Fatal(err)
	}

	sess, err := store.RetrieveSession(ctx, "user@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if sess.SessionCookie != "sess-new" {
		t.Errorf("stored session cookie: have %q, want rotated %q", sess.SessionCookie, "sess-new")
	}

	// the old cookie no longer reverse-resolves, the new one does
	if _, err := store.RetrieveEmailBySessionCookie(ctx, "sess-old"); err == nil {
		t.Error("old session cookie still reverse-resolves")
	}
	email, err := store.RetrieveEmailBySessionCookie(ctx, "sess-new")
	if err != nil {
		t.Fatal(err)
	}
	if email != "user@example.com" {
		t.Errorf("have %q, want %q", email, "user@example.com")
	}
}

func TestFetchBarePathResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("/courses/course-v1:Org+Num+Run/courseware"))
	}))
	defer server.Close()

	f := newTestFetcher(t, server.URL, nil)
	result, err := f.Fetch(context.Background(), &Request{
		Method: "POST",
		Path:   "/change_enrollment",
		LinkID: "L1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(result.ContentType, "text/plain") {
		t.Errorf("content type: have %q, want text/plain", result.ContentType)
	}
	want := "http://proxy.example.com/openedx-proxy/courses/course-v1:Org+Num+Run/courseware?link_id=L1"
	if string(result.Body) != want {
		t.Errorf("have %q, want %q", result.Body, want)
	}
}

func TestFetchRedirectClassified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://learning.example.com/course/course-v1:Org+Num+Run/home", http.StatusFound)
	}))
	defer server.Close()

	f := newTestFetcher(t, server.URL, nil)

	// courseware request path: redirect loop broken with an embed page
	result, err := f.Fetch(context.Background(), &Request{
		Method: "GET",
		Path:   "/courses/course-v1:Org+Num+Run/courseware",
		LinkID: "L1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.StatusCode != http.StatusOK {
		t.Errorf("status: have %d, want 200 embed", result.StatusCode)
	}
	if !strings.Contains(string(result.Body), `<iframe src="http://learning.example.com/course/course-v1:Org+Num+Run"`) {
		t.Errorf("embed body missing iframe: %s", result.Body)
	}

	// non-courseware request path: plain rewritten redirect
	result, err = f.Fetch(context.Background(), &Request{
		Method: "GET",
		Path:   "/dashboard",
		LinkID: "L1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.RedirectURL == "" {
		t.Fatal("expected redirect result")
	}
	if !strings.HasPrefix(result.RedirectURL, "http://proxy.example.com/openedx-proxy/") {
		t.Errorf("redirect not proxied: %q", result.RedirectURL)
	}
}

func TestFetchHTMLRewritten(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><head></head><body><a href="/dashboard">d</a></body></html>`))
	}))
	defer server.Close()

	f := newTestFetcher(t, server.URL, nil)
	result, err := f.Fetch(context.Background(), &Request{Method: "GET", Path: "/dashboard", LinkID: "L1"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(result.Body), `href="http://proxy.example.com/openedx-proxy/dashboard?link_id=L1"`) {
		t.Errorf("html not rewritten: %s", result.Body)
	}
}

func TestFetchUnreachable(t *testing.T) {
	f := newTestFetcher(t, "http://127.0.0.1:1", nil)
	_, err := f.Fetch(context.Background(), &Request{Method: "GET", Path: "/"})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestPrepareBodyKeepsRepeatedFormValues(t *testing.T) {
	body := "a=1&a=2&b=3&" + csrfField + "=T1"
	out, _, token := prepareBody("POST", []byte(body), "application/x-www-form-urlencoded")
	form, err := url.ParseQuery(string(out))
	if err != nil {
		t.Fatal(err)
	}
	if len(form["a"]) != 2 || form["a"][0] != "1" || form["a"][1] != "2" {
		t.Errorf("repeated key values lost: %v", form["a"])
	}
	if form.Get("b") != "3" {
		t.Errorf("b: have %q", form.Get("b"))
	}
	if token != "T1" {
		t.Errorf("token: have %q, want %q", token, "T1")
	}
}

func TestFetchJSONBodyCSRFOverridesStored(t *testing.T) {
	var gotHeader, gotCookie, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-CSRFToken")
		if c, err := r.Cookie("csrftoken"); err == nil {
			gotCookie = c.Value
		}
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Write([]byte("{}"))
	}))
	defer server.Close()

	f := newTestFetcher(t, server.URL, nil)
	body := `{"` + csrfField + `":"T-json","enrollment_action":"enroll"}`
	_, err := f.Fetch(context.Background(), &Request{
		Method:      "POST",
		Path:        "/change_enrollment",
		Body:        []byte(body),
		ContentType: "application/json",
		CSRFToken:   "stale-stored",
	})
	if err != nil {
		t.Fatal(err)
	}
	if gotHeader != "T-json" {
		t.Errorf("X-CSRFToken: have %q, want token from the JSON body", gotHeader)
	}
	if gotCookie != "T-json" {
		t.Errorf("csrftoken cookie: have %q, want token from the JSON body", gotCookie)
	}
	if gotBody != body {
		t.Errorf("JSON body altered: %q", gotBody)
	}
}

func TestFetchMultipartBodyPassthroughAndCSRF(t *testing.T) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField(csrfField, "T-multi"); err != nil {
		t.Fatal(err)
	}
	if err := mw.WriteField("comment", "line one\nline two"); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	sent := buf.Bytes()

	var gotHeader, gotCookie, gotContentType string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-CSRFToken")
		if c, err := r.Cookie("csrftoken"); err == nil {
			gotCookie = c.Value
		}
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte("{}"))
	}))
	defer server.Close()

	f := newTestFetcher(t, server.URL, nil)
	_, err := f.Fetch(context.Background(), &Request{
		Method:      "POST",
		Path:        "/submit",
		Body:        sent,
		ContentType: mw.FormDataContentType(),
		CSRFToken:   "stale-stored",
	})
	if err != nil {
		t.Fatal(err)
	}
	if gotHeader != "T-multi" {
		t.Errorf("X-CSRFToken: have %q, want token from the multipart body", gotHeader)
	}
	if gotCookie != "T-multi" {
		t.Errorf("csrftoken cookie: have %q, want token from the multipart body", gotCookie)
	}
	if gotContentType != mw.FormDataContentType() {
		t.Errorf("content type altered: %q", gotContentType)
	}
	if !bytes.Equal(gotBody, sent) {
		t.Error("multipart body bytes altered in transit")
	}
}

func TestFetchMicroAppOriginDispatch(t *testing.T) {
	var lmsPaths, mfePaths []string
	lms := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lmsPaths = append(lmsPaths, r.URL.Path)
		w.Write([]byte("lms"))
	}))
	defer lms.Close()
	mfe := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mfePaths = append(mfePaths, r.URL.Path)
		w.Write([]byte("mfe"))
	}))
	defer mfe.Close()

	rw := rewrite.New(rewrite.Config{
		ProxyBase:      "http://proxy.example.com",
		LMSOrigin:      lms.URL,
		LearningOrigin: mfe.URL,
	})
	f, err := New(lms.URL, rw, nil)
	if err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{"/learning/static/app.js", "/learning"} {
		if _, err := f.Fetch(context.Background(), &Request{Method: "GET", Path: path}); err != nil {
			t.Fatal(err)
		}
	}
	for _, path := range []string{"/dashboard", "/learning-policy"} {
		if _, err := f.Fetch(context.Background(), &Request{Method: "GET", Path: path}); err != nil {
			t.Fatal(err)
		}
	}

	if len(mfePaths) != 2 || mfePaths[0] != "/learning/static/app.js" || mfePaths[1] != "/learning" {
		t.Errorf("learning origin paths: %v", mfePaths)
	}
	// a prefix-lookalike path stays on the main LMS
	if len(lmsPaths) != 2 || lmsPaths[0] != "/dashboard" || lmsPaths[1] != "/learning-policy" {
		t.Errorf("LMS origin paths: %v", lmsPaths)
	}
}
