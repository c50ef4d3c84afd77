package rewrite

import (
	"bytes"
	"strings"
	"testing"
)

func testRewriter() *Rewriter {
	return New(Config{
		ProxyBase:      "http://proxy.example.com",
		LMSOrigin:      "http://lms.example.com",
		LearningOrigin: "http://learning.example.com",
		AuthnOrigin:    "http://authn.example.com",
		CourseID:       "course-v1:Org+Num+Run",
	})
}

func TestRewriteHTMLAttributes(t *testing.T) {
	r := testRewriter()
	in := []byte(`<html><head></head><body>` +
		`<a href="/dashboard">Dashboard</a>` +
		`<a href="/courses/course-v1:Org+Num+Run/about?foo=bar">About</a>` +
		`<img src="/static/images/logo.png">` +
		`<script src="/static/bundles/main.js"></script>` +
		`<link href="/assets/style.css">` +
		`<form action="/login_ajax">` +
		`</body></html>`)
	out := string(r.RewriteHTML(in, "L1"))

	for _, want := range []string{
		`href="http://proxy.example.com/openedx-proxy/dashboard?link_id=L1"`,
		`href="http://proxy.example.com/openedx-proxy/courses/course-v1:Org+Num+Run/about?foo=bar&link_id=L1"`,
		`src="http://proxy.example.com/openedx-static/static/images/logo.png"`,
		`src="http://proxy.example.com/openedx-static/static/bundles/main.js"`,
		`href="http://proxy.example.com/openedx-static/assets/style.css"`,
		`action="http://proxy.example.com/openedx-proxy/login_ajax?link_id=L1"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q\ngot: %s", want, out)
		}
	}
}

func TestRewriteHTMLMicroAppOrigins(t *testing.T) {
	r := testRewriter()
	in := []byte(`<html><head></head><body>` +
		`<a href="http://learning.example.com/course/course-v1:Org+Num+Run/home">Resume</a>` +
		`<a href="http://learning.example.com">Learning</a>` +
		`<a href="http://authn.example.com/login">Sign in</a>` +
		`</body></html>`)
	out := string(r.RewriteHTML(in, "L1"))

	if strings.Contains(out, "learning.example.com") {
		t.Errorf("learning origin survived rewrite: %s", out)
	}
	if strings.Contains(out, "authn.example.com") {
		t.Errorf("authn origin survived rewrite: %s", out)
	}
	want := "http://proxy.example.com/openedx-proxy/courses/course-v1:Org+Num+Run/courseware?link_id=L1"
	if !strings.Contains(out, want) {
		t.Errorf("course link not rewritten to courseware, want %q\ngot: %s", want, out)
	}
	if !strings.Contains(out, "http://proxy.example.com/dashboard-proxy/L1") {
		t.Errorf("bare micro-app origin not rewritten to dashboard: %s", out)
	}
}

func TestRewriteHTMLCSSURLs(t *testing.T) {
	r := testRewriter()
	in := []byte(`<head></head><style>.hero { background: url(/static/images/hero.jpg); }</style>`)
	out := string(r.RewriteHTML(in, "L1"))
	if !strings.Contains(out, "url(http://proxy.example.com/openedx-static/static/images/hero.jpg)") {
		t.Errorf("css url() not rewritten: %s", out)
	}
}

func TestRewriteHTMLInjectsBase(t *testing.T) {
	r := testRewriter()

	out := string(r.RewriteHTML([]byte(`<html><head><title>x</title></head></html>`), "L1"))
	if !strings.Contains(out, `<head><base href="http://lms.example.com/">`) {
		t.Errorf("base tag not injected after <head>: %s", out)
	}

	// no head element at all
	out = string(r.RewriteHTML([]byte(`<p>fragment</p>`), "L1"))
	if !strings.HasPrefix(out, `<head><base href="http://lms.example.com/"></head>`) {
		t.Errorf("base tag not synthesized: %s", out)
	}
}

func TestRewriteHTMLIdempotent(t *testing.T) {
	r := testRewriter()
	in := []byte(`<html><head></head><body>` +
		`<a href="/dashboard">d</a>` +
		`<img src="/static/logo.png">` +
		`<a href="http://learning.example.com/course/abc/home">c</a>` +
		`<style>url(/static/x.css)</style>` +
		`</body></html>`)
	once := r.RewriteHTML(in, "L1")
	twice := r.RewriteHTML(once, "L1")
	if !bytes.Equal(once, twice) {
		t.Errorf("rewrite not idempotent:\nonce:  %s\ntwice: %s", once, twice)
	}
}

func TestRewriteBarePath(t *testing.T) {
	r := testRewriter()
	for _, test := range []struct {
		name string
		in   string
		want string
	}{
		{
			"upstream path",
			"/courses/course-v1:Org+Num+Run/courseware",
			"http://proxy.example.com/openedx-proxy/courses/course-v1:Org+Num+Run/courseware?link_id=L1",
		},
		{
			"whitespace trimmed",
			"  /dashboard\n",
			"http://proxy.example.com/openedx-proxy/dashboard?link_id=L1",
		},
		{
			"already absolute proxy URL",
			"http://proxy.example.com/openedx-proxy/dashboard?link_id=L1",
			"http://proxy.example.com/openedx-proxy/dashboard?link_id=L1",
		},
		{
			"already proxy-relative",
			"/openedx-proxy/dashboard?link_id=L1",
			"/openedx-proxy/dashboard?link_id=L1",
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			if have := r.RewriteBarePath(test.in, "L1"); have != test.want {
				t.Errorf("have %q, want %q", have, test.want)
			}
		})
	}
}

func TestAppendLink(t *testing.T) {
	if have := appendLink("/a", ""); have != "/a" {
		t.Errorf("empty link id: have %q", have)
	}
	if have := appendLink("/a", "L1"); have != "/a?link_id=L1" {
		t.Errorf("have %q", have)
	}
	if have := appendLink("/a?b=c", "L1"); have != "/a?b=c&link_id=L1" {
		t.Errorf("have %q", have)
	}
}
