// Package rewrite transforms LMS-rendered content so that every URL a
// browser would follow routes back through the proxy. It is a pure
// transform: all origins are injected at construction and no I/O is
// performed.
package rewrite

import (
	"regexp"
	"strings"
)

// Route path prefixes on the proxy's public base URL.
const (
	NavRoute    = "/openedx-proxy"
	StaticRoute = "/openedx-static"
	DashRoute   = "/dashboard-proxy"
)

// LinkParam is the query parameter that threads the link identity
// through navigation hops that carry no other session context.
const LinkParam = "link_id"

// staticPrefixes are root-relative path prefixes served without
// authentication, routed through the static proxy instead of the
// navigation proxy.
var staticPrefixes = []string{"/static/", "/assets/", "/asset-", "/media/"}

// attrRE matches root-relative href/src/action attribute values in the
// markup the LMS actually emits. This is intentionally not a general
// HTML parser; the rewriter only guarantees correctness against the
// LMS's observed markup patterns.
var attrRE = regexp.MustCompile(`(href|src|action)="(/[^"]*)"`)

// cssURLRE matches root-relative static url() references in inline styles.
var cssURLRE = regexp.MustCompile(`url\("?(/static/[^")]*)"?\)`)

// Config carries the immutable origin layout the rewriter operates
// against. All URLs are origins without trailing slashes.
type Config struct {
	// ProxyBase is this service's own public base URL.
	ProxyBase string

	// LMSOrigin is the main LMS origin.
	LMSOrigin string

	// LearningOrigin is the learning micro-app (courseware MFE) origin.
	LearningOrigin string

	// AuthnOrigin is the authn micro-app origin.
	AuthnOrigin string

	// CourseID is the default course used when a redirect into a
	// micro-app carries no extractable course.
	CourseID string
}

// Rewriter rewrites HTML bodies, redirect locations, and bare-path
// responses to proxy-relative form.
type Rewriter struct {
	cfg Config
}

// New creates a Rewriter for cfg. Origin values are normalized to have
// no trailing slash.
func New(cfg Config) *Rewriter {
	cfg.ProxyBase = strings.TrimRight(cfg.ProxyBase, "/")
	cfg.LMSOrigin = strings.TrimRight(cfg.LMSOrigin, "/")
	cfg.LearningOrigin = strings.TrimRight(cfg.LearningOrigin, "/")
	cfg.AuthnOrigin = strings.TrimRight(cfg.AuthnOrigin, "/")
	return &Rewriter{cfg: cfg}
}

// LearningOrigin returns the learning micro-app origin, "" when none
// is configured.
func (r *Rewriter) LearningOrigin() string {
	return r.cfg.LearningOrigin
}

// AuthnOrigin returns the authn micro-app origin, "" when none is
// configured.
func (r *Rewriter) AuthnOrigin() string {
	return r.cfg.AuthnOrigin
}

// appendLink appends the link_id query parameter to a URL or path,
// using & when a query string is already present.
func appendLink(url, linkID string) string {
	if linkID == "" {
		return url
	}
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	return url + sep + LinkParam + "=" + linkID
}

// isStaticPath reports whether path denotes an unauthenticated static asset.
func isStaticPath(path string) bool {
	for _, prefix := range staticPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// NavURL returns the absolute navigation-proxy URL for an upstream
// path (leading slash) with linkID appended.
func (r *Rewriter) NavURL(path, linkID string) string {
	return appendLink(r.cfg.ProxyBase+NavRoute+path, linkID)
}

// StaticURL returns the absolute static-proxy URL for an upstream path.
func (r *Rewriter) StaticURL(path string) string {
	return r.cfg.ProxyBase + StaticRoute + path
}

// DashboardURL returns the absolute dashboard entry URL for linkID.
func (r *Rewriter) DashboardURL(linkID string) string {
	return r.cfg.ProxyBase + DashRoute + "/" + linkID
}

// RewriteHTML rewrites every URL and asset reference in an LMS HTML
// body to proxy-relative form. Specific rules run before the generic
// attribute fallback so path prefixes are not consumed by it. The
// output is stable under re-rewriting: values already pointing at the
// proxy base are left alone.
func (r *Rewriter) RewriteHTML(body []byte, linkID string) []byte {
	content := string(body)

	// micro-app origins are collapsed first so that nothing in the
	// page, markup or script, can navigate the top-level frame away
	content = r.replaceMicroAppOrigins(content, linkID)

	content = cssURLRE.ReplaceAllStringFunc(content, func(m string) string {
		sub := cssURLRE.FindStringSubmatch(m)
		return `url(` + r.StaticURL(sub[1]) + `)`
	})

	content = attrRE.ReplaceAllStringFunc(content, func(m string) string {
		sub := attrRE.FindStringSubmatch(m)
		attr, path := sub[1], sub[2]
		switch {
		case isStaticPath(path):
			return attr + `="` + r.StaticURL(path) + `"`
		case attr == "src":
			// images and scripts carry no identity; cookies suffice
			return attr + `="` + r.StaticURL(path) + `"`
		default:
			return attr + `="` + r.NavURL(path, linkID) + `"`
		}
	})

	return []byte(r.injectBase(content))
}

// replaceMicroAppOrigins replaces every occurrence of a known
// micro-app origin URL with a proxy URL carrying linkID.
func (r *Rewriter) replaceMicroAppOrigins(content, linkID string) string {
	if r.cfg.LearningOrigin != "" && strings.Contains(content, r.cfg.LearningOrigin) {
		courseRE := regexp.MustCompile(regexp.QuoteMeta(r.cfg.LearningOrigin) + `/course/([^"'\s<>?#]+)`)
		content = courseRE.ReplaceAllStringFunc(content, func(m string) string {
			sub := courseRE.FindStringSubmatch(m)
			courseID := strings.TrimSuffix(sub[1], "/home")
			return r.NavURL("/courses/"+courseID+"/courseware", linkID)
		})
		content = strings.ReplaceAll(content, r.cfg.LearningOrigin, r.DashboardURL(linkID))
	}
	if r.cfg.AuthnOrigin != "" {
		content = strings.ReplaceAll(content, r.cfg.AuthnOrigin, r.DashboardURL(linkID))
	}
	return content
}

// injectBase inserts a <base> tag pointing at the upstream origin so
// any URL the rewrite rules did not catch still resolves sensibly.
func (r *Rewriter) injectBase(content string) string {
	baseTag := `<base href="` + r.cfg.LMSOrigin + `/">`
	if strings.Contains(content, baseTag) {
		return content
	}
	if i := strings.Index(content, "<head>"); i >= 0 {
		return content[:i+len("<head>")] + baseTag + content[i+len("<head>"):]
	}
	return "<head>" + baseTag + "</head>" + content
}

// RewriteBarePath converts a bare upstream path returned as a response
// body (the LMS enrollment action does this) into an absolute
// navigation-proxy URL the browser script can navigate to literally.
func (r *Rewriter) RewriteBarePath(path, linkID string) string {
	path = strings.TrimSpace(path)
	if strings.HasPrefix(path, r.cfg.ProxyBase) || strings.HasPrefix(path, NavRoute) {
		return path
	}
	return r.NavURL(path, linkID)
}
