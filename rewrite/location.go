package rewrite

import (
	"net/url"
	"strings"
)

// Location is the outcome of classifying an upstream redirect target.
// Exactly one of URL or EmbedHTML is set: URL is the (possibly
// rewritten) redirect target; EmbedHTML is a full HTML document that
// embeds the micro-app in an iframe instead of redirecting, used to
// break courseware redirect loops.
type Location struct {
	URL       string
	EmbedHTML []byte
}

// coursewareMarkers identify request paths whose redirects back into
// the learning micro-app would loop: following the redirect produces
// another redirect to the same place.
var coursewareMarkers = []string{"courseware", "/course/", "/jump_to/"}

// isCoursewareRequest reports whether requestPath is a courseware navigation.
func isCoursewareRequest(requestPath string) bool {
	for _, m := range coursewareMarkers {
		if strings.Contains(requestPath, m) {
			return true
		}
	}
	return false
}

// RewriteLocation classifies and rewrites an upstream redirect target.
//
// Redirects into a micro-app origin either collapse into an embedded
// iframe (when the original request was itself a courseware navigation,
// i.e. redirecting again would loop) or are re-routed to a safe
// navigation-proxy default. Redirects within the main LMS origin are
// re-routed through the navigation proxy preserving path and query.
// Proxy-relative and foreign locations pass through unchanged.
func (r *Rewriter) RewriteLocation(location, requestPath, linkID string) Location {
	if location == "" {
		return Location{URL: location}
	}
	if strings.HasPrefix(location, r.cfg.ProxyBase) {
		return Location{URL: location}
	}

	if r.originMatches(location, r.cfg.LearningOrigin) || r.originMatches(location, r.cfg.AuthnOrigin) {
		if isCoursewareRequest(requestPath) {
			return Location{EmbedHTML: r.embedDocument(location)}
		}
		return Location{URL: r.microAppFallbackURL(location, linkID)}
	}

	if r.originMatches(location, r.cfg.LMSOrigin) {
		u, err := url.Parse(location)
		if err != nil {
			return Location{URL: r.DashboardURL(linkID)}
		}
		target := u.Path
		if u.RawQuery != "" {
			target += "?" + u.RawQuery
		}
		return Location{URL: r.NavURL(target, linkID)}
	}

	if strings.HasPrefix(location, "/") {
		// already relative; the browser resolves it against the proxy
		return Location{URL: location}
	}

	return Location{URL: location}
}

// originMatches reports whether location targets origin.
func (r *Rewriter) originMatches(location, origin string) bool {
	if origin == "" {
		return false
	}
	return location == origin || strings.HasPrefix(location, origin+"/")
}

// microAppFallbackURL maps a micro-app redirect target to a safe
// navigation-proxy default: the course about page when a course is
// extractable from the location, else the dashboard.
func (r *Rewriter) microAppFallbackURL(location, linkID string) string {
	if courseID := extractCourseID(location); courseID != "" {
		return r.NavURL("/courses/"+courseID+"/about", linkID)
	}
	if r.cfg.CourseID != "" {
		return r.NavURL("/courses/"+r.cfg.CourseID+"/about", linkID)
	}
	return r.NavURL("/dashboard", linkID)
}

// extractCourseID pulls the course identifier out of a micro-app URL
// of the form {origin}/course/{id}[/home...].
func extractCourseID(location string) string {
	u, err := url.Parse(location)
	if err != nil {
		return ""
	}
	const marker = "/course/"
	i := strings.Index(u.Path, marker)
	if i < 0 {
		return ""
	}
	courseID := u.Path[i+len(marker):]
	courseID = strings.TrimSuffix(strings.TrimSuffix(courseID, "/"), "/home")
	if j := strings.IndexByte(courseID, '/'); j >= 0 {
		courseID = courseID[:j]
	}
	return courseID
}

// embedDocument synthesizes the HTML document that embeds a micro-app
// URL in an iframe, breaking a redirect loop. A trailing /home segment
// is dropped so the iframe lands on the course outline.
func (r *Rewriter) embedDocument(location string) []byte {
	src := strings.TrimSuffix(strings.TrimSuffix(location, "/"), "/home")
	var b strings.Builder
	b.WriteString(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>Course</title>
<style>
html, body { margin: 0; padding: 0; width: 100%; height: 100%; overflow: hidden; }
iframe { width: 100%; height: 100vh; border: none; }
</style>
</head>
<body>
<iframe src="`)
	b.WriteString(src)
	b.WriteString(`" sandbox="allow-same-origin allow-scripts allow-forms allow-popups" allow="fullscreen"></iframe>
</body>
</html>
`)
	return []byte(b.String())
}
