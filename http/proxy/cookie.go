package proxy

import "net/http"

// TrackingCookieMaxAge keeps the link tracking cookie for a day.
const TrackingCookieMaxAge = 86400

// CookiePolicy decides the cross-site attributes of cookies the proxy
// sets. Inside a cross-origin iframe browsers only send cookies marked
// SameSite=None and Secure, which in turn requires TLS; plain HTTP
// deployments fall back to Lax.
type CookiePolicy struct {
	Secure bool
}

// Apply sets the policy's cross-site attributes on c.
func (p CookiePolicy) Apply(c *http.Cookie) {
	if p.Secure {
		c.Secure = true
		c.SameSite = http.SameSiteNoneMode
	} else {
		c.SameSite = http.SameSiteLaxMode
	}
}

// Tracking builds the link tracking cookie for linkID.
func (p CookiePolicy) Tracking(name, linkID string) *http.Cookie {
	c := &http.Cookie{
		Name:   name,
		Value:  linkID,
		Path:   "/",
		MaxAge: TrackingCookieMaxAge,
	}
	p.Apply(c)
	return c
}
