package authn

import "strings"

// GenerateUsername derives an LMS-acceptable username from an email
// address: the local part with separator punctuation folded to
// underscores, invalid runes dropped, and a "user_" prefix when the
// result does not start with a letter.
func GenerateUsername(email string) string {
	local := email
	if i := strings.IndexByte(email, '@'); i >= 0 {
		local = email[:i]
	}
	local = strings.ToLower(strings.TrimSpace(local))

	var b strings.Builder
	for _, r := range local {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r == '.', r == '+', r == '-':
			b.WriteByte('_')
		}
	}
	username := b.String()
	if username == "" {
		username = "user"
	}
	if username[0] < 'a' || username[0] > 'z' {
		username = "user_" + username
	}
	return username
}
