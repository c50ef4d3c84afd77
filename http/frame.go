package http

import "net/http"

// FrameHeaders overwrites response headers so the proxied LMS UI can
// live inside a cross-origin iframe: frame-embedding is opened up,
// CORS is permissive, and the upstream's sniffing restriction is
// removed.
func FrameHeaders(h http.Header) {
	h.Set("X-Frame-Options", "ALLOWALL")
	h.Set("Content-Security-Policy", "frame-ancestors *")
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-CSRFToken, X-Requested-With")
	h.Del("X-Content-Type-Options")
}

// frameWriter reapplies the frame headers immediately before the
// status line is written so upstream-forwarded headers cannot undo
// them.
type frameWriter struct {
	http.ResponseWriter
	wrote bool
}

func (w *frameWriter) WriteHeader(statusCode int) {
	if !w.wrote {
		w.wrote = true
		FrameHeaders(w.Header())
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *frameWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// FrameMiddleware forces the iframe-compatibility headers onto every
// response from next, whatever headers next (or the upstream it
// proxies) tried to set.
func FrameMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(&frameWriter{ResponseWriter: w}, r)
	})
}
