// Package web serves the embedded landing page for generating access links.
package web

import (
	"embed"
	"html/template"
	"net/http"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

//go:embed templates
var templates embed.FS

// IndexHandler renders the link-generation landing form.
func IndexHandler(proxyBase string, logger log.Logger) http.HandlerFunc {
	tmpl := template.Must(template.ParseFS(templates, "templates/index.html"))
	data := struct{ ProxyBase string }{ProxyBase: proxyBase}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			ctxlog.Logger(r.Context(), logger).Info("msg", "rendering landing page", "err", err)
		}
	}
}
