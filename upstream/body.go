package upstream

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/url"
	"strings"
)

// csrfField is the form field Django expects the CSRF token in.
const csrfField = "csrfmiddlewaretoken"

// prepareBody normalizes a browser-submitted request body for the
// upstream and extracts an embedded CSRF token when the encoding
// carries one. Multipart bodies pass through byte-for-byte so the
// boundary survives; urlencoded bodies are re-encoded keeping every
// repeated value; JSON is passed through; anything else is raw.
func prepareBody(method string, body []byte, contentType string) (out []byte, outContentType, csrfToken string) {
	if method == "GET" || method == "HEAD" || len(body) == 0 {
		return nil, "", ""
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return body, contentType, ""
	}

	switch {
	case mediaType == "multipart/form-data":
		return body, contentType, multipartCSRF(body, params["boundary"])
	case mediaType == "application/x-www-form-urlencoded":
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return body, contentType, ""
		}
		return []byte(form.Encode()), contentType, form.Get(csrfField)
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		return body, contentType, jsonCSRF(body)
	default:
		return body, contentType, ""
	}
}

// jsonCSRF pulls the CSRF field out of a JSON object body. Non-object
// or invalid JSON carries no token.
func jsonCSRF(body []byte) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return ""
	}
	raw, ok := obj[csrfField]
	if !ok {
		return ""
	}
	var token string
	if err := json.Unmarshal(raw, &token); err != nil {
		return ""
	}
	return token
}

// multipartCSRF scans a multipart body for the CSRF form field without
// disturbing the original bytes.
func multipartCSRF(body []byte, boundary string) string {
	if boundary == "" {
		return ""
	}
	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		part, err := mr.NextPart()
		if err != nil {
			return ""
		}
		if part.FormName() != csrfField {
			continue
		}
		value, err := io.ReadAll(io.LimitReader(part, 4096))
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(value))
	}
}
