package cachekey

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
)

// RedirectHeader names the upstream base URL a proxied request is destined for.
// It is part of every cache key.
const RedirectHeader = "X-Cache-Redirect-To"

// Derive returns the cache key for a request along with the canonical string it was hashed from.
// The canonical string is the JSON object {body, method, path, redirect_url} with sorted keys.
// The body is decoded as UTF-8, dropping invalid byte sequences, so binary bodies still get a key.
// The key is the lowercase hex SHA-256 of the canonical string.
func Derive(method, path string, body []byte, redirectURL string) (string, string) {
	canonical := canonicalize(map[string]string{
		"method":       method,
		"path":         path,
		"body":         strings.ToValidUTF8(string(body), ""),
		"redirect_url": redirectURL,
	})
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:]), canonical
}

// FromRequest derives the key for an incoming proxy request.
// The body must already have been read by the caller, since r.Body is not touched here.
func FromRequest(r *http.Request, body []byte) (string, string) {
	return Derive(r.Method, r.URL.RequestURI(), body, r.Header.Get(RedirectHeader))
}

// canonicalize encodes the record as compact JSON.
// encoding/json writes map keys in sorted order, which makes the output independent of insertion order.
func canonicalize(record map[string]string) string {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	// a map of strings cannot fail to encode
	_ = enc.Encode(record)
	return strings.TrimSuffix(buf.String(), "\n")
}
