// Package rfc9111 holds the parts of HTTP caching that decide which header fields travel and get stored.
package rfc9111

import (
	"net/http"
	"strings"
)

// §  3.1.  Storing Header and Trailer Fields
// §
// §     Caches MUST include all received response header fields -- including
// §     unrecognized ones -- when storing a response; this assures that new
// §     HTTP header fields can be successfully deployed.  However, the
// §     following exceptions are made:
// §
// §     *  The Connection header field and fields whose names are listed in
// §        it are required by Section 7.6.1 of [HTTP] to be removed before
// §        forwarding the message.  This MAY be implemented by doing so
// §        before storage.
// §
// §     *  Likewise, some fields' semantics require them to be removed before
// §        forwarding the message, and this MAY be implemented by doing so
// §        before storage; see Section 7.6.1 of [HTTP] for some examples.

// hopByHop are the fields that only apply to a single connection.
var hopByHop = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"TE",
	"Transfer-Encoding",
	"Upgrade",
}

// ForwardHeader returns a copy of header without the Connection field, the
// fields it lists and the other hop-by-hop fields.
// The result is safe to send on a new connection, either upstream or back to the client.
func ForwardHeader(header http.Header) http.Header {
	h := header.Clone()
	if h == nil {
		return http.Header{}
	}
	for _, name := range GetListHeader(header, "Connection") {
		if name != "" {
			h.Del(name)
		}
	}
	for _, name := range hopByHop {
		h.Del(name)
	}
	return h
}

// StorableHeader returns the fields of a received response that can be replayed later.
// Besides the hop-by-hop fields, the framing of the original message is dropped:
// a replay sends the decoded body in one piece, so length and encoding describe a different message.
func StorableHeader(header http.Header) http.Header {
	h := ForwardHeader(header)
	h.Del("Content-Length")
	h.Del("Content-Encoding")
	return h
}

// GetListHeader splits a comma-separated list field into its trimmed members.
func GetListHeader(header http.Header, field string) []string {
	list := make([]string, 0)
	for _, hdr := range header.Values(field) {
		for _, item := range strings.Split(hdr, ",") {
			list = append(list, strings.TrimSpace(item))
		}
	}
	return list
}
