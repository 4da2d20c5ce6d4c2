// Package rfc9211 renders the Cache-Status response header field.
package rfc9211

import (
	"fmt"
	"strings"
)

// §  2.  The Cache-Status HTTP Response Header Field
// §
// §     The Cache-Status HTTP response header field indicates caches' handling
// §     of the request corresponding to the response it occurs within.
// §
// §     Its value is a List (Section 3.1 of [STRUCTURED-FIELDS]):
// §
// §     Cache-Status   = sf-list
// §
// §     Each member of the list represents a cache that has handled the
// §     request.  The first member of the list represents the cache closest
// §     to the origin server, and the last member of the list represents the
// §     cache closest to the user (possibly including the user agent's cache
// §     itself, if it appends a value).

// CacheName identifies this cache in Cache-Status values.
const CacheName = "Replay-Cache"

type Status string

const (
	StatusHit Status = "hit"
	StatusFwd Status = "fwd"
)

// §  2.2.  The fwd Parameter
// §
// §     "fwd" indicates that the request went forward towards the origin and
// §     why.

type FwdReason string

const (
	// The cache did not contain any responses that matched the
	// request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"

	// The cache did not contain any responses that could be used to
	// satisfy this request.
	FwdReasonMiss FwdReason = "miss"
)

// CacheStatus collects how the cache handled a single request.
type CacheStatus struct {
	Status    Status
	FwdReason FwdReason
	// §  2.3.  The fwd-status Parameter
	FwdStatus int
	// §  2.5.  The stored Parameter
	Stored bool
	// §  2.7.  The key Parameter
	Key string
	// §  2.8.  The detail Parameter
	Detail string
}

// §  2.1.  The hit Parameter
// §
// §     "hit", when true, indicates that the request was satisfied by the
// §     cache; that is, it was not forwarded, and the response was obtained
// §     from the cache.
func (cs *CacheStatus) Hit() {
	cs.Status = StatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

// String renders the status as a single Cache-Status list member.
// The key is never included, see the security considerations of the header.
func (cs CacheStatus) String() string {
	var b strings.Builder
	b.WriteString(CacheName)
	switch {
	case cs.Status == StatusHit:
		b.WriteString("; hit")
	case cs.FwdReason != "":
		fmt.Fprintf(&b, "; fwd=%s", cs.FwdReason)
	}
	if cs.FwdStatus != 0 {
		fmt.Fprintf(&b, "; fwd-status=%d", cs.FwdStatus)
	}
	if cs.Stored {
		b.WriteString("; stored")
	}
	if cs.Detail != "" {
		fmt.Fprintf(&b, "; detail=%q", cs.Detail)
	}
	return b.String()
}
