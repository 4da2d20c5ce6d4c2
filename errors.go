package replaycache

import (
	"errors"
	"fmt"

	cachekey "github.com/always-cache/replay-cache/pkg/cache-key"
)

var (
	// ErrMissingRoutingHeader is returned for requests that do not say where to forward to.
	ErrMissingRoutingHeader = errors.New("Missing " + cachekey.RedirectHeader + " header")
	// ErrReadinessTimeout is returned when a started proxy does not accept connections in time.
	ErrReadinessTimeout = errors.New("proxy did not become ready")
	// ErrProxyExited is returned when a launched proxy stops before it accepts connections.
	ErrProxyExited = errors.New("proxy exited before it became ready")
	// ErrHookMismatch is returned when a client already routed through a proxy points somewhere else.
	ErrHookMismatch = errors.New("client already carries " + cachekey.RedirectHeader + " but does not point at the proxy")
)

// ReplayMissError is returned in read mode when no recorded response exists for a request.
type ReplayMissError struct {
	Key       string
	Canonical string
}

func (e *ReplayMissError) Error() string {
	return fmt.Sprintf("Cache miss in read mode for key: %s\n\n%s", e.Key, e.Canonical)
}

// ForwardError is returned when the upstream could not be reached or did not answer.
type ForwardError struct {
	Target string
	Err    error
}

func (e *ForwardError) Error() string {
	return fmt.Sprintf("forward to %s: %v", e.Target, e.Err)
}

func (e *ForwardError) Unwrap() error {
	return e.Err
}
