package cache

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ModeEnv is the environment variable selecting the overlay mode.
const ModeEnv = "FILE_CACHE"

// Mode selects how the file overlay takes part in lookups and stores.
type Mode string

const (
	// ModeDisabled ignores the overlay; only the primary store is used.
	ModeDisabled Mode = ""
	// ModeRead serves from the overlay only. A miss is an error and nothing is forwarded.
	ModeRead Mode = "read"
	// ModeWrite uses the primary store and additionally snapshots every stored response to the overlay.
	ModeWrite Mode = "write"
)

func (m Mode) String() string {
	if m == ModeDisabled {
		return "disabled"
	}
	return string(m)
}

var (
	// ErrReplayMiss is returned by Policy.Lookup in read mode when the overlay has no entry.
	ErrReplayMiss = errors.New("cache miss in read mode")
	// ErrReadOnly is returned by Policy.Store in read mode.
	ErrReadOnly = errors.New("cache is in read mode")
)

// ConfigurationError reports an unusable overlay configuration.
type ConfigurationError struct {
	Value  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid %s configuration %q: %s", ModeEnv, e.Value, e.Reason)
	}
	return fmt.Sprintf("invalid %s value %q: must be '', 'read', or 'write'", ModeEnv, e.Value)
}

// ParseMode accepts exactly "", "read" and "write", ignoring case and surrounding space.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeDisabled, ModeRead, ModeWrite:
		return m, nil
	}
	return ModeDisabled, &ConfigurationError{Value: s}
}

// ModeFromEnv parses the FILE_CACHE environment variable.
func ModeFromEnv() (Mode, error) {
	return ParseMode(os.Getenv(ModeEnv))
}

// Policy composes the primary store with the overlay according to a Mode.
// It is itself a Provider, so callers never branch on the mode.
type Policy struct {
	primary Provider
	overlay Provider
	mode    Mode
}

// NewPolicy returns an error if mode needs an overlay and none is given.
func NewPolicy(primary, overlay Provider, mode Mode) (*Policy, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}
	if mode != ModeRead && primary == nil {
		return nil, &ConfigurationError{Value: string(mode), Reason: "primary store required"}
	}
	if mode != ModeDisabled && overlay == nil {
		return nil, &ConfigurationError{Value: string(mode), Reason: "file cache directory required"}
	}
	return &Policy{primary: primary, overlay: overlay, mode: mode}, nil
}

func (p *Policy) Mode() Mode {
	return p.mode
}

func (p *Policy) Lookup(key string) (Entry, bool, error) {
	if p.mode != ModeRead {
		return p.primary.Lookup(key)
	}
	entry, ok, err := p.overlay.Lookup(key)
	if err != nil {
		return Entry{}, false, err
	}
	if !ok {
		return Entry{}, false, ErrReplayMiss
	}
	return entry, true, nil
}

func (p *Policy) Store(entry Entry) error {
	switch p.mode {
	case ModeRead:
		return ErrReadOnly
	case ModeWrite:
		if err := p.primary.Store(entry); err != nil {
			return err
		}
		if err := p.overlay.Store(entry); err != nil {
			return fmt.Errorf("file cache: %w", err)
		}
		return nil
	default:
		return p.primary.Store(entry)
	}
}
