package cache

import (
	"net/http"
	"sync"
	"time"
)

// Provider is the interface for a cache provider.
// It stores and retrieves complete upstream responses addressed by a request-derived key.
// Entries never expire; storing under an existing key replaces the previous entry.
//
// Implementations must be thread-safe!
type Provider interface {
	// Lookup returns the entry stored under the given key.
	// The boolean is false if there is no such entry.
	Lookup(key string) (Entry, bool, error)
	// Store inserts the entry, replacing any previous entry with the same key.
	Store(entry Entry) error
}

// Entry is a stored upstream response.
type Entry struct {
	Key        string
	StatusCode int
	// Header holds the response headers as received from upstream.
	Header http.Header
	// Body is the full, already decoded response body.
	Body []byte
	// CreatedAt is informational only.
	CreatedAt time.Time
}

type MemCache struct {
	mutex *sync.RWMutex
	db    map[string]Entry
}

func NewMemCache() MemCache {
	return MemCache{
		mutex: &sync.RWMutex{},
		db:    make(map[string]Entry),
	}
}

func (m MemCache) Lookup(key string) (Entry, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entry, ok := m.db[key]
	return entry, ok, nil
}

func (m MemCache) Store(entry Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	// copy so later mutation by the caller does not leak into the cache
	entry.Header = entry.Header.Clone()
	entry.Body = append([]byte{}, entry.Body...)
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db[entry.Key] = entry
	return nil
}

// Len returns the number of stored entries.
func (m MemCache) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.db)
}
