package cache

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const entryPrefix = "e:"

// LevelDBCache keeps entries in a LevelDB directory, gob-encoded under "e:<key>".
type LevelDBCache struct {
	db *leveldb.DB
}

type levelDBEntry struct {
	StatusCode int
	Header     map[string][]string
	Body       []byte
	CreatedAt  int64 // unix seconds
}

func NewLevelDBCache(dir string) (*LevelDBCache, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", dir, err)
	}
	return &LevelDBCache{db: db}, nil
}

func (l *LevelDBCache) Lookup(key string) (Entry, bool, error) {
	b, err := l.db.Get([]byte(entryPrefix+key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var stored levelDBEntry
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&stored); err != nil {
		return Entry{}, false, fmt.Errorf("decode %s: %w", key, err)
	}
	if stored.Body == nil {
		stored.Body = []byte{}
	}
	return Entry{
		Key:        key,
		StatusCode: stored.StatusCode,
		Header:     stored.Header,
		Body:       stored.Body,
		CreatedAt:  time.Unix(stored.CreatedAt, 0),
	}, true, nil
}

func (l *LevelDBCache) Store(entry Entry) error {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(levelDBEntry{
		StatusCode: entry.StatusCode,
		Header:     entry.Header,
		Body:       entry.Body,
		CreatedAt:  createdAt.Unix(),
	})
	if err != nil {
		return err
	}
	// a single Put is atomic, which gives insert-or-replace
	return l.db.Put([]byte(entryPrefix+entry.Key), buf.Bytes(), nil)
}

// Len returns the number of stored entries.
func (l *LevelDBCache) Len() (int, error) {
	it := l.db.NewIterator(util.BytesPrefix([]byte(entryPrefix)), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}

func (l *LevelDBCache) Close() error {
	return l.db.Close()
}
