package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// FileExt is the extension of overlay files, which are named <key>.json.
const FileExt = ".json"

// DecodeError reports an overlay file that exists but cannot be read back.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode file cache entry %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// fileEntry is the on-disk document. The body is base64 encoded by encoding/json.
type fileEntry struct {
	StatusCode *int       `json:"status_code"`
	Headers    fileHeader `json:"headers"`
	Body       []byte     `json:"body"`
	Timestamp  float64    `json:"timestamp"`
}

// fileHeader is written as {"Name": ["value", ...]}.
// A single string per name, {"Name": "value"}, is read as well.
type fileHeader http.Header

func (h *fileHeader) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	header := http.Header{}
	for name, v := range raw {
		var values []string
		if err := json.Unmarshal(v, &values); err != nil {
			var value string
			if err := json.Unmarshal(v, &value); err != nil {
				return fmt.Errorf("header %s: %w", name, err)
			}
			values = []string{value}
		}
		for _, value := range values {
			header.Add(name, value)
		}
	}
	*h = fileHeader(header)
	return nil
}

// FileCache is the overlay store: one self-describing JSON file per key in a single directory.
// The files are meant to be committed alongside tests and replayed elsewhere.
type FileCache struct {
	dir string
	log zerolog.Logger
}

// NewFileCache creates the directory if needed.
// Malformed files found on lookup are reported through the logger and treated as misses.
func NewFileCache(dir string, logger *zerolog.Logger) (*FileCache, error) {
	if dir == "" {
		return nil, errors.New("file cache directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create file cache directory: %w", err)
	}
	fc := &FileCache{dir: dir}
	if logger == nil {
		fc.log = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		fc.log = *logger
	}
	return fc, nil
}

// Path returns the file an entry with the given key is stored in.
func (f *FileCache) Path(key string) string {
	return filepath.Join(f.dir, key+FileExt)
}

func (f *FileCache) Lookup(key string) (Entry, bool, error) {
	path := f.Path(key)
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	entry, err := decodeFileEntry(key, b)
	if err != nil {
		f.log.Warn().Err(&DecodeError{Path: path, Err: err}).Str("key", key).Msg("Ignoring unreadable file cache entry")
		return Entry{}, false, nil
	}
	return entry, true, nil
}

func decodeFileEntry(key string, b []byte) (Entry, error) {
	var doc fileEntry
	if err := json.Unmarshal(b, &doc); err != nil {
		return Entry{}, err
	}
	if doc.StatusCode == nil {
		return Entry{}, errors.New("missing status_code")
	}
	if doc.Body == nil {
		doc.Body = []byte{}
	}
	sec := int64(doc.Timestamp)
	return Entry{
		Key:        key,
		StatusCode: *doc.StatusCode,
		Header:     http.Header(doc.Headers),
		Body:       doc.Body,
		CreatedAt:  time.Unix(sec, int64((doc.Timestamp-float64(sec))*1e9)),
	}, nil
}

// Store writes the entry to a temporary file and renames it into place,
// so a concurrent Lookup sees either the old document or the new one.
func (f *FileCache) Store(entry Entry) error {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	status := entry.StatusCode
	body := entry.Body
	if body == nil {
		body = []byte{}
	}
	b, err := json.MarshalIndent(fileEntry{
		StatusCode: &status,
		Headers:    fileHeader(entry.Header),
		Body:       body,
		Timestamp:  float64(createdAt.UnixNano()) / 1e9,
	}, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(f.dir, ".cache-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	_, err = tmp.Write(b)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmpName, f.Path(entry.Key))
	}
	if err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write file cache entry %s: %w", entry.Key, err)
	}
	return nil
}
