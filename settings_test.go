package replaycache

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/always-cache/replay-cache/cache"
)

func TestLoadSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replay-cache.yaml")
	yml := "port: 9090\nprovider: leveldb\nfileCacheDir: recordings\nmaxBodyBytes: -1\ncacheStatusHeader: true\n"
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := LoadSettings(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.Port != 9090 || s.Provider != ProviderLevelDB || s.FileCacheDir != "recordings" || s.MaxBodyBytes != -1 || !s.CacheStatusHeader {
		t.Fatalf("settings are %+v", s)
	}
	// defaults survive
	if s.Host != DefaultHost || s.DB != DefaultDB {
		t.Fatalf("defaults lost: %+v", s)
	}
}

func TestLoadSettingsRejectsUnknownProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replay-cache.yaml")
	os.WriteFile(path, []byte("provider: redis\n"), 0o644)
	if _, err := LoadSettings(path); err == nil {
		t.Fatal("expected error")
	}
}

func TestOpenCacheRejectsBadFileCacheMode(t *testing.T) {
	t.Setenv(cache.ModeEnv, "sometimes")
	_, _, err := OpenCache(DefaultSettings(), &nopLogger, nil)
	var cerr *cache.ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestOpenStoreProviders(t *testing.T) {
	for _, provider := range []string{ProviderSQLite, ProviderLevelDB, ProviderMemory} {
		t.Run(provider, func(t *testing.T) {
			dir := t.TempDir()
			s := DefaultSettings()
			s.Provider = provider
			s.DB = filepath.Join(dir, "db")
			s.FileCacheDir = filepath.Join(dir, "files")

			policy, closer, err := OpenStore(s, cache.ModeWrite, &nopLogger)
			if err != nil {
				t.Fatal(err)
			}
			defer closer()
			if err := policy.Store(cache.Entry{Key: "k", StatusCode: 200, Body: []byte("b")}); err != nil {
				t.Fatal(err)
			}
			if _, ok, err := policy.Lookup("k"); !ok || err != nil {
				t.Fatalf("lookup after store: ok=%v err=%v", ok, err)
			}
			if _, err := os.Stat(filepath.Join(s.FileCacheDir, "k.json")); err != nil {
				t.Fatalf("overlay file missing: %v", err)
			}
		})
	}
}

func TestOpenStoreReadModeSkipsPrimary(t *testing.T) {
	dir := t.TempDir()
	s := DefaultSettings()
	s.DB = filepath.Join(dir, "cache.sqlite")
	s.FileCacheDir = filepath.Join(dir, "files")
	policy, closer, err := OpenStore(s, cache.ModeRead, &nopLogger)
	if err != nil {
		t.Fatal(err)
	}
	defer closer()
	if policy.Mode() != cache.ModeRead {
		t.Fatalf("mode is %s", policy.Mode())
	}
	if _, err := os.Stat(s.DB); !os.IsNotExist(err) {
		t.Fatal("read mode opened the primary store")
	}
}
