package replaycache

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/always-cache/replay-cache/cache"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"
	"gopkg.in/yaml.v3"
)

const (
	DefaultHost         = "127.0.0.1"
	DefaultPort         = 8080
	DefaultDB           = "cache.sqlite"
	DefaultFileCacheDir = "file_cache"
)

// Primary store implementations.
const (
	ProviderSQLite  = "sqlite"
	ProviderLevelDB = "leveldb"
	ProviderMemory  = "memory"
)

// Settings is the configuration of a proxy process.
// It is read from a YAML file and overridden by command line flags.
type Settings struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// DB is the sqlite file, or the leveldb directory.
	DB       string `yaml:"db"`
	Provider string `yaml:"provider"`
	// FileCacheDir holds the overlay files used when FILE_CACHE is read or write.
	FileCacheDir      string `yaml:"fileCacheDir"`
	MaxBodyBytes      int64  `yaml:"maxBodyBytes"`
	CacheStatusHeader bool   `yaml:"cacheStatusHeader"`
	Metrics           bool   `yaml:"metrics"`
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		Host:         DefaultHost,
		Port:         DefaultPort,
		DB:           DefaultDB,
		Provider:     ProviderSQLite,
		FileCacheDir: DefaultFileCacheDir,
	}
}

// LoadSettings reads a YAML settings file on top of the defaults.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	b, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, err
	}
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Settings{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

func (s Settings) Validate() error {
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("port %d out of range", s.Port)
	}
	switch strings.ToLower(s.Provider) {
	case "", ProviderSQLite, ProviderLevelDB, ProviderMemory:
	default:
		return fmt.Errorf("unknown provider %q", s.Provider)
	}
	return nil
}

// Addr is the listen address.
func (s Settings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// OpenStore opens the primary store and the overlay for the given mode and composes them.
// In read mode the primary store is not opened at all. The returned function closes what was opened.
func OpenStore(s Settings, mode cache.Mode, logger *zerolog.Logger) (*cache.Policy, func() error, error) {
	var (
		primary cache.Provider
		overlay cache.Provider
		closer  = func() error { return nil }
	)

	if mode != cache.ModeRead {
		switch strings.ToLower(s.Provider) {
		case "", ProviderSQLite:
			db, err := cache.NewSQLiteCache(s.DB)
			if err != nil {
				return nil, nil, err
			}
			primary, closer = db, db.Close
		case ProviderLevelDB:
			db, err := cache.NewLevelDBCache(s.DB)
			if err != nil {
				return nil, nil, err
			}
			primary, closer = db, db.Close
		case ProviderMemory:
			primary = cache.NewMemCache()
		default:
			return nil, nil, fmt.Errorf("unknown provider %q", s.Provider)
		}
	}

	if mode != cache.ModeDisabled {
		dir := s.FileCacheDir
		if dir == "" {
			dir = DefaultFileCacheDir
		}
		fc, err := cache.NewFileCache(dir, logger)
		if err != nil {
			closer()
			return nil, nil, err
		}
		overlay = fc
	}

	policy, err := cache.NewPolicy(primary, overlay, mode)
	if err != nil {
		closer()
		return nil, nil, err
	}
	return policy, closer, nil
}

// OpenCache builds a handler from settings, taking the overlay mode from FILE_CACHE.
// An invalid FILE_CACHE value is returned as a *cache.ConfigurationError.
func OpenCache(s Settings, logger *zerolog.Logger, meterProvider metric.MeterProvider) (*ReplayCache, func() error, error) {
	mode, err := cache.ModeFromEnv()
	if err != nil {
		return nil, nil, err
	}
	policy, closer, err := OpenStore(s, mode, logger)
	if err != nil {
		return nil, nil, err
	}
	rc, err := CreateCache(Config{
		Cache:             policy,
		Logger:            logger,
		MaxBodyBytes:      s.MaxBodyBytes,
		CacheStatusHeader: s.CacheStatusHeader,
		MeterProvider:     meterProvider,
	})
	if err != nil {
		return nil, nil, errors.Join(err, closer())
	}
	if logger != nil {
		logger.Info().Str("provider", s.Provider).Str("db", s.DB).Stringer("fileCache", mode).Msg("Cache opened")
	}
	return rc, closer, nil
}
