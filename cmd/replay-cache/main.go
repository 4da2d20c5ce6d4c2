package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	replaycache "github.com/always-cache/replay-cache"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// CLI flags
	configFlag            string
	hostFlag              string
	portFlag              int
	dbFilenameFlag        string
	providerFlag          string
	fileCacheDirFlag      string
	maxBodyBytesFlag      int64
	cacheStatusHeaderFlag bool
	metricsFlag           bool
	verbosityTraceFlag    bool
	logFilenameFlag       string

	// this is set by goreleaser
	version string
)

func init() {
	defaults := replaycache.DefaultSettings()
	flag.StringVar(&configFlag, "config", "", "YAML settings file (flags override it)")
	flag.StringVar(&hostFlag, "host", defaults.Host, "Host to listen on")
	flag.IntVar(&portFlag, "port", defaults.Port, "Port to listen on")
	flag.StringVar(&dbFilenameFlag, "db", defaults.DB, "Cache DB file name (use 'memory' for in-memory db)")
	flag.StringVar(&providerFlag, "provider", defaults.Provider, "Cache store: sqlite, leveldb or memory")
	flag.StringVar(&fileCacheDirFlag, "file-cache-dir", defaults.FileCacheDir, "Directory of the file cache used when FILE_CACHE is read or write")
	flag.Int64Var(&maxBodyBytesFlag, "max-body-bytes", 0, "Largest response body to cache (0 for the default, negative for no limit)")
	flag.BoolVar(&cacheStatusHeaderFlag, "cache-status", false, "Add a Cache-Status header to responses")
	flag.BoolVar(&metricsFlag, "metrics", false, "Serve Prometheus metrics on "+replaycache.ReservedPrefix+"/metrics")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

// settings loads the settings file, if any, and applies the flags given on the command line.
func settings() (replaycache.Settings, error) {
	s := replaycache.DefaultSettings()
	if configFlag != "" {
		var err error
		if s, err = replaycache.LoadSettings(configFlag); err != nil {
			return s, err
		}
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			s.Host = hostFlag
		case "port":
			s.Port = portFlag
		case "db":
			s.DB = dbFilenameFlag
		case "provider":
			s.Provider = providerFlag
		case "file-cache-dir":
			s.FileCacheDir = fileCacheDirFlag
		case "max-body-bytes":
			s.MaxBodyBytes = maxBodyBytesFlag
		case "cache-status":
			s.CacheStatusHeader = cacheStatusHeaderFlag
		case "metrics":
			s.Metrics = metricsFlag
		}
	})
	return s, s.Validate()
}

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout); err != nil {
		log.Fatal().Err(err).Msg("Replay cache failed")
	}
}

// run serves until ctx is done. Flags must have been parsed.
func run(ctx context.Context, stdout io.Writer) error {
	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to a rotated logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: stdout})
	if logFilenameFlag != "" {
		logFile := &lumberjack.Logger{
			Filename:   logFilenameFlag,
			MaxSize:    100,
			MaxBackups: 3,
			LocalTime:  true,
		}
		defer logFile.Close()
		logOutputs = append(logOutputs, logFile)
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Timestamp().Str("version", version).Logger()

	s, err := settings()
	if err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	var (
		meterProvider  metric.MeterProvider
		metricsHandler http.Handler
	)
	if s.Metrics {
		exporter, err := prometheus.New()
		if err != nil {
			return fmt.Errorf("create metrics exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
		defer mp.Shutdown(context.Background())
		meterProvider = mp
		metricsHandler = promhttp.Handler()
	}

	rcache, closeCache, err := replaycache.OpenCache(s, &log.Logger, meterProvider)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer closeCache()

	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.Addr(), err)
	}
	srv := &http.Server{
		Handler:           replaycache.NewRouter(rcache, log.Logger, metricsHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", ln.Addr().String()).Msg("Replay cache listening")
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	log.Info().Msg("Replay cache stopped")
	return nil
}
