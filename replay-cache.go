package replaycache

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/always-cache/replay-cache/cache"
	cachekey "github.com/always-cache/replay-cache/pkg/cache-key"
	"github.com/always-cache/replay-cache/rfc9111"
	"github.com/always-cache/replay-cache/rfc9211"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"go.opentelemetry.io/otel/metric"
)

// DefaultMaxBodyBytes is the largest response body that is cached unless configured otherwise.
const DefaultMaxBodyBytes = 64 << 20

type Config struct {
	// Storage for cache entries.
	// Use a *cache.Policy to take part in file overlay replay or snapshots.
	Cache cache.Provider
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Transport for upstream requests. http.DefaultTransport is used if nil.
	Transport http.RoundTripper
	// Largest response body to cache. Larger responses are streamed but not cached.
	// Zero means DefaultMaxBodyBytes, negative means no limit.
	MaxBodyBytes int64
	// Add a Cache-Status header to responses.
	// Off by default, which makes replayed responses identical to the recorded ones.
	CacheStatusHeader bool
	// MeterProvider for request metrics. The global provider is used if nil.
	MeterProvider metric.MeterProvider
}

// ReplayCache is the request handler of the proxy.
// Every request names its real destination in the X-Cache-Redirect-To header.
// The first response for a request is recorded and every later identical request is answered from the cache.
type ReplayCache struct {
	cache             cache.Provider
	client            *http.Client
	log               zerolog.Logger
	maxBodyBytes      int64
	cacheStatusHeader bool
	metrics           *metrics
}

// CreateCache initializes the handler.
func CreateCache(config Config) (*ReplayCache, error) {
	if config.Cache == nil {
		return nil, errors.New("cache provider required")
	}
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	m, err := newMetrics(config.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	transport := config.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	maxBodyBytes := config.MaxBodyBytes
	if maxBodyBytes == 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}

	return &ReplayCache{
		cache: config.Cache,
		client: &http.Client{
			Transport: transport,
			// redirects are part of the recorded response
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log:               logger,
		maxBodyBytes:      maxBodyBytes,
		cacheStatusHeader: config.CacheStatusHeader,
		metrics:           m,
	}, nil
}

// logger returns the request scoped logger if the router installed one.
func (a *ReplayCache) logger(r *http.Request) *zerolog.Logger {
	if l := hlog.FromRequest(r); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &a.log
}

// ServeHTTP implements the http.Handler interface.
func (a *ReplayCache) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := a.logger(r)

	target := r.Header.Get(cachekey.RedirectHeader)
	if target == "" {
		a.metrics.request(ctx, outcomeBadRequest)
		log.Warn().Str("method", r.Method).Str("url", r.URL.String()).Msg(ErrMissingRoutingHeader.Error())
		http.Error(w, ErrMissingRoutingHeader.Error(), http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		a.metrics.request(ctx, outcomeBadRequest)
		log.Warn().Err(err).Msg("Could not read request body")
		http.Error(w, "Could not read request body", http.StatusBadRequest)
		return
	}

	key, canonical := cachekey.FromRequest(r, body)
	log.Trace().Str("key", key).Msg("Looking up cache entry")

	entry, ok, err := a.cache.Lookup(key)
	if errors.Is(err, cache.ErrReplayMiss) {
		a.metrics.request(ctx, outcomeReplayMiss)
		a.replayMiss(w, r, &ReplayMissError{Key: key, Canonical: canonical})
		return
	}
	if err != nil {
		a.metrics.request(ctx, outcomeError)
		log.Error().Err(err).Str("key", key).Msg("Could not retrieve from cache")
		http.Error(w, "Cache lookup failed", http.StatusInternalServerError)
		return
	}

	if ok {
		a.metrics.request(ctx, outcomeHit)
		a.sendStoredResponse(w, r, entry)
		return
	}

	a.proxy(w, r, key, target, body)
}

func (a *ReplayCache) sendStoredResponse(w http.ResponseWriter, r *http.Request, entry cache.Entry) {
	cs := rfc9211.CacheStatus{Key: entry.Key}
	cs.Hit()

	copyHeader(w.Header(), rfc9111.StorableHeader(entry.Header))
	w.Header().Set("Content-Length", strconv.Itoa(len(entry.Body)))
	if a.cacheStatusHeader {
		w.Header().Set("Cache-Status", cs.String())
	}
	w.WriteHeader(entry.StatusCode)
	if _, err := w.Write(entry.Body); err != nil {
		a.logger(r).Debug().Err(err).Msg("Could not write response body to client")
	}
	a.logRequest(r, cs, entry.StatusCode)
}

func (a *ReplayCache) proxy(w http.ResponseWriter, r *http.Request, key, target string, body []byte) {
	log := a.logger(r)
	log.Trace().Msgf("proxying %s to %s", r.URL.String(), target)

	cs := rfc9211.CacheStatus{Key: key}
	cs.Forward(rfc9211.FwdReasonUriMiss)

	res, err := a.forward(w, r, target, body, cs)
	if err != nil {
		a.metrics.request(r.Context(), outcomeError)
		log.Error().Err(err).Str("key", key).Msg("Could not forward request")
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	a.metrics.request(r.Context(), outcomeMiss)
	cs.FwdStatus = res.saver.StatusCode()

	switch {
	case res.err != nil:
		a.metrics.store(r.Context(), storeSkipped)
		cs.Detail = "incomplete"
		a.logRequest(r, cs, cs.FwdStatus)
		log.Error().Err(res.err).Str("key", key).Msg("Upstream body failed mid-stream")
		// headers are out already, the only way to signal the failure is to cut the connection
		panic(http.ErrAbortHandler)
	case !isSuccess(cs.FwdStatus):
		a.metrics.store(r.Context(), storeSkipped)
	case res.saver.Overflowed():
		a.metrics.store(r.Context(), storeSkipped)
		cs.Detail = "too large to cache"
		log.Warn().Str("key", key).Int64("limit", a.maxBodyBytes).Msg("Response too large to cache")
	default:
		if stored, err := a.writeCache(key, res); err != nil {
			a.metrics.store(r.Context(), storeFailed)
			log.Error().Err(err).Str("key", key).Msg("Could not write to cache")
		} else {
			cs.Stored = stored
			a.metrics.store(r.Context(), storeStored)
		}
	}
	a.logRequest(r, cs, cs.FwdStatus)
}

func (a *ReplayCache) writeCache(key string, res forwarded) (bool, error) {
	if !res.complete() {
		return false, nil
	}
	err := a.cache.Store(cache.Entry{
		Key:        key,
		StatusCode: res.saver.StatusCode(),
		Header:     res.header,
		Body:       res.saver.Body(),
		CreatedAt:  res.saver.CreatedAt,
	})
	return err == nil, err
}

// replayMiss fails the request and leaves the details where CI can pick them up.
func (a *ReplayCache) replayMiss(w http.ResponseWriter, r *http.Request, miss *ReplayMissError) {
	log := a.logger(r)
	msg := miss.Error()
	log.Error().Str("key", miss.Key).Str("request", miss.Canonical).Msg("Cache miss in read mode")
	if path := os.Getenv("GITHUB_OUTPUT"); path != "" {
		if err := appendLine(path, msg); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Could not write to GITHUB_OUTPUT")
		}
	}
	http.Error(w, msg, http.StatusInternalServerError)
}

func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func isSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}

func (a *ReplayCache) logRequest(r *http.Request, cs rfc9211.CacheStatus, statusCode int) {
	isHit := 0
	if cs.Status == rfc9211.StatusHit {
		isHit = 1
	}
	a.logger(r).Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Str("key", cs.Key).
		Str("status", string(cs.Status)).
		Str("fwd", string(cs.FwdReason)).
		Int("code", statusCode).
		Bool("stored", cs.Stored).
		Str("detail", cs.Detail).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}
