package replaycache

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// ReservedPrefix is the path prefix of the proxy's own endpoints. Requests below it are never forwarded.
const ReservedPrefix = "/.replay-cache"

// NewRouter routes every request to handler, except the reserved health and metrics paths.
// A nil metrics handler leaves the metrics path unrouted, so it is proxied like any other path.
func NewRouter(handler http.Handler, logger zerolog.Logger, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(
		hlog.NewHandler(logger),
		// request ids are only logged, responses stay untouched
		hlog.RequestIDHandler("req_id", ""),
		hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Trace().
				Str("method", r.Method).
				Stringer("url", r.URL).
				Int("code", status).
				Int("size", size).
				Dur("duration", duration).
				Msg("Request done")
		}),
		middleware.Recoverer,
	)
	r.Get(ReservedPrefix+"/healthz", livenessHandler)
	if metrics != nil {
		r.Method(http.MethodGet, ReservedPrefix+"/metrics", metrics)
	}
	r.Handle("/*", handler)
	return r
}

func livenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
