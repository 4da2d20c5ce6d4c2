package replaycache

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	cachekey "github.com/always-cache/replay-cache/pkg/cache-key"
	tee "github.com/always-cache/replay-cache/pkg/response-writer-tee"
	"github.com/always-cache/replay-cache/rfc9111"
	"github.com/always-cache/replay-cache/rfc9211"
)

// forwarded is what came back from upstream.
type forwarded struct {
	saver *tee.ResponseSaver
	// header is kept as received; replays filter it again
	header http.Header
	// err is set if the body could not be read to the end
	err error
}

func (f forwarded) complete() bool {
	return f.err == nil && !f.saver.Overflowed()
}

// upstreamURL joins the target and the request's path and query.
func upstreamURL(target string, r *http.Request) string {
	return strings.TrimRight(target, "/") + r.URL.RequestURI()
}

// forwardRequest builds the upstream request.
// Hop-by-hop and routing headers are dropped, as is Accept-Encoding:
// the transport then negotiates compression itself and hands us the decoded body.
// The request is not cancelled when the client goes away, so the response is still recorded.
func forwardRequest(r *http.Request, target string, body []byte) (*http.Request, error) {
	var reqBody io.Reader
	if len(body) > 0 {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(context.WithoutCancel(r.Context()), r.Method, upstreamURL(target, r), reqBody)
	if err != nil {
		return nil, err
	}
	req.Header = rfc9111.ForwardHeader(r.Header)
	req.Header.Del("Host")
	req.Header.Del(cachekey.RedirectHeader)
	req.Header.Del("Accept-Encoding")
	return req, nil
}

// forward sends the request upstream and streams the response to w while saving it.
// A *ForwardError is returned if no response was received; nothing has been written to w then.
func (a *ReplayCache) forward(w http.ResponseWriter, r *http.Request, target string, body []byte, cs rfc9211.CacheStatus) (forwarded, error) {
	req, err := forwardRequest(r, target, body)
	if err != nil {
		return forwarded{}, &ForwardError{Target: target, Err: err}
	}
	start := time.Now()
	res, err := a.client.Do(req)
	if err != nil {
		return forwarded{}, &ForwardError{Target: target, Err: err}
	}
	defer res.Body.Close()

	rwtee := tee.NewResponseSaver(w, a.maxBodyBytes)
	copyHeader(rwtee.Header(), rfc9111.StorableHeader(res.Header))
	if a.cacheStatusHeader {
		rwtee.Header().Set("Cache-Status", cs.String())
	}
	rwtee.WriteHeader(res.StatusCode)
	bytesWritten, err := io.Copy(rwtee, res.Body)
	a.metrics.upstreamDuration(r.Context(), time.Since(start), res.StatusCode)
	log := a.logger(r)
	log.Trace().Str("url", req.URL.String()).Msgf("Forwarded body (%d bytes)", bytesWritten)
	if cerr := rwtee.ClientErr(); cerr != nil {
		log.Debug().Err(cerr).Msg("Client went away while streaming")
	}
	return forwarded{saver: rwtee, header: res.Header, err: err}, nil
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
