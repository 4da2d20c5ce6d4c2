package tee

import (
	"bytes"
	"net/http"
	"time"
)

// ResponseSaver is a wrapper around http.ResponseWriter that saves the response to a buffer.
// Every write is passed on to the underlying http.ResponseWriter and flushed immediately,
// so the client receives the stream as it arrives.
// Once more than the configured limit has been buffered, buffering stops and the
// response is marked as overflowed; writing to the client continues regardless.
type ResponseSaver struct {
	rw           http.ResponseWriter
	flusher      http.Flusher
	b            *bytes.Buffer
	header       http.Header
	status       int
	wroteHeaders bool
	limit        int64
	overflowed   bool
	writeErr     error
	CreatedAt    time.Time
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Header() http.Header {
	return t.header
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) WriteHeader(statusCode int) {
	if t.wroteHeaders {
		return
	}
	// remember that we wrote the headers
	t.wroteHeaders = true
	// set the status code so we can return it later
	t.status = statusCode
	copyHeader(t.rw.Header(), t.header)
	t.rw.WriteHeader(statusCode)
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Write(b []byte) (int, error) {
	// write headers if not already written
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	if !t.overflowed {
		if t.limit >= 0 && int64(t.b.Len()+len(b)) > t.limit {
			t.overflowed = true
			t.b = &bytes.Buffer{}
		} else {
			t.b.Write(b)
		}
	}
	// a client that went away only loses the rest of the stream, saving goes on
	if t.writeErr != nil {
		return len(b), nil
	}
	if _, err := t.rw.Write(b); err != nil {
		t.writeErr = err
		return len(b), nil
	}
	t.Flush()
	return len(b), nil
}

// Implementation of http.Flusher
func (t *ResponseSaver) Flush() {
	if t.flusher != nil && t.writeErr == nil {
		t.flusher.Flush()
	}
}

// Body returns the buffered response body, or nil if the body exceeded the limit.
func (t *ResponseSaver) Body() []byte {
	if t.overflowed {
		return nil
	}
	return t.b.Bytes()
}

// Overflowed reports whether the body exceeded the limit and was not saved.
func (t *ResponseSaver) Overflowed() bool {
	return t.overflowed
}

// ClientErr returns the first error encountered writing to the client, if any.
func (t *ResponseSaver) ClientErr() error {
	return t.writeErr
}

// StatusCode returns the status code of the response.
func (t *ResponseSaver) StatusCode() int {
	return t.status
}

// NewResponseSaver returns a new ResponseSaver writing through to w.
// A negative limit buffers the whole body no matter its size.
func NewResponseSaver(w http.ResponseWriter, limit int64) *ResponseSaver {
	rs := &ResponseSaver{
		CreatedAt: time.Now(),
		rw:        w,
		b:         &bytes.Buffer{},
		header:    http.Header{},
		limit:     limit,
	}
	if f, ok := w.(http.Flusher); ok {
		rs.flusher = f
	}
	return rs
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
