package middleware

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"net/http"
)

// statusRecorder remembers the status code written through it and
// optionally tees the body. It passes Flush and Hijack through so SSE and
// WebSocket handlers keep working behind it.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
	written    bool
	hijacked   bool
}

func newStatusRecorder(w http.ResponseWriter, captureBody bool) *statusRecorder {
	rec := &statusRecorder{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
	if captureBody {
		rec.body = &bytes.Buffer{}
	}
	return rec
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.written {
		r.statusCode = code
		r.written = true
		r.ResponseWriter.WriteHeader(code)
	}
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.written {
		r.WriteHeader(http.StatusOK)
	}
	if r.body != nil {
		r.body.Write(b)
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		if !r.written {
			r.WriteHeader(http.StatusOK)
		}
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	conn, rw, err := h.Hijack()
	if err == nil {
		r.hijacked = true
		r.statusCode = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
