package util

import (
	"net/http"
	"time"
)

type responseMeta struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (m *responseMeta) WriteHeader(code int) {
	if m.status == 0 {
		m.status = code
	}
	m.ResponseWriter.WriteHeader(code)
}

func (m *responseMeta) Write(p []byte) (int, error) {
	if m.status == 0 {
		m.status = http.StatusOK
	}
	n, err := m.ResponseWriter.Write(p)
	m.bytes += n
	return n, err
}

// WithRequestLog emits one structured line per request through the
// request-scoped logger, so request_id is included automatically.
func WithRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		meta := &responseMeta{ResponseWriter: w}
		next.ServeHTTP(meta, r)
		status := meta.status
		if status == 0 {
			status = http.StatusOK
		}
		LoggerFromContext(r.Context()).Info("http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", meta.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
