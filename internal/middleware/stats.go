package middleware

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Recorder consumes request statistics. The metrics package implements it;
// a nil recorder keeps the middleware self-contained in tests.
type Recorder interface {
	ObserveRequest(method, path, client string, status int, duration time.Duration)
}

// Stats counts requests, measures wall time and exposes a Server-Timing
// header.
type Stats struct {
	logger   *zap.Logger
	recorder Recorder
}

// NewStats builds the statistics middleware.
func NewStats(logger *zap.Logger, recorder Recorder) *Stats {
	return &Stats{logger: logger, recorder: recorder}
}

// Middleware returns the HTTP middleware function.
func (s *Stats) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, start: start}
		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		if s.recorder != nil {
			s.recorder.ObserveRequest(r.Method, r.URL.Path, ClientAddr(r.Context()), rec.Status(), duration)
		}
		s.logger.Debug("Request served",
			zap.Uint64("request_id", RequestID(r.Context())),
			zap.String("client", ClientAddr(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.Status()),
			zap.Duration("duration", duration),
		)
	})
}

// responseRecorder captures the status code and stamps the Server-Timing
// header just before headers go out, when the handler time is known.
type responseRecorder struct {
	http.ResponseWriter
	start       time.Time
	status      int
	wroteHeader bool
}

func (r *responseRecorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = status
	ms := float64(time.Since(r.start).Microseconds()) / 1000.0
	r.Header().Set("Server-Timing", fmt.Sprintf("request_processing;dur=%.3f", ms))
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(p)
}

// Status returns the written status code, or 200 when the handler never
// called WriteHeader explicitly.
func (r *responseRecorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.wroteHeader = true
	if r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return hj.Hijack()
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
