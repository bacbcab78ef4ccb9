package mw

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"gitlab.com/nevasik7/alerting/logger"

	"hcfstream/internal/metrics"
)

type LoggingMiddleware struct {
	Log logger.Logger
}

func NewLogging(log logger.Logger) *LoggingMiddleware {
	return &LoggingMiddleware{Log: log}
}

func (m *LoggingMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		lrw := &loggingRW{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(lrw, r)

		metrics.HTTPRequests.WithLabelValues(r.Method, strconv.Itoa(lrw.status/100)+"xx").Inc()

		m.Log.Infof("http_request method=%s path=%s status=%d size=%d dur_ms=%d ip=%s ua=%q",
			r.Method, r.URL.Path, lrw.status, lrw.size, time.Since(start).Milliseconds(),
			extractClientIP(r, nil), r.UserAgent())
	})
}

type loggingRW struct {
	http.ResponseWriter
	status int
	size   int
}

func (w *loggingRW) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingRW) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.size += n
	return n, err
}

// Hijack keeps websocket upgrades working behind the logger
func (w *loggingRW) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *loggingRW) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
