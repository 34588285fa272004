package backendtest

import (
	"bufio"
	"net"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/chatsync/internal/logger"
)

// responseWriter remembers whether the header was already sent.
// Implements http.Hijacker so the push channel upgrade still works behind it.
type responseWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (w *responseWriter) WriteHeader(code int) {
	if w.wrote {
		return
	}
	w.status = code
	w.wrote = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := w.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// recoverJSON turns a handler panic into a JSON 500 if nothing was written yet.
func recoverJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrap := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			if err := recover(); err != nil {
				logger.Errorf("backendtest: panic recovered: %v", err)
				if !wrap.wrote {
					writeJSON(wrap, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
				}
			}
		}()
		next.ServeHTTP(wrap, r)
	})
}

// requestLog logs method, path, status and the client's request id at debug level.
func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrap := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrap, r)
		logger.Debugf("backendtest: %s %s -> %d (%v) req=%s",
			r.Method, r.URL.Path, wrap.status, time.Since(start), chimw.GetReqID(r.Context()))
	})
}
