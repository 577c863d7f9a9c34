// Package middleware provides HTTP middleware for the daemon's service
// endpoints.
package middleware

import (
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// WithLogging logs every request with method, path, status code and duration.
func WithLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, req)

		entry := log.WithFields(log.Fields{
			"remoteAddr": req.RemoteAddr,
			"method":     req.Method,
			"path":       req.URL.Path,
			"statusCode": rec.statusCode,
			"duration":   time.Since(start),
		})

		switch {
		case rec.statusCode >= 500:
			entry.Error("Request failed")
		case rec.statusCode >= 400:
			entry.Warn("Request rejected")
		default:
			entry.Info("Request served")
		}
	})
}

// statusRecorder captures the status code written by the wrapped handler.
// WriteHeader is not called for implicit 200 responses, so that is the
// default.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}
