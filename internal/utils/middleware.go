package utils

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	rerrors "github.com/RendaniSinyage/rokct/internal/errors"
	"github.com/RendaniSinyage/rokct/internal/logging"
)

// RequestIDHeader carries the request ID in and out.
const RequestIDHeader = "X-Request-ID"

// StatusRecorder captures the response status.
type StatusRecorder struct {
	http.ResponseWriter
	Status int
}

// NewStatusRecorder wraps w. The status defaults to 200.
func NewStatusRecorder(w http.ResponseWriter) *StatusRecorder {
	return &StatusRecorder{ResponseWriter: w, Status: http.StatusOK}
}

func (r *StatusRecorder) WriteHeader(code int) {
	r.Status = code
	r.ResponseWriter.WriteHeader(code)
}

// Instrument assigns a request ID, recovers panics and logs each request.
func Instrument(component string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, id := logging.WithRequestID(r.Context(), r.Header.Get(RequestIDHeader))
		r = r.WithContext(ctx)
		w.Header().Set(RequestIDHeader, id)
		rec := NewStatusRecorder(w)
		start := time.Now()

		defer func() {
			if p := recover(); p != nil {
				log.Error().Str("component", component).Str("request_id", id).Interface("panic", p).
					Str("path", r.URL.Path).Msg("Handler panicked")
				WriteError(rec, r, rerrors.New(rerrors.KindInternal, component, "panic"))
			}
			log.Debug().Str("component", component).Str("request_id", id).Str("method", r.Method).
				Str("path", r.URL.Path).Int("status", rec.Status).Dur("duration", time.Since(start)).
				Msg("HTTP request")
		}()
		next.ServeHTTP(rec, r)
	})
}

// SecurityHeaders sets the response headers every page and API reply carries.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-XSS-Protection", "0")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=(), usb=()")
		h.Set("Content-Security-Policy", "default-src 'self'; style-src 'self' 'unsafe-inline'; img-src 'self' data:; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}
