package observability

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/loom/pkg/contextkeys"
)

// RequestIDHeader carries the request id in and out
const RequestIDHeader = "X-Request-ID"

type accessRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rw *accessRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// RequestIDMiddleware reuses an inbound X-Request-ID or assigns a new UUID,
// installs a request-scoped logger, and writes one access log line per request.
func RequestIDMiddleware(logger *Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := r.Header.Get(RequestIDHeader)
			if _, err := uuid.Parse(requestID); err != nil {
				requestID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, requestID)

			reqLogger := logger.WithField("request_id", requestID)
			ctx := contextkeys.WithRequestID(r.Context(), requestID)
			ctx = WithLogger(ctx, reqLogger)

			rw := &accessRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r.WithContext(ctx))

			reqLogger.WithFields(map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      rw.statusCode,
				"duration_ms": time.Since(start).Milliseconds(),
			}).Debug("request completed")
		})
	}
}
