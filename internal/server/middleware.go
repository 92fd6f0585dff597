package server

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	gateway "github.com/hermesgw/hermes/internal"
)

// statusWriterPool recycles the per-request wrappers. Fields are reset on Get
// and the ResponseWriter nilled on Put so pooled entries hold no references.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// recovery catches panics and returns 500.
func (s *server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.LogAttrs(r.Context(), slog.LevelError, "panic recovered",
					slog.Any("error", rec),
					slog.String("path", r.URL.Path),
				)
				writeJSON(w, http.StatusInternalServerError, errorResponse("internal server error", "internal_error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader must stay in canonical MIME form: the middleware indexes the
// header maps directly instead of going through Header.Get/Set.
const requestIDHeader = "X-Request-Id"

// requestID adds a UUID v7 request ID to the context and response header.
func (s *server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var id string
		if vals := r.Header[requestIDHeader]; len(vals) > 0 {
			id = vals[0]
		} else {
			id = uuid.Must(uuid.NewV7()).String()
		}
		w.Header()[requestIDHeader] = []string{id}
		ctx := gateway.ContextWithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// logging logs each request, feeds the realtime stats, and queues the request
// log record for batched persistence.
func (s *server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		s.deps.Logs.RequestStarted()

		sw := statusWriterPool.Get().(*statusWriter)
		sw.ResponseWriter = w
		sw.status = http.StatusOK
		sw.wroteHeader = false
		sw.model = ""
		next.ServeHTTP(sw, r)

		elapsed := time.Since(start).Milliseconds()
		status := sw.status
		model := sw.model
		sw.ResponseWriter = nil
		statusWriterPool.Put(sw)

		s.deps.Logs.RequestFinished()
		s.deps.Logs.RecordLatency(elapsed)
		s.deps.Logs.LogRequest(&gateway.RequestLog{
			Method:     r.Method,
			Path:       r.URL.Path,
			Model:      model,
			Status:     status,
			DurationMs: elapsed,
			ClientIP:   clientIP(r),
		})

		slog.LogAttrs(r.Context(), slog.LevelInfo, "request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Int64("duration_ms", elapsed),
			slog.String("request_id", gateway.RequestIDFromContext(r.Context())),
		)
	})
}

// authenticate validates credentials and injects Identity into context.
// When requestMeta already exists in context (set by requestID middleware),
// the identity is stored by mutation -- no new context or request copy needed.
func (s *server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.deps.Auth.Authenticate(r.Context(), r)
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := gateway.ContextWithIdentity(r.Context(), identity)
		if ctx == r.Context() {
			// Identity was stored via pointer mutation; skip Request.WithContext.
			next.ServeHTTP(w, r)
		} else {
			next.ServeHTTP(w, r.WithContext(ctx))
		}
	})
}

// requireMaster gates the admin surface behind the master secret.
func (s *server) requireMaster(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := gateway.IdentityFromContext(r.Context())
		if identity == nil || !identity.Master {
			writeJSON(w, http.StatusForbidden,
				errorResponse("admin access requires the master secret", "forbidden"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit applies the sliding-window limit per caller, keyed by API key
// when authenticated and by client IP otherwise.
func (s *server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		key := clientIP(r)
		if identity := gateway.IdentityFromContext(r.Context()); identity != nil {
			if identity.Master {
				key = "master"
			} else if identity.KeyID != "" {
				key = identity.KeyID
			}
		}

		result := s.deps.Limiter.Check(key)
		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt, 10))
		if !result.Allowed {
			if s.deps.Metrics != nil {
				s.deps.Metrics.RateLimitRejects.WithLabelValues("request").Inc()
			}
			h.Set("Retry-After", strconv.Itoa(result.RetryAfter))
			writeJSON(w, http.StatusTooManyRequests,
				errorResponse("rate limit exceeded", "rate_limit_error"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP prefers the leftmost X-Forwarded-For hop, then falls back to the
// socket address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// statusWriter wraps ResponseWriter to capture the HTTP status code, plus the
// routed model for the request log. WriteHeader records only the first status
// code, matching net/http semantics.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	model       string
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.wroteHeader {
		sw.wroteHeader = true
	}
	return sw.ResponseWriter.Write(b)
}

// Flush delegates to the underlying ResponseWriter if it implements http.Flusher.
// This ensures SSE streaming works through middleware.
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter, allowing http.ResponseController
// and similar utilities to find interface implementations.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// setLoggedModel records the routed model on every statusWriter in the chain
// so the request log carries it. Both the logging and metrics middleware wrap
// the writer, and only the logging one reads the model back. No-op when the
// chain has no statusWriter (e.g. bare handler tests).
func setLoggedModel(w http.ResponseWriter, model string) {
	for {
		if sw, ok := w.(*statusWriter); ok {
			sw.model = model
		}
		u, ok := w.(interface{ Unwrap() http.ResponseWriter })
		if !ok {
			return
		}
		w = u.Unwrap()
	}
}
