package api

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"streamshare/internal/observability/logging"
	"streamshare/internal/observability/metrics"
)

// Router assembles the admin routes and middleware.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware(uuid.NewString))
	r.Use(logging.RequestLogger(logging.RequestLoggerConfig{Logger: h.logger}))
	if h.metrics != nil {
		r.Use(metrics.HTTPMiddleware(h.metrics))
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}
	r.Get("/healthz", h.Healthz)

	r.Route("/v1", func(r chi.Router) {
		r.Use(bearerAuth(h.token))
		r.Route("/streams", func(r chi.Router) {
			r.Get("/", h.ListStreams)
			r.Post("/", h.OpenStream)
			r.Delete("/", h.StopAll)
			r.Route("/{key}", func(r chi.Router) {
				r.Use(streamKeyContext)
				r.Get("/", h.DebugStream)
				r.Delete("/", h.StopStream)
				r.Post("/clients/{client}", h.PollClient)
				r.Delete("/clients/{client}", h.CloseClient)
			})
		})
		r.Post("/cleanup", h.Cleanup)
		r.Post("/sync", h.Sync)
		r.Get("/stats", h.Stats)
		r.Get("/health", h.Health)
		r.Delete("/redirects", h.ClearRedirects)
	})
	return r
}

// NewServer wraps the router in an http.Server with the admin timeouts.
// Cleanup and stop-all may run for a full sweep, so writes get a long bound.
func (h *Handler) NewServer(addr string, writeTimeout time.Duration) *http.Server {
	if writeTimeout <= 0 {
		writeTimeout = 3 * time.Minute
	}
	return &http.Server{
		Addr:              addr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(h.logger.Handler(), slog.LevelWarn),
	}
}

func requestIDMiddleware(generate func() string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
			if requestID == "" {
				requestID = generate()
			}
			w.Header().Set("X-Request-Id", requestID)
			next.ServeHTTP(w, r.WithContext(logging.ContextWithRequestID(r.Context(), requestID)))
		})
	}
}

func streamKeyContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(pathParam(r, "key"))
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(logging.ContextWithStreamKey(r.Context(), key)))
	})
}

// bearerAuth rejects requests without the configured token. An empty token
// disables the check.
func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := extractToken(r)
			if presented == "" {
				writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
				return
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, errors.New("invalid bearer token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	scheme, value, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(value)
}
