package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"streamshare/internal/engine"
	"streamshare/internal/failover"
	"streamshare/internal/janitor"
	"streamshare/internal/models"
	"streamshare/internal/observability/logging"
	"streamshare/internal/observability/metrics"
	"streamshare/internal/operator"
)

// Viewer is the viewer-facing side of the engine.
type Viewer interface {
	Open(ctx context.Context, req engine.OpenRequest) (engine.Session, error)
	Poll(ctx context.Context, key models.StreamKey, clientID string, after int64) (engine.PollResult, error)
	Close(ctx context.Context, key models.StreamKey, clientID string) error
}

// Operator is the operator action set.
type Operator interface {
	List(ctx context.Context) ([]operator.StreamInfo, error)
	Stop(ctx context.Context, key models.StreamKey) error
	StopAll(ctx context.Context) ([]models.StreamKey, error)
	Cleanup(ctx context.Context) (janitor.Report, error)
	Sync(ctx context.Context) (operator.SyncReport, error)
	Stats(ctx context.Context) (operator.Stats, error)
	Health(ctx context.Context) (operator.HealthReport, error)
	Debug(ctx context.Context, key models.StreamKey) (operator.DebugInfo, error)
	ClearRedirects(ctx context.Context) (int, error)
}

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config wires a Handler.
type Config struct {
	Viewer   Viewer
	Operator Operator
	Store    Pinger
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
	// Token, when set, must be presented as a bearer token on /v1 routes.
	Token string
}

// Handler serves the admin API.
type Handler struct {
	viewer   Viewer
	operator Operator
	store    Pinger
	logger   *slog.Logger
	metrics  *metrics.Recorder
	token    string
}

// NewHandler validates cfg and constructs a Handler.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Viewer == nil || cfg.Operator == nil {
		return nil, errors.New("viewer and operator are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &Handler{
		viewer:   cfg.Viewer,
		operator: cfg.Operator,
		store:    cfg.Store,
		logger:   logging.WithComponent(cfg.Logger, "api"),
		metrics:  cfg.Metrics,
		token:    strings.TrimSpace(cfg.Token),
	}, nil
}

// Healthz reports whether the shared store is reachable.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListStreams handles GET /v1/streams.
func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	streams, err := h.operator.List(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"streams": streams})
}

// OpenStream handles POST /v1/streams.
func (h *Handler) OpenStream(w http.ResponseWriter, r *http.Request) {
	var req engine.OpenRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode open request: %w", err))
		return
	}
	if len(req.Candidates) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("at least one candidate is required"))
		return
	}
	for i, ref := range req.Candidates {
		if err := ref.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("candidate %d: %w", i, err))
			return
		}
	}
	if req.RequestID == "" {
		req.RequestID, _ = logging.RequestIDFromContext(r.Context())
	}
	session, err := h.viewer.Open(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// StopAll handles DELETE /v1/streams.
func (h *Handler) StopAll(w http.ResponseWriter, r *http.Request) {
	stopped, err := h.operator.StopAll(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopped": stopped})
}

// DebugStream handles GET /v1/streams/{key}.
func (h *Handler) DebugStream(w http.ResponseWriter, r *http.Request) {
	key, ok := streamKeyParam(w, r)
	if !ok {
		return
	}
	info, err := h.operator.Debug(r.Context(), key)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// StopStream handles DELETE /v1/streams/{key}.
func (h *Handler) StopStream(w http.ResponseWriter, r *http.Request) {
	key, ok := streamKeyParam(w, r)
	if !ok {
		return
	}
	if err := h.operator.Stop(r.Context(), key); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PollClient handles POST /v1/streams/{key}/clients/{client}. The optional
// after query parameter is the last sequence number the client holds.
func (h *Handler) PollClient(w http.ResponseWriter, r *http.Request) {
	key, ok := streamKeyParam(w, r)
	if !ok {
		return
	}
	client := strings.TrimSpace(pathParam(r, "client"))
	var after int64
	if raw := strings.TrimSpace(r.URL.Query().Get("after")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid after %q", raw))
			return
		}
		after = n
	}
	result, err := h.viewer.Poll(r.Context(), key, client, after)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// CloseClient handles DELETE /v1/streams/{key}/clients/{client}.
func (h *Handler) CloseClient(w http.ResponseWriter, r *http.Request) {
	key, ok := streamKeyParam(w, r)
	if !ok {
		return
	}
	if err := h.viewer.Close(r.Context(), key, strings.TrimSpace(pathParam(r, "client"))); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Cleanup handles POST /v1/cleanup.
func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	report, err := h.operator.Cleanup(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Sync handles POST /v1/sync.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	report, err := h.operator.Sync(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Stats handles GET /v1/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.operator.Stats(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Health handles GET /v1/health. Any unhealthy stream turns the status
// code into 503.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	report, err := h.operator.Health(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// ClearRedirects handles DELETE /v1/redirects.
func (h *Handler) ClearRedirects(w http.ResponseWriter, r *http.Request) {
	n, err := h.operator.ClearRedirects(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

func streamKeyParam(w http.ResponseWriter, r *http.Request) (models.StreamKey, bool) {
	key, err := operator.ParseKey(pathParam(r, "key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return "", false
	}
	return key, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logging.WithContext(r.Context(), h.logger).Error("admin request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, operator.ErrNotFound), errors.Is(err, engine.ErrStreamGone):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrRedirectLoop):
		return http.StatusConflict
	case errors.Is(err, failover.ErrExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// pathParam returns a decoded route parameter. chi matches on the raw path
// when the request escapes characters it did not need to, and then leaves
// the escapes in place.
func pathParam(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if r.URL.RawPath == "" {
		return raw
	}
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}
