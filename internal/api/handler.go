package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"coursebuild/internal/builds"
	"coursebuild/internal/logging"
	"coursebuild/internal/metrics"
	"coursebuild/internal/notifications"
	"coursebuild/internal/services"
	"coursebuild/internal/workflow"
)

// maxBodyBytes bounds request bodies; content payloads are the largest.
const maxBodyBytes = 4 << 20

// Handler serves the HTTP API.
type Handler struct {
	registry *workflow.Registry
	bus      *notifications.Bus
	logger   *slog.Logger
	metrics  *metrics.Recorder
	mux      *http.ServeMux
	root     http.Handler
}

// HandlerOption configures optional Handler behavior.
type HandlerOption func(*Handler)

// WithMetrics records request and stream metrics on rec. A non-nil
// exposition is served at GET /metrics.
func WithMetrics(rec *metrics.Recorder, exposition http.Handler) HandlerOption {
	return func(h *Handler) {
		h.metrics = rec
		if exposition != nil {
			h.mux.Handle("GET /metrics", exposition)
		}
	}
}

// NewHandler builds the route table over registry. bus may be nil, in which
// case the event stream route reports 503.
func NewHandler(registry *workflow.Registry, bus *notifications.Bus, logger *slog.Logger, opts ...HandlerOption) *Handler {
	if logger == nil {
		logger = logging.NewNop()
	}
	h := &Handler{
		registry: registry,
		bus:      bus,
		logger:   logging.NewComponentLogger(logger, "api"),
		mux:      http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.root = h.metrics.Middleware(h.mux)

	h.mux.HandleFunc("GET /api/health", h.handleHealth)
	h.mux.HandleFunc("POST /api/builds", h.handleCreateBuild)
	h.mux.HandleFunc("GET /api/builds", h.handleListBuilds)
	h.mux.HandleFunc("GET /api/builds/{id}", h.handleGetBuild)
	h.mux.HandleFunc("POST /api/builds/{id}/pause", h.handleControl("pause", registry.Pause))
	h.mux.HandleFunc("POST /api/builds/{id}/resume", h.handleControl("resume", registry.Resume))
	h.mux.HandleFunc("POST /api/builds/{id}/cancel", h.handleControl("cancel", registry.Cancel))
	h.mux.HandleFunc("GET /api/builds/{id}/checkpoints/history", h.handleCheckpointHistory)
	h.mux.HandleFunc("GET /api/builds/{id}/content", h.handleListContent)
	h.mux.HandleFunc("GET /api/builds/{id}/content/{lineage}/history", h.handleContentHistory)
	h.mux.HandleFunc("PUT /api/builds/{id}/content/{lineage}", h.handleEditContent)
	h.mux.HandleFunc("GET /api/builds/{id}/events", h.handleEvents)
	h.mux.HandleFunc("GET /api/events", h.handleAllEvents)
	h.mux.HandleFunc("GET /api/checkpoints", h.handleListPending)
	h.mux.HandleFunc("POST /api/checkpoints/{id}/resolve", h.handleResolve)
	h.mux.HandleFunc("GET /api/content/diff", h.handleDiff)
	h.mux.HandleFunc("GET /api/content/{id}", h.handleGetContent)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.root.ServeHTTP(w, r)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := h.registry.ExecutorHealth(r.Context())
	status := "ok"
	if !health.Ready {
		status = "degraded"
	}
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: status, Executor: health})
}

func (h *Handler) handleCreateBuild(w http.ResponseWriter, r *http.Request) {
	var body CreateBuildRequest
	if !h.decode(w, r, &body) {
		return
	}
	req, err := ToCreateRequest(body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	build, err := h.registry.Create(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, build)
}

func (h *Handler) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	var filter builds.Filter
	for _, raw := range r.URL.Query()["status"] {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			status, ok := builds.ParseStatus(part)
			if !ok {
				h.writeError(w, r, services.Wrap(services.ErrValidation, "api", "list builds", fmt.Sprintf("unknown status %q", part), nil))
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	list, err := h.registry.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*builds.Build{}
	}
	h.writeJSON(w, http.StatusOK, BuildListResponse{Builds: list})
}

func (h *Handler) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	summary, err := h.registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

// handleControl adapts a pause/resume/cancel registry call. The response is
// the build summary after the command was applied.
func (h *Handler) handleControl(action string, fn func(context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := fn(r.Context(), id); err != nil {
			h.writeError(w, r, err)
			return
		}
		summary, err := h.registry.Get(r.Context(), id)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.logger.Debug("build control applied",
			logging.String(logging.FieldBuildID, id),
			logging.String("action", action),
		)
		h.writeJSON(w, http.StatusOK, summary)
	}
}

func (h *Handler) handleListPending(w http.ResponseWriter, r *http.Request) {
	list, err := h.registry.ListPending(r.Context(), strings.TrimSpace(r.URL.Query().Get("build_id")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, CheckpointListResponse{Checkpoints: nonNil(list)})
}

func (h *Handler) handleCheckpointHistory(w http.ResponseWriter, r *http.Request) {
	list, err := h.registry.History(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, CheckpointListResponse{Checkpoints: nonNil(list)})
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	var body ResolveRequest
	if !h.decode(w, r, &body) {
		return
	}
	decision, err := ToDecision(body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	cp, err := h.registry.Resolve(r.Context(), r.PathValue("id"), decision)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, cp)
}

func (h *Handler) handleListContent(w http.ResponseWriter, r *http.Request) {
	items, err := h.registry.ListContent(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ContentListResponse{Items: nonNil(items)})
}

func (h *Handler) handleContentHistory(w http.ResponseWriter, r *http.Request) {
	items, err := h.registry.ContentHistory(r.Context(), r.PathValue("id"), r.PathValue("lineage"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ContentListResponse{Items: nonNil(items)})
}

func (h *Handler) handleEditContent(w http.ResponseWriter, r *http.Request) {
	var body EditContentRequest
	if !h.decode(w, r, &body) {
		return
	}
	item, err := h.registry.EditContent(r.Context(), r.PathValue("id"), r.PathValue("lineage"), body.Payload, body.Editor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, item)
}

func (h *Handler) handleGetContent(w http.ResponseWriter, r *http.Request) {
	item, err := h.registry.GetContent(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, item)
}

func (h *Handler) handleDiff(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	from := strings.TrimSpace(query.Get("from"))
	to := strings.TrimSpace(query.Get("to"))
	if from == "" || to == "" {
		h.writeError(w, r, services.Wrap(services.ErrValidation, "api", "diff", "from and to are required", nil))
		return
	}
	diff, err := h.registry.DiffContent(r.Context(), from, to)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, diff)
}

// decode reads and validates a JSON body. It writes the error response and
// returns false when the body is unusable.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.writeError(w, r, services.Wrap(services.ErrValidation, "api", "decode", "invalid JSON body", err))
		return false
	}
	if err := Validate(dst); err != nil {
		h.writeError(w, r, err)
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Warn("api response encode failed", logging.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusCode(err)
	if status >= http.StatusInternalServerError {
		logging.WarnWithContext(h.logger, "api request failed", "api_request_failed",
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check daemon logs for the failing operation"),
			logging.String(logging.FieldImpact, "request was not applied"),
		)
	}
	h.writeJSON(w, status, ErrorResponse{Error: services.Details(err)})
}

func nonNil[T any](list []T) []T {
	if list == nil {
		return []T{}
	}
	return list
}
