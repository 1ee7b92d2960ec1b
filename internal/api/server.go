// Package api is the admin HTTP surface: deletion events, tenant teardown,
// manual task submission and dead-letter inspection.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/austindbirch/housekeeper/internal/auth"
	"github.com/austindbirch/housekeeper/internal/cleanup"
	"github.com/austindbirch/housekeeper/internal/entity"
	"github.com/austindbirch/housekeeper/internal/housekeeper"
	"github.com/austindbirch/housekeeper/internal/logging"
	"github.com/austindbirch/housekeeper/internal/store"
	"github.com/austindbirch/housekeeper/internal/tracing"
)

const maxBodyBytes = 1 << 20

// Housekeeper is what the API drives; *cleanup.Cleaner implements it
type Housekeeper interface {
	OnEntityDeleted(ctx context.Context, ev cleanup.DeleteEntityEvent) error
	RemoveTenantEntities(ctx context.Context, tenantID uuid.UUID, types ...entity.Type) (bool, error)
	SubmitTask(ctx context.Context, task housekeeper.Task) error
	PipelineEnabled() bool
}

type Config struct {
	Housekeeper Housekeeper
	DeadLetters store.DeadLetterLister // nil disables GET /api/v1/dlq
	Health      http.Handler
	Metrics     http.Handler
	Auth        *auth.JWTValidator // nil disables authentication
	Logger      *logging.Logger
}

type server struct {
	hk     Housekeeper
	dlq    store.DeadLetterLister
	logger *logging.Logger
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// New returns the admin router
func New(cfg Config) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = logging.New("housekeeper-api")
	}
	s := &server{hk: cfg.Housekeeper, dlq: cfg.DeadLetters, logger: cfg.Logger}

	r := chi.NewRouter()
	r.Use(s.trace)
	if cfg.Auth != nil {
		r.Use(cfg.Auth.HTTPMiddleware)
	}
	if cfg.Health != nil {
		r.Method(http.MethodGet, "/healthz", cfg.Health)
	}
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/entities/deleted", s.entityDeleted)
		r.Post("/tenants/{tenantID}/entities:remove", s.removeTenantEntities)
		r.Post("/tasks", s.submitTask)
		r.Get("/dlq", s.listDeadLetters)
	})
	return r
}

// trace starts a server span per request
func (s *server) trace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		ctx, span := tracing.StartSpan(r.Context(), "http "+r.Method+" "+r.URL.Path)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *server) entityDeleted(w http.ResponseWriter, r *http.Request) {
	var ev cleanup.DeleteEntityEvent
	if !s.decode(w, r, &ev) {
		return
	}
	if ev.TenantID == uuid.Nil {
		s.writeError(w, r, badRequest("tenant_id is required"))
		return
	}
	if err := ev.EntityID.Validate(); err != nil {
		s.writeError(w, r, badRequest(err.Error()))
		return
	}
	if err := auth.Authorize(r.Context(), ev.TenantID); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.hk.OnEntityDeleted(r.Context(), ev); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"tenant_id": ev.TenantID,
		"entity_id": ev.EntityID,
		"pipeline":  s.hk.PipelineEnabled(),
	})
}

type removeRequest struct {
	EntityTypes []string `json:"entity_types"`
}

type removeResponse struct {
	TenantID    uuid.UUID     `json:"tenant_id"`
	EntityTypes []entity.Type `json:"entity_types,omitempty"`
	Async       bool          `json:"async"`
}

func (s *server) removeTenantEntities(w http.ResponseWriter, r *http.Request) {
	tenantID, err := uuid.Parse(chi.URLParam(r, "tenantID"))
	if err != nil || tenantID == uuid.Nil {
		s.writeError(w, r, badRequest("invalid tenant id"))
		return
	}
	if err := auth.Authorize(r.Context(), tenantID); err != nil {
		s.writeError(w, r, err)
		return
	}
	var req removeRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	types := make([]entity.Type, 0, len(req.EntityTypes))
	for _, raw := range req.EntityTypes {
		t, err := entity.ParseType(raw)
		if err != nil {
			s.writeError(w, r, badRequest(err.Error()))
			return
		}
		types = append(types, t)
	}

	async, err := s.hk.RemoveTenantEntities(r.Context(), tenantID, types...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if async {
		status = http.StatusAccepted
	}
	writeJSON(w, status, removeResponse{TenantID: tenantID, EntityTypes: types, Async: async})
}

func (s *server) submitTask(w http.ResponseWriter, r *http.Request) {
	var task housekeeper.Task
	if !s.decode(w, r, &task) {
		return
	}
	if err := auth.Authorize(r.Context(), task.TenantID); err != nil {
		s.writeError(w, r, err)
		return
	}
	// manual submissions always start from the first attempt
	task.Attempt = 0
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if err := task.Validate(); err != nil {
		s.writeError(w, r, badRequest(err.Error()))
		return
	}
	if err := s.hk.SubmitTask(r.Context(), task); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_type": task.TaskType, "key": task.Key()})
}

func (s *server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	if err := auth.RequireSysAdmin(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.dlq == nil {
		s.writeJSONError(w, http.StatusNotFound, "not_found", "dead-letter store not configured")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			s.writeError(w, r, badRequest("limit must be between 1 and 1000"))
			return
		}
		limit = n
	}
	recs, err := s.dlq.ListDeadLetters(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []store.DeadLetterRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": recs})
}

type badRequestError struct{ msg string }

func (e badRequestError) Error() string { return e.msg }

func badRequest(msg string) error { return badRequestError{msg: msg} }

func (s *server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, r, badRequest("invalid request body: "+err.Error()))
		return false
	}
	return true
}

// writeError maps domain errors onto status codes
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var bre badRequestError
	switch {
	case errors.As(err, &bre):
		s.writeJSONError(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, cleanup.ErrUnsupportedEntityType):
		s.writeJSONError(w, http.StatusBadRequest, "unsupported_entity_type", err.Error())
	case errors.Is(err, auth.ErrForbidden):
		s.writeJSONError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, housekeeper.ErrPipelineUnavailable):
		s.logger.WithContext(r.Context()).WithError(err).Warn("task pipeline unavailable")
		s.writeJSONError(w, http.StatusServiceUnavailable, "pipeline_unavailable", err.Error())
	default:
		s.logger.WithContext(r.Context()).WithError(err).WithField("path", r.URL.Path).Error("request failed")
		s.writeJSONError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (s *server) writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
