package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/octoflow/octoflow"
)

// Server is the read-only admin surface over a Store: definitions, instances,
// tasks, events, outbox state, and summary statistics. Every request is
// tenant-scoped through the X-Tenant-ID header.
type Server struct {
	store octoflow.Store
}

func NewServer(store octoflow.Store) *Server {
	return &Server{store: store}
}

func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()

	// Workflow definitions
	mux.HandleFunc("GET /api/workflows", s.HandleGetWorkflowDefinitions)
	mux.HandleFunc("GET /api/workflows/{id}", s.HandleGetWorkflowDefinition)

	// Workflow instances
	mux.HandleFunc("GET /api/instances", s.HandleGetInstances)
	mux.HandleFunc("GET /api/instances/{id}", s.HandleGetInstance)
	mux.HandleFunc("GET /api/instances/{id}/tasks", s.HandleGetInstanceTasks)
	mux.HandleFunc("GET /api/instances/{id}/events", s.HandleGetInstanceEvents)

	// Outbox
	mux.HandleFunc("GET /api/outbox", s.HandleGetOutboxMessages)
	mux.HandleFunc("GET /api/outbox/metrics", s.HandleGetOutboxMetrics)

	// Statistics
	mux.HandleFunc("GET /api/stats/summary", s.HandleGetSummaryStats)

	return mux
}

func tenantID(r *http.Request) (string, error) {
	tenant := r.Header.Get("X-Tenant-ID")
	if tenant == "" {
		return "", errors.New("missing X-Tenant-ID header")
	}

	return tenant, nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id: %w", err)
	}

	return id, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) HandleGetWorkflowDefinitions(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantID(r)
	if err != nil {
		WriteErrorResponse(w, err, http.StatusBadRequest)

		return
	}

	defs, err := s.store.ListWorkflowDefinitions(r.Context(), tenant)
	if err != nil {
		WriteErrorResponse(w, err, http.StatusInternalServerError)

		return
	}

	writeJSON(w, defs)
}

func (s *Server) HandleGetWorkflowDefinition(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantID(r)
	if err != nil {
		WriteErrorResponse(w, err, http.StatusBadRequest)

		return
	}

	def, err := s.store.GetWorkflowDefinition(r.Context(), tenant, r.PathValue("id"))
	if err != nil {
		WriteError(w, err)

		return
	}

	writeJSON(w, def)
}

func (s *Server) HandleGetInstances(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantID(r)
	if err != nil {
		WriteErrorResponse(w, err, http.StatusBadRequest)

		return
	}

	instances, err := s.store.ListInstances(r.Context(), tenant)
	if err != nil {
		WriteErrorResponse(w, err, http.StatusInternalServerError)

		return
	}

	writeJSON(w, instances)
}

func (s *Server) HandleGetInstance(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantID(r)
	if err != nil {
		WriteErrorResponse(w, err, http.StatusBadRequest)

		return
	}

	id, err := pathID(r)
	if err != nil {
		WriteErrorResponse(w, err, http.StatusBadRequest)

		return
	}

	instance, err := s.store.GetInstance(r.Context(), tenant, id)
	if err != nil {
		WriteError(w, err)

		return
	}

	writeJSON(w, instance)
}

func (s *Server) HandleGetInstanceTasks(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantID(r)
	if err != nil {
		WriteErrorResponse(w, err, http.StatusBadRequest)

		return
	}

	id, err := pathID(r)
	if err != nil {
		WriteErrorResponse(w, err, http.StatusBadRequest)

		return
	}

	// The instance lookup doubles as the tenant check; tasks are keyed by
	// instance only.
	if _, err := s.store.GetInstance(r.Context(), tenant, id); err != nil {
		WriteError(w, err)

		return
	}

	tasks, err := s.store.ListTasksByInstance(r.Context(), id)
	if err != nil {
		WriteErrorResponse(w, err, http.StatusInternalServerError)

		return
	}

	writeJSON(w, tasks)
}

func (s *Server) HandleGetInstanceEvents(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantID(r)
	if err != nil {
		WriteErrorResponse(w, err, http.StatusBadRequest)

		return
	}

	id, err := pathID(r)
	if err != nil {
		WriteErrorResponse(w, err, http.StatusBadRequest)

		return
	}

	if _, err := s.store.GetInstance(r.Context(), tenant, id); err != nil {
		WriteError(w, err)

		return
	}

	events, err := s.store.ListEventsByInstance(r.Context(), id)
	if err != nil {
		WriteErrorResponse(w, err, http.StatusInternalServerError)

		return
	}

	writeJSON(w, events)
}

func (s *Server) HandleGetOutboxMessages(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantID(r)
	if err != nil {
		WriteErrorResponse(w, err, http.StatusBadRequest)

		return
	}

	filter, err := outboxFilterFromQuery(r)
	if err != nil {
		WriteErrorResponse(w, err, http.StatusBadRequest)

		return
	}
	filter.TenantID = tenant

	msgs, err := s.store.ListOutboxMessages(r.Context(), filter)
	if err != nil {
		WriteErrorResponse(w, err, http.StatusInternalServerError)

		return
	}

	writeJSON(w, msgs)
}

func outboxFilterFromQuery(r *http.Request) (octoflow.OutboxFilter, error) {
	q := r.URL.Query()

	filter := octoflow.OutboxFilter{
		Status:         octoflow.OutboxStatusFilter(q.Get("status")),
		IdempotencyKey: q.Get("idempotency_key"),
	}
	if filter.Status == "" {
		filter.Status = octoflow.OutboxStatusAll
	}

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return filter, fmt.Errorf("invalid limit: %w", err)
		}
		filter.Limit = limit
	}

	if raw := q.Get("min_retry_count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return filter, fmt.Errorf("invalid min_retry_count: %w", err)
		}
		filter.MinRetryCount = &n
	}

	if raw := q.Get("stale_for"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return filter, fmt.Errorf("invalid stale_for: %w", err)
		}
		filter.StaleFor = d
	}

	return filter, nil
}

func (s *Server) HandleGetOutboxMetrics(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantID(r)
	if err != nil {
		WriteErrorResponse(w, err, http.StatusBadRequest)

		return
	}

	metrics, err := s.store.GetOutboxMetrics(r.Context(), tenant)
	if err != nil {
		WriteErrorResponse(w, err, http.StatusInternalServerError)

		return
	}

	writeJSON(w, metrics)
}

func (s *Server) HandleGetSummaryStats(w http.ResponseWriter, r *http.Request) {
	tenant, err := tenantID(r)
	if err != nil {
		WriteErrorResponse(w, err, http.StatusBadRequest)

		return
	}

	stats, err := s.store.GetSummaryStats(r.Context(), tenant)
	if err != nil {
		WriteErrorResponse(w, err, http.StatusInternalServerError)

		return
	}

	writeJSON(w, stats)
}
