// Package v0 provides the REST API handlers for the sync engine.
package v0

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mariia-hub/booksy-sync/internal/audit"
	"github.com/mariia-hub/booksy-sync/internal/availability"
	"github.com/mariia-hub/booksy-sync/internal/conflict"
	"github.com/mariia-hub/booksy-sync/internal/health"
	pkgsync "github.com/mariia-hub/booksy-sync/internal/sync"
	"github.com/mariia-hub/booksy-sync/internal/versions"
)

// ConflictResolver applies an operator-chosen strategy to a conflict.
type ConflictResolver interface {
	ResolveByID(ctx context.Context, id string, strategy conflict.Strategy, resolvedBy string) (*conflict.Record, error)
}

// CycleTrigger requests an out-of-schedule sync cycle.
type CycleTrigger interface {
	Trigger(providerID string) error
}

// OverrideSetter pins or clears an admin capacity override on an
// availability window.
type OverrideSetter interface {
	SetOverride(ctx context.Context, windowID uuid.UUID, capacity *int) error
}

// ErrorResponse is the standardized error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ResolveRequest is the body of a conflict resolution call.
type ResolveRequest struct {
	Strategy   string `json:"strategy"`
	ResolvedBy string `json:"resolved_by"`
}

// OverrideRequest is the body of an availability override call. A null
// capacity clears the override and restores the min-capacity rule.
type OverrideRequest struct {
	Capacity *int   `json:"capacity"`
	SetBy    string `json:"set_by"`
}

// ConflictListResponse wraps a conflict listing.
type ConflictListResponse struct {
	Conflicts []*ConflictView `json:"conflicts"`
	Count     int             `json:"count"`
}

// ConflictView is the API shape of one conflict record.
type ConflictView struct {
	ID               uuid.UUID       `json:"id"`
	EntityID         uuid.UUID       `json:"entity_id"`
	ProviderID       string          `json:"provider_id"`
	Type             conflict.Type   `json:"type"`
	Blocking         bool            `json:"blocking"`
	Open             bool            `json:"open"`
	DetectedAt       time.Time       `json:"detected_at"`
	InternalSnapshot json.RawMessage `json:"internal_snapshot,omitempty"`
	ExternalSnapshot json.RawMessage `json:"external_snapshot,omitempty"`
	Strategy         string          `json:"strategy,omitempty"`
	ResolvedBy       string          `json:"resolved_by,omitempty"`
	ResolvedAt       *time.Time      `json:"resolved_at,omitempty"`
	Outcome          string          `json:"outcome,omitempty"`
}

// AuditListResponse wraps an audit page.
type AuditListResponse struct {
	Entries    []*audit.Entry `json:"entries"`
	NextCursor int64          `json:"next_cursor,omitempty"`
}

// Routes holds the read/admin API dependencies.
type Routes struct {
	conflicts conflict.Store
	resolver  ConflictResolver
	cycles    pkgsync.CycleStore
	monitor   *health.Monitor
	windows   OverrideSetter
	log       audit.Log
	trigger   CycleTrigger
}

// NewRoutes creates the v0 route handlers.
func NewRoutes(
	conflicts conflict.Store,
	resolver ConflictResolver,
	cycles pkgsync.CycleStore,
	monitor *health.Monitor,
	windows OverrideSetter,
	log audit.Log,
	trigger CycleTrigger,
) *Routes {
	return &Routes{
		conflicts: conflicts,
		resolver:  resolver,
		cycles:    cycles,
		monitor:   monitor,
		windows:   windows,
		log:       log,
		trigger:   trigger,
	}
}

// Router mounts the admin and query endpoints.
func Router(routes *Routes) http.Handler {
	r := chi.NewRouter()

	r.Get("/conflicts", routes.listConflicts)
	r.Get("/conflicts/{id}", routes.getConflict)
	r.Post("/conflicts/{id}/resolve", routes.resolveConflict)

	r.Get("/status", routes.getStatus)
	r.Get("/status/providers/{id}", routes.getProviderStatus)
	r.Post("/status/providers/{id}/sync", routes.triggerSync)

	r.Put("/availability/windows/{id}/override", routes.setOverride)

	r.Get("/audit", routes.listAudit)

	return r
}

// listConflicts handles GET /api/v0/conflicts.
func (rr *Routes) listConflicts(w http.ResponseWriter, r *http.Request) {
	filter := conflict.Filter{
		ProviderID: r.URL.Query().Get("provider_id"),
		Type:       conflict.Type(r.URL.Query().Get("type")),
		OnlyOpen:   r.URL.Query().Get("open") != "false",
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeErrorResponse(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}

	records, err := rr.conflicts.List(r.Context(), filter)
	if err != nil {
		slog.Error("failed to list conflicts", "error", err)
		writeErrorResponse(w, "failed to list conflicts", http.StatusInternalServerError)
		return
	}

	views := make([]*ConflictView, 0, len(records))
	for _, record := range records {
		views = append(views, conflictView(record))
	}
	writeJSONResponse(w, ConflictListResponse{Conflicts: views, Count: len(views)})
}

// getConflict handles GET /api/v0/conflicts/{id}.
func (rr *Routes) getConflict(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErrorResponse(w, "invalid conflict ID", http.StatusBadRequest)
		return
	}

	record, err := rr.conflicts.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, conflict.ErrNotFound) {
			writeErrorResponse(w, "conflict not found", http.StatusNotFound)
			return
		}
		slog.Error("failed to get conflict", "conflict_id", id, "error", err)
		writeErrorResponse(w, "failed to get conflict", http.StatusInternalServerError)
		return
	}
	writeJSONResponse(w, conflictView(record))
}

// resolveConflict handles POST /api/v0/conflicts/{id}/resolve.
func (rr *Routes) resolveConflict(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, "invalid request body", http.StatusBadRequest)
		return
	}
	strategy := conflict.Strategy(req.Strategy)
	if !conflict.ValidStrategy(strategy) {
		writeErrorResponse(w, "unknown resolution strategy", http.StatusBadRequest)
		return
	}
	if req.ResolvedBy == "" {
		writeErrorResponse(w, "resolved_by is required", http.StatusBadRequest)
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		writeErrorResponse(w, "invalid conflict ID", http.StatusBadRequest)
		return
	}

	record, err := rr.resolver.ResolveByID(r.Context(), id, strategy, req.ResolvedBy)
	if err != nil {
		switch {
		case errors.Is(err, conflict.ErrNotFound):
			writeErrorResponse(w, "conflict not found", http.StatusNotFound)
		case errors.Is(err, conflict.ErrAlreadyResolved):
			writeErrorResponse(w, "conflict already resolved", http.StatusConflict)
		case errors.Is(err, conflict.ErrInvalidStrategy):
			writeErrorResponse(w, err.Error(), http.StatusUnprocessableEntity)
		default:
			slog.Error("failed to resolve conflict", "error", err)
			writeErrorResponse(w, "failed to resolve conflict", http.StatusInternalServerError)
		}
		return
	}
	writeJSONResponse(w, conflictView(record))
}

// getStatus handles GET /api/v0/status.
func (rr *Routes) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, rr.monitor.Report(r.Context()))
}

// getProviderStatus handles GET /api/v0/status/providers/{id}.
func (rr *Routes) getProviderStatus(w http.ResponseWriter, r *http.Request) {
	status, err := rr.cycles.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, pkgsync.ErrCycleNotFound) {
			writeErrorResponse(w, "provider has no recorded cycles", http.StatusNotFound)
			return
		}
		slog.Error("failed to read provider status", "error", err)
		writeErrorResponse(w, "failed to read provider status", http.StatusInternalServerError)
		return
	}
	writeJSONResponse(w, status)
}

// triggerSync handles POST /api/v0/status/providers/{id}/sync.
func (rr *Routes) triggerSync(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "id")
	if err := rr.trigger.Trigger(providerID); err != nil {
		writeErrorResponse(w, "unknown provider", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(`{"status":"scheduled"}`))
}

// setOverride handles PUT /api/v0/availability/windows/{id}/override.
func (rr *Routes) setOverride(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErrorResponse(w, "invalid window ID", http.StatusBadRequest)
		return
	}
	var req OverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Capacity != nil && *req.Capacity < 0 {
		writeErrorResponse(w, "capacity must be non-negative", http.StatusBadRequest)
		return
	}
	if req.SetBy == "" {
		writeErrorResponse(w, "set_by is required", http.StatusBadRequest)
		return
	}

	if err := rr.windows.SetOverride(r.Context(), id, req.Capacity); err != nil {
		if errors.Is(err, availability.ErrWindowNotFound) {
			writeErrorResponse(w, "window not found", http.StatusNotFound)
			return
		}
		slog.Error("failed to set capacity override", "window_id", id, "error", err)
		writeErrorResponse(w, "failed to set capacity override", http.StatusInternalServerError)
		return
	}

	outcome := "override cleared"
	if req.Capacity != nil {
		outcome = fmt.Sprintf("capacity pinned to %d", *req.Capacity)
	}
	if err := rr.log.Record(r.Context(), &audit.Entry{
		Actor:   req.SetBy,
		Action:  "availability_override_set",
		Outcome: fmt.Sprintf("window=%s %s", id, outcome),
	}); err != nil {
		slog.Error("failed to audit capacity override", "window_id", id, "error", err)
	}

	writeJSONResponse(w, map[string]string{"status": "applied"})
}

// listAudit handles GET /api/v0/audit.
func (rr *Routes) listAudit(w http.ResponseWriter, r *http.Request) {
	query := audit.Query{
		Actor:  r.URL.Query().Get("actor"),
		Action: r.URL.Query().Get("action"),
	}
	if raw := r.URL.Query().Get("entity_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeErrorResponse(w, "invalid entity_id", http.StatusBadRequest)
			return
		}
		query.EntityID = &id
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeErrorResponse(w, "since must be RFC 3339", http.StatusBadRequest)
			return
		}
		query.Since = since
	}
	if raw := r.URL.Query().Get("until"); raw != "" {
		until, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeErrorResponse(w, "until must be RFC 3339", http.StatusBadRequest)
			return
		}
		query.Until = until
	}
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		cursor, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeErrorResponse(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		query.Cursor = cursor
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeErrorResponse(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		query.Limit = limit
	}

	entries, next, err := rr.log.List(r.Context(), query)
	if err != nil {
		slog.Error("failed to query audit log", "error", err)
		writeErrorResponse(w, "failed to query audit log", http.StatusInternalServerError)
		return
	}
	writeJSONResponse(w, AuditListResponse{Entries: entries, NextCursor: next})
}

// HealthRouter creates a router for health check endpoints.
func HealthRouter(routes *Routes) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", healthHandler)
	r.Get("/readiness", routes.readinessHandler)
	r.Get("/version", versionHandler)

	return r
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy"}`))
}

// readinessHandler reports not-ready while any vital is unhealthy.
func (rr *Routes) readinessHandler(w http.ResponseWriter, r *http.Request) {
	report := rr.monitor.Report(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if report.Status == health.StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if err := json.NewEncoder(w).Encode(report); err != nil {
		slog.Error("failed to encode readiness response", "error", err)
	}
}

func versionHandler(w http.ResponseWriter, _ *http.Request) {
	info := versions.GetVersionInfo()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]string{
		"version":    info.Version,
		"commit":     info.Commit,
		"build_date": info.BuildDate,
		"go_version": info.GoVersion,
		"platform":   info.Platform,
	}); err != nil {
		slog.Error("failed to encode version info", "error", err)
	}
}

func conflictView(record *conflict.Record) *ConflictView {
	view := &ConflictView{
		ID:               record.ID,
		EntityID:         record.EntityID,
		ProviderID:       record.ProviderID,
		Type:             record.Type,
		Blocking:         record.Blocking,
		Open:             record.Open(),
		DetectedAt:       record.DetectedAt,
		InternalSnapshot: record.InternalSnapshot,
		ExternalSnapshot: record.ExternalSnapshot,
		ResolvedBy:       record.ResolvedBy,
		ResolvedAt:       record.ResolvedAt,
		Outcome:          record.ResolutionOutcome,
	}
	if record.ResolutionStrategy != nil {
		view.Strategy = string(*record.ResolutionStrategy)
	}
	return view
}

func writeJSONResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(ErrorResponse{Error: message}); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
