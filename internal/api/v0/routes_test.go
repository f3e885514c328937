package v0_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v0 "github.com/mariia-hub/booksy-sync/internal/api/v0"
	"github.com/mariia-hub/booksy-sync/internal/audit"
	"github.com/mariia-hub/booksy-sync/internal/availability"
	"github.com/mariia-hub/booksy-sync/internal/config"
	"github.com/mariia-hub/booksy-sync/internal/conflict"
	"github.com/mariia-hub/booksy-sync/internal/health"
	"github.com/mariia-hub/booksy-sync/internal/queue"
	pkgsync "github.com/mariia-hub/booksy-sync/internal/sync"
)

type stubConflictStore struct {
	records []*conflict.Record
	listErr error
}

func (s *stubConflictStore) Create(_ context.Context, record *conflict.Record) (*conflict.Record, error) {
	s.records = append(s.records, record)
	return record, nil
}

func (s *stubConflictStore) Get(_ context.Context, id uuid.UUID) (*conflict.Record, error) {
	for _, record := range s.records {
		if record.ID == id {
			return record, nil
		}
	}
	return nil, fmt.Errorf("conflict %s: %w", id, conflict.ErrNotFound)
}

func (s *stubConflictStore) List(_ context.Context, filter conflict.Filter) ([]*conflict.Record, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []*conflict.Record
	for _, record := range s.records {
		if filter.ProviderID != "" && record.ProviderID != filter.ProviderID {
			continue
		}
		if filter.Type != "" && record.Type != filter.Type {
			continue
		}
		if filter.OnlyOpen && !record.Open() {
			continue
		}
		out = append(out, record)
	}
	return out, nil
}

func (s *stubConflictStore) OpenForEntity(_ context.Context, entityID uuid.UUID) ([]*conflict.Record, error) {
	var out []*conflict.Record
	for _, record := range s.records {
		if record.EntityID == entityID && record.Open() {
			out = append(out, record)
		}
	}
	return out, nil
}

func (s *stubConflictStore) MarkResolved(_ context.Context, id uuid.UUID, strategy conflict.Strategy, resolvedBy, outcome string) (*conflict.Record, error) {
	for _, record := range s.records {
		if record.ID != id {
			continue
		}
		if !record.Open() {
			return nil, conflict.ErrAlreadyResolved
		}
		now := time.Now()
		record.ResolutionStrategy = &strategy
		record.ResolvedBy = resolvedBy
		record.ResolvedAt = &now
		record.ResolutionOutcome = outcome
		return record, nil
	}
	return nil, conflict.ErrNotFound
}

func (s *stubConflictStore) OldestOpenAge(context.Context) (time.Duration, error) {
	return 0, nil
}

type stubResolver struct {
	store *stubConflictStore
	err   error

	gotStrategy   conflict.Strategy
	gotResolvedBy string
}

func (r *stubResolver) ResolveByID(ctx context.Context, id string, strategy conflict.Strategy, resolvedBy string) (*conflict.Record, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.gotStrategy = strategy
	r.gotResolvedBy = resolvedBy
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	return r.store.MarkResolved(ctx, parsed, strategy, resolvedBy, "test resolution")
}

type stubCycleStore struct {
	statuses map[string]*pkgsync.CycleStatus
}

func (s *stubCycleStore) Begin(context.Context, string) error { return nil }

func (s *stubCycleStore) SetPhase(context.Context, string, pkgsync.Phase) error { return nil }

func (s *stubCycleStore) Complete(context.Context, *pkgsync.CycleResult) error { return nil }

func (s *stubCycleStore) Fail(context.Context, string, error) error { return nil }

func (s *stubCycleStore) Status(_ context.Context, providerID string) (*pkgsync.CycleStatus, error) {
	status, ok := s.statuses[providerID]
	if !ok {
		return nil, pkgsync.ErrCycleNotFound
	}
	return status, nil
}

func (s *stubCycleStore) StatusAll(context.Context) ([]*pkgsync.CycleStatus, error) {
	var out []*pkgsync.CycleStatus
	for _, status := range s.statuses {
		out = append(out, status)
	}
	return out, nil
}

type stubTrigger struct {
	triggered []string
}

func (s *stubTrigger) Trigger(providerID string) error {
	if providerID == "unknown" {
		return errors.New("unknown provider")
	}
	s.triggered = append(s.triggered, providerID)
	return nil
}

type memLog struct {
	entries []*audit.Entry
	seen    map[string]bool
}

func newMemLog() *memLog {
	return &memLog{seen: make(map[string]bool)}
}

func (l *memLog) Record(ctx context.Context, entry *audit.Entry) error {
	_, err := l.RecordOnce(ctx, entry)
	return err
}

func (l *memLog) RecordOnce(_ context.Context, entry *audit.Entry) (bool, error) {
	if entry.DedupKey != "" {
		if l.seen[entry.DedupKey] {
			return false, nil
		}
		l.seen[entry.DedupKey] = true
	}
	copied := *entry
	copied.ID = int64(len(l.entries) + 1)
	copied.OccurredAt = time.Now()
	l.entries = append(l.entries, &copied)
	return true, nil
}

func (l *memLog) List(_ context.Context, q audit.Query) ([]*audit.Entry, int64, error) {
	var out []*audit.Entry
	for _, entry := range l.entries {
		if entry.ID <= q.Cursor {
			continue
		}
		if q.Actor != "" && entry.Actor != q.Actor {
			continue
		}
		if q.Action != "" && entry.Action != q.Action {
			continue
		}
		out = append(out, entry)
	}
	return out, 0, nil
}

func (l *memLog) Prune(context.Context, time.Duration) (int64, error) { return 0, nil }

type stubWindows struct {
	overrides map[uuid.UUID]*int
}

func (s *stubWindows) SetOverride(_ context.Context, windowID uuid.UUID, capacity *int) error {
	if _, ok := s.overrides[windowID]; !ok {
		return availability.ErrWindowNotFound
	}
	s.overrides[windowID] = capacity
	return nil
}

type idleQueue struct{}

func (idleQueue) Depth(context.Context) (*queue.Depth, error) { return &queue.Depth{}, nil }

func (idleQueue) OldestPendingAge(context.Context) (time.Duration, error) { return 0, nil }

type fixture struct {
	conflicts *stubConflictStore
	resolver  *stubResolver
	cycles    *stubCycleStore
	trigger   *stubTrigger
	windows   *stubWindows
	log       *memLog
	routes    *v0.Routes
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conflicts := &stubConflictStore{}
	resolver := &stubResolver{store: conflicts}
	cycles := &stubCycleStore{statuses: make(map[string]*pkgsync.CycleStatus)}
	trigger := &stubTrigger{}
	windows := &stubWindows{overrides: make(map[uuid.UUID]*int)}
	log := newMemLog()
	monitor := health.NewMonitor(idleQueue{}, conflicts, cycles, health.NewRateTracker(0), config.AlertConfig{})
	routes := v0.NewRoutes(conflicts, resolver, cycles, monitor, windows, log, trigger)
	return &fixture{
		conflicts: conflicts,
		resolver:  resolver,
		cycles:    cycles,
		trigger:   trigger,
		windows:   windows,
		log:       log,
		routes:    routes,
	}
}

func openConflict(providerID string, conflictType conflict.Type) *conflict.Record {
	return &conflict.Record{
		ID:         uuid.New(),
		EntityID:   uuid.New(),
		ProviderID: providerID,
		Type:       conflictType,
		Blocking:   conflictType == conflict.TypeDoubleBooking,
		DetectedAt: time.Now(),
	}
}

func doRequest(router http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestHealthRouter(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	router := v0.HealthRouter(f.routes)

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{name: "health endpoint", path: "/health", wantStatus: http.StatusOK},
		{name: "readiness endpoint", path: "/readiness", wantStatus: http.StatusOK},
		{name: "version endpoint", path: "/version", wantStatus: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rr := doRequest(router, http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.wantStatus, rr.Code)
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
		})
	}
}

func TestListConflicts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.conflicts.records = []*conflict.Record{
		openConflict("provider-1", conflict.TypeConcurrentEdit),
		openConflict("provider-1", conflict.TypeDoubleBooking),
		openConflict("provider-2", conflict.TypeConcurrentEdit),
	}
	router := v0.Router(f.routes)

	rr := doRequest(router, http.MethodGet, "/conflicts?provider_id=provider-1", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp v0.ConflictListResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	for _, view := range resp.Conflicts {
		assert.Equal(t, "provider-1", view.ProviderID)
		assert.True(t, view.Open)
	}

	rr = doRequest(router, http.MethodGet, "/conflicts?type=double_booking", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, conflict.TypeDoubleBooking, resp.Conflicts[0].Type)
	assert.True(t, resp.Conflicts[0].Blocking)
}

func TestListConflictsRejectsBadLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	router := v0.Router(f.routes)

	rr := doRequest(router, http.MethodGet, "/conflicts?limit=nope", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGetConflict(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	record := openConflict("provider-1", conflict.TypeDeletedRemotely)
	f.conflicts.records = []*conflict.Record{record}
	router := v0.Router(f.routes)

	rr := doRequest(router, http.MethodGet, "/conflicts/"+record.ID.String(), nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var view v0.ConflictView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	assert.Equal(t, record.ID, view.ID)
	assert.Equal(t, conflict.TypeDeletedRemotely, view.Type)

	rr = doRequest(router, http.MethodGet, "/conflicts/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = doRequest(router, http.MethodGet, "/conflicts/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestResolveConflict(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	record := openConflict("provider-1", conflict.TypeConcurrentEdit)
	f.conflicts.records = []*conflict.Record{record}
	router := v0.Router(f.routes)

	body := []byte(`{"strategy":"prefer_internal","resolved_by":"admin@mariia-hub.pl"}`)
	rr := doRequest(router, http.MethodPost, "/conflicts/"+record.ID.String()+"/resolve", body)
	require.Equal(t, http.StatusOK, rr.Code)

	var view v0.ConflictView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &view))
	assert.False(t, view.Open)
	assert.Equal(t, string(conflict.StrategyPreferInternal), view.Strategy)
	assert.Equal(t, "admin@mariia-hub.pl", f.resolver.gotResolvedBy)

	// Second resolution of the same record conflicts.
	rr = doRequest(router, http.MethodPost, "/conflicts/"+record.ID.String()+"/resolve", body)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestResolveConflictValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	record := openConflict("provider-1", conflict.TypeConcurrentEdit)
	f.conflicts.records = []*conflict.Record{record}
	router := v0.Router(f.routes)

	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
	}{
		{
			name:       "unknown strategy",
			path:       "/conflicts/" + record.ID.String() + "/resolve",
			body:       `{"strategy":"coin_flip","resolved_by":"admin"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing resolved_by",
			path:       "/conflicts/" + record.ID.String() + "/resolve",
			body:       `{"strategy":"manual"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed body",
			path:       "/conflicts/" + record.ID.String() + "/resolve",
			body:       `{`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid conflict ID",
			path:       "/conflicts/nope/resolve",
			body:       `{"strategy":"manual","resolved_by":"admin"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown conflict",
			path:       "/conflicts/" + uuid.NewString() + "/resolve",
			body:       `{"strategy":"manual","resolved_by":"admin"}`,
			wantStatus: http.StatusNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doRequest(router, http.MethodPost, tt.path, []byte(tt.body))
			assert.Equal(t, tt.wantStatus, rr.Code)
		})
	}
}

func TestResolveConflictInvalidStrategyForType(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	record := openConflict("provider-1", conflict.TypeCapacityMismatch)
	f.conflicts.records = []*conflict.Record{record}
	f.resolver.err = fmt.Errorf("%w: capacity_mismatch cannot be resolved by merge_fields", conflict.ErrInvalidStrategy)
	router := v0.Router(f.routes)

	body := []byte(`{"strategy":"merge_fields","resolved_by":"admin"}`)
	rr := doRequest(router, http.MethodPost, "/conflicts/"+record.ID.String()+"/resolve", body)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestGetStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.cycles.statuses["provider-1"] = &pkgsync.CycleStatus{
		ProviderID: "provider-1",
		Phase:      pkgsync.PhaseIdle,
		Pulled:     12,
	}
	router := v0.Router(f.routes)

	rr := doRequest(router, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var report health.Report
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &report))
	assert.Equal(t, health.StatusOK, report.Status)
	require.Len(t, report.Cycles, 1)
	assert.Equal(t, 12, report.Cycles[0].Pulled)
}

func TestGetProviderStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.cycles.statuses["provider-1"] = &pkgsync.CycleStatus{
		ProviderID: "provider-1",
		Phase:      pkgsync.PhasePushing,
	}
	router := v0.Router(f.routes)

	rr := doRequest(router, http.MethodGet, "/status/providers/provider-1", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var status pkgsync.CycleStatus
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.Equal(t, pkgsync.PhasePushing, status.Phase)

	rr = doRequest(router, http.MethodGet, "/status/providers/never-synced", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestTriggerSync(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	router := v0.Router(f.routes)

	rr := doRequest(router, http.MethodPost, "/status/providers/provider-1/sync", nil)
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, []string{"provider-1"}, f.trigger.triggered)

	rr = doRequest(router, http.MethodPost, "/status/providers/unknown/sync", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSetOverride(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	windowID := uuid.New()
	f.windows.overrides[windowID] = nil
	router := v0.Router(f.routes)

	rr := doRequest(router, http.MethodPut,
		"/availability/windows/"+windowID.String()+"/override",
		[]byte(`{"capacity": 3, "set_by": "admin@hub"}`))
	require.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, f.windows.overrides[windowID])
	assert.Equal(t, 3, *f.windows.overrides[windowID])

	require.Len(t, f.log.entries, 1)
	assert.Equal(t, "availability_override_set", f.log.entries[0].Action)
	assert.Equal(t, "admin@hub", f.log.entries[0].Actor)

	// A null capacity clears the override again.
	rr = doRequest(router, http.MethodPut,
		"/availability/windows/"+windowID.String()+"/override",
		[]byte(`{"capacity": null, "set_by": "admin@hub"}`))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Nil(t, f.windows.overrides[windowID])
}

func TestSetOverrideValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	windowID := uuid.New()
	f.windows.overrides[windowID] = nil
	router := v0.Router(f.routes)

	tests := []struct {
		name     string
		path     string
		body     string
		wantCode int
	}{
		{
			name:     "bad window ID",
			path:     "/availability/windows/nope/override",
			body:     `{"capacity": 1, "set_by": "admin@hub"}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "malformed body",
			path:     "/availability/windows/" + windowID.String() + "/override",
			body:     `{`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "negative capacity",
			path:     "/availability/windows/" + windowID.String() + "/override",
			body:     `{"capacity": -1, "set_by": "admin@hub"}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "missing set_by",
			path:     "/availability/windows/" + windowID.String() + "/override",
			body:     `{"capacity": 1}`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "unknown window",
			path:     "/availability/windows/" + uuid.NewString() + "/override",
			body:     `{"capacity": 1, "set_by": "admin@hub"}`,
			wantCode: http.StatusNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rr := doRequest(router, http.MethodPut, tt.path, []byte(tt.body))
			assert.Equal(t, tt.wantCode, rr.Code)
		})
	}
}

func TestListAudit(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.log.Record(ctx, &audit.Entry{Actor: audit.ActorWebhook, Action: "webhook_received", Outcome: "booking.updated"}))
	require.NoError(t, f.log.Record(ctx, &audit.Entry{Actor: audit.ActorOrchestrator, Action: "sync_cycle_completed", Outcome: "ok"}))
	router := v0.Router(f.routes)

	rr := doRequest(router, http.MethodGet, "/audit?actor=webhook", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp v0.AuditListResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Entries, 1)
	assert.Equal(t, "webhook_received", resp.Entries[0].Action)
}

func TestListAuditValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	router := v0.Router(f.routes)

	tests := []struct {
		name string
		path string
	}{
		{name: "bad entity_id", path: "/audit?entity_id=nope"},
		{name: "bad since", path: "/audit?since=yesterday"},
		{name: "bad cursor", path: "/audit?cursor=abc"},
		{name: "bad limit", path: "/audit?limit=-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rr := doRequest(router, http.MethodGet, tt.path, nil)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}
}
