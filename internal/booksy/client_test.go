package booksy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeToken builds an unsigned JWT whose exp claim is at the given time.
func fakeToken(t *testing.T, exp time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	claims := base64.RawURLEncoding.EncodeToString(
		[]byte(fmt.Sprintf(`{"exp":%d}`, exp.Unix())))
	return header + "." + claims + "."
}

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *atomic.Int64) {
	t.Helper()

	var tokenRequests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/access_token" {
			tokenRequests.Add(1)
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{
				"access_token": fakeToken(t, time.Now().Add(time.Hour)),
			})
			return
		}
		handler(w, r)
	}))
	t.Cleanup(server.Close)
	return server, &tokenRequests
}

func TestClient_GetAppointment(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/businesses/biz-1/appointments/appt-9", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Appointment{
			ID:         "appt-9",
			BusinessID: "biz-1",
			ServiceID:  "svc-2",
			Status:     AppointmentConfirmed,
		})
	})

	client := NewClient(server.URL, "test-key")
	appt, err := client.GetAppointment(context.Background(), "biz-1", "appt-9")

	require.NoError(t, err)
	assert.Equal(t, "appt-9", appt.ID)
	assert.Equal(t, AppointmentConfirmed, appt.Status)
}

func TestClient_TokenReusedAcrossCalls(t *testing.T) {
	t.Parallel()

	server, tokenRequests := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(Appointment{ID: "a"})
	})

	client := NewClient(server.URL, "test-key")
	for i := 0; i < 3; i++ {
		_, err := client.GetAppointment(context.Background(), "biz-1", "a")
		require.NoError(t, err)
	}

	assert.Equal(t, int64(1), tokenRequests.Load())
}

func TestClient_RefreshesOnceOnAuthFailure(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	server, tokenRequests := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(Appointment{ID: "a"})
	})

	client := NewClient(server.URL, "test-key")
	appt, err := client.GetAppointment(context.Background(), "biz-1", "a")

	require.NoError(t, err)
	assert.Equal(t, "a", appt.ID)
	assert.Equal(t, int64(2), tokenRequests.Load())
}

func TestClient_AuthFailureAfterRefreshSurfaces(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	client := NewClient(server.URL, "test-key")
	_, err := client.GetAppointment(context.Background(), "biz-1", "a")

	be, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindAuth, be.Kind)
	assert.False(t, be.Retryable())
}

func TestClient_ListAppointmentsWalksPages(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		w.Header().Set("Content-Type", "application/json")
		switch page {
		case "1":
			appts := make([]Appointment, listPageSize)
			for i := range appts {
				appts[i] = Appointment{ID: fmt.Sprintf("p1-%d", i)}
			}
			_ = json.NewEncoder(w).Encode(AppointmentPage{
				Appointments: appts,
				Page:         1,
				PerPage:      listPageSize,
				Total:        listPageSize + 2,
			})
		case "2":
			_ = json.NewEncoder(w).Encode(AppointmentPage{
				Appointments: []Appointment{{ID: "p2-0"}, {ID: "p2-1"}},
				Page:         2,
				PerPage:      listPageSize,
				Total:        listPageSize + 2,
			})
		default:
			t.Errorf("unexpected page %q", page)
			w.WriteHeader(http.StatusBadRequest)
		}
	})

	client := NewClient(server.URL, "test-key")
	appts, err := client.ListAppointments(context.Background(), "biz-1", ListFilter{})

	require.NoError(t, err)
	require.Len(t, appts, listPageSize+2)
	assert.Equal(t, "p2-1", appts[listPageSize+1].ID)
}

func TestClient_CreateForwardsIdempotencyKey(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "op-key-123", r.Header.Get("Idempotency-Key"))
		_ = json.NewEncoder(w).Encode(Appointment{ID: "new-appt"})
	})

	client := NewClient(server.URL, "test-key")
	created, err := client.CreateAppointment(context.Background(), "biz-1",
		&Appointment{ServiceID: "svc-1"}, "op-key-123")

	require.NoError(t, err)
	assert.Equal(t, "new-appt", created.ID)
}

func TestClient_CancelIdempotentOnNotFound(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	client := NewClient(server.URL, "test-key")
	err := client.CancelAppointment(context.Background(), "biz-1", "gone")

	assert.NoError(t, err)
}

func TestClient_RateLimitCarriesRetryAfter(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "42")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	client := NewClient(server.URL, "test-key")
	_, err := client.GetAppointment(context.Background(), "biz-1", "a")

	be, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindRateLimit, be.Kind)
	assert.Equal(t, 42*time.Second, be.RetryAfter)
	assert.True(t, be.Retryable())
}

func TestClient_ValidationErrorCarriesRemoteMessage(t *testing.T) {
	t.Parallel()

	server, _ := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"message": "slot already taken",
		})
	})

	client := NewClient(server.URL, "test-key")
	_, err := client.GetAppointment(context.Background(), "biz-1", "a")

	be, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindValidation, be.Kind)
	assert.Contains(t, be.Message, "slot already taken")
	assert.False(t, be.Retryable())
}

func TestTokenExpiry(t *testing.T) {
	t.Parallel()

	exp := time.Now().Add(2 * time.Hour).Truncate(time.Second)
	got := tokenExpiry(fakeToken(t, exp))
	assert.WithinDuration(t, exp, got, time.Second)

	// Opaque token falls back to a short lifetime instead of failing
	got = tokenExpiry("not-a-jwt")
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), got, time.Minute)
}
