package booksy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTimeout = 10 * time.Second
	userAgent      = "booksy-sync/1.0"

	// listPageSize is the page size for appointment listings. Booksy caps
	// pages at 100.
	listPageSize = 100

	// tokenRefreshSlack refreshes the access token this long before its
	// advertised expiry so in-flight calls never race the cutoff.
	tokenRefreshSlack = 30 * time.Second
)

// API is the outbound Booksy surface the sync engine calls. Every method
// returns normalized *Error values on failure.
type API interface {
	// GetAppointment fetches one remote appointment by its Booksy ID
	GetAppointment(ctx context.Context, businessID, externalID string) (*Appointment, error)

	// ListAppointments walks all pages matching the filter, oldest first
	ListAppointments(ctx context.Context, businessID string, filter ListFilter) ([]Appointment, error)

	// CreateAppointment creates an appointment. The idempotency key is
	// forwarded to the remote so a timed-out create can be recovered with
	// FindByIdempotencyKey instead of re-executed.
	CreateAppointment(ctx context.Context, businessID string, appt *Appointment, idempotencyKey string) (*Appointment, error)

	// UpdateAppointment replaces the remote appointment state
	UpdateAppointment(ctx context.Context, businessID, externalID string, appt *Appointment) (*Appointment, error)

	// CancelAppointment cancels the remote appointment. Cancelling an
	// already-canceled appointment is not an error.
	CancelAppointment(ctx context.Context, businessID, externalID string) error

	// FindByIdempotencyKey looks up an appointment previously created with
	// the given key, or returns a not_found Error.
	FindByIdempotencyKey(ctx context.Context, businessID, key string) (*Appointment, error)

	// GetAvailability reads the remote availability windows in the range
	GetAvailability(ctx context.Context, businessID string, from, till time.Time) ([]AvailabilitySlot, error)

	// SetAvailability replaces the remote availability windows
	SetAvailability(ctx context.Context, businessID string, slots []AvailabilitySlot) error

	// Budget exposes the outbound rate budget so the queue can pace
	// dispatch instead of discovering the limit via 429s.
	Budget() *Budget
}

type defaultClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	budget     *Budget
	logger     *slog.Logger

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

var _ API = (*defaultClient)(nil)

// ClientOption configures the client.
type ClientOption func(*defaultClient)

// WithTimeout bounds every outbound call.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *defaultClient) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

// WithRateLimit sets the outbound requests-per-minute budget.
func WithRateLimit(perMinute int) ClientOption {
	return func(c *defaultClient) {
		c.budget = NewBudget(perMinute)
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *defaultClient) {
		c.logger = logger
	}
}

// NewClient creates an API over the Booksy HTTP endpoint at baseURL,
// authenticating with apiKey.
func NewClient(baseURL, apiKey string, opts ...ClientOption) API {
	c := &defaultClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		budget: NewBudget(0),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *defaultClient) Budget() *Budget {
	return c.budget
}

func (c *defaultClient) GetAppointment(ctx context.Context, businessID, externalID string) (*Appointment, error) {
	endpoint := fmt.Sprintf("%s/businesses/%s/appointments/%s",
		c.baseURL, url.PathEscape(businessID), url.PathEscape(externalID))

	var appt Appointment
	if err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &appt); err != nil {
		return nil, err
	}
	return &appt, nil
}

func (c *defaultClient) ListAppointments(ctx context.Context, businessID string, filter ListFilter) ([]Appointment, error) {
	var all []Appointment
	for page := 1; ; page++ {
		query := url.Values{}
		query.Set("page", strconv.Itoa(page))
		query.Set("per_page", strconv.Itoa(listPageSize))
		if !filter.UpdatedSince.IsZero() {
			query.Set("updated_since", filter.UpdatedSince.UTC().Format(time.RFC3339))
		}
		if !filter.From.IsZero() {
			query.Set("from", filter.From.UTC().Format(time.RFC3339))
		}
		if !filter.Till.IsZero() {
			query.Set("till", filter.Till.UTC().Format(time.RFC3339))
		}
		endpoint := fmt.Sprintf("%s/businesses/%s/appointments?%s",
			c.baseURL, url.PathEscape(businessID), query.Encode())

		var result AppointmentPage
		if err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &result); err != nil {
			return nil, err
		}
		all = append(all, result.Appointments...)
		if !result.HasMore() || len(result.Appointments) == 0 {
			return all, nil
		}
	}
}

func (c *defaultClient) CreateAppointment(ctx context.Context, businessID string, appt *Appointment, idempotencyKey string) (*Appointment, error) {
	endpoint := fmt.Sprintf("%s/businesses/%s/appointments", c.baseURL, url.PathEscape(businessID))

	headers := http.Header{}
	if idempotencyKey != "" {
		headers.Set("Idempotency-Key", idempotencyKey)
	}
	var created Appointment
	if err := c.do(ctx, http.MethodPost, endpoint, headers, appt, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *defaultClient) UpdateAppointment(ctx context.Context, businessID, externalID string, appt *Appointment) (*Appointment, error) {
	endpoint := fmt.Sprintf("%s/businesses/%s/appointments/%s",
		c.baseURL, url.PathEscape(businessID), url.PathEscape(externalID))

	var updated Appointment
	if err := c.do(ctx, http.MethodPut, endpoint, nil, appt, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

func (c *defaultClient) CancelAppointment(ctx context.Context, businessID, externalID string) error {
	endpoint := fmt.Sprintf("%s/businesses/%s/appointments/%s",
		c.baseURL, url.PathEscape(businessID), url.PathEscape(externalID))

	err := c.do(ctx, http.MethodDelete, endpoint, nil, nil, nil)
	if be, ok := AsError(err); ok && be.Kind == KindNotFound {
		// Already gone remotely; cancellation is idempotent.
		return nil
	}
	return err
}

func (c *defaultClient) FindByIdempotencyKey(ctx context.Context, businessID, key string) (*Appointment, error) {
	endpoint := fmt.Sprintf("%s/businesses/%s/appointments/by-idempotency-key/%s",
		c.baseURL, url.PathEscape(businessID), url.PathEscape(key))

	var appt Appointment
	if err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &appt); err != nil {
		return nil, err
	}
	return &appt, nil
}

func (c *defaultClient) GetAvailability(ctx context.Context, businessID string, from, till time.Time) ([]AvailabilitySlot, error) {
	query := url.Values{}
	query.Set("from", from.UTC().Format(time.RFC3339))
	query.Set("till", till.UTC().Format(time.RFC3339))
	endpoint := fmt.Sprintf("%s/businesses/%s/availability?%s",
		c.baseURL, url.PathEscape(businessID), query.Encode())

	var result struct {
		Slots []AvailabilitySlot `json:"slots"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &result); err != nil {
		return nil, err
	}
	return result.Slots, nil
}

func (c *defaultClient) SetAvailability(ctx context.Context, businessID string, slots []AvailabilitySlot) error {
	endpoint := fmt.Sprintf("%s/businesses/%s/availability", c.baseURL, url.PathEscape(businessID))

	body := struct {
		Slots []AvailabilitySlot `json:"slots"`
	}{Slots: slots}
	return c.do(ctx, http.MethodPut, endpoint, nil, body, nil)
}

// do runs one authenticated call, normalizing every failure. On an auth
// error it refreshes the access token once and retries; a second auth
// failure surfaces to the caller.
func (c *defaultClient) do(ctx context.Context, method, endpoint string, headers http.Header, body, out any) error {
	err := c.doOnce(ctx, method, endpoint, headers, body, out, false)
	if be, ok := AsError(err); ok && be.Kind == KindAuth {
		c.logger.Warn("access token rejected, refreshing credential",
			"method", method)
		return c.doOnce(ctx, method, endpoint, headers, body, out, true)
	}
	return err
}

func (c *defaultClient) doOnce(ctx context.Context, method, endpoint string, headers http.Header, body, out any, forceRefresh bool) error {
	token, err := c.token(ctx, forceRefresh)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &Error{Kind: KindValidation, Message: fmt.Sprintf("encoding request body: %v", err), cause: err}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return transportError(err)
	}
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, errorMessage(data), resp.Header)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return &Error{
				Kind:       KindServerError,
				StatusCode: resp.StatusCode,
				Message:    fmt.Sprintf("decoding response: %v", err),
				cause:      err,
			}
		}
	}
	return nil
}

// token returns a valid access token, exchanging the API key when the cached
// token is missing, near expiry, or a forced refresh was requested.
func (c *defaultClient) token(ctx context.Context, force bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !force && c.accessToken != "" && time.Now().Before(c.tokenExpiry.Add(-tokenRefreshSlack)) {
		return c.accessToken, nil
	}

	body, err := json.Marshal(map[string]string{"api_key": c.apiKey})
	if err != nil {
		return "", transportError(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/access_token", bytes.NewReader(body))
	if err != nil {
		return "", transportError(err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", transportError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", transportError(err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", statusError(resp.StatusCode, errorMessage(data), resp.Header)
	}

	var result struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(data, &result); err != nil || result.AccessToken == "" {
		return "", &Error{Kind: KindAuth, Message: "token endpoint returned no usable access token", cause: err}
	}

	c.accessToken = result.AccessToken
	c.tokenExpiry = tokenExpiry(result.AccessToken)
	c.logger.Debug("refreshed access token", "expires_at", c.tokenExpiry)
	return c.accessToken, nil
}

// tokenExpiry reads the exp claim without verifying the signature. The
// token is opaque to us as a credential; the claim only schedules the next
// refresh. An unparseable token gets a short fixed lifetime.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Now().Add(5 * time.Minute)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Now().Add(5 * time.Minute)
	}
	return exp.Time
}

// errorMessage pulls the human-readable message out of Booksy's error
// envelope, falling back to the raw body.
func errorMessage(body []byte) string {
	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		if envelope.Message != "" {
			return envelope.Message
		}
		if envelope.Error != "" {
			return envelope.Error
		}
	}
	const maxRaw = 200
	if len(body) > maxRaw {
		body = body[:maxRaw]
	}
	return string(body)
}
