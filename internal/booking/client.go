package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	defaultTimeout = 10 * time.Second
	userAgent      = "booksy-sync/1.0"
)

// Client is an HTTP implementation of Service speaking the hub's internal
// BookingService API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

var _ Service = (*Client)(nil)

// NewClient creates a Service backed by the hub BookingService at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Snapshot returns the current hub-side state of one booking.
func (c *Client) Snapshot(ctx context.Context, providerID, internalID string) (*Snapshot, error) {
	endpoint := fmt.Sprintf("%s/internal/v1/providers/%s/bookings/%s",
		c.baseURL, url.PathEscape(providerID), url.PathEscape(internalID))

	var snap Snapshot
	if err := c.getJSON(ctx, endpoint, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// ChangedSince lists bookings mutated on the hub ledger since the given time.
func (c *Client) ChangedSince(ctx context.Context, providerID string, since time.Time) ([]ChangeEvent, error) {
	endpoint := fmt.Sprintf("%s/internal/v1/providers/%s/bookings/changes?since=%s",
		c.baseURL, url.PathEscape(providerID), url.QueryEscape(since.UTC().Format(time.RFC3339Nano)))

	var events []ChangeEvent
	if err := c.getJSON(ctx, endpoint, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// Apply writes an external-origin snapshot back onto the hub ledger.
func (c *Client) Apply(ctx context.Context, providerID, internalID string, snap *Snapshot) (int64, error) {
	endpoint := fmt.Sprintf("%s/internal/v1/providers/%s/bookings/%s",
		c.baseURL, url.PathEscape(providerID), url.PathEscape(internalID))

	body, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("booking service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("booking service returned HTTP %d", resp.StatusCode)
	}

	var result struct {
		Version int64 `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("failed to decode apply response: %w", err)
	}
	return result.Version, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("booking service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("booking service returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
