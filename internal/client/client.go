// Package client talks to the earnings API on behalf of a game client.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrUnavailable matches every APIError the server asks the client to retry.
var ErrUnavailable = errors.New("earnings service unavailable")

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
	// RetryAfter is set from the Retry-After header when present.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("earnings api: %d %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrUnavailable && e.StatusCode == http.StatusServiceUnavailable
}

// Status mirrors GET /api/v1/earnings/status.
type Status struct {
	MinutesOffline     int64      `json:"minutes_offline"`
	AvailableAmount    int64      `json:"available_amount"`
	RatePerHour        int64      `json:"rate_per_hour"`
	CanClaim           bool       `json:"can_claim"`
	CurrentBalance     int64      `json:"current_balance"`
	MaxClaimHours      float64    `json:"max_claim_hours"`
	LastClaimTime      time.Time  `json:"last_claim_time"`
	NextClaimAvailable *time.Time `json:"next_claim_available,omitempty"`
}

// MaxWindow converts MaxClaimHours to a duration.
func (s *Status) MaxWindow() time.Duration {
	return time.Duration(s.MaxClaimHours * float64(time.Hour))
}

// ClaimResult mirrors POST /api/v1/earnings/claim. OldBalance and the
// other success-only fields are nil when nothing was owed.
type ClaimResult struct {
	Claimed            int64      `json:"claimed"`
	NewBalance         int64      `json:"new_balance"`
	OldBalance         *int64     `json:"old_balance,omitempty"`
	MinutesOffline     *int64     `json:"minutes_offline,omitempty"`
	RatePerHour        *int64     `json:"rate_per_hour,omitempty"`
	ClaimedAt          *time.Time `json:"claimed_at,omitempty"`
	NextClaimAvailable *time.Time `json:"next_claim_available,omitempty"`
	NextClaimIn        *int64     `json:"next_claim_in,omitempty"`
}

// Client is an earnings API client. Set Token after Login.
type Client struct {
	baseURL    string
	httpClient *http.Client
	Token      string
}

// New returns a client for the server at baseURL (scheme and host).
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

// Register creates an account.
func (c *Client) Register(ctx context.Context, email, password, displayName string) error {
	body := map[string]string{"email": email, "password": password, "display_name": displayName}
	return c.do(ctx, http.MethodPost, "/api/v1/auth/register", body, nil)
}

// Login exchanges credentials for a token and stores it on the client.
func (c *Client) Login(ctx context.Context, email, password string) error {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/login", map[string]string{"email": email, "password": password}, &resp); err != nil {
		return err
	}
	c.Token = resp.Token
	return nil
}

// Status fetches the authoritative offline earnings.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var s Status
	if err := c.do(ctx, http.MethodGet, "/api/v1/earnings/status", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Claim claims everything owed.
func (c *Client) Claim(ctx context.Context) (*ClaimResult, error) {
	var r ClaimResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/earnings/claim", nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		apiErr.Message = body.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return apiErr
}
