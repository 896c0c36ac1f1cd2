package liveness

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPChecker asks a sessiongate server whether a session is still active
// via POST /api/check-session.
type HTTPChecker struct {
	// Endpoint is the full check URL, e.g. https://host/api/check-session.
	Endpoint  string
	AccountID string
	SessionID string

	// Client defaults to a client with a 10s timeout.
	Client *http.Client

	// Header is added to every request (e.g. Authorization).
	Header http.Header
}

type checkRequest struct {
	AccountID        string `json:"accountId"`
	CurrentSessionID string `json:"currentSessionId"`
}

type checkResponse struct {
	IsValid *bool `json:"isValid"`
}

var defaultClient = &http.Client{Timeout: 10 * time.Second}

// Check implements Checker. Non-2xx answers and malformed bodies are errors,
// never a revocation.
func (c *HTTPChecker) Check(ctx context.Context) (bool, error) {
	if strings.TrimSpace(c.Endpoint) == "" {
		return false, errors.New("liveness: empty endpoint")
	}

	body, err := json.Marshal(checkRequest{AccountID: c.AccountID, CurrentSessionID: c.SessionID})
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	for k, vs := range c.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	client := c.Client
	if client == nil {
		client = defaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return false, fmt.Errorf("liveness: check-session status %d", resp.StatusCode)
	}

	var out checkResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&out); err != nil {
		return false, fmt.Errorf("liveness: decode check-session: %w", err)
	}
	if out.IsValid == nil {
		return false, errors.New("liveness: check-session response missing isValid")
	}
	return *out.IsValid, nil
}

var _ Checker = (*HTTPChecker)(nil)
