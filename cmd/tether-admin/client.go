// ABOUTME: Thin HTTP client for the tether-gateway operator API
// ABOUTME: Escapes session ids into paths and turns JSON error bodies into Go errors

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// session mirrors the gateway's JSON session view.
type session struct {
	SessionID        string     `json:"session_id"`
	Status           string     `json:"status"`
	PairingAvailable bool       `json:"pairing_available"`
	Registered       bool       `json:"registered"`
	Blocked          bool       `json:"blocked"`
	BlockedUntil     *time.Time `json:"blocked_until,omitempty"`
	RemainingSeconds int        `json:"remaining_seconds,omitempty"`
	LastReason       string     `json:"last_reason,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
	Attempts         int        `json:"attempts,omitempty"`
	Generation       uint64     `json:"generation"`
}

// apiError is a non-2xx response from the gateway.
type apiError struct {
	Status     int
	Message    string
	RetryAfter int
}

func (e *apiError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s (HTTP %d, retry after %ds)", e.Message, e.Status, e.RetryAfter)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient(baseURL, token string) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 90 * time.Second},
	}
}

// sessionPath builds /sessions/<escaped id><suffix>.
func sessionPath(id, suffix string) string {
	return "/sessions/" + url.PathEscape(id) + suffix
}

// do sends a request and decodes a JSON response into out when non-nil.
func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var errBody struct {
			Error             string `json:"error"`
			RetryAfterSeconds int    `json:"retry_after_seconds"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &errBody) == nil && errBody.Error != "" {
			msg = errBody.Error
		}
		return &apiError{Status: resp.StatusCode, Message: msg, RetryAfter: errBody.RetryAfterSeconds}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
