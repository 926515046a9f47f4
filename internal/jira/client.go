// Package jira is the ticketing gateway: a minimal Jira Service Management
// REST client for creating requests and reading their status.
package jira

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

// DefaultTimeout bounds every gateway call.
const DefaultTimeout = 30 * time.Second

const maxErrorBody = 64 << 10

// Config carries the credentials and location of the ticketing system.
// With Email set the token is sent as basic auth (cloud API tokens), otherwise
// as a bearer personal access token.
type Config struct {
	BaseURL string
	Token   string
	Email   string
	Timeout time.Duration
}

type Client struct {
	cfg        Config
	HTTPClient *http.Client
}

// New builds a client. A zero timeout falls back to DefaultTimeout.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:        cfg,
		HTTPClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// GatewayError reports a non-2xx answer or a transport failure (Err set,
// StatusCode zero) such as a timeout.
type GatewayError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ticketing gateway: %v", e.Err)
	}
	return fmt.Sprintf("ticketing gateway: status=%d body=%s", e.StatusCode, e.Body)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is the gateway saying the ticket does not exist.
func IsNotFound(err error) bool {
	var ge *GatewayError
	return errors.As(err, &ge) && ge.StatusCode == http.StatusNotFound
}

// InvalidResponseError reports a 2xx payload that is missing something required.
type InvalidResponseError struct {
	Reason string
}

func (e *InvalidResponseError) Error() string {
	return "invalid ticketing response: " + e.Reason
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	if c.cfg.BaseURL == "" {
		return &GatewayError{Err: errors.New("base url not configured")}
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.cfg.Email != "":
		req.SetBasicAuth(c.cfg.Email, c.cfg.Token)
	case c.cfg.Token != "":
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &GatewayError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &GatewayError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &InvalidResponseError{Reason: fmt.Sprintf("decode %s %s: %v", method, path, err)}
	}
	return nil
}
