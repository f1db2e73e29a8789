// Package apiclient is the driver side of the backend location API.
package apiclient

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

	"github.com/example/campustrack/internal/location/publisher"
)

var ErrUnauthorized = errors.New("credential rejected")

// TokenSource returns the driver's bearer credential. forceRefresh asks the
// identity provider for a new one instead of a cached token.
type TokenSource interface {
	Token(ctx context.Context, forceRefresh bool) (string, error)
}

// StaticTokenSource always returns the same token.
type StaticTokenSource string

func (s StaticTokenSource) Token(context.Context, bool) (string, error) {
	if s == "" {
		return "", errors.New("no driver token configured")
	}
	return string(s), nil
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.Code, e.Body)
}

// Client writes presence updates through the backend API.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
}

// New constructs a client. A nil httpClient gets a 10 second timeout.
func New(baseURL string, tokens TokenSource, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient, tokens: tokens}
}

type updateBody struct {
	Lat   float64 `json:"lat"`
	Lng   float64 `json:"lng"`
	Speed float64 `json:"speed"`
}

// Write implements publisher.Writer. The backend derives the driver from the
// credential, so u.DriverID is not sent.
func (c *Client) Write(ctx context.Context, u publisher.Update) error {
	if !u.Active {
		return c.post(ctx, "/driver/location/stop/", nil)
	}
	body, err := json.Marshal(updateBody{Lat: u.Lat, Lng: u.Lng, Speed: u.Speed})
	if err != nil {
		return err
	}
	return c.post(ctx, "/driver/location/update/", body)
}

func (c *Client) post(ctx context.Context, path string, body []byte) error {
	err := c.attempt(ctx, path, body, false)
	if errors.Is(err, ErrUnauthorized) {
		err = c.attempt(ctx, path, body, true)
	}
	return err
}

func (c *Client) attempt(ctx context.Context, path string, body []byte, refresh bool) error {
	token, err := c.tokens.Token(ctx, refresh)
	if err != nil {
		return fmt.Errorf("get token: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	statusErr := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %w", ErrUnauthorized, statusErr)
	}
	return statusErr
}
