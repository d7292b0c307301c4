// Package openproject stores call tickets as OpenProject work packages
// through the API v3.
package openproject

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sweeney/asterisk-tickets/internal/ticket"
)

// Fields names the work package custom fields holding call data.
type Fields struct {
	CallID       string `yaml:"call_id"`
	CallerNumber string `yaml:"caller_number"`
	CalledNumber string `yaml:"called_number"`
	CallStart    string `yaml:"call_start"`
	CallEnd      string `yaml:"call_end"`
}

// Statuses maps workflow states to OpenProject status ids.
type Statuses struct {
	New        string `yaml:"new"`
	InProgress string `yaml:"in_progress"`
	Closed     string `yaml:"closed"`
	Resolved   string `yaml:"resolved"`
	Rejected   string `yaml:"rejected"`
}

// Config configures the client.
type Config struct {
	// BaseURL points at the API root, e.g. https://op.example.com/api/v3.
	BaseURL  string
	APIToken string
	// TypeID restricts lookups to work packages of the call type.
	TypeID          string
	UnknownLocation string
	Fields          Fields
	Statuses        Statuses

	Timeout    time.Duration
	HTTPClient *http.Client
	// MaxRetries is the number of retries for 429, 502, 503 and 504.
	MaxRetries     int
	RetryBaseDelay time.Duration
	Logger         *slog.Logger
}

// Client is a ticket.Backend backed by OpenProject.
type Client struct {
	ticket.CallIDList

	cfg        Config
	baseURL    *url.URL
	httpClient *http.Client
	logger     *slog.Logger
}

// New validates cfg and returns a client.
func New(cfg Config) (*Client, error) {
	if cfg.APIToken == "" {
		return nil, errors.New("openproject: api token cannot be empty")
	}
	if cfg.Fields.CallID == "" {
		return nil, errors.New("openproject: call id field is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("openproject: parsing base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("openproject: base url %q is not absolute", cfg.BaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: httpClient,
		logger:     logger.With("backend", "openproject"),
	}, nil
}

// APIError is a non-2xx response from OpenProject.
type APIError struct {
	StatusCode int
	// ErrorIdentifier is OpenProject's machine-readable error name, e.g.
	// "urn:openproject-org:api:v3:errors:UpdateConflict".
	ErrorIdentifier string
	Message         string
	RawBody         []byte
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("API error: %d", e.StatusCode)
	if e.Message != "" {
		msg += " - " + e.Message
	}
	return msg
}

type apiErrorBody struct {
	ErrorIdentifier string `json:"errorIdentifier"`
	Message         string `json:"message"`
}

func newAPIError(resp *http.Response, body []byte) *APIError {
	e := &APIError{StatusCode: resp.StatusCode, RawBody: body}
	var parsed apiErrorBody
	if json.Unmarshal(body, &parsed) == nil {
		e.ErrorIdentifier = parsed.ErrorIdentifier
		e.Message = parsed.Message
	}
	return e
}

// classify maps an API error onto the ticket package's error contract.
func classify(op string, err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%s: %w", op, ticket.ErrNotFound)
		case http.StatusConflict, http.StatusPreconditionFailed:
			return fmt.Errorf("%s: %w", op, ticket.ErrConflict)
		}
	}
	return &ticket.BackendError{Op: op, Err: err}
}

func (c *Client) newRequest(ctx context.Context, method, path string, params url.Values, body []byte) (*http.Request, error) {
	u := *c.baseURL
	u.Path = c.baseURL.Path + "/" + strings.TrimLeft(path, "/")
	if params != nil {
		u.RawQuery = params.Encode()
	}

	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), r)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth("apikey", c.cfg.APIToken)
	req.Header.Set("Accept", "application/hal+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do sends a request, retrying transient failures with exponential
// backoff, and decodes a 2xx JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return err
		}
	}

	for attempt := 0; ; attempt++ {
		req, err := c.newRequest(ctx, method, path, params, body)
		if err != nil {
			return err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}

		if isRetryableStatus(resp.StatusCode) && attempt < c.cfg.MaxRetries {
			delay := retryDelay(resp, c.cfg.RetryBaseDelay, attempt)
			resp.Body.Close()
			c.logger.Debug("retrying request", "method", method, "path", path, "status", resp.StatusCode, "delay", delay)

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			continue
		}

		return parseResponse(resp, out)
	}
}

func parseResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newAPIError(resp, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func isRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable ||
		code == http.StatusGatewayTimeout
}

func retryDelay(resp *http.Response, base time.Duration, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}
	return base * (1 << uint(attempt))
}
