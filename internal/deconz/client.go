// Package deconz talks to a deCONZ-style lighting hub: the REST control
// plane (with bounded retries) and the websocket event feed.
package deconz

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/motiond/internal/clock"
)

// ClientConfig configures the REST client.
type ClientConfig struct {
	Host         string
	RESTPort     int
	Credential   string
	CallTimeout  time.Duration // per attempt
	MaxAttempts  int
	RetryBackoff time.Duration // wait after attempt n is n*RetryBackoff
	RateLimitRPS float64       // 0 disables throttling
}

// DefaultClientConfig returns the retry policy of the hub client.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RESTPort:     80,
		CallTimeout:  1 * time.Second,
		MaxAttempts:  10,
		RetryBackoff: 1 * time.Second,
		RateLimitRPS: 10,
	}
}

// Client issues GET and PUT requests against the hub with bounded retries.
// It knows nothing about lighting semantics.
type Client struct {
	baseURL    string
	config     ClientConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	clock      clock.Clock
}

// NewClient creates a hub client. Zero config values fall back to defaults.
func NewClient(config ClientConfig, clk clock.Clock) *Client {
	defaults := DefaultClientConfig()
	if config.RESTPort == 0 {
		config.RESTPort = defaults.RESTPort
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = defaults.CallTimeout
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = defaults.RetryBackoff
	}
	if clk == nil {
		clk = clock.Real()
	}

	var limiter *rate.Limiter
	if config.RateLimitRPS > 0 {
		burst := int(config.RateLimitRPS)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RateLimitRPS), burst)
	}

	return &Client{
		baseURL:    fmt.Sprintf("http://%s:%d/api/%s", config.Host, config.RESTPort, config.Credential),
		config:     config,
		httpClient: &http.Client{},
		limiter:    limiter,
		clock:      clk,
	}
}

// ResourceURL returns the URL of a light or group.
func (c *Client) ResourceURL(kind string, id int) string {
	return fmt.Sprintf("%s/%s/%d", c.baseURL, kind, id)
}

// Get fetches url and returns the JSON body of a 200 reply.
func (c *Client) Get(ctx context.Context, url string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, url, nil)
}

// Put sends body as JSON to url and returns the JSON body of a 200 reply.
func (c *Client) Put(ctx context.Context, url string, body any) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal body: %w", err)
	}
	return c.do(ctx, http.MethodPut, url, payload)
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// do is the retry primitive shared by Get and Put. A 200 succeeds, 503 and
// transport failures are retried after attempt*RetryBackoff, anything else
// fails immediately with a StatusError.
func (c *Client) do(ctx context.Context, method, rawURL string, payload []byte) (json.RawMessage, error) {
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return nil, fmt.Errorf("invalid request url: %w", err)
	}

	var last error
	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		body, err := c.attempt(ctx, method, rawURL, payload)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			log.Error().
				Str("method", method).
				Int("status", statusErr.StatusCode).
				Str("body", statusErr.Body).
				Msg("Hub rejected request, not retrying")
			return nil, err
		}

		last = err
		if attempt == c.config.MaxAttempts {
			break
		}

		backoff := c.config.RetryBackoff * time.Duration(attempt)
		log.Warn().
			Err(err).
			Str("method", method).
			Int("attempt", attempt).
			Int("max_attempts", c.config.MaxAttempts).
			Dur("backoff", backoff).
			Msg("Hub request failed, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.clock.After(backoff):
		}
	}

	log.Error().
		Err(last).
		Str("method", method).
		Int("attempts", c.config.MaxAttempts).
		Msg("Hub request retries exhausted")
	return nil, &RetriesExhaustedError{Attempts: c.config.MaxAttempts, Last: last}
}

func (c *Client) attempt(ctx context.Context, method, rawURL string, payload []byte) (json.RawMessage, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Err: err}
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return json.RawMessage(data), nil
	case http.StatusServiceUnavailable:
		return nil, &TransientError{Err: fmt.Errorf("%w: %s", ErrServiceUnavailable, strings.TrimSpace(string(data)))}
	default:
		return nil, &StatusError{
			Method:     method,
			URL:        redact(rawURL, c.config.Credential),
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
	}
}

// redact hides the API credential in URLs that end up in logs and errors.
func redact(rawURL, credential string) string {
	if credential == "" {
		return rawURL
	}
	return strings.ReplaceAll(rawURL, credential, "***")
}
