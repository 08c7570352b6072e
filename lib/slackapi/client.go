// Package slackapi is a minimal client for the Slack Web API methods this
// module consumes. It normalizes the platform's {ok, error} envelope into
// typed errors, applies the rate-limit contract (wait the advisory delay,
// retry exactly once) and paginates cursor-based list endpoints up to a
// caller-supplied limit.
package slackapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/xerrors"
)

const DefaultBaseURL = "https://slack.com/api"

// defaultRetryAfter is used when a rate-limit response carries no
// advisory delay. One second matches the platform's minimum.
const defaultRetryAfter = 1 * time.Second

type ClientConfig struct {
	// BaseURL overrides the Web API root. Used by tests.
	BaseURL string
	// HTTPClient is used for all requests. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
	// Clock drives the rate-limit retry wait. If nil, the real clock is used.
	Clock quartz.Clock
}

// Client issues authenticated request/response calls. Calls are
// independent per invocation; a rate-limit wait blocks only the calling
// invocation. The zero-cost construction makes it safe to share one
// Client across agents.
type Client struct {
	baseURL    string
	httpClient *http.Client
	clock      quartz.Clock
}

func NewClient(config ClientConfig) *Client {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	clock := config.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		clock:      clock,
	}
}

// call performs one logical Web API call: at most two HTTP exchanges, the
// second only after a rate-limit response's advisory delay. On success it
// returns the raw body for the caller to decode its payload from.
func (c *Client) call(ctx context.Context, method, endpoint, token string, query url.Values, body any) ([]byte, error) {
	raw, err := c.doOnce(ctx, method, endpoint, token, query, body)
	var retry *retryDelayError
	if errors.As(err, &retry) {
		if waitErr := c.waitRetryDelay(ctx, retry.delay); waitErr != nil {
			return nil, waitErr
		}
		raw, err = c.doOnce(ctx, method, endpoint, token, query, body)
		if errors.As(err, &retry) {
			return nil, xerrors.Errorf("%s: %w", endpoint, ErrRateLimited)
		}
	}
	if err != nil {
		return nil, xerrors.Errorf("%s: %w", endpoint, err)
	}
	return raw, nil
}

// doOnce performs a single HTTP exchange and normalizes the outcome:
// connectivity failures become *TransportError, rate limits become
// *retryDelayError, envelope ok=false becomes *APIError.
func (c *Client) doOnce(ctx context.Context, method, endpoint, token string, query url.Values, body any) ([]byte, error) {
	requestURL := c.baseURL + "/" + endpoint
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, xerrors.Errorf("failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, xerrors.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{err: err}
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &TransportError{err: err}
	}

	if res.StatusCode == http.StatusTooManyRequests {
		return nil, &retryDelayError{delay: parseRetryAfter(res.Header)}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, xerrors.Errorf("unexpected %d response: %w", res.StatusCode, err)
	}
	if !env.OK {
		// The platform occasionally signals rate limiting through the
		// envelope on a non-429 status. Treat it the same way.
		if env.Error == ErrCodeRateLimited {
			return nil, &retryDelayError{delay: parseRetryAfter(res.Header)}
		}
		return nil, &APIError{Code: env.Error, StatusCode: res.StatusCode}
	}
	return raw, nil
}

func (c *Client) waitRetryDelay(ctx context.Context, seconds int) error {
	delay := time.Duration(seconds) * time.Second
	if delay <= 0 {
		delay = defaultRetryAfter
	}
	timer := c.clock.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func parseRetryAfter(h http.Header) int {
	seconds, err := strconv.Atoi(h.Get("Retry-After"))
	if err != nil || seconds < 0 {
		return 0
	}
	return seconds
}
