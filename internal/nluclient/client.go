// Package nluclient is the only network boundary to the remote NLU
// training and prediction service. Every call is a JSON round trip whose
// response carries a success flag; failures are mapped onto the nlu error
// taxonomy so the coordinator can tell transport trouble from rejections.
package nluclient

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

	"github.com/zulandar/roundhouse/internal/nlu"
	"go.uber.org/zap"
)

const (
	// DefaultTimeout bounds a single HTTP round trip.
	DefaultTimeout = 30 * time.Second

	// DefaultPollInterval is the training status polling period.
	DefaultPollInterval = 500 * time.Millisecond

	maxBodyBytes = 8 << 20
)

// Options configures a Client.
type Options struct {
	BaseURL      string
	Timeout      time.Duration
	PollInterval time.Duration
	Retry        *RetryPolicy
	HTTPClient   *http.Client
	Logger       *zap.Logger
}

// Client talks to one remote NLU service.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
	retry        *RetryPolicy
	logger       *zap.Logger
}

// New validates opts and returns a Client.
func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("nluclient: base url is required")
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("nluclient: invalid base url %q", opts.BaseURL)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	policy := opts.Retry
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:      base,
		httpClient:   httpClient,
		pollInterval: poll,
		retry:        policy.normalize(),
		logger:       logger.Named("nluclient"),
	}, nil
}

// BaseURL returns the normalized service URL.
func (c *Client) BaseURL() string { return c.baseURL }

// envelope is the common part of every remote response.
type envelope struct {
	Success *bool  `json:"success"`
	Error   string `json:"error"`
	Err     string `json:"err"`
}

func (e envelope) message() string {
	switch {
	case e.Error != "":
		return e.Error
	case e.Err != "":
		return e.Err
	case e.Success == nil:
		return "response carries no success flag"
	default:
		return "request failed without a message"
	}
}

// call performs one logical request with connectivity retries. body may be
// nil; out receives the decoded payload on success.
func (c *Client) call(ctx context.Context, op, method, path, token string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("nluclient: %s: marshal request: %w", op, err)
		}
	}
	return retry(ctx, c.retry, c.logger, op, func() error {
		return c.roundTrip(ctx, op, method, path, token, payload, out)
	})
}

func (c *Client) roundTrip(ctx context.Context, op, method, path, token string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("nluclient: %s: create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("nluclient: %s: %w", op, ctxErr)
		}
		return &nlu.ConnectivityError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("nluclient: %s: %w", op, ctxErr)
		}
		return &nlu.ConnectivityError{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		if gatewayFailure(resp.StatusCode) {
			return &nlu.ConnectivityError{Op: op, Err: fmt.Errorf("status %d", resp.StatusCode)}
		}
		return &nlu.RemoteRejectionError{Op: op, StatusCode: resp.StatusCode, Message: snippet(data)}
	}
	if env.Success == nil || !*env.Success {
		return &nlu.RemoteRejectionError{Op: op, StatusCode: resp.StatusCode, Message: env.message()}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return &nlu.RemoteRejectionError{
				Op:         op,
				StatusCode: resp.StatusCode,
				Message:    fmt.Sprintf("malformed response payload: %v", err),
			}
		}
	}
	return nil
}

// gatewayFailure reports statuses a proxy returns when the service itself
// could not be reached.
func gatewayFailure(code int) bool {
	switch code {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func snippet(data []byte) string {
	s := strings.TrimSpace(string(data))
	if s == "" {
		return "empty response body"
	}
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

// isNotFound reports whether err is a rejection with status 404.
func isNotFound(err error) bool {
	var rej *nlu.RemoteRejectionError
	return errors.As(err, &rej) && rej.StatusCode == http.StatusNotFound
}
