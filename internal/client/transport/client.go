// Package transport carries push, pull and digest requests between a device
// and the sync server. Every request is retried with the same payload until
// the server gives a definitive answer or the context ends.
package transport

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

	"github.com/MarcoPoloResearchLab/momentum/internal/entities"
	"github.com/MarcoPoloResearchLab/momentum/internal/wire"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultRetryBase      = 250 * time.Millisecond
	defaultRetryCap       = 10 * time.Second
	defaultRetryElapsed   = 2 * time.Minute
	retryJitterPercent    = 20
	maxResponseBytes      = 16 << 20

	pathPush   = "/sync/push"
	pathPull   = "/sync/pull"
	pathDigest = "/sync/digest"
	pathEvents = "/sync/events"
)

var (
	// ErrTransport marks a failure that may succeed when retried unchanged.
	ErrTransport = errors.New("transport: server unreachable")
	// ErrUnauthorized means the bearer token was refused.
	ErrUnauthorized = errors.New("transport: unauthorized")
	// ErrCursorDivergence means the server no longer recognizes the pull cursor.
	ErrCursorDivergence = errors.New("transport: cursor divergence")
	// ErrRequestRejected means the server refused the request as malformed.
	ErrRequestRejected = errors.New("transport: request rejected")
	// ErrProtocol means the response did not have the expected shape.
	ErrProtocol = errors.New("transport: protocol violation")

	errMissingBaseURL = errors.New("transport: base url is required")
	errMissingDevice  = errors.New("transport: device id is required")
)

// TransportError describes a retryable failure. StatusCode is zero for
// network errors.
type TransportError struct {
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport: server answered %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport: %v", e.Err)
}

// Is lets callers match any TransportError against ErrTransport.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// StatusError carries a definitive non-2xx answer.
type StatusError struct {
	StatusCode int
	Message    string
	Code       string
	kind       error
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%v: %d %s (%s)", e.kind, e.StatusCode, e.Message, e.Code)
	}
	return fmt.Sprintf("%v: %d %s", e.kind, e.StatusCode, e.Message)
}

func (e *StatusError) Unwrap() error {
	return e.kind
}

// Config configures a Client.
type Config struct {
	BaseURL         string
	Token           string
	Device          entities.DeviceID
	HTTPClient      *http.Client
	RequestTimeout  time.Duration
	RetryBase       time.Duration
	RetryMaxElapsed time.Duration
	Logger          *zap.Logger
}

// Client talks to one sync server on behalf of one device.
type Client struct {
	baseURL      string
	token        string
	device       entities.DeviceID
	httpClient   *http.Client
	streamClient *http.Client
	retryBase    time.Duration
	retryElapsed time.Duration
	logger       *zap.Logger
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("transport: invalid base url: %w", err)
	}
	device, err := entities.NewDeviceID(cfg.Device.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMissingDevice, err)
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	streamClient := &http.Client{Transport: httpClient.Transport}

	retryBase := cfg.RetryBase
	if retryBase <= 0 {
		retryBase = defaultRetryBase
	}
	retryElapsed := cfg.RetryMaxElapsed
	if retryElapsed <= 0 {
		retryElapsed = defaultRetryElapsed
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:      baseURL,
		token:        strings.TrimSpace(cfg.Token),
		device:       device,
		httpClient:   httpClient,
		streamClient: streamClient,
		retryBase:    retryBase,
		retryElapsed: retryElapsed,
		logger:       logger,
	}, nil
}

// Push sends one batch. The response carries one result per record, in order.
func (c *Client) Push(ctx context.Context, batch []wire.PushMutation) (wire.PushResponse, error) {
	request := wire.PushRequest{Mutations: batch}
	if request.Mutations == nil {
		request.Mutations = []wire.PushMutation{}
	}
	var response wire.PushResponse
	if err := c.doWithRetry(ctx, http.MethodPost, pathPush, nil, request, &response); err != nil {
		return wire.PushResponse{}, err
	}
	if !response.OK || len(response.Results) != len(batch) {
		return wire.PushResponse{}, fmt.Errorf("%w: push returned %d results for %d records", ErrProtocol, len(response.Results), len(batch))
	}
	for index, result := range response.Results {
		if result.ID != batch[index].ID {
			return wire.PushResponse{}, fmt.Errorf("%w: push result %d is for %q, expected %q", ErrProtocol, index, result.ID, batch[index].ID)
		}
	}
	return response, nil
}

// Pull fetches the feed page that follows since. An empty since starts from
// the beginning of the current epoch.
func (c *Client) Pull(ctx context.Context, since string) (wire.PullResponse, error) {
	query := url.Values{}
	if since != "" {
		query.Set(wire.QuerySince, since)
	}
	var response wire.PullResponse
	if err := c.doWithRetry(ctx, http.MethodGet, pathPull, query, nil, &response); err != nil {
		return wire.PullResponse{}, err
	}
	if response.Mutations == nil {
		return wire.PullResponse{}, fmt.Errorf("%w: pull response has no mutations array", ErrProtocol)
	}
	if _, err := wire.ParseCursor(response.Cursor); err != nil {
		return wire.PullResponse{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return response, nil
}

// Digest fetches the server's per-kind state digests.
func (c *Client) Digest(ctx context.Context) (wire.DigestResponse, error) {
	var response wire.DigestResponse
	if err := c.doWithRetry(ctx, http.MethodGet, pathDigest, nil, nil, &response); err != nil {
		return wire.DigestResponse{}, err
	}
	if response.Kinds == nil {
		return wire.DigestResponse{}, fmt.Errorf("%w: digest response has no kinds", ErrProtocol)
	}
	return response, nil
}

func (c *Client) doWithRetry(ctx context.Context, method, path string, query url.Values, body, result any) error {
	backoff := retry.NewExponential(c.retryBase)
	backoff = retry.WithJitterPercent(retryJitterPercent, backoff)
	backoff = retry.WithCappedDuration(defaultRetryCap, backoff)
	backoff = retry.WithMaxDuration(c.retryElapsed, backoff)

	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := c.do(ctx, method, path, query, body, result)
		if errors.Is(err, ErrTransport) {
			c.logger.Debug("sync request failed, retrying",
				zap.String("path", path),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return retry.RetryableError(err)
		}
		return err
	})
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, result any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.decorate(request)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &TransportError{Err: err}
	}
	defer func() {
		_ = response.Body.Close()
	}()

	payload, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &TransportError{StatusCode: response.StatusCode, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return classifyStatus(response.StatusCode, payload)
	}

	if result != nil {
		if err := json.Unmarshal(payload, result); err != nil {
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
	}
	return nil
}

func (c *Client) decorate(request *http.Request) {
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}
	request.Header.Set(wire.HeaderDeviceID, c.device.String())
	request.Header.Set("Accept", "application/json")
}

func classifyStatus(status int, payload []byte) error {
	var body wire.ErrorResponse
	if err := json.Unmarshal(payload, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(payload))
	}

	switch {
	case status >= http.StatusInternalServerError || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout:
		return &TransportError{StatusCode: status, Err: errors.New(body.Error)}
	case status == http.StatusUnauthorized:
		return &StatusError{StatusCode: status, Message: body.Error, Code: body.Code, kind: ErrUnauthorized}
	case status == http.StatusConflict && body.Error == wire.ErrorCursorDivergence:
		return &StatusError{StatusCode: status, Message: body.Error, Code: body.Code, kind: ErrCursorDivergence}
	default:
		return &StatusError{StatusCode: status, Message: body.Error, Code: body.Code, kind: ErrRequestRejected}
	}
}
