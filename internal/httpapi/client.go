package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidClientConfig = errors.New("httpapi: invalid client config")

// APIError is a non-2xx response from the server.
type APIError struct {
	Status      int
	Code        string
	Reason      string
	Recoverable bool
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("httpapi: status %d: %s: %s", e.Status, e.Code, e.Reason)
	}
	return fmt.Sprintf("httpapi: status %d: %s", e.Status, e.Code)
}

type ClientOption func(*Client) error

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidClientConfig)
		}
		c.hc = hc
		return nil
	}
}

func WithMaxResponseBytes(n int64) ClientOption {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidClientConfig)
		}
		c.maxRespBytes = n
		return nil
	}
}

type Client struct {
	baseURL      *url.URL
	authToken    string
	hc           *http.Client
	maxRespBytes int64
}

func NewClient(baseURL string, authToken string, opts ...ClientOption) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("%w: missing base url", ErrInvalidClientConfig)
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse base url: %v", ErrInvalidClientConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidClientConfig, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidClientConfig)
	}

	c := &Client{
		baseURL:      u,
		authToken:    authToken,
		hc:           &http.Client{Timeout: 5 * time.Minute},
		maxRespBytes: 1 << 20, // 1 MiB
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodGet, "/v1/status", nil, nil, &out)
	return out, err
}

func (c *Client) Prepare(ctx context.Context, req PrepareRequest) (PreviewResponse, error) {
	var out PreviewResponse
	err := c.do(ctx, http.MethodPost, "/v1/prepare", nil, req, &out)
	return out, err
}

func (c *Client) SetPercent(ctx context.Context, percent uint8) (AmountsResponse, error) {
	var out AmountsResponse
	err := c.do(ctx, http.MethodPost, "/v1/percent", nil, PercentRequest{Percent: percent}, &out)
	return out, err
}

// SetAmount selects the share by an exact amount; input is "liquidity", "amount_a" or "amount_b".
func (c *Client) SetAmount(ctx context.Context, input string, amount string) (AmountsResponse, error) {
	var out AmountsResponse
	err := c.do(ctx, http.MethodPost, "/v1/amount", nil, AmountRequest{Input: input, Amount: amount}, &out)
	return out, err
}

func (c *Client) Confirm(ctx context.Context) (RecordResponse, error) {
	var out RecordResponse
	err := c.do(ctx, http.MethodPost, "/v1/confirm", nil, WaitRequest{}, &out)
	return out, err
}

func (c *Client) Wait(ctx context.Context, timeoutSeconds int) (RecordResponse, error) {
	var out RecordResponse
	err := c.do(ctx, http.MethodPost, "/v1/wait", nil, WaitRequest{TimeoutSeconds: timeoutSeconds}, &out)
	return out, err
}

func (c *Client) Retry(ctx context.Context) (PreviewResponse, error) {
	var out PreviewResponse
	err := c.do(ctx, http.MethodPost, "/v1/retry", nil, WaitRequest{}, &out)
	return out, err
}

func (c *Client) Dismiss(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodPost, "/v1/dismiss", nil, nil, &out)
	return out, err
}

func (c *Client) History(ctx context.Context, limit int) (HistoryResponse, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out HistoryResponse
	err := c.do(ctx, http.MethodGet, "/v1/history", q, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, suffix string, query url.Values, in, out any) error {
	if c == nil || c.baseURL == nil || c.hc == nil {
		return fmt.Errorf("%w: nil client", ErrInvalidClientConfig)
	}

	u := *c.baseURL
	u.Path = joinPath(u.Path, suffix)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("httpapi: marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	r, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("httpapi: build request: %w", err)
	}
	if in != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	r.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		r.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.hc.Do(r)
	if err != nil {
		return fmt.Errorf("httpapi: http do: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := readAllLimited(resp.Body, c.maxRespBytes)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Status: resp.StatusCode, Code: strings.TrimSpace(string(respBody))}
		var er ErrorResponse
		if json.Unmarshal(respBody, &er) == nil && er.Error != "" {
			apiErr.Code = er.Error
			apiErr.Reason = er.Reason
			apiErr.Recoverable = er.Recoverable
		}
		if apiErr.Code == "" {
			apiErr.Code = resp.Status
		}
		return apiErr
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("httpapi: unmarshal response: %w", err)
	}
	return nil
}

func joinPath(basePath string, suffix string) string {
	// path.Join cleans up redundant slashes, but preserves a leading slash.
	if basePath == "" {
		basePath = "/"
	}
	return path.Join(basePath, suffix)
}

func readAllLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("httpapi: read response: %w", err)
	}
	if int64(len(b)) > maxBytes {
		return nil, fmt.Errorf("httpapi: response too large")
	}
	return b, nil
}
