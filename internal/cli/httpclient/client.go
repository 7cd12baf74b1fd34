// Package httpclient talks to the hypervisor status endpoint.
package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "apexhv/pkg/errors"
)

// ResponseInfo carries response details.
type ResponseInfo struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Envelope is the JSON wrapper every status API reply uses.
type Envelope struct {
	Code    apperrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
	Data    json.RawMessage     `json:"data"`
	BootID  string              `json:"boot_id"`
}

// Client wraps HTTP requests for the CLI.
type Client struct {
	baseURL string
	timeout time.Duration
}

func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
	}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) SetBaseURL(baseURL string) {
	c.baseURL = strings.TrimRight(baseURL, "/")
}

func (c *Client) Timeout() time.Duration {
	return c.timeout
}

func (c *Client) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		c.timeout = timeout
	}
}

// Get issues a GET request against path.
func (c *Client) Get(ctx context.Context, path string) (ResponseInfo, error) {
	var info ResponseInfo
	client := &http.Client{Timeout: c.timeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s%s", c.baseURL, path), nil)
	if err != nil {
		return info, apperrors.Wrapf(err, apperrors.InvalidParams, "build request failed: %v", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := client.Do(req)
	info.Duration = time.Since(start)
	if err != nil {
		return info, apperrors.Wrapf(err, apperrors.ServiceUnavailable, "request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	info.StatusCode = resp.StatusCode
	info.Headers = resp.Header
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return info, apperrors.Wrapf(err, apperrors.ServiceUnavailable, "read response body failed: %v", err)
	}
	info.Body = bodyBytes
	return info, nil
}

// Decode unwraps the envelope. A non-success code becomes an error carrying
// that code.
func Decode(info ResponseInfo) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(info.Body, &env); err != nil {
		return env, apperrors.Wrapf(err, apperrors.InternalError, "HTTP %d: unexpected response body", info.StatusCode)
	}
	if env.Code != apperrors.Success {
		return env, apperrors.Newf(env.Code, "%s", env.Message)
	}
	return env, nil
}
