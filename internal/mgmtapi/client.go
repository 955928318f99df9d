// Package mgmtapi is the HTTP client for the mesh management service.
package mgmtapi

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

	"github.com/matcala/cs-e4300-wireguard-mesh/internal/state"
	"github.com/matcala/cs-e4300-wireguard-mesh/pkg/clients"

	"github.com/failsafe-go/failsafe-go"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	OpRenewToken   = "renew_token"
	OpPublishKey   = "publish_key"
	OpFetchConfig  = "fetch_config"
	maxBodyBytes   = 1 << 20
	DefaultTimeout = 10 * time.Second
)

// APIError is a failed management API call. Every APIError is transient
// from the agent's point of view: it is logged and retried on the next tick.
type APIError struct {
	Op         string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: management api returned status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a management API failure.
func IsTransient(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

// Client talks to one management server on behalf of one device.
type Client struct {
	baseURL      string
	client       *http.Client
	timeout      time.Duration
	httpExecutor failsafe.Executor[*http.Response]
	shouldRetry  func(resp *http.Response, err error) bool
	durations    *prometheus.HistogramVec
}

type Option func(*Client)

// NewClient builds a client whose requests are bounded by a timeout and run
// through a single-attempt failsafe executor unless configured otherwise.
func NewClient(baseURL string, opts ...Option) *Client {
	execCfg := clients.DefaultHTTPExecutorConfig()
	execCfg.MaxRetries = 0
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		timeout:      DefaultTimeout,
		httpExecutor: clients.NewHTTPExecutor(execCfg),
		shouldRetry:  execCfg.ShouldRetry,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: c.timeout, Transport: clients.SharedTransport()}
	}
	return c
}

// WithTimeout bounds every request, including retries.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.client = httpClient
		}
	}
}

func WithHTTPExecutorConfig(cfg clients.HTTPExecutorConfig) Option {
	return func(c *Client) {
		c.httpExecutor = clients.NewHTTPExecutor(cfg)
		c.shouldRetry = cfg.ShouldRetry
		if c.shouldRetry == nil {
			c.shouldRetry = clients.DefaultShouldRetry
		}
	}
}

// WithDurationHistogram records request latency labelled by operation.
func WithDurationHistogram(h *prometheus.HistogramVec) Option {
	return func(c *Client) {
		c.durations = h
	}
}

func (c *Client) doRequest(ctx context.Context, op string, build func(ctx context.Context) (*http.Request, error)) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	start := time.Now()
	lastStatus := 0
	resp, err := clients.ExecuteHTTP(ctx, c.httpExecutor, func() (*http.Response, error) {
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		resp, err := c.client.Do(req)
		if resp != nil {
			lastStatus = resp.StatusCode
		}
		if c.shouldRetry != nil && c.shouldRetry(resp, err) {
			if resp != nil && resp.Body != nil {
				// Drain so the status survives while the connection is released.
				_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
				_ = resp.Body.Close()
			}
		}
		return resp, err
	})
	if c.durations != nil {
		c.durations.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		cancel()
		if resp != nil {
			_ = resp.Body.Close()
		}
		return nil, &APIError{Op: op, StatusCode: lastStatus, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		cancel()
		return nil, &APIError{Op: op, StatusCode: resp.StatusCode}
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func (c *Client) newRequest(ctx context.Context, method, path, bearer string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.New().String())
	return req, nil
}

type tokenResponse struct {
	Token    string      `json:"token"`
	ExpiryTS json.Number `json:"expiry_ts"`
}

// RenewToken exchanges the current bearer token for a fresh credential.
func (c *Client) RenewToken(ctx context.Context, deviceID, bearer string) (state.Credential, error) {
	path := fmt.Sprintf("/devices/%s/token", url.PathEscape(deviceID))
	resp, err := c.doRequest(ctx, OpRenewToken, func(ctx context.Context) (*http.Request, error) {
		return c.newRequest(ctx, http.MethodGet, path, bearer, nil)
	})
	if err != nil {
		return state.Credential{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	var body tokenResponse
	dec := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return state.Credential{}, &APIError{Op: OpRenewToken, Err: fmt.Errorf("decode token response: %w", err)}
	}
	if body.Token == "" {
		return state.Credential{}, &APIError{Op: OpRenewToken, Err: errors.New("token response carries no token")}
	}
	expiry, err := parseExpiry(body.ExpiryTS)
	if err != nil {
		return state.Credential{}, &APIError{Op: OpRenewToken, Err: err}
	}
	return state.Credential{Token: body.Token, ExpiresAt: expiry}, nil
}

func parseExpiry(n json.Number) (int64, error) {
	if n == "" {
		return 0, nil
	}
	if v, err := n.Int64(); err == nil {
		return v, nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, fmt.Errorf("invalid expiry_ts %q", n.String())
	}
	return int64(f), nil
}

// PublishPublicKey registers the device's public key with the server.
func (c *Client) PublishPublicKey(ctx context.Context, deviceID, bearer, publicKey string) error {
	path := fmt.Sprintf("/devices/%s", url.PathEscape(deviceID))
	body, err := json.Marshal(map[string]string{"public_key": publicKey})
	if err != nil {
		return err
	}
	resp, err := c.doRequest(ctx, OpPublishKey, func(ctx context.Context) (*http.Request, error) {
		return c.newRequest(ctx, http.MethodPut, path, bearer, body)
	})
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
	return resp.Body.Close()
}

// FetchPeerConfig returns the raw peer-configuration block computed by the
// server for this device.
func (c *Client) FetchPeerConfig(ctx context.Context, overlayID, deviceID, bearer string) (string, error) {
	path := fmt.Sprintf("/overlays/%s/devices/%s/wgconfig", url.PathEscape(overlayID), url.PathEscape(deviceID))
	resp, err := c.doRequest(ctx, OpFetchConfig, func(ctx context.Context) (*http.Request, error) {
		return c.newRequest(ctx, http.MethodGet, path, bearer, nil)
	})
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", &APIError{Op: OpFetchConfig, Err: fmt.Errorf("read peer config: %w", err)}
	}
	return string(data), nil
}
