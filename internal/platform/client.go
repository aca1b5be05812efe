// Package platform is a client for the management REST API exposed by a
// sandboxed log platform instance (splunkd on port 8089).
package platform

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Option configures a Client.
type Option func(*Client)

// RetryConfig configures retry behaviour for requests answered with 5xx or
// failing at the transport level.
type RetryConfig struct {
	MaxRetries int
	RetryDelay time.Duration
}

// Client talks to one platform instance. After creation it is immutable and
// safe for concurrent use.
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client

	timeout      time.Duration
	retryConfig  RetryConfig
	pollInterval time.Duration
}

// NewClient returns a client for the management endpoint at baseURL
// (e.g. https://127.0.0.1:8089).
func NewClient(baseURL string, opts ...Option) *Client {
	client := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: 30 * time.Second,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		retryConfig: RetryConfig{
			MaxRetries: 2,
			RetryDelay: time.Second,
		},
		pollInterval: 2 * time.Second,
	}

	for _, opt := range opts {
		opt(client)
	}
	return client
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout <= 0 {
			return
		}
		c.timeout = timeout
		c.httpClient.Timeout = timeout
	}
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(config RetryConfig) Option {
	return func(c *Client) {
		c.retryConfig = config
	}
}

// WithCredentials sets the basic-auth credentials.
func WithCredentials(username, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// WithInsecureTLS disables certificate verification. Sandbox instances serve
// self-signed certificates.
func WithInsecureTLS() Option {
	return func(c *Client) {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
		c.httpClient.Transport = transport
	}
}

// WithPollInterval sets how often search jobs are polled.
func WithPollInterval(interval time.Duration) Option {
	return func(c *Client) {
		if interval > 0 {
			c.pollInterval = interval
		}
	}
}

// BaseURL returns the configured management endpoint.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// NewRequest creates a request with auth and JSON output mode applied.
func (c *Client) NewRequest(ctx context.Context, method, path string, form url.Values) (*http.Request, error) {
	endpoint := c.baseURL + path
	query := url.Values{"output_mode": []string{"json"}}

	var body io.Reader
	if method == http.MethodGet || method == http.MethodDelete {
		for k, v := range form {
			query[k] = v
		}
	} else if form != nil {
		body = strings.NewReader(form.Encode())
	}
	endpoint += "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	return req, nil
}

// Do executes a request with retry logic. The request is rebuilt for each
// attempt so bodies can be replayed.
func (c *Client) Do(ctx context.Context, method, path string, form url.Values) (*http.Response, error) {
	var (
		resp *http.Response
		err  error
	)

	for attempt := 0; attempt <= c.retryConfig.MaxRetries; attempt++ {
		var req *http.Request
		req, err = c.NewRequest(ctx, method, path, form)
		if err != nil {
			return nil, err
		}

		resp, err = c.httpClient.Do(req)
		if err == nil && resp.StatusCode < 500 {
			return resp, nil
		}
		if err != nil {
			err = &NetworkError{Err: err}
		}
		if ctx.Err() != nil {
			break
		}

		if attempt < c.retryConfig.MaxRetries {
			if resp != nil {
				resp.Body.Close()
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryConfig.RetryDelay * time.Duration(attempt+1)):
			}
		}
	}

	if err != nil {
		return nil, err
	}
	return resp, nil
}

// call performs a request and decodes a JSON body into out when non-nil.
// Statuses listed in accept are treated as success in addition to 2xx.
func (c *Client) call(ctx context.Context, method, path string, form url.Values, out any, accept ...int) (int, error) {
	resp, err := c.Do(ctx, method, path, form)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	for _, status := range accept {
		if resp.StatusCode == status {
			ok = true
		}
	}
	if !ok {
		return resp.StatusCode, newAPIError(resp.StatusCode, payload)
	}

	if out != nil && len(payload) > 0 && resp.StatusCode < 300 {
		if err := json.Unmarshal(payload, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}
