package httpclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/kasalink/internal/kasaerr"
	"github.com/muurk/kasalink/internal/logging"
	"github.com/muurk/kasalink/internal/version"
)

const (
	// DefaultTimeout is the default HTTP request timeout
	DefaultTimeout = 10 * time.Second

	// maxBodySize is the largest device response accepted
	maxBodySize = 4 << 20
)

// Response is a fully read device response
type Response struct {
	StatusCode int
	Body       []byte
	// Cookies holds every name=value pair found in Set-Cookie headers,
	// including ones firmware appends as pseudo attributes (TIMEOUT).
	Cookies map[string]string
}

// Client posts request bodies to one device and carries its session
// cookies. It is not safe for concurrent use; the protocol layer serializes
// access per device.
type Client struct {
	// Host is the device host, used for error context and logging
	Host string

	// HTTPClient is the underlying HTTP client
	HTTPClient *http.Client

	cookies map[string]string
}

// New creates a client for host. insecureTLS disables certificate checks,
// which is required for device self-signed certificates.
func New(host string, timeout time.Duration, insecureTLS bool) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if insecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // device certs are self-signed
	}
	return &Client{
		Host:       host,
		HTTPClient: &http.Client{Timeout: timeout, Transport: transport},
		cookies:    make(map[string]string),
	}
}

// NewWithHTTPClient wraps an existing http.Client (tests use httptest clients)
func NewWithHTTPClient(host string, hc *http.Client) *Client {
	return &Client{Host: host, HTTPClient: hc, cookies: make(map[string]string)}
}

// SetCookie stores a cookie sent with every following request
func (c *Client) SetCookie(name, value string) {
	c.cookies[name] = value
}

// Cookie returns a stored cookie
func (c *Client) Cookie(name string) (string, bool) {
	v, ok := c.cookies[name]
	return v, ok
}

// ClearCookies drops all stored cookies
func (c *Client) ClearCookies() {
	c.cookies = make(map[string]string)
}

// Post sends body to url and reads the whole response. Network failures are
// returned as classified kasaerr errors; HTTP status handling is left to the
// caller.
func (c *Client) Post(ctx context.Context, url string, body []byte, headers map[string]string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, kasaerr.NewConnectError("failed to create POST request", err).WithHost(c.Host)
	}
	req.Header.Set("User-Agent", version.UserAgent())
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if cookie := c.cookieHeader(); cookie != "" {
		req.Header.Set("Cookie", cookie)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, kasaerr.ClassifyNetworkError(err, c.Host)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		return nil, kasaerr.ClassifyNetworkError(err, c.Host)
	}
	if len(data) > maxBodySize {
		return nil, kasaerr.NewDecodeError(fmt.Sprintf("response body exceeds %d bytes", maxBodySize), nil).WithHost(c.Host)
	}

	logging.Debug("HTTP response",
		zap.String("host", c.Host),
		zap.String("url", url),
		zap.Int("status_code", resp.StatusCode),
		zap.Int("length", len(data)),
	)

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       data,
		Cookies:    parseSetCookies(resp.Header.Values("Set-Cookie")),
	}, nil
}

// Close releases idle connections
func (c *Client) Close() {
	c.HTTPClient.CloseIdleConnections()
}

func (c *Client) cookieHeader() string {
	if len(c.cookies) == 0 {
		return ""
	}
	names := make([]string, 0, len(c.cookies))
	for name := range c.cookies {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%s", name, c.cookies[name]))
	}
	return strings.Join(parts, "; ")
}

// parseSetCookies reads every key=value pair of every Set-Cookie header.
// Firmware sends "TP_SESSIONID=abc;TIMEOUT=1440", which net/http would
// treat as one cookie with an unknown attribute.
func parseSetCookies(values []string) map[string]string {
	out := make(map[string]string)
	for _, v := range values {
		for _, part := range strings.Split(v, ";") {
			name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
			if !ok || name == "" {
				continue
			}
			out[name] = value
		}
	}
	return out
}

// StatusError maps an unexpected HTTP status to an error. Server errors are
// retryable.
func StatusError(host string, statusCode int, stage string) *kasaerr.Error {
	return &kasaerr.Error{
		Type:      kasaerr.ErrTypeConnect,
		Message:   fmt.Sprintf("unexpected status code %d to %s", statusCode, stage),
		Host:      host,
		Retryable: statusCode >= 500,
	}
}
