// Package keyserver talks to the diagnosis key server: it downloads
// published key batches, fetches the scoring configuration and uploads
// diagnosis keys.
package keyserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/okian/proxitrace/internal/domain/model"
	"github.com/okian/proxitrace/pkg/logger"
)

// Defaults.
const (
	DefaultTimeout         = 30 * time.Second
	DefaultRetries         = 3
	DefaultConcurrency     = 4
	DefaultHealthAuthority = "cz.covid19cz.erouska"

	indexPath         = "index.txt"
	configurationPath = "configuration.json"
	maxResponseBytes  = 10 << 20
	maxArchiveBytes   = 64 << 20
)

// Option configures a Client.
type Option func(*Client)

// WithUploadURL sets the endpoint diagnosis keys are published to.
func WithUploadURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.uploadURL = u
		}
	}
}

// WithConfigurationURL overrides where the scoring configuration is fetched.
func WithConfigurationURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.configURL = u
		}
	}
}

// WithHealthAuthority sets the authority identifier sent with uploads.
func WithHealthAuthority(id string) Option {
	return func(c *Client) {
		if id != "" {
			c.healthAuthority = id
		}
	}
}

// WithRetries sets how often a failed request is retried.
func WithRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.http.RetryMax = n
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.HTTPClient.Timeout = d
		}
	}
}

// WithHTTPClient replaces the underlying transport client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http.HTTPClient = hc
		}
	}
}

// WithTempDir sets the parent directory for extracted batches.
func WithTempDir(dir string) Option {
	return func(c *Client) {
		c.tempDir = dir
	}
}

// WithConcurrency bounds parallel batch downloads.
func WithConcurrency(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// Client is the key server client. It is safe for concurrent use.
type Client struct {
	baseURL         string
	uploadURL       string
	configURL       string
	healthAuthority string
	tempDir         string
	concurrency     int

	http   *retryablehttp.Client
	logger logger.Logger
}

// NewClient creates a client for the key export bucket at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	base := strings.TrimRight(baseURL, "/")
	rc := retryablehttp.NewClient()
	rc.RetryMax = DefaultRetries
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient = &http.Client{Timeout: DefaultTimeout}

	c := &Client{
		baseURL:         base,
		uploadURL:       base + "/v1/publish",
		configURL:       base + "/" + configurationPath,
		healthAuthority: DefaultHealthAuthority,
		concurrency:     DefaultConcurrency,
		http:            rc,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logger.Get().Named("keyserver")
	}
	rc.Logger = leveledLogger{l: c.logger}
	return c
}

// get performs a GET and returns the body, limited to limit bytes.
func (c *Client) get(ctx context.Context, url string, limit int64) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportErr(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: GET %s: unexpected status %d: %s", model.ErrNetwork, url, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, transportErr(ctx, err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: GET %s: response exceeds %d bytes", model.ErrNetwork, url, limit)
	}
	return body, nil
}

// transportErr classifies a request failure as cancellation or network error.
func transportErr(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", model.ErrCancelled, err)
	}
	return fmt.Errorf("%w: %w", model.ErrNetwork, err)
}

// leveledLogger adapts logger.Logger to retryablehttp.LeveledLogger.
type leveledLogger struct {
	l logger.Logger
}

func (a leveledLogger) fields(kv []interface{}) []logger.Field {
	out := make([]logger.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logger.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}

func (a leveledLogger) Error(msg string, kv ...interface{}) {
	a.l.Error(context.Background(), msg, a.fields(kv)...)
}

func (a leveledLogger) Info(msg string, kv ...interface{}) {
	a.l.Debug(context.Background(), msg, a.fields(kv)...)
}

func (a leveledLogger) Debug(msg string, kv ...interface{}) {
	a.l.Debug(context.Background(), msg, a.fields(kv)...)
}

func (a leveledLogger) Warn(msg string, kv ...interface{}) {
	a.l.Warn(context.Background(), msg, a.fields(kv)...)
}
