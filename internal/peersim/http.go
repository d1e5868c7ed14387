package peersim

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/okian/proxitrace/internal/domain/model"
)

const maxBody = 4 << 20

// nodeClient talks to the node's HTTP API.
type nodeClient struct {
	base string
	http *retryablehttp.Client
}

func newNodeClient(base string, timeout time.Duration) *nodeClient {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = time.Second
	rc.HTTPClient.Timeout = timeout
	rc.Logger = nil
	return &nodeClient{base: strings.TrimRight(base, "/"), http: rc}
}

func (c *nodeClient) get(ctx context.Context, path string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("GET %s: reading body: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: unexpected status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// health checks the node is serving.
func (c *nodeClient) health(ctx context.Context) error {
	_, err := c.get(ctx, "/healthz")
	return err
}

// scans returns the node's live scan summaries.
func (c *nodeClient) scans(ctx context.Context) ([]model.ScanSummary, error) {
	body, err := c.get(ctx, "/scans")
	if err != nil {
		return nil, err
	}
	var out []model.ScanSummary
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: scans: %w", model.ErrDecodingFailed, err)
	}
	return out, nil
}
