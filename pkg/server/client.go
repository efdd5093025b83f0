package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/maxgio92/xmem/pkg/history"
)

const defaultClientTimeout = 10 * time.Second

// Client queries a running Server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultClientTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Tree returns the call-tree pruned at threshold bytes.
func (c *Client) Tree(ctx context.Context, threshold uint64) (history.FrameReport, error) {
	var report history.FrameReport
	q := url.Values{}
	q.Set("threshold", strconv.FormatUint(threshold, 10))
	err := c.get(ctx, "/v1/tree?"+q.Encode(), &report)

	return report, err
}

func (c *Client) Stats(ctx context.Context) (StatsResponse, error) {
	var resp StatsResponse
	err := c.get(ctx, "/v1/stats", &resp)

	return resp, err
}

func (c *Client) Pid(ctx context.Context) (int, error) {
	var resp PidResponse
	err := c.get(ctx, "/v1/pid", &resp)

	return resp.Pid, err
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "failed to query %s", c.baseURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return errors.Errorf("%s: %s", resp.Status, e.Error)
		}
		return errors.New(resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return errors.Wrap(err, "failed to decode response")
	}

	return nil
}
