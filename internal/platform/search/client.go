// Package search writes documents to an Elasticsearch-compatible index.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

type Client struct {
	baseURL string
	index   string
	http    *http.Client
}

func New(baseURL, index string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		index:   index,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Index upserts doc under id. A positive version is sent as an external
// version, so a write older than the indexed document is refused by the
// cluster; that refusal is not an error.
func (c *Client) Index(ctx context.Context, id string, version int64, doc any) error {
	if id == "" {
		return fmt.Errorf("search: document id is required")
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("search: encode document: %w", err)
	}
	target := fmt.Sprintf("%s/%s/_doc/%s", c.baseURL, url.PathEscape(c.index), url.PathEscape(id))
	if version > 0 {
		target += "?" + url.Values{
			"version":      {strconv.FormatInt(version, 10)},
			"version_type": {"external"},
		}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("search: index %s: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusConflict && version > 0 {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("search: index %s: status %d: %s", id, resp.StatusCode, body)
	}
	return nil
}

// Ping checks that the cluster answers.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("search: ping: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("search: ping: status %d", resp.StatusCode)
	}
	return nil
}
