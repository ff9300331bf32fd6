// Package hearth is a small REST client for the Hearth FHIR store, the
// durability boundary of the workflow engine.
package hearth

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

	"github.com/crvs/workflow/internal/platform/fhir"
)

var (
	ErrNotFound        = errors.New("hearth: resource not found")
	ErrVersionConflict = errors.New("hearth: version conflict")
)

// StatusError is returned for any other non-2xx response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("hearth: unexpected status %d: %s", e.Status, e.Body)
}

const contentType = "application/fhir+json"

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithTimeout sets the timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.http.Timeout = d }
}

type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the FHIR base URL, e.g. http://hearth:3447/fhir.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, []byte, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Accept", contentType)
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("hearth %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("hearth %s %s: read body: %w", method, path, err)
	}
	return resp, data, nil
}

func statusErr(status int, body []byte) error {
	switch status {
	case http.StatusNotFound, http.StatusGone:
		return ErrNotFound
	case http.StatusConflict, http.StatusPreconditionFailed:
		return ErrVersionConflict
	}
	if len(body) > 512 {
		body = body[:512]
	}
	return &StatusError{Status: status, Body: string(body)}
}

// Read fetches one resource as raw JSON.
func (c *Client) Read(ctx context.Context, resourceType, id string) ([]byte, error) {
	resp, body, err := c.do(ctx, http.MethodGet, "/"+resourceType+"/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusErr(resp.StatusCode, body)
	}
	return body, nil
}

// Search runs a type-level search and returns the searchset bundle.
func (c *Client) Search(ctx context.Context, resourceType string, params url.Values) (*fhir.Bundle, error) {
	path := "/" + resourceType
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	resp, body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusErr(resp.StatusCode, body)
	}
	return fhir.ParseBundle(body)
}

// Transaction posts a transaction bundle. The store applies it atomically; a
// failed ifMatch precondition is reported as ErrVersionConflict.
func (c *Client) Transaction(ctx context.Context, b *fhir.Bundle) (*fhir.Bundle, error) {
	payload, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}
	resp, body, err := c.do(ctx, http.MethodPost, "", payload)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusErr(resp.StatusCode, body)
	}
	out, err := fhir.ParseBundle(body)
	if err != nil {
		return nil, fmt.Errorf("decode transaction response: %w", err)
	}
	for _, e := range out.Entry {
		if e.Response == nil {
			continue
		}
		if code := leadingStatus(e.Response.Status); code == http.StatusConflict || code == http.StatusPreconditionFailed {
			return nil, ErrVersionConflict
		}
	}
	return out, nil
}

func leadingStatus(s string) int {
	var code int
	fmt.Sscanf(s, "%d", &code)
	return code
}

// ForwardRequest is an inbound request relayed without modification.
type ForwardRequest struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
}

type ForwardResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

var forwardedHeaders = []string{"Content-Type", "Accept", "Authorization", "If-Match", "If-None-Exist", "If-None-Match", "Prefer"}

// Forward relays req to the store byte-for-byte. Path is relative to the FHIR
// base, e.g. /Patient/123.
func (c *Client) Forward(ctx context.Context, req ForwardRequest) (*ForwardResponse, error) {
	target := c.baseURL + req.Path
	if req.RawQuery != "" {
		target += "?" + req.RawQuery
	}
	var rdr io.Reader
	if req.Body != nil {
		rdr = bytes.NewReader(req.Body)
	}
	out, err := http.NewRequestWithContext(ctx, req.Method, target, rdr)
	if err != nil {
		return nil, err
	}
	for _, h := range forwardedHeaders {
		if v := req.Header.Values(h); len(v) > 0 {
			out.Header[h] = append([]string(nil), v...)
		}
	}
	resp, err := c.http.Do(out)
	if err != nil {
		return nil, fmt.Errorf("hearth forward %s %s: %w", req.Method, req.Path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("hearth forward: read body: %w", err)
	}
	return &ForwardResponse{Status: resp.StatusCode, Header: resp.Header.Clone(), Body: body}, nil
}

// Ping checks that the store answers its capability statement.
func (c *Client) Ping(ctx context.Context) error {
	resp, body, err := c.do(ctx, http.MethodGet, "/metadata", nil)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return statusErr(resp.StatusCode, body)
	}
	return nil
}
