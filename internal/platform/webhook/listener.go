// Package webhook delivers committed lifecycle events to integration
// listeners (OpenHIM and any registered subscriber). Payloads are signed
// with HMAC-SHA256 and every attempt is logged. Delivery failures are
// reported to the caller and never retried automatically.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

const (
	StatusActive = "active"
	StatusPaused = "paused"

	DeliverySuccess = "success"
	DeliveryFailed  = "failed"
)

// Endpoint is a registered listener.
type Endpoint struct {
	ID     string   `json:"id"`
	URL    string   `json:"url"`
	Secret string   `json:"secret,omitempty"`
	Events []string `json:"events"`
	Status string   `json:"status"`
	// ForwardToken passes the caller's bearer token through to the listener.
	ForwardToken bool      `json:"forward_token"`
	CreatedAt    time.Time `json:"created_at"`
}

// Delivery is one attempt to deliver an event to an endpoint.
type Delivery struct {
	ID           string        `json:"id"`
	EndpointID   string        `json:"endpoint_id"`
	EventType    string        `json:"event_type"`
	EventID      string        `json:"event_id"`
	RecordID     string        `json:"record_id"`
	Payload      []byte        `json:"payload"`
	Signature    string        `json:"signature"`
	StatusCode   int           `json:"status_code"`
	ResponseBody string        `json:"response_body"`
	Duration     time.Duration `json:"duration_ns"`
	Attempt      int           `json:"attempt"`
	Status       string        `json:"status"`
	Error        string        `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Event is a committed lifecycle event. Type has the form
// "{EVENT_TYPE}.{KIND}", for example "BIRTH.MARK_REGISTERED".
type Event struct {
	ID       string
	Type     string
	RecordID string
	Payload  json.RawMessage
	// Token is the bearer token of the request that produced the event.
	Token     string
	Timestamp time.Time
}

// Result summarises delivery to one endpoint.
type Result struct {
	EndpointID string `json:"endpoint_id"`
	Success    bool   `json:"success"`
	StatusCode int    `json:"status_code"`
	Error      string `json:"error,omitempty"`
}

// Store persists endpoints and the delivery log.
type Store interface {
	CreateEndpoint(ctx context.Context, ep *Endpoint) error
	GetEndpoint(ctx context.Context, id string) (*Endpoint, error)
	ListEndpoints(ctx context.Context, limit, offset int) ([]*Endpoint, int, error)
	UpdateEndpoint(ctx context.Context, ep *Endpoint) error
	DeleteEndpoint(ctx context.Context, id string) error
	RecordDelivery(ctx context.Context, d *Delivery) error
	ListDeliveries(ctx context.Context, endpointID string, limit, offset int) ([]*Delivery, int, error)
	GetDelivery(ctx context.Context, id string) (*Delivery, error)
}

func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func VerifySignature(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(SignPayload(payload, secret)), []byte(signature))
}

type Option func(*Manager)

func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpClient = c }
}

// Manager registers listeners and delivers events to them.
type Manager struct {
	store      Store
	httpClient *http.Client
	now        func() time.Time
}

func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Store exposes the backing store to the admin handler.
func (m *Manager) Store() Store { return m.store }

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return nil
	}
	return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
}

// Register validates and stores a listener. An empty secret is generated.
func (m *Manager) Register(ctx context.Context, rawURL, secret string, events []string, forwardToken bool) (*Endpoint, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("at least one event pattern is required")
	}
	if secret == "" {
		s, err := generateSecret()
		if err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}
		secret = s
	}
	ep := &Endpoint{
		ID:           uuid.NewString(),
		URL:          rawURL,
		Secret:       secret,
		Events:       events,
		Status:       StatusActive,
		ForwardToken: forwardToken,
		CreatedAt:    m.now().UTC(),
	}
	if err := m.store.CreateEndpoint(ctx, ep); err != nil {
		return nil, err
	}
	return ep, nil
}

func (m *Manager) setStatus(ctx context.Context, id, status string) error {
	ep, err := m.store.GetEndpoint(ctx, id)
	if err != nil {
		return err
	}
	ep.Status = status
	return m.store.UpdateEndpoint(ctx, ep)
}

func (m *Manager) Pause(ctx context.Context, id string) error { return m.setStatus(ctx, id, StatusPaused) }

func (m *Manager) Resume(ctx context.Context, id string) error { return m.setStatus(ctx, id, StatusActive) }

// eventMatches supports exact types, "*", "*.KIND" and "EVENT_TYPE.*".
func eventMatches(pattern, eventType string) bool {
	switch {
	case pattern == "*" || pattern == eventType:
		return true
	case strings.HasPrefix(pattern, "*."):
		return strings.HasSuffix(eventType, pattern[1:])
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	}
	return false
}

func (ep *Endpoint) wants(eventType string) bool {
	for _, p := range ep.Events {
		if eventMatches(p, eventType) {
			return true
		}
	}
	return false
}

const pageSize = 500

// Deliver sends ev to every active endpoint subscribed to its type.
func (m *Manager) Deliver(ctx context.Context, ev Event) ([]Result, error) {
	var results []Result
	for offset := 0; ; offset += pageSize {
		eps, total, err := m.store.ListEndpoints(ctx, pageSize, offset)
		if err != nil {
			return results, fmt.Errorf("list endpoints: %w", err)
		}
		for _, ep := range eps {
			if ep.Status != StatusActive || !ep.wants(ev.Type) {
				continue
			}
			d := m.DeliverToEndpoint(ctx, ep, ev)
			results = append(results, Result{
				EndpointID: ep.ID,
				Success:    d.Status == DeliverySuccess,
				StatusCode: d.StatusCode,
				Error:      d.Error,
			})
		}
		if offset+pageSize >= total {
			return results, nil
		}
	}
}

// Failed reports whether any result is a failure.
func Failed(results []Result) error {
	var errs []error
	for _, r := range results {
		if !r.Success {
			errs = append(errs, fmt.Errorf("endpoint %s: %s", r.EndpointID, r.Error))
		}
	}
	return errors.Join(errs...)
}

// DeliverToEndpoint POSTs the signed payload and records the attempt.
func (m *Manager) DeliverToEndpoint(ctx context.Context, ep *Endpoint, ev Event) *Delivery {
	return m.send(ctx, ep, ev, 1)
}

func (m *Manager) send(ctx context.Context, ep *Endpoint, ev Event, attempt int) *Delivery {
	now := m.now().UTC()
	d := &Delivery{
		ID:         uuid.NewString(),
		EndpointID: ep.ID,
		EventType:  ev.Type,
		EventID:    ev.ID,
		RecordID:   ev.RecordID,
		Payload:    ev.Payload,
		Signature:  SignPayload(ev.Payload, ep.Secret),
		Attempt:    attempt,
		CreatedAt:  now,
	}
	defer m.store.RecordDelivery(ctx, d)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(ev.Payload))
	if err != nil {
		d.Status, d.Error = DeliveryFailed, err.Error()
		return d
	}
	req.Header.Set("Content-Type", "application/fhir+json")
	req.Header.Set("X-Webhook-Signature", "sha256="+d.Signature)
	req.Header.Set("X-Webhook-ID", ep.ID)
	req.Header.Set("X-Webhook-Event", ev.Type)
	req.Header.Set("X-Webhook-Delivery", d.ID)
	req.Header.Set("X-Webhook-Timestamp", now.Format(time.RFC3339))
	if ev.RecordID != "" {
		req.Header.Set("X-Record-ID", ev.RecordID)
	}
	if ep.ForwardToken && ev.Token != "" {
		req.Header.Set("Authorization", "Bearer "+ev.Token)
	}

	start := time.Now()
	resp, err := m.httpClient.Do(req)
	d.Duration = time.Since(start)
	if err != nil {
		d.Status, d.Error = DeliveryFailed, err.Error()
		return d
	}
	defer resp.Body.Close()

	d.StatusCode = resp.StatusCode
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	d.ResponseBody = string(body)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.Status = DeliverySuccess
	} else {
		d.Status = DeliveryFailed
		d.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
	}
	return d
}

// Retry re-sends a logged delivery. The original bearer token is not kept,
// so retried deliveries are authenticated by signature only.
func (m *Manager) Retry(ctx context.Context, deliveryID string) (*Delivery, error) {
	orig, err := m.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, fmt.Errorf("delivery %s: %w", deliveryID, err)
	}
	ep, err := m.store.GetEndpoint(ctx, orig.EndpointID)
	if err != nil {
		return nil, fmt.Errorf("endpoint %s: %w", orig.EndpointID, err)
	}
	ev := Event{ID: orig.EventID, Type: orig.EventType, RecordID: orig.RecordID, Payload: orig.Payload}
	return m.send(ctx, ep, ev, orig.Attempt+1), nil
}

// Ping sends a synthetic event to one endpoint.
func (m *Manager) Ping(ctx context.Context, endpointID string) (*Delivery, error) {
	ep, err := m.store.GetEndpoint(ctx, endpointID)
	if err != nil {
		return nil, fmt.Errorf("endpoint %s: %w", endpointID, err)
	}
	return m.DeliverToEndpoint(ctx, ep, Event{
		ID:        uuid.NewString(),
		Type:      "listener.ping",
		Payload:   json.RawMessage(`{"resourceType":"Parameters"}`),
		Timestamp: m.now(),
	}), nil
}

func (m *Manager) Deliveries(ctx context.Context, endpointID string, limit, offset int) ([]*Delivery, int, error) {
	return m.store.ListDeliveries(ctx, endpointID, limit, offset)
}
