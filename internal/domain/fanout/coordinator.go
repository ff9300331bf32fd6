// Package fanout delivers committed transitions to the search index, the
// integration listeners and the metrics collector. Nothing here can fail a
// transition: the store write has already committed when Dispatch is called.
package fanout

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/crvs/workflow/internal/domain/record"
	"github.com/crvs/workflow/internal/platform/metrics"
	"github.com/crvs/workflow/internal/platform/webhook"
)

// Downstream names used in logs, metrics and the reconciliation ledger.
const (
	DownstreamSearch    = "search"
	DownstreamListeners = "integration"
	DownstreamKafka     = "kafka"
	DownstreamCollector = "metrics"
)

// Notice is one committed transition.
type Notice struct {
	Event  string
	Record *record.Record
	Facts  record.Facts
	// Token is the caller's bearer token, forwarded to listeners that ask for it.
	Token string
}

// Indexer writes a search document. version orders writes for one id: an
// older version never replaces a newer one. 0 means unversioned.
type Indexer interface {
	Index(ctx context.Context, id string, version int64, doc any) error
}

type Listeners interface {
	Deliver(ctx context.Context, ev webhook.Event) ([]webhook.Result, error)
}

type Publisher interface {
	Publish(ctx context.Context, key string, value []byte, headers map[string]string) error
}

type Collector interface {
	Post(ctx context.Context, event string, payload any, token string) error
}

// FailureLedger remembers records whose search document is stale.
type FailureLedger interface {
	Record(ctx context.Context, compositionID, event string, attempts int, cause string) error
}

type Option func(*Coordinator)

func WithIndexer(i Indexer) Option { return func(c *Coordinator) { c.indexer = i } }
func WithListeners(l Listeners) Option { return func(c *Coordinator) { c.listeners = l } }
func WithPublisher(p Publisher) Option { return func(c *Coordinator) { c.publisher = p } }
func WithCollector(col Collector) Option { return func(c *Coordinator) { c.collector = col } }
func WithLedger(l FailureLedger) Option { return func(c *Coordinator) { c.ledger = l } }
func WithLogger(l zerolog.Logger) Option { return func(c *Coordinator) { c.logger = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(c *Coordinator) { c.metrics = m } }
func WithBackoff(d time.Duration) Option { return func(c *Coordinator) { c.backoff = d } }
func WithSearchAttempts(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.searchAttempts = n
		}
	}
}

// Coordinator runs each Dispatch in the background. Wait or Shutdown drain
// in-flight work before the process exits.
type Coordinator struct {
	indexer   Indexer
	listeners Listeners
	publisher Publisher
	collector Collector
	ledger    FailureLedger

	searchAttempts int
	backoff        time.Duration
	logger         zerolog.Logger
	metrics        *metrics.Metrics

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		searchAttempts: 3,
		backoff:        200 * time.Millisecond,
		logger:         zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Dispatch returns immediately. The caller's cancellation does not reach
// the deliveries.
func (c *Coordinator) Dispatch(ctx context.Context, n Notice) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.logger.Warn().Str("composition_id", n.Facts.CompositionID).Str("event", n.Event).
			Msg("fan-out after shutdown dropped")
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	go func() {
		defer c.wg.Done()
		c.run(ctx, n)
	}()
}

func (c *Coordinator) run(ctx context.Context, n Notice) {
	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed []string
	)
	deliver := func(downstream string, fn func(context.Context, Notice) error) {
		g.Go(func() error {
			err := fn(ctx, n)
			if err != nil {
				mu.Lock()
				failed = append(failed, downstream)
				mu.Unlock()
			}
			return err
		})
	}
	if c.indexer != nil {
		deliver(DownstreamSearch, c.index)
	}
	if c.listeners != nil {
		deliver(DownstreamListeners, c.forward)
	}
	if c.publisher != nil {
		deliver(DownstreamKafka, c.publish)
	}
	if c.collector != nil {
		deliver(DownstreamCollector, c.post)
	}
	// Wait returns the first failure; every delivery still runs to the end.
	if err := g.Wait(); err != nil {
		sort.Strings(failed)
		c.metrics.IncFanoutIncomplete()
		c.logger.Warn().Err(err).
			Str("composition_id", n.Record.ID()).
			Str("event", n.Event).
			Strs("failed_downstreams", failed).
			Msg("fan-out incomplete")
	}
}

func (c *Coordinator) index(ctx context.Context, n Notice) error {
	id := n.Record.ID()
	version := n.Record.Task.Version()
	doc := record.IndexDocument(n.Record)
	var err error
	for attempt := 1; attempt <= c.searchAttempts; attempt++ {
		start := time.Now()
		err = c.indexer.Index(ctx, id, version, doc)
		if err == nil {
			c.metrics.ObserveFanout(DownstreamSearch, time.Since(start), nil)
			return nil
		}
		c.failed(DownstreamSearch, n, attempt, err)
		if attempt < c.searchAttempts && !sleep(ctx, c.backoff*time.Duration(attempt)) {
			break
		}
	}
	c.metrics.ObserveFanout(DownstreamSearch, 0, err)
	if c.ledger == nil {
		return err
	}
	if lerr := c.ledger.Record(ctx, id, n.Event, c.searchAttempts, err.Error()); lerr != nil {
		c.logger.Error().Err(lerr).Str("composition_id", id).Msg("reconciliation ledger write failed")
	}
	return err
}

func (c *Coordinator) forward(ctx context.Context, n Notice) error {
	payload, err := bundleJSON(n.Record)
	if err != nil {
		c.failed(DownstreamListeners, n, 1, err)
		return err
	}
	start := time.Now()
	results, err := c.listeners.Deliver(ctx, webhook.Event{
		ID:        uuid.NewString(),
		Type:      EventName(n),
		RecordID:  n.Record.ID(),
		Payload:   payload,
		Token:     n.Token,
		Timestamp: n.Facts.At,
	})
	if err == nil {
		err = webhook.Failed(results)
	}
	c.metrics.ObserveFanout(DownstreamListeners, time.Since(start), err)
	if err != nil {
		c.failed(DownstreamListeners, n, 1, err)
	}
	return err
}

// kafkaMessage is the value published for each committed transition.
type kafkaMessage struct {
	Facts  record.Facts    `json:"facts"`
	Bundle json.RawMessage `json:"bundle"`
}

func (c *Coordinator) publish(ctx context.Context, n Notice) error {
	bundle, err := bundleJSON(n.Record)
	var value []byte
	if err == nil {
		value, err = json.Marshal(kafkaMessage{Facts: n.Facts, Bundle: bundle})
	}
	if err != nil {
		c.failed(DownstreamKafka, n, 1, err)
		return err
	}
	start := time.Now()
	err = c.publisher.Publish(ctx, n.Record.ID(), value, map[string]string{
		"event":      n.Event,
		"event-type": n.Facts.EventType,
	})
	c.metrics.ObserveFanout(DownstreamKafka, time.Since(start), err)
	if err != nil {
		c.failed(DownstreamKafka, n, 1, err)
	}
	return err
}

func (c *Coordinator) post(ctx context.Context, n Notice) error {
	start := time.Now()
	err := c.collector.Post(ctx, n.Event, n.Facts, n.Token)
	c.metrics.ObserveFanout(DownstreamCollector, time.Since(start), err)
	if err != nil {
		c.failed(DownstreamCollector, n, 1, err)
	}
	return err
}

func (c *Coordinator) failed(downstream string, n Notice, attempt int, err error) {
	c.logger.Warn().Err(err).
		Str("composition_id", n.Record.ID()).
		Str("downstream", downstream).
		Int("attempt", attempt).
		Str("event", n.Event).
		Msg("fan-out delivery failed")
}

// EventName is the listener event type, e.g. BIRTH.MARK_REGISTERED.
func EventName(n Notice) string {
	if n.Facts.EventType == "" {
		return n.Event
	}
	return n.Facts.EventType + "." + n.Event
}

func bundleJSON(rec *record.Record) (json.RawMessage, error) {
	b, err := rec.ToBundle()
	if err != nil {
		return nil, err
	}
	return json.Marshal(b)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Wait blocks until every dispatched notice has been delivered or given up.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Shutdown refuses new notices and waits for in-flight ones until ctx ends.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
