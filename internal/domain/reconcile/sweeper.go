package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/crvs/workflow/internal/domain/record"
	"github.com/crvs/workflow/internal/platform/metrics"
)

// Loader reads the committed record from the FHIR store.
type Loader interface {
	Load(ctx context.Context, compositionID string) (*record.Record, error)
}

// Indexer writes a search document. version is the stored Task version, 0
// when it has none.
type Indexer interface {
	Index(ctx context.Context, id string, version int64, doc any) error
}

// Report summarises one sweep. Superseded counts entries that were
// re-indexed but re-recorded while the sweep ran; they stay pending.
type Report struct {
	Checked    int
	Resolved   int
	Failed     int
	Dropped    int
	Superseded int
}

type Option func(*Sweeper)

func WithBatchSize(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.batch = n
		}
	}
}

func WithLogger(l zerolog.Logger) Option { return func(s *Sweeper) { s.logger = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(s *Sweeper) { s.metrics = m } }

// WithNotFound sets the error the Loader returns for deleted records. Such
// entries are dropped instead of retried.
func WithNotFound(err error) Option { return func(s *Sweeper) { s.notFound = err } }

type Sweeper struct {
	ledger   Ledger
	loader   Loader
	indexer  Indexer
	batch    int
	notFound error
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

func NewSweeper(ledger Ledger, loader Loader, indexer Indexer, opts ...Option) *Sweeper {
	s := &Sweeper{ledger: ledger, loader: loader, indexer: indexer, batch: 100, logger: zerolog.Nop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run re-indexes one batch of pending records from their stored state.
func (s *Sweeper) Run(ctx context.Context) (Report, error) {
	var rep Report
	pending, err := s.ledger.Pending(ctx, s.batch)
	if err != nil {
		return rep, err
	}
	for _, f := range pending {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		rep.Checked++
		log := s.logger.With().Str("composition_id", f.CompositionID).Str("event", f.Event).Int("attempt", f.Attempts+1).Logger()

		rec, err := s.loader.Load(ctx, f.CompositionID)
		if err != nil && s.notFound != nil && errors.Is(err, s.notFound) {
			rep.Dropped++
			s.metrics.ObserveReconcile("dropped")
			log.Warn().Msg("record no longer exists; dropping reconciliation entry")
			if err := s.ledger.Resolve(ctx, f.CompositionID, f.UpdatedAt); err != nil && !errors.Is(err, ErrNotFound) {
				return rep, err
			}
			continue
		}
		if err == nil {
			err = s.indexer.Index(ctx, f.CompositionID, rec.Task.Version(), record.IndexDocument(rec))
		}
		if err != nil {
			rep.Failed++
			s.metrics.ObserveReconcile("failed")
			log.Warn().Err(err).Msg("re-index failed")
			if err := s.ledger.Bump(ctx, f.CompositionID, err.Error()); err != nil && !errors.Is(err, ErrNotFound) {
				return rep, err
			}
			continue
		}
		err = s.ledger.Resolve(ctx, f.CompositionID, f.UpdatedAt)
		switch {
		case errors.Is(err, ErrNotFound):
			rep.Superseded++
			s.metrics.ObserveReconcile("superseded")
			log.Debug().Msg("entry re-recorded during the sweep; left pending")
		case err != nil:
			return rep, err
		default:
			rep.Resolved++
			s.metrics.ObserveReconcile("resolved")
		}
	}
	return rep, nil
}

// Loop runs a sweep every interval until ctx is cancelled.
func (s *Sweeper) Loop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rep, err := s.Run(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("reconciliation sweep failed")
				continue
			}
			if rep.Checked > 0 {
				s.logger.Info().Int("checked", rep.Checked).Int("resolved", rep.Resolved).
					Int("failed", rep.Failed).Int("dropped", rep.Dropped).Int("superseded", rep.Superseded).
					Msg("reconciliation sweep")
			}
		}
	}
}
