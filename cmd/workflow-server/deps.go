package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/crvs/workflow/internal/config"
	"github.com/crvs/workflow/internal/domain/fanout"
	"github.com/crvs/workflow/internal/domain/reconcile"
	"github.com/crvs/workflow/internal/domain/regnum"
	"github.com/crvs/workflow/internal/domain/workflow"
	"github.com/crvs/workflow/internal/platform/collector"
	"github.com/crvs/workflow/internal/platform/db"
	"github.com/crvs/workflow/internal/platform/hearth"
	"github.com/crvs/workflow/internal/platform/kafka"
	"github.com/crvs/workflow/internal/platform/metrics"
	"github.com/crvs/workflow/internal/platform/redis"
	"github.com/crvs/workflow/internal/platform/search"
	"github.com/crvs/workflow/internal/platform/webhook"
)

// dependencies is built once per process and handed to the server or the
// reconcile command.
type dependencies struct {
	hearth    *hearth.Client
	search    *search.Client
	producer  *kafka.Producer
	redis     *redis.Client
	pool      *pgxpool.Pool
	listeners *webhook.Manager
	metrics   *metrics.Metrics

	coordinator *fanout.Coordinator
	service     *workflow.Service
	sweeper     *reconcile.Sweeper
}

func build(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*dependencies, error) {
	d := &dependencies{metrics: metrics.New()}
	httpClient := &http.Client{Timeout: cfg.HTTPClientTimeout}

	d.hearth = hearth.New(cfg.HearthURL, hearth.WithHTTPClient(httpClient))

	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		d.pool = pool
		logger.Info().Msg("connected to database")
	}

	rc, err := redis.New(ctx, cfg.RedisURL, cfg.HTTPClientTimeout)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.redis = rc

	if len(cfg.KafkaBrokers) > 0 {
		p, err := kafka.New(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.producer = p
	}

	counter, err := d.counter(cfg)
	if err != nil {
		d.Close()
		return nil, err
	}
	registry, err := newRegistry(counter, cfg.RegistrationNumberStrategy)
	if err != nil {
		d.Close()
		return nil, err
	}

	var (
		ledger   reconcile.Ledger
		webhooks webhook.Store
	)
	if d.pool != nil {
		ledger = reconcile.NewPGLedger(d.pool)
		webhooks = webhook.NewPGStore(d.pool)
	} else {
		ledger = reconcile.NewMemoryLedger()
		webhooks = webhook.NewMemoryStore()
	}
	d.listeners = webhook.NewManager(webhooks, webhook.WithHTTPClient(httpClient))

	opts := []fanout.Option{
		fanout.WithListeners(d.listeners),
		fanout.WithLedger(ledger),
		fanout.WithLogger(logger.With().Str("component", "fanout").Logger()),
		fanout.WithMetrics(d.metrics),
		fanout.WithSearchAttempts(cfg.SearchRetryAttempts),
	}
	// Unconfigured downstreams stay nil interfaces, not typed nils.
	if cfg.SearchURL != "" {
		d.search = search.New(cfg.SearchURL, cfg.SearchIndex, search.WithHTTPClient(httpClient))
		opts = append(opts, fanout.WithIndexer(d.search))
	}
	if d.producer != nil {
		opts = append(opts, fanout.WithPublisher(d.producer))
	}
	if cfg.MetricsURL != "" {
		opts = append(opts, fanout.WithCollector(collector.New(cfg.MetricsURL, collector.WithHTTPClient(httpClient))))
	}
	d.coordinator = fanout.NewCoordinator(opts...)

	store := workflow.NewHearthStore(d.hearth)
	d.service = workflow.NewService(store, registry, d.coordinator,
		workflow.WithStrategy(cfg.RegistrationNumberStrategy),
		workflow.WithRetryAttempts(cfg.StoreRetryAttempts),
		workflow.WithExternalValidation(cfg.ExternalValidation),
		workflow.WithLocations(regnum.NewHearthResolver(d.hearth)),
		workflow.WithLogger(logger.With().Str("component", "workflow").Logger()),
		workflow.WithMetrics(d.metrics),
	)

	var indexer reconcile.Indexer = noIndexer{}
	if d.search != nil {
		indexer = d.search
	}
	d.sweeper = reconcile.NewSweeper(ledger, store, indexer,
		reconcile.WithBatchSize(cfg.ReconcileBatchSize),
		reconcile.WithNotFound(workflow.ErrNotFound),
		reconcile.WithLogger(logger.With().Str("component", "reconcile").Logger()),
		reconcile.WithMetrics(d.metrics),
	)
	return d, nil
}

func (d *dependencies) counter(cfg *config.Config) (regnum.Counter, error) {
	switch cfg.RegistrationCounter {
	case config.CounterRedis:
		if d.redis == nil {
			return nil, fmt.Errorf("redis counter selected but redis is not configured")
		}
		return regnum.NewRedisCounter(d.redis), nil
	case config.CounterPostgres:
		if d.pool == nil {
			return nil, fmt.Errorf("postgres counter selected but the database is not configured")
		}
		return regnum.NewPGCounter(d.pool), nil
	default:
		return regnum.NewMemoryCounter(), nil
	}
}

// newRegistry registers every strategy the process knows and fails when the
// configured code is not one of them.
func newRegistry(counter regnum.Counter, code string) (*regnum.Registry, error) {
	registry, err := regnum.NewRegistry(
		regnum.Default(),
		regnum.NewSequential(counter),
		regnum.NewJurisdiction(counter),
	)
	if err != nil {
		return nil, err
	}
	if !registry.Has(code) {
		return nil, fmt.Errorf("unknown registration number strategy %q (have %v)", code, registry.Codes())
	}
	return registry, nil
}

func (d *dependencies) checks() map[string]check {
	checks := map[string]check{"hearth": d.hearth.Ping}
	if d.search != nil {
		checks["search"] = d.search.Ping
	}
	if d.pool != nil {
		checks["database"] = db.Ping(d.pool)
	}
	if d.redis != nil {
		checks["redis"] = d.redis.Health
	}
	if d.producer != nil {
		checks["kafka"] = d.producer.Health
	}
	return checks
}

func (d *dependencies) Close() {
	if d.producer != nil {
		d.producer.Close()
	}
	if d.redis != nil {
		d.redis.Close()
	}
	if d.pool != nil {
		d.pool.Close()
	}
}

// seedOpenHIM registers the mediator as a listener for every event unless an
// endpoint with the same URL already exists.
func seedOpenHIM(ctx context.Context, m *webhook.Manager, cfg *config.Config) error {
	if cfg.OpenHIMURL == "" {
		return nil
	}
	endpoints, _, err := m.Store().ListEndpoints(ctx, 100, 0)
	if err != nil {
		return err
	}
	for _, ep := range endpoints {
		if ep.URL == cfg.OpenHIMURL {
			return nil
		}
	}
	_, err = m.Register(ctx, cfg.OpenHIMURL, cfg.IntegrationSecret, []string{"*"}, true)
	return err
}

type noIndexer struct{}

func (noIndexer) Index(context.Context, string, int64, any) error { return nil }
