package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/crvs/workflow/internal/config"
	"github.com/crvs/workflow/internal/domain/workflow"
	"github.com/crvs/workflow/internal/platform/auth"
	"github.com/crvs/workflow/internal/platform/db"
	"github.com/crvs/workflow/internal/platform/middleware"
	"github.com/crvs/workflow/internal/platform/webhook"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "workflow-server",
		Short: "Vital event registration workflow service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reconcileCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("service", "workflow").Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(level).With().Timestamp().Logger()
	}
	return logger
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the workflow HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			migrator, closePool, err := openMigrator(cmd.Context(), dir)
			if err != nil {
				return err
			}
			defer closePool()

			fmt.Printf("Running migrations on schema: %s\n", schema)
			count, err := migrator.Up(cmd.Context(), schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			migrator, closePool, err := openMigrator(cmd.Context(), dir)
			if err != nil {
				return err
			}
			defer closePool()

			statuses, err := migrator.Status(cmd.Context(), schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func openMigrator(ctx context.Context, dir string) (*db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required for migrations")
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, dir), pool.Close, nil
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Re-index records whose search update failed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx := cmd.Context()
			deps, err := build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer deps.Close()

			report, err := deps.sweeper.Run(ctx)
			if err != nil {
				return fmt.Errorf("reconcile: %w", err)
			}
			fmt.Printf("Checked %d, resolved %d, failed %d, dropped %d, superseded %d.\n",
				report.Checked, report.Resolved, report.Failed, report.Dropped, report.Superseded)
			return nil
		},
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	deps, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build dependencies")
	}
	defer deps.Close()

	if err := seedOpenHIM(ctx, deps.listeners, cfg); err != nil {
		logger.Warn().Err(err).Msg("failed to register OpenHIM listener")
	}

	e := newEcho(cfg, deps, logger)

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	if cfg.ReconcileInterval > 0 {
		go deps.sweeper.Loop(sweepCtx, cfg.ReconcileInterval)
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("strategy", cfg.RegistrationNumberStrategy).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	stopSweep()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	if err := deps.coordinator.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("fan-out did not drain")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newEcho(cfg *config.Config, deps *dependencies, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(deps.metrics.Middleware())
	if len(cfg.CORSOrigins) > 0 {
		e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
			AllowOrigins:  cfg.CORSOrigins,
			AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
			AllowHeaders:  []string{"Authorization", "Content-Type", "If-Match", "X-Request-ID"},
			ExposeHeaders: []string{"ETag", "Location", "Retry-After"},
		}))
	}
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.BundleBodyLimit))

	e.GET("/health", healthHandler(deps.checks()))
	e.GET("/metrics", deps.metrics.Handler())
	if deps.pool != nil {
		e.GET("/health/db", db.HealthHandler(deps.pool))
	}

	var authn echo.MiddlewareFunc
	if cfg.UsesDevAuth() {
		logger.Warn().Strs("scopes", cfg.DevScopes).Msg("authentication disabled in development")
		authn = auth.DevAuthMiddleware(cfg.DevScopes)
	} else {
		authn = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: cfg.SigningKey(),
		})
	}
	protected := []echo.MiddlewareFunc{
		authn,
		middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			BurstSize:         cfg.RateLimitBurst,
		}),
		middleware.Timeout(cfg.RequestTimeout),
	}

	workflow.NewHandler(deps.service).RegisterRoutes(
		e.Group("/fhir", protected...),
		e.Group("/records", protected...),
	)

	admin := e.Group("/webhooks", append(protected, auth.RequireScope("sysadmin", "natlsysadmin"))...)
	webhook.NewHandler(deps.listeners).RegisterRoutes(admin)

	return e
}
