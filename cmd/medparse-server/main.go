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

	"github.com/medparse/medparse/internal/config"
	"github.com/medparse/medparse/internal/domain/records"
	"github.com/medparse/medparse/internal/pipeline/entity"
	"github.com/medparse/medparse/internal/pipeline/llm"
	"github.com/medparse/medparse/internal/pipeline/ocr"
	"github.com/medparse/medparse/internal/pipeline/processor"
	"github.com/medparse/medparse/internal/pipeline/terminology"
	"github.com/medparse/medparse/internal/platform/auth"
	"github.com/medparse/medparse/internal/platform/blobstore"
	"github.com/medparse/medparse/internal/platform/db"
	"github.com/medparse/medparse/internal/platform/middleware"
	"github.com/medparse/medparse/internal/platform/websocket"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "medparse-server",
		Short: "Medical document processing API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
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
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
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
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Repositories and document store
	jobRepo := records.NewJobRepoPG(pool)
	recordRepo := records.NewRecordRepoPG(pool)
	lockRepo := records.NewLockRepoPG(pool)
	store := blobstore.NewMemStore(blobstore.SizeLimits{
		Default: cfg.MaxUploadBytes,
		PDF:     cfg.MaxPDFBytes,
	})

	// Progress feed
	hub := websocket.NewHub(logger)

	// Pipeline stages
	ocrStage := buildOCRStage(cfg, logger)
	entityClient := &entity.Client{Endpoint: cfg.NLPEndpoint, APIKey: cfg.NLPAPIKey}
	termClient := &terminology.Client{Endpoint: cfg.TerminologyEndpoint, APIKey: cfg.TerminologyAPIKey}
	llmStage := &llm.Stage{
		Client: &llm.Client{Endpoint: cfg.LLMEndpoint, APIKey: cfg.LLMAPIKey, Model: cfg.LLMModel},
		Logger: logger,
	}

	ctrl := processor.New(jobRepo, recordRepo, lockRepo, store,
		ocrStage, entityClient, termClient, llmStage, hub, logger,
		processor.Config{
			RunTimeout: time.Duration(cfg.ProcessTimeoutSeconds) * time.Second,
			MaxRetries: cfg.MaxRetries,
			LockTTL:    time.Duration(cfg.LockTTLSeconds) * time.Second,
		})

	svc := records.NewService(jobRepo, recordRepo, store, ctrl, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.RequestTimeout(2 * time.Duration(cfg.ProcessTimeoutSeconds) * time.Second))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		}))
	}

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	// API routes
	apiV1 := e.Group("/api/v1")

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	records.NewHandler(svc).RegisterRoutes(apiV1)
	websocket.NewHandler(hub).RegisterRoutes(apiV1)

	// Start server with graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("server listening")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("forced shutdown")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// buildOCRStage assembles the engine preference chain. Engines without a
// configured endpoint are left nil and the stage skips them at runtime.
func buildOCRStage(cfg *config.Config, logger zerolog.Logger) *ocr.Stage {
	stage := &ocr.Stage{
		PDFText: &ocr.PDFTextEngine{},
		Logger:  logger,
	}
	if cfg.StructuredOCREndpoint != "" {
		stage.Structured = &ocr.StructuredClient{
			Endpoint: cfg.StructuredOCREndpoint,
			APIKey:   cfg.StructuredOCRAPIKey,
		}
		stage.StructuredMaxBytes = cfg.MaxUploadBytes
	}
	if cfg.ImageOCREndpoint != "" {
		stage.Image = &ocr.ImageClient{
			Endpoint: cfg.ImageOCREndpoint,
			APIKey:   cfg.ImageOCRAPIKey,
		}
	}
	return stage
}
