package main

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/clinic/internal/config"
	"github.com/ehr/clinic/internal/domain/messaging"
	"github.com/ehr/clinic/internal/domain/notification"
	"github.com/ehr/clinic/internal/domain/profile"
	"github.com/ehr/clinic/internal/platform/auth"
	"github.com/ehr/clinic/internal/platform/db"
	"github.com/ehr/clinic/internal/platform/feed"
	"github.com/ehr/clinic/internal/platform/metrics"
	"github.com/ehr/clinic/internal/platform/middleware"
	"github.com/ehr/clinic/internal/platform/realtime"
	"github.com/ehr/clinic/internal/platform/websocket"
	"github.com/ehr/clinic/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "clinic-server",
		Short: "Clinic portal messaging and notification server",
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
		Short: "Start the API and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// migrationSource returns the embedded migrations unless dir is set.
func migrationSource(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func poolOptions(cfg *config.Config) db.PoolOptions {
	return db.PoolOptions{
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
		AppName:  "clinic-server",
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
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, poolOptions(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrationSource(dir)).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
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
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, poolOptions(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationSource(dir)).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
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
	statusCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(statusCmd)

	return cmd
}

// feedBackend is the change feed chosen by FEED_BACKEND plus the publisher
// services use for explicit pushes.
type feedBackend struct {
	source    feed.Source
	publisher feed.Publisher
	close     func()
}

func openFeed(ctx context.Context, cfg *config.Config, hydrate feed.Hydrator, logger zerolog.Logger) (*feedBackend, error) {
	switch cfg.FeedBackend {
	case config.FeedRedis:
		client, err := feed.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		bus := feed.NewRedisBus(client, logger)
		return &feedBackend{source: bus, publisher: bus, close: func() { _ = client.Close() }}, nil
	case config.FeedMemory:
		bus := feed.NewMemoryBus()
		return &feedBackend{source: bus, publisher: bus, close: func() {}}, nil
	default:
		// Triggers publish on commit; the listener hydrates rows itself.
		src, err := feed.NewPGSource(cfg.DatabaseURL, hydrate, logger)
		if err != nil {
			return nil, err
		}
		return &feedBackend{source: src, publisher: feed.NopPublisher{}, close: func() {}}, nil
	}
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
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, poolOptions(cfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Stores
	profiles := profile.NewRepoPG(pool)
	messages := messaging.NewStorePG(pool)
	notifications := notification.NewRepoPG(pool)

	// Change feed
	fb, err := openFeed(ctx, cfg, newHydrator(messages, notifications), logger)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.FeedBackend).Msg("failed to open change feed")
	}
	defer fb.close()
	logger.Info().Str("backend", cfg.FeedBackend).Msg("change feed ready")

	streams := realtime.NewManager(fb.source, realtime.Config{
		MaxReconnectInterval: cfg.FeedReconnectMaxInterval,
	}, logger)

	// Services
	resolver := profile.NewResolver(profiles, 0)
	broadcaster := notification.NewBroadcaster(notifications, profiles, notification.NewTemplateEngine(), fb.publisher, logger)
	dispatcher := notification.NewDispatcher(broadcaster, cfg.NotifyQueueSize, cfg.NotifyWorkers, logger)
	dispatcher.Start(ctx)

	msgSvc := messaging.NewService(messages, resolver, dispatcher, fb.publisher, logger)
	notifSvc := notification.NewService(notifications, broadcaster)
	hub := websocket.NewHub(logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", auth.DevUserHeader},
	}))

	// Auth middleware
	var jwtMW echo.MiddlewareFunc
	if cfg.AuthSigningKey != "" || cfg.AuthIssuer != "" || cfg.AuthJWKSURL != "" {
		jwtMW = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.SkipRoutes("/health", "/health/db", "/metrics"),
			Logger:     logger,
		})
	}
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtMW))
	} else {
		e.Use(jwtMW)
	}

	// Public endpoints
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":       "ok",
			"version":      "0.1.0",
			"feed":         cfg.FeedBackend,
			"ws_clients":   hub.ClientCount(),
			"feed_viewers": streams.Viewers(),
		})
	})
	e.GET("/health/db", db.PoolHealthHandler(pool))
	e.GET("/metrics", metrics.Handler())

	// API
	apiV1 := e.Group("/api/v1")
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))
	apiV1.Use(resolver.Middleware())

	messaging.NewHandler(msgSvc).RegisterRoutes(apiV1)
	messaging.NewGateway(msgSvc, streams, hub, messaging.GatewayConfig{
		ConfirmWindow: cfg.ConfirmWindow,
		SendTimeout:   cfg.SendTimeout,
		Origins:       cfg.CORSOrigins,
	}, logger).RegisterRoutes(apiV1)
	notification.NewHandler(notifSvc).RegisterRoutes(apiV1)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	streams.Close()
	stop()
	dispatcher.Wait()
	logger.Info().Msg("server stopped")
	return nil
}
