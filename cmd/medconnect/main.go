package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/medconnect/medconnect/internal/chat"
	"github.com/medconnect/medconnect/internal/config"
	"github.com/medconnect/medconnect/internal/platform/auth"
	"github.com/medconnect/medconnect/internal/platform/cluster"
	"github.com/medconnect/medconnect/internal/platform/db"
	"github.com/medconnect/medconnect/internal/platform/middleware"
	"github.com/medconnect/medconnect/internal/platform/websocket"
	"github.com/medconnect/medconnect/internal/realtime"
	"github.com/medconnect/medconnect/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "medconnect",
		Short: "Realtime coordinator for doctor and patient chat and calls",
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
		Short: "Start the realtime server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run chat store migrations",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
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
			})
		},
	})

	return cmd
}

func withMigrator(ctx context.Context, fn func(context.Context, *db.Migrator) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.ChatStore != config.StorePostgres {
		return fmt.Errorf("migrations only apply to the %s chat store, CHAT_STORE is %q", config.StorePostgres, cfg.ChatStore)
	}
	pool, err := db.NewPool(ctx, poolConfig(cfg), zerolog.Nop())
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, db.NewMigrator(pool, migrations.FS))
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	}
}

// chatBackend is the chat store selected by CHAT_STORE.
type chatBackend struct {
	store chat.Store
	users chat.UserDirectory
	pool  *pgxpool.Pool
	close func()
}

func openChatBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*chatBackend, error) {
	switch cfg.ChatStore {
	case config.StorePostgres:
		pool, err := db.NewPool(ctx, poolConfig(cfg), logger)
		if err != nil {
			return nil, err
		}
		s := chat.NewPGStore(pool)
		return &chatBackend{store: s, users: s, pool: pool, close: pool.Close}, nil
	case config.StoreBadger:
		s, err := chat.OpenBadgerStore(cfg.BadgerDir)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("dir", cfg.BadgerDir).Msg("badger chat store opened")
		return &chatBackend{store: s, users: s, close: func() {
			if err := s.Close(); err != nil {
				logger.Error().Err(err).Msg("badger close failed")
			}
		}}, nil
	default:
		s := chat.NewMemoryStore()
		logger.Warn().Msg("in-memory chat store, data is lost on restart")
		return &chatBackend{store: s, users: s, close: func() {}}, nil
	}
}

func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	logger = newLogger(cfg.Env)

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	logger = logger.With().Str("instance", instanceID).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Chat store
	backend, err := openChatBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("store", cfg.ChatStore).Msg("failed to open chat store")
	}
	defer backend.close()

	hub := websocket.NewHub(logger)
	deps := realtime.Deps{
		Hub:    hub,
		Chats:  backend.store,
		Users:  backend.users,
		Unread: chat.NewUnreadCounter(backend.store, logger),
	}

	// Cluster
	var (
		bus       *cluster.Bus
		directory *cluster.Directory
	)
	if cfg.Clustered() {
		rdb, err := openRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rdb.Close()
		bus = cluster.NewBus(rdb, instanceID, logger)
		directory = cluster.NewDirectory(rdb)
		deps.Bus = bus
		deps.Directory = directory
		deps.Elector = cluster.NewElector(rdb, 0)
		logger.Info().Msg("cluster mode enabled")
	}

	coord := realtime.New(realtime.Options{
		InstanceID: instanceID,
		TypingTTL:  cfg.TypingTTL,
		Rate: realtime.RateConfig{
			PerSecond: cfg.EventRatePerSec,
			Burst:     cfg.EventBurst,
		},
	}, deps, logger)

	wsHandler := websocket.NewHandler(hub, coord, websocket.HandlerConfig{
		IdleTimeout:    cfg.WSIdleTimeout,
		SendBuffer:     cfg.WSSendBuffer,
		AllowedOrigins: cfg.CORSOrigins,
	}, logger)
	if cfg.WSJWTSecret != "" {
		wsHandler.WithVerifier(auth.NewVerifier(auth.TokenConfig{
			SigningKey: []byte(cfg.WSJWTSecret),
			Issuer:     cfg.WSJWTIssuer,
		}))
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":      "ok",
			"instance":    instanceID,
			"connections": hub.ClientCount(),
			"users":       coord.Presence.Count(),
			"calls":       coord.Signaling.ActiveCalls(),
		})
	})
	if backend.pool != nil {
		e.GET("/health/db", db.HealthHandler(backend.pool))
	}
	wsGroup := e.Group("", middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.WSConnectRate,
		BurstSize:         cfg.WSConnectBurst,
		IdleTTL:           10 * time.Minute,
	}))
	wsHandler.RegisterRoutes(wsGroup)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return coord.Run(gctx)
	})
	if bus != nil {
		g.Go(func() error {
			return bus.Run(gctx, coord)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		err := e.Shutdown(shutdownCtx)
		hub.CloseAll()
		if directory != nil {
			n, perr := directory.PurgeInstance(shutdownCtx, instanceID)
			if perr != nil {
				logger.Warn().Err(perr).Msg("presence purge failed")
			} else {
				logger.Info().Int("entries", n).Msg("presence entries purged")
			}
		}
		if err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
