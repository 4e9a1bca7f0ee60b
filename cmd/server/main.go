package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	goredis "github.com/redis/go-redis/v9"
	httpSwagger "github.com/swaggo/http-swagger"
	"golang.org/x/sync/errgroup"

	"github.com/tunecast/server/internal/broker"
	"github.com/tunecast/server/internal/config"
	"github.com/tunecast/server/internal/dispatch"
	"github.com/tunecast/server/internal/handlers"
	custommw "github.com/tunecast/server/internal/middleware"
	"github.com/tunecast/server/internal/observability"
	"github.com/tunecast/server/internal/presence"
	"github.com/tunecast/server/internal/repository"
	"github.com/tunecast/server/internal/rotation"
	"github.com/tunecast/server/internal/services"
)

var version = "dev"

// @title Tunecast API
// @version 1.0
// @description Device presence and playlist synchronization for in-store audio
// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name X-API-Key
func main() {
	logger := observability.GetLogger()

	if err := run(logger); err != nil {
		logger.Errorf("Server stopped with error: %v", err)
		os.Exit(1)
	}
	logger.Info("Server stopped")
}

func run(logger *observability.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	telemetry, err := observability.Initialize(ctx, observability.NewConfig("tunecast-server", version))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(shutdownCtx)
	}()

	syncMetrics, err := observability.NewSyncMetrics()
	if err != nil {
		return err
	}
	httpMetrics, err := observability.NewHTTPMetrics()
	if err != nil {
		return err
	}

	// Initialize database
	db, system, err := openDatabase(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	tdb, err := observability.NewTraceDB(db, system)
	if err != nil {
		return err
	}

	deviceRepo := repository.NewDeviceRepository(tdb)
	playlistRepo := repository.NewPlaylistRepository(tdb)
	statusRepo := repository.NewSyncStatusRepository(tdb)
	historyRepo := repository.NewPlayHistoryRepository(tdb, loc)
	apiKeyRepo := repository.NewAPIKeyRepository(tdb)

	// every device starts offline until it heartbeats again
	if n, err := deviceRepo.ResetPresence(ctx); err != nil {
		logger.Warnf("Failed to reset device presence: %v", err)
	} else if n > 0 {
		logger.Infof("Marked %d devices offline", n)
	}

	// Initialize broker
	b, brokerName, err := openBroker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	tracker := presence.NewTracker(b, deviceRepo, cfg.Presence.TTL(), logger, syncMetrics)
	if err := tracker.Start(ctx); err != nil {
		return err
	}
	defer tracker.Stop(context.Background())

	var waker dispatch.Waker
	if cfg.FCM.CredentialsPath != "" {
		fcm, err := services.NewFCMService(ctx, cfg.FCM.CredentialsPath, logger)
		if err != nil {
			logger.Warnf("Wake-up pushes disabled: %v", err)
		} else {
			waker = fcm
		}
	}

	dispatcher, err := dispatch.New(dispatch.Options{
		Broker:             b,
		Playlists:          playlistRepo,
		Devices:            deviceRepo,
		Statuses:           statusRepo,
		Resolver:           dispatch.CDNResolver{BaseURL: cfg.CDN.StreamBaseURL},
		Waker:              waker,
		AckTimeout:         cfg.Sync.AckTimeout(),
		MaxConcurrent:      cfg.Sync.MaxConcurrent,
		PublishesPerSecond: cfg.Sync.PublishesPerSecond,
		PublishRetries:     uint(cfg.Sync.PublishRetries),
		Logger:             logger,
		Metrics:            syncMetrics,
	})
	if err != nil {
		return err
	}

	scheduler := rotation.NewScheduler(rotation.Options{
		Location: loc,
		Logger:   logger,
		Metrics:  syncMetrics,
	})

	maintenance, err := services.NewMaintenanceService(historyRepo, cfg.History.Retention(), cfg.History.PruneSchedule, loc, logger)
	if err != nil {
		return err
	}
	maintenance.Start()
	defer maintenance.Stop()

	gateway := services.NewGateway(b, deviceRepo, dispatcher, logger)

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(db, brokerName)
	wsHandler := handlers.NewWebSocketHandler(gateway)
	syncHandler := handlers.NewSyncHandler(dispatcher, deviceRepo, statusRepo)
	presenceHandler := handlers.NewPresenceHandler(tracker, deviceRepo)
	historyHandler := handlers.NewHistoryHandler(historyRepo, dispatcher, scheduler)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.TracingMiddleware())
	r.Use(observability.MetricsMiddleware(httpMetrics))

	// Routes
	r.Get("/health", healthHandler.HealthCheck)
	r.Get("/api/health", healthHandler.HealthCheck)
	r.Get("/ws", wsHandler.HandleConnection)
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))

	r.With(custommw.DeviceAuth(deviceRepo, cfg.Security.DeviceTokenHeader)).
		Post("/api/history", historyHandler.RecordPlay)

	r.Group(func(r chi.Router) {
		r.Use(custommw.APIKeyAuth(cfg.Security.APIKey, apiKeyRepo, cfg.Security.APIKeyHeader, nil))

		r.Get("/api/presence", presenceHandler.ListPresence)

		r.Route("/api/playlists/{id}", func(r chi.Router) {
			r.Post("/push", syncHandler.PushPlaylist)
			r.Get("/sync-status", syncHandler.PlaylistSyncStatus)
		})
		r.Route("/api/devices/{id}", func(r chi.Router) {
			r.Get("/sync-status", syncHandler.DeviceSyncStatus)
			r.Post("/resync", syncHandler.ResyncDevice)
		})
		r.Route("/api/branches/{id}", func(r chi.Router) {
			r.Get("/history", historyHandler.ListBranchHistory)
			r.Post("/next-song", historyHandler.NextSong)
		})
	})

	// Create server
	srv := &http.Server{
		Addr:        cfg.ServerAddress,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// pushes wait for device acknowledgements
		WriteTimeout: cfg.Sync.AckTimeout() + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		gateway.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Infof("Tunecast server %s starting on %s (broker: %s, database: %s)", version, cfg.ServerAddress, brokerName, system)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openDatabase(cfg *config.Config, logger *observability.Logger) (*sql.DB, string, error) {
	if cfg.UsePostgres() {
		logger.Info("Using PostgreSQL database")
		db, err := repository.NewPostgresDB(cfg.DatabaseURL)
		return db, "postgresql", err
	}
	logger.Info("Using SQLite database")
	db, err := repository.NewSQLiteDB(cfg.DatabasePath)
	return db, "sqlite", err
}

func openBroker(ctx context.Context, cfg *config.Config, logger *observability.Logger) (broker.Broker, string, error) {
	if !cfg.UseRedis() {
		return broker.NewMemoryBroker(logger), "memory", nil
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, "", err
	}
	logger.Infof("Using Redis broker at %s", cfg.Redis.Addr)
	return &closingBroker{RedisBroker: broker.NewRedisBroker(rdb, logger), rdb: rdb}, "redis", nil
}

// closingBroker also closes the Redis client it owns
type closingBroker struct {
	*broker.RedisBroker
	rdb *goredis.Client
}

func (c *closingBroker) Close() error {
	return errors.Join(c.RedisBroker.Close(), c.rdb.Close())
}
