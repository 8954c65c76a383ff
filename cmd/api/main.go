package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/clinicore/dentsyncgo/internal/broker"
	"github.com/clinicore/dentsyncgo/internal/config"
	"github.com/clinicore/dentsyncgo/internal/database"
	"github.com/clinicore/dentsyncgo/internal/handlers"
	"github.com/clinicore/dentsyncgo/internal/logging"
	"github.com/clinicore/dentsyncgo/internal/models"
	"github.com/clinicore/dentsyncgo/internal/outbox"
	"github.com/clinicore/dentsyncgo/internal/registry"
	"github.com/clinicore/dentsyncgo/internal/sync"
	"github.com/clinicore/dentsyncgo/internal/websocket"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.NodeEnv)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	// 2. Initialize database (detects embedded vs external automatically)
	db, err := database.Connect(cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}

	// 3. Synchronize schema
	logger.Info("🚀 Synchronizing database schema...")
	err = db.AutoMigrate(
		&models.DeviceRegistration{},
		&models.OfflineChange{},
		&models.TenantSequence{},
		&models.EntityState{},
		&models.SyncCheckpoint{},
		&models.OutboxEvent{},
	)
	if err != nil {
		logger.Fatal("Schema synchronization failed", zap.Error(err))
	}
	logger.Info("✅ Schema synchronized successfully")

	// 4. Wire sync components
	bus := broker.New()

	reg := registry.New(db, logger, cfg.JWTSecret, registry.Options{
		TokenTTL:  time.Duration(cfg.Sync.TokenTTLHours) * time.Hour,
		InviteTTL: time.Duration(cfg.Sync.InviteTTLHours) * time.Hour,
	})

	changelog := sync.NewChangeLog(db)
	resolver := sync.NewConflictResolver(
		sync.ConflictStrategy(cfg.Sync.ConflictResolution),
		entityStrategies(cfg.Sync),
	)
	gateway := sync.NewGateway(db, logger, changelog, resolver, sync.GatewayOptions{
		MaxBatchSize:    cfg.Sync.MaxBatchSize,
		DefaultPageSize: cfg.Sync.DefaultPageSize,
		MaxPageSize:     cfg.Sync.MaxPageSize,
	})

	relay := outbox.NewRelay(db, logger, bus, outbox.RelayOptions{
		Topic:        cfg.Sync.EventTopic,
		PollInterval: cfg.Sync.OutboxPollInterval,
		MaxRetries:   cfg.Sync.OutboxMaxRetries,
		BaseBackoff:  cfg.Sync.OutboxBaseBackoff,
	})
	relay.Start()

	events, cancelEvents := bus.Subscribe(broker.TopicAll, 256)
	hub := websocket.NewHub(logger, events)
	go hub.Run()

	// 5. HTTP server
	router := handlers.NewRouter(db, logger, cfg, gateway, reg, hub)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("🦷 dentsync API listening", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	// 6. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("🛑 Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}

	relay.Stop()
	hub.Stop()
	cancelEvents()
	bus.Close()

	if err := db.Close(); err != nil {
		logger.Error("Database shutdown failed", zap.Error(err))
	}

	logger.Info("👋 Shutdown complete")
}

func entityStrategies(cfg config.SyncConfig) map[string]sync.ConflictStrategy {
	strategies := make(map[string]sync.ConflictStrategy, len(cfg.Entities))
	for entityType, policy := range cfg.Entities {
		if policy.ConflictResolution != "" {
			strategies[entityType] = sync.ConflictStrategy(policy.ConflictResolution)
		}
	}
	return strategies
}
