package main

import (
	"context"
	"encoding/hex"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/clinicore/dentsyncgo/internal/client"
	"github.com/clinicore/dentsyncgo/internal/cryptobox"
	"github.com/clinicore/dentsyncgo/internal/logging"
	"github.com/clinicore/dentsyncgo/internal/registry"
)

// The agent is the desktop-side sync companion: it registers the device,
// pulls change pages into an encrypted local cache and acknowledges its
// checkpoint after each fully-applied page.
func main() {
	godotenv.Load()

	log, err := logging.New(os.Getenv("NODE_ENV"))
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	serverURL := getEnv("SERVER_URL", "http://localhost:8080")
	deviceID := os.Getenv("DEVICE_ID")
	tenantID := os.Getenv("TENANT_ID")
	orgID := os.Getenv("ORG_ID")
	userID := os.Getenv("USER_ID")
	if deviceID == "" || tenantID == "" || orgID == "" || userID == "" {
		log.Fatal("DEVICE_ID, TENANT_ID, ORG_ID and USER_ID are required")
	}

	key, err := hex.DecodeString(os.Getenv("CACHE_KEY"))
	if err != nil || len(key) < cryptobox.KeySize {
		log.Fatal("CACHE_KEY must be at least 64 hex characters")
	}
	box, err := cryptobox.New(key)
	if err != nil {
		log.Fatal("failed to initialize cache encryption", zap.Error(err))
	}

	cache, err := client.OpenCache(getEnv("CACHE_PATH", "./agent_cache/cache.enc"), box)
	if err != nil {
		log.Fatal("failed to open local cache", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := client.NewAPI(serverURL)
	login, err := api.Login(ctx, registry.LoginRequest{
		DeviceID:       deviceID,
		DeviceName:     getEnv("DEVICE_NAME", "desktop-agent"),
		TenantID:       tenantID,
		OrganizationID: orgID,
		UserID:         userID,
	})
	if err != nil {
		log.Fatal("device login failed", zap.Error(err))
	}
	log.Info("🦷 device registered", zap.String("deviceId", login.DeviceID))

	interval := 15 * time.Second
	if v := os.Getenv("SYNC_INTERVAL_SECONDS"); v != "" {
		if d, err := time.ParseDuration(v + "s"); err == nil {
			interval = d
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("🚀 sync agent running", zap.String("server", serverURL), zap.Duration("interval", interval))

	syncOnce(ctx, log, api, cache)
	for {
		select {
		case <-ticker.C:
			syncOnce(ctx, log, api, cache)
		case <-quit:
			log.Info("👋 sync agent stopped")
			return
		}
	}
}

// syncOnce pulls pages until the server reports no more, acking the
// checkpoint only for pages that applied end to end
func syncOnce(ctx context.Context, log *zap.Logger, api *client.API, cache *client.Cache) {
	for {
		page, err := api.Download(ctx, cache.LastSyncedSequence(), 0)
		if err != nil {
			log.Warn("download failed", zap.Error(err))
			return
		}
		if len(page.Changes) == 0 {
			return
		}

		if err := cache.ApplyPage(page); err != nil {
			log.Warn("page not applied, will retry", zap.Error(err))
			return
		}
		if err := api.AckCheckpoint(ctx, cache.LastSyncedSequence(), 0); err != nil {
			log.Warn("checkpoint ack failed", zap.Error(err))
			return
		}
		log.Info("✅ page applied",
			zap.Int("changes", len(page.Changes)),
			zap.Int64("checkpoint", cache.LastSyncedSequence()))

		if !page.HasMore {
			return
		}
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
