package config

import (
	"encoding/json"
	"os"
	"strconv"
	"time"
)

// SyncConfig holds synchronization tuning
type SyncConfig struct {
	// ============ PAGING ============
	DefaultPageSize int `json:"default_page_size"` // download page size when unspecified
	MaxPageSize     int `json:"max_page_size"`     // hard cap on download page size
	MaxBatchSize    int `json:"max_batch_size"`    // hard cap on upload batch size

	// ============ DEVICE TOKENS ============
	TokenTTLHours  int `json:"token_ttl_hours"`
	InviteTTLHours int `json:"invite_ttl_hours"`

	// ============ OUTBOX ============
	OutboxPollInterval time.Duration `json:"-"`
	OutboxMaxRetries   int           `json:"outbox_max_retries"`
	OutboxBaseBackoff  time.Duration `json:"-"`
	EventTopic         string        `json:"event_topic"`

	// ============ CONFLICTS ============
	ConflictResolution string                  `json:"conflict_resolution"` // server_wins, client_wins, merge
	Entities           map[string]EntityPolicy `json:"entities"`

	// Raw seconds for JSON round-trips of the durations above
	OutboxPollIntervalSec int `json:"outbox_poll_interval"`
	OutboxBaseBackoffSec  int `json:"outbox_base_backoff"`
}

// EntityPolicy holds per-entity-type sync policy
type EntityPolicy struct {
	ConflictResolution string `json:"conflict_resolution"`
}

// DefaultSyncConfig returns the built-in tuning
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		DefaultPageSize:       100,
		MaxPageSize:           1000,
		MaxBatchSize:          500,
		TokenTTLHours:         24 * 30,
		InviteTTLHours:        24,
		OutboxPollInterval:    5 * time.Second,
		OutboxMaxRetries:      5,
		OutboxBaseBackoff:     2 * time.Second,
		EventTopic:            "sync.events",
		ConflictResolution:    "server_wins",
		Entities:              map[string]EntityPolicy{},
		OutboxPollIntervalSec: 5,
		OutboxBaseBackoffSec:  2,
	}
}

// LoadSyncConfig reads SYNC_CONFIG_PATH if set, then applies env overrides
func LoadSyncConfig() SyncConfig {
	cfg := DefaultSyncConfig()

	if path := os.Getenv("SYNC_CONFIG_PATH"); path != "" {
		if data, err := os.ReadFile(path); err == nil {
			// Invalid files keep the defaults; a partial file overrides
			// only the fields it names
			_ = json.Unmarshal(data, &cfg)
		}
	}

	if v := getEnvInt("SYNC_MAX_BATCH_SIZE", 0); v > 0 {
		cfg.MaxBatchSize = v
	}
	if v := getEnvInt("SYNC_MAX_PAGE_SIZE", 0); v > 0 {
		cfg.MaxPageSize = v
	}
	if v := getEnvInt("OUTBOX_MAX_RETRIES", 0); v > 0 {
		cfg.OutboxMaxRetries = v
	}
	if v := getEnvInt("OUTBOX_POLL_INTERVAL", 0); v > 0 {
		cfg.OutboxPollIntervalSec = v
	}
	if v := os.Getenv("SYNC_CONFLICT_RESOLUTION"); v != "" {
		cfg.ConflictResolution = v
	}

	cfg.OutboxPollInterval = time.Duration(cfg.OutboxPollIntervalSec) * time.Second
	cfg.OutboxBaseBackoff = time.Duration(cfg.OutboxBaseBackoffSec) * time.Second

	return cfg
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
