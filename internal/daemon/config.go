// Package daemon manages the edge gateway lifecycle and configuration.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all gateway configuration.
type Config struct {
	TCP       TCPConfig       `toml:"tcp"`
	Cloud     CloudConfig     `toml:"cloud"`
	Heartbeat HeartbeatConfig `toml:"heartbeat"`
	Activity  ActivityConfig  `toml:"activity"`
	Session   SessionConfig   `toml:"session"`
	Offline   OfflineConfig   `toml:"offline"`
	Sync      SyncConfig      `toml:"sync"`
	API       APIConfig       `toml:"api"`
	Storage   StorageConfig   `toml:"storage"`
}

// TCPConfig controls the scale-facing TCP server.
type TCPConfig struct {
	Host              string `toml:"host"`
	Port              int    `toml:"port"`
	MaxFrameBytes     int    `toml:"max_frame_bytes"`
	RegistrationGrace int    `toml:"registration_grace_ms"`
}

// CloudConfig controls the REST client.
type CloudConfig struct {
	APIURL            string  `toml:"api_url"`
	SiteID            string  `toml:"site_id"`
	SiteName          string  `toml:"site_name"`
	EventSendTimeout  int     `toml:"event_send_timeout_ms"`
	MaxRetries        int     `toml:"max_retries"`
	RetryDelay        int     `toml:"retry_delay_ms"`
	BackoffMultiplier float64 `toml:"backoff_multiplier"`
	MaxRetryDelay     int     `toml:"max_retry_delay_ms"`
	QueueWhenOffline  bool    `toml:"queue_when_offline"`
	MaxQueueSize      int     `toml:"max_queue_size"`
	StatusPushEvery   int     `toml:"status_push_interval_ms"`
	ProbeInterval     int     `toml:"probe_interval_ms"`
}

// HeartbeatConfig controls heartbeat expiry detection.
type HeartbeatConfig struct {
	Timeout       int `toml:"timeout_ms"`
	CheckInterval int `toml:"check_interval_ms"`
}

// ActivityConfig controls the online/idle/stale thresholds.
type ActivityConfig struct {
	IdleThreshold  int `toml:"idle_threshold_ms"`
	StaleThreshold int `toml:"stale_threshold_ms"`
}

// SessionConfig controls the session cache.
type SessionConfig struct {
	PollInterval    int `toml:"poll_interval_ms"`
	CacheExpiry     int `toml:"cache_expiry_ms"`
	CleanupInterval int `toml:"cleanup_interval_ms"`
}

// OfflineConfig controls offline batching.
type OfflineConfig struct {
	TriggerDelay      int `toml:"trigger_delay_ms"`
	MaxEventsPerBatch int `toml:"max_events_per_batch"`
	RetentionDays     int `toml:"batch_retention_days"`
}

// SyncConfig controls the backlog flush and retry loops.
type SyncConfig struct {
	BatchSize        int `toml:"batch_size"`
	RetryInterval    int `toml:"retry_interval_ms"`
	BacklogSyncDelay int `toml:"backlog_sync_delay_ms"`
}

// APIConfig controls the local admin HTTP API.
type APIConfig struct {
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	Metrics bool   `toml:"metrics"`
}

// StorageConfig controls the local store.
type StorageConfig struct {
	Dir string `toml:"dir"`
}

// DefaultConfig returns the standard gateway settings.
func DefaultConfig() Config {
	return Config{
		TCP: TCPConfig{
			Host:              "0.0.0.0",
			Port:              8899,
			MaxFrameBytes:     4096,
			RegistrationGrace: 10_000,
		},
		Cloud: CloudConfig{
			APIURL:            "",
			EventSendTimeout:  10_000,
			MaxRetries:        3,
			RetryDelay:        1_000,
			BackoffMultiplier: 2,
			MaxRetryDelay:     30_000,
			QueueWhenOffline:  true,
			MaxQueueSize:      100,
			StatusPushEvery:   60_000,
			ProbeInterval:     15_000,
		},
		Heartbeat: HeartbeatConfig{
			Timeout:       60_000,
			CheckInterval: 10_000,
		},
		Activity: ActivityConfig{
			IdleThreshold:  5 * 60_000,
			StaleThreshold: 30 * 60_000,
		},
		Session: SessionConfig{
			PollInterval:    5_000,
			CacheExpiry:     4 * 3600_000,
			CleanupInterval: 60_000,
		},
		Offline: OfflineConfig{
			TriggerDelay:      5_000,
			MaxEventsPerBatch: 1_000,
			RetentionDays:     30,
		},
		Sync: SyncConfig{
			BatchSize:        50,
			RetryInterval:    60_000,
			BacklogSyncDelay: 2_000,
		},
		API: APIConfig{
			Host:    "127.0.0.1",
			Port:    9180,
			Metrics: true,
		},
		Storage: StorageConfig{
			Dir: filepath.Join(Home(), "data"),
		},
	}
}

// LoadConfig reads config from <home>/config.toml, falling back to
// defaults, then applies environment overrides on top.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	path := filepath.Join(Home(), "config.toml")

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// SaveConfig writes the config to <home>/config.toml.
func SaveConfig(cfg Config) error {
	path := filepath.Join(Home(), "config.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// applyEnv overlays the documented environment variables. Malformed
// values are ignored so a bad deploy falls back to the file/defaults.
func applyEnv(cfg *Config) {
	envStr("CLOUD_API_URL", &cfg.Cloud.APIURL)
	envStr("SITE_ID", &cfg.Cloud.SiteID)
	envStr("SITE_NAME", &cfg.Cloud.SiteName)
	envStr("TCP_HOST", &cfg.TCP.Host)
	envInt("TCP_PORT", &cfg.TCP.Port)
	envInt("EVENT_SEND_TIMEOUT_MS", &cfg.Cloud.EventSendTimeout)
	envInt("REST_MAX_RETRIES", &cfg.Cloud.MaxRetries)
	envInt("REST_RETRY_DELAY_MS", &cfg.Cloud.RetryDelay)
	envFloat("REST_BACKOFF_MULTIPLIER", &cfg.Cloud.BackoffMultiplier)
	envInt("REST_MAX_RETRY_DELAY_MS", &cfg.Cloud.MaxRetryDelay)
	envInt("HEARTBEAT_TIMEOUT_MS", &cfg.Heartbeat.Timeout)
	envInt("ACTIVITY_IDLE_MS", &cfg.Activity.IdleThreshold)
	envInt("ACTIVITY_STALE_MS", &cfg.Activity.StaleThreshold)
	envInt("SESSION_POLL_INTERVAL_MS", &cfg.Session.PollInterval)
	envInt("SESSION_CACHE_EXPIRY_MS", &cfg.Session.CacheExpiry)
	envInt("OFFLINE_TRIGGER_DELAY_MS", &cfg.Offline.TriggerDelay)
	envInt("OFFLINE_MAX_EVENTS_PER_BATCH", &cfg.Offline.MaxEventsPerBatch)
	envInt("OFFLINE_BATCH_RETENTION_DAYS", &cfg.Offline.RetentionDays)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			*dst = f
		}
	}
}

// Millis converts a millisecond config value to a Duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Home returns the gateway data directory.
func Home() string {
	if env := os.Getenv("CARNITRACK_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".carnitrack")
}
