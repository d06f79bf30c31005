// Package config provides application configuration.
//
// Configuration is loaded from environment variables with sensible defaults.
// All timeouts and operational parameters are configurable.
//
// Configuration categories:
//   - Bind: host/port the WebSocket + HTTP transport listens on
//   - Session: event bus ring capacity, cleanup grace period, PTY scrollback
//   - Container: sandboxed backend resource and retry limits
//   - Notification: VAPID keys, delivery timeout, enabled event categories
//   - Journal: optional SQLite event journal
//
// For a complete list of all environment variables and their defaults, see Load.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ContainerConfig holds sandboxed-backend container resource and retry
// configuration, sourced from the environment instead of hardcoded.
type ContainerConfig struct {
	MemoryLimitBytes    int64         // Memory limit in bytes (default: 512MB)
	CPUQuota            int64         // CPU quota (default: 50000 = 0.5 CPU)
	PidsLimit           int64         // PIDs limit (default: 256)
	CreateRetryAttempts int           // Container create retry attempts (default: 20)
	CreateRetryDelay    time.Duration // Delay between create retries (default: 250ms)
	Runtime             string        // Docker runtime: "" = default (runc), "runsc" = gVisor
	TTL                 time.Duration // Idle-sandbox reap threshold
}

// SessionConfig holds session-core tuning parameters.
type SessionConfig struct {
	RingBufferCapacity int           // Event bus ring capacity (number of envelopes retained)
	CleanupGrace       time.Duration // Grace period before a zero-subscriber session is torn down
	PTYScrollbackBytes int           // Scrollback ring size per PTY-backed session
}

// NotificationConfig controls the optional Web Push notification dispatcher.
type NotificationConfig struct {
	Enabled           bool
	ConfigDir         string // directory holding vapid_keys.json and push_subscriptions.json
	VAPIDSubject      string
	HTTPTimeout       time.Duration
	EnabledCategories []string
}

// JournalConfig controls the optional append-only SQLite event journal.
type JournalConfig struct {
	Enabled bool
	Path    string
}

// RetryConfig holds retry-related configuration for persistence operations.
type RetryConfig struct {
	DatabaseMaxRetries     int           // Max database retry attempts (default: 3)
	DatabaseRetryBaseDelay time.Duration // Base delay for DB retries (default: 50ms)
}

// Config holds all application configuration.
type Config struct {
	BindHost string
	BindPort string
	LogLevel string

	Session      SessionConfig
	Container    ContainerConfig
	Notification NotificationConfig
	Journal      JournalConfig
	Retry        RetryConfig
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		BindHost: getEnv("SHSH_BIND_HOST", "0.0.0.0"),
		BindPort: getEnv("SHSH_BIND_PORT", "8080"),
		LogLevel: getEnv("SHSH_LOG_LEVEL", "info"),

		Session: SessionConfig{
			RingBufferCapacity: getEnvInt("SHSH_RING_BUFFER_CAPACITY", 4096),
			CleanupGrace:       getEnvDuration("SHSH_CLEANUP_GRACE", 10*time.Second),
			PTYScrollbackBytes: getEnvInt("SHSH_PTY_SCROLLBACK_BYTES", 64*1024),
		},

		Container: ContainerConfig{
			MemoryLimitBytes:    getEnvInt64("SHSH_CONTAINER_MEMORY_LIMIT", 512*1024*1024),
			CPUQuota:            getEnvInt64("SHSH_CONTAINER_CPU_QUOTA", 50000),
			PidsLimit:           getEnvInt64("SHSH_CONTAINER_PIDS_LIMIT", 256),
			CreateRetryAttempts: getEnvInt("SHSH_CONTAINER_CREATE_RETRY_ATTEMPTS", 20),
			CreateRetryDelay:    getEnvDuration("SHSH_CONTAINER_CREATE_RETRY_DELAY", 250*time.Millisecond),
			Runtime:             getEnv("SHSH_CONTAINER_RUNTIME", ""),
			TTL:                 getEnvDuration("SHSH_CONTAINER_TTL", 30*time.Minute),
		},

		Notification: NotificationConfig{
			Enabled:           getEnvBool("SHSH_NOTIFY_ENABLED", false),
			ConfigDir:         getEnv("SHSH_NOTIFY_CONFIG_DIR", "./data"),
			VAPIDSubject:      getEnv("SHSH_NOTIFY_VAPID_SUBJECT", "mailto:ops@example.com"),
			HTTPTimeout:       getEnvDuration("SHSH_NOTIFY_HTTP_TIMEOUT", 10*time.Second),
			EnabledCategories: getEnvList("SHSH_NOTIFY_CATEGORIES", []string{"permission_request", "session_completed", "error"}),
		},

		Journal: JournalConfig{
			Enabled: getEnvBool("SHSH_JOURNAL_ENABLED", false),
			Path:    getEnv("SHSH_JOURNAL_PATH", "./data/events.db"),
		},

		Retry: RetryConfig{
			DatabaseMaxRetries:     getEnvInt("SHSH_DB_MAX_RETRIES", 3),
			DatabaseRetryBaseDelay: getEnvDuration("SHSH_DB_RETRY_BASE_DELAY", 50*time.Millisecond),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.BindPort == "" {
		return fmt.Errorf("SHSH_BIND_PORT cannot be empty")
	}
	if c.Session.RingBufferCapacity <= 0 {
		return fmt.Errorf("SHSH_RING_BUFFER_CAPACITY must be > 0")
	}
	if c.Session.PTYScrollbackBytes <= 0 {
		return fmt.Errorf("SHSH_PTY_SCROLLBACK_BYTES must be > 0")
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		return fmt.Errorf("SHSH_JOURNAL_PATH cannot be empty when the journal is enabled")
	}
	if c.Notification.Enabled && c.Notification.ConfigDir == "" {
		return fmt.Errorf("SHSH_NOTIFY_CONFIG_DIR cannot be empty when notifications are enabled")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
