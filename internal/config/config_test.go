package config

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, existed := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if existed {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t, "SHSH_BIND_PORT", "SHSH_RING_BUFFER_CAPACITY", "SHSH_NOTIFY_CATEGORIES")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindPort != "8080" {
		t.Fatalf("got bind port %q", cfg.BindPort)
	}
	if cfg.Session.RingBufferCapacity != 4096 {
		t.Fatalf("got ring buffer capacity %d", cfg.Session.RingBufferCapacity)
	}
	want := []string{"permission_request", "session_completed", "error"}
	if len(cfg.Notification.EnabledCategories) != len(want) {
		t.Fatalf("got categories %v", cfg.Notification.EnabledCategories)
	}
}

func TestLoadOverridesFromEnv(t *testing.T) {
	t.Setenv("SHSH_BIND_PORT", "9090")
	t.Setenv("SHSH_CLEANUP_GRACE", "5s")
	t.Setenv("SHSH_NOTIFY_CATEGORIES", "error, session_completed")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindPort != "9090" {
		t.Fatalf("got bind port %q", cfg.BindPort)
	}
	if cfg.Session.CleanupGrace != 5*time.Second {
		t.Fatalf("got cleanup grace %v", cfg.Session.CleanupGrace)
	}
	if len(cfg.Notification.EnabledCategories) != 2 || cfg.Notification.EnabledCategories[0] != "error" {
		t.Fatalf("got categories %v", cfg.Notification.EnabledCategories)
	}
}

func TestValidateRejectsEmptyPort(t *testing.T) {
	cfg := &Config{Session: SessionConfig{RingBufferCapacity: 1, PTYScrollbackBytes: 1}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for an empty bind port")
	}
}

func TestValidateRequiresConfigDirWhenNotificationsEnabled(t *testing.T) {
	cfg := &Config{
		BindPort: "8080",
		Session:  SessionConfig{RingBufferCapacity: 1, PTYScrollbackBytes: 1},
		Notification: NotificationConfig{
			Enabled:   true,
			ConfigDir: "",
		},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error when notifications are enabled with no config dir")
	}
}
