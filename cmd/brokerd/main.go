// Command brokerd runs the session broker daemon: the websocket/HTTP
// transport, the in-memory session manager, and the optional notification
// and journal subscribers.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashureev/shsh-labs/internal/agentbackend"
	"github.com/ashureev/shsh-labs/internal/config"
	"github.com/ashureev/shsh-labs/internal/container"
	"github.com/ashureev/shsh-labs/internal/domain"
	"github.com/ashureev/shsh-labs/internal/eventbus"
	"github.com/ashureev/shsh-labs/internal/journal"
	"github.com/ashureev/shsh-labs/internal/notify"
	"github.com/ashureev/shsh-labs/internal/ptybackend"
	"github.com/ashureev/shsh-labs/internal/session"
	"github.com/ashureev/shsh-labs/internal/transport"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("starting brokerd", "bind_host", cfg.BindHost, "bind_port", cfg.BindPort, "container", config.IsContainer())

	bus := eventbus.New(cfg.Session.RingBufferCapacity)
	mgr := session.NewManager(bus, cfg.Session.CleanupGrace, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var pushStore *notify.SubscriptionStore
	var vapid *notify.KeyManager
	if cfg.Notification.Enabled {
		vapid, err = notify.LoadOrGenerate(cfg.Notification.ConfigDir)
		if err != nil {
			slog.Error("failed to load VAPID keys", "error", err)
			os.Exit(1)
		}
		pushStore = notify.NewSubscriptionStore(filepath.Join(cfg.Notification.ConfigDir, "push_subscriptions.json"))

		dispatcher := notify.NewDispatcher(bus, vapid, pushStore, notify.Config{
			HTTPTimeout:       cfg.Notification.HTTPTimeout,
			EnabledCategories: cfg.Notification.EnabledCategories,
			VAPIDSubject:      cfg.Notification.VAPIDSubject,
		}, logger)
		go dispatcher.Run(ctx)
		slog.Info("notification dispatcher enabled", "config_dir", cfg.Notification.ConfigDir)
	}

	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.Path, logger)
		if err != nil {
			slog.Error("failed to open event journal", "error", err)
			os.Exit(1)
		}
		defer j.Close()
		go j.Run(ctx, bus)
		slog.Info("event journal enabled", "path", cfg.Journal.Path)
	}

	var containerMgr container.Manager
	var registry *container.Registry
	if cfg.Container.Runtime != "" || config.IsContainer() {
		containerMgr, err = container.NewDockerManager(cfg.Container, logger)
		if err != nil {
			slog.Warn("sandboxed container backend unavailable, falling back to local PTY sessions", "error", err)
			containerMgr = nil
		} else {
			registry = container.NewRegistry()
			container.StartTTLWorker(ctx, registry, containerMgr, cfg.Container.TTL, func(ownerID string) {
				mgr.KillSession(domain.SessionID(ownerID))
			}, logger)
		}
	}

	newBackend := backendFactory(containerMgr, registry, cfg, logger)

	metaPath := filepath.Join(cfg.Notification.ConfigDir, "daemon.json")
	if err := writeDaemonMeta(metaPath, cfg.BindPort); err != nil {
		slog.Warn("failed to write daemon metadata file", "error", err)
	}
	defer os.Remove(metaPath)

	router := transport.NewRouter(mgr, bus, newBackend, pushStore, vapid, "*", !config.IsContainer(), logger)

	srv := &http.Server{
		Addr:         cfg.BindHost + ":" + cfg.BindPort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // long-lived websocket connections must not be cut off
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("brokerd listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()
	slog.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	slog.Info("brokerd stopped")
}

// backendFactory returns the BackendFactory the websocket handler uses to
// build a session's backend on create_session: a streaming agent backend
// when the client asked for one, otherwise a PTY backend running sandboxed
// in Docker when a container manager is available, or directly on the host
// otherwise. registry, if non-nil, is touched on container creation and on
// every subsequent Docker-backend Send/Resize so the TTL worker never reaps
// a sandbox still in active use.
func backendFactory(containerMgr container.Manager, registry *container.Registry, cfg *config.Config, logger *slog.Logger) transport.BackendFactory {
	return func(ctx context.Context, id domain.SessionID, opts transport.CreateOptions) (session.Backend, domain.BackendKind, bool, error) {
		if opts.Backend == "agent" {
			if opts.AgentAddress == "" {
				return nil, "", false, fmt.Errorf("agent backend requires an agent_address")
			}
			backend, err := agentbackend.New(ctx, id, agentbackend.DefaultConfig(opts.AgentAddress), logger)
			if err != nil {
				return nil, "", false, fmt.Errorf("connect agent backend: %w", err)
			}
			// Streaming agent jobs may run unattended; don't reap them just
			// because every viewer has closed their tab.
			return backend, domain.BackendAgent, true, nil
		}

		if containerMgr != nil {
			containerID, err := containerMgr.EnsureContainer(ctx, string(id), "", time.Time{}, nil)
			if err != nil {
				return nil, "", false, fmt.Errorf("ensure sandbox container: %w", err)
			}
			if registry != nil {
				registry.Touch(string(id), containerID)
			}
			onActivity := func() {
				if registry != nil {
					registry.Touch(string(id), containerID)
				}
			}
			backend, err := ptybackend.NewDocker(ctx, id, containerMgr, containerID, cfg.Session.PTYScrollbackBytes, onActivity, logger)
			if err != nil {
				return nil, "", false, fmt.Errorf("start sandboxed pty: %w", err)
			}
			return backend, domain.BackendPTY, false, nil
		}

		backend, err := ptybackend.NewLocal(id, ptybackend.LocalConfig{
			Command:         defaultShell(),
			Cwd:             opts.Cwd,
			ScrollbackBytes: cfg.Session.PTYScrollbackBytes,
		}, logger)
		if err != nil {
			return nil, "", false, fmt.Errorf("start local pty: %w", err)
		}
		return backend, domain.BackendPTY, false, nil
	}
}

func defaultShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/bash"
}

type daemonMeta struct {
	PID       int    `json:"pid"`
	Port      string `json:"port"`
	StartedAt string `json:"started_at"`
}

// writeDaemonMeta persists the daemon's pid/port/start-time for
// single-instance coordination and for external tooling to discover a
// running daemon without scanning processes.
func writeDaemonMeta(path, port string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	meta := daemonMeta{PID: os.Getpid(), Port: port, StartedAt: time.Now().UTC().Format(time.RFC3339)}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
