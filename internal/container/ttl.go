package container

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Registry tracks which owner (a session id, for the sandboxed PTY backend)
// is bound to which running container, and when it was last touched. There
// is no per-owner persistent row to query here, so idle tracking lives in
// memory and is rebuilt from EnsureContainer calls as sessions are created.
type Registry struct {
	mu      sync.Mutex
	entries map[string]registryEntry
}

type registryEntry struct {
	containerID string
	lastSeenAt  time.Time
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registryEntry)}
}

// Touch records that ownerID's container is still in active use.
func (r *Registry) Touch(ownerID, containerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[ownerID] = registryEntry{containerID: containerID, lastSeenAt: time.Now()}
}

// Forget removes ownerID from tracking, typically once its container has
// been stopped.
func (r *Registry) Forget(ownerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, ownerID)
}

type expiredOwner struct {
	ownerID     string
	containerID string
}

func (r *Registry) expired(ttl time.Duration) []expiredOwner {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []expiredOwner
	now := time.Now()
	for owner, e := range r.entries {
		if now.Sub(e.lastSeenAt) >= ttl {
			out = append(out, expiredOwner{ownerID: owner, containerID: e.containerID})
		}
	}
	return out
}

const ttlWorkerInterval = 5 * time.Minute

// CleanupCallback is invoked for each owner whose sandbox container was
// reaped, so the caller can tear down any session still pointing at it.
type CleanupCallback func(ownerID string)

// StartTTLWorker runs a background goroutine that periodically sweeps for
// containers whose owner has not touched them in ttl. log may be nil.
func StartTTLWorker(ctx context.Context, registry *Registry, mgr Manager, ttl time.Duration, onCleanup CleanupCallback, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "container_ttl_worker")

	ticker := time.NewTicker(ttlWorkerInterval)
	go func() {
		defer ticker.Stop()
		log.Info("sandbox TTL worker started", "interval", ttlWorkerInterval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				sweepExpiredContainers(ctx, registry, mgr, ttl, onCleanup, log)
			case <-ctx.Done():
				log.Info("sandbox TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepExpiredContainers(ctx context.Context, registry *Registry, mgr Manager, ttl time.Duration, onCleanup CleanupCallback, log *slog.Logger) {
	expired := registry.expired(ttl)
	if len(expired) == 0 {
		return
	}

	log.Info("sandbox TTL worker found expired containers", "count", len(expired))

	for _, e := range expired {
		log.Info("sandbox TTL worker stopping container",
			"container_id", e.containerID,
			"owner_id", e.ownerID)

		if err := mgr.StopContainer(ctx, e.containerID); err != nil {
			log.Error("sandbox TTL worker failed to stop container",
				"error", err,
				"container_id", e.containerID,
				"owner_id", e.ownerID)
			continue
		}

		registry.Forget(e.ownerID)
		if onCleanup != nil {
			onCleanup(e.ownerID)
		}
	}

	log.Info("sandbox TTL worker cleanup completed", "cleaned", len(expired))
}
