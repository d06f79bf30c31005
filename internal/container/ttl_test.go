package container

import (
	"testing"
	"time"
)

func TestRegistryExpiredOnlyReturnsStaleOwners(t *testing.T) {
	r := NewRegistry()
	r.Touch("fresh", "c-1")

	r.mu.Lock()
	r.entries["stale"] = registryEntry{containerID: "c-2", lastSeenAt: time.Now().Add(-time.Hour)}
	r.mu.Unlock()

	expired := r.expired(time.Minute)
	if len(expired) != 1 || expired[0].ownerID != "stale" {
		t.Fatalf("expected only 'stale' to be expired, got %+v", expired)
	}
}

func TestRegistryForgetRemovesOwner(t *testing.T) {
	r := NewRegistry()
	r.Touch("owner", "c-1")
	r.Forget("owner")

	if len(r.expired(0)) != 0 {
		t.Fatalf("expected no entries after Forget")
	}
}
