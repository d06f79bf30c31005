package notify

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *SubscriptionStore {
	t.Helper()
	return NewSubscriptionStore(filepath.Join(t.TempDir(), "push_subscriptions.json"))
}

func TestSubscriptionStoreAddAndList(t *testing.T) {
	s := newTestStore(t)

	id, err := s.Add("https://push.example.com/a", Keys{P256dh: "p1", Auth: "a1"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	subs, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(subs) != 1 || subs[0].ID != id {
		t.Fatalf("got %+v", subs)
	}
}

func TestSubscriptionStoreAddReplacesSameEndpoint(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Add("https://push.example.com/a", Keys{P256dh: "p1", Auth: "a1"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	_, err = s.Add("https://push.example.com/a", Keys{P256dh: "p2", Auth: "a2"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	subs, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(subs) != 1 || subs[0].Keys.P256dh != "p2" {
		t.Fatalf("expected re-subscription to replace the prior record, got %+v", subs)
	}
}

func TestSubscriptionStoreRemove(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.Add("https://push.example.com/a", Keys{P256dh: "p1", Auth: "a1"})

	if err := s.Remove(id); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	subs, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(subs) != 0 {
		t.Fatalf("expected no subscriptions after Remove, got %+v", subs)
	}
}

func TestSubscriptionStoreCleanupStale(t *testing.T) {
	s := newTestStore(t)
	id1, _ := s.Add("https://push.example.com/a", Keys{})
	id2, _ := s.Add("https://push.example.com/b", Keys{})

	if err := s.CleanupStale([]string{id1}); err != nil {
		t.Fatalf("CleanupStale: %v", err)
	}

	subs, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(subs) != 1 || subs[0].ID != id2 {
		t.Fatalf("got %+v", subs)
	}
}
