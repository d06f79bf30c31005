package notify

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Subscription is one browser's Web Push registration.
type Subscription struct {
	ID       string `json:"id"`
	Endpoint string `json:"endpoint"`
	Keys     Keys   `json:"keys"`
}

// Keys holds the subscription's encryption material, as delivered by the
// browser's PushManager.subscribe().
type Keys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// SubscriptionStore is a JSON-on-disk document behind a single lock: the
// whole file is read, mutated, and rewritten on every operation, a
// "load full state, mutate, persist" discipline translated from SQLite rows
// to a flat JSON array.
type SubscriptionStore struct {
	mu   sync.Mutex
	path string
}

// NewSubscriptionStore opens (without yet reading) the store backed by path.
func NewSubscriptionStore(path string) *SubscriptionStore {
	return &SubscriptionStore{path: path}
}

func (s *SubscriptionStore) load() ([]Subscription, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("notify: read subscription store: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var subs []Subscription
	if err := json.Unmarshal(data, &subs); err != nil {
		return nil, fmt.Errorf("notify: parse subscription store: %w", err)
	}
	return subs, nil
}

func (s *SubscriptionStore) persist(subs []Subscription) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("notify: create subscription store dir: %w", err)
	}
	data, err := json.MarshalIndent(subs, "", "  ")
	if err != nil {
		return fmt.Errorf("notify: serialize subscription store: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("notify: write subscription store: %w", err)
	}
	return nil
}

// Add registers a new subscription, returning its assigned ID. Re-adding the
// same endpoint replaces the prior record so a browser resubscribing does
// not accumulate duplicates.
func (s *SubscriptionStore) Add(endpoint string, keys Keys) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs, err := s.load()
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	filtered := subs[:0]
	for _, sub := range subs {
		if sub.Endpoint != endpoint {
			filtered = append(filtered, sub)
		}
	}
	filtered = append(filtered, Subscription{ID: id, Endpoint: endpoint, Keys: keys})

	if err := s.persist(filtered); err != nil {
		return "", err
	}
	return id, nil
}

// Remove deletes the subscription with the given ID, if present.
func (s *SubscriptionStore) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs, err := s.load()
	if err != nil {
		return err
	}

	filtered := subs[:0]
	for _, sub := range subs {
		if sub.ID != id {
			filtered = append(filtered, sub)
		}
	}
	return s.persist(filtered)
}

// List returns a snapshot of all registered subscriptions.
func (s *SubscriptionStore) List() ([]Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// CleanupStale atomically removes the subscriptions named by ids, called
// after a delivery attempt reports the endpoint is gone (404/410).
func (s *SubscriptionStore) CleanupStale(ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stale := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		stale[id] = struct{}{}
	}

	subs, err := s.load()
	if err != nil {
		return err
	}

	filtered := subs[:0]
	for _, sub := range subs {
		if _, isStale := stale[sub.ID]; !isStale {
			filtered = append(filtered, sub)
		}
	}
	return s.persist(filtered)
}
