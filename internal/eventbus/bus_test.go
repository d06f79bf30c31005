package eventbus

import (
	"testing"

	"github.com/ashureev/shsh-labs/internal/domain"
)

func TestPublishSequenceStrictlyIncreasing(t *testing.T) {
	b := New(16)
	var last uint64
	for i := 0; i < 50; i++ {
		seq := b.Publish(domain.ClientConnected("c"))
		if i > 0 && seq <= last {
			t.Fatalf("sequence did not strictly increase: last=%d seq=%d", last, seq)
		}
		last = seq
	}
}

func TestSubscribeStartsAtCurrentSequence(t *testing.T) {
	b := New(16)
	b.Publish(domain.ClientConnected("before"))

	sub := b.Subscribe()
	defer sub.Close()

	envs, lagged := sub.Next(0)
	if lagged {
		t.Fatalf("unexpected lag on fresh subscription")
	}
	if len(envs) != 0 {
		t.Fatalf("expected no history for a fresh subscriber, got %d events", len(envs))
	}

	b.Publish(domain.ClientConnected("after"))
	envs, _ = sub.Next(0)
	if len(envs) != 1 || envs[0].Event.ClientID != "after" {
		t.Fatalf("expected exactly the post-subscribe event, got %+v", envs)
	}
}

// TestRingLagDetection covers a paused-subscriber scenario: ring capacity 8,
// one paused subscriber, 20 events published; the subscriber's next read
// observes a Lagged marker and the producer was never blocked.
func TestRingLagDetection(t *testing.T) {
	b := New(8)
	sub := b.Subscribe()
	defer sub.Close()

	for i := 0; i < 20; i++ {
		b.Publish(domain.ClientConnected("c"))
	}

	envs, lagged := sub.Next(0)
	if !lagged {
		t.Fatalf("expected subscriber to be marked lagged")
	}
	if len(envs) == 0 {
		t.Fatalf("expected lagged subscriber to still receive whatever the ring retained")
	}
	if envs[0].Sequence != 12 { // earliest retained = nextSeq(20) - capacity(8)
		t.Fatalf("expected replay to resume at earliest retained sequence 12, got %d", envs[0].Sequence)
	}
}

func TestReplaySinceOldestFirst(t *testing.T) {
	b := New(16)
	for i := 0; i < 5; i++ {
		b.Publish(domain.ClientConnected("c"))
	}
	envs, lagged := b.ReplaySince(0, 0)
	if lagged {
		t.Fatalf("unexpected lag when ring never wrapped")
	}
	for i, e := range envs {
		if e.Sequence != uint64(i) {
			t.Fatalf("expected oldest-first ordering, got sequence %d at index %d", e.Sequence, i)
		}
	}
}

func TestNoDuplicatesAcrossConsecutiveNext(t *testing.T) {
	b := New(16)
	sub := b.Subscribe()
	defer sub.Close()

	for i := 0; i < 3; i++ {
		b.Publish(domain.ClientConnected("c"))
	}
	first, _ := sub.Next(0)
	for i := 0; i < 2; i++ {
		b.Publish(domain.ClientConnected("c"))
	}
	second, _ := sub.Next(0)

	seen := make(map[uint64]bool)
	for _, e := range append(first, second...) {
		if seen[e.Sequence] {
			t.Fatalf("duplicate sequence %d observed across reads", e.Sequence)
		}
		seen[e.Sequence] = true
	}
	if len(seen) != 5 {
		t.Fatalf("expected 5 distinct events, got %d", len(seen))
	}
}
