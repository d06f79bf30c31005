package session

import (
	"context"

	"github.com/ashureev/shsh-labs/internal/domain"
)

// mockBackend is a trivial in-memory Backend for manager tests, grounded on
// original_source/vibes-core/src/pty/backend.rs's MockPtyBackend/MockReader
// pattern: a backend whose I/O is entirely test-controlled rather than
// touching a real process or network.
type mockBackend struct {
	events  chan domain.DomainEvent
	sent    [][]byte
	closed  bool
	resized []struct{ Cols, Rows int }
}

func newMockBackend() *mockBackend {
	return &mockBackend{events: make(chan domain.DomainEvent, 16)}
}

func (m *mockBackend) Events() <-chan domain.DomainEvent { return m.events }

func (m *mockBackend) Send(_ context.Context, input []byte) error {
	cp := make([]byte, len(input))
	copy(cp, input)
	m.sent = append(m.sent, cp)
	return nil
}

func (m *mockBackend) Resize(cols, rows int) error {
	m.resized = append(m.resized, struct{ Cols, Rows int }{cols, rows})
	return nil
}

func (m *mockBackend) Reset(_ context.Context) error { return nil }

func (m *mockBackend) Close() error {
	if !m.closed {
		m.closed = true
		close(m.events)
	}
	return nil
}
