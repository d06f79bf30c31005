package journal

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ashureev/shsh-labs/internal/domain"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "events.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestAppendPersistsEvent(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	env := domain.Envelope{Sequence: 1, Event: domain.PtyOutput("sess-1", []byte("hello"))}
	if err := j.Append(ctx, env); err != nil {
		t.Fatalf("Append: %v", err)
	}

	var count int
	row := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE sequence = ?`, 1)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("scan count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 row, got %d", count)
	}
}

func TestAppendRejectsDuplicateSequence(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	env := domain.Envelope{Sequence: 1, Event: domain.PtyOutput("sess-1", []byte("hello"))}
	if err := j.Append(ctx, env); err != nil {
		t.Fatalf("first Append: %v", err)
	}

	// A duplicate sequence number is a primary-key conflict, not a
	// SQLITE_BUSY error, so it should surface immediately without retry.
	if err := j.Append(ctx, env); err == nil {
		t.Fatal("expected an error re-inserting the same sequence")
	}
}
