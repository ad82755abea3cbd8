package changelog

import (
	"context"
	"testing"
	"time"

	"github.com/graphvec/corevdb/pkg/storage"
	"github.com/graphvec/corevdb/pkg/storage/memory"
)

func TestWriterAppendStampsDigest(t *testing.T) {
	ctx := context.Background()
	adapter := memory.New()
	w := NewWriter(adapter)

	if err := w.Append(ctx, storage.ChangeAdd, storage.EntityNoun, "n1", map[string]any{"x": 1}); err != nil {
		t.Fatal(err)
	}

	ch, err := adapter.GetChangesSince(ctx, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	var entries []storage.ChangeLogEntry
	for e := range ch {
		entries = append(entries, e)
	}
	if len(entries) != 1 || entries[0].Digest == "" || entries[0].ID != "n1" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestFollowerPollAdvancesCheckpoint(t *testing.T) {
	ctx := context.Background()
	adapter := memory.New()
	w := NewWriter(adapter)

	var seen []string
	f := NewFollower(adapter, time.Time{}, time.Hour, func(ctx context.Context, e storage.ChangeLogEntry) error {
		seen = append(seen, e.ID)
		return nil
	})

	if err := w.Append(ctx, storage.ChangeAdd, storage.EntityNoun, "n1", nil); err != nil {
		t.Fatal(err)
	}
	if err := f.poll(ctx); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 1 || seen[0] != "n1" {
		t.Fatalf("expected to observe n1, got %v", seen)
	}

	if err := f.poll(ctx); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 1 {
		t.Fatalf("expected no replay on second poll, got %v", seen)
	}

	if err := w.Append(ctx, storage.ChangeAdd, storage.EntityNoun, "n2", nil); err != nil {
		t.Fatal(err)
	}
	if err := f.poll(ctx); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 2 || seen[1] != "n2" {
		t.Fatalf("expected to observe n2 next, got %v", seen)
	}
}
