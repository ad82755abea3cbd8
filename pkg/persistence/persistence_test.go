package persistence

import (
	"context"
	"testing"

	"github.com/graphvec/corevdb/pkg/index"
	"github.com/graphvec/corevdb/pkg/logx"
	"github.com/graphvec/corevdb/pkg/storage"
	"github.com/graphvec/corevdb/pkg/storage/memory"
)

func TestCheckpointRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	adapter := memory.New()
	if err := adapter.Init(ctx); err != nil {
		t.Fatal(err)
	}
	b := New(adapter, logx.Nop())

	h := index.New(index.DefaultParams(2))
	if err := h.Insert("a", []float32{0, 0}); err != nil {
		t.Fatal(err)
	}
	if err := h.Insert("b", []float32{1, 1}); err != nil {
		t.Fatal(err)
	}
	if err := b.Checkpoint(ctx, h); err != nil {
		t.Fatal(err)
	}

	loaded := index.New(index.DefaultParams(0))
	ok, err := b.Restore(ctx, loaded)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected checkpoint to be found")
	}
	if loaded.Size() != 2 {
		t.Fatalf("expected 2 nodes restored, got %d", loaded.Size())
	}
}

func TestRestoreMissReportsFalse(t *testing.T) {
	ctx := context.Background()
	adapter := memory.New()
	if err := adapter.Init(ctx); err != nil {
		t.Fatal(err)
	}
	b := New(adapter, logx.Nop())

	loaded := index.New(index.DefaultParams(0))
	ok, err := b.Restore(ctx, loaded)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected no checkpoint to be found")
	}
}

func TestOpenFallsBackToRebuildWhenNoCheckpoint(t *testing.T) {
	ctx := context.Background()
	adapter := memory.New()
	if err := adapter.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if err := adapter.SaveNoun(ctx, &storage.Noun{ID: "a", Vector: []float32{1, 2}, Type: storage.TypeConcept}); err != nil {
		t.Fatal(err)
	}
	if err := adapter.SaveNoun(ctx, &storage.Noun{ID: "b", Vector: []float32{3, 4}, Type: storage.TypeConcept, Deleted: true}); err != nil {
		t.Fatal(err)
	}
	b := New(adapter, logx.Nop())

	h := index.New(index.DefaultParams(2))
	var inserted []string
	err := b.Open(ctx, h, func(id string, v []float32) error {
		inserted = append(inserted, id)
		return h.Insert(id, v)
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(inserted) != 1 || inserted[0] != "a" {
		t.Fatalf("expected only non-deleted noun 'a' to be rebuilt, got %v", inserted)
	}
	if h.Size() != 1 {
		t.Fatalf("expected 1 node after rebuild, got %d", h.Size())
	}
}
