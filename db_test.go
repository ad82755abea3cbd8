package corevdb

import (
	"context"
	"testing"

	"github.com/graphvec/corevdb/pkg/orchestrator"
)

func TestOpenAddSearchClose(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig(3)

	db, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() {
		if err := db.Close(ctx); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	}()

	orch := db.Orchestrator()

	if _, err := orch.Add(ctx, orchestrator.AddInput{ID: "a", Vector: []float32{1, 0, 0}}); err != nil {
		t.Fatalf("failed to add noun: %v", err)
	}
	if _, err := orch.Add(ctx, orchestrator.AddInput{ID: "b", Vector: []float32{0, 1, 0}}); err != nil {
		t.Fatalf("failed to add noun: %v", err)
	}

	results, err := orch.Search(ctx, []float32{1, 0, 0}, 1, nil)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 1 || results[0].Noun.ID != "a" {
		t.Fatalf("expected nearest result to be 'a', got %+v", results)
	}

	stats, err := db.Statistics().Snapshot(ctx, true)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if stats.Services == nil {
		t.Fatalf("expected a populated statistics snapshot, got %+v", stats)
	}
}

func TestOpenRejectsZeroDimensions(t *testing.T) {
	if _, err := Open(context.Background(), DefaultConfig(0)); err == nil {
		t.Fatalf("expected Open to reject zero dimensions")
	}
}

func TestOpenRejectsUnknownStorageType(t *testing.T) {
	cfg := DefaultConfig(3)
	cfg.StorageType = "nonsense"
	if _, err := Open(context.Background(), cfg); err == nil {
		t.Fatalf("expected Open to reject an unrecognized storage type")
	}
}

func TestCheckpointKeepsIndexSearchable(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig(2)
	cfg.StorageType = StorageMemory

	db, err := Open(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Orchestrator().Add(ctx, orchestrator.AddInput{ID: "a", Vector: []float32{1, 1}}); err != nil {
		t.Fatal(err)
	}
	if err := db.Checkpoint(ctx); err != nil {
		t.Fatal(err)
	}

	results, err := db.Orchestrator().Search(ctx, []float32{1, 1}, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected the checkpointed index to still serve searches, got %+v", results)
	}
}
