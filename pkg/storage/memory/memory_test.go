package memory

import (
	"context"
	"testing"
	"time"

	"github.com/graphvec/corevdb/pkg/corevdberr"
	"github.com/graphvec/corevdb/pkg/storage"
)

func TestSaveGetDeleteNoun(t *testing.T) {
	ctx := context.Background()
	s := New()

	n := &storage.Noun{ID: "a", Vector: []float32{1, 2, 3}, Type: storage.TypeThing}
	if err := s.SaveNoun(ctx, n); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.GetNoun(ctx, "a")
	if err != nil || got == nil {
		t.Fatalf("get: %v %v", got, err)
	}
	if got.ID != "a" || len(got.Vector) != 3 {
		t.Fatalf("unexpected noun: %+v", got)
	}

	missing, err := s.GetNoun(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected nil for missing noun, got %v %v", missing, err)
	}

	if err := s.DeleteNoun(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteNoun(ctx, "a"); !corevdberr.IsCode(err, corevdberr.NotFound) {
		t.Fatalf("expected NotFound on second delete, got %v", err)
	}
}

func TestListNounsPagination(t *testing.T) {
	ctx := context.Background()
	s := New()
	for _, id := range []string{"c", "a", "b", "d"} {
		if err := s.SaveNoun(ctx, &storage.Noun{ID: id, Type: storage.TypeThing}); err != nil {
			t.Fatal(err)
		}
	}

	page1, err := s.ListNouns(ctx, storage.ListOptions{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page1.Items) != 2 || page1.Items[0].ID != "a" || page1.Items[1].ID != "b" {
		t.Fatalf("unexpected page1: %+v", page1)
	}

	page2, err := s.ListNouns(ctx, storage.ListOptions{Limit: 2, Cursor: page1.NextCursor})
	if err != nil {
		t.Fatal(err)
	}
	if len(page2.Items) != 2 || page2.Items[0].ID != "c" || page2.Items[1].ID != "d" {
		t.Fatalf("unexpected page2: %+v", page2)
	}
	if page2.NextCursor != "" {
		t.Fatalf("expected no further cursor, got %q", page2.NextCursor)
	}
}

func TestLockTTLExpiry(t *testing.T) {
	ctx := context.Background()
	s := New()

	tok, err := s.AcquireLock(ctx, "stats", 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Millisecond)
	defer cancel()
	if _, err := s.AcquireLock(waitCtx, "stats", time.Second); !corevdberr.IsCode(err, corevdberr.LockUnavailable) {
		t.Fatalf("expected LockUnavailable, got %v", err)
	}

	time.Sleep(15 * time.Millisecond)
	tok2, err := s.AcquireLock(ctx, "stats", time.Second)
	if err != nil {
		t.Fatalf("expected reclaimable lock after TTL expiry, got %v", err)
	}
	_ = s.ReleaseLock(ctx, "stats", tok)
	_ = s.ReleaseLock(ctx, "stats", tok2)
}

func TestIncrementStatisticMerges(t *testing.T) {
	ctx := context.Background()
	s := New()
	if err := s.IncrementStatistic(ctx, storage.StatNoun, "w1", 5); err != nil {
		t.Fatal(err)
	}
	if err := s.IncrementStatistic(ctx, storage.StatNoun, "w1", 3); err != nil {
		t.Fatal(err)
	}
	partition := time.Now().UTC().Format("20060102")
	snap, err := s.GetStatistics(ctx, partition)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Services["w1"].NounCount != 8 {
		t.Fatalf("expected merged count 8, got %d", snap.Services["w1"].NounCount)
	}
}
