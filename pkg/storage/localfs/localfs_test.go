package localfs

import (
	"context"
	"testing"
	"time"

	"github.com/graphvec/corevdb/pkg/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(t.TempDir())
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return s
}

func TestSaveGetDeleteNounFS(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	n := &storage.Noun{ID: "a", Vector: []float32{1, 2, 3}, Type: storage.TypePerson}
	if err := s.SaveNoun(ctx, n); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetNoun(ctx, "a")
	if err != nil || got == nil || got.Type != storage.TypePerson {
		t.Fatalf("got %+v err %v", got, err)
	}
	if err := s.DeleteNoun(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	got2, err := s.GetNoun(ctx, "a")
	if err != nil || got2 != nil {
		t.Fatalf("expected nil after delete, got %+v err %v", got2, err)
	}
}

func TestChangeLogAppendOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := time.Now().UTC()
	for i, id := range []string{"n1", "n2", "n3"} {
		entry := storage.ChangeLogEntry{
			Timestamp: base.Add(time.Duration(i) * time.Millisecond),
			Op:        storage.ChangeAdd,
			Entity:    storage.EntityNoun,
			ID:        id,
			Writer:    "w1",
		}
		if err := s.AppendChangeLog(ctx, entry); err != nil {
			t.Fatal(err)
		}
	}

	ch, err := s.GetChangesSince(ctx, base.Add(-time.Second))
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for e := range ch {
		ids = append(ids, e.ID)
	}
	if len(ids) != 3 || ids[0] != "n1" || ids[2] != "n3" {
		t.Fatalf("unexpected change order: %v", ids)
	}
}

func TestLockAcquireRelease(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tok, err := s.AcquireLock(ctx, "statistics", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := s.AcquireLock(waitCtx, "statistics", time.Second); err == nil {
		t.Fatal("expected lock contention error")
	}
	if err := s.ReleaseLock(ctx, "statistics", tok); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AcquireLock(ctx, "statistics", time.Second); err != nil {
		t.Fatalf("expected reacquire to succeed, got %v", err)
	}
}

func TestStatisticsMergeAcrossIncrements(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.IncrementStatistic(ctx, storage.StatNoun, "w1", 10); err != nil {
		t.Fatal(err)
	}
	if err := s.IncrementStatistic(ctx, storage.StatNoun, "w1", 5); err != nil {
		t.Fatal(err)
	}
	partition := time.Now().UTC().Format("20060102")
	snap, err := s.GetStatistics(ctx, partition)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Services["w1"].NounCount != 15 {
		t.Fatalf("expected 15, got %d", snap.Services["w1"].NounCount)
	}
}
