package index

import (
	"bytes"
	"testing"

	"github.com/graphvec/corevdb/pkg/corevdberr"
	"github.com/graphvec/corevdb/pkg/vecmath"
)

func vec(vals ...float32) []float32 { return vals }

func TestInsertAndSearchFindsNearest(t *testing.T) {
	h := New(DefaultParams(2))
	points := map[string][]float32{
		"a": {0, 0},
		"b": {1, 0},
		"c": {10, 10},
		"d": {0, 1},
	}
	for id, v := range points {
		if err := h.Insert(id, v); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}

	ids, dists, err := h.Search([]float32{0, 0}, 2, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 results, got %d", len(ids))
	}
	if ids[0] != "a" {
		t.Fatalf("expected closest to be 'a', got %s (dists=%v)", ids[0], dists)
	}
}

func TestInsertRejectsDimensionMismatch(t *testing.T) {
	h := New(DefaultParams(3))
	if err := h.Insert("a", vec(1, 2, 3)); err != nil {
		t.Fatal(err)
	}
	err := h.Insert("b", vec(1, 2))
	if !corevdberr.IsCode(err, corevdberr.DimensionMismatch) {
		t.Fatalf("expected DimensionMismatch, got %v", err)
	}
}

func TestInsertRejectsEmptyVector(t *testing.T) {
	h := New(DefaultParams(0))
	if err := h.Insert("a", []float32{}); !corevdberr.IsCode(err, corevdberr.DimensionMismatch) {
		t.Fatalf("expected DimensionMismatch for empty vector, got %v", err)
	}
}

func TestInsertRejectsNaN(t *testing.T) {
	h := New(DefaultParams(2))
	var zero float32
	err := h.Insert("a", vec(zero/zero, 0))
	if err == nil {
		t.Fatal("expected error for NaN vector")
	}
}

func TestInsertDuplicateIDReinserts(t *testing.T) {
	h := New(DefaultParams(2))
	if err := h.Insert("a", vec(0, 0)); err != nil {
		t.Fatal(err)
	}
	if err := h.Insert("b", vec(5, 5)); err != nil {
		t.Fatal(err)
	}
	if err := h.Insert("a", vec(5, 5)); err != nil {
		t.Fatalf("re-insert of existing id should succeed: %v", err)
	}
	if h.Size() != 2 {
		t.Fatalf("expected 2 nodes after re-insert, got %d", h.Size())
	}
	ids, _, err := h.Search(vec(5, 5), 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected 1 result, got %d", len(ids))
	}
}

func TestDeleteRemovesFromNeighborsAndReelectsEntryPoint(t *testing.T) {
	h := New(DefaultParams(2))
	for id, v := range map[string][]float32{
		"a": {0, 0}, "b": {1, 0}, "c": {2, 0}, "d": {3, 0},
	} {
		if err := h.Insert(id, v); err != nil {
			t.Fatal(err)
		}
	}
	entry := h.entryPoint
	if err := h.Delete(entry); err != nil {
		t.Fatal(err)
	}
	if h.Size() != 3 {
		t.Fatalf("expected 3 nodes after delete, got %d", h.Size())
	}
	for _, node := range h.nodes {
		for _, nbs := range node.Neighbors {
			for _, nb := range nbs {
				if nb == entry {
					t.Fatalf("deleted id %s still referenced by %s", entry, node.ID)
				}
			}
		}
	}
}

func TestDeleteMissingReturnsNotFound(t *testing.T) {
	h := New(DefaultParams(2))
	if err := h.Delete("nope"); !corevdberr.IsCode(err, corevdberr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestDeleteLastNodeClearsEntryPoint(t *testing.T) {
	h := New(DefaultParams(2))
	if err := h.Insert("a", vec(0, 0)); err != nil {
		t.Fatal(err)
	}
	if err := h.Delete("a"); err != nil {
		t.Fatal(err)
	}
	if h.entryPoint != "" || h.maxLevel != 0 {
		t.Fatalf("expected cleared entry point and max level, got %q %d", h.entryPoint, h.maxLevel)
	}
}

func TestSearchClampsEfBelowK(t *testing.T) {
	h := New(DefaultParams(2))
	for id, v := range map[string][]float32{"a": {0, 0}, "b": {1, 1}, "c": {2, 2}} {
		if err := h.Insert(id, v); err != nil {
			t.Fatal(err)
		}
	}
	ids, _, err := h.Search(vec(0, 0), 3, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected ef to be clamped up to k=3, got %d results", len(ids))
	}
}

func TestSaveLoadRoundTripPreservesMetric(t *testing.T) {
	h := New(Params{Dim: 2, M: 16, EfConstruction: 200, Distance: vecmath.Euclidean})
	for id, v := range map[string][]float32{"a": {0, 0}, "b": {1, 1}} {
		if err := h.Insert(id, v); err != nil {
			t.Fatal(err)
		}
	}
	var buf bytes.Buffer
	if err := h.Save(&buf); err != nil {
		t.Fatal(err)
	}

	loaded := New(DefaultParams(0))
	if err := loaded.Load(&buf); err != nil {
		t.Fatal(err)
	}
	if loaded.DistName != vecmath.Euclidean {
		t.Fatalf("expected metric to survive round trip, got %q", loaded.DistName)
	}
	if loaded.Size() != 2 {
		t.Fatalf("expected 2 nodes after load, got %d", loaded.Size())
	}
}
