package orchestrator

import (
	"context"
	"testing"

	"github.com/graphvec/corevdb/pkg/changelog"
	"github.com/graphvec/corevdb/pkg/corevdberr"
	"github.com/graphvec/corevdb/pkg/graphstore"
	"github.com/graphvec/corevdb/pkg/index"
	"github.com/graphvec/corevdb/pkg/logx"
	"github.com/graphvec/corevdb/pkg/statistics"
	"github.com/graphvec/corevdb/pkg/storage"
	"github.com/graphvec/corevdb/pkg/storage/memory"
)

func newTestOrchestrator() *Orchestrator {
	adapter := memory.New()
	writer := changelog.NewWriter(adapter)
	graph := graphstore.New(adapter, writer, logx.Nop())
	stats := statistics.New(adapter, logx.Nop())
	idx := index.New(index.DefaultParams(2))
	return New(idx, graph, stats, logx.Nop(), Options{OversamplingFactor: 2})
}

func TestAddThenSearchFindsNearest(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator()

	if _, err := o.Add(ctx, AddInput{ID: "a", Vector: []float32{0, 0}, Type: storage.TypeThing}); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Add(ctx, AddInput{ID: "b", Vector: []float32{9, 9}, Type: storage.TypeThing}); err != nil {
		t.Fatal(err)
	}

	results, err := o.Search(ctx, []float32{0, 0}, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Noun.ID != "a" {
		t.Fatalf("expected nearest to be 'a', got %+v", results)
	}
}

func TestAddWithExistingIDUpdatesInstead(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator()

	if _, err := o.Add(ctx, AddInput{ID: "a", Vector: []float32{0, 0}}); err != nil {
		t.Fatal(err)
	}
	n, err := o.Add(ctx, AddInput{ID: "a", Vector: []float32{5, 5}})
	if err != nil {
		t.Fatal(err)
	}
	if n.Vector[0] != 5 {
		t.Fatalf("expected vector to be replaced, got %v", n.Vector)
	}
}

func TestSearchFiltersPlaceholders(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator()

	if _, err := o.graph.AddNoun(ctx, &storage.Noun{ID: "ghost", Placeholder: true}); err != nil {
		t.Fatal(err)
	}
	if err := o.index.Insert("ghost", []float32{0, 0}); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Add(ctx, AddInput{ID: "real", Vector: []float32{0, 0}}); err != nil {
		t.Fatal(err)
	}

	results, err := o.Search(ctx, []float32{0, 0}, 5, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range results {
		if r.Noun.Placeholder {
			t.Fatalf("expected placeholders filtered from search, got %+v", r.Noun)
		}
	}
}

func TestSearchAppliesMetadataFilter(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator()

	if _, err := o.Add(ctx, AddInput{ID: "a", Vector: []float32{0, 0}, Metadata: map[string]interface{}{"status": "active"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Add(ctx, AddInput{ID: "b", Vector: []float32{0, 1}, Metadata: map[string]interface{}{"status": "archived"}}); err != nil {
		t.Fatal(err)
	}

	results, err := o.Search(ctx, []float32{0, 0}, 5, map[string]interface{}{"status": "active"})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Noun.ID != "a" {
		t.Fatalf("expected only 'a' to survive filter, got %+v", results)
	}
}

func TestSearchFailsFastInWriteOnlyMode(t *testing.T) {
	o := newTestOrchestrator()
	o.SetMode(ModeWriteOnly)
	if _, err := o.Search(context.Background(), []float32{0, 0}, 1, nil); !corevdberr.IsCode(err, corevdberr.WriteOnlyViolation) {
		t.Fatalf("expected WriteOnlyViolation, got %v", err)
	}
}

func TestAddFailsInReadOnlyMode(t *testing.T) {
	o := newTestOrchestrator()
	o.SetMode(ModeReadOnly)
	if _, err := o.Add(context.Background(), AddInput{ID: "a", Vector: []float32{0, 0}}); !corevdberr.IsCode(err, corevdberr.ReadOnlyViolation) {
		t.Fatalf("expected ReadOnlyViolation, got %v", err)
	}
}

func TestAddVerbAutoCreatesPlaceholders(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator()

	v, err := o.AddVerb(ctx, "x", "y", storage.VerbFollows, nil, true)
	if err != nil {
		t.Fatal(err)
	}
	if v.Source != "x" || v.Target != "y" {
		t.Fatalf("unexpected verb: %+v", v)
	}
	for _, id := range []string{"x", "y"} {
		n, err := o.graph.GetNoun(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if !n.Placeholder {
			t.Fatalf("expected %s to be a placeholder noun, got %+v", id, n)
		}
	}
}

func TestAddVerbWithoutAutoCreateFailsOnMissingEndpoint(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator()
	if _, err := o.AddVerb(ctx, "x", "y", storage.VerbFollows, nil, false); !corevdberr.IsCode(err, corevdberr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestAddVerbWriteOnlySkipsExistenceChecks(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator()
	o.SetMode(ModeWriteOnly)
	if _, err := o.AddVerb(ctx, "x", "y", storage.VerbFollows, nil, false); err != nil {
		t.Fatalf("expected write-only mode to skip endpoint checks: %v", err)
	}
}

func TestUpdateMetadataOnlyReplacesMetadata(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator()
	if _, err := o.Add(ctx, AddInput{ID: "a", Vector: []float32{0, 0}}); err != nil {
		t.Fatal(err)
	}
	n, err := o.Update(ctx, "a", nil, map[string]interface{}{"k": "v"})
	if err != nil {
		t.Fatal(err)
	}
	if n.Metadata["k"] != "v" {
		t.Fatalf("expected metadata updated, got %+v", n.Metadata)
	}
}

func TestDeleteSoftThenHard(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator()
	if _, err := o.Add(ctx, AddInput{ID: "a", Vector: []float32{0, 0}}); err != nil {
		t.Fatal(err)
	}
	if err := o.Delete(ctx, "a", false); err != nil {
		t.Fatal(err)
	}
	n, err := o.graph.GetNoun(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if !n.Deleted {
		t.Fatalf("expected soft delete to mark Deleted=true, got %+v", n)
	}

	if err := o.Delete(ctx, "a", true); err != nil {
		t.Fatal(err)
	}
	if _, err := o.graph.GetNoun(ctx, "a"); !corevdberr.IsCode(err, corevdberr.NotFound) {
		t.Fatalf("expected hard delete to remove noun, got err=%v", err)
	}
}

func TestImportReportsPerRecordFailuresWithoutAbortingBatch(t *testing.T) {
	ctx := context.Background()
	o := newTestOrchestrator()
	records := []AddInput{
		{ID: "a", Vector: []float32{0, 0}},
		{ID: "bad"}, // no vector, no text, no embed func configured
		{ID: "c", Vector: []float32{1, 1}},
	}
	report, err := o.Import(ctx, records, 2)
	if err != nil {
		t.Fatal(err)
	}
	if report.Succeeded != 2 || report.Failed != 1 {
		t.Fatalf("expected 2 succeeded, 1 failed, got %+v", report)
	}
}
