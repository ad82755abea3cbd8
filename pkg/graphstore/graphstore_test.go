package graphstore

import (
	"context"
	"testing"

	"github.com/graphvec/corevdb/pkg/changelog"
	"github.com/graphvec/corevdb/pkg/corevdberr"
	"github.com/graphvec/corevdb/pkg/logx"
	"github.com/graphvec/corevdb/pkg/storage"
	"github.com/graphvec/corevdb/pkg/storage/memory"
)

func newTestStore() (*Store, storage.Adapter) {
	adapter := memory.New()
	w := changelog.NewWriter(adapter)
	return New(adapter, w, logx.Nop()), adapter
}

func TestAddNounCoercesUnknownTypeAndStampsTimestamps(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()

	n, err := s.AddNoun(ctx, &storage.Noun{Type: "NotARealType"})
	if err != nil {
		t.Fatal(err)
	}
	if n.Type != storage.DefaultNounType {
		t.Fatalf("expected coercion to %s, got %s", storage.DefaultNounType, n.Type)
	}
	if n.ID == "" || n.CreatedAt.IsZero() || n.UpdatedAt.IsZero() {
		t.Fatalf("expected stamped id/timestamps, got %+v", n)
	}
}

func TestAddNounDuplicatesEmbeddedVerbsGlobally(t *testing.T) {
	ctx := context.Background()
	s, adapter := newTestStore()

	n, err := s.AddNoun(ctx, &storage.Noun{
		ID:   "n1",
		Type: storage.TypePerson,
		EmbeddedVerbs: []storage.Verb{
			{Target: "n2", Type: storage.VerbRelatedTo},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(n.EmbeddedVerbs) != 1 {
		t.Fatalf("expected 1 embedded verb, got %d", len(n.EmbeddedVerbs))
	}

	page, err := adapter.ListVerbs(ctx, storage.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 1 || page.Items[0].Source != "n1" || page.Items[0].Target != "n2" {
		t.Fatalf("expected embedded verb duplicated globally, got %+v", page.Items)
	}
}

func TestDeleteNounSoftKeepsRecordMarkedDeleted(t *testing.T) {
	ctx := context.Background()
	s, adapter := newTestStore()

	if _, err := s.AddNoun(ctx, &storage.Noun{ID: "n1", Type: storage.TypeThing}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteNoun(ctx, "n1", false); err != nil {
		t.Fatal(err)
	}
	n, err := adapter.GetNoun(ctx, "n1")
	if err != nil {
		t.Fatal(err)
	}
	if n == nil || !n.Deleted {
		t.Fatalf("expected soft-deleted noun to remain with Deleted=true, got %+v", n)
	}
}

func TestDeleteNounHardCascadesToVerbs(t *testing.T) {
	ctx := context.Background()
	s, adapter := newTestStore()

	if _, err := s.AddNoun(ctx, &storage.Noun{ID: "n1", Type: storage.TypeThing}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddNoun(ctx, &storage.Noun{ID: "n2", Type: storage.TypeThing}); err != nil {
		t.Fatal(err)
	}
	v, err := s.AddVerb(ctx, &storage.Verb{Source: "n1", Target: "n2", Type: storage.VerbRelatedTo})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteNoun(ctx, "n1", true); err != nil {
		t.Fatal(err)
	}
	if n, _ := adapter.GetNoun(ctx, "n1"); n != nil {
		t.Fatalf("expected n1 to be gone, got %+v", n)
	}
	if vv, _ := adapter.GetVerb(ctx, v.ID); vv != nil {
		t.Fatalf("expected cascaded verb to be removed, got %+v", vv)
	}
}

func TestGetNounMissingReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore()
	if _, err := s.GetNoun(ctx, "nope"); !corevdberr.IsCode(err, corevdberr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
