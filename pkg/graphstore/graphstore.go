// Package graphstore layers noun/verb semantics — type validation and
// coercion, timestamp stamping, soft vs. hard delete, and embedded-verb
// duplication into the global verb index — on top of a bare storage.Adapter,
// per §4.9. It never touches a backend directly; every mutation goes through
// the adapter contract so it works identically across all four backends.
package graphstore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/graphvec/corevdb/pkg/changelog"
	"github.com/graphvec/corevdb/pkg/corevdberr"
	"github.com/graphvec/corevdb/pkg/logx"
	"github.com/graphvec/corevdb/pkg/storage"
)

// Store is the graph-aware read/write surface over one storage.Adapter.
type Store struct {
	adapter storage.Adapter
	writer  *changelog.Writer
	log     logx.Logger
}

// New creates a Store. writer may be nil to skip change-log emission (tests,
// or a read-only follower replica).
func New(adapter storage.Adapter, writer *changelog.Writer, log logx.Logger) *Store {
	return &Store{adapter: adapter, writer: writer, log: log}
}

func (s *Store) append(ctx context.Context, op storage.ChangeOp, entity storage.ChangeEntity, id string, payload interface{}) {
	if s.writer == nil {
		return
	}
	if err := s.writer.Append(ctx, op, entity, id, payload); err != nil {
		s.log.Warn("change log append failed", "id", id, "error", err)
	}
}

// coerceNounType substitutes storage.DefaultNounType for an unrecognized tag,
// logging a warning rather than rejecting the write, per §4.9's edge case.
func (s *Store) coerceNounType(t storage.NounType) storage.NounType {
	if storage.IsValidNounType(t) {
		return t
	}
	s.log.Warn("unrecognized noun type coerced to default", "type", t, "default", storage.DefaultNounType)
	return storage.DefaultNounType
}

func (s *Store) coerceVerbType(t storage.VerbType) storage.VerbType {
	if storage.IsValidVerbType(t) {
		return t
	}
	s.log.Warn("unrecognized verb type coerced to default", "type", t, "default", storage.DefaultVerbType)
	return storage.DefaultVerbType
}

// AddNoun validates/coerces n's type, stamps timestamps and an id if absent,
// saves it, and duplicates every embedded verb into the global verb store for
// O(1) forward traversal plus global indexing, per §4.9.
func (s *Store) AddNoun(ctx context.Context, n *storage.Noun) (*storage.Noun, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.Type = s.coerceNounType(n.Type)
	now := time.Now().UTC()
	n.CreatedAt = now
	n.UpdatedAt = now

	if err := s.adapter.SaveNoun(ctx, n); err != nil {
		return nil, err
	}
	s.append(ctx, storage.ChangeAdd, storage.EntityNoun, n.ID, n)

	for i := range n.EmbeddedVerbs {
		v := n.EmbeddedVerbs[i]
		v.Source = n.ID
		if _, err := s.AddVerb(ctx, &v); err != nil {
			s.log.Warn("embedded verb duplication failed", "noun", n.ID, "error", err)
		}
	}
	return n, nil
}

// GetNoun returns the noun by id, or corevdberr.ErrNotFound if absent.
func (s *Store) GetNoun(ctx context.Context, id string) (*storage.Noun, error) {
	n, err := s.adapter.GetNoun(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, corevdberr.ErrNotFound
	}
	return n, nil
}

// UpdateNoun fetches the existing noun, applies mutate, restamps UpdatedAt,
// and saves the result.
func (s *Store) UpdateNoun(ctx context.Context, id string, mutate func(*storage.Noun)) (*storage.Noun, error) {
	n, err := s.GetNoun(ctx, id)
	if err != nil {
		return nil, err
	}
	mutate(n)
	n.Type = s.coerceNounType(n.Type)
	n.UpdatedAt = time.Now().UTC()
	if err := s.adapter.SaveNoun(ctx, n); err != nil {
		return nil, err
	}
	s.append(ctx, storage.ChangeUpdate, storage.EntityNoun, id, n)
	return n, nil
}

// DeleteNoun removes a noun. Soft delete (the default) marks Deleted=true and
// keeps the record, matching §4.9's preference for recoverable deletes. Hard
// delete removes the noun outright and cascades to every verb referencing it
// as source or target.
func (s *Store) DeleteNoun(ctx context.Context, id string, hard bool) error {
	if !hard {
		_, err := s.UpdateNoun(ctx, id, func(n *storage.Noun) { n.Deleted = true })
		if err != nil {
			return err
		}
		s.append(ctx, storage.ChangeDelete, storage.EntityNoun, id, nil)
		return nil
	}

	if err := s.adapter.DeleteNoun(ctx, id); err != nil {
		return err
	}
	s.append(ctx, storage.ChangeDelete, storage.EntityNoun, id, nil)

	cursor := ""
	for {
		page, err := s.adapter.ListVerbs(ctx, storage.ListOptions{Cursor: cursor, Limit: 500, IncludeDeleted: true})
		if err != nil {
			return err
		}
		for _, v := range page.Items {
			if v.Source == id || v.Target == id {
				if err := s.DeleteVerb(ctx, v.ID, true); err != nil {
					s.log.Warn("cascade verb delete failed", "verb", v.ID, "noun", id, "error", err)
				}
			}
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	return nil
}

// ListNouns passes opts through to the adapter unchanged; the adapter owns
// pagination and filtering.
func (s *Store) ListNouns(ctx context.Context, opts storage.ListOptions) (storage.Page[*storage.Noun], error) {
	return s.adapter.ListNouns(ctx, opts)
}

// AddVerb validates/coerces v's type, stamps timestamps and an id if absent,
// and saves it to the global verb store.
func (s *Store) AddVerb(ctx context.Context, v *storage.Verb) (*storage.Verb, error) {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	v.Type = s.coerceVerbType(v.Type)
	now := time.Now().UTC()
	v.CreatedAt = now
	v.UpdatedAt = now

	if err := s.adapter.SaveVerb(ctx, v); err != nil {
		return nil, err
	}
	s.append(ctx, storage.ChangeAdd, storage.EntityVerb, v.ID, v)
	return v, nil
}

// GetVerb returns the verb by id, or corevdberr.ErrNotFound if absent.
func (s *Store) GetVerb(ctx context.Context, id string) (*storage.Verb, error) {
	v, err := s.adapter.GetVerb(ctx, id)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, corevdberr.ErrNotFound
	}
	return v, nil
}

// DeleteVerb removes a verb, soft by default (Deleted=true) or hard
// (removed outright) when hard is true.
func (s *Store) DeleteVerb(ctx context.Context, id string, hard bool) error {
	if !hard {
		v, err := s.GetVerb(ctx, id)
		if err != nil {
			return err
		}
		v.Deleted = true
		v.UpdatedAt = time.Now().UTC()
		if err := s.adapter.SaveVerb(ctx, v); err != nil {
			return err
		}
		s.append(ctx, storage.ChangeDelete, storage.EntityVerb, id, nil)
		return nil
	}
	if err := s.adapter.DeleteVerb(ctx, id); err != nil {
		return err
	}
	s.append(ctx, storage.ChangeDelete, storage.EntityVerb, id, nil)
	return nil
}

// ListVerbs passes opts through to the adapter unchanged.
func (s *Store) ListVerbs(ctx context.Context, opts storage.ListOptions) (storage.Page[*storage.Verb], error) {
	return s.adapter.ListVerbs(ctx, opts)
}
