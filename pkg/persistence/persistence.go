// Package persistence checkpoints an in-memory HNSW index to a storage.Adapter
// and restores it on open, falling back to a full rebuild from stored nouns
// when no checkpoint exists or it fails to load, per §4.8.
package persistence

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"

	"github.com/graphvec/corevdb/pkg/logx"
	"github.com/graphvec/corevdb/pkg/storage"
)

// checkpointID is the reserved metadata id the HNSW checkpoint is stored
// under. It is not a noun id and never appears in a ListNouns page.
const checkpointID = "__index_checkpoint__"

// Index is the subset of pkg/index.HNSW/Optimized's surface persistence needs.
type Index interface {
	Save(w io.Writer) error
	Load(r io.Reader) error
}

// Bridge checkpoints and restores an Index against one storage.Adapter.
type Bridge struct {
	adapter storage.Adapter
	log     logx.Logger
}

// New creates a Bridge over adapter.
func New(adapter storage.Adapter, log logx.Logger) *Bridge {
	return &Bridge{adapter: adapter, log: log}
}

// Checkpoint serializes idx and writes it as a metadata blob. db.go calls it
// from DB.Checkpoint and on DB.Close; nothing runs it periodically.
func (b *Bridge) Checkpoint(ctx context.Context, idx Index) error {
	var buf bytes.Buffer
	if err := idx.Save(&buf); err != nil {
		return err
	}
	encoded := base64.StdEncoding.EncodeToString(buf.Bytes())
	return b.adapter.SaveMetadata(ctx, checkpointID, map[string]interface{}{
		"data": encoded,
	})
}

// Restore loads the most recent checkpoint into idx. It reports false (with a
// nil error) when no checkpoint exists yet, so the caller knows to fall back
// to Rebuild.
func (b *Bridge) Restore(ctx context.Context, idx Index) (bool, error) {
	m, err := b.adapter.GetMetadata(ctx, checkpointID)
	if err != nil {
		return false, err
	}
	if m == nil {
		return false, nil
	}
	raw, ok := m["data"].(string)
	if !ok || raw == "" {
		return false, nil
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		b.log.Warn("checkpoint decode failed, falling back to rebuild", "error", err)
		return false, nil
	}
	if err := idx.Load(bytes.NewReader(data)); err != nil {
		b.log.Warn("checkpoint load failed, falling back to rebuild", "error", err)
		return false, nil
	}
	return true, nil
}

// Rebuild scans every non-deleted noun with a vector and reinserts it via
// insert, used when Restore found no usable checkpoint.
func (b *Bridge) Rebuild(ctx context.Context, insert func(id string, vector []float32) error) error {
	cursor := ""
	inserted, skipped := 0, 0
	for {
		page, err := b.adapter.ListNouns(ctx, storage.ListOptions{Cursor: cursor, Limit: 500})
		if err != nil {
			return err
		}
		for _, n := range page.Items {
			if n.Deleted || len(n.Vector) == 0 {
				skipped++
				continue
			}
			if err := insert(n.ID, n.Vector); err != nil {
				b.log.Warn("rebuild insert failed", "id", n.ID, "error", err)
				skipped++
				continue
			}
			inserted++
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	b.log.Info("index rebuild complete", "inserted", inserted, "skipped", skipped)
	return nil
}

// Open restores from checkpoint, falling back to a full rebuild on miss or
// failure. It is the one entry point db.go's Open calls.
func (b *Bridge) Open(ctx context.Context, idx Index, insert func(id string, vector []float32) error) error {
	ok, err := b.Restore(ctx, idx)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return b.Rebuild(ctx, insert)
}
