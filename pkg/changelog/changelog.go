// Package changelog builds change-log entries and follows a storage.Adapter's
// append log to let peers refresh in-memory indexes without rescanning storage,
// per §4.5.
package changelog

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/graphvec/corevdb/pkg/storage"
)

// Writer stamps change-log entries with a timestamp and a stable writer id and
// appends them to an adapter. The adapter assigns each entry's Seq on append, so
// this writer's entries are ordered by (timestamp, writerID, seq).
type Writer struct {
	adapter  storage.Adapter
	writerID string
	seq      uint64
}

// NewWriter creates a Writer with a random writer id, stable for its lifetime.
func NewWriter(adapter storage.Adapter) *Writer {
	return &Writer{adapter: adapter, writerID: uuid.NewString()}
}

// Append builds an entry from op/entity/id/payload and appends it to storage.
// The digest is computed from payload so readers can detect truncated or
// corrupted replication without re-fetching the full object.
func (w *Writer) Append(ctx context.Context, op storage.ChangeOp, entity storage.ChangeEntity, id string, payload interface{}) error {
	w.seq++
	entry := storage.ChangeLogEntry{
		Timestamp: time.Now().UTC(),
		Op:        op,
		Entity:    entity,
		ID:        id,
		Writer:    w.writerID,
		Digest:    storage.Digest(payload),
	}
	return w.adapter.AppendChangeLog(ctx, entry)
}

// Handler processes one change-log entry as it's observed by a Follower.
type Handler func(ctx context.Context, entry storage.ChangeLogEntry) error

// Follower polls an adapter's change log on an interval and invokes a handler for
// every entry newer than the last checkpoint it has seen, so a peer's in-memory
// HNSW index and graph cache can stay current without rescanning storage.
type Follower struct {
	adapter  storage.Adapter
	interval time.Duration
	handler  Handler

	checkpoint time.Time
}

// NewFollower creates a Follower that starts from 'since' (use time.Time{} to
// replay the entire log) and polls every interval.
func NewFollower(adapter storage.Adapter, since time.Time, interval time.Duration, handler Handler) *Follower {
	return &Follower{adapter: adapter, interval: interval, handler: handler, checkpoint: since}
}

// Run polls until ctx is cancelled. After a poll whose entries were all handled,
// the newest observed timestamp becomes the next poll's checkpoint, so handled
// entries are not replayed. A handler error stops Run and is returned; the
// checkpoint is then left where it was before that poll.
func (f *Follower) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		if err := f.poll(ctx); err != nil {
			return err
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}

func (f *Follower) poll(ctx context.Context) error {
	ch, err := f.adapter.GetChangesSince(ctx, f.checkpoint)
	if err != nil {
		return err
	}
	var newest time.Time
	for entry := range ch {
		if err := f.handler(ctx, entry); err != nil {
			return err
		}
		if entry.Timestamp.After(newest) {
			newest = entry.Timestamp
		}
	}
	if !newest.IsZero() {
		f.checkpoint = newest.Add(time.Nanosecond)
	}
	return nil
}
