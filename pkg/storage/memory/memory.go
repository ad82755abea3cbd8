// Package memory implements the storage.Adapter contract entirely in process RAM.
// It is not multi-writer safe (concurrent processes each get an independent store)
// but is fully safe for concurrent goroutines within one process via an in-process
// mutex, matching the teacher's single-process locking style.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/graphvec/corevdb/pkg/corevdberr"
	"github.com/graphvec/corevdb/pkg/storage"
)

// Store is an in-memory implementation of storage.Adapter.
type Store struct {
	mu sync.RWMutex

	nouns    map[string]*storage.Noun
	verbs    map[string]*storage.Verb
	metadata map[string]map[string]interface{}

	changeLog []storage.ChangeLogEntry
	seq       uint64

	locks map[string]storage.Lock

	stats   map[string]storage.StatisticsSnapshot // partition -> snapshot
	hnswLen int64

	closed bool
}

// New creates an empty in-memory store. Init is a no-op beyond marking it ready.
func New() *Store {
	return &Store{
		nouns:    make(map[string]*storage.Noun),
		verbs:    make(map[string]*storage.Verb),
		metadata: make(map[string]map[string]interface{}),
		locks:    make(map[string]storage.Lock),
		stats:    make(map[string]storage.StatisticsSnapshot),
	}
}

func (s *Store) Init(ctx context.Context) error  { return nil }
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nouns = make(map[string]*storage.Noun)
	s.verbs = make(map[string]*storage.Verb)
	s.metadata = make(map[string]map[string]interface{})
	s.changeLog = nil
	s.seq = 0
	s.locks = make(map[string]storage.Lock)
	s.stats = make(map[string]storage.StatisticsSnapshot)
	s.hnswLen = 0
	return nil
}

func (s *Store) StorageStatus(ctx context.Context) (storage.Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	used := int64(len(s.nouns)+len(s.verbs)) * 256 // rough accounting, RAM has no hard quota
	return storage.Status{
		Type:      storage.Memory,
		UsedBytes: used,
		Details:   fmt.Sprintf("%d nouns, %d verbs in RAM", len(s.nouns), len(s.verbs)),
	}, nil
}

func cloneNoun(n *storage.Noun) *storage.Noun {
	cp := *n
	if n.Vector != nil {
		cp.Vector = append([]float32(nil), n.Vector...)
	}
	if n.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(n.Metadata))
		for k, v := range n.Metadata {
			cp.Metadata[k] = v
		}
	}
	if n.EmbeddedVerbs != nil {
		cp.EmbeddedVerbs = append([]storage.Verb(nil), n.EmbeddedVerbs...)
	}
	return &cp
}

func cloneVerb(v *storage.Verb) *storage.Verb {
	cp := *v
	if v.Vector != nil {
		cp.Vector = append([]float32(nil), v.Vector...)
	}
	if v.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(v.Metadata))
		for k, val := range v.Metadata {
			cp.Metadata[k] = val
		}
	}
	return &cp
}

func (s *Store) SaveNoun(ctx context.Context, n *storage.Noun) error {
	if n.ID == "" {
		return corevdberr.New(corevdberr.Fatal, "noun id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nouns[n.ID] = cloneNoun(n)
	return nil
}

func (s *Store) GetNoun(ctx context.Context, id string) (*storage.Noun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nouns[id]
	if !ok {
		return nil, nil
	}
	return cloneNoun(n), nil
}

func (s *Store) DeleteNoun(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nouns[id]; !ok {
		return corevdberr.ErrNotFound
	}
	delete(s.nouns, id)
	delete(s.metadata, id)
	return nil
}

func (s *Store) ListNouns(ctx context.Context, opts storage.ListOptions) (storage.Page[*storage.Noun], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.nouns))
	for id := range s.nouns {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	items := make([]*storage.Noun, 0)
	for _, id := range ids {
		n := s.nouns[id]
		if opts.TypeFilter != "" && string(n.Type) != opts.TypeFilter {
			continue
		}
		if n.Deleted && !opts.IncludeDeleted {
			continue
		}
		items = append(items, n)
	}
	return paginate(items, opts, func(n *storage.Noun) string { return n.ID }, cloneNoun)
}

func (s *Store) SaveVerb(ctx context.Context, v *storage.Verb) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verbs[v.ID] = cloneVerb(v)
	return nil
}

func (s *Store) GetVerb(ctx context.Context, id string) (*storage.Verb, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.verbs[id]
	if !ok {
		return nil, nil
	}
	return cloneVerb(v), nil
}

func (s *Store) DeleteVerb(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.verbs[id]; !ok {
		return corevdberr.ErrNotFound
	}
	delete(s.verbs, id)
	return nil
}

func (s *Store) ListVerbs(ctx context.Context, opts storage.ListOptions) (storage.Page[*storage.Verb], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.verbs))
	for id := range s.verbs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	items := make([]*storage.Verb, 0)
	for _, id := range ids {
		v := s.verbs[id]
		if opts.TypeFilter != "" && string(v.Type) != opts.TypeFilter {
			continue
		}
		if opts.BySource != "" && v.Source != opts.BySource {
			continue
		}
		if opts.ByTarget != "" && v.Target != opts.ByTarget {
			continue
		}
		if v.Deleted && !opts.IncludeDeleted {
			continue
		}
		items = append(items, v)
	}
	return paginate(items, opts, func(v *storage.Verb) string { return v.ID }, cloneVerb)
}

func (s *Store) SaveMetadata(ctx context.Context, id string, m map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[string]interface{}, len(m))
	for k, v := range m {
		cp[k] = v
	}
	s.metadata[id] = cp
	return nil
}

func (s *Store) GetMetadata(ctx context.Context, id string) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.metadata[id]
	if !ok {
		return nil, nil
	}
	cp := make(map[string]interface{}, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp, nil
}

func (s *Store) AppendChangeLog(ctx context.Context, entry storage.ChangeLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	entry.Seq = s.seq
	s.changeLog = append(s.changeLog, entry)
	return nil
}

func (s *Store) GetChangesSince(ctx context.Context, since time.Time) (<-chan storage.ChangeLogEntry, error) {
	s.mu.RLock()
	snapshot := make([]storage.ChangeLogEntry, len(s.changeLog))
	copy(snapshot, s.changeLog)
	s.mu.RUnlock()

	out := make(chan storage.ChangeLogEntry)
	go func() {
		defer close(out)
		for _, e := range snapshot {
			if e.Timestamp.Before(since) {
				continue
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *Store) SaveStatistics(ctx context.Context, snap storage.StatisticsSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats[snap.Partition] = snap
	return nil
}

func (s *Store) GetStatistics(ctx context.Context, partition string) (storage.StatisticsSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.stats[partition]
	if !ok {
		return storage.StatisticsSnapshot{Partition: partition, Services: map[string]storage.ServiceCounts{}}, nil
	}
	return snap, nil
}

func (s *Store) IncrementStatistic(ctx context.Context, kind storage.StatKind, service string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	partition := time.Now().UTC().Format("20060102")
	snap, ok := s.stats[partition]
	if !ok {
		snap = storage.StatisticsSnapshot{Partition: partition, Services: map[string]storage.ServiceCounts{}}
	}
	counts := snap.Services[service]
	switch kind {
	case storage.StatNoun:
		counts.NounCount += delta
	case storage.StatVerb:
		counts.VerbCount += delta
	case storage.StatMetadata:
		counts.MetadataCount += delta
	}
	snap.Services[service] = counts
	s.stats[partition] = snap
	return nil
}

func (s *Store) UpdateHNSWIndexSize(ctx context.Context, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hnswLen = n
	partition := time.Now().UTC().Format("20060102")
	snap, ok := s.stats[partition]
	if !ok {
		snap = storage.StatisticsSnapshot{Partition: partition, Services: map[string]storage.ServiceCounts{}}
	}
	snap.HNSWIndexSize = n
	s.stats[partition] = snap
	return nil
}

func (s *Store) FlushStatisticsToStorage(ctx context.Context) error {
	// Everything is already durable in the same process; nothing to flush.
	return nil
}

// AcquireLock blocks, polling until the lock is free or ctx's deadline passes,
// per §4.3's "blocking up to a caller timeout" contract.
func (s *Store) AcquireLock(ctx context.Context, name string, ttl time.Duration) (string, error) {
	return storage.PollAcquireLock(ctx, 10*time.Millisecond, func() (string, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		now := time.Now()
		if existing, ok := s.locks[name]; ok && !existing.Expired(now) {
			return "", corevdberr.ErrLockUnavailable
		}
		token := uuid.NewString()
		s.locks[name] = storage.Lock{Holder: token, Deadline: now.Add(ttl), Token: token}
		return token, nil
	})
}

func (s *Store) ReleaseLock(ctx context.Context, name string, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.locks[name]
	if !ok || existing.Token != token {
		return nil
	}
	delete(s.locks, name)
	return nil
}

// paginate applies a cursor/limit window over an already-filtered, already-sorted
// slice of items, matching the "stable within a cursor session" guarantee of §4.2.
func paginate[T any](items []T, opts storage.ListOptions, idOf func(T) string, clone func(T) T) (storage.Page[T], error) {
	start := 0
	if opts.Cursor != "" {
		for i, it := range items {
			if idOf(it) > opts.Cursor {
				start = i
				break
			}
			start = i + 1
		}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = len(items) - start
	}
	end := start + limit
	if end > len(items) {
		end = len(items)
	}
	if start > len(items) {
		start = len(items)
	}
	page := make([]T, 0, end-start)
	for _, it := range items[start:end] {
		page = append(page, clone(it))
	}
	next := ""
	if end < len(items) {
		next = idOf(items[end-1])
	}
	return storage.Page[T]{Items: page, NextCursor: next}, nil
}
