// Package localfs implements the storage.Adapter contract over a local disk
// directory tree: nouns/{type}/{id}.json, verbs/{type}/{id}.json, metadata/{id}.json,
// index/statistics_YYYYMMDD.json, locks/{name}.json. The change log is not one file
// per entry; entries are appended as JSON lines to a single changelog.jsonl file at
// the root. It is not safe for multiple processes sharing the same directory —
// callers in the same process serialize via an in-process mutex, same as the
// teacher's single-writer SQLite file access pattern.
package localfs

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/graphvec/corevdb/pkg/corevdberr"
	"github.com/graphvec/corevdb/pkg/storage"
)

// Store is a local-filesystem implementation of storage.Adapter.
type Store struct {
	root string
	mu   sync.Mutex
	seq  uint64
}

// New creates a Store rooted at dir. The directory is created on Init if absent.
func New(dir string) *Store {
	return &Store{root: dir}
}

func (s *Store) path(parts ...string) string {
	return filepath.Join(append([]string{s.root}, parts...)...)
}

func (s *Store) Init(ctx context.Context) error {
	for _, d := range []string{"nouns", "verbs", "metadata", "index", "changelog", "locks"} {
		if err := os.MkdirAll(s.path(d), 0o755); err != nil {
			return corevdberr.Wrap(corevdberr.StorageUnavailable, "init localfs", err)
		}
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error { return nil }

func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(s.root); err != nil {
		return corevdberr.Wrap(corevdberr.StorageUnavailable, "clear", err)
	}
	return s.Init(ctx)
}

func (s *Store) StorageStatus(ctx context.Context) (storage.Status, error) {
	var used int64
	_ = filepath.Walk(s.root, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			used += info.Size()
		}
		return nil
	})
	return storage.Status{
		Type:      storage.Filesystem,
		UsedBytes: used,
		Details:   fmt.Sprintf("%s on disk at %s", humanize.Bytes(uint64(used)), s.root),
	}, nil
}

// writeJSON marshals v and writes it through storage.RetryTransient, so a
// transient mkdir/write/rename failure at the storage-adapter boundary is
// retried with backoff instead of surfacing immediately (§7).
func writeJSON(ctx context.Context, path string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return corevdberr.Wrap(corevdberr.Fatal, "marshal", err)
	}
	return storage.RetryTransient(ctx, func() error {
		tmp := path + ".tmp-" + uuid.NewString()
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return corevdberr.Wrap(corevdberr.StorageUnavailable, "mkdir", err)
		}
		if err := os.WriteFile(tmp, b, 0o644); err != nil {
			return corevdberr.Wrap(corevdberr.StorageUnavailable, "write", err)
		}
		// Write-to-temp + atomic rename keeps readers from observing a partial write
		// (§4.8 crash-safe checkpointing applied to every object, not just the index).
		if err := os.Rename(tmp, path); err != nil {
			return corevdberr.Wrap(corevdberr.StorageUnavailable, "rename", err)
		}
		return nil
	})
}

func readJSON(ctx context.Context, path string, v interface{}) (bool, error) {
	var b []byte
	var notExist bool
	err := storage.RetryTransient(ctx, func() error {
		data, rerr := os.ReadFile(path)
		if os.IsNotExist(rerr) {
			notExist = true
			return nil
		}
		if rerr != nil {
			return corevdberr.Wrap(corevdberr.StorageUnavailable, "read", rerr)
		}
		b = data
		return nil
	})
	if err != nil {
		return false, err
	}
	if notExist {
		return false, nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, corevdberr.Wrap(corevdberr.Fatal, "unmarshal", err)
	}
	return true, nil
}

func nounPath(root string, n *storage.Noun) string {
	typ := string(n.Type)
	if typ == "" {
		typ = string(storage.DefaultNounType)
	}
	return filepath.Join(root, "nouns", typ, n.ID+".json")
}

func verbPath(root string, v *storage.Verb) string {
	typ := string(v.Type)
	if typ == "" {
		typ = string(storage.DefaultVerbType)
	}
	return filepath.Join(root, "verbs", typ, v.ID+".json")
}

func (s *Store) SaveNoun(ctx context.Context, n *storage.Noun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(ctx, nounPath(s.root, n), n)
}

// findByID walks a type-partitioned directory (nouns/ or verbs/) looking for id.json,
// since the id alone does not determine its type subdirectory.
func findByID(base, id string) (string, bool, error) {
	var found string
	err := filepath.Walk(base, func(p string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		if filepath.Base(p) == id+".json" {
			found = p
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil && err != filepath.SkipAll {
		return "", false, err
	}
	return found, found != "", nil
}

func (s *Store) GetNoun(ctx context.Context, id string) (*storage.Noun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok, err := findByID(s.path("nouns"), id)
	if err != nil {
		return nil, corevdberr.Wrap(corevdberr.StorageUnavailable, "get noun", err)
	}
	if !ok {
		return nil, nil
	}
	var n storage.Noun
	if _, err := readJSON(ctx, p, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *Store) DeleteNoun(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok, err := findByID(s.path("nouns"), id)
	if err != nil {
		return corevdberr.Wrap(corevdberr.StorageUnavailable, "delete noun", err)
	}
	if !ok {
		return corevdberr.ErrNotFound
	}
	if err := storage.RetryTransient(ctx, func() error {
		if err := os.Remove(p); err != nil {
			return corevdberr.Wrap(corevdberr.StorageUnavailable, "delete noun", err)
		}
		return nil
	}); err != nil {
		return err
	}
	_ = os.Remove(s.path("metadata", id+".json"))
	return nil
}

func (s *Store) ListNouns(ctx context.Context, opts storage.ListOptions) (storage.Page[*storage.Noun], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	base := s.path("nouns")
	if opts.TypeFilter != "" {
		base = filepath.Join(base, opts.TypeFilter)
	}

	var items []*storage.Noun
	_ = filepath.Walk(base, func(p string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() || !strings.HasSuffix(p, ".json") {
			return nil
		}
		var n storage.Noun
		if _, err := readJSON(ctx, p, &n); err != nil {
			return nil
		}
		if n.Deleted && !opts.IncludeDeleted {
			return nil
		}
		items = append(items, &n)
		return nil
	})
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return paginateNouns(items, opts), nil
}

func (s *Store) SaveVerb(ctx context.Context, v *storage.Verb) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(ctx, verbPath(s.root, v), v)
}

func (s *Store) GetVerb(ctx context.Context, id string) (*storage.Verb, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok, err := findByID(s.path("verbs"), id)
	if err != nil {
		return nil, corevdberr.Wrap(corevdberr.StorageUnavailable, "get verb", err)
	}
	if !ok {
		return nil, nil
	}
	var v storage.Verb
	if _, err := readJSON(ctx, p, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *Store) DeleteVerb(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok, err := findByID(s.path("verbs"), id)
	if err != nil {
		return corevdberr.Wrap(corevdberr.StorageUnavailable, "delete verb", err)
	}
	if !ok {
		return corevdberr.ErrNotFound
	}
	return storage.RetryTransient(ctx, func() error {
		if err := os.Remove(p); err != nil {
			return corevdberr.Wrap(corevdberr.StorageUnavailable, "delete verb", err)
		}
		return nil
	})
}

func (s *Store) ListVerbs(ctx context.Context, opts storage.ListOptions) (storage.Page[*storage.Verb], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	base := s.path("verbs")
	if opts.TypeFilter != "" {
		base = filepath.Join(base, opts.TypeFilter)
	}

	var items []*storage.Verb
	_ = filepath.Walk(base, func(p string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() || !strings.HasSuffix(p, ".json") {
			return nil
		}
		var v storage.Verb
		if _, err := readJSON(ctx, p, &v); err != nil {
			return nil
		}
		if opts.BySource != "" && v.Source != opts.BySource {
			return nil
		}
		if opts.ByTarget != "" && v.Target != opts.ByTarget {
			return nil
		}
		if v.Deleted && !opts.IncludeDeleted {
			return nil
		}
		items = append(items, &v)
		return nil
	})
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return paginateVerbs(items, opts), nil
}

func (s *Store) SaveMetadata(ctx context.Context, id string, m map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(ctx, s.path("metadata", id+".json"), m)
}

func (s *Store) GetMetadata(ctx context.Context, id string) (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := map[string]interface{}{}
	ok, err := readJSON(ctx, s.path("metadata", id+".json"), &m)
	if err != nil || !ok {
		return nil, err
	}
	return m, nil
}

func (s *Store) AppendChangeLog(ctx context.Context, entry storage.ChangeLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	entry.Seq = s.seq
	b, err := json.Marshal(entry)
	if err != nil {
		return corevdberr.Wrap(corevdberr.Fatal, "marshal changelog entry", err)
	}
	return storage.RetryTransient(ctx, func() error {
		f, err := os.OpenFile(s.path("changelog.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return corevdberr.Wrap(corevdberr.StorageUnavailable, "append changelog", err)
		}
		defer f.Close()
		if _, err := f.Write(append(b, '\n')); err != nil {
			return corevdberr.Wrap(corevdberr.StorageUnavailable, "append changelog", err)
		}
		return nil
	})
}

func (s *Store) GetChangesSince(ctx context.Context, since time.Time) (<-chan storage.ChangeLogEntry, error) {
	s.mu.Lock()
	f, err := os.Open(s.path("changelog.jsonl"))
	s.mu.Unlock()
	out := make(chan storage.ChangeLogEntry)
	if os.IsNotExist(err) {
		close(out)
		return out, nil
	}
	if err != nil {
		close(out)
		return out, corevdberr.Wrap(corevdberr.StorageUnavailable, "open changelog", err)
	}
	go func() {
		defer f.Close()
		defer close(out)
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			var e storage.ChangeLogEntry
			if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
				continue
			}
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

func statsPath(root, partition string) string {
	return filepath.Join(root, "index", "statistics_"+partition+".json")
}

func (s *Store) SaveStatistics(ctx context.Context, snap storage.StatisticsSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(ctx, statsPath(s.root, snap.Partition), snap)
}

func (s *Store) GetStatistics(ctx context.Context, partition string) (storage.StatisticsSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := storage.StatisticsSnapshot{Partition: partition, Services: map[string]storage.ServiceCounts{}}
	_, err := readJSON(ctx, statsPath(s.root, partition), &snap)
	if err != nil {
		return snap, err
	}
	if snap.Services == nil {
		snap.Services = map[string]storage.ServiceCounts{}
	}
	return snap, nil
}

func (s *Store) IncrementStatistic(ctx context.Context, kind storage.StatKind, service string, delta int64) error {
	partition := time.Now().UTC().Format("20060102")
	snap, err := s.GetStatistics(ctx, partition)
	if err != nil {
		return err
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
	return s.SaveStatistics(ctx, snap)
}

func (s *Store) UpdateHNSWIndexSize(ctx context.Context, n int64) error {
	partition := time.Now().UTC().Format("20060102")
	snap, err := s.GetStatistics(ctx, partition)
	if err != nil {
		return err
	}
	snap.HNSWIndexSize = n
	return s.SaveStatistics(ctx, snap)
}

func (s *Store) FlushStatisticsToStorage(ctx context.Context) error {
	// Statistics are written synchronously on every increment for this backend;
	// the statistics engine's batching happens one layer up (pkg/statistics).
	return nil
}

// AcquireLockOnce is a best-effort mutex: Local-FS has no cross-process lock
// primitive (§4.3), so this only serializes goroutines within the current
// process using a lock file that's exclusively created. It attempts exactly
// once, returning corevdberr.ErrLockUnavailable immediately if already held and
// unexpired; AcquireLock polls this via storage.PollAcquireLock to honor the
// caller's blocking-up-to-timeout contract. Exported so browserfs.Store can
// layer its own cross-tab flock on top of a single attempt.
func (s *Store) AcquireLockOnce(ctx context.Context, name string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.path("locks", name+".json")
	var existing storage.Lock
	if ok, _ := readJSON(ctx, p, &existing); ok && !existing.Expired(time.Now()) {
		return "", corevdberr.ErrLockUnavailable
	}
	token := uuid.NewString()
	lock := storage.Lock{Holder: token, Token: token, Deadline: time.Now().Add(ttl)}
	if err := writeJSON(ctx, p, lock); err != nil {
		return "", err
	}
	return token, nil
}

// AcquireLock blocks, polling AcquireLockOnce until the lock is free or ctx's
// deadline passes, per §4.3's "blocking up to a caller timeout" contract.
func (s *Store) AcquireLock(ctx context.Context, name string, ttl time.Duration) (string, error) {
	return storage.PollAcquireLock(ctx, 20*time.Millisecond, func() (string, error) {
		return s.AcquireLockOnce(ctx, name, ttl)
	})
}

func (s *Store) ReleaseLock(ctx context.Context, name string, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.path("locks", name+".json")
	var existing storage.Lock
	if ok, _ := readJSON(ctx, p, &existing); !ok || existing.Token != token {
		return nil
	}
	return os.Remove(p)
}

func paginateNouns(items []*storage.Noun, opts storage.ListOptions) storage.Page[*storage.Noun] {
	start := 0
	if opts.Cursor != "" {
		for i, n := range items {
			if n.ID > opts.Cursor {
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
	next := ""
	if end < len(items) {
		next = items[end-1].ID
	}
	return storage.Page[*storage.Noun]{Items: items[start:end], NextCursor: next}
}

func paginateVerbs(items []*storage.Verb, opts storage.ListOptions) storage.Page[*storage.Verb] {
	start := 0
	if opts.Cursor != "" {
		for i, v := range items {
			if v.ID > opts.Cursor {
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
	next := ""
	if end < len(items) {
		next = items[end-1].ID
	}
	return storage.Page[*storage.Verb]{Items: items[start:end], NextCursor: next}
}
