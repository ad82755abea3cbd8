// Package cache implements the three-tier (hot/warm/cold) read-through,
// write-behind noun cache described in §4.11: a bounded in-memory LRU hot
// tier, a TTL-based warm tier, and the storage adapter itself as the cold
// tier, with an auto-tuner that adjusts hot capacity and batch size from
// observed hit rate.
package cache

import (
	"context"
	"runtime"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/graphvec/corevdb/pkg/logx"
	"github.com/graphvec/corevdb/pkg/storage"
)

// Loader fetches a noun from the cold tier (the storage adapter) on a miss.
type Loader func(ctx context.Context, id string) (*storage.Noun, error)

// Saver persists a noun to the cold tier, used to flush the write-behind buffer.
type Saver func(ctx context.Context, n *storage.Noun) error

// Options configures a Manager. Zero values fall back to §4.11's defaults.
type Options struct {
	HotCacheMaxSize   int
	EvictionThreshold float64 // fraction of the current hot-tier capacity at which tune() grows it
	WarmCacheTTL      time.Duration
	BatchSize         int // write-behind flush batch size
	AutoTune          bool
	TuneInterval      time.Duration
}

func (o *Options) applyDefaults() {
	if o.HotCacheMaxSize <= 0 {
		o.HotCacheMaxSize = 10_000
	}
	if o.EvictionThreshold <= 0 {
		o.EvictionThreshold = 0.8
	}
	if o.WarmCacheTTL <= 0 {
		o.WarmCacheTTL = time.Hour
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.TuneInterval <= 0 {
		o.TuneInterval = 60 * time.Second
	}
}

type warmEntry struct {
	noun   *storage.Noun
	expiry time.Time
}

// Manager is the read-through/write-behind cache wrapper around getNoun.
type Manager struct {
	opts   Options
	loader Loader
	saver  Saver
	log    logx.Logger

	mu     sync.Mutex
	hot    *lru.Cache[string, *storage.Noun]
	hotCap int // configured hot-tier capacity, tracked separately from hot.Len()'s occupancy
	warm   map[string]warmEntry

	writeBehind map[string]*storage.Noun

	loadGroup singleflight.Group

	hits, misses int64

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a Manager. loader/saver wire the cold tier (typically a
// storage.Adapter's GetNoun/SaveNoun).
func New(loader Loader, saver Saver, log logx.Logger, opts Options) *Manager {
	opts.applyDefaults()
	hot, _ := lru.New[string, *storage.Noun](opts.HotCacheMaxSize)
	return &Manager{
		opts:        opts,
		loader:      loader,
		saver:       saver,
		log:         log,
		hot:         hot,
		hotCap:      opts.HotCacheMaxSize,
		warm:        make(map[string]warmEntry),
		writeBehind: make(map[string]*storage.Noun),
		stopCh:      make(chan struct{}),
	}
}

// GetNoun resolves id through hot, then warm, then the cold loader,
// populating higher tiers on a miss.
func (m *Manager) GetNoun(ctx context.Context, id string) (*storage.Noun, error) {
	m.mu.Lock()
	if n, ok := m.hot.Get(id); ok {
		m.hits++
		m.mu.Unlock()
		return n, nil
	}
	if entry, ok := m.warm[id]; ok {
		if time.Now().Before(entry.expiry) {
			m.hits++
			m.hot.Add(id, entry.noun)
			m.mu.Unlock()
			return entry.noun, nil
		}
		delete(m.warm, id)
	}
	m.misses++
	m.mu.Unlock()

	// singleflight collapses concurrent misses on the same id into one cold
	// load, so a burst of readers for a just-evicted hot noun doesn't hammer
	// the storage adapter with duplicate GetNoun calls.
	v, err, _ := m.loadGroup.Do(id, func() (interface{}, error) {
		return m.loader(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	n, _ := v.(*storage.Noun)
	if n == nil {
		return nil, nil
	}

	m.mu.Lock()
	m.hot.Add(id, n)
	m.warm[id] = warmEntry{noun: n, expiry: time.Now().Add(m.opts.WarmCacheTTL)}
	m.mu.Unlock()
	return n, nil
}

// PutNoun writes through to the hot tier immediately and buffers the durable
// write; the buffer flushes once it reaches BatchSize or on explicit Flush.
func (m *Manager) PutNoun(ctx context.Context, n *storage.Noun) error {
	m.mu.Lock()
	m.hot.Add(n.ID, n)
	m.warm[n.ID] = warmEntry{noun: n, expiry: time.Now().Add(m.opts.WarmCacheTTL)}
	m.writeBehind[n.ID] = n
	shouldFlush := len(m.writeBehind) >= m.opts.BatchSize
	m.mu.Unlock()

	if shouldFlush {
		return m.Flush(ctx)
	}
	return nil
}

// Invalidate drops id from every tier, used after a hard delete.
func (m *Manager) Invalidate(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hot.Remove(id)
	delete(m.warm, id)
	delete(m.writeBehind, id)
}

// Flush persists every buffered write-behind entry. PutNoun calls it once the
// buffer reaches BatchSize; otherwise it runs only when called explicitly
// (DB.Close does so). Evictions from the hot tier do not trigger it.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	pending := m.writeBehind
	m.writeBehind = make(map[string]*storage.Noun)
	m.mu.Unlock()

	for id, n := range pending {
		if err := m.saver(ctx, n); err != nil {
			m.mu.Lock()
			m.writeBehind[id] = n
			m.mu.Unlock()
			return err
		}
	}
	return nil
}

// HitRate returns the fraction of GetNoun calls served by hot or warm since
// the Manager was created (or last reset by the auto-tuner).
func (m *Manager) HitRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := m.hits + m.misses
	if total == 0 {
		return 0
	}
	return float64(m.hits) / float64(total)
}

// Start launches the auto-tuner goroutine, which every TuneInterval adjusts
// the hot tier's capacity and the write-behind batch size from the observed
// hit rate: a low hit rate grows the hot cap (more working set fits),
// sustained high hit rate lets it shrink back toward the configured default.
func (m *Manager) Start(ctx context.Context) {
	if !m.opts.AutoTune {
		return
	}
	go func() {
		ticker := time.NewTicker(m.opts.TuneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.tune()
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Close stops the auto-tuner goroutine, if running.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) tune() {
	m.mu.Lock()
	total := m.hits + m.misses
	var rate float64
	if total > 0 {
		rate = float64(m.hits) / float64(total)
	}
	cap := m.hotCap
	occupancy := float64(m.hot.Len()) / float64(cap)
	target := cap
	if rate < 0.5 || occupancy >= m.opts.EvictionThreshold {
		target = growCap(cap, estimateAvailableCapacity())
	} else if rate > 0.9 && cap > m.opts.HotCacheMaxSize {
		target = m.opts.HotCacheMaxSize
	}
	if target != cap && target > 0 {
		m.hot.Resize(target)
		m.hotCap = target
	}
	m.hits, m.misses = 0, 0
	m.mu.Unlock()
}

// growCap doubles the current capacity, never exceeding the memory-derived
// ceiling reported by estimateAvailableCapacity.
func growCap(current, ceiling int) int {
	next := current * 2
	if next < 1 {
		next = 1
	}
	if next > ceiling {
		next = ceiling
	}
	return next
}

// estimateAvailableCapacity stands in for the browser's navigator.deviceMemory
// signal: it derives a rough entry-count ceiling from the Go runtime's own
// memory statistics, assuming ~1KB per cached noun.
func estimateAvailableCapacity() int {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	available := stats.Sys - stats.HeapInuse
	const assumedEntrySize = 1024
	ceiling := int(available / assumedEntrySize)
	if ceiling < 1000 {
		ceiling = 1000
	}
	if ceiling > 1_000_000 {
		ceiling = 1_000_000
	}
	return ceiling
}
