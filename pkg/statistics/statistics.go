// Package statistics implements the write-buffered, time-partitioned counter
// engine described in §4.4: in-memory deltas accumulate under a dirty flag and
// flush to a storage.Adapter on an adaptive schedule, merging rather than
// overwriting so concurrent writers converge.
package statistics

import (
	"context"
	"sync"
	"time"

	"github.com/graphvec/corevdb/pkg/corevdberr"
	"github.com/graphvec/corevdb/pkg/logx"
	"github.com/graphvec/corevdb/pkg/storage"
)

const (
	minFlushDelay = 5 * time.Second
	maxFlushDelay = 30 * time.Second
	lockTTL       = 15 * time.Second
	lockName      = "statistics"
)

// Engine buffers counter increments in memory and periodically merges them into
// the backend's daily-partitioned snapshot.
type Engine struct {
	adapter storage.Adapter
	log     logx.Logger

	mu      sync.Mutex
	dirty   bool
	pending map[string]map[string]storage.ServiceCounts // partition -> service -> delta
	hnswLen int64
	hnswSet bool

	recentWrites int
	stopCh       chan struct{}
	stoppedCh    chan struct{}
	once         sync.Once
}

// New creates an Engine bound to adapter. Call Start to begin the background
// flush loop; Close performs a final synchronous flush before returning.
func New(adapter storage.Adapter, log logx.Logger) *Engine {
	if log == nil {
		log = logx.Nop()
	}
	return &Engine{
		adapter:   adapter,
		log:       log,
		pending:   make(map[string]map[string]storage.ServiceCounts),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

func partitionNow() string {
	return time.Now().UTC().Format("20060102")
}

// Increment buffers a counter change for the current day's partition. It never
// blocks on storage; the actual write happens on the adaptive flush schedule.
func (e *Engine) Increment(kind storage.StatKind, service string, delta int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	partition := partitionNow()
	byService, ok := e.pending[partition]
	if !ok {
		byService = make(map[string]storage.ServiceCounts)
		e.pending[partition] = byService
	}
	counts := byService[service]
	switch kind {
	case storage.StatNoun:
		counts.NounCount += delta
	case storage.StatVerb:
		counts.VerbCount += delta
	case storage.StatMetadata:
		counts.MetadataCount += delta
	}
	byService[service] = counts
	e.dirty = true
	e.recentWrites++
}

// SetHNSWIndexSize records the current index size for inclusion in the next flush.
func (e *Engine) SetHNSWIndexSize(n int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hnswLen = n
	e.hnswSet = true
	e.dirty = true
}

// nextDelay shrinks toward minFlushDelay as recent write volume increases, and
// relaxes toward maxFlushDelay when the engine is quiet, per §4.4's adaptive rule.
func (e *Engine) nextDelay() time.Duration {
	e.mu.Lock()
	writes := e.recentWrites
	e.recentWrites = 0
	e.mu.Unlock()

	switch {
	case writes >= 50:
		return minFlushDelay
	case writes == 0:
		return maxFlushDelay
	default:
		span := maxFlushDelay - minFlushDelay
		scale := time.Duration(writes) * span / 50
		d := maxFlushDelay - scale
		if d < minFlushDelay {
			return minFlushDelay
		}
		return d
	}
}

// Start launches the background adaptive-flush loop. It returns immediately;
// call Close to stop the loop and perform a final synchronous flush.
func (e *Engine) Start(ctx context.Context) {
	go func() {
		defer close(e.stoppedCh)
		for {
			delay := e.nextDelay()
			select {
			case <-time.After(delay):
				if err := e.Flush(ctx); err != nil {
					e.log.Warn("statistics flush failed, will retry", "err", err)
				}
			case <-e.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close stops the background loop and performs one final synchronous flush.
func (e *Engine) Close(ctx context.Context) error {
	e.once.Do(func() { close(e.stopCh) })
	<-e.stoppedCh
	return e.Flush(ctx)
}

// Flush merges all buffered deltas into storage under the statistics lock.
// AcquireLock waits for the lock until ctx is done; if it is not acquired, the
// deltas are requeued and wait for the next flush on the adaptive schedule, with
// no separate retry backoff. Increment never waits on a flush.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	if !e.dirty {
		e.mu.Unlock()
		return nil
	}
	snapshot := e.pending
	e.pending = make(map[string]map[string]storage.ServiceCounts)
	hnswLen, hnswSet := e.hnswLen, e.hnswSet
	e.hnswSet = false
	e.dirty = false
	e.mu.Unlock()

	token, err := e.adapter.AcquireLock(ctx, lockName, lockTTL)
	if err != nil {
		e.requeue(snapshot, hnswLen, hnswSet)
		if corevdberr.IsRetriable(err) || corevdberr.IsCode(err, corevdberr.LockUnavailable) {
			return nil
		}
		return err
	}
	defer func() { _ = e.adapter.ReleaseLock(ctx, lockName, token) }()

	for partition, byService := range snapshot {
		current, err := e.adapter.GetStatistics(ctx, partition)
		if err != nil {
			e.requeue(map[string]map[string]storage.ServiceCounts{partition: byService}, 0, false)
			continue
		}
		if current.Services == nil {
			current.Services = make(map[string]storage.ServiceCounts)
		}
		current.Partition = partition
		for service, delta := range byService {
			merged := current.Services[service]
			merged.NounCount += delta.NounCount
			merged.VerbCount += delta.VerbCount
			merged.MetadataCount += delta.MetadataCount
			current.Services[service] = merged
		}
		if err := e.adapter.SaveStatistics(ctx, current); err != nil {
			e.requeue(map[string]map[string]storage.ServiceCounts{partition: byService}, 0, false)
		}
	}

	if hnswSet {
		if err := e.adapter.UpdateHNSWIndexSize(ctx, hnswLen); err != nil {
			e.SetHNSWIndexSize(hnswLen)
		}
	}
	return nil
}

func (e *Engine) requeue(snapshot map[string]map[string]storage.ServiceCounts, hnswLen int64, hnswSet bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for partition, byService := range snapshot {
		existing, ok := e.pending[partition]
		if !ok {
			existing = make(map[string]storage.ServiceCounts)
			e.pending[partition] = existing
		}
		for service, delta := range byService {
			merged := existing[service]
			merged.NounCount += delta.NounCount
			merged.VerbCount += delta.VerbCount
			merged.MetadataCount += delta.MetadataCount
			existing[service] = merged
		}
	}
	if hnswSet {
		e.hnswLen = hnswLen
		e.hnswSet = true
	}
	e.dirty = true
}

// Snapshot returns the current day's statistics. If fresh is true it performs a
// synchronous flush first so buffered deltas are reflected, per §4.4.
func (e *Engine) Snapshot(ctx context.Context, fresh bool) (storage.StatisticsSnapshot, error) {
	if fresh {
		if err := e.Flush(ctx); err != nil {
			return storage.StatisticsSnapshot{}, err
		}
	}
	return e.adapter.GetStatistics(ctx, partitionNow())
}
