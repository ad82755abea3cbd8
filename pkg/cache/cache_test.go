package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/graphvec/corevdb/pkg/logx"
	"github.com/graphvec/corevdb/pkg/storage"
)

func newBackingStore() (map[string]*storage.Noun, Loader, Saver) {
	backing := make(map[string]*storage.Noun)
	loader := func(ctx context.Context, id string) (*storage.Noun, error) {
		n, ok := backing[id]
		if !ok {
			return nil, nil
		}
		return n, nil
	}
	saver := func(ctx context.Context, n *storage.Noun) error {
		backing[n.ID] = n
		return nil
	}
	return backing, loader, saver
}

func TestGetNounMissLoadsFromColdTierAndPromotes(t *testing.T) {
	ctx := context.Background()
	backing, loader, saver := newBackingStore()
	backing["a"] = &storage.Noun{ID: "a", Vector: []float32{1, 2}}

	loadCount := 0
	countingLoader := func(ctx context.Context, id string) (*storage.Noun, error) {
		loadCount++
		return loader(ctx, id)
	}

	m := New(countingLoader, saver, logx.Nop(), Options{})

	n, err := m.GetNoun(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if n == nil || n.ID != "a" {
		t.Fatalf("expected noun a, got %+v", n)
	}
	if loadCount != 1 {
		t.Fatalf("expected exactly one cold load, got %d", loadCount)
	}

	if _, err := m.GetNoun(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if loadCount != 1 {
		t.Fatalf("expected hot hit to avoid reloading, got %d loads", loadCount)
	}
	if m.HitRate() <= 0 {
		t.Fatalf("expected nonzero hit rate, got %f", m.HitRate())
	}
}

func TestGetNounConcurrentMissesCollapseIntoOneLoad(t *testing.T) {
	ctx := context.Background()
	backing, _, saver := newBackingStore()
	backing["a"] = &storage.Noun{ID: "a", Vector: []float32{1}}

	var loadCount int64
	release := make(chan struct{})
	blockingLoader := func(ctx context.Context, id string) (*storage.Noun, error) {
		atomic.AddInt64(&loadCount, 1)
		<-release
		return backing[id], nil
	}

	m := New(blockingLoader, saver, logx.Nop(), Options{})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.GetNoun(ctx, "a"); err != nil {
				t.Error(err)
			}
		}()
	}
	close(release)
	wg.Wait()

	if got := atomic.LoadInt64(&loadCount); got != 1 {
		t.Fatalf("expected singleflight to collapse concurrent misses into one load, got %d", got)
	}
}

func TestGetNounExpiredWarmEntryFallsBackToLoader(t *testing.T) {
	ctx := context.Background()
	backing, loader, saver := newBackingStore()
	backing["a"] = &storage.Noun{ID: "a", Vector: []float32{1, 2}}

	m := New(loader, saver, logx.Nop(), Options{WarmCacheTTL: time.Millisecond, HotCacheMaxSize: 1})
	if _, err := m.GetNoun(ctx, "a"); err != nil {
		t.Fatal(err)
	}

	m.mu.Lock()
	m.hot.Remove("a")
	entry := m.warm["a"]
	entry.expiry = time.Now().Add(-time.Hour)
	m.warm["a"] = entry
	m.mu.Unlock()

	n, err := m.GetNoun(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if n == nil || n.ID != "a" {
		t.Fatalf("expected loader fallback after warm expiry, got %+v", n)
	}
}

func TestPutNounFlushesAtBatchSize(t *testing.T) {
	ctx := context.Background()
	backing, loader, saver := newBackingStore()
	m := New(loader, saver, logx.Nop(), Options{BatchSize: 2})

	if err := m.PutNoun(ctx, &storage.Noun{ID: "a", Vector: []float32{1}}); err != nil {
		t.Fatal(err)
	}
	if _, ok := backing["a"]; ok {
		t.Fatalf("expected write-behind to defer the first write")
	}

	if err := m.PutNoun(ctx, &storage.Noun{ID: "b", Vector: []float32{2}}); err != nil {
		t.Fatal(err)
	}
	if _, ok := backing["a"]; !ok {
		t.Fatalf("expected batch flush to persist 'a' once BatchSize was reached")
	}
	if _, ok := backing["b"]; !ok {
		t.Fatalf("expected batch flush to persist 'b'")
	}
}

func TestFlushRetainsBufferedEntryOnSaverError(t *testing.T) {
	ctx := context.Background()
	_, loader, _ := newBackingStore()
	failing := func(ctx context.Context, n *storage.Noun) error {
		return errors.New("boom")
	}
	m := New(loader, failing, logx.Nop(), Options{BatchSize: 100})

	if err := m.PutNoun(ctx, &storage.Noun{ID: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := m.Flush(ctx); err == nil {
		t.Fatalf("expected flush to surface saver error")
	}
	m.mu.Lock()
	_, pending := m.writeBehind["a"]
	m.mu.Unlock()
	if !pending {
		t.Fatalf("expected failed entry to remain buffered for retry")
	}
}

func TestInvalidateRemovesFromAllTiers(t *testing.T) {
	ctx := context.Background()
	_, loader, saver := newBackingStore()
	m := New(loader, saver, logx.Nop(), Options{})
	if err := m.PutNoun(ctx, &storage.Noun{ID: "a"}); err != nil {
		t.Fatal(err)
	}
	m.Invalidate("a")

	m.mu.Lock()
	_, hotOK := m.hot.Get("a")
	_, warmOK := m.warm["a"]
	_, pendingOK := m.writeBehind["a"]
	m.mu.Unlock()
	if hotOK || warmOK || pendingOK {
		t.Fatalf("expected invalidate to clear hot/warm/write-behind state")
	}
}

func TestTuneGrowsHotCapOnLowHitRate(t *testing.T) {
	_, loader, saver := newBackingStore()
	m := New(loader, saver, logx.Nop(), Options{HotCacheMaxSize: 4, AutoTune: true})

	m.mu.Lock()
	m.hits, m.misses = 1, 9
	m.mu.Unlock()

	before := m.hotCap
	m.tune()
	after := m.hotCap
	if after <= before {
		t.Fatalf("expected cap to grow under low hit rate, got %d -> %d", before, after)
	}
}

func TestStartIsNoopWhenAutoTuneDisabled(t *testing.T) {
	_, loader, saver := newBackingStore()
	m := New(loader, saver, logx.Nop(), Options{AutoTune: false})
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	cancel()
	m.Close()
}
