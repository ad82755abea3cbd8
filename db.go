// Package corevdb is the public façade over pkg/*: it wires a storage
// backend, the HNSW index (standard or optimized), the persistence bridge,
// the graph store, the query orchestrator, the cache manager, and the
// statistics engine into a single handle, the way the teacher's store.go
// wires SQLite + HNSW into *SQLiteStore.
package corevdb

import (
	"context"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/graphvec/corevdb/pkg/cache"
	"github.com/graphvec/corevdb/pkg/changelog"
	"github.com/graphvec/corevdb/pkg/corevdberr"
	"github.com/graphvec/corevdb/pkg/graphstore"
	"github.com/graphvec/corevdb/pkg/index"
	"github.com/graphvec/corevdb/pkg/logx"
	"github.com/graphvec/corevdb/pkg/orchestrator"
	"github.com/graphvec/corevdb/pkg/persistence"
	"github.com/graphvec/corevdb/pkg/statistics"
	"github.com/graphvec/corevdb/pkg/storage"
	"github.com/graphvec/corevdb/pkg/storage/browserfs"
	"github.com/graphvec/corevdb/pkg/storage/localfs"
	"github.com/graphvec/corevdb/pkg/storage/memory"
	"github.com/graphvec/corevdb/pkg/storage/objectstore"
	"github.com/graphvec/corevdb/pkg/vecmath"
)

// StorageType selects one of the four storage.Adapter backends (§6).
type StorageType string

const (
	StorageMemory     StorageType = "memory"
	StorageFilesystem StorageType = "filesystem"
	StorageBrowserFS  StorageType = "browserfs"
	StorageObjectore  StorageType = "objectstore"
)

// HNSWConfig mirrors the `hnsw` block of §6.
type HNSWConfig struct {
	M              int
	EfConstruction int
	EfSearch       int
}

// HNSWOptimizedConfig mirrors the `hnswOptimized` block of §6.
type HNSWOptimizedConfig struct {
	Enabled            bool
	MemoryThreshold    int
	DiskThreshold      int
	TrainAt            int
	NumSubvectors      int
	NumCentroids       int
	UseDiskBasedIndex  bool
	OversamplingFactor int
}

// ObjectStoreConfig mirrors the `storage.objectStore` block of §6.
type ObjectStoreConfig struct {
	Bucket       string
	Endpoint     string
	Region       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// CacheConfig mirrors the `cache` block of §6.
type CacheConfig = cache.Options

// Config carries the options Open wires: dimensions, distance function, hnsw,
// hnswOptimized, storage, cache, mode, embed and logger. There are no
// type-validation or performance options, and no hnsw level cap (ml) field.
// DefaultConfig returns the zero-config defaults documented per-parameter in
// §4.6/§4.7/§4.11.
type Config struct {
	Dimensions       int
	DistanceFunction vecmath.Name

	HNSW          HNSWConfig
	HNSWOptimized HNSWOptimizedConfig

	StorageType StorageType
	LocalFSDir  string
	ObjectStore ObjectStoreConfig

	Cache CacheConfig

	Mode orchestrator.Mode

	Embed orchestrator.EmbedFunc

	Logger logx.Logger
}

// DefaultConfig returns a Config with every parameter at its spec default,
// storing in memory with caching and auto-tuning enabled.
func DefaultConfig(dimensions int) Config {
	return Config{
		Dimensions:       dimensions,
		DistanceFunction: vecmath.Cosine,
		HNSW: HNSWConfig{
			M: 16, EfConstruction: 200, EfSearch: 50,
		},
		HNSWOptimized: HNSWOptimizedConfig{
			Enabled:            false,
			MemoryThreshold:    50_000,
			DiskThreshold:      500_000,
			TrainAt:            10_000,
			NumSubvectors:      16,
			NumCentroids:       256,
			OversamplingFactor: 4,
		},
		StorageType: StorageMemory,
		Cache:       cache.Options{AutoTune: true},
		Mode:        orchestrator.ModeNormal,
	}
}

// DB is the handle returned by Open: it owns the storage adapter, the vector
// index, and every ambient subsystem layered above them.
type DB struct {
	cfg Config
	log logx.Logger

	adapter storage.Adapter
	index   orchestrator.VectorIndex
	graph   *graphstore.Store
	stats   *statistics.Engine
	writer  *changelog.Writer
	persist *persistence.Bridge
	cache   *cache.Manager
	orch    *orchestrator.Orchestrator

	mu     sync.Mutex
	closed bool
}

func buildAdapter(cfg Config) (storage.Adapter, error) {
	switch cfg.StorageType {
	case "", StorageMemory:
		return memory.New(), nil
	case StorageFilesystem:
		if cfg.LocalFSDir == "" {
			return nil, corevdberr.New(corevdberr.NotInitialized, "filesystem storage requires LocalFSDir")
		}
		return localfs.New(cfg.LocalFSDir), nil
	case StorageBrowserFS:
		return browserfs.New(cfg.LocalFSDir), nil
	case StorageObjectore:
		return objectstore.New(objectstore.Config{
			Bucket:       cfg.ObjectStore.Bucket,
			Region:       cfg.ObjectStore.Region,
			Endpoint:     cfg.ObjectStore.Endpoint,
			AccessKey:    cfg.ObjectStore.AccessKey,
			SecretKey:    cfg.ObjectStore.SecretKey,
			UsePathStyle: cfg.ObjectStore.UsePathStyle,
		}), nil
	default:
		return nil, corevdberr.New(corevdberr.InvalidType, "unknown storage type: "+string(cfg.StorageType))
	}
}

func buildIndex(cfg Config, adapter storage.Adapter) orchestrator.VectorIndex {
	params := index.Params{
		Dim:            cfg.Dimensions,
		M:              cfg.HNSW.M,
		EfConstruction: cfg.HNSW.EfConstruction,
		Distance:       cfg.DistanceFunction,
	}
	if !cfg.HNSWOptimized.Enabled {
		return index.New(params)
	}

	opts := index.OptimizedParams{
		Params:          params,
		MemoryThreshold: cfg.HNSWOptimized.MemoryThreshold,
		DiskThreshold:   cfg.HNSWOptimized.DiskThreshold,
		TrainAt:         cfg.HNSWOptimized.TrainAt,
		NumSubvectors:   cfg.HNSWOptimized.NumSubvectors,
		NumCentroids:    cfg.HNSWOptimized.NumCentroids,
		Oversample:      cfg.HNSWOptimized.OversamplingFactor,
	}
	if opts.Oversample <= 0 {
		opts.Oversample = 4
	}
	return &optimizedAdapter{opt: index.NewOptimized(opts, adapter)}
}

// optimizedAdapter adapts *index.Optimized (whose Search takes a context, for
// exact-distance reranking off storage) to orchestrator.VectorIndex (which
// doesn't carry one). Request-scoped cancellation during rerank is not
// currently threaded through the orchestrator's index seam, so this uses a
// background context.
type optimizedAdapter struct {
	opt *index.Optimized
}

func (a *optimizedAdapter) Insert(id string, v []float32) error { return a.opt.Insert(id, v) }
func (a *optimizedAdapter) Delete(id string) error               { return a.opt.Delete(id) }
func (a *optimizedAdapter) Search(query []float32, k int, ef int) ([]string, []float32, error) {
	return a.opt.Search(context.Background(), query, k, ef)
}

// Save and Load delegate to the embedded HNSW graph (persistence.Bridge
// checkpoints its nodes, with whatever raw vectors or quantized codes they
// hold; quantizer codebooks are not persisted. A rebuild retrains them once
// TrainAt vectors have replayed through Insert; a restore from a checkpoint
// does not reload them).
func (a *optimizedAdapter) Save(w io.Writer) error { return a.opt.HNSW.Save(w) }
func (a *optimizedAdapter) Load(r io.Reader) error { return a.opt.HNSW.Load(r) }

// Open builds every subsystem from cfg, restores the index from a prior
// checkpoint (rebuilding from storage when none exists), and starts the
// statistics engine and cache auto-tuner.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.Dimensions <= 0 {
		return nil, corevdberr.New(corevdberr.DimensionMismatch, "Dimensions must be positive")
	}
	log := cfg.Logger
	if log == nil {
		log = logx.NewStd(zerolog.InfoLevel)
	}

	adapter, err := buildAdapter(cfg)
	if err != nil {
		return nil, err
	}
	if err := adapter.Init(ctx); err != nil {
		return nil, corevdberr.Wrap(corevdberr.StorageUnavailable, "init storage", err)
	}

	idx := buildIndex(cfg, adapter)
	writer := changelog.NewWriter(adapter)
	graph := graphstore.New(adapter, writer, log)
	stats := statistics.New(adapter, log)
	persist := persistence.New(adapter, log)

	if persistIdx, ok := idx.(persistence.Index); ok {
		rebuild := func(id string, vector []float32) error { return idx.Insert(id, vector) }
		if err := persist.Open(ctx, persistIdx, rebuild); err != nil {
			return nil, err
		}
	}

	cacheMgr := cache.New(
		func(ctx context.Context, id string) (*storage.Noun, error) { return adapter.GetNoun(ctx, id) },
		func(ctx context.Context, n *storage.Noun) error { return adapter.SaveNoun(ctx, n) },
		log, cfg.Cache,
	)
	cacheMgr.Start(ctx)

	orch := orchestrator.New(idx, graph, stats, log, orchestrator.Options{
		OversamplingFactor: cfg.HNSWOptimized.OversamplingFactor,
		Embed:              cfg.Embed,
		Cache:              cacheMgr,
	})
	orch.SetMode(cfg.Mode)

	stats.Start(ctx)

	return &DB{
		cfg:     cfg,
		log:     log,
		adapter: adapter,
		index:   idx,
		graph:   graph,
		stats:   stats,
		writer:  writer,
		persist: persist,
		cache:   cacheMgr,
		orch:    orch,
	}, nil
}

// Orchestrator exposes the underlying query orchestrator for add/search/
// addVerb/update/delete/import/export.
func (db *DB) Orchestrator() *orchestrator.Orchestrator { return db.orch }

// Cache exposes the cache manager for direct hydration bypassing the
// orchestrator (e.g. batch prefetch).
func (db *DB) Cache() *cache.Manager { return db.cache }

// Statistics exposes the statistics engine.
func (db *DB) Statistics() *statistics.Engine { return db.stats }

// Checkpoint persists the current index state, letting a later Open restore
// without rescanning storage.
func (db *DB) Checkpoint(ctx context.Context) error {
	persistIdx, ok := db.index.(persistence.Index)
	if !ok {
		return corevdberr.New(corevdberr.Fatal, "configured index does not support checkpointing")
	}
	return db.persist.Checkpoint(ctx, persistIdx)
}

// Close flushes the cache's write-behind buffer, checkpoints the index,
// stops the statistics engine, and closes the storage adapter.
func (db *DB) Close(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true

	if err := db.cache.Flush(ctx); err != nil {
		db.log.Warn("cache flush failed on close", "error", err)
	}
	db.cache.Close()

	if err := db.Checkpoint(ctx); err != nil {
		db.log.Warn("index checkpoint failed on close", "error", err)
	}
	if err := db.stats.Close(ctx); err != nil {
		db.log.Warn("statistics close failed", "error", err)
	}
	return db.adapter.Close(ctx)
}
