package index

import (
	"context"
	"sort"
	"sync"

	"github.com/graphvec/corevdb/pkg/quantization"
	"github.com/graphvec/corevdb/pkg/storage"
	"github.com/graphvec/corevdb/pkg/vecmath"
)

// OptimizedParams configures the product-quantized, disk-spillable variant (C7).
type OptimizedParams struct {
	Params
	// MemoryThreshold is stored but not consulted by Optimized: the switch
	// away from plain HNSW behavior is driven by TrainAt (quantization) and
	// DiskThreshold (spill) alone.
	MemoryThreshold int
	// DiskThreshold is the node count at which full vectors are spilled to
	// storage and only the graph plus quantized codes stay resident.
	DiskThreshold int
	// TrainAt is N0, the insert count at which codebooks are learned and frozen.
	TrainAt int
	NumSubvectors int
	NumCentroids  int
	// Oversample is r in "top r*k candidates reranked by exact distance".
	Oversample int
}

// DefaultOptimizedParams applies §4.7's defaults.
func DefaultOptimizedParams(dim int) OptimizedParams {
	return OptimizedParams{
		Params:          DefaultParams(dim),
		MemoryThreshold: 50_000,
		DiskThreshold:   500_000,
		TrainAt:         10_000,
		NumSubvectors:   16,
		NumCentroids:    256,
		Oversample:      4,
	}
}

// Optimized wraps HNSW with adaptive product quantization and disk-spill,
// switching regimes as the dataset grows per §4.7.
type Optimized struct {
	*HNSW

	opts    OptimizedParams
	store   storage.Adapter
	quant   *quantization.ProductQuantizer
	trained bool

	mu            sync.Mutex
	trainingPool  [][]float32
	diskBased     bool
	insertedCount int
}

// NewOptimized creates an adaptive index. store is used as the reload path for
// disk-spilled vectors during rerank. It is fixed at construction and may be
// nil, in which case vectors are never spilled, even past opts.DiskThreshold.
func NewOptimized(opts OptimizedParams, store storage.Adapter) *Optimized {
	if opts.NumSubvectors <= 0 {
		opts.NumSubvectors = 16
	}
	if opts.NumCentroids <= 0 {
		opts.NumCentroids = 256
	}
	if opts.Oversample <= 0 {
		opts.Oversample = 4
	}
	return &Optimized{
		HNSW:  New(opts.Params),
		opts:  opts,
		store: store,
	}
}

// Regime reports the current operating mode for status surfaces per §4.7.
type Regime struct {
	IndexSize           int
	ProductQuantization bool
	DiskBasedIndex      bool
	MemoryUsageBytes    int64
}

func (o *Optimized) Regime() Regime {
	o.mu.Lock()
	defer o.mu.Unlock()
	size := o.HNSW.Size()
	var mem int64
	if o.trained {
		mem = int64(size) * int64(o.opts.NumSubvectors)
	} else {
		mem = int64(size) * int64(o.Dim) * 4
	}
	return Regime{
		IndexSize:           size,
		ProductQuantization: o.trained,
		DiskBasedIndex:      o.diskBased,
		MemoryUsageBytes:    mem,
	}
}

// Insert behaves as HNSW.Insert while the dataset is small. Once TrainAt inserts
// have accumulated, it trains a ProductQuantizer on the buffered training set and
// freezes it; subsequent inserts are quantized. Past DiskThreshold nodes, raw
// vectors are additionally dropped from memory (the storage adapter must already
// hold the noun, since this index never writes storage itself).
func (o *Optimized) Insert(id string, v []float32) error {
	o.mu.Lock()
	if !o.trained {
		if len(o.trainingPool) < o.opts.TrainAt {
			cp := append([]float32(nil), v...)
			o.trainingPool = append(o.trainingPool, cp)
		}
		if len(o.trainingPool) >= o.opts.TrainAt && o.opts.TrainAt > 0 {
			q, err := quantization.NewProductQuantizer(len(v), o.opts.NumSubvectors, o.opts.NumCentroids)
			if err == nil && q.Train(o.trainingPool) == nil {
				o.quant = q
				o.trained = true
				o.HNSW.SetQuantizer(q)
				o.trainingPool = nil
			}
		}
	}
	o.insertedCount++
	spill := o.insertedCount > o.opts.DiskThreshold && o.store != nil
	o.diskBased = o.diskBased || spill
	o.mu.Unlock()

	if err := o.HNSW.Insert(id, v); err != nil {
		return err
	}
	if spill {
		o.HNSW.mu.Lock()
		if node, ok := o.HNSW.nodes[id]; ok && node.Quantized != nil {
			node.Vector = nil
		}
		o.HNSW.mu.Unlock()
	}
	return nil
}

// Search runs the graph search with (possibly quantized) approximate distances,
// then reloads true vectors for the top oversample*k candidates — from memory if
// resident, from the storage adapter if spilled to disk — and reranks by exact
// distance before returning the final k, per §4.7.
func (o *Optimized) Search(ctx context.Context, query []float32, k int, ef int) ([]string, []float32, error) {
	o.mu.Lock()
	trained := o.trained
	oversample := o.opts.Oversample
	o.mu.Unlock()

	candidateK := k
	if trained {
		candidateK = k * oversample
	}
	ids, _, err := o.HNSW.Search(query, candidateK, ef)
	if err != nil {
		return nil, nil, err
	}
	if !trained {
		if len(ids) > k {
			ids = ids[:k]
		}
		_, exactDists, err := o.exactDistances(ctx, query, ids)
		return ids, exactDists, err
	}

	rerankIDs, rerankDists, err := o.exactDistances(ctx, query, ids)
	if err != nil {
		return nil, nil, err
	}
	type pair struct {
		id   string
		dist float32
	}
	pairs := make([]pair, len(rerankIDs))
	for i := range rerankIDs {
		pairs[i] = pair{id: rerankIDs[i], dist: rerankDists[i]}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].dist < pairs[j].dist })
	if len(pairs) > k {
		pairs = pairs[:k]
	}
	outIDs := make([]string, len(pairs))
	outDists := make([]float32, len(pairs))
	for i, p := range pairs {
		outIDs[i] = p.id
		outDists[i] = p.dist
	}
	return outIDs, outDists, nil
}

// exactDistances resolves each id's true vector (in-memory, or via storage if
// spilled) and computes the index's configured exact distance function.
func (o *Optimized) exactDistances(ctx context.Context, query []float32, ids []string) ([]string, []float32, error) {
	distFn := vecmath.ByName(o.DistName)
	outIDs := make([]string, 0, len(ids))
	outDists := make([]float32, 0, len(ids))
	for _, id := range ids {
		o.HNSW.mu.RLock()
		node, ok := o.HNSW.nodes[id]
		var vec []float32
		if ok {
			vec = node.Vector
		}
		o.HNSW.mu.RUnlock()
		if vec == nil && o.store != nil {
			n, err := o.store.GetNoun(ctx, id)
			if err == nil && n != nil {
				vec = n.Vector
			}
		}
		if vec == nil {
			continue
		}
		outIDs = append(outIDs, id)
		outDists = append(outDists, distFn(query, vec))
	}
	return outIDs, outDists, nil
}
