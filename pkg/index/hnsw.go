// Package index implements the Hierarchical Navigable Small World graph described
// in §4.6-4.7: an in-memory approximate nearest-neighbor index with insert,
// k-NN search, and delete, plus an optional product-quantized variant for large N.
package index

import (
	"container/heap"
	"encoding/gob"
	"fmt"
	"io"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/graphvec/corevdb/pkg/corevdberr"
	"github.com/graphvec/corevdb/pkg/vecmath"
)

// Quantizer compresses and decompresses vectors for the optimized variant (C7).
type Quantizer interface {
	Encode(vec []float32) ([]byte, error)
	Decode(encoded []byte) ([]float32, error)
}

// Node is one entry in the HNSW graph: a vector (or its quantized form) plus a
// per-level neighbor set.
type Node struct {
	ID        string
	Vector    []float32
	Quantized []byte
	Level     int
	Neighbors [][]string
}

// maxLevelCap bounds the geometric level draw so a single unlucky random sample
// cannot blow up memory; §4.6 calls this "clamp to ml".
const maxLevelCap = 32

// HNSW is a Hierarchical Navigable Small World index. Zero value is not usable;
// construct with New.
type HNSW struct {
	Dim            int
	M              int
	MaxM           int
	EfConstruction int
	DistName       vecmath.Name

	distFunc vecmath.DistanceFunc

	mu         sync.RWMutex
	nodes      map[string]*Node
	entryPoint string
	maxLevel   int

	Quantizer Quantizer

	rng *rand.Rand
}

// Params configures a new index.
type Params struct {
	Dim            int
	M              int
	EfConstruction int
	Distance       vecmath.Name
}

// DefaultParams matches §4.6's defaults: M=16, efConstruction=200.
func DefaultParams(dim int) Params {
	return Params{Dim: dim, M: 16, EfConstruction: 200, Distance: vecmath.Cosine}
}

// New creates an empty HNSW index. The distance function named by p.Distance is
// persisted alongside the index so a later Load reopens with the same metric.
func New(p Params) *HNSW {
	if p.M <= 0 {
		p.M = 16
	}
	if p.EfConstruction <= 0 {
		p.EfConstruction = 200
	}
	if p.Distance == "" {
		p.Distance = vecmath.Cosine
	}
	return &HNSW{
		Dim:            p.Dim,
		M:              p.M,
		MaxM:           p.M * 2,
		EfConstruction: p.EfConstruction,
		DistName:       p.Distance,
		distFunc:       vecmath.ByName(p.Distance),
		nodes:          make(map[string]*Node),
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetQuantizer installs q for the optimized variant (C7). Existing nodes keep
// their raw vectors; only subsequent inserts are quantized.
func (h *HNSW) SetQuantizer(q Quantizer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Quantizer = q
}

func (h *HNSW) vectorOf(n *Node) []float32 {
	if n.Vector != nil {
		return n.Vector
	}
	if n.Quantized != nil && h.Quantizer != nil {
		if v, err := h.Quantizer.Decode(n.Quantized); err == nil {
			return v
		}
	}
	return nil
}

func (h *HNSW) distance(query []float32, n *Node) float32 {
	v := h.vectorOf(n)
	if v == nil {
		return float32(math.Inf(1))
	}
	return h.distFunc(query, v)
}

// selectLevel draws floor(-ln(U)/ln(M)) per §4.6, clamped to maxLevelCap.
func (h *HNSW) selectLevel() int {
	u := h.rng.Float64()
	for u == 0 {
		u = h.rng.Float64()
	}
	level := int(math.Floor(-math.Log(u) / math.Log(float64(h.M))))
	if level > maxLevelCap {
		level = maxLevelCap
	}
	if level < 0 {
		level = 0
	}
	return level
}

// Insert adds v under id. A duplicate id is fully dissolved via Delete and
// re-inserted, per §4.6's edge-case rule.
func (h *HNSW) Insert(id string, v []float32) error {
	if len(v) == 0 {
		return corevdberr.New(corevdberr.DimensionMismatch, "vector must be non-empty")
	}
	if h.Dim != 0 && len(v) != h.Dim {
		return corevdberr.New(corevdberr.DimensionMismatch, fmt.Sprintf("expected dim %d, got %d", h.Dim, len(v)))
	}
	if vecmath.HasNaN(v) {
		return corevdberr.New(corevdberr.Fatal, "vector contains NaN or Inf")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.Dim == 0 {
		h.Dim = len(v)
	}
	if _, exists := h.nodes[id]; exists {
		h.deleteLocked(id)
	}

	var quantized []byte
	stored := v
	if h.Quantizer != nil {
		if enc, err := h.Quantizer.Encode(v); err == nil {
			quantized = enc
			stored = nil
		}
	}

	level := h.selectLevel()
	node := &Node{ID: id, Vector: stored, Quantized: quantized, Level: level, Neighbors: make([][]string, level+1)}
	for i := range node.Neighbors {
		node.Neighbors[i] = []string{}
	}
	h.nodes[id] = node

	if h.entryPoint == "" {
		h.entryPoint = id
		h.maxLevel = level
		return nil
	}

	currNearest := []string{h.entryPoint}
	for lc := h.maxLevel; lc > level; lc-- {
		currNearest = h.searchLayerClosest(v, currNearest, 1, lc)
	}

	for lc := min(level, h.maxLevel); lc >= 0; lc-- {
		m := h.M
		if lc == 0 {
			m = h.MaxM
		}
		candidates := h.searchLayer(v, currNearest, h.EfConstruction, lc)
		neighbors := h.selectNeighborsHeuristic(v, candidates, m)
		node.Neighbors[lc] = neighbors

		for _, nb := range neighbors {
			h.addConnection(nb, id, lc)
			nbNode := h.nodes[nb]
			maxConn := h.M
			if lc == 0 {
				maxConn = h.MaxM
			}
			if lc < len(nbNode.Neighbors) && len(nbNode.Neighbors[lc]) > maxConn {
				nbVec := h.vectorOf(nbNode)
				if nbVec != nil {
					nbNode.Neighbors[lc] = h.selectNeighborsHeuristic(nbVec, nbNode.Neighbors[lc], maxConn)
				}
			}
		}
		currNearest = neighbors
	}

	if level > h.maxLevel {
		h.entryPoint = id
		h.maxLevel = level
	}
	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// heapItem is one entry in a distance priority queue.
type heapItem struct {
	id   string
	dist float32
}

type minHeap []*heapItem

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist || (h[i].dist == h[j].dist && h[i].id < h[j].id) }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(*heapItem)) }
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type maxHeap struct{ minHeap }

func (h maxHeap) Less(i, j int) bool {
	return h.minHeap[i].dist > h.minHeap[j].dist || (h.minHeap[i].dist == h.minHeap[j].dist && h.minHeap[i].id > h.minHeap[j].id)
}

// searchLayer runs the dual-heap greedy search described in §4.6: a candidate
// min-heap drives exploration, a result max-heap holds the best ef seen so far.
func (h *HNSW) searchLayer(query []float32, entryPoints []string, ef int, layer int) []string {
	visited := make(map[string]bool, ef*2)
	candidates := &minHeap{}
	results := &maxHeap{}

	for _, p := range entryPoints {
		if node, ok := h.nodes[p]; ok {
			d := h.distance(query, node)
			heap.Push(candidates, &heapItem{id: p, dist: d})
			heap.Push(results, &heapItem{id: p, dist: d})
			visited[p] = true
		}
	}

	for candidates.Len() > 0 {
		if results.Len() >= ef {
			worst := results.minHeap[0].dist
			if (*candidates)[0].dist > worst {
				break
			}
		}
		current := heap.Pop(candidates).(*heapItem)
		currentNode, ok := h.nodes[current.id]
		if !ok || layer >= len(currentNode.Neighbors) {
			continue
		}
		for _, nb := range currentNode.Neighbors[layer] {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			nbNode, ok := h.nodes[nb]
			if !ok {
				continue
			}
			d := h.distance(query, nbNode)
			if results.Len() < ef || d < results.minHeap[0].dist {
				heap.Push(candidates, &heapItem{id: nb, dist: d})
				heap.Push(results, &heapItem{id: nb, dist: d})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]string, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(*heapItem).id
	}
	return out
}

func (h *HNSW) searchLayerClosest(query []float32, entryPoints []string, num int, layer int) []string {
	res := h.searchLayer(query, entryPoints, num, layer)
	if len(res) > num {
		return res[:num]
	}
	return res
}

func (h *HNSW) selectNeighborsHeuristic(query []float32, candidates []string, m int) []string {
	if len(candidates) <= m {
		return candidates
	}
	type pair struct {
		id   string
		dist float32
	}
	pairs := make([]pair, 0, len(candidates))
	for _, c := range candidates {
		if node, ok := h.nodes[c]; ok {
			pairs = append(pairs, pair{id: c, dist: h.distance(query, node)})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].dist != pairs[j].dist {
			return pairs[i].dist < pairs[j].dist
		}
		return pairs[i].id < pairs[j].id
	})
	if len(pairs) > m {
		pairs = pairs[:m]
	}
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.id
	}
	return out
}

func (h *HNSW) addConnection(from, to string, layer int) {
	node, ok := h.nodes[from]
	if !ok || layer >= len(node.Neighbors) {
		return
	}
	for _, nb := range node.Neighbors[layer] {
		if nb == to {
			return
		}
	}
	node.Neighbors[layer] = append(node.Neighbors[layer], to)
}

func (h *HNSW) removeConnection(from, to string, layer int) {
	node, ok := h.nodes[from]
	if !ok || layer >= len(node.Neighbors) {
		return
	}
	filtered := node.Neighbors[layer][:0]
	for _, nb := range node.Neighbors[layer] {
		if nb != to {
			filtered = append(filtered, nb)
		}
	}
	node.Neighbors[layer] = filtered
}

// Search returns up to k ids closest to query. ef is clamped to k per §4.6's
// edge case; a zero/negative ef defaults to efSearch=50.
func (h *HNSW) Search(query []float32, k int, ef int) ([]string, []float32, error) {
	if h.Dim != 0 && len(query) != h.Dim {
		return nil, nil, corevdberr.New(corevdberr.DimensionMismatch, fmt.Sprintf("expected dim %d, got %d", h.Dim, len(query)))
	}
	if vecmath.HasNaN(query) {
		return nil, nil, corevdberr.New(corevdberr.Fatal, "query vector contains NaN or Inf")
	}
	if ef <= 0 {
		ef = 50
	}
	if ef < k {
		ef = k
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.entryPoint == "" {
		return []string{}, []float32{}, nil
	}

	currNearest := []string{h.entryPoint}
	for layer := h.maxLevel; layer > 0; layer-- {
		currNearest = h.searchLayerClosest(query, currNearest, 1, layer)
	}
	candidates := h.searchLayer(query, currNearest, ef, 0)

	type result struct {
		id   string
		dist float32
	}
	results := make([]result, 0, len(candidates))
	for _, c := range candidates {
		if node, ok := h.nodes[c]; ok {
			results = append(results, result{id: c, dist: h.distance(query, node)})
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].dist != results[j].dist {
			return results[i].dist < results[j].dist
		}
		return results[i].id < results[j].id
	})

	if k > len(results) {
		k = len(results)
	}
	ids := make([]string, k)
	dists := make([]float32, k)
	for i := 0; i < k; i++ {
		ids[i] = results[i].id
		dists[i] = results[i].dist
	}
	return ids, dists, nil
}

// Delete hard-removes id from every neighbor's adjacency list at every level,
// re-elects the entry point if needed, and drops the node itself, per §4.6.
func (h *HNSW) Delete(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.nodes[id]; !exists {
		return corevdberr.ErrNotFound
	}
	h.deleteLocked(id)
	return nil
}

func (h *HNSW) deleteLocked(id string) {
	node := h.nodes[id]
	for level, neighbors := range node.Neighbors {
		for _, nb := range neighbors {
			h.removeConnection(nb, id, level)
			nbNode, ok := h.nodes[nb]
			if !ok || level >= len(nbNode.Neighbors) {
				continue
			}
			maxConn := h.M
			if level == 0 {
				maxConn = h.MaxM
			}
			if len(nbNode.Neighbors[level]) > maxConn {
				nbVec := h.vectorOf(nbNode)
				if nbVec != nil {
					nbNode.Neighbors[level] = h.selectNeighborsHeuristic(nbVec, nbNode.Neighbors[level], maxConn)
				}
			}
		}
	}
	delete(h.nodes, id)

	if h.entryPoint != id {
		return
	}
	h.entryPoint = ""
	h.maxLevel = 0
	var candidates []string
	for nodeID := range h.nodes {
		candidates = append(candidates, nodeID)
	}
	sort.Strings(candidates)
	for _, nodeID := range candidates {
		n := h.nodes[nodeID]
		if h.entryPoint == "" || n.Level > h.maxLevel {
			h.entryPoint = nodeID
			h.maxLevel = n.Level
		}
	}
}

// Size returns the number of live nodes.
func (h *HNSW) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.nodes)
}

// Stats reports structural metrics used by the statistics engine and diagnostics.
func (h *HNSW) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	totalEdges := 0
	levelDist := make(map[int]int)
	for _, node := range h.nodes {
		levelDist[node.Level]++
		for _, nbs := range node.Neighbors {
			totalEdges += len(nbs)
		}
	}
	avgEdges := float64(0)
	if len(h.nodes) > 0 {
		avgEdges = float64(totalEdges) / float64(len(h.nodes))
	}
	return map[string]interface{}{
		"nodes":              len(h.nodes),
		"total_edges":        totalEdges,
		"avg_edges_per_node": avgEdges,
		"max_level":          h.maxLevel,
		"level_distribution": levelDist,
		"entry_point":        h.entryPoint,
		"M":                  h.M,
		"ef_construction":    h.EfConstruction,
		"distance":           string(h.DistName),
	}
}

// Save serializes the index, including the distance metric name, so Load can
// reopen it with an identical DistFunc per §4.1.
func (h *HNSW) Save(w io.Writer) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	enc := gob.NewEncoder(w)
	if err := enc.Encode(h.Dim); err != nil {
		return err
	}
	if err := enc.Encode(h.M); err != nil {
		return err
	}
	if err := enc.Encode(h.EfConstruction); err != nil {
		return err
	}
	if err := enc.Encode(string(h.DistName)); err != nil {
		return err
	}
	if err := enc.Encode(h.entryPoint); err != nil {
		return err
	}
	if err := enc.Encode(h.maxLevel); err != nil {
		return err
	}
	if err := enc.Encode(len(h.nodes)); err != nil {
		return err
	}
	for _, node := range h.nodes {
		if err := enc.Encode(node); err != nil {
			return err
		}
	}
	return nil
}

// Load deserializes an index previously written by Save.
func (h *HNSW) Load(r io.Reader) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	dec := gob.NewDecoder(r)
	if err := dec.Decode(&h.Dim); err != nil {
		return err
	}
	if err := dec.Decode(&h.M); err != nil {
		return err
	}
	h.MaxM = h.M * 2
	if err := dec.Decode(&h.EfConstruction); err != nil {
		return err
	}
	var distName string
	if err := dec.Decode(&distName); err != nil {
		return err
	}
	h.DistName = vecmath.Name(distName)
	h.distFunc = vecmath.ByName(h.DistName)
	if err := dec.Decode(&h.entryPoint); err != nil {
		return err
	}
	if err := dec.Decode(&h.maxLevel); err != nil {
		return err
	}
	var count int
	if err := dec.Decode(&count); err != nil {
		return err
	}
	h.nodes = make(map[string]*Node, count)
	for i := 0; i < count; i++ {
		var node Node
		if err := dec.Decode(&node); err != nil {
			return err
		}
		h.nodes[node.ID] = &node
	}
	if h.rng == nil {
		h.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return nil
}
