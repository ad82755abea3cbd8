// Package vecmath provides the distance functions and vector utilities shared by
// the HNSW index and the query orchestrator.
package vecmath

import "math"

// DistanceFunc computes a distance between two equal-length vectors: smaller means
// more similar. The function chosen at database creation is persisted alongside the
// HNSW index so re-opens use the same metric (see pkg/persistence).
type DistanceFunc func(a, b []float32) float32

// Name identifies one of the four built-in distance functions by string, so it can be
// round-tripped through configuration and the persisted index header.
type Name string

const (
	Cosine    Name = "cosine"
	Euclidean Name = "euclidean"
	Manhattan Name = "manhattan"
	Dot       Name = "dot"
)

// ByName resolves a Name to its DistanceFunc, defaulting to Cosine for an unknown or
// empty name.
func ByName(name Name) DistanceFunc {
	switch name {
	case Euclidean:
		return EuclideanDistance
	case Manhattan:
		return ManhattanDistance
	case Dot:
		return DotDistance
	case Cosine, "":
		return CosineDistance
	default:
		return CosineDistance
	}
}

// CosineDistance returns 1 - cos(a, b). When either vector has zero norm the vectors
// share no direction to compare, so the distance is defined as 1 (maximally distant).
func CosineDistance(a, b []float32) float32 {
	var dot, normA, normB float64
	for i := range a {
		fa, fb := float64(a[i]), float64(b[i])
		dot += fa * fb
		normA += fa * fa
		normB += fb * fb
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return float32(1 - dot/(math.Sqrt(normA)*math.Sqrt(normB)))
}

// EuclideanDistance returns sqrt(sum((a_i-b_i)^2)).
func EuclideanDistance(a, b []float32) float32 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return float32(math.Sqrt(sum))
}

// ManhattanDistance returns sum(|a_i-b_i|).
func ManhattanDistance(a, b []float32) float32 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		if d < 0 {
			d = -d
		}
		sum += d
	}
	return float32(sum)
}

// DotDistance returns -(a . b) so that smaller values indicate more similarity,
// consistent with the other distance functions.
func DotDistance(a, b []float32) float32 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return float32(-sum)
}

// Norm returns the Euclidean (L2) norm of v.
func Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// HasNaN reports whether v contains a NaN or Inf component; the HNSW index rejects
// such vectors on insert per invariant I1.
func HasNaN(v []float32) bool {
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
	}
	return false
}

// BatchDistance computes DistanceFunc(query, candidates[i]) for every candidate,
// reusing a single output slice to avoid per-call allocation in HNSW search's inner
// loop. out is grown if needed and returned.
func BatchDistance(fn DistanceFunc, query []float32, candidates [][]float32, out []float32) []float32 {
	if cap(out) < len(candidates) {
		out = make([]float32, len(candidates))
	}
	out = out[:len(candidates)]
	for i, c := range candidates {
		out[i] = fn(query, c)
	}
	return out
}
