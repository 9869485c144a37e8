package storage

import (
	"encoding/binary"
	"math"
	"sort"
)

// Metric selects how query and record vectors are compared.
type Metric string

const (
	MetricCosine Metric = "cosine"
	MetricL2     Metric = "l2"
)

// score returns a similarity where higher is better. Cosine scores are the
// cosine similarity; L2 scores are 1/(1+distance).
func (m Metric) score(a, b []float32) float64 {
	if m == MetricL2 {
		return 1.0 / (1.0 + l2Distance(a, b))
	}
	return cosineSimilarity(a, b)
}

// serializeVector converts a float32 slice to a byte blob (little-endian)
func serializeVector(vector []float32) []byte {
	blob := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

// deserializeVector converts a byte blob back to a float32 slice
func deserializeVector(blob []byte) []float32 {
	vector := make([]float32, len(blob)/4)
	for i := range vector {
		bits := binary.LittleEndian.Uint32(blob[i*4:])
		vector[i] = math.Float32frombits(bits)
	}
	return vector
}

// cosineSimilarity computes the cosine similarity between two vectors
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// l2Distance computes the Euclidean distance between two vectors
func l2Distance(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// sortMatches orders by score descending, then newer IndexedAt, then
// document key and sequence so equal scores rank deterministically.
func sortMatches(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.IndexedAt.Equal(b.IndexedAt) {
			return a.IndexedAt.After(b.IndexedAt)
		}
		if a.Key.DocumentKey != b.Key.DocumentKey {
			return a.Key.DocumentKey < b.Key.DocumentKey
		}
		return a.Key.Seq < b.Key.Seq
	})
}
