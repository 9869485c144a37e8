package storage

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSerializeVector(t *testing.T) {
	v := []float32{0, 1.5, -2.25, float32(math.Pi)}
	blob := serializeVector(v)
	assert.Len(t, blob, 16)
	assert.Equal(t, v, deserializeVector(blob))
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, cosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Equal(t, 0.0, cosineSimilarity([]float32{0, 0}, []float32{1, 0}))
	assert.Equal(t, 0.0, cosineSimilarity([]float32{1}, []float32{1, 0}))
}

func TestMetricScore(t *testing.T) {
	assert.InDelta(t, 1.0/6.0, MetricL2.score([]float32{0, 0}, []float32{3, 4}), 1e-9)
	assert.InDelta(t, 1.0, MetricL2.score([]float32{1, 1}, []float32{1, 1}), 1e-9)
	assert.InDelta(t, 0.0, MetricL2.score([]float32{1}, []float32{1, 1}), 1e-9)
	assert.InDelta(t, 1.0, MetricCosine.score([]float32{1, 1}, []float32{2, 2}), 1e-9)
}

func TestKmeans(t *testing.T) {
	vecs := [][]float32{{1, 0}, {0.9, 0.1}, {0, 1}, {0.1, 0.9}}
	centroids := kmeans(vecs, MetricCosine)
	assert.Len(t, centroids, 2)
	assert.NotEqual(t, nearest(centroids, MetricCosine, []float32{1, 0}), nearest(centroids, MetricCosine, []float32{0, 1}))
}
