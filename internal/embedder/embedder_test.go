package embedder

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/dshills/knowledge-engine/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingProvider records every call and returns a vector derived from the
// text length.
type countingProvider struct {
	mu      sync.Mutex
	calls   int
	batches [][]string
	err     error
	short   bool
}

func (p *countingProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.batches = append(p.batches, append([]string(nil), texts...))
	if p.err != nil {
		return nil, p.err
	}
	n := len(texts)
	if p.short {
		n--
	}
	out := make([][]float32, n)
	for i := 0; i < n; i++ {
		out[i] = []float32{float32(len(texts[i])), 1}
	}
	return out, nil
}

func TestComputeHash(t *testing.T) {
	assert.Equal(t, ComputeHash("abc"), ComputeHash("abc"))
	assert.NotEqual(t, ComputeHash("abc"), ComputeHash("abd"))
	assert.Len(t, ComputeHash(""), 64)
}

func TestCache(t *testing.T) {
	c := NewCache(2)
	c.Set("a", []float32{1, 2})
	c.Set("b", []float32{3})

	v, ok := c.Get("a")
	require.True(t, ok)
	v[0] = 99
	again, _ := c.Get("a")
	assert.Equal(t, float32(1), again[0], "cached vectors must not be mutable through Get")

	c.Set("c", []float32{4})
	assert.Equal(t, 2, c.Size())
	_, ok = c.Get("b")
	assert.False(t, ok, "least recently used entry evicted")

	c.Clear()
	assert.Equal(t, 0, c.Size())
}

func TestAdapter_BatchesPreserveOrder(t *testing.T) {
	p := &countingProvider{}
	a := NewAdapter(p, WithBatchSize(2))

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vecs, err := a.EmbedTexts(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, 5)
	for i, v := range vecs {
		assert.Equal(t, float32(len(texts[i])), v[0])
	}
	assert.Equal(t, 3, p.calls)
	for _, b := range p.batches {
		assert.LessOrEqual(t, len(b), 2)
	}
}

func TestAdapter_CacheSkipsProvider(t *testing.T) {
	p := &countingProvider{}
	a := NewAdapter(p, WithCache(NewCache(10)))

	_, err := a.EmbedTexts(context.Background(), []string{"x", "y"})
	require.NoError(t, err)
	_, err = a.EmbedTexts(context.Background(), []string{"y", "x"})
	require.NoError(t, err)
	assert.Equal(t, 1, p.calls)

	_, err = a.EmbedTexts(context.Background(), []string{"x", "z"})
	require.NoError(t, err)
	assert.Equal(t, 2, p.calls)
	assert.Equal(t, []string{"z"}, p.batches[1])
}

func TestAdapter_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("transient failure is a provider error", func(t *testing.T) {
		a := NewAdapter(&countingProvider{err: errors.New("connection reset")})
		_, err := a.EmbedTexts(ctx, []string{"x"})
		assert.ErrorIs(t, err, types.ErrProvider)
		assert.False(t, types.IsPermanent(err))
	})

	t.Run("rejection stays permanent", func(t *testing.T) {
		a := NewAdapter(&countingProvider{err: statusError(422, []byte("bad input"))})
		_, err := a.EmbedTexts(ctx, []string{"x"})
		assert.ErrorIs(t, err, types.ErrRejected)
		assert.True(t, types.IsPermanent(err))
	})

	t.Run("short response", func(t *testing.T) {
		a := NewAdapter(&countingProvider{short: true})
		_, err := a.EmbedTexts(ctx, []string{"x", "y"})
		assert.ErrorIs(t, err, types.ErrProvider)
	})

	t.Run("empty text", func(t *testing.T) {
		a := NewAdapter(&countingProvider{})
		_, err := a.EmbedTexts(ctx, []string{"x", ""})
		assert.ErrorIs(t, err, types.ErrEmptyContent)
		assert.True(t, types.IsPermanent(err))
	})

	t.Run("empty query", func(t *testing.T) {
		a := NewAdapter(&countingProvider{})
		_, err := a.EmbedQuery(ctx, "")
		assert.ErrorIs(t, err, types.ErrEmptyContent)
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		a := NewAdapter(&countingProvider{})
		_, err := a.EmbedTexts(cctx, []string{"x"})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestAdapter_EmbedChunksAndInfo(t *testing.T) {
	a := NewAdapter(NewLocalProvider(64))
	chunks := []types.Chunk{{DocumentKey: "a", Text: "green plants"}, {DocumentKey: "a", Seq: 1, Text: "rocks"}}
	vecs, err := a.EmbedChunks(context.Background(), chunks)
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Len(t, vecs[0], 64)
	assert.Equal(t, Info{Name: ProviderLocal, Model: "hashed-bow", Dimension: 64}, a.Info())

	assert.Equal(t, "custom", NewAdapter(&countingProvider{}).Info().Name)

	none, err := a.EmbedChunks(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestNormalizeVector(t *testing.T) {
	v := NormalizeVector([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	zero := []float32{0, 0}
	assert.Equal(t, zero, NormalizeVector(zero))
}
