package embedder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/dshills/knowledge-engine/pkg/types"
)

var tracer = otel.Tracer("github.com/dshills/knowledge-engine/internal/embedder")

// Adapter batches chunk text to a Provider, caches results and checks that
// responses line up with requests.
type Adapter struct {
	provider  Provider
	batchSize int
	cache     *Cache
	logger    *slog.Logger
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithBatchSize caps the number of texts per provider call.
func WithBatchSize(n int) AdapterOption {
	return func(a *Adapter) {
		if n > 0 {
			a.batchSize = n
		}
	}
}

// WithCache enables result caching.
func WithCache(c *Cache) AdapterOption {
	return func(a *Adapter) { a.cache = c }
}

// WithLogger sets the adapter logger.
func WithLogger(l *slog.Logger) AdapterOption {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewAdapter wraps provider.
func NewAdapter(provider Provider, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		provider:  provider,
		batchSize: DefaultBatchSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.batchSize > MaxBatchSize {
		a.batchSize = MaxBatchSize
	}
	return a
}

// Info describes the wrapped provider.
func (a *Adapter) Info() Info {
	if d, ok := a.provider.(Describer); ok {
		return d.Info()
	}
	return Info{Name: "custom"}
}

// EmbedChunks returns one vector per chunk, in chunk order.
func (a *Adapter) EmbedChunks(ctx context.Context, chunks []types.Chunk) ([][]float32, error) {
	texts := make([]string, len(chunks))
	for i := range chunks {
		texts[i] = chunks[i].Text
	}
	return a.EmbedTexts(ctx, texts)
}

// EmbedQuery embeds a single query string.
func (a *Adapter) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	if query == "" {
		return nil, types.ErrEmptyContent
	}
	vecs, err := a.EmbedTexts(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedTexts embeds texts in batches of at most the configured batch size.
// Provider failures are wrapped in types.ErrProvider unless the provider
// rejected the input, which stays permanent.
func (a *Adapter) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, span := tracer.Start(ctx, "embedder.EmbedTexts")
	defer span.End()
	span.SetAttributes(attribute.Int("texts", len(texts)))

	out := make([][]float32, len(texts))
	missing := make([]int, 0, len(texts))
	for i, text := range texts {
		if text == "" {
			err := fmt.Errorf("text at index %d: %w", i, types.ErrEmptyContent)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, types.Permanent(err)
		}
		if a.cache != nil {
			if v, ok := a.cache.Get(ComputeHash(text)); ok {
				out[i] = v
				continue
			}
		}
		missing = append(missing, i)
	}

	dim := 0
	for start := 0; start < len(missing); start += a.batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + a.batchSize
		if end > len(missing) {
			end = len(missing)
		}
		idx := missing[start:end]
		batch := make([]string, len(idx))
		for j, i := range idx {
			batch[j] = texts[i]
		}

		vecs, err := a.provider.Embed(ctx, batch)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, classify(err)
		}
		if len(vecs) != len(batch) {
			err := fmt.Errorf("%w: provider returned %d vectors for %d texts", types.ErrProvider, len(vecs), len(batch))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		for j, v := range vecs {
			if len(v) == 0 {
				return nil, fmt.Errorf("%w: empty vector at index %d", types.ErrProvider, idx[j])
			}
			if dim == 0 {
				dim = len(v)
			} else if len(v) != dim {
				return nil, fmt.Errorf("%w: inconsistent dimensions %d and %d", types.ErrProvider, dim, len(v))
			}
			out[idx[j]] = v
			if a.cache != nil {
				a.cache.Set(ComputeHash(batch[j]), v)
			}
		}
		a.logger.Debug("embedded batch", "size", len(batch), "dimension", dim)
	}
	return out, nil
}

// classify keeps permanent rejections permanent and marks everything else as
// a retryable provider failure.
func classify(err error) error {
	if types.IsPermanent(err) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, types.ErrProvider) {
		return err
	}
	return fmt.Errorf("%w: %w", types.ErrProvider, err)
}
