package retrieval

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dshills/knowledge-engine/internal/storage"
	"github.com/dshills/knowledge-engine/pkg/types"
)

var tracer = otel.Tracer("github.com/dshills/knowledge-engine/internal/retrieval")

// ErrEmptyQuery is returned for a blank query.
var ErrEmptyQuery = errors.New("query cannot be empty")

const (
	DefaultTopK              = 5
	MaxTopK                  = 100
	DefaultChunksPerDocument = 1
	DefaultCacheSize         = 1000
	DefaultCacheTTL          = time.Hour

	// oversample multiplies the candidate pool so per-document
	// deduplication still leaves TopK results.
	oversample = 3
)

// Store is the read side of the vector store.
type Store interface {
	Query(ctx context.Context, vector []float32, k int, filter *storage.Filter) ([]storage.Match, error)
	Count() int
	Generation() uint64
}

// QueryEmbedder embeds a query string.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
}

// Options configures a Service.
type Options struct {
	DefaultTopK int
	CacheSize   int // 0 uses DefaultCacheSize; negative disables caching
	CacheTTL    time.Duration
}

// Request contains parameters for a retrieval
type Request struct {
	Query             string
	TopK              int
	ChunksPerDocument int
	KeyPrefix         string
	NoCache           bool
}

// Response contains ranked results and metadata
type Response struct {
	Results    []types.SearchResult `json:"results"`
	Total      int                  `json:"total"`
	Candidates int                  `json:"candidates"`
	Duration   time.Duration        `json:"duration"`
	CacheHit   bool                 `json:"cache_hit"`
}

// cacheEntry represents a cached response with expiration time
type cacheEntry struct {
	response  *Response
	expiresAt time.Time
}

// Service answers semantic queries against the vector store.
type Service struct {
	store    Store
	embedder QueryEmbedder
	opts     Options
	cache    *lru.Cache[[32]byte, *cacheEntry]
	cacheMu  sync.RWMutex
}

// New creates a retrieval service.
func New(store Store, emb QueryEmbedder, opts Options) *Service {
	if opts.DefaultTopK <= 0 {
		opts.DefaultTopK = DefaultTopK
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.CacheSize == 0 {
		opts.CacheSize = DefaultCacheSize
	}

	s := &Service{store: store, embedder: emb, opts: opts}
	if opts.CacheSize > 0 {
		cache, err := lru.New[[32]byte, *cacheEntry](opts.CacheSize)
		if err != nil {
			// This should never happen with valid size parameter
			panic(fmt.Sprintf("failed to create LRU cache: %v", err))
		}
		s.cache = cache
	}
	return s
}

// Retrieve returns the best chunks for req.Query, at most
// req.ChunksPerDocument per document and req.TopK overall, ranked by score.
func (s *Service) Retrieve(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	if err := s.validateRequest(&req); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "retrieval.Retrieve")
	defer span.End()
	span.SetAttributes(attribute.Int("top_k", req.TopK), attribute.String("key_prefix", req.KeyPrefix))

	if s.store.Count() == 0 {
		return &Response{Results: []types.SearchResult{}, Duration: time.Since(start)}, nil
	}

	// Any write bumps the generation, so stale answers are never looked up.
	hash := computeRequestHash(req, s.store.Generation())
	useCache := s.cache != nil && !req.NoCache
	if useCache {
		if cached := s.checkCache(hash); cached != nil {
			cached.CacheHit = true
			cached.Duration = time.Since(start)
			span.SetAttributes(attribute.Bool("cache_hit", true))
			return cached, nil
		}
	}

	vector, err := s.embedder.EmbedQuery(ctx, req.Query)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	// A few documents with many strong chunks can fill the candidate pool on
	// their own. Widen the pool until TopK documents fit or the store runs dry.
	filter := &storage.Filter{KeyPrefix: req.KeyPrefix, Modality: types.ModalityText}
	k := req.TopK * req.ChunksPerDocument * oversample
	var matches []storage.Match
	var results []types.SearchResult
	for {
		matches, err = s.store.Query(ctx, vector, k, filter)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("vector query failed: %w", err)
		}
		results = rank(matches, req.TopK, req.ChunksPerDocument)
		total := s.store.Count()
		if len(results) >= req.TopK || len(matches) < k || k >= total {
			break
		}
		k = min(k*2, total)
	}
	resp := &Response{
		Results:    results,
		Total:      len(results),
		Candidates: len(matches),
		Duration:   time.Since(start),
	}
	if useCache {
		s.storeInCache(hash, resp)
	}
	return resp, nil
}

// rank keeps at most perDoc matches per document, in store order, and
// numbers the first topK from 1.
func rank(matches []storage.Match, topK, perDoc int) []types.SearchResult {
	results := make([]types.SearchResult, 0, topK)
	perDocument := make(map[string]int)
	for _, m := range matches {
		if len(results) == topK {
			break
		}
		if perDocument[m.Key.DocumentKey] >= perDoc {
			continue
		}
		perDocument[m.Key.DocumentKey]++
		results = append(results, types.SearchResult{
			DocumentKey: m.Key.DocumentKey,
			Seq:         m.Key.Seq,
			ChunkText:   m.Text,
			Score:       m.Score,
			Rank:        len(results) + 1,
			StartOffset: m.StartOffset,
			EndOffset:   m.EndOffset,
			IndexedAt:   m.IndexedAt,
		})
	}
	return results
}

// validateRequest applies defaults and limits
func (s *Service) validateRequest(req *Request) error {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return ErrEmptyQuery
	}
	if req.TopK <= 0 {
		req.TopK = s.opts.DefaultTopK
	}
	if req.TopK > MaxTopK {
		req.TopK = MaxTopK
	}
	if req.ChunksPerDocument <= 0 {
		req.ChunksPerDocument = DefaultChunksPerDocument
	}
	return nil
}

// checkCache returns a copy of a live cached response, or nil.
func (s *Service) checkCache(hash [32]byte) *Response {
	s.cacheMu.RLock()
	entry, found := s.cache.Get(hash)
	if !found {
		s.cacheMu.RUnlock()
		return nil
	}
	if time.Now().After(entry.expiresAt) {
		s.cacheMu.RUnlock()
		s.cacheMu.Lock()
		s.cache.Remove(hash)
		s.cacheMu.Unlock()
		return nil
	}
	response := copyResponse(entry.response)
	s.cacheMu.RUnlock()
	return response
}

func (s *Service) storeInCache(hash [32]byte, resp *Response) {
	entry := &cacheEntry{
		response:  copyResponse(resp),
		expiresAt: time.Now().Add(s.opts.CacheTTL),
	}
	s.cacheMu.Lock()
	s.cache.Add(hash, entry)
	s.cacheMu.Unlock()
}

// InvalidateCache drops every cached response.
func (s *Service) InvalidateCache() {
	if s.cache == nil {
		return
	}
	s.cacheMu.Lock()
	s.cache.Purge()
	s.cacheMu.Unlock()
}

// CacheLen returns the number of cached responses.
func (s *Service) CacheLen() int {
	if s.cache == nil {
		return 0
	}
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.cache.Len()
}

func copyResponse(src *Response) *Response {
	dst := *src
	dst.Results = make([]types.SearchResult, len(src.Results))
	copy(dst.Results, src.Results)
	return &dst
}

// computeRequestHash computes a unique hash for a request at a store generation
func computeRequestHash(req Request, generation uint64) [32]byte {
	var data strings.Builder
	data.WriteString(req.Query)
	data.WriteString("|")
	fmt.Fprintf(&data, "%d|%d|%d|", req.TopK, req.ChunksPerDocument, generation)
	data.WriteString(req.KeyPrefix)
	return sha256.Sum256([]byte(data.String()))
}
