// Package engine wires the knowledge engine together: watcher, scheduler,
// indexer and store on the write path; retrieval and inference on the read
// path.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/knowledge-engine/internal/chunker"
	"github.com/dshills/knowledge-engine/internal/config"
	"github.com/dshills/knowledge-engine/internal/embedder"
	"github.com/dshills/knowledge-engine/internal/indexer"
	"github.com/dshills/knowledge-engine/internal/inference"
	"github.com/dshills/knowledge-engine/internal/retrieval"
	"github.com/dshills/knowledge-engine/internal/scheduler"
	"github.com/dshills/knowledge-engine/internal/storage"
	"github.com/dshills/knowledge-engine/internal/walker"
	"github.com/dshills/knowledge-engine/internal/watcher"
	"github.com/dshills/knowledge-engine/pkg/types"
)

// ErrDocumentNotFound is returned when a document key names no file under
// the watch root.
var ErrDocumentNotFound = errors.New("document not found")

// Option customizes an Engine.
type Option func(*options)

type options struct {
	provider embedder.Provider
	reasoner inference.Reasoner
}

// WithEmbeddingProvider replaces the configured embedding provider.
func WithEmbeddingProvider(p embedder.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithReasoner replaces the configured reasoning provider.
func WithReasoner(r inference.Reasoner) Option {
	return func(o *options) { o.reasoner = r }
}

// Engine owns every component and their lifecycle.
type Engine struct {
	cfg    *config.Config
	root   string
	filter walker.Filter
	logger *slog.Logger

	store     *storage.Store
	provider  embedder.Provider
	adapter   *embedder.Adapter
	indexer   *indexer.Indexer
	scheduler *scheduler.Scheduler
	retrieval *retrieval.Service
	router    *inference.Router
	reasoner  inference.Reasoner

	startedAt time.Time

	mu              sync.Mutex
	started         bool
	closed          bool
	runCtx          context.Context
	watcher         *watcher.Watcher
	lastReconcile   *indexer.ReconcileResult
	lastReconcileAt time.Time
}

// New opens the store and builds every component from cfg.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	root, err := filepath.Abs(cfg.WatchRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve watch root: %w", err)
	}

	e := &Engine{
		cfg:       cfg,
		root:      root,
		filter:    walker.Filter{Include: cfg.Include, Exclude: cfg.Exclude},
		logger:    logger.With("component", "engine"),
		startedAt: time.Now(),
		runCtx:    context.Background(),
	}

	e.store, err = storage.Open(ctx, cfg.DatabasePath(), storage.Options{
		Metric:          storage.Metric(cfg.VectorDistanceMetric),
		Shards:          cfg.Store.Shards,
		IVFThreshold:    cfg.Store.IVFThreshold,
		NProbe:          cfg.Store.NProbe,
		OnInconsistency: e.onInconsistency,
		Logger:          logger.With("component", "storage"),
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	e.provider = o.provider
	if e.provider == nil {
		e.provider, err = embedder.New(embedder.Config{
			Provider:  cfg.Embedding.Provider,
			Model:     cfg.Embedding.Model,
			APIKey:    cfg.Embedding.APIKey,
			BaseURL:   cfg.Embedding.BaseURL,
			Dimension: cfg.Embedding.Dimension,
		})
		if err != nil {
			_ = e.store.Close()
			return nil, fmt.Errorf("create embedding provider: %w", err)
		}
	}
	adapterOpts := []embedder.AdapterOption{
		embedder.WithBatchSize(cfg.Embedding.BatchSize),
		embedder.WithLogger(logger.With("component", "embedder")),
	}
	if cfg.Embedding.CacheSize > 0 {
		adapterOpts = append(adapterOpts, embedder.WithCache(embedder.NewCache(cfg.Embedding.CacheSize)))
	}
	e.adapter = embedder.NewAdapter(e.provider, adapterOpts...)

	e.indexer = indexer.New(e.store, e.adapter, indexer.Config{
		Root:    root,
		Filter:  e.filter,
		Chunker: chunker.New(chunker.WithChunkSize(cfg.ChunkSize), chunker.WithOverlap(cfg.ChunkOverlap)),
		Logger:  logger,
	})

	e.scheduler = scheduler.New(e.indexer, scheduler.Options{
		MaxConcurrent:     cfg.MaxConcurrentIndexingTasks,
		MinInterTaskDelay: cfg.MinInterTaskDelay,
		MaxQueue:          cfg.MaxQueueSize,
		MaxAttempts:       cfg.MaxRetryAttempts,
		RetryBaseDelay:    cfg.RetryBaseDelay,
		RetryMaxDelay:     cfg.RetryMaxDelay,
		OnResult:          e.onResult,
		Logger:            logger.With("component", "scheduler"),
	})

	e.retrieval = retrieval.New(e.store, e.adapter, retrieval.Options{DefaultTopK: cfg.DefaultTopK})

	e.reasoner = o.reasoner
	if e.reasoner == nil {
		e.reasoner, err = inference.New(inference.Config{
			Provider:    cfg.Reasoning.Provider,
			Model:       cfg.Reasoning.Model,
			APIKey:      cfg.Reasoning.APIKey,
			BaseURL:     cfg.Reasoning.BaseURL,
			MaxTokens:   cfg.Reasoning.MaxTokens,
			Temperature: cfg.Reasoning.Temperature,
		})
		if err != nil {
			_ = e.store.Close()
			return nil, fmt.Errorf("create reasoner: %w", err)
		}
	}
	taskTypes := make([]inference.TaskType, len(cfg.Reasoning.TaskTypes))
	for i, t := range cfg.Reasoning.TaskTypes {
		taskTypes[i] = inference.TaskType(t)
	}
	e.router, err = inference.NewRouter(e.reasoner, inference.RouterOptions{
		TaskTypes:           taskTypes,
		DefaultTask:         inference.TaskType(cfg.Reasoning.DefaultTask),
		ComplexityThreshold: cfg.Reasoning.ComplexityThreshold,
		Logger:              logger,
	})
	if err != nil {
		_ = e.store.Close()
		return nil, err
	}

	return e, nil
}

// Start launches the scheduler. Index tasks run until ctx ends or Close.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("engine closed")
	}
	if e.started {
		return nil
	}
	if err := e.scheduler.Start(ctx); err != nil {
		return err
	}
	e.started = true
	e.runCtx = ctx
	return nil
}

// Run starts the engine, reconciles the root and, with watch set, follows
// changes on disk until ctx is cancelled. Compaction runs on the configured
// interval.
func (e *Engine) Run(ctx context.Context, watch bool) error {
	var w *watcher.Watcher
	if watch {
		var err error
		w, err = watcher.New(e.root, watcher.Options{
			Filter:   e.filter,
			Debounce: e.cfg.DebounceWindow,
			Logger:   e.logger,
		})
		if err != nil {
			return err
		}
	}

	if err := e.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if _, err := e.Reindex(gctx, false); err != nil && gctx.Err() == nil {
			e.logger.Warn("initial reconciliation failed", "error", err)
		}
		return nil
	})

	if w != nil {
		if err := w.Start(gctx); err != nil {
			return err
		}
		e.mu.Lock()
		e.watcher = w
		e.mu.Unlock()
		defer func() { _ = w.Stop() }()

		g.Go(func() error { return e.pump(gctx, w) })
	}

	if interval := e.cfg.Store.CompactInterval; interval > 0 {
		g.Go(func() error { return e.compactLoop(gctx, interval) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// pump turns watcher changes into scheduler tasks.
func (e *Engine) pump(ctx context.Context, w *watcher.Watcher) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-w.Errors():
			if !ok {
				return nil
			}
			e.logger.Warn("watcher error", "error", err)
		case c, ok := <-w.Events():
			if !ok {
				return nil
			}
			if err := e.handleChange(ctx, c); err != nil && ctx.Err() == nil {
				e.logger.Warn("failed to handle change", "key", c.Key, "kind", c.Kind, "error", err)
			}
		}
	}
}

func (e *Engine) handleChange(ctx context.Context, c watcher.Change) error {
	switch c.Kind {
	case watcher.KindCreate, watcher.KindModify:
		return e.scheduler.Submit(ctx, types.Task{Kind: types.TaskIndex, DocumentKey: c.Key, Path: c.Path})
	case watcher.KindDelete:
		return e.scheduler.Submit(ctx, types.Task{Kind: types.TaskDelete, DocumentKey: c.Key, Path: c.Path})
	case watcher.KindRescan:
		_, err := e.Reindex(ctx, false)
		if errors.Is(err, indexer.ErrReconcileInProgress) {
			return nil
		}
		return err
	}
	return nil
}

func (e *Engine) compactLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.Compact(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("compaction failed", "error", err)
			}
		}
	}
}

// Reindex reconciles the root with the store and queues the differences.
// With force every document is re-embedded.
func (e *Engine) Reindex(ctx context.Context, force bool) (*indexer.ReconcileResult, error) {
	res, err := e.indexer.Reconcile(ctx, e.scheduler, force)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.lastReconcile = res
	e.lastReconcileAt = time.Now()
	e.mu.Unlock()
	return res, nil
}

// ReindexDocument queues a forced re-index of one document. The key is
// relative to the watch root and must name an existing file that a walk of
// the root would pick up.
func (e *Engine) ReindexDocument(ctx context.Context, key string) error {
	path := walker.Path(e.root, key)
	rel, err := filepath.Rel(e.root, path)
	if key == "" || err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("%w: %q", ErrDocumentNotFound, key)
	}
	if !e.filter.Admits(filepath.ToSlash(rel)) {
		return fmt.Errorf("%w: %q is excluded", ErrDocumentNotFound, key)
	}
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return fmt.Errorf("%w: %q", ErrDocumentNotFound, key)
	}
	return e.scheduler.Submit(ctx, types.Task{
		Kind:        types.TaskIndex,
		DocumentKey: key,
		Path:        path,
		Force:       true,
	})
}

// WaitIdle blocks until every queued task has finished.
func (e *Engine) WaitIdle(ctx context.Context) error {
	return e.scheduler.WaitIdle(ctx)
}

// Compact retrains the ANN index.
func (e *Engine) Compact(ctx context.Context) error {
	return e.store.Compact(ctx)
}

// Search retrieves the chunks most relevant to a query.
func (e *Engine) Search(ctx context.Context, req retrieval.Request) (*retrieval.Response, error) {
	return e.retrieval.Retrieve(ctx, req)
}

// AskRequest is a question for the inference path.
type AskRequest struct {
	Query             string
	TopK              int
	ChunksPerDocument int
	KeyPrefix         string
	TaskType          inference.TaskType // empty lets the router decide
}

// AskResponse pairs an answer with the context it was given.
type AskResponse struct {
	Answer  *inference.Response  `json:"answer"`
	Results []types.SearchResult `json:"results"`
}

// Ask retrieves context for req.Query and routes both to the reasoner.
func (e *Engine) Ask(ctx context.Context, req AskRequest) (*AskResponse, error) {
	// Reject a bad directive before spending an embedding call.
	if _, err := e.router.Classify(req.Query, req.TaskType); err != nil {
		return nil, err
	}
	found, err := e.retrieval.Retrieve(ctx, retrieval.Request{
		Query:             req.Query,
		TopK:              req.TopK,
		ChunksPerDocument: req.ChunksPerDocument,
		KeyPrefix:         req.KeyPrefix,
	})
	if err != nil {
		return nil, err
	}
	answer, err := e.router.Route(ctx, req.Query, found.Results, req.TaskType)
	if err != nil {
		return nil, err
	}
	return &AskResponse{Answer: answer, Results: found.Results}, nil
}

// onResult keeps document state in step with terminal task outcomes.
func (e *Engine) onResult(res scheduler.Result) {
	if res.State != types.TaskFailedPermanent || res.Task.Kind != types.TaskIndex {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := e.store.SetDocumentState(ctx, res.Task.DocumentKey, types.StateFailed, res.Err.Error())
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.logger.Warn("failed to mark document failed", "document", res.Task.DocumentKey, "error", err)
	}
}

// onInconsistency re-indexes a document the store quarantined.
func (e *Engine) onInconsistency(docKey string) {
	e.mu.Lock()
	ctx := e.runCtx
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}
	e.logger.Warn("re-indexing quarantined document", "document", docKey)
	if err := e.ReindexDocument(ctx, docKey); err != nil {
		e.logger.Error("failed to queue quarantined document", "document", docKey, "error", err)
	}
}

// Close stops background work and closes the store.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	w := e.watcher
	e.mu.Unlock()

	if w != nil {
		_ = w.Stop()
	}
	e.scheduler.Stop()
	if c, ok := e.provider.(io.Closer); ok {
		_ = c.Close()
	}
	return e.store.Close()
}
