package indexer

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/knowledge-engine/internal/chunker"
	"github.com/dshills/knowledge-engine/internal/storage"
	"github.com/dshills/knowledge-engine/internal/walker"
	"github.com/dshills/knowledge-engine/pkg/types"
)

var tracer = otel.Tracer("github.com/dshills/knowledge-engine/internal/indexer")

// ErrReconcileInProgress is returned when a reconciliation is already running.
var ErrReconcileInProgress = errors.New("reconciliation already in progress")

// Store is the persistence the indexer needs.
type Store interface {
	GetDocument(ctx context.Context, key string) (*types.Document, error)
	PutDocument(ctx context.Context, doc *types.Document) error
	ListDocuments(ctx context.Context) ([]*types.Document, error)
	ReplaceDocument(ctx context.Context, docKey string, records []types.VectorRecord) error
	Delete(ctx context.Context, docKey string) error
	DeleteDocument(ctx context.Context, key string) error
}

// Embedder turns chunks into vectors, one per chunk in order.
type Embedder interface {
	EmbedChunks(ctx context.Context, chunks []types.Chunk) ([][]float32, error)
}

// Submitter accepts tasks for asynchronous execution.
type Submitter interface {
	Submit(ctx context.Context, task types.Task) error
}

// Config contains configuration for the indexer
type Config struct {
	Root    string
	Filter  walker.Filter
	Chunker *chunker.Chunker
	Workers int // hashing workers during reconciliation (default: runtime.NumCPU())
	Logger  *slog.Logger
}

// Statistics counts handled tasks since the indexer was created.
type Statistics struct {
	Indexed  int64 `json:"indexed"`
	Skipped  int64 `json:"skipped"`
	Deleted  int64 `json:"deleted"`
	Failed   int64 `json:"failed"`
	Chunks   int64 `json:"chunks"`
	Embedded int64 `json:"embedded"`
}

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	Scanned   int           `json:"scanned"`
	Changed   int           `json:"changed"`
	Unchanged int           `json:"unchanged"`
	Removed   int           `json:"removed"`
	Duration  time.Duration `json:"duration"`
}

// Indexer runs the write path for one document at a time:
// read -> hash -> chunk -> embed -> replace.
type Indexer struct {
	root     string
	filter   walker.Filter
	store    Store
	embedder Embedder
	chunker  *chunker.Chunker
	workers  int
	logger   *slog.Logger
	lock     IndexLock

	indexed  atomic.Int64
	skipped  atomic.Int64
	deleted  atomic.Int64
	failed   atomic.Int64
	chunks   atomic.Int64
	embedded atomic.Int64
}

// New creates a new Indexer instance
func New(store Store, emb Embedder, cfg Config) *Indexer {
	if cfg.Chunker == nil {
		cfg.Chunker = chunker.New()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Indexer{
		root:     cfg.Root,
		filter:   cfg.Filter,
		store:    store,
		embedder: emb,
		chunker:  cfg.Chunker,
		workers:  cfg.Workers,
		logger:   cfg.Logger.With("component", "indexer"),
	}
}

// Stats returns a snapshot of the counters.
func (idx *Indexer) Stats() Statistics {
	return Statistics{
		Indexed:  idx.indexed.Load(),
		Skipped:  idx.skipped.Load(),
		Deleted:  idx.deleted.Load(),
		Failed:   idx.failed.Load(),
		Chunks:   idx.chunks.Load(),
		Embedded: idx.embedded.Load(),
	}
}

// Handle executes one scheduler task.
func (idx *Indexer) Handle(ctx context.Context, task types.Task) error {
	var err error
	switch task.Kind {
	case types.TaskIndex:
		err = idx.indexDocument(ctx, task)
	case types.TaskDelete:
		err = idx.removeDocument(ctx, task.DocumentKey)
	default:
		err = types.Permanent(fmt.Errorf("unknown task kind %q", task.Kind))
	}
	if err != nil && ctx.Err() == nil {
		idx.failed.Add(1)
	}
	return err
}

func (idx *Indexer) indexDocument(ctx context.Context, task types.Task) error {
	ctx, span := tracer.Start(ctx, "indexer.indexDocument")
	defer span.End()
	span.SetAttributes(attribute.String("document", task.DocumentKey), attribute.Bool("force", task.Force))

	path := task.Path
	if path == "" {
		path = walker.Path(idx.root, task.DocumentKey)
	}

	raw, hash, modTime, size, err := readDocument(path)
	if errors.Is(err, os.ErrNotExist) {
		// Gone since the task was queued.
		return idx.removeDocument(ctx, task.DocumentKey)
	}
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", types.ErrUnavailable, task.DocumentKey, err)
	}

	existing, err := idx.store.GetDocument(ctx, task.DocumentKey)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	if !task.Force && existing != nil && existing.State == types.StateIndexed && existing.ContentHash == hash {
		idx.skipped.Add(1)
		span.SetAttributes(attribute.Bool("skipped", true))
		return nil
	}

	doc := &types.Document{
		Key:         task.DocumentKey,
		Path:        path,
		ContentHash: hash,
		ModTime:     modTime,
		SizeBytes:   size,
		State:       types.StateDiscovered,
	}
	if existing != nil {
		doc.State = types.StateStale
		doc.ChunkCount = existing.ChunkCount
		doc.LastIndexedAt = existing.LastIndexedAt
	}

	chunks, err := idx.chunker.ChunkDocument(task.DocumentKey, raw)
	if err != nil {
		return idx.fail(ctx, doc, err)
	}

	var vectors [][]float32
	if len(chunks) > 0 {
		vectors, err = idx.embedder.EmbedChunks(ctx, chunks)
		if err != nil {
			return idx.fail(ctx, doc, err)
		}
		if len(vectors) != len(chunks) {
			return idx.fail(ctx, doc, fmt.Errorf("%w: got %d vectors for %d chunks",
				types.ErrProvider, len(vectors), len(chunks)))
		}
	}

	// A delete for this document may have cancelled us while embedding.
	if err := ctx.Err(); err != nil {
		return err
	}

	now := time.Now()
	records := make([]types.VectorRecord, len(chunks))
	for i, c := range chunks {
		records[i] = types.NewVectorRecord(c, vectors[i], now)
	}
	if err := idx.store.ReplaceDocument(ctx, task.DocumentKey, records); err != nil {
		return err
	}

	doc.State = types.StateIndexed
	doc.ChunkCount = len(chunks)
	doc.LastIndexedAt = now
	doc.LastError = ""
	if err := idx.store.PutDocument(ctx, doc); err != nil {
		return err
	}

	idx.indexed.Add(1)
	idx.chunks.Add(int64(len(chunks)))
	idx.embedded.Add(int64(len(vectors)))
	idx.logger.Debug("indexed document", "document", task.DocumentKey, "chunks", len(chunks))
	return nil
}

// fail records err on the document row and returns it. After a retryable
// failure the previous records keep serving until a retry succeeds; after a
// permanent one they describe content that no longer exists and are dropped.
func (idx *Indexer) fail(ctx context.Context, doc *types.Document, err error) error {
	if ctx.Err() != nil {
		return err
	}
	doc.LastError = err.Error()
	if types.IsPermanent(err) {
		doc.State = types.StateFailed
		doc.ChunkCount = 0
		if derr := idx.store.Delete(ctx, doc.Key); derr != nil {
			idx.logger.Warn("failed to drop records of failed document", "document", doc.Key, "error", derr)
		}
	}
	if perr := idx.store.PutDocument(ctx, doc); perr != nil {
		idx.logger.Warn("failed to record document error", "document", doc.Key, "error", perr)
	}
	return err
}

func (idx *Indexer) removeDocument(ctx context.Context, key string) error {
	if err := idx.store.Delete(ctx, key); err != nil {
		return err
	}
	if err := idx.store.DeleteDocument(ctx, key); err != nil {
		return err
	}
	idx.deleted.Add(1)
	idx.logger.Debug("removed document", "document", key)
	return nil
}

// Reconcile compares the tree on disk with the stored documents and submits
// an index task for every new or changed document and a delete task for
// every document that vanished. With force every document on disk is
// resubmitted.
func (idx *Indexer) Reconcile(ctx context.Context, sub Submitter, force bool) (*ReconcileResult, error) {
	if !idx.lock.TryAcquire() {
		return nil, ErrReconcileInProgress
	}
	defer idx.lock.Release()

	ctx, span := tracer.Start(ctx, "indexer.Reconcile")
	defer span.End()

	start := time.Now()
	files, err := walker.Walk(idx.root, idx.filter)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %v", types.ErrUnavailable, err)
	}
	docs, err := idx.store.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}
	known := make(map[string]*types.Document, len(docs))
	for _, d := range docs {
		known[d.Key] = d
	}

	var changed, unchanged atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(idx.workers)
	for _, f := range files {
		g.Go(func() error {
			if !force && idx.upToDate(known[f.Key], f.Path) {
				unchanged.Add(1)
				return nil
			}
			changed.Add(1)
			return sub.Submit(gctx, types.Task{
				Kind:        types.TaskIndex,
				DocumentKey: f.Key,
				Path:        f.Path,
				Force:       force,
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	onDisk := make(map[string]struct{}, len(files))
	for _, f := range files {
		onDisk[f.Key] = struct{}{}
	}
	removed := 0
	for _, d := range docs {
		if _, ok := onDisk[d.Key]; ok {
			continue
		}
		if err := sub.Submit(ctx, types.Task{Kind: types.TaskDelete, DocumentKey: d.Key, Path: d.Path}); err != nil {
			return nil, err
		}
		removed++
	}

	res := &ReconcileResult{
		Scanned:   len(files),
		Changed:   int(changed.Load()),
		Unchanged: int(unchanged.Load()),
		Removed:   removed,
		Duration:  time.Since(start),
	}
	idx.logger.Info("reconciled", "scanned", res.Scanned, "changed", res.Changed,
		"removed", res.Removed, "duration", res.Duration)
	return res, nil
}

// upToDate reports whether doc is indexed with the content currently at path.
func (idx *Indexer) upToDate(doc *types.Document, path string) bool {
	if doc == nil || doc.State != types.StateIndexed {
		return false
	}
	_, hash, _, _, err := readDocument(path)
	return err == nil && hash == doc.ContentHash
}

// readDocument reads a file and computes its SHA-256 hash
func readDocument(path string) ([]byte, [32]byte, time.Time, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, [32]byte{}, time.Time{}, 0, err
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return nil, [32]byte{}, time.Time{}, 0, err
	}

	raw, err := io.ReadAll(file)
	if err != nil {
		return nil, [32]byte{}, time.Time{}, 0, err
	}
	return raw, sha256.Sum256(raw), info.ModTime(), info.Size(), nil
}
