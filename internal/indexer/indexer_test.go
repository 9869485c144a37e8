package indexer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/knowledge-engine/internal/chunker"
	"github.com/dshills/knowledge-engine/internal/storage"
	"github.com/dshills/knowledge-engine/pkg/types"
)

// mockEmbedder returns a fixed vector per chunk and counts provider calls.
type mockEmbedder struct {
	mu        sync.Mutex
	calls     int
	err       error
	dimension int
}

func (m *mockEmbedder) EmbedChunks(ctx context.Context, chunks []types.Chunk) ([][]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	out := make([][]float32, len(chunks))
	for i := range chunks {
		v := make([]float32, m.dimension)
		v[i%m.dimension] = 1
		out[i] = v
	}
	return out, nil
}

func (m *mockEmbedder) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockSubmitter records submitted tasks.
type mockSubmitter struct {
	mu    sync.Mutex
	tasks []types.Task
}

func (m *mockSubmitter) Submit(ctx context.Context, task types.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, task)
	return nil
}

func (m *mockSubmitter) summary() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.tasks))
	for i, t := range m.tasks {
		out[i] = string(t.Kind) + ":" + t.DocumentKey
	}
	sort.Strings(out)
	return out
}

func setupIndexer(t *testing.T) (*Indexer, *storage.Store, *mockEmbedder, string) {
	t.Helper()
	root := t.TempDir()
	store, err := storage.Open(context.Background(), ":memory:", storage.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	emb := &mockEmbedder{dimension: 4}
	idx := New(store, emb, Config{
		Root:    root,
		Chunker: chunker.New(chunker.WithChunkSize(40), chunker.WithOverlap(5)),
		Workers: 2,
	})
	return idx, store, emb, root
}

func writeDoc(t *testing.T, root, key, content string) string {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(key))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func indexTask(root, key string) types.Task {
	return types.Task{Kind: types.TaskIndex, DocumentKey: key, Path: filepath.Join(root, filepath.FromSlash(key))}
}

const sampleText = "The quick brown fox jumps over the lazy dog. " +
	"Pack my box with five dozen liquor jugs.\n\nSphinx of black quartz, judge my vow."

func TestHandle_IndexesNewDocument(t *testing.T) {
	idx, store, emb, root := setupIndexer(t)
	ctx := context.Background()
	writeDoc(t, root, "notes/a.md", sampleText)

	require.NoError(t, idx.Handle(ctx, indexTask(root, "notes/a.md")))

	records := store.Records("notes/a.md")
	require.NotEmpty(t, records)
	for i, r := range records {
		assert.Equal(t, i, r.Key.Seq)
		assert.Equal(t, types.ModalityText, r.Modality)
		assert.Equal(t, 4, r.Dimension)
	}

	doc, err := store.GetDocument(ctx, "notes/a.md")
	require.NoError(t, err)
	assert.Equal(t, types.StateIndexed, doc.State)
	assert.Equal(t, len(records), doc.ChunkCount)
	assert.True(t, doc.HasHash())
	assert.False(t, doc.LastIndexedAt.IsZero())
	assert.Equal(t, 1, emb.callCount())
	assert.Equal(t, int64(1), idx.Stats().Indexed)
}

func TestHandle_UnchangedIsNoOp(t *testing.T) {
	idx, store, emb, root := setupIndexer(t)
	ctx := context.Background()
	writeDoc(t, root, "a.md", sampleText)

	require.NoError(t, idx.Handle(ctx, indexTask(root, "a.md")))
	before := store.Records("a.md")
	require.NoError(t, idx.Handle(ctx, indexTask(root, "a.md")))

	assert.Equal(t, 1, emb.callCount(), "unchanged content must not reach the provider")
	assert.Equal(t, before, store.Records("a.md"))
	assert.Equal(t, int64(1), idx.Stats().Skipped)
}

func TestHandle_ForceReindexes(t *testing.T) {
	idx, _, emb, root := setupIndexer(t)
	ctx := context.Background()
	writeDoc(t, root, "a.md", sampleText)

	require.NoError(t, idx.Handle(ctx, indexTask(root, "a.md")))
	task := indexTask(root, "a.md")
	task.Force = true
	require.NoError(t, idx.Handle(ctx, task))
	assert.Equal(t, 2, emb.callCount())
}

func TestHandle_ModifiedReplacesRecords(t *testing.T) {
	idx, store, _, root := setupIndexer(t)
	ctx := context.Background()
	writeDoc(t, root, "a.md", sampleText)
	require.NoError(t, idx.Handle(ctx, indexTask(root, "a.md")))
	require.Greater(t, len(store.Records("a.md")), 1)

	writeDoc(t, root, "a.md", "short now")
	require.NoError(t, idx.Handle(ctx, indexTask(root, "a.md")))

	records := store.Records("a.md")
	require.Len(t, records, 1)
	assert.Equal(t, "short now", records[0].Text)
}

func TestHandle_CorruptDocumentIsPermanent(t *testing.T) {
	idx, store, emb, root := setupIndexer(t)
	ctx := context.Background()
	writeDoc(t, root, "blob.bin", "abc\x00def")

	err := idx.Handle(ctx, indexTask(root, "blob.bin"))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrCorrupt)
	assert.True(t, types.IsPermanent(err))
	assert.Zero(t, emb.callCount())
	assert.Empty(t, store.Records("blob.bin"))

	doc, err := store.GetDocument(ctx, "blob.bin")
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, doc.State)
	assert.NotEmpty(t, doc.LastError)
}

func TestHandle_RejectedDocumentDropsServedRecords(t *testing.T) {
	idx, store, emb, root := setupIndexer(t)
	ctx := context.Background()
	writeDoc(t, root, "a.md", sampleText)
	require.NoError(t, idx.Handle(ctx, indexTask(root, "a.md")))
	require.NotEmpty(t, store.Records("a.md"))

	writeDoc(t, root, "a.md", "edited content that the provider refuses")
	emb.err = types.Permanent(fmt.Errorf("%w: content policy", types.ErrRejected))

	err := idx.Handle(ctx, indexTask(root, "a.md"))
	require.ErrorIs(t, err, types.ErrRejected)
	assert.Empty(t, store.Records("a.md"))

	doc, err := store.GetDocument(ctx, "a.md")
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, doc.State)
	assert.Zero(t, doc.ChunkCount)
	assert.Contains(t, doc.LastError, "content policy")
}

func TestHandle_CorruptRewriteDropsServedRecords(t *testing.T) {
	idx, store, _, root := setupIndexer(t)
	ctx := context.Background()
	writeDoc(t, root, "a.txt", sampleText)
	require.NoError(t, idx.Handle(ctx, indexTask(root, "a.txt")))
	require.NotEmpty(t, store.Records("a.txt"))
	countBefore := store.Count()

	writeDoc(t, root, "a.txt", "bin\x00ary")
	err := idx.Handle(ctx, indexTask(root, "a.txt"))
	require.ErrorIs(t, err, types.ErrCorrupt)

	assert.Empty(t, store.Records("a.txt"), "records of the old content must not keep serving")
	assert.Equal(t, 0, store.Count())
	assert.Greater(t, countBefore, 0)

	doc, err := store.GetDocument(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, doc.State)
}

func TestHandle_RetryableFailureMarksStale(t *testing.T) {
	idx, store, emb, root := setupIndexer(t)
	ctx := context.Background()
	writeDoc(t, root, "a.md", sampleText)
	require.NoError(t, idx.Handle(ctx, indexTask(root, "a.md")))

	writeDoc(t, root, "a.md", "changed")
	emb.err = fmt.Errorf("%w: 503", types.ErrProvider)
	err := idx.Handle(ctx, indexTask(root, "a.md"))
	require.ErrorIs(t, err, types.ErrProvider)
	assert.False(t, types.IsPermanent(err))

	doc, err := store.GetDocument(ctx, "a.md")
	require.NoError(t, err)
	assert.Equal(t, types.StateStale, doc.State)

	// The next attempt is not skipped even though the hash was recorded.
	emb.err = nil
	require.NoError(t, idx.Handle(ctx, indexTask(root, "a.md")))
	assert.Equal(t, "changed", store.Records("a.md")[0].Text)
}

func TestHandle_EmptyDocument(t *testing.T) {
	idx, store, emb, root := setupIndexer(t)
	ctx := context.Background()
	writeDoc(t, root, "empty.md", "  \n\n  ")

	require.NoError(t, idx.Handle(ctx, indexTask(root, "empty.md")))
	assert.Zero(t, emb.callCount())
	assert.Empty(t, store.Records("empty.md"))

	doc, err := store.GetDocument(ctx, "empty.md")
	require.NoError(t, err)
	assert.Equal(t, types.StateIndexed, doc.State)
	assert.Zero(t, doc.ChunkCount)
}

func TestHandle_Delete(t *testing.T) {
	idx, store, _, root := setupIndexer(t)
	ctx := context.Background()
	writeDoc(t, root, "a.md", sampleText)
	require.NoError(t, idx.Handle(ctx, indexTask(root, "a.md")))

	require.NoError(t, idx.Handle(ctx, types.Task{Kind: types.TaskDelete, DocumentKey: "a.md"}))
	assert.Empty(t, store.Records("a.md"))
	_, err := store.GetDocument(ctx, "a.md")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, int64(1), idx.Stats().Deleted)
}

func TestHandle_VanishedFileIsDeleted(t *testing.T) {
	idx, store, _, root := setupIndexer(t)
	ctx := context.Background()
	path := writeDoc(t, root, "a.md", sampleText)
	require.NoError(t, idx.Handle(ctx, indexTask(root, "a.md")))

	require.NoError(t, os.Remove(path))
	require.NoError(t, idx.Handle(ctx, indexTask(root, "a.md")))
	assert.Empty(t, store.Records("a.md"))
}

func TestHandle_CancelledBeforeWrite(t *testing.T) {
	idx, store, _, root := setupIndexer(t)
	writeDoc(t, root, "a.md", sampleText)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := idx.Handle(ctx, indexTask(root, "a.md"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, store.Records("a.md"))
	assert.Zero(t, idx.Stats().Failed)
}

func TestHandle_UnknownKind(t *testing.T) {
	idx, _, _, _ := setupIndexer(t)
	err := idx.Handle(context.Background(), types.Task{Kind: "rename", DocumentKey: "a.md"})
	assert.True(t, types.IsPermanent(err))
}

func TestReconcile(t *testing.T) {
	idx, store, _, root := setupIndexer(t)
	ctx := context.Background()

	writeDoc(t, root, "a.md", "alpha")
	writeDoc(t, root, "sub/b.md", "beta")
	writeDoc(t, root, ".hidden/c.md", "hidden")
	require.NoError(t, idx.Handle(ctx, indexTask(root, "a.md")))
	require.NoError(t, store.PutDocument(ctx, &types.Document{Key: "gone.md", State: types.StateIndexed}))

	sub := &mockSubmitter{}
	res, err := idx.Reconcile(ctx, sub, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"delete:gone.md", "index:sub/b.md"}, sub.summary())
	assert.Equal(t, 2, res.Scanned)
	assert.Equal(t, 1, res.Changed)
	assert.Equal(t, 1, res.Unchanged)
	assert.Equal(t, 1, res.Removed)

	// Edited content is picked up.
	writeDoc(t, root, "a.md", "alpha edited")
	sub = &mockSubmitter{}
	_, err = idx.Reconcile(ctx, sub, false)
	require.NoError(t, err)
	assert.Contains(t, sub.summary(), "index:a.md")
}

func TestReconcile_Force(t *testing.T) {
	idx, _, _, root := setupIndexer(t)
	ctx := context.Background()
	writeDoc(t, root, "a.md", "alpha")
	require.NoError(t, idx.Handle(ctx, indexTask(root, "a.md")))

	sub := &mockSubmitter{}
	_, err := idx.Reconcile(ctx, sub, true)
	require.NoError(t, err)
	require.Len(t, sub.tasks, 1)
	assert.True(t, sub.tasks[0].Force)
}

func TestReconcile_MissingRoot(t *testing.T) {
	idx, _, _, root := setupIndexer(t)
	idx.root = filepath.Join(root, "missing")
	_, err := idx.Reconcile(context.Background(), &mockSubmitter{}, false)
	assert.ErrorIs(t, err, types.ErrUnavailable)
}

func TestReconcile_InProgress(t *testing.T) {
	idx, _, _, _ := setupIndexer(t)
	require.True(t, idx.lock.TryAcquire())
	_, err := idx.Reconcile(context.Background(), &mockSubmitter{}, false)
	assert.ErrorIs(t, err, ErrReconcileInProgress)
	idx.lock.Release()
}

func TestIndexLock(t *testing.T) {
	var l IndexLock
	assert.True(t, l.TryAcquire())
	assert.False(t, l.TryAcquire())
	l.Release()
	assert.True(t, l.TryAcquire())
}

func TestReadDocument(t *testing.T) {
	root := t.TempDir()
	path := writeDoc(t, root, "a.md", strings.Repeat("x", 10))
	raw, hash, modTime, size, err := readDocument(path)
	require.NoError(t, err)
	assert.Len(t, raw, 10)
	assert.NotEqual(t, [32]byte{}, hash)
	assert.False(t, modTime.IsZero())
	assert.Equal(t, int64(10), size)

	_, _, _, _, err = readDocument(filepath.Join(root, "nope"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
