package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/knowledge-engine/pkg/types"
)

var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = errors.New("not found")
	// ErrInvalidRecord is returned for records that cannot be stored
	ErrInvalidRecord = errors.New("invalid vector record")
)

// Store is the durable vector store: SQLite holds the records, an in-memory
// sharded index serves queries.
type Store struct {
	db     *sql.DB
	opts   Options
	logger *slog.Logger

	shards []*shard

	spacesMu sync.RWMutex
	spaces   map[spaceKey]*space
	spaceGen atomic.Uint64

	compactMu      sync.Mutex
	lastCompaction atomic.Int64

	generation  atomic.Uint64
	records     atomic.Int64
	quarantined atomic.Int64
}

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite benefits from single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// Open opens (creating if needed) the store at dbPath, applies migrations and
// loads every record into the in-memory index. Use ":memory:" for tests.
func Open(ctx context.Context, dbPath string, opts Options) (*Store, error) {
	if dbPath != ":memory:" && !strings.HasPrefix(dbPath, "file:") {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", types.ErrUnavailable, err)
	}

	if err := ApplyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	s := newStore(db, opts)
	if err := s.Load(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func newStore(db *sql.DB, opts Options) *Store {
	opts = opts.withDefaults()
	s := &Store{
		db:     db,
		opts:   opts,
		logger: opts.Logger,
		shards: make([]*shard, opts.Shards),
		spaces: make(map[spaceKey]*space),
	}
	for i := range s.shards {
		s.shards[i] = &shard{docs: make(map[string]*docEntry)}
	}
	return s
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Generation increases on every change to the set of live records.
func (s *Store) Generation() uint64 {
	return s.generation.Load()
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// withTx runs fn in a transaction, committing on success.
func (s *Store) withTx(ctx context.Context, fn func(q querier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %v", types.ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", types.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) shardFor(docKey string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(docKey))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Record operations

// ensureDocumentWithQuerier creates a placeholder document row so records
// always have a parent.
func (s *Store) ensureDocumentWithQuerier(ctx context.Context, q querier, docKey string) error {
	_, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO documents (key, state, updated_at)
		VALUES (?, ?, ?)
	`, docKey, string(types.StateDiscovered), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to ensure document: %w", err)
	}
	return nil
}

func (s *Store) insertRecordWithQuerier(ctx context.Context, q querier, rec *types.VectorRecord) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO records (doc_key, seq, start_offset, end_offset, text, content_hash,
		                     vector, dimension, modality, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(doc_key, seq) DO UPDATE SET
			start_offset = excluded.start_offset,
			end_offset = excluded.end_offset,
			text = excluded.text,
			content_hash = excluded.content_hash,
			vector = excluded.vector,
			dimension = excluded.dimension,
			modality = excluded.modality,
			indexed_at = excluded.indexed_at
	`, rec.Key.DocumentKey, rec.Key.Seq, rec.StartOffset, rec.EndOffset, rec.Text, rec.ContentHash[:],
		serializeVector(rec.Vector), rec.Dimension, rec.Modality, rec.IndexedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to store record %s: %w", rec.Key, err)
	}
	return nil
}

func (s *Store) deleteRecordsWithQuerier(ctx context.Context, q querier, docKey string) error {
	if _, err := q.ExecContext(ctx, "DELETE FROM records WHERE doc_key = ?", docKey); err != nil {
		return fmt.Errorf("failed to delete records: %w", err)
	}
	return nil
}

// loadRecords reads every record grouped by document key.
func (s *Store) loadRecords(ctx context.Context) (map[string][]types.VectorRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc_key, seq, start_offset, end_offset, text, content_hash,
		       vector, dimension, modality, indexed_at
		FROM records
		ORDER BY doc_key, seq
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string][]types.VectorRecord)
	for rows.Next() {
		var (
			rec       types.VectorRecord
			hash      []byte
			blob      []byte
			indexedAt int64
		)
		if err := rows.Scan(&rec.Key.DocumentKey, &rec.Key.Seq, &rec.StartOffset, &rec.EndOffset,
			&rec.Text, &hash, &blob, &rec.Dimension, &rec.Modality, &indexedAt); err != nil {
			return nil, err
		}
		copy(rec.ContentHash[:], hash)
		rec.Vector = deserializeVector(blob)
		rec.IndexedAt = fromUnixNano(indexedAt)
		if len(rec.Vector) != rec.Dimension {
			s.logger.Warn("skipping record with mismatched dimension", "key", rec.Key.String(),
				"dimension", rec.Dimension, "vector_len", len(rec.Vector))
			continue
		}
		out[rec.Key.DocumentKey] = append(out[rec.Key.DocumentKey], rec)
	}
	return out, rows.Err()
}

// Document operations

// PutDocument inserts or updates a document row.
func (s *Store) PutDocument(ctx context.Context, doc *types.Document) error {
	if doc.Key == "" {
		return errors.New("document key is required")
	}
	var hash []byte
	if doc.HasHash() {
		hash = doc.ContentHash[:]
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (key, path, content_hash, mod_time, size_bytes, state,
		                       chunk_count, last_error, last_indexed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			path = excluded.path,
			content_hash = excluded.content_hash,
			mod_time = excluded.mod_time,
			size_bytes = excluded.size_bytes,
			state = excluded.state,
			chunk_count = excluded.chunk_count,
			last_error = excluded.last_error,
			last_indexed_at = excluded.last_indexed_at,
			updated_at = excluded.updated_at
	`, doc.Key, doc.Path, hash, toUnixNano(doc.ModTime), doc.SizeBytes, string(doc.State),
		doc.ChunkCount, doc.LastError, toUnixNano(doc.LastIndexedAt), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to put document: %w", err)
	}
	return nil
}

const documentColumns = `key, path, content_hash, mod_time, size_bytes, state,
	chunk_count, last_error, last_indexed_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row scanner) (*types.Document, error) {
	var (
		doc           types.Document
		hash          []byte
		state         string
		modTime       int64
		lastIndexedAt int64
	)
	if err := row.Scan(&doc.Key, &doc.Path, &hash, &modTime, &doc.SizeBytes, &state,
		&doc.ChunkCount, &doc.LastError, &lastIndexedAt); err != nil {
		return nil, err
	}
	copy(doc.ContentHash[:], hash)
	doc.State = types.DocumentState(state)
	doc.ModTime = fromUnixNano(modTime)
	doc.LastIndexedAt = fromUnixNano(lastIndexedAt)
	return &doc, nil
}

// GetDocument returns the document with key, or ErrNotFound.
func (s *Store) GetDocument(ctx context.Context, key string) (*types.Document, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+documentColumns+" FROM documents WHERE key = ?", key)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

// ListDocuments returns every document ordered by key.
func (s *Store) ListDocuments(ctx context.Context) ([]*types.Document, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+documentColumns+" FROM documents ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	docs := make([]*types.Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// SetDocumentState updates state and last error of an existing document.
func (s *Store) SetDocumentState(ctx context.Context, key string, state types.DocumentState, lastErr string) error {
	if !state.Valid() {
		return fmt.Errorf("invalid document state %q", state)
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE documents SET state = ?, last_error = ?, updated_at = ? WHERE key = ?",
		string(state), lastErr, time.Now().UnixNano(), key)
	if err != nil {
		return fmt.Errorf("failed to set document state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteDocument removes the document row and, by cascade, its records.
// Callers delete records through Delete first so the index stays in step.
func (s *Store) DeleteDocument(ctx context.Context, key string) error {
	sh := s.shardFor(key)
	sh.wmu.Lock()
	defer sh.wmu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	s.publish(sh, key, nil)
	return nil
}

func (s *Store) countDocumentStates(ctx context.Context) (map[types.DocumentState]int, int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT state, COUNT(*) FROM documents GROUP BY state")
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count documents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[types.DocumentState]int)
	total := 0
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, 0, err
		}
		counts[types.DocumentState(state)] = n
		total += n
	}
	return counts, total, rows.Err()
}

func (s *Store) databaseSize(ctx context.Context) int64 {
	var pages, pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pages); err != nil {
		return 0
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0
	}
	return pages * pageSize
}

// Status reports counts and health of the store.
func (s *Store) Status(ctx context.Context) (*Status, error) {
	states, total, err := s.countDocumentStates(ctx)
	if err != nil {
		return nil, err
	}
	version, err := SchemaVersion(ctx, s.db)
	if err != nil {
		return nil, err
	}

	st := &Status{
		SchemaVersion:  version,
		BuildMode:      BuildMode,
		Metric:         s.opts.Metric,
		Documents:      total,
		DocumentStates: states,
		Records:        int(s.records.Load()),
		Shards:         len(s.shards),
		Generation:     s.generation.Load(),
		Quarantined:    s.quarantined.Load(),
		SizeBytes:      s.databaseSize(ctx),
	}
	if ts := s.lastCompaction.Load(); ts != 0 {
		st.LastCompaction = time.Unix(0, ts)
	}

	s.spacesMu.RLock()
	for k, sp := range s.spaces {
		st.Spaces = append(st.Spaces, SpaceStatus{Modality: k.modality, Dimension: k.dim, Lists: len(sp.centroids)})
	}
	s.spacesMu.RUnlock()
	sort.Slice(st.Spaces, func(i, j int) bool {
		if st.Spaces[i].Modality != st.Spaces[j].Modality {
			return st.Spaces[i].Modality < st.Spaces[j].Modality
		}
		return st.Spaces[i].Dimension < st.Spaces[j].Dimension
	})
	return st, nil
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
