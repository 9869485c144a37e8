package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dshills/knowledge-engine/pkg/types"
)

var tracer = otel.Tracer("github.com/dshills/knowledge-engine/internal/storage")

// shard owns a partition of documents. Writers serialise on wmu for the
// whole persist-then-publish sequence and hold mu only for the map update.
type shard struct {
	wmu  sync.Mutex
	mu   sync.RWMutex
	docs map[string]*docEntry
}

// docEntry is an immutable snapshot of one document's records. Updates
// replace the entry pointer, so readers see the old set or the new set.
type docEntry struct {
	key     string
	records []types.VectorRecord
	lists   []int32  // inverted list per record, -1 when unassigned
	gens    []uint64 // space generation the list belongs to
	dup     bool     // two records share a sequence number
}

// newEntry builds a snapshot, sorted by sequence, with list assignments
// against the current centroids.
func (s *Store) newEntry(key string, records []types.VectorRecord) *docEntry {
	recs := make([]types.VectorRecord, len(records))
	copy(recs, records)
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Key.Seq < recs[j].Key.Seq })

	e := &docEntry{
		key:     key,
		records: recs,
		lists:   make([]int32, len(recs)),
		gens:    make([]uint64, len(recs)),
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].Key.Seq == recs[i-1].Key.Seq {
			e.dup = true
		}
	}

	s.spacesMu.RLock()
	spaces := s.spaces
	s.spacesMu.RUnlock()
	for i := range recs {
		e.lists[i], e.gens[i] = assign(spaces, s.opts.Metric, &recs[i])
	}
	return e
}

// publish swaps the entry for key. A nil entry removes the document.
func (s *Store) publish(sh *shard, key string, e *docEntry) {
	sh.mu.Lock()
	old := sh.docs[key]
	if e == nil || len(e.records) == 0 {
		delete(sh.docs, key)
	} else {
		sh.docs[key] = e
	}
	sh.mu.Unlock()

	delta := 0
	if e != nil {
		delta += len(e.records)
	}
	if old != nil {
		delta -= len(old.records)
	}
	s.records.Add(int64(delta))
	s.generation.Add(1)
}

func (s *Store) entry(docKey string) *docEntry {
	sh := s.shardFor(docKey)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.docs[docKey]
}

// validateRecord fills defaults and rejects records that cannot be indexed.
func validateRecord(docKey string, rec *types.VectorRecord) error {
	if rec.Key.DocumentKey == "" {
		rec.Key.DocumentKey = docKey
	}
	if rec.Key.DocumentKey != docKey {
		return fmt.Errorf("%w: record %s does not belong to %s", ErrInvalidRecord, rec.Key, docKey)
	}
	if len(rec.Vector) == 0 {
		return fmt.Errorf("%w: record %s has no vector", ErrInvalidRecord, rec.Key)
	}
	if rec.Dimension == 0 {
		rec.Dimension = len(rec.Vector)
	}
	if rec.Dimension != len(rec.Vector) {
		return fmt.Errorf("%w: record %s dimension %d != vector length %d", ErrInvalidRecord, rec.Key, rec.Dimension, len(rec.Vector))
	}
	if rec.Modality == "" {
		rec.Modality = types.ModalityText
	}
	if rec.IndexedAt.IsZero() {
		rec.IndexedAt = time.Now()
	}
	return nil
}

// ReplaceDocument atomically replaces every record of docKey with records.
// The new set is committed to disk first, then published to the index in a
// single pointer swap.
func (s *Store) ReplaceDocument(ctx context.Context, docKey string, records []types.VectorRecord) error {
	ctx, span := tracer.Start(ctx, "storage.ReplaceDocument")
	defer span.End()
	span.SetAttributes(attribute.String("document", docKey), attribute.Int("records", len(records)))

	recs := make([]types.VectorRecord, len(records))
	copy(recs, records)
	seen := make(map[int]bool, len(recs))
	for i := range recs {
		if err := validateRecord(docKey, &recs[i]); err != nil {
			return err
		}
		if seen[recs[i].Key.Seq] {
			return fmt.Errorf("%w: duplicate sequence %d for %s", ErrInvalidRecord, recs[i].Key.Seq, docKey)
		}
		seen[recs[i].Key.Seq] = true
	}

	sh := s.shardFor(docKey)
	sh.wmu.Lock()
	defer sh.wmu.Unlock()

	err := s.withTx(ctx, func(q querier) error {
		if err := s.ensureDocumentWithQuerier(ctx, q, docKey); err != nil {
			return err
		}
		if err := s.deleteRecordsWithQuerier(ctx, q, docKey); err != nil {
			return err
		}
		for i := range recs {
			if err := s.insertRecordWithQuerier(ctx, q, &recs[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return err
	}

	s.publish(sh, docKey, s.newEntry(docKey, recs))
	return nil
}

// Upsert replaces the single record for key, or adds it.
func (s *Store) Upsert(ctx context.Context, key types.ChunkKey, vector []float32, md Metadata) error {
	rec := types.VectorRecord{
		Key:         key,
		Vector:      vector,
		Dimension:   len(vector),
		Modality:    md.Modality,
		ContentHash: md.ContentHash,
		Text:        md.Text,
		StartOffset: md.StartOffset,
		EndOffset:   md.EndOffset,
		IndexedAt:   md.IndexedAt,
	}
	if err := validateRecord(key.DocumentKey, &rec); err != nil {
		return err
	}

	sh := s.shardFor(key.DocumentKey)
	sh.wmu.Lock()
	defer sh.wmu.Unlock()

	err := s.withTx(ctx, func(q querier) error {
		if err := s.ensureDocumentWithQuerier(ctx, q, key.DocumentKey); err != nil {
			return err
		}
		return s.insertRecordWithQuerier(ctx, q, &rec)
	})
	if err != nil {
		return err
	}

	var recs []types.VectorRecord
	if old := s.entry(key.DocumentKey); old != nil {
		recs = make([]types.VectorRecord, 0, len(old.records)+1)
		for _, r := range old.records {
			if r.Key.Seq != key.Seq {
				recs = append(recs, r)
			}
		}
	}
	recs = append(recs, rec)
	s.publish(sh, key.DocumentKey, s.newEntry(key.DocumentKey, recs))
	return nil
}

// Delete removes every record of docKey. The document row is kept.
func (s *Store) Delete(ctx context.Context, docKey string) error {
	sh := s.shardFor(docKey)
	sh.wmu.Lock()
	defer sh.wmu.Unlock()

	if err := s.deleteRecordsWithQuerier(ctx, s.db, docKey); err != nil {
		return err
	}
	s.publish(sh, docKey, nil)
	return nil
}

// Records returns a copy of the live records of docKey in sequence order.
func (s *Store) Records(docKey string) []types.VectorRecord {
	e := s.entry(docKey)
	if e == nil {
		return nil
	}
	out := make([]types.VectorRecord, len(e.records))
	copy(out, e.records)
	return out
}

// Count returns the number of live records.
func (s *Store) Count() int {
	return int(s.records.Load())
}

// Load rebuilds the in-memory index from disk.
func (s *Store) Load(ctx context.Context) error {
	byDoc, err := s.loadRecords(ctx)
	if err != nil {
		return err
	}

	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.docs = make(map[string]*docEntry)
		sh.mu.Unlock()
	}
	s.records.Store(0)

	for key, recs := range byDoc {
		s.publish(s.shardFor(key), key, s.newEntry(key, recs))
	}
	s.logger.Info("vector index loaded", "documents", len(byDoc), "records", s.Count())

	if s.Count() >= s.opts.IVFThreshold {
		return s.Compact(ctx)
	}
	return nil
}

// Query returns the k records most similar to vector. Records in a different
// modality or dimension are never compared. An empty index returns no matches
// and no error.
func (s *Store) Query(ctx context.Context, vector []float32, k int, filter *Filter) ([]Match, error) {
	if k <= 0 || len(vector) == 0 {
		return nil, nil
	}
	ctx, span := tracer.Start(ctx, "storage.Query")
	defer span.End()

	var f Filter
	if filter != nil {
		f = *filter
	}
	probes := s.probes(vector, f.Modality)

	matches := make([]Match, 0, k*2)
	var corrupted []*docEntry
	entries := make([]*docEntry, 0, 64)
	for _, sh := range s.shards {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries = entries[:0]
		sh.mu.RLock()
		for key, e := range sh.docs {
			if f.KeyPrefix == "" || strings.HasPrefix(key, f.KeyPrefix) {
				entries = append(entries, e)
			}
		}
		sh.mu.RUnlock()

		for _, e := range entries {
			if e.dup {
				corrupted = append(corrupted, e)
				continue
			}
			for i := range e.records {
				rec := &e.records[i]
				if rec.Dimension != len(vector) || (f.Modality != "" && rec.Modality != f.Modality) {
					continue
				}
				if p, ok := probes[spaceKey{rec.Modality, rec.Dimension}]; ok && e.gens[i] == p.gen && !p.lists[e.lists[i]] {
					continue
				}
				matches = append(matches, Match{
					Key:         rec.Key,
					Score:       s.opts.Metric.score(vector, rec.Vector),
					Text:        rec.Text,
					StartOffset: rec.StartOffset,
					EndOffset:   rec.EndOffset,
					Modality:    rec.Modality,
					IndexedAt:   rec.IndexedAt,
				})
			}
		}
	}

	for _, e := range corrupted {
		s.quarantine(ctx, e)
	}

	sortMatches(matches)
	if len(matches) > k {
		matches = matches[:k]
	}
	span.SetAttributes(attribute.Int("matches", len(matches)))
	return matches, nil
}

// quarantine removes a document whose entry holds duplicate chunk keys and
// reports it for re-indexing. Its records are never served.
func (s *Store) quarantine(ctx context.Context, e *docEntry) {
	sh := s.shardFor(e.key)
	sh.wmu.Lock()
	if s.entry(e.key) != e {
		// Already replaced by a writer.
		sh.wmu.Unlock()
		return
	}
	err := s.withTx(ctx, func(q querier) error {
		if err := s.deleteRecordsWithQuerier(ctx, q, e.key); err != nil {
			return err
		}
		_, err := q.ExecContext(ctx, "UPDATE documents SET state = ?, updated_at = ? WHERE key = ?",
			string(types.StateStale), time.Now().UnixNano(), e.key)
		return err
	})
	s.publish(sh, e.key, nil)
	sh.wmu.Unlock()

	s.quarantined.Add(1)
	s.logger.Error("quarantined document",
		"document", e.key, "error", fmt.Errorf("%w: duplicate chunk key", types.ErrIndexInconsistency), "cleanup_error", err)
	if s.opts.OnInconsistency != nil {
		go s.opts.OnInconsistency(e.key)
	}
}
