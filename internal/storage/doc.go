// Package storage is the durable vector store of the knowledge engine.
//
// Records are persisted in SQLite (WAL mode, versioned migrations) and
// served from an in-memory index that is rebuilt from disk on Open.
//
// # Database Schema
//
// Tables:
//   - documents: one row per document key with content hash and state
//   - records: one vector record per live chunk, UNIQUE(doc_key, seq)
//   - schema_version: applied migrations
//
// # In-memory index
//
// Documents are spread over shards by FNV hash of their key. Each shard has
// its own locks, and each document is an immutable snapshot of its records:
// ReplaceDocument commits the new records in one transaction and then swaps
// the snapshot pointer, so a concurrent Query observes either the old set or
// the new set of a document, never a mix and never neither.
//
// Large vector spaces use an inverted-file (IVF) coarse quantiser. Compact
// trains about sqrt(n) k-means centroids per modality and dimension and
// assigns every record to its nearest list; Query then scores only the
// records in the NProbe closest lists. Small spaces, and records written
// since the last compaction with a stale assignment, are scanned exactly.
//
// # Basic Usage
//
//	store, err := storage.Open(ctx, "/var/lib/knowledge/knowledge.db", storage.Options{Metric: storage.MetricCosine})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	err = store.ReplaceDocument(ctx, "notes/plants.md", records)
//	matches, err := store.Query(ctx, queryVector, 5, &storage.Filter{Modality: types.ModalityText})
//
// # Consistency
//
// A document snapshot holding two records with the same chunk key is never
// served: Query quarantines the document (removes its records and marks it
// stale) and reports it through Options.OnInconsistency for re-indexing.
//
// # Build modes
//
// The default build uses modernc.org/sqlite (pure Go). Building with
// -tags sqlite_vec links github.com/mattn/go-sqlite3 instead.
package storage
