// Package indexer runs the write path of the knowledge engine.
//
// The indexer is the scheduler's task handler. An index task reads the
// document, hashes it and, when the content changed or the task is forced,
// chunks it, embeds the chunks and replaces the document's records in the
// vector store in one step:
//
//	idx := indexer.New(store, adapter, indexer.Config{Root: "/docs"})
//	sched := scheduler.New(idx, scheduler.Options{MaxConcurrent: 2})
//
// # Incremental Indexing
//
// Change detection uses SHA-256 content hashing. A document whose stored hash
// matches and whose state is indexed is skipped without calling the
// embedding provider.
//
// # Failures
//
// Errors are returned to the scheduler, which retries them unless they are
// permanent (corrupt content, provider rejections). A failed attempt never
// touches the records already served for the document.
//
// # Reconciliation
//
// Reconcile walks the root, hashes files in parallel with an errgroup and
// submits index tasks for new or changed documents and delete tasks for
// documents that disappeared. It runs at startup, after the watcher recovers
// and on demand.
package indexer
