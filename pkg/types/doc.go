// Package types holds the domain types shared across the knowledge engine.
//
// A Document is a file under the watch root, identified by its root-relative
// key. Documents are split into Chunks, each identified by a ChunkKey
// (document key plus sequence number). Every chunk is embedded into exactly
// one VectorRecord owned by the vector store.
//
// Indexing work travels through the scheduler as Tasks:
//
//	task := types.Task{Kind: types.TaskIndex, DocumentKey: "notes/plants.md"}
//
// Errors follow a small taxonomy (ErrUnavailable, ErrCorrupt, ErrProvider,
// ErrRejected, ErrIndexInconsistency). Wrap an error with Permanent to stop
// the scheduler from retrying it.
package types
