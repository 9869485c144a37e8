package types

import (
	"encoding/hex"
	"time"
)

// DocumentState tracks a document through its indexing lifecycle.
type DocumentState string

const (
	StateDiscovered DocumentState = "discovered"
	StateIndexed    DocumentState = "indexed"
	StateStale      DocumentState = "stale"
	StateDeleted    DocumentState = "deleted"
	// StateFailed means the last task ended failed-permanent. The document is
	// retried on its next change or reconciliation.
	StateFailed DocumentState = "failed"
)

// Valid reports whether s is a known state.
func (s DocumentState) Valid() bool {
	switch s {
	case StateDiscovered, StateIndexed, StateStale, StateDeleted, StateFailed:
		return true
	}
	return false
}

// Document is a single source file under the watch root.
type Document struct {
	Key           string // slash-separated path relative to the watch root
	Path          string // absolute path on disk
	ContentHash   [32]byte
	ModTime       time.Time
	SizeBytes     int64
	State         DocumentState
	ChunkCount    int
	LastError     string
	LastIndexedAt time.Time
}

// HashHex returns the content hash as lowercase hex.
func (d *Document) HashHex() string {
	return hex.EncodeToString(d.ContentHash[:])
}

// HasHash reports whether a content hash was recorded.
func (d *Document) HasHash() bool {
	var zero [32]byte
	return d.ContentHash != zero
}
