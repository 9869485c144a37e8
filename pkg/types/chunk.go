package types

import (
	"crypto/sha256"
	"errors"
	"fmt"
)

// ChunkKey identifies a chunk: its document and its position in it.
type ChunkKey struct {
	DocumentKey string
	Seq         int
}

func (k ChunkKey) String() string {
	return fmt.Sprintf("%s#%d", k.DocumentKey, k.Seq)
}

// Chunk is a contiguous span of a document's text. Chunks reference their
// document by key only.
type Chunk struct {
	DocumentKey string
	Seq         int
	StartOffset int // byte offset into the extracted text, inclusive
	EndOffset   int // exclusive
	Text        string
	ContentHash [32]byte
}

// Key returns the chunk's identity.
func (c *Chunk) Key() ChunkKey {
	return ChunkKey{DocumentKey: c.DocumentKey, Seq: c.Seq}
}

// ComputeContentHash sets ContentHash from Text.
func (c *Chunk) ComputeContentHash() {
	c.ContentHash = sha256.Sum256([]byte(c.Text))
}

// Validate checks offsets and content.
func (c *Chunk) Validate() error {
	if c.DocumentKey == "" {
		return errors.New("document key is required")
	}
	if c.Text == "" {
		return ErrEmptyContent
	}
	if c.Seq < 0 {
		return errors.New("sequence must be non-negative")
	}
	if c.StartOffset < 0 || c.EndOffset <= c.StartOffset {
		return fmt.Errorf("invalid offsets [%d,%d)", c.StartOffset, c.EndOffset)
	}
	return nil
}
