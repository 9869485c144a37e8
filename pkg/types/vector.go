package types

import "time"

// ModalityText is the modality tag of text embeddings.
const ModalityText = "text"

// VectorRecord is the stored form of an embedded chunk.
type VectorRecord struct {
	Key         ChunkKey
	Vector      []float32
	Dimension   int
	Modality    string
	ContentHash [32]byte
	Text        string
	StartOffset int
	EndOffset   int
	IndexedAt   time.Time
}

// NewVectorRecord builds a text record for chunk c.
func NewVectorRecord(c Chunk, vector []float32, indexedAt time.Time) VectorRecord {
	return VectorRecord{
		Key:         c.Key(),
		Vector:      vector,
		Dimension:   len(vector),
		Modality:    ModalityText,
		ContentHash: c.ContentHash,
		Text:        c.Text,
		StartOffset: c.StartOffset,
		EndOffset:   c.EndOffset,
		IndexedAt:   indexedAt,
	}
}
