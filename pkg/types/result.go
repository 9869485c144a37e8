package types

import "time"

// SearchResult is one ranked chunk returned by retrieval.
type SearchResult struct {
	DocumentKey string    `json:"document_key"`
	Seq         int       `json:"seq"`
	ChunkText   string    `json:"chunk_text"`
	Score       float64   `json:"score"`
	Rank        int       `json:"rank"` // 1-based
	StartOffset int       `json:"start_offset"`
	EndOffset   int       `json:"end_offset"`
	IndexedAt   time.Time `json:"indexed_at"`
}
