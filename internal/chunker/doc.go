// Package chunker extracts text from raw document bytes and splits it into
// deterministic, overlapping chunks.
//
// Sizes are measured in characters (runes). A chunk ends at the best
// boundary within its size budget: paragraph break, then line break, then
// sentence end, then whitespace. Text with no boundary is cut at the limit.
// Consecutive chunks share roughly Overlap characters, aligned to a word
// start when one is available.
//
// # Usage
//
//	c := chunker.New(chunker.WithChunkSize(1000), chunker.WithOverlap(200))
//	chunks, err := c.ChunkDocument("notes/plants.md", raw)
//	if errors.Is(err, types.ErrCorrupt) {
//	    // binary or badly encoded; skip and report
//	}
//
// Each chunk carries its document key, sequence number, byte offsets into
// the extracted text and a SHA-256 content hash.
package chunker
