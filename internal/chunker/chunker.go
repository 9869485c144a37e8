package chunker

import (
	"bytes"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/dshills/knowledge-engine/pkg/types"
)

const (
	// DefaultChunkSize is the default chunk length in characters (runes).
	DefaultChunkSize = 1000

	// DefaultChunkOverlap is the default number of characters shared by
	// consecutive chunks.
	DefaultChunkOverlap = 200
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Chunker splits extracted text into ordered, overlapping chunks.
type Chunker struct {
	size    int
	overlap int
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithChunkSize sets the chunk size in characters.
func WithChunkSize(size int) Option {
	return func(c *Chunker) {
		if size > 0 {
			c.size = size
		}
	}
}

// WithOverlap sets the overlap between chunks in characters.
func WithOverlap(overlap int) Option {
	return func(c *Chunker) {
		if overlap >= 0 {
			c.overlap = overlap
		}
	}
}

// New creates a Chunker with the given options.
func New(opts ...Option) *Chunker {
	c := &Chunker{
		size:    DefaultChunkSize,
		overlap: DefaultChunkOverlap,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.overlap >= c.size {
		c.overlap = c.size / 4
	}
	return c
}

// Size returns the configured chunk size.
func (c *Chunker) Size() int { return c.size }

// Overlap returns the configured overlap.
func (c *Chunker) Overlap() int { return c.overlap }

// Extract decodes raw file content into text. Content that is not valid
// UTF-8 or contains NUL bytes is rejected as corrupt.
func (c *Chunker) Extract(raw []byte) (string, error) {
	raw = bytes.TrimPrefix(raw, utf8BOM)
	if bytes.IndexByte(raw, 0) >= 0 {
		return "", fmt.Errorf("%w: binary content", types.ErrCorrupt)
	}
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("%w: invalid UTF-8", types.ErrCorrupt)
	}
	text := string(raw)
	if strings.Contains(text, "\r") {
		text = strings.ReplaceAll(text, "\r\n", "\n")
	}
	return text, nil
}

// ChunkDocument extracts raw and chunks the resulting text.
func (c *Chunker) ChunkDocument(docKey string, raw []byte) ([]types.Chunk, error) {
	text, err := c.Extract(raw)
	if err != nil {
		return nil, err
	}
	return c.Chunk(docKey, text), nil
}

// Chunk splits text into chunks for docKey. Identical input always yields
// identical output. Whitespace-only text yields no chunks.
func (c *Chunker) Chunk(docKey string, text string) []types.Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	runes := []rune(text)
	// offsets[i] is the byte offset of rune i; offsets[n] == len(text).
	offsets := make([]int, len(runes)+1)
	pos := 0
	for i, r := range runes {
		offsets[i] = pos
		pos += utf8.RuneLen(r)
	}
	offsets[len(runes)] = pos

	n := len(runes)
	chunks := make([]types.Chunk, 0, n/(c.size-c.overlap)+1)
	start := 0
	for start < n {
		end := n
		if start+c.size < n {
			end = c.breakPoint(runes, start, start+c.size)
		}

		body := text[offsets[start]:offsets[end]]
		if strings.TrimSpace(body) != "" {
			chunk := types.Chunk{
				DocumentKey: docKey,
				Seq:         len(chunks),
				StartOffset: offsets[start],
				EndOffset:   offsets[end],
				Text:        body,
			}
			chunk.ComputeContentHash()
			chunks = append(chunks, chunk)
		}

		if end >= n {
			break
		}
		start = c.nextStart(runes, start, end)
	}
	return chunks
}

// breakPoint picks the end of a chunk starting at start, no later than limit.
// It prefers a paragraph break, then a line break, then a sentence end, then
// any whitespace, searching the back half of the window. Falls back to limit.
func (c *Chunker) breakPoint(runes []rune, start, limit int) int {
	floor := start + c.size/2
	if floor <= start {
		floor = start + 1
	}

	best := [4]int{}
	for i := limit; i > floor; i-- {
		prev := runes[i-1]
		switch {
		case prev == '\n' && i-2 >= start && runes[i-2] == '\n':
			if best[0] == 0 {
				best[0] = i
			}
			fallthrough
		case prev == '\n':
			if best[1] == 0 {
				best[1] = i
			}
		case unicode.IsSpace(prev) && i-2 >= start && isSentenceEnd(runes[i-2]):
			if best[2] == 0 {
				best[2] = i
			}
		}
		if best[3] == 0 && unicode.IsSpace(prev) {
			best[3] = i
		}
		if best[0] != 0 {
			break
		}
	}
	for _, b := range best {
		if b != 0 {
			return b
		}
	}
	return limit
}

// nextStart returns where the chunk after [start,end) begins: overlap
// characters before end, moved forward to the start of a word when possible.
func (c *Chunker) nextStart(runes []rune, start, end int) int {
	next := end - c.overlap
	if next <= start {
		next = start + 1
	}
	snapped := next
	for snapped < end && snapped > 0 && !unicode.IsSpace(runes[snapped-1]) {
		snapped++
	}
	for snapped < end && unicode.IsSpace(runes[snapped]) {
		snapped++
	}
	if snapped < end {
		return snapped
	}
	return next
}

func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}
