package chunker

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/dshills/knowledge-engine/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const prose = `Photosynthesis converts light energy into chemical energy. Plants capture sunlight with chlorophyll.

The light-dependent reactions happen in the thylakoid membranes! They produce ATP and NADPH.
The Calvin cycle then fixes carbon dioxide into sugars? Yes, inside the stroma.

Cellular respiration releases the stored energy again when the plant needs it.`

func TestNew_Defaults(t *testing.T) {
	c := New()
	assert.Equal(t, DefaultChunkSize, c.Size())
	assert.Equal(t, DefaultChunkOverlap, c.Overlap())

	c = New(WithChunkSize(100), WithOverlap(100))
	assert.Equal(t, 25, c.Overlap(), "overlap >= size falls back to a quarter")

	c = New(WithChunkSize(-1), WithOverlap(-5))
	assert.Equal(t, DefaultChunkSize, c.Size())
	assert.Equal(t, DefaultChunkOverlap, c.Overlap())
}

func TestChunk_Empty(t *testing.T) {
	c := New()
	assert.Empty(t, c.Chunk("a.md", ""))
	assert.Empty(t, c.Chunk("a.md", " \n\t\n "))
}

func TestChunk_ShortTextSingleChunk(t *testing.T) {
	c := New()
	text := "Plants use light energy."
	chunks := c.Chunk("a.md", text)
	require.Len(t, chunks, 1)
	assert.Equal(t, text, chunks[0].Text)
	assert.Equal(t, 0, chunks[0].StartOffset)
	assert.Equal(t, len(text), chunks[0].EndOffset)
	assert.Equal(t, "a.md", chunks[0].DocumentKey)
	assert.Equal(t, 0, chunks[0].Seq)
	assert.NotEqual(t, [32]byte{}, chunks[0].ContentHash)
}

func TestChunk_Deterministic(t *testing.T) {
	c := New(WithChunkSize(60), WithOverlap(15))
	first := c.Chunk("doc.md", prose)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, c.Chunk("doc.md", prose))
	}
	assert.Equal(t, first, New(WithChunkSize(60), WithOverlap(15)).Chunk("doc.md", prose))
}

func TestChunk_CoverageAndBounds(t *testing.T) {
	for _, tc := range []struct{ size, overlap int }{{40, 0}, {60, 15}, {100, 30}, {25, 5}} {
		c := New(WithChunkSize(tc.size), WithOverlap(tc.overlap))
		chunks := c.Chunk("doc.md", prose)
		require.NotEmpty(t, chunks)

		assert.Equal(t, 0, chunks[0].StartOffset)
		assert.Equal(t, len(prose), chunks[len(chunks)-1].EndOffset)
		for i, ch := range chunks {
			assert.Equal(t, i, ch.Seq)
			assert.Equal(t, prose[ch.StartOffset:ch.EndOffset], ch.Text)
			assert.LessOrEqual(t, utf8.RuneCountInString(ch.Text), tc.size)
			require.NoError(t, ch.Validate())
			if i > 0 {
				prev := chunks[i-1]
				assert.LessOrEqual(t, ch.StartOffset, prev.EndOffset, "gap between chunk %d and %d", i-1, i)
				assert.Greater(t, ch.StartOffset, prev.StartOffset)
			}
		}
	}
}

func TestChunk_Overlap(t *testing.T) {
	c := New(WithChunkSize(60), WithOverlap(20))
	chunks := c.Chunk("doc.md", prose)
	require.Greater(t, len(chunks), 1)
	for i := 1; i < len(chunks); i++ {
		assert.Less(t, chunks[i].StartOffset, chunks[i-1].EndOffset)
	}
}

func TestChunk_PrefersParagraphBreak(t *testing.T) {
	c := New(WithChunkSize(20), WithOverlap(0))
	chunks := c.Chunk("doc.md", "First para here.\n\nSecond paragraph text goes on.")
	require.GreaterOrEqual(t, len(chunks), 2)
	assert.Equal(t, "First para here.\n\n", chunks[0].Text)
	assert.True(t, strings.HasPrefix(chunks[1].Text, "Second"))
}

func TestChunk_PrefersSentenceOverWord(t *testing.T) {
	c := New(WithChunkSize(30), WithOverlap(0))
	chunks := c.Chunk("doc.md", "One sentence here. Another one follows and continues.")
	require.GreaterOrEqual(t, len(chunks), 2)
	assert.Equal(t, "One sentence here. ", chunks[0].Text)
}

func TestChunk_HardCutWithoutBoundaries(t *testing.T) {
	c := New(WithChunkSize(10), WithOverlap(2))
	text := strings.Repeat("x", 25)
	chunks := c.Chunk("doc.md", text)
	require.Len(t, chunks, 3)
	assert.Equal(t, [2]int{0, 10}, [2]int{chunks[0].StartOffset, chunks[0].EndOffset})
	assert.Equal(t, [2]int{8, 18}, [2]int{chunks[1].StartOffset, chunks[1].EndOffset})
	assert.Equal(t, [2]int{16, 25}, [2]int{chunks[2].StartOffset, chunks[2].EndOffset})
}

func TestChunk_MultibyteOffsets(t *testing.T) {
	c := New(WithChunkSize(12), WithOverlap(3))
	text := "héllo wörld ñandú café über naïve résumé"
	chunks := c.Chunk("doc.md", text)
	require.NotEmpty(t, chunks)
	for _, ch := range chunks {
		assert.True(t, utf8.ValidString(ch.Text))
		assert.Equal(t, text[ch.StartOffset:ch.EndOffset], ch.Text)
		assert.LessOrEqual(t, utf8.RuneCountInString(ch.Text), 12)
	}
}

func TestExtract(t *testing.T) {
	c := New()

	text, err := c.Extract([]byte("\xEF\xBB\xBFline one\r\nline two"))
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two", text)

	_, err = c.Extract([]byte("abc\x00def"))
	assert.ErrorIs(t, err, types.ErrCorrupt)
	assert.True(t, types.IsPermanent(err))

	_, err = c.Extract([]byte{0xff, 0xfe, 0xfd})
	assert.ErrorIs(t, err, types.ErrCorrupt)
}

func TestChunkDocument(t *testing.T) {
	c := New(WithChunkSize(50), WithOverlap(10))
	chunks, err := c.ChunkDocument("notes/plants.md", []byte(prose))
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	for _, ch := range chunks {
		assert.Equal(t, "notes/plants.md", ch.DocumentKey)
	}

	_, err = c.ChunkDocument("bin.dat", []byte{0x00, 0x01})
	assert.ErrorIs(t, err, types.ErrCorrupt)
}
