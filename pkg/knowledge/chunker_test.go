package knowledge

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkShortTextSinglePiece(t *testing.T) {
	assert.Equal(t, []string{"hello world"}, Chunk("  hello world  ", 100, 10))
}

func TestChunkEmpty(t *testing.T) {
	assert.Nil(t, Chunk("", 100, 10))
	assert.Nil(t, Chunk("   \n  ", 100, 10))
}

func TestChunkPrefersParagraphBreak(t *testing.T) {
	first := strings.Repeat("a", 60) + "."
	second := strings.Repeat("b", 200)
	chunks := Chunk(first+"\n\n"+second, 100, 0)

	require.GreaterOrEqual(t, len(chunks), 2)
	assert.Equal(t, first, chunks[0])
}

func TestChunkFallsBackToSentenceBoundary(t *testing.T) {
	text := strings.Repeat("This is a sentence about nothing in particular. ", 20)
	chunks := Chunk(text, 120, 0)

	require.Greater(t, len(chunks), 1)
	for i, c := range chunks[:len(chunks)-1] {
		assert.True(t, strings.HasSuffix(c, "."), "chunk %d should end at a sentence: %q", i, c)
	}
}

func TestChunkRespectsSizeBound(t *testing.T) {
	text := strings.Repeat("lorem ipsum dolor sit amet ", 100)
	chunks := Chunk(text, 150, 30)

	require.NotEmpty(t, chunks)
	for i, c := range chunks {
		assert.LessOrEqual(t, len(c), 150, "chunk %d exceeds target size", i)
		assert.NotEmpty(t, c)
	}
}

func TestChunkBoundaryNotTakenTooEarly(t *testing.T) {
	// a period in the first third must not become the split point
	text := "Hi. " + strings.Repeat("x", 300)
	chunks := Chunk(text, 120, 0)

	require.NotEmpty(t, chunks)
	assert.Greater(t, len(chunks[0]), 40)
}

func TestChunkNoBoundaryHardCut(t *testing.T) {
	text := strings.Repeat("q", 250)
	chunks := Chunk(text, 100, 0)

	require.Len(t, chunks, 3)
	assert.Equal(t, 100, len(chunks[0]))
	assert.Equal(t, 100, len(chunks[1]))
	assert.Equal(t, 50, len(chunks[2]))
}

func TestChunkOverlapCarriesTail(t *testing.T) {
	text := strings.Repeat("q", 300)
	chunks := Chunk(text, 100, 20)

	require.Greater(t, len(chunks), 2)
	// with a hard cut, each next window starts 20 characters back
	assert.Equal(t, 100, len(chunks[0]))
	assert.Equal(t, 100, len(chunks[1]))
}

func TestChunkDefaults(t *testing.T) {
	text := strings.Repeat("words and more words. ", 60)
	chunks := Chunk(text, 0, -1)
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), DefaultChunkSize)
	}
}
