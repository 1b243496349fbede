package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkText_EmptyInput(t *testing.T) {
	assert.Nil(t, ChunkText("", 1200))
	assert.Nil(t, ChunkText("   \n\n\t  ", 1200))
}

func TestChunkText_SingleParagraph(t *testing.T) {
	chunks := ChunkText("A short paragraph.", 1200)
	require.Len(t, chunks, 1)
	assert.Equal(t, "A short paragraph.", chunks[0])
}

func TestChunkText_GroupsParagraphsUpToLimit(t *testing.T) {
	text := "First paragraph here.\n\nSecond paragraph here.\n\nThird paragraph here."
	chunks := ChunkText(text, 50)

	require.Len(t, chunks, 2)
	assert.Contains(t, chunks[0], "First paragraph")
	assert.Contains(t, chunks[0], "Second paragraph")
	assert.Contains(t, chunks[1], "Third paragraph")
}

func TestChunkText_HardSplitsOversizedParagraph(t *testing.T) {
	words := strings.Repeat("lattice ", 100)
	chunks := ChunkText(strings.TrimSpace(words), 64)

	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 64)
		assert.NotEmpty(t, strings.TrimSpace(c))
	}
}

func TestChunkText_NoWordLoss(t *testing.T) {
	text := "alpha beta gamma\n\ndelta epsilon zeta\n\n" + strings.TrimSpace(strings.Repeat("theta ", 40))
	chunks := ChunkText(text, 48)

	joined := strings.Join(chunks, " ")
	for _, word := range []string{"alpha", "gamma", "delta", "zeta", "theta"} {
		assert.Contains(t, joined, word)
	}
}

func TestChunkText_DefaultsInvalidSize(t *testing.T) {
	chunks := ChunkText("Some text to chunk.", 0)
	require.Len(t, chunks, 1)
}
