package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchWithTemplateUnknownNameFailsFast(t *testing.T) {
	engine := buildTestEngine(t, &fakeEmbedder{})

	_, err := engine.SearchWithTemplate(context.Background(), "forcite dynamics", "socratic", 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownTemplate)
	assert.Contains(t, err.Error(), "chain_of_thought")
}

func TestSearchWithTemplateFormatsContext(t *testing.T) {
	engine := buildTestEngine(t, &fakeEmbedder{})

	for _, name := range TemplateNames() {
		t.Run(name, func(t *testing.T) {
			out, err := engine.SearchWithTemplate(context.Background(), "forcite molecular dynamics", name, 3)
			require.NoError(t, err)

			assert.Equal(t, name, out.Template)
			assert.Contains(t, out.Prompt, "forcite molecular dynamics")
			assert.Contains(t, out.Prompt, "[1]")
			require.NotNil(t, out.Results)
			assert.NotEmpty(t, out.Results.Candidates)
		})
	}
}

func TestSearchWithTemplateEmptyCorpusStillFormats(t *testing.T) {
	engine := buildTestEngine(t, &fakeEmbedder{})

	out, err := engine.SearchWithTemplate(context.Background(), "completely unrelated zzz", TemplateExtractive, 3)
	require.NoError(t, err)
	assert.Contains(t, out.Prompt, "completely unrelated zzz")
}

func TestFormatContextIncludesSectionAndPage(t *testing.T) {
	candidates := corpusCandidates()
	got := formatContext(candidates)
	assert.Contains(t, got, "[1] (Forcite/MD, p. 12)")
	assert.Contains(t, got, "[2] (DMol3/DFT, p. 44)")
}

func TestFormatContextEmpty(t *testing.T) {
	assert.Contains(t, formatContext(nil), "no relevant passages")
}

func corpusCandidates() []*ScoredCandidate {
	passages := corpusPassages()
	return []*ScoredCandidate{
		{Passage: passages[0]},
		{Passage: passages[1]},
	}
}
