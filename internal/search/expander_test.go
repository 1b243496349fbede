package search

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubCompletion returns a fixed completion or error.
type stubCompletion struct {
	content string
	err     error
}

func (s stubCompletion) CreateChatCompletion(_ context.Context, _ openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	if s.err != nil {
		return openai.ChatCompletionResponse{}, s.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: s.content}},
		},
	}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStubExpander(content string, err error) *QueryExpander {
	return &QueryExpander{
		client: stubCompletion{content: content, err: err},
		config: DefaultExpanderConfig(),
		logger: discardLogger(),
	}
}

func TestExpandOriginalAlwaysFirst(t *testing.T) {
	x := newStubExpander("how to run molecular dynamics\nsetting up an MD simulation\nconfigure dynamics run", nil)

	out := x.Expand(context.Background(), "run molecular dynamics", 3, "")
	require.NotEmpty(t, out)
	assert.Equal(t, "run molecular dynamics", out[0])
	assert.LessOrEqual(t, len(out), 4)
}

func TestExpandDegradesOnModelFailure(t *testing.T) {
	x := newStubExpander("", fmt.Errorf("backend down"))

	out := x.Expand(context.Background(), "some query", 3, "")
	assert.Equal(t, []string{"some query"}, out)
}

func TestExpandDedupesCaseInsensitive(t *testing.T) {
	x := newStubExpander("Run Molecular Dynamics\nrun molecular dynamics\nanother phrasing entirely", nil)

	out := x.Expand(context.Background(), "run molecular dynamics", 3, "")
	seen := map[string]bool{}
	for _, q := range out {
		key := strings.ToLower(q)
		assert.False(t, seen[key], "duplicate expansion %q", q)
		seen[key] = true
	}
	assert.Equal(t, "run molecular dynamics", out[0])
}

func TestExpandEmptyQuery(t *testing.T) {
	x := newStubExpander("anything", nil)
	assert.Nil(t, x.Expand(context.Background(), "  ", 3, ""))
}

func TestExpandCapsAtN(t *testing.T) {
	x := newStubExpander("first alternative phrase\nsecond option here\nthird way to say it\nfourth extra one\nfifth extra one", nil)

	out := x.Expand(context.Background(), "original query text", 2, "")
	assert.LessOrEqual(t, len(out), 3)
	assert.Equal(t, "original query text", out[0])
}

func TestParseExpansionLines(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		n    int
		want []string
	}{
		{
			name: "plain lines",
			raw:  "first alternative phrase\nsecond option here",
			n:    3,
			want: []string{"first alternative phrase", "second option here"},
		},
		{
			name: "enumeration markers stripped",
			raw:  "1. numbered expansion one\n2) numbered expansion two\n- dashed expansion three",
			n:    3,
			want: []string{"numbered expansion one", "numbered expansion two", "dashed expansion three"},
		},
		{
			name: "quotes stripped",
			raw:  "\"quoted expansion line\"\n'single quoted line'",
			n:    3,
			want: []string{"quoted expansion line", "single quoted line"},
		},
		{
			name: "headers dropped",
			raw:  "Here are three alternative phrasings:\nusable expansion line",
			n:    3,
			want: []string{"usable expansion line"},
		},
		{
			name: "too short and too long dropped",
			raw:  "ok\n" + strings.Repeat("x", 201) + "\nactually usable line",
			n:    3,
			want: []string{"actually usable line"},
		},
		{
			name: "stops at n",
			raw:  "line number one ok\nline number two ok\nline number three ok",
			n:    2,
			want: []string{"line number one ok", "line number two ok"},
		},
		{
			name: "sentence fallback when no line is usable",
			raw: "first sentence variant describing the molecular dynamics workflow in great detail. " +
				"second sentence variant about geometry optimization parameters and their setup! " +
				"third sentence variant covering forcefield assignment and energy calculation runs?",
			n: 3,
			want: []string{
				"first sentence variant describing the molecular dynamics workflow in great detail",
				"second sentence variant about geometry optimization parameters and their setup",
				"third sentence variant covering forcefield assignment and energy calculation runs",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseExpansionLines(tt.raw, tt.n))
		})
	}
}

func TestLooksLikeHeader(t *testing.T) {
	assert.True(t, looksLikeHeader("Alternative phrasings:"))
	assert.True(t, looksLikeHeader("Here are some rewrites"))
	assert.False(t, looksLikeHeader("how to configure the simulation"))
	assert.False(t, looksLikeHeader("an alternative way to rewrite the phrasing"))
}
