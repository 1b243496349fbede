package search

import (
	"context"
	"fmt"
	"strings"
)

// Closed set of prompt template names.
const (
	TemplateChainOfThought = "chain_of_thought"
	TemplateExtractive     = "extractive"
	TemplateCitation       = "citation"
)

// templateBodies map template names to their instruction framing. The
// %s placeholders are context then query.
var templateBodies = map[string]string{
	TemplateChainOfThought: "Use the context below to answer the question. " +
		"Think through the problem step by step before giving the final answer.\n\n" +
		"Context:\n%s\nQuestion: %s\n\nLet's work through this step by step:",
	TemplateExtractive: "Answer the question using only text extracted verbatim from the context below. " +
		"If the context does not contain the answer, say so.\n\n" +
		"Context:\n%s\nQuestion: %s\n\nExtracted answer:",
	TemplateCitation: "Answer the question using the numbered context passages below. " +
		"Cite every claim with the passage number in square brackets, like [1].\n\n" +
		"Context:\n%s\nQuestion: %s\n\nAnswer with citations:",
}

// TemplateNames returns the closed set of valid template names.
func TemplateNames() []string {
	return []string{TemplateChainOfThought, TemplateExtractive, TemplateCitation}
}

// TemplatedResult pairs a formatted prompt with the retrieval that
// produced its context.
type TemplatedResult struct {
	Template string
	Prompt   string
	Results  *SearchResult
}

// SearchWithTemplate retrieves passages for the query and formats them
// into the named prompt template. An unrecognized template name errors
// before any retrieval work starts.
func (e *Engine) SearchWithTemplate(ctx context.Context, query, templateName string, topK int) (*TemplatedResult, error) {
	body, ok := templateBodies[templateName]
	if !ok {
		return nil, fmt.Errorf("%w: %q (valid: %s)",
			ErrUnknownTemplate, templateName, strings.Join(TemplateNames(), ", "))
	}

	opts := DefaultSearchOptions()
	opts.TopK = topK
	result, err := e.Search(ctx, query, opts)
	if err != nil {
		return nil, err
	}

	return &TemplatedResult{
		Template: templateName,
		Prompt:   fmt.Sprintf(body, formatContext(result.Candidates), result.Query),
		Results:  result,
	}, nil
}

// formatContext renders candidates as numbered passages with their
// section and page when known.
func formatContext(candidates []*ScoredCandidate) string {
	if len(candidates) == 0 {
		return "(no relevant passages found)\n"
	}

	var b strings.Builder
	for i, c := range candidates {
		fmt.Fprintf(&b, "[%d]", i+1)
		if c.Passage.Section != "" {
			fmt.Fprintf(&b, " (%s", c.Passage.Section)
			if c.Passage.Page > 0 {
				fmt.Fprintf(&b, ", p. %d", c.Passage.Page)
			}
			b.WriteString(")")
		} else if c.Passage.Page > 0 {
			fmt.Fprintf(&b, " (p. %d)", c.Passage.Page)
		}
		b.WriteString(" ")
		b.WriteString(strings.TrimSpace(c.Passage.Text))
		b.WriteString("\n")
	}
	return b.String()
}
