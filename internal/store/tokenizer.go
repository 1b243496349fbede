package store

import "strings"

// Tokenize splits text into lowercase terms on whitespace.
// Document text is scored with the exact same rules as queries, so the
// tokenizer stays deliberately simple and deterministic.
func Tokenize(text string) []string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return []string{}
	}

	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		tokens = append(tokens, strings.ToLower(f))
	}
	return tokens
}
