package ingest

import "strings"

// DefaultChunkSize is the target passage size in characters.
const DefaultChunkSize = 1200

// ChunkText splits text into passages of roughly chunkSize characters.
// Paragraph boundaries are respected where possible; a single paragraph
// longer than chunkSize is hard-split. Whitespace-only input yields nil.
func ChunkText(text string, chunkSize int) []string {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var chunks []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}

		for len(para) > chunkSize {
			flush()
			cut := strings.LastIndexByte(para[:chunkSize], ' ')
			if cut <= 0 {
				cut = chunkSize
			}
			chunks = append(chunks, strings.TrimSpace(para[:cut]))
			para = strings.TrimSpace(para[cut:])
		}

		if current.Len() > 0 && current.Len()+len(para)+2 > chunkSize {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()

	return chunks
}
