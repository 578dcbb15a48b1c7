// Package knowledge implements the document tier: deterministic chunking,
// per-chunk embeddings, and top-K retrieval with source diversity.
package knowledge

import "strings"

// Chunker splits document text into chunks of at most size characters.
// The split is pure text, no embedding calls: paragraphs are packed
// first, oversized paragraphs fall back to sentence packing, and a
// sentence longer than a whole chunk is windowed with overlap.
type Chunker struct {
	size    int
	overlap int
}

// NewChunker returns a chunker with the given size and window overlap in
// characters.
func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = 1000
	}
	if overlap < 0 || overlap >= size {
		overlap = size / 10
	}
	return &Chunker{size: size, overlap: overlap}
}

// Chunk splits text deterministically. Always returns at least one chunk.
func (c *Chunker) Chunk(text string) []string {
	if len(text) <= c.size {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}

	for _, para := range strings.Split(text, "\n\n") {
		if para == "" {
			continue
		}
		if len(para) > c.size {
			flush()
			chunks = append(chunks, c.chunkParagraph(para)...)
			continue
		}
		if current.Len() > 0 && current.Len()+2+len(para) > c.size {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()

	if len(chunks) == 0 {
		chunks = []string{text}
	}
	return chunks
}

// chunkParagraph packs sentences into chunks, windowing any single
// sentence that exceeds the chunk size on its own.
func (c *Chunker) chunkParagraph(para string) []string {
	var chunks []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}

	for _, sentence := range splitSentences(para) {
		if len(sentence) > c.size {
			flush()
			chunks = append(chunks, c.window(sentence)...)
			continue
		}
		if current.Len() > 0 && current.Len()+1+len(sentence) > c.size {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(sentence)
	}
	flush()
	return chunks
}

// window slices s into fixed-size pieces that overlap by c.overlap
// characters so no phrase is lost on a boundary.
func (c *Chunker) window(s string) []string {
	step := c.size - c.overlap
	if step <= 0 {
		step = c.size
	}

	var chunks []string
	for start := 0; start < len(s); start += step {
		end := start + c.size
		if end >= len(s) {
			chunks = append(chunks, s[start:])
			break
		}
		chunks = append(chunks, s[start:end])
	}
	return chunks
}

// splitSentences splits on terminal punctuation followed by whitespace,
// keeping the punctuation with its sentence.
func splitSentences(text string) []string {
	var sentences []string
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
			end := i + 1
			if end < len(text) && !isSpace(text[end]) {
				continue
			}
			if s := strings.TrimSpace(text[start:end]); s != "" {
				sentences = append(sentences, s)
			}
			for end < len(text) && isSpace(text[end]) {
				end++
			}
			start = end
			i = end - 1
		}
	}
	if start < len(text) {
		if s := strings.TrimSpace(text[start:]); s != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || b == '\r'
}
