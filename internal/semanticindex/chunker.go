// Package semanticindex chunks message content, generates embeddings, and
// stores searchable points in environment-scoped vector collections with
// session isolation enforced on every query.
package semanticindex

import (
	"strings"

	"github.com/fyrsmithlabs/historyd/internal/history"
)

// Chunk is one bounded-length slice of a message's content.
type Chunk struct {
	Text  string
	Index int
	Total int
}

// sentence terminators; a word ending in one of these (optionally followed by
// a closing quote or bracket) closes the current sentence.
func endsSentence(word string) bool {
	trimmed := strings.TrimRight(word, `"')]}`)
	if trimmed == "" {
		return false
	}
	switch trimmed[len(trimmed)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}

// ChunkContent packs complete sentences into chunks of at most
// history.MaxChunkChars characters. A sentence that alone exceeds the limit
// is hard-split by character count. The result is deterministic and
// order-preserving.
//
// Joining the chunk texts in Index order with single spaces reconstructs the
// content up to whitespace normalization; exact original whitespace is not
// preserved.
func ChunkContent(text string) []Chunk {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	// First pass: group words into sentences, normalizing whitespace.
	var sentences []string
	var current []string
	for _, w := range words {
		current = append(current, w)
		if endsSentence(w) {
			sentences = append(sentences, strings.Join(current, " "))
			current = current[:0]
		}
	}
	if len(current) > 0 {
		sentences = append(sentences, strings.Join(current, " "))
	}

	// Second pass: hard-split any sentence that alone exceeds the limit.
	var parts []string
	for _, s := range sentences {
		if len([]rune(s)) <= history.MaxChunkChars {
			parts = append(parts, s)
			continue
		}
		parts = append(parts, hardSplit(s, history.MaxChunkChars)...)
	}

	// Third pass: greedy packing, counting the joining space.
	var texts []string
	var b strings.Builder
	length := 0
	for _, p := range parts {
		plen := len([]rune(p))
		switch {
		case length == 0:
			b.WriteString(p)
			length = plen
		case length+1+plen <= history.MaxChunkChars:
			b.WriteByte(' ')
			b.WriteString(p)
			length += 1 + plen
		default:
			texts = append(texts, b.String())
			b.Reset()
			b.WriteString(p)
			length = plen
		}
	}
	if length > 0 {
		texts = append(texts, b.String())
	}

	chunks := make([]Chunk, len(texts))
	for i, t := range texts {
		chunks[i] = Chunk{Text: t, Index: i, Total: len(texts)}
	}
	return chunks
}

// hardSplit slices s into pieces of at most max runes.
func hardSplit(s string, max int) []string {
	runes := []rune(s)
	var out []string
	for len(runes) > 0 {
		n := max
		if n > len(runes) {
			n = len(runes)
		}
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}

// ReconstructContent joins chunks in Index order with single spaces. This is
// the documented (whitespace-normalized) inverse of ChunkContent.
func ReconstructContent(chunks []Chunk) string {
	texts := make([]string, len(chunks))
	for _, c := range chunks {
		if c.Index >= 0 && c.Index < len(texts) {
			texts[c.Index] = c.Text
		}
	}
	return strings.Join(texts, " ")
}
