// Package chunker splits extracted document text into overlapping,
// sentence-aligned chunks and attributes each chunk to a source page using
// the "[Page N]" markers written by the extraction layer.
package chunker

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/internal/retrieval"
)

const (
	DefaultChunkSize = 500
	DefaultOverlap   = 100
)

var pageMarker = regexp.MustCompile(`\[Page (\d+)\]`)

// Chunker holds the size and overlap, both measured in characters.
type Chunker struct {
	chunkSize int
	overlap   int
}

// New returns a Chunker. A non-positive size falls back to DefaultChunkSize
// and a negative overlap is treated as zero.
func New(chunkSize, overlap int) *Chunker {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	return &Chunker{chunkSize: chunkSize, overlap: overlap}
}

// Chunk is shorthand for New(chunkSize, overlap).Split(text).
func Chunk(text string, chunkSize, overlap int) []retrieval.DocumentChunk {
	return New(chunkSize, overlap).Split(text)
}

// ChunkSize returns the configured soft size bound.
func (c *Chunker) ChunkSize() int { return c.chunkSize }

// Overlap returns the number of trailing characters carried into the next chunk.
func (c *Chunker) Overlap() int { return c.overlap }

// Split greedily packs sentences into chunks. The size bound is soft: a
// sentence longer than the bound becomes its own oversized chunk.
func (c *Chunker) Split(text string) []retrieval.DocumentChunk {
	chunks := make([]retrieval.DocumentChunk, 0)
	var (
		buffer     string
		bufferLen  int
		bufferPage = 1
		page       = 1
	)
	emit := func() {
		trimmed := strings.TrimSpace(buffer)
		if trimmed == "" {
			return
		}
		idx := len(chunks)
		chunks = append(chunks, retrieval.DocumentChunk{
			ID:         "chunk-" + strconv.Itoa(idx),
			Text:       trimmed,
			PageNumber: bufferPage,
			ChunkIndex: idx,
		})
	}

	for _, sentence := range SplitSentences(text) {
		page = advancePage(sentence, page)
		sentenceLen := utf8.RuneCountInString(sentence)
		if bufferLen+sentenceLen > c.chunkSize && bufferLen > 0 {
			emit()
			carried := tail(buffer, c.overlap)
			buffer = carried + " " + sentence
			bufferLen = utf8.RuneCountInString(buffer)
			bufferPage = page
			continue
		}
		if bufferLen == 0 {
			bufferPage = page
		}
		buffer += " " + sentence
		bufferLen += 1 + sentenceLen
	}
	emit()
	return chunks
}

// SplitSentences splits text at whitespace runs that directly follow '.',
// '!' or '?'. The punctuation stays with the sentence it ends. Sentences
// are trimmed and blank ones dropped.
func SplitSentences(text string) []string {
	var sentences []string
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			sentences = append(sentences, s)
		}
	}
	start := 0
	var prev rune
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		if unicode.IsSpace(r) && isTerminal(prev) {
			add(text[start:i])
			for i < len(text) {
				r, size = utf8.DecodeRuneInString(text[i:])
				if !unicode.IsSpace(r) {
					break
				}
				i += size
			}
			start = i
			prev = 0
			continue
		}
		prev = r
		i += size
	}
	add(text[start:])
	return sentences
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// advancePage moves the page counter forward to the highest marker in
// sentence. Markers never move it backwards.
func advancePage(sentence string, page int) int {
	for _, m := range pageMarker.FindAllStringSubmatch(sentence, -1) {
		n, err := strconv.Atoi(m[1])
		if err == nil && n > page {
			page = n
		}
	}
	return page
}

// tail returns the last n characters of s.
func tail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if n >= len(runes) {
		return s
	}
	return string(runes[len(runes)-n:])
}
