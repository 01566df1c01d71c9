// Package tokenizer provides text tokenisation for lexical retrieval.
// It lower-cases input, strips everything that is not an ASCII word
// character or whitespace, splits on whitespace runs and drops tokens of
// two characters or fewer.
package tokenizer

import (
	"strings"
	"unicode"
)

// MinTermLength is the shortest token kept by Tokenize.
const MinTermLength = 3

// Tokenize breaks text into lower-cased terms. Text with no usable terms
// yields an empty, non-nil slice.
func Tokenize(text string) []string {
	cleaned := strings.Map(normalizeRune, strings.ToLower(text))
	words := strings.Fields(cleaned)
	terms := make([]string, 0, len(words))
	for _, word := range words {
		if len(word) < MinTermLength {
			continue
		}
		terms = append(terms, word)
	}
	return terms
}

// Counts returns the frequency of every term in terms.
func Counts(terms []string) map[string]int {
	counts := make(map[string]int, len(terms))
	for _, t := range terms {
		counts[t]++
	}
	return counts
}

// byteOrderMark separates words like whitespace. unicode.IsSpace does not
// count it, but text pasted from editors and PDF extraction carries it
// between words.
const byteOrderMark = '\ufeff'

// normalizeRune keeps ASCII word characters and whitespace and drops the
// rest. Returning -1 removes the rune from the output.
func normalizeRune(r rune) rune {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		return r
	case r == byteOrderMark:
		return ' '
	case unicode.IsSpace(r):
		return r
	default:
		return -1
	}
}
