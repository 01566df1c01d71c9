// Package scorer implements single-pass TF-IDF relevance scoring of a query
// against a collection of chunk texts, and the stable ranking applied to
// the resulting scores.
package scorer

import (
	"math"
	"sort"

	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/internal/retrieval/tokenizer"
)

// Score returns one TF-IDF score per document, in input order.
func Score(query string, documents []string) []float64 {
	docTerms := make([][]string, len(documents))
	for i, doc := range documents {
		docTerms[i] = tokenizer.Tokenize(doc)
	}
	return ScoreTokens(tokenizer.Tokenize(query), docTerms)
}

// ScoreTokens scores pre-tokenized documents. Every occurrence of a query
// term contributes, so a repeated query term counts once per repetition.
func ScoreTokens(queryTerms []string, docTerms [][]string) []float64 {
	scores := make([]float64, len(docTerms))
	if len(queryTerms) == 0 || len(docTerms) == 0 {
		return scores
	}

	counts := make([]map[string]int, len(docTerms))
	for i, terms := range docTerms {
		counts[i] = tokenizer.Counts(terms)
	}

	idf := make(map[string]float64, len(queryTerms))
	for _, term := range queryTerms {
		if _, seen := idf[term]; seen {
			continue
		}
		docFreq := 0
		for _, c := range counts {
			if c[term] > 0 {
				docFreq++
			}
		}
		idf[term] = computeIDF(len(docTerms), docFreq)
	}

	for i, terms := range docTerms {
		if len(terms) == 0 {
			continue
		}
		length := float64(len(terms))
		var score float64
		for _, term := range queryTerms {
			tf := float64(counts[i][term]) / length
			score += tf * idf[term]
		}
		scores[i] = score
	}
	return scores
}

// Rank returns the indexes of scores ordered by descending score. Equal
// scores keep their input order.
func Rank(scores []float64) []int {
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})
	return order
}

// computeIDF is smoothed with +1 in the denominator, so a term present in
// every document gets a small negative weight rather than a division by zero.
func computeIDF(totalDocs, docFreq int) float64 {
	return math.Log(float64(totalDocs) / float64(docFreq+1))
}
