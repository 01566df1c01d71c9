// Package retrieval defines the data model shared by the chunker, the corpus
// store and the HTTP layer: chunks of an uploaded document and the gated
// result of a query against them.
package retrieval

import "time"

// DocumentChunk is the unit of retrievable text.
type DocumentChunk struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	PageNumber int    `json:"pageNumber"`
	ChunkIndex int    `json:"chunkIndex"`
}

// RetrievalResult is the answer to a query. Chunks are ordered best first.
type RetrievalResult struct {
	Chunks             []DocumentChunk `json:"chunks"`
	HasRelevantResults bool            `json:"hasRelevantResults"`
	RelevanceScore     float64         `json:"relevanceScore"`
}

// EmptyResult is returned whenever there is nothing to score.
func EmptyResult() RetrievalResult {
	return RetrievalResult{Chunks: []DocumentChunk{}}
}

// ScoredChunk pairs a chunk with its relevance score for a query.
type ScoredChunk struct {
	Chunk DocumentChunk `json:"chunk"`
	Score float64       `json:"score"`
}

// Stats describes the corpus currently held by the store.
type Stats struct {
	Ready     bool      `json:"ready"`
	Chunks    int       `json:"chunks"`
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updatedAt,omitzero"`
}
