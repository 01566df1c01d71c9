// Package ingestion defines the upload, response and Kafka event types used
// by the document ingestion pipeline.
package ingestion

import "time"

// Event types published on the corpus events topic.
const (
	EventCorpusReplaced = "corpus.replaced"
	EventCorpusCleared  = "corpus.cleared"
)

// Upload describes a received document before extraction.
type Upload struct {
	Filename    string
	ContentType string
	Size        int64
}

// IngestResponse is returned to the caller after a document replaced the
// corpus.
type IngestResponse struct {
	DocumentID string `json:"document_id"`
	Filename   string `json:"filename"`
	Pages      int    `json:"pages"`
	Chunks     int    `json:"chunks"`
	Version    uint64 `json:"version"`
}

// CorpusEvent is the Kafka payload describing a change of the active corpus.
type CorpusEvent struct {
	Type        string    `json:"type"`
	DocumentID  string    `json:"document_id,omitempty"`
	Filename    string    `json:"filename,omitempty"`
	ContentHash string    `json:"content_hash,omitempty"`
	Pages       int       `json:"pages"`
	Chunks      int       `json:"chunks"`
	Version     uint64    `json:"version"`
	OccurredAt  time.Time `json:"occurred_at"`
	RequestID   string    `json:"request_id,omitempty"`
}
