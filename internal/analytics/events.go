package analytics

import "time"

type EventType string

const (
	EventRetrieval     EventType = "retrieval"
	EventIngestion     EventType = "ingestion"
	EventCorpusCleared EventType = "corpus_cleared"
)

// RetrievalEvent is emitted once per answered query.
type RetrievalEvent struct {
	Type          EventType `json:"type"`
	Query         string    `json:"query"`
	Terms         []string  `json:"terms"`
	TopK          int       `json:"top_k"`
	Returned      int       `json:"returned"`
	TopScore      float64   `json:"top_score"`
	Relevant      bool      `json:"relevant"`
	CacheStatus   string    `json:"cache_status"`
	CorpusVersion uint64    `json:"corpus_version"`
	LatencyMs     int64     `json:"latency_ms"`
	Timestamp     time.Time `json:"timestamp"`
	RequestID     string    `json:"request_id,omitempty"`
}

// IngestionEvent is emitted for every upload that replaced the corpus.
type IngestionEvent struct {
	Type          EventType `json:"type"`
	DocumentID    string    `json:"document_id"`
	Filename      string    `json:"filename"`
	Pages         int       `json:"pages"`
	Chunks        int       `json:"chunks"`
	CorpusVersion uint64    `json:"corpus_version"`
	LatencyMs     int64     `json:"latency_ms"`
	Timestamp     time.Time `json:"timestamp"`
	RequestID     string    `json:"request_id,omitempty"`
}

// ClearEvent is emitted when the corpus is emptied on request.
type ClearEvent struct {
	Type          EventType `json:"type"`
	CorpusVersion uint64    `json:"corpus_version"`
	Timestamp     time.Time `json:"timestamp"`
	RequestID     string    `json:"request_id,omitempty"`
}

func eventKey(event any) string {
	switch e := event.(type) {
	case RetrievalEvent:
		return string(e.Type)
	case IngestionEvent:
		return e.DocumentID
	case ClearEvent:
		return string(e.Type)
	default:
		return "analytics"
	}
}

func eventType(event any) EventType {
	switch e := event.(type) {
	case RetrievalEvent:
		return e.Type
	case IngestionEvent:
		return e.Type
	case ClearEvent:
		return e.Type
	default:
		return ""
	}
}
