// Package handler serves document uploads. An upload is extracted, chunked
// and swapped in as the whole corpus. Cache invalidation, the ledger row,
// the Kafka event and analytics are side effects: their failures are
// logged and never fail the upload.
package handler

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/internal/ingestion/extractor"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/internal/ingestion/ledger"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/internal/ingestion/validator"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/internal/retrieval/chunker"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/internal/retrieval/corpus"
	apperrors "github.com/Adithya-Monish-Kumar-K/finwise-retrieval/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/pkg/tracing"
	"github.com/google/uuid"
)

const (
	defaultTextFilename = "upload.txt"
	multipartOverhead   = 1 << 20
	defaultRecentLimit  = 20
	maxRecentLimit      = 100
	sideEffectTimeout   = 10 * time.Second
)

type CacheInvalidator interface {
	Invalidate(ctx context.Context) error
}

type Ledger interface {
	Record(ctx context.Context, rec ledger.Record) error
	Recent(ctx context.Context, limit int) ([]ledger.Record, error)
}

type EventPublisher interface {
	CorpusReplaced(ctx context.Context, event ingestion.CorpusEvent) error
}

type Tracker interface {
	Track(event any)
}

// Options carries the optional collaborators. Leave a field nil when the
// dependency is not configured.
type Options struct {
	Cache     CacheInvalidator
	Ledger    Ledger
	Publisher EventPublisher
	Collector Tracker
	Metrics   *metrics.Metrics
}

type Handler struct {
	store      *corpus.Store
	extractors *extractor.Registry
	chunker    *chunker.Chunker
	maxBytes   int64
	opts       Options
	logger     *slog.Logger
}

func New(store *corpus.Store, extractors *extractor.Registry, ch *chunker.Chunker, maxBytes int64, opts Options) *Handler {
	return &Handler{
		store:      store,
		extractors: extractors,
		chunker:    ch,
		maxBytes:   maxBytes,
		opts:       opts,
		logger:     slog.Default().With("component", "ingestion-handler"),
	}
}

// payload is an upload read into memory.
type payload struct {
	upload ingestion.Upload
	data   []byte
}

// Ingest serves POST /api/v1/documents.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := tracing.StartSpan(r.Context(), "ingest", middleware.GetRequestID(r.Context()))
	defer span.Finish()
	log := logger.FromContext(ctx)

	p, err := h.readPayload(w, r)
	if err != nil {
		h.fail(w, log, err)
		return
	}
	if err := validator.ValidateUpload(p.upload, h.maxBytes); err != nil {
		var validationErr *validator.ValidationError
		if errors.As(err, &validationErr) {
			h.countIngestion("invalid")
			h.writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":  "validation failed",
				"fields": validationErr.Fields,
			})
			return
		}
		h.fail(w, log, apperrors.Wrap(apperrors.ErrInvalidInput, "%v", err))
		return
	}
	span.SetAttr("filename", p.upload.Filename)
	span.SetAttr("size_bytes", p.upload.Size)

	_, extractSpan := tracing.StartChildSpan(ctx, "extract")
	doc, err := h.extractors.Extract(p.upload.Filename, bytes.NewReader(p.data), p.upload.Size)
	extractSpan.SetAttr("pages", doc.Pages)
	extractSpan.End()
	if err != nil {
		h.fail(w, log, err)
		return
	}

	_, chunkSpan := tracing.StartChildSpan(ctx, "chunk")
	chunks := h.chunker.Split(doc.Text)
	chunkSpan.SetAttr("chunks", len(chunks))
	chunkSpan.End()
	if len(chunks) == 0 {
		h.fail(w, log, apperrors.Wrap(apperrors.ErrEmptyDocument, "%s contains no extractable text", p.upload.Filename))
		return
	}

	_, ingestSpan := tracing.StartChildSpan(ctx, "corpus-ingest")
	stats := h.store.Ingest(chunks)
	ingestSpan.SetAttr("version", stats.Version)
	ingestSpan.End()

	resp := ingestion.IngestResponse{
		DocumentID: uuid.NewString(),
		Filename:   p.upload.Filename,
		Pages:      doc.Pages,
		Chunks:     len(chunks),
		Version:    stats.Version,
	}
	sum := sha256.Sum256(p.data)
	h.afterIngest(ctx, resp, hex.EncodeToString(sum[:]), p.upload.Size, time.Since(start))

	log.Info("document ingested",
		"doc_id", resp.DocumentID,
		"filename", resp.Filename,
		"pages", resp.Pages,
		"chunks", resp.Chunks,
		"version", resp.Version,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	h.countIngestion("success")
	h.writeJSON(w, http.StatusCreated, resp)
}

// Recent serves GET /api/v1/documents.
func (h *Handler) Recent(w http.ResponseWriter, r *http.Request) {
	if h.opts.Ledger == nil {
		h.writeError(w, http.StatusServiceUnavailable, "document ledger is disabled")
		return
	}
	limit := defaultRecentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRecentLimit)
	}
	records, err := h.opts.Ledger.Recent(r.Context(), limit)
	if err != nil {
		logger.FromContext(r.Context()).Error("listing documents failed", "error", err)
		h.writeError(w, http.StatusServiceUnavailable, "document ledger unavailable")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"documents": records})
}

func (h *Handler) readPayload(w http.ResponseWriter, r *http.Request) (payload, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		return h.readMultipart(w, r)
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return payload{}, h.readError(err)
	}
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		filename = defaultTextFilename
	}
	return payload{
		upload: ingestion.Upload{Filename: filename, ContentType: mediaType, Size: int64(len(data))},
		data:   data,
	}, nil
}

func (h *Handler) readMultipart(w http.ResponseWriter, r *http.Request) (payload, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return payload{}, h.readError(err)
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		return payload{}, apperrors.Wrap(apperrors.ErrInvalidInput, "multipart field 'file' is required")
	}
	defer file.Close()
	if header.Size > h.maxBytes {
		return payload{}, apperrors.Wrap(apperrors.ErrPayloadTooLarge, "file must be at most %d bytes", h.maxBytes)
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return payload{}, fmt.Errorf("reading upload: %w", err)
	}
	return payload{
		upload: ingestion.Upload{
			Filename:    header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Size:        int64(len(data)),
		},
		data: data,
	}, nil
}

func (h *Handler) readError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return apperrors.Wrap(apperrors.ErrPayloadTooLarge, "file must be at most %d bytes", h.maxBytes)
	}
	return apperrors.Wrap(apperrors.ErrInvalidInput, "could not read upload: %v", err)
}

func (h *Handler) afterIngest(ctx context.Context, resp ingestion.IngestResponse, contentHash string, size int64, latency time.Duration) {
	log := logger.FromContext(ctx)
	requestID := middleware.GetRequestID(ctx)
	// The upload already succeeded; side effects get their own deadline.
	sideCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()

	if h.opts.Metrics != nil {
		h.opts.Metrics.ObserveCorpus(resp.Chunks, resp.Version)
	}
	if h.opts.Cache != nil {
		if err := h.opts.Cache.Invalidate(sideCtx); err != nil {
			log.Warn("cache invalidation after ingest failed", "error", err)
		}
	}
	if h.opts.Ledger != nil {
		err := h.opts.Ledger.Record(sideCtx, ledger.Record{
			ID:          resp.DocumentID,
			Filename:    resp.Filename,
			ContentHash: contentHash,
			SizeBytes:   size,
			Pages:       resp.Pages,
			Chunks:      resp.Chunks,
			Version:     resp.Version,
		})
		if err != nil {
			log.Error("ledger record failed", "doc_id", resp.DocumentID, "error", err)
		}
	}
	if h.opts.Publisher != nil {
		err := h.opts.Publisher.CorpusReplaced(sideCtx, ingestion.CorpusEvent{
			DocumentID:  resp.DocumentID,
			Filename:    resp.Filename,
			ContentHash: contentHash,
			Pages:       resp.Pages,
			Chunks:      resp.Chunks,
			Version:     resp.Version,
			RequestID:   requestID,
		})
		if err != nil {
			log.Warn("corpus event not published", "doc_id", resp.DocumentID, "error", err)
		}
	}
	if h.opts.Collector != nil {
		h.opts.Collector.Track(analytics.IngestionEvent{
			Type:          analytics.EventIngestion,
			DocumentID:    resp.DocumentID,
			Filename:      resp.Filename,
			Pages:         resp.Pages,
			Chunks:        resp.Chunks,
			CorpusVersion: resp.Version,
			LatencyMs:     latency.Milliseconds(),
			Timestamp:     time.Now().UTC(),
			RequestID:     requestID,
		})
	}
}

func (h *Handler) fail(w http.ResponseWriter, log *slog.Logger, err error) {
	status := apperrors.HTTPStatusCode(err)
	switch {
	case status >= http.StatusInternalServerError:
		log.Error("ingestion failed", "error", err, "status_code", status)
		h.countIngestion("error")
	default:
		log.Warn("upload rejected", "error", err, "status_code", status)
		h.countIngestion("rejected")
	}
	h.writeError(w, status, apperrors.PublicMessage(err))
}

func (h *Handler) countIngestion(status string) {
	if h.opts.Metrics != nil {
		h.opts.Metrics.IngestionsTotal.WithLabelValues(status).Inc()
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
