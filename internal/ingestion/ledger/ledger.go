// Package ledger keeps an audit trail of uploaded documents in PostgreSQL:
// which document was ingested, when, and which one is currently active.
// The corpus itself is never reloaded from here.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/pkg/resilience"
	"github.com/lib/pq"
)

const schema = `CREATE TABLE IF NOT EXISTS kb_documents (
	id             UUID PRIMARY KEY,
	filename       TEXT NOT NULL,
	content_hash   TEXT NOT NULL,
	size_bytes     BIGINT NOT NULL,
	pages          INTEGER NOT NULL,
	chunks         INTEGER NOT NULL,
	corpus_version BIGINT NOT NULL,
	active         BOOLEAN NOT NULL DEFAULT TRUE,
	ingested_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// Record is one ledger row.
type Record struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	ContentHash string    `json:"content_hash"`
	SizeBytes   int64     `json:"size_bytes"`
	Pages       int       `json:"pages"`
	Chunks      int       `json:"chunks"`
	Version     uint64    `json:"corpus_version"`
	Active      bool      `json:"active"`
	IngestedAt  time.Time `json:"ingested_at"`
}

type Ledger struct {
	db      *postgres.Client
	retry   resilience.RetryConfig
	timeout time.Duration
	logger  *slog.Logger
}

type Option func(*Ledger)

func WithRetry(cfg resilience.RetryConfig) Option {
	return func(l *Ledger) { l.retry = cfg }
}

// WithTimeout bounds every ledger write, retries included.
func WithTimeout(d time.Duration) Option {
	return func(l *Ledger) { l.timeout = d }
}

func New(db *postgres.Client, opts ...Option) *Ledger {
	l := &Ledger{
		db:      db,
		retry:   resilience.RetryConfig{MaxAttempts: 3, InitialDelay: 50 * time.Millisecond},
		timeout: 5 * time.Second,
		logger:  slog.Default().With("component", "ledger"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) EnsureSchema(ctx context.Context) error {
	if _, err := l.db.DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating ledger schema: %w", err)
	}
	return nil
}

func (l *Ledger) Ping(ctx context.Context) error {
	return l.db.Ping(ctx)
}

// Record stores rec as the only active document.
func (l *Ledger) Record(ctx context.Context, rec Record) error {
	if rec.IngestedAt.IsZero() {
		rec.IngestedAt = time.Now().UTC()
	}
	err := l.write(ctx, "ledger-record", func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE kb_documents SET active = FALSE WHERE active`); err != nil {
			return fmt.Errorf("deactivating previous document: %w", err)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO kb_documents (id, filename, content_hash, size_bytes, pages, chunks, corpus_version, active, ingested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, $8)`,
			rec.ID, rec.Filename, rec.ContentHash, rec.SizeBytes, rec.Pages, rec.Chunks, int64(rec.Version), rec.IngestedAt)
		if err != nil {
			return fmt.Errorf("inserting document %s: %w", rec.ID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	l.logger.Debug("document recorded", "doc_id", rec.ID, "version", rec.Version)
	return nil
}

// MarkCleared deactivates every document after the corpus was emptied.
func (l *Ledger) MarkCleared(ctx context.Context) error {
	return l.write(ctx, "ledger-clear", func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE kb_documents SET active = FALSE WHERE active`); err != nil {
			return fmt.Errorf("deactivating documents: %w", err)
		}
		return nil
	})
}

// Recent returns the newest limit documents, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := l.db.DB.QueryContext(ctx,
		`SELECT id, filename, content_hash, size_bytes, pages, chunks, corpus_version, active, ingested_at
		FROM kb_documents ORDER BY ingested_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent documents: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0, limit)
	for rows.Next() {
		var rec Record
		var version int64
		if err := rows.Scan(&rec.ID, &rec.Filename, &rec.ContentHash, &rec.SizeBytes,
			&rec.Pages, &rec.Chunks, &version, &rec.Active, &rec.IngestedAt); err != nil {
			return nil, fmt.Errorf("scanning document row: %w", err)
		}
		rec.Version = uint64(version)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating document rows: %w", err)
	}
	return records, nil
}

func (l *Ledger) write(ctx context.Context, name string, fn func(ctx context.Context, tx *sql.Tx) error) error {
	return resilience.WithTimeout(ctx, l.timeout, name, func(ctx context.Context) error {
		return resilience.Retry(ctx, name, l.retry, func() error {
			err := l.db.InTx(ctx, func(tx *sql.Tx) error { return fn(ctx, tx) })
			if isPermanent(err) {
				return resilience.Permanent(err)
			}
			return err
		})
	})
}

// isPermanent reports constraint violations, which retrying cannot fix.
func isPermanent(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code.Class() == "23"
}
