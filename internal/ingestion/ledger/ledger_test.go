package ledger

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/pkg/postgres"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/pkg/resilience"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

func newMockLedger(t *testing.T) (*Ledger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	l := New(postgres.NewFromDB(db),
		WithRetry(resilience.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond}),
		WithTimeout(time.Second),
	)
	return l, mock
}

var sampleRecord = Record{
	ID:          "7d0f2a4e-1c1b-4e43-9a55-1f2b8f4f9d10",
	Filename:    "loans.pdf",
	ContentHash: "abc123",
	SizeBytes:   2048,
	Pages:       3,
	Chunks:      9,
	Version:     4,
	IngestedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
}

func expectRecord(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE kb_documents SET active = FALSE WHERE active")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO kb_documents")).
		WithArgs(sampleRecord.ID, "loans.pdf", "abc123", int64(2048), 3, 9, int64(4), sampleRecord.IngestedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

func TestEnsureSchema(t *testing.T) {
	l, mock := newMockLedger(t)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS kb_documents")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := l.EnsureSchema(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRecord(t *testing.T) {
	l, mock := newMockLedger(t)
	expectRecord(mock)
	if err := l.Record(context.Background(), sampleRecord); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRecordRetriesTransientFailure(t *testing.T) {
	l, mock := newMockLedger(t)
	mock.ExpectBegin().WillReturnError(errors.New("connection reset by peer"))
	expectRecord(mock)
	if err := l.Record(context.Background(), sampleRecord); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRecordDoesNotRetryConstraintViolation(t *testing.T) {
	l, mock := newMockLedger(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE kb_documents")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO kb_documents")).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value"})
	mock.ExpectRollback()

	err := l.Record(context.Background(), sampleRecord)
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		t.Fatalf("err = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMarkCleared(t *testing.T) {
	l, mock := newMockLedger(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE kb_documents SET active = FALSE WHERE active")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	if err := l.MarkCleared(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRecent(t *testing.T) {
	l, mock := newMockLedger(t)
	rows := sqlmock.NewRows([]string{"id", "filename", "content_hash", "size_bytes", "pages", "chunks", "corpus_version", "active", "ingested_at"}).
		AddRow("b", "new.pdf", "h2", int64(10), 1, 2, int64(5), true, time.Unix(200, 0)).
		AddRow("a", "old.pdf", "h1", int64(20), 2, 4, int64(3), false, time.Unix(100, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM kb_documents ORDER BY ingested_at DESC LIMIT $1")).
		WithArgs(20).
		WillReturnRows(rows)

	got, err := l.Recent(context.Background(), 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "b" || !got[0].Active || got[1].Version != 3 {
		t.Errorf("records = %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
