package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

// pgUniqueErr mimics the driver's unique_violation error shape.
type pgUniqueErr struct{}

func (pgUniqueErr) Error() string    { return "duplicate key value violates unique constraint" }
func (pgUniqueErr) SQLState() string { return "23505" }

func newPostgresMock(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db, nil), mock
}

func pgOutboxMockRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "message_id", "aggregate_type", "aggregate_id", "event_type",
		"destination_service", "destination_topic", "payload", "headers", "status",
		"retry_count", "last_error", "created_at", "processes_at", "published_at",
	})
}

func pgInboxMockRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "message_id", "source_service", "event_type", "payload", "headers",
		"status", "retry_count", "last_error", "received_at", "processes_at",
	})
}

func TestPostgresAppend(t *testing.T) {
	s, mock := newPostgresMock(t)

	mock.ExpectQuery(`INSERT INTO outbox_messages`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(7), time.Now()))

	msg := &OutboxMessage{
		EventType:          "order.created",
		DestinationService: "billing",
		Payload:            json.RawMessage(`{"k":1}`),
	}
	if err := s.Outbox().Append(context.Background(), nil, msg); err != nil {
		t.Fatalf("append: %v", err)
	}
	if msg.ID != 7 {
		t.Errorf("id = %d", msg.ID)
	}
	if msg.MessageID == "" {
		t.Error("message id must be generated")
	}
	if msg.Status != StatusPending {
		t.Errorf("status = %s", msg.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresAppendDuplicate(t *testing.T) {
	s, mock := newPostgresMock(t)

	mock.ExpectQuery(`INSERT INTO outbox_messages`).WillReturnError(pgUniqueErr{})

	msg := &OutboxMessage{
		MessageID:          "fixed-id",
		EventType:          "order.created",
		DestinationService: "billing",
		Payload:            json.RawMessage(`{}`),
	}
	err := s.Outbox().Append(context.Background(), nil, msg)
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestPostgresClaimHit(t *testing.T) {
	s, mock := newPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM outbox_messages`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(5)))
	mock.ExpectExec(`UPDATE outbox_messages SET status = 'PROCESSING'`).
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	claimed, err := s.Outbox().Claim(context.Background(), 5)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !claimed {
		t.Error("expected claim to succeed")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresClaimMiss(t *testing.T) {
	s, mock := newPostgresMock(t)

	// Row locked by another worker or already advanced: SKIP LOCKED
	// surfaces as no rows.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM outbox_messages`).
		WithArgs(int64(5)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	claimed, err := s.Outbox().Claim(context.Background(), 5)
	if err != nil {
		t.Fatalf("claim miss must not be an error: %v", err)
	}
	if claimed {
		t.Error("expected claim miss")
	}
}

func TestPostgresMarkPublishedRequiresProcessing(t *testing.T) {
	s, mock := newPostgresMock(t)

	mock.ExpectExec(`SET status = 'PUBLISHED'`).
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.Outbox().MarkPublished(context.Background(), 5)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("zero affected rows must surface ErrNotFound, got %v", err)
	}
}

func TestPostgresMarkFailed(t *testing.T) {
	s, mock := newPostgresMock(t)

	mock.ExpectExec(`SET status = 'FAILED'`).
		WithArgs(int64(5), "connection refused").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.Outbox().MarkFailed(context.Background(), 5, "connection refused"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresFetchPendingScansRows(t *testing.T) {
	s, mock := newPostgresMock(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT .+ FROM outbox_messages`).
		WillReturnRows(pgOutboxMockRows().AddRow(
			int64(1), "m1", "order", "42", "order.created",
			"billing", nil, `{"k":1}`, `{"X-Tenant":"acme"}`, "PENDING",
			0, nil, now, nil, nil,
		))

	msgs, err := s.Outbox().FetchPending(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("len = %d", len(msgs))
	}
	msg := msgs[0]
	if msg.MessageID != "m1" || msg.DestinationService != "billing" {
		t.Errorf("scan mismatch: %+v", msg)
	}
	if msg.Headers["X-Tenant"] != "acme" {
		t.Errorf("headers not unmarshalled: %v", msg.Headers)
	}
	if msg.Topic() != DefaultTopic {
		t.Errorf("nil destination_topic must fall back to default, got %q", msg.Topic())
	}
}

func TestPostgresAdmit(t *testing.T) {
	s, mock := newPostgresMock(t)

	mock.ExpectQuery(`INSERT INTO inbox_messages`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "received_at"}).AddRow(int64(3), time.Now()))

	msg := &InboxMessage{
		MessageID:     "in-1",
		SourceService: "svc-up",
		EventType:     "order.created",
		Payload:       json.RawMessage(`{}`),
	}
	inserted, err := s.Inbox().Admit(context.Background(), msg)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if !inserted || msg.ID != 3 {
		t.Errorf("inserted=%v id=%d", inserted, msg.ID)
	}
}

func TestPostgresAdmitDuplicate(t *testing.T) {
	s, mock := newPostgresMock(t)

	// ON CONFLICT DO NOTHING returns no rows for the loser of the race.
	mock.ExpectQuery(`INSERT INTO inbox_messages`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "received_at"}))

	msg := &InboxMessage{
		MessageID:     "in-1",
		SourceService: "svc-up",
		EventType:     "order.created",
		Payload:       json.RawMessage(`{}`),
	}
	inserted, err := s.Inbox().Admit(context.Background(), msg)
	if err != nil {
		t.Fatalf("duplicate admit must not be an error: %v", err)
	}
	if inserted {
		t.Error("expected duplicate signal")
	}
}

func TestPostgresProcessClaimedSuccess(t *testing.T) {
	s, mock := newPostgresMock(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM inbox_messages`).
		WithArgs(int64(4), "PENDING").
		WillReturnRows(pgInboxMockRows().AddRow(
			int64(4), "in-4", "svc-up", "order.created", `{"k":1}`, nil,
			"PENDING", 0, nil, now, nil,
		))
	mock.ExpectExec(`SET status = 'PROCESSING'`).
		WithArgs(int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`SET status = 'PROCESSED'`).
		WithArgs(int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var handled *InboxMessage
	outcome, err := s.Inbox().ProcessClaimed(context.Background(), 4, StatusPending, time.Second,
		func(ctx context.Context, msg *InboxMessage) error {
			handled = msg
			return nil
		})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if outcome != ClaimProcessed {
		t.Errorf("outcome = %v", outcome)
	}
	if handled == nil || handled.MessageID != "in-4" {
		t.Errorf("handler got %+v", handled)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresProcessClaimedHandlerFailure(t *testing.T) {
	s, mock := newPostgresMock(t)
	now := time.Now()
	handlerErr := errors.New("downstream rejected")

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM inbox_messages`).
		WillReturnRows(pgInboxMockRows().AddRow(
			int64(4), "in-4", "svc-up", "order.created", `{}`, nil,
			"PENDING", 0, nil, now, nil,
		))
	mock.ExpectExec(`SET status = 'PROCESSING'`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`SET status = 'FAILED'`).
		WithArgs(int64(4), "downstream rejected").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	outcome, err := s.Inbox().ProcessClaimed(context.Background(), 4, StatusPending, time.Second,
		func(ctx context.Context, msg *InboxMessage) error { return handlerErr })
	if !errors.Is(err, handlerErr) {
		t.Fatalf("expected handler error, got %v", err)
	}
	if outcome != ClaimFailed {
		t.Errorf("outcome = %v", outcome)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresReleaseStuck(t *testing.T) {
	s, mock := newPostgresMock(t)

	mock.ExpectExec(`SET status = 'PENDING' WHERE status = 'PROCESSING'`).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.Outbox().ReleaseStuck(context.Background(), time.Minute)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if n != 3 {
		t.Errorf("released = %d", n)
	}
}

func TestPostgresRetentionDeletes(t *testing.T) {
	s, mock := newPostgresMock(t)
	cutoff := time.Now().AddDate(0, 0, -30)

	mock.ExpectExec(`DELETE FROM outbox_messages`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`DELETE FROM inbox_messages`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if n, err := s.Outbox().DeletePublishedBefore(context.Background(), cutoff); err != nil || n != 2 {
		t.Errorf("outbox delete = %d, %v", n, err)
	}
	if n, err := s.Inbox().DeleteProcessedBefore(context.Background(), cutoff); err != nil || n != 1 {
		t.Errorf("inbox delete = %d, %v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPostgresGetByMessageIDNotFound(t *testing.T) {
	s, mock := newPostgresMock(t)

	mock.ExpectQuery(`SELECT .+ FROM outbox_messages`).
		WithArgs("missing").
		WillReturnRows(pgOutboxMockRows())

	_, err := s.Outbox().GetByMessageID(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
