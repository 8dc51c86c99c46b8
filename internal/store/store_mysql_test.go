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

// mysqlDupErr mimics the driver's ER_DUP_ENTRY error shape.
type mysqlDupErr struct{}

func (mysqlDupErr) Error() string  { return "Error 1062: Duplicate entry" }
func (mysqlDupErr) Number() uint16 { return 1062 }

func newMySQLMock(t *testing.T) (*MySQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewMySQLStore(db, nil), mock
}

func TestMySQLAppendUsesLastInsertID(t *testing.T) {
	s, mock := newMySQLMock(t)

	mock.ExpectExec(`INSERT INTO outbox_messages`).
		WillReturnResult(sqlmock.NewResult(42, 1))

	msg := &OutboxMessage{
		EventType:          "order.created",
		DestinationService: "billing",
		Payload:            json.RawMessage(`{"k":1}`),
	}
	if err := s.Outbox().Append(context.Background(), nil, msg); err != nil {
		t.Fatalf("append: %v", err)
	}
	if msg.ID != 42 {
		t.Errorf("id = %d", msg.ID)
	}
	if msg.MessageID == "" {
		t.Error("message id must be generated")
	}
	if msg.CreatedAt.IsZero() {
		t.Error("created_at must be set")
	}
}

func TestMySQLAppendDuplicate(t *testing.T) {
	s, mock := newMySQLMock(t)

	mock.ExpectExec(`INSERT INTO outbox_messages`).WillReturnError(mysqlDupErr{})

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

func TestMySQLClaimHit(t *testing.T) {
	s, mock := newMySQLMock(t)

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

func TestMySQLClaimMiss(t *testing.T) {
	s, mock := newMySQLMock(t)

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

func TestMySQLMarkFailedIncrementsRetry(t *testing.T) {
	s, mock := newMySQLMock(t)

	mock.ExpectExec(`SET status = 'FAILED', retry_count = retry_count`).
		WithArgs("timeout", int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.Outbox().MarkFailed(context.Background(), 5, "timeout"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMySQLMarkPublishedRequiresProcessing(t *testing.T) {
	s, mock := newMySQLMock(t)

	mock.ExpectExec(`SET status = 'PUBLISHED'`).
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.Outbox().MarkPublished(context.Background(), 5)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("zero affected rows must surface ErrNotFound, got %v", err)
	}
}

func TestMySQLAdmitInsertIgnore(t *testing.T) {
	s, mock := newMySQLMock(t)

	mock.ExpectExec(`INSERT IGNORE INTO inbox_messages`).
		WillReturnResult(sqlmock.NewResult(7, 1))

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
	if !inserted || msg.ID != 7 {
		t.Errorf("inserted=%v id=%d", inserted, msg.ID)
	}
}

func TestMySQLAdmitDuplicateZeroAffected(t *testing.T) {
	s, mock := newMySQLMock(t)

	// INSERT IGNORE reports zero affected rows when the UNIQUE
	// constraint swallows the insert.
	mock.ExpectExec(`INSERT IGNORE INTO inbox_messages`).
		WillReturnResult(sqlmock.NewResult(0, 0))

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

func TestMySQLProcessClaimedHandlerFailure(t *testing.T) {
	s, mock := newMySQLMock(t)
	now := time.Now()
	handlerErr := errors.New("downstream rejected")

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM inbox_messages`).
		WithArgs(int64(4), "PENDING").
		WillReturnRows(pgInboxMockRows().AddRow(
			int64(4), "in-4", "svc-up", "order.created", `{}`, nil,
			"PENDING", 0, nil, now, nil,
		))
	mock.ExpectExec(`SET status = 'PROCESSING'`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`SET status = 'FAILED'`).
		WithArgs("downstream rejected", int64(4)).
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

func TestMySQLFetchPendingFilter(t *testing.T) {
	s, mock := newMySQLMock(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT .+ FROM outbox_messages`).
		WithArgs("PENDING", 5, "billing", 10).
		WillReturnRows(pgOutboxMockRows().AddRow(
			int64(1), "m1", "order", "42", "order.created",
			"billing", "orders", `{"k":1}`, nil, "PENDING",
			0, nil, now, nil, nil,
		))

	msgs, err := s.Outbox().FetchPending(context.Background(), "billing", 10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Topic() != "orders" {
		t.Errorf("unexpected rows: %+v", msgs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMySQLReleaseStuck(t *testing.T) {
	s, mock := newMySQLMock(t)

	mock.ExpectExec(`SET status = 'PENDING' WHERE status = 'PROCESSING'`).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := s.Inbox().ReleaseStuck(context.Background(), time.Minute)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if n != 2 {
		t.Errorf("released = %d", n)
	}
}
