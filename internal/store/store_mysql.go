package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.relaykit.dev/internal/common/repository"
)

// MySQLStore implements Store on MySQL 8+. The claim protocol is the
// same short-transaction FOR UPDATE SKIP LOCKED discipline as the
// PostgreSQL store; MySQL versions without SKIP LOCKED are not
// supported because claims would serialize on the row lock.
type MySQLStore struct {
	db     *sql.DB
	config *Config
	outbox *myOutbox
	inbox  *myInbox
}

// NewMySQLStore creates a MySQL-backed message store.
func NewMySQLStore(db *sql.DB, config *Config) *MySQLStore {
	if config == nil {
		config = DefaultConfig()
	}
	s := &MySQLStore{db: db, config: config}
	s.outbox = &myOutbox{s}
	s.inbox = &myInbox{s}
	return s
}

func (s *MySQLStore) Outbox() OutboxRepository { return s.outbox }
func (s *MySQLStore) Inbox() InboxRepository   { return s.inbox }

func (s *MySQLStore) Ping(ctx context.Context) error  { return s.db.PingContext(ctx) }
func (s *MySQLStore) Close(ctx context.Context) error { return s.db.Close() }

func (s *MySQLStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(&sqlTx{tx: tx, ctx: ctx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("rollback after %w: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// CreateSchema creates the outbox and inbox tables and indexes.
func (s *MySQLStore) CreateSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGINT AUTO_INCREMENT PRIMARY KEY,
				message_id CHAR(36) NOT NULL,
				aggregate_type VARCHAR(255) NOT NULL,
				aggregate_id VARCHAR(255) NOT NULL,
				event_type VARCHAR(255) NOT NULL,
				destination_service VARCHAR(255) NOT NULL,
				destination_topic VARCHAR(255),
				payload JSON NOT NULL,
				headers JSON,
				status VARCHAR(20) NOT NULL DEFAULT 'PENDING',
				retry_count SMALLINT NOT NULL DEFAULT 0,
				last_error TEXT,
				created_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
				processes_at TIMESTAMP(6) NULL,
				published_at TIMESTAMP(6) NULL,
				UNIQUE KEY uq_message_id (message_id),
				KEY idx_status_created (status, created_at),
				KEY idx_dest_status (destination_service, status),
				KEY idx_aggregate (aggregate_type, aggregate_id)
			)`, s.config.OutboxTable),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGINT AUTO_INCREMENT PRIMARY KEY,
				message_id CHAR(36) NOT NULL,
				source_service VARCHAR(255) NOT NULL,
				event_type VARCHAR(255) NOT NULL,
				payload JSON NOT NULL,
				headers JSON,
				status VARCHAR(20) NOT NULL DEFAULT 'PENDING',
				retry_count SMALLINT NOT NULL DEFAULT 0,
				last_error TEXT,
				received_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
				processes_at TIMESTAMP(6) NULL,
				UNIQUE KEY uq_message_id (message_id),
				KEY idx_status_received (status, received_at),
				KEY idx_event_type (event_type)
			)`, s.config.InboxTable),
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// myOutbox implements OutboxRepository.
type myOutbox struct {
	s *MySQLStore
}

func (r *myOutbox) table() string { return r.s.config.OutboxTable }

func (r *myOutbox) Append(ctx context.Context, tx Tx, msg *OutboxMessage) error {
	if msg.MessageID == "" {
		msg.MessageID = NewMessageID()
	}
	if msg.Status == "" {
		msg.Status = StatusPending
	}

	headers, err := marshalHeaders(msg.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (message_id, aggregate_type, aggregate_id, event_type,
			destination_service, destination_topic, payload, headers, status, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NOW(6))
	`, r.table())

	args := []any{
		msg.MessageID, msg.AggregateType, msg.AggregateID, msg.EventType,
		msg.DestinationService, nullString(msg.DestinationTopic),
		string(msg.Payload), headers, string(msg.Status),
	}

	var res sql.Result
	if tx != nil && tx.SQL() != nil {
		res, err = tx.SQL().ExecContext(ctx, query, args...)
	} else {
		res, err = r.s.db.ExecContext(ctx, query, args...)
	}
	if err != nil {
		if isMySQLDuplicate(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("append outbox message: %w", err)
	}

	msg.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	return nil
}

func (r *myOutbox) FetchPending(ctx context.Context, destination string, limit int) ([]*OutboxMessage, error) {
	return repository.Instrument(ctx, r.table(), "fetch_pending", func() ([]*OutboxMessage, error) {
		return r.fetchByStatus(ctx, StatusPending, destination, limit)
	})
}

func (r *myOutbox) FetchFailed(ctx context.Context, destination string, limit int) ([]*OutboxMessage, error) {
	return repository.Instrument(ctx, r.table(), "fetch_failed", func() ([]*OutboxMessage, error) {
		return r.fetchByStatus(ctx, StatusFailed, destination, limit)
	})
}

func (r *myOutbox) fetchByStatus(ctx context.Context, status Status, destination string, limit int) ([]*OutboxMessage, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE status = ? AND retry_count < ?
	`, pgOutboxColumns, r.table())
	args := []any{string(status), r.s.config.MaxRetries}

	if destination != "" {
		query += ` AND destination_service = ?`
		args = append(args, destination)
	}
	query += ` ORDER BY created_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := r.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", status, err)
	}
	defer rows.Close()

	return scanOutboxRows(rows)
}

func (r *myOutbox) Claim(ctx context.Context, id int64) (bool, error) {
	return repository.Instrument(ctx, r.table(), "claim", func() (bool, error) {
		tx, err := r.s.db.BeginTx(ctx, nil)
		if err != nil {
			return false, fmt.Errorf("begin claim: %w", err)
		}
		defer tx.Rollback()

		var claimed int64
		err = tx.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT id FROM %s WHERE id = ? AND status = 'PENDING' FOR UPDATE SKIP LOCKED`,
			r.table()), id).Scan(&claimed)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("select for claim: %w", err)
		}

		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET status = 'PROCESSING', processes_at = NOW(6) WHERE id = ?`,
			r.table()), id); err != nil {
			return false, fmt.Errorf("transition to processing: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("commit claim: %w", err)
		}
		return true, nil
	})
}

func (r *myOutbox) MarkPublished(ctx context.Context, id int64) error {
	return repository.InstrumentVoid(ctx, r.table(), "mark_published", func() error {
		res, err := r.s.db.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET status = 'PUBLISHED', published_at = NOW(6) WHERE id = ? AND status = 'PROCESSING'`,
			r.table()), id)
		if err != nil {
			return fmt.Errorf("mark published: %w", err)
		}
		return requireAffected(res, id, StatusProcessing)
	})
}

func (r *myOutbox) MarkFailed(ctx context.Context, id int64, lastError string) error {
	return repository.InstrumentVoid(ctx, r.table(), "mark_failed", func() error {
		res, err := r.s.db.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET status = 'FAILED', retry_count = retry_count + 1, last_error = ?
			 WHERE id = ? AND status = 'PROCESSING'`,
			r.table()), lastError, id)
		if err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		return requireAffected(res, id, StatusProcessing)
	})
}

func (r *myOutbox) ResetFailed(ctx context.Context, id int64) (bool, error) {
	return repository.Instrument(ctx, r.table(), "reset_failed", func() (bool, error) {
		res, err := r.s.db.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET status = 'PENDING' WHERE id = ? AND status = 'FAILED' AND retry_count < ?`,
			r.table()), id, r.s.config.MaxRetries)
		if err != nil {
			return false, fmt.Errorf("reset failed: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		return n > 0, nil
	})
}

func (r *myOutbox) ReleaseStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	return repository.Instrument(ctx, r.table(), "release_stuck", func() (int64, error) {
		cutoff := time.Now().Add(-olderThan)
		res, err := r.s.db.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET status = 'PENDING' WHERE status = 'PROCESSING' AND processes_at < ?`,
			r.table()), cutoff)
		if err != nil {
			return 0, fmt.Errorf("release stuck: %w", err)
		}
		return res.RowsAffected()
	})
}

func (r *myOutbox) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return repository.Instrument(ctx, r.table(), "delete_published", func() (int64, error) {
		res, err := r.s.db.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM %s WHERE status = 'PUBLISHED' AND published_at < ?`,
			r.table()), cutoff)
		if err != nil {
			return 0, fmt.Errorf("delete published: %w", err)
		}
		return res.RowsAffected()
	})
}

func (r *myOutbox) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	return countByStatus(ctx, r.s.db, r.table())
}

func (r *myOutbox) GetByMessageID(ctx context.Context, messageID string) (*OutboxMessage, error) {
	row := r.s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE message_id = ?`, pgOutboxColumns, r.table()), messageID)
	msg, err := scanOutboxRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return msg, err
}

// myInbox implements InboxRepository.
type myInbox struct {
	s *MySQLStore
}

func (r *myInbox) table() string { return r.s.config.InboxTable }

func (r *myInbox) Admit(ctx context.Context, msg *InboxMessage) (bool, error) {
	return repository.Instrument(ctx, r.table(), "admit", func() (bool, error) {
		if msg.Status == "" {
			msg.Status = StatusPending
		}
		headers, err := marshalHeaders(msg.Headers)
		if err != nil {
			return false, fmt.Errorf("marshal headers: %w", err)
		}

		// INSERT IGNORE relies on the UNIQUE(message_id) constraint; zero
		// affected rows is the duplicate signal.
		res, err := r.s.db.ExecContext(ctx, fmt.Sprintf(`
			INSERT IGNORE INTO %s (message_id, source_service, event_type, payload, headers, status, retry_count, received_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, NOW(6))
		`, r.table()),
			msg.MessageID, msg.SourceService, msg.EventType,
			string(msg.Payload), headers, string(msg.Status))
		if err != nil {
			return false, fmt.Errorf("admit inbox message: %w", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, nil
		}

		msg.ID, err = res.LastInsertId()
		if err != nil {
			return false, fmt.Errorf("last insert id: %w", err)
		}
		if msg.ReceivedAt.IsZero() {
			msg.ReceivedAt = time.Now()
		}
		return true, nil
	})
}

func (r *myInbox) FetchByStatus(ctx context.Context, status Status, limit int) ([]*InboxMessage, error) {
	return repository.Instrument(ctx, r.table(), "fetch_by_status", func() ([]*InboxMessage, error) {
		rows, err := r.s.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT %s FROM %s
			WHERE status = ? AND retry_count < ?
			ORDER BY received_at ASC
			LIMIT ?
		`, pgInboxColumns, r.table()), string(status), r.s.config.MaxRetries, limit)
		if err != nil {
			return nil, fmt.Errorf("fetch by status: %w", err)
		}
		defer rows.Close()

		return scanInboxRows(rows)
	})
}

func (r *myInbox) ProcessClaimed(ctx context.Context, id int64, from Status, timeout time.Duration,
	fn func(ctx context.Context, msg *InboxMessage) error) (ClaimOutcome, error) {

	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return ClaimMissed, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE id = ? AND status = ? FOR UPDATE SKIP LOCKED`,
		pgInboxColumns, r.table()), id, string(from))
	msg, err := scanInboxRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ClaimMissed, nil
	}
	if err != nil {
		return ClaimMissed, fmt.Errorf("select for claim: %w", err)
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET status = 'PROCESSING', processes_at = NOW(6) WHERE id = ?`,
		r.table()), id); err != nil {
		return ClaimMissed, fmt.Errorf("transition to processing: %w", err)
	}

	hctx, cancel := context.WithTimeout(ctx, timeout)
	handlerErr := fn(hctx, msg)
	cancel()

	if handlerErr != nil {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET status = 'FAILED', retry_count = retry_count + 1, last_error = ? WHERE id = ?`,
			r.table()), handlerErr.Error(), id); err != nil {
			return ClaimMissed, fmt.Errorf("mark failed: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return ClaimMissed, fmt.Errorf("commit failure mark: %w", err)
		}
		return ClaimFailed, handlerErr
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET status = 'PROCESSED' WHERE id = ?`, r.table()), id); err != nil {
		return ClaimMissed, fmt.Errorf("mark processed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return ClaimMissed, fmt.Errorf("commit claim: %w", err)
	}
	return ClaimProcessed, nil
}

func (r *myInbox) ReleaseStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	return repository.Instrument(ctx, r.table(), "release_stuck", func() (int64, error) {
		cutoff := time.Now().Add(-olderThan)
		res, err := r.s.db.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET status = 'PENDING' WHERE status = 'PROCESSING' AND processes_at < ?`,
			r.table()), cutoff)
		if err != nil {
			return 0, fmt.Errorf("release stuck: %w", err)
		}
		return res.RowsAffected()
	})
}

func (r *myInbox) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return repository.Instrument(ctx, r.table(), "delete_processed", func() (int64, error) {
		res, err := r.s.db.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM %s WHERE status = 'PROCESSED' AND processes_at < ?`,
			r.table()), cutoff)
		if err != nil {
			return 0, fmt.Errorf("delete processed: %w", err)
		}
		return res.RowsAffected()
	})
}

func (r *myInbox) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	return countByStatus(ctx, r.s.db, r.table())
}

func (r *myInbox) GetByMessageID(ctx context.Context, messageID string) (*InboxMessage, error) {
	row := r.s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE message_id = ?`, pgInboxColumns, r.table()), messageID)
	msg, err := scanInboxRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return msg, err
}

// isMySQLDuplicate detects error 1062 (ER_DUP_ENTRY) without importing
// the driver's error type.
func isMySQLDuplicate(err error) bool {
	type numbered interface{ Number() uint16 }
	var n numbered
	if errors.As(err, &n) {
		return n.Number() == 1062
	}
	return false
}
