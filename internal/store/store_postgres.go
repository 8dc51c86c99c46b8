package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.relaykit.dev/internal/common/repository"
)

// PostgresStore implements Store on PostgreSQL. Exclusive row ownership
// uses short transactions with FOR UPDATE SKIP LOCKED: a claim re-selects
// the candidate row under the status predicate, transitions it, and
// commits. Competing workers skip instead of blocking.
type PostgresStore struct {
	db     *sql.DB
	config *Config
	outbox *pgOutbox
	inbox  *pgInbox
}

// NewPostgresStore creates a PostgreSQL-backed message store.
func NewPostgresStore(db *sql.DB, config *Config) *PostgresStore {
	if config == nil {
		config = DefaultConfig()
	}
	s := &PostgresStore{db: db, config: config}
	s.outbox = &pgOutbox{s}
	s.inbox = &pgInbox{s}
	return s
}

func (s *PostgresStore) Outbox() OutboxRepository { return s.outbox }
func (s *PostgresStore) Inbox() InboxRepository   { return s.inbox }

func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *PostgresStore) Close(ctx context.Context) error { return s.db.Close() }

// sqlTx adapts *sql.Tx to the Tx handle used by the producer.
type sqlTx struct {
	tx  *sql.Tx
	ctx context.Context
}

func (t *sqlTx) SQL() *sql.Tx            { return t.tx }
func (t *sqlTx) Context() context.Context { return t.ctx }

// InTx runs fn inside a single database transaction.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
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
func (s *PostgresStore) CreateSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				message_id UUID NOT NULL UNIQUE,
				aggregate_type VARCHAR(255) NOT NULL,
				aggregate_id VARCHAR(255) NOT NULL,
				event_type VARCHAR(255) NOT NULL,
				destination_service VARCHAR(255) NOT NULL,
				destination_topic VARCHAR(255),
				payload JSONB NOT NULL,
				headers JSONB,
				status VARCHAR(20) NOT NULL DEFAULT 'PENDING',
				retry_count SMALLINT NOT NULL DEFAULT 0,
				last_error TEXT,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				processes_at TIMESTAMPTZ,
				published_at TIMESTAMPTZ
			)`, s.config.OutboxTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_status_created ON %[1]s(status, created_at)`, s.config.OutboxTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_dest_status ON %[1]s(destination_service, status)`, s.config.OutboxTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_aggregate ON %[1]s(aggregate_type, aggregate_id)`, s.config.OutboxTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_processes_at ON %[1]s(processes_at) WHERE status = 'PROCESSING'`, s.config.OutboxTable),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				message_id UUID NOT NULL UNIQUE,
				source_service VARCHAR(255) NOT NULL,
				event_type VARCHAR(255) NOT NULL,
				payload JSONB NOT NULL,
				headers JSONB,
				status VARCHAR(20) NOT NULL DEFAULT 'PENDING',
				retry_count SMALLINT NOT NULL DEFAULT 0,
				last_error TEXT,
				received_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				processes_at TIMESTAMPTZ
			)`, s.config.InboxTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_status_received ON %[1]s(status, received_at)`, s.config.InboxTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_event_type ON %[1]s(event_type)`, s.config.InboxTable),
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

const pgOutboxColumns = `id, message_id, aggregate_type, aggregate_id, event_type,
	destination_service, destination_topic, payload, headers, status,
	retry_count, last_error, created_at, processes_at, published_at`

const pgInboxColumns = `id, message_id, source_service, event_type, payload, headers,
	status, retry_count, last_error, received_at, processes_at`

// pgOutbox implements OutboxRepository.
type pgOutbox struct {
	s *PostgresStore
}

func (r *pgOutbox) table() string { return r.s.config.OutboxTable }

func (r *pgOutbox) Append(ctx context.Context, tx Tx, msg *OutboxMessage) error {
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
			destination_service, destination_topic, payload, headers, status, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0)
		RETURNING id, created_at
	`, r.table())

	var row *sql.Row
	args := []any{
		msg.MessageID, msg.AggregateType, msg.AggregateID, msg.EventType,
		msg.DestinationService, nullString(msg.DestinationTopic),
		string(msg.Payload), headers, string(msg.Status),
	}
	if tx != nil && tx.SQL() != nil {
		row = tx.SQL().QueryRowContext(ctx, query, args...)
	} else {
		row = r.s.db.QueryRowContext(ctx, query, args...)
	}

	if err := row.Scan(&msg.ID, &msg.CreatedAt); err != nil {
		if isPgUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("append outbox message: %w", err)
	}
	return nil
}

func (r *pgOutbox) FetchPending(ctx context.Context, destination string, limit int) ([]*OutboxMessage, error) {
	return repository.Instrument(ctx, r.table(), "fetch_pending", func() ([]*OutboxMessage, error) {
		query := fmt.Sprintf(`
			SELECT %s FROM %s
			WHERE status = 'PENDING' AND retry_count < $1
		`, pgOutboxColumns, r.table())
		args := []any{r.s.config.MaxRetries}

		if destination != "" {
			query += ` AND destination_service = $3 ORDER BY created_at ASC LIMIT $2`
			args = append(args, limit, destination)
		} else {
			query += ` ORDER BY created_at ASC LIMIT $2`
			args = append(args, limit)
		}

		rows, err := r.s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("fetch pending: %w", err)
		}
		defer rows.Close()

		return scanOutboxRows(rows)
	})
}

func (r *pgOutbox) Claim(ctx context.Context, id int64) (bool, error) {
	return repository.Instrument(ctx, r.table(), "claim", func() (bool, error) {
		tx, err := r.s.db.BeginTx(ctx, nil)
		if err != nil {
			return false, fmt.Errorf("begin claim: %w", err)
		}
		defer tx.Rollback()

		var claimed int64
		err = tx.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT id FROM %s WHERE id = $1 AND status = 'PENDING' FOR UPDATE SKIP LOCKED`,
			r.table()), id).Scan(&claimed)
		if errors.Is(err, sql.ErrNoRows) {
			// another worker owns the row or it already advanced
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("select for claim: %w", err)
		}

		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET status = 'PROCESSING', processes_at = NOW() WHERE id = $1`,
			r.table()), id); err != nil {
			return false, fmt.Errorf("transition to processing: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("commit claim: %w", err)
		}
		return true, nil
	})
}

func (r *pgOutbox) MarkPublished(ctx context.Context, id int64) error {
	return repository.InstrumentVoid(ctx, r.table(), "mark_published", func() error {
		res, err := r.s.db.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET status = 'PUBLISHED', published_at = NOW() WHERE id = $1 AND status = 'PROCESSING'`,
			r.table()), id)
		if err != nil {
			return fmt.Errorf("mark published: %w", err)
		}
		return requireAffected(res, id, StatusProcessing)
	})
}

func (r *pgOutbox) MarkFailed(ctx context.Context, id int64, lastError string) error {
	return repository.InstrumentVoid(ctx, r.table(), "mark_failed", func() error {
		res, err := r.s.db.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET status = 'FAILED', retry_count = retry_count + 1, last_error = $2
			 WHERE id = $1 AND status = 'PROCESSING'`,
			r.table()), id, lastError)
		if err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		return requireAffected(res, id, StatusProcessing)
	})
}

func (r *pgOutbox) FetchFailed(ctx context.Context, destination string, limit int) ([]*OutboxMessage, error) {
	return repository.Instrument(ctx, r.table(), "fetch_failed", func() ([]*OutboxMessage, error) {
		query := fmt.Sprintf(`
			SELECT %s FROM %s
			WHERE status = 'FAILED' AND retry_count < $1
		`, pgOutboxColumns, r.table())
		args := []any{r.s.config.MaxRetries}

		if destination != "" {
			query += ` AND destination_service = $3 ORDER BY created_at ASC LIMIT $2`
			args = append(args, limit, destination)
		} else {
			query += ` ORDER BY created_at ASC LIMIT $2`
			args = append(args, limit)
		}

		rows, err := r.s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("fetch failed: %w", err)
		}
		defer rows.Close()

		return scanOutboxRows(rows)
	})
}

func (r *pgOutbox) ResetFailed(ctx context.Context, id int64) (bool, error) {
	return repository.Instrument(ctx, r.table(), "reset_failed", func() (bool, error) {
		res, err := r.s.db.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET status = 'PENDING' WHERE id = $1 AND status = 'FAILED' AND retry_count < $2`,
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

func (r *pgOutbox) ReleaseStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	return repository.Instrument(ctx, r.table(), "release_stuck", func() (int64, error) {
		cutoff := time.Now().Add(-olderThan)
		res, err := r.s.db.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET status = 'PENDING' WHERE status = 'PROCESSING' AND processes_at < $1`,
			r.table()), cutoff)
		if err != nil {
			return 0, fmt.Errorf("release stuck: %w", err)
		}
		return res.RowsAffected()
	})
}

func (r *pgOutbox) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return repository.Instrument(ctx, r.table(), "delete_published", func() (int64, error) {
		res, err := r.s.db.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM %s WHERE status = 'PUBLISHED' AND published_at < $1`,
			r.table()), cutoff)
		if err != nil {
			return 0, fmt.Errorf("delete published: %w", err)
		}
		return res.RowsAffected()
	})
}

func (r *pgOutbox) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	return countByStatus(ctx, r.s.db, r.table())
}

func (r *pgOutbox) GetByMessageID(ctx context.Context, messageID string) (*OutboxMessage, error) {
	row := r.s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE message_id = $1`, pgOutboxColumns, r.table()), messageID)
	msg, err := scanOutboxRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return msg, err
}

// pgInbox implements InboxRepository.
type pgInbox struct {
	s *PostgresStore
}

func (r *pgInbox) table() string { return r.s.config.InboxTable }

func (r *pgInbox) Admit(ctx context.Context, msg *InboxMessage) (bool, error) {
	return repository.Instrument(ctx, r.table(), "admit", func() (bool, error) {
		if msg.Status == "" {
			msg.Status = StatusPending
		}
		headers, err := marshalHeaders(msg.Headers)
		if err != nil {
			return false, fmt.Errorf("marshal headers: %w", err)
		}

		// The UNIQUE constraint on message_id is the idempotency authority;
		// ON CONFLICT DO NOTHING turns the race into a clean duplicate signal.
		err = r.s.db.QueryRowContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (message_id, source_service, event_type, payload, headers, status, retry_count)
			VALUES ($1, $2, $3, $4, $5, $6, 0)
			ON CONFLICT (message_id) DO NOTHING
			RETURNING id, received_at
		`, r.table()),
			msg.MessageID, msg.SourceService, msg.EventType,
			string(msg.Payload), headers, string(msg.Status),
		).Scan(&msg.ID, &msg.ReceivedAt)

		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("admit inbox message: %w", err)
		}
		return true, nil
	})
}

func (r *pgInbox) FetchByStatus(ctx context.Context, status Status, limit int) ([]*InboxMessage, error) {
	return repository.Instrument(ctx, r.table(), "fetch_by_status", func() ([]*InboxMessage, error) {
		rows, err := r.s.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT %s FROM %s
			WHERE status = $1 AND retry_count < $2
			ORDER BY received_at ASC
			LIMIT $3
		`, pgInboxColumns, r.table()), string(status), r.s.config.MaxRetries, limit)
		if err != nil {
			return nil, fmt.Errorf("fetch by status: %w", err)
		}
		defer rows.Close()

		return scanInboxRows(rows)
	})
}

func (r *pgInbox) ProcessClaimed(ctx context.Context, id int64, from Status, timeout time.Duration,
	fn func(ctx context.Context, msg *InboxMessage) error) (ClaimOutcome, error) {

	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return ClaimMissed, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE id = $1 AND status = $2 FOR UPDATE SKIP LOCKED`,
		pgInboxColumns, r.table()), id, string(from))
	msg, err := scanInboxRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ClaimMissed, nil
	}
	if err != nil {
		return ClaimMissed, fmt.Errorf("select for claim: %w", err)
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET status = 'PROCESSING', processes_at = NOW() WHERE id = $1`,
		r.table()), id); err != nil {
		return ClaimMissed, fmt.Errorf("transition to processing: %w", err)
	}

	// Handler runs inside the claim transaction; the timeout bounds how
	// long the row lock is held.
	hctx, cancel := context.WithTimeout(ctx, timeout)
	handlerErr := fn(hctx, msg)
	cancel()

	if handlerErr != nil {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET status = 'FAILED', retry_count = retry_count + 1, last_error = $2 WHERE id = $1`,
			r.table()), id, handlerErr.Error()); err != nil {
			return ClaimMissed, fmt.Errorf("mark failed: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return ClaimMissed, fmt.Errorf("commit failure mark: %w", err)
		}
		return ClaimFailed, handlerErr
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET status = 'PROCESSED' WHERE id = $1`, r.table()), id); err != nil {
		return ClaimMissed, fmt.Errorf("mark processed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return ClaimMissed, fmt.Errorf("commit claim: %w", err)
	}
	return ClaimProcessed, nil
}

func (r *pgInbox) ReleaseStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	return repository.Instrument(ctx, r.table(), "release_stuck", func() (int64, error) {
		cutoff := time.Now().Add(-olderThan)
		res, err := r.s.db.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET status = 'PENDING' WHERE status = 'PROCESSING' AND processes_at < $1`,
			r.table()), cutoff)
		if err != nil {
			return 0, fmt.Errorf("release stuck: %w", err)
		}
		return res.RowsAffected()
	})
}

func (r *pgInbox) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return repository.Instrument(ctx, r.table(), "delete_processed", func() (int64, error) {
		res, err := r.s.db.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM %s WHERE status = 'PROCESSED' AND processes_at < $1`,
			r.table()), cutoff)
		if err != nil {
			return 0, fmt.Errorf("delete processed: %w", err)
		}
		return res.RowsAffected()
	})
}

func (r *pgInbox) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	return countByStatus(ctx, r.s.db, r.table())
}

func (r *pgInbox) GetByMessageID(ctx context.Context, messageID string) (*InboxMessage, error) {
	row := r.s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE message_id = $1`, pgInboxColumns, r.table()), messageID)
	msg, err := scanInboxRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return msg, err
}

// Shared SQL scan helpers. The MySQL store reuses them; column order is
// identical across dialects.

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutboxRow(row rowScanner) (*OutboxMessage, error) {
	var msg OutboxMessage
	var topic, lastError, headers sql.NullString
	var payload string
	var processesAt, publishedAt sql.NullTime

	err := row.Scan(
		&msg.ID, &msg.MessageID, &msg.AggregateType, &msg.AggregateID,
		&msg.EventType, &msg.DestinationService, &topic, &payload, &headers,
		&msg.Status, &msg.RetryCount, &lastError, &msg.CreatedAt,
		&processesAt, &publishedAt,
	)
	if err != nil {
		return nil, err
	}

	msg.Payload = json.RawMessage(payload)
	msg.DestinationTopic = topic.String
	msg.LastError = lastError.String
	if headers.Valid && headers.String != "" {
		if err := json.Unmarshal([]byte(headers.String), &msg.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal headers: %w", err)
		}
	}
	if processesAt.Valid {
		msg.ProcessesAt = &processesAt.Time
	}
	if publishedAt.Valid {
		msg.PublishedAt = &publishedAt.Time
	}
	return &msg, nil
}

func scanOutboxRows(rows *sql.Rows) ([]*OutboxMessage, error) {
	var msgs []*OutboxMessage
	for rows.Next() {
		msg, err := scanOutboxRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return msgs, nil
}

func scanInboxRow(row rowScanner) (*InboxMessage, error) {
	var msg InboxMessage
	var lastError, headers sql.NullString
	var payload string
	var processesAt sql.NullTime

	err := row.Scan(
		&msg.ID, &msg.MessageID, &msg.SourceService, &msg.EventType,
		&payload, &headers, &msg.Status, &msg.RetryCount, &lastError,
		&msg.ReceivedAt, &processesAt,
	)
	if err != nil {
		return nil, err
	}

	msg.Payload = json.RawMessage(payload)
	msg.LastError = lastError.String
	if headers.Valid && headers.String != "" {
		if err := json.Unmarshal([]byte(headers.String), &msg.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal headers: %w", err)
		}
	}
	if processesAt.Valid {
		msg.ProcessesAt = &processesAt.Time
	}
	return &msg, nil
}

func scanInboxRows(rows *sql.Rows) ([]*InboxMessage, error) {
	var msgs []*InboxMessage
	for rows.Next() {
		msg, err := scanInboxRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan inbox row: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return msgs, nil
}

func countByStatus(ctx context.Context, db *sql.DB, table string) (map[Status]int64, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(
		`SELECT status, COUNT(*) FROM %s GROUP BY status`, table))
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

func marshalHeaders(headers map[string]string) (sql.NullString, error) {
	if len(headers) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(headers)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// requireAffected surfaces a state-machine violation: the row was not in
// the status the transition assumed.
func requireAffected(res sql.Result, id int64, expected Status) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("message %d is not in %s: %w", id, expected, ErrNotFound)
	}
	return nil
}

// isPgUniqueViolation detects the 23505 unique_violation error class
// without depending on the driver's error type.
func isPgUniqueViolation(err error) bool {
	type coder interface{ SQLState() string }
	var c coder
	if errors.As(err, &c) {
		return c.SQLState() == "23505"
	}
	return false
}
