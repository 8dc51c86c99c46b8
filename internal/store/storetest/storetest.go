// Package storetest provides an in-memory store.Store for worker and
// producer tests. Claims are mutex-serialized, which preserves the
// exactly-one-claimant property the SQL and Mongo backends get from row
// locks and conditional updates.
package storetest

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"go.relaykit.dev/internal/store"
)

// MemoryStore is an in-memory store.Store implementation.
type MemoryStore struct {
	mu         sync.Mutex
	nextID     int64
	outboxRows map[int64]*store.OutboxMessage
	inboxRows  map[int64]*store.InboxMessage
	config     *store.Config

	outbox *memOutbox
	inbox  *memInbox

	// FailInTx forces InTx to return this error before running fn
	FailInTx error
}

// New creates an empty in-memory store.
func New() *MemoryStore {
	s := &MemoryStore{
		nextID:     1,
		outboxRows: make(map[int64]*store.OutboxMessage),
		inboxRows:  make(map[int64]*store.InboxMessage),
		config:     store.DefaultConfig(),
	}
	s.outbox = &memOutbox{s}
	s.inbox = &memInbox{s}
	return s
}

func (s *MemoryStore) Outbox() store.OutboxRepository { return s.outbox }
func (s *MemoryStore) Inbox() store.InboxRepository   { return s.inbox }

func (s *MemoryStore) Ping(ctx context.Context) error         { return nil }
func (s *MemoryStore) Close(ctx context.Context) error        { return nil }
func (s *MemoryStore) CreateSchema(ctx context.Context) error { return nil }

type memTx struct {
	ctx    context.Context
	staged []*store.OutboxMessage
}

func (t *memTx) SQL() *sql.Tx            { return nil }
func (t *memTx) Context() context.Context { return t.ctx }

// InTx stages outbox appends and discards them when fn fails, mirroring
// transactional rollback.
func (s *MemoryStore) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if s.FailInTx != nil {
		return s.FailInTx
	}

	tx := &memTx{ctx: ctx}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range tx.staged {
		s.outboxRows[msg.ID] = msg
	}
	return nil
}

// OutboxRow returns a copy of one outbox row for assertions.
func (s *MemoryStore) OutboxRow(id int64) (store.OutboxMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.outboxRows[id]
	if !ok {
		return store.OutboxMessage{}, false
	}
	return *msg, true
}

// InboxRow returns a copy of one inbox row for assertions.
func (s *MemoryStore) InboxRow(id int64) (store.InboxMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.inboxRows[id]
	if !ok {
		return store.InboxMessage{}, false
	}
	return *msg, true
}

// SetOutboxPublishedAt backdates one row's published_at for retention tests.
func (s *MemoryStore) SetOutboxPublishedAt(id int64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.outboxRows[id]; ok {
		msg.PublishedAt = &at
	}
}

// SetInboxProcessesAt backdates one row's processes_at for retention tests.
func (s *MemoryStore) SetInboxProcessesAt(id int64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.inboxRows[id]; ok {
		msg.ProcessesAt = &at
	}
}

// OutboxCount returns the number of outbox rows.
func (s *MemoryStore) OutboxCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outboxRows)
}

type memOutbox struct {
	s *MemoryStore
}

func (r *memOutbox) Append(ctx context.Context, tx store.Tx, msg *store.OutboxMessage) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if msg.MessageID == "" {
		msg.MessageID = store.NewMessageID()
	}
	if msg.Status == "" {
		msg.Status = store.StatusPending
	}
	for _, existing := range r.s.outboxRows {
		if existing.MessageID == msg.MessageID {
			return store.ErrDuplicate
		}
	}
	msg.ID = r.s.nextID
	r.s.nextID++
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	if mt, ok := tx.(*memTx); ok && tx != nil {
		mt.staged = append(mt.staged, msg)
		return nil
	}
	r.s.outboxRows[msg.ID] = msg
	return nil
}

func (r *memOutbox) FetchPending(ctx context.Context, destination string, limit int) ([]*store.OutboxMessage, error) {
	return r.fetch(store.StatusPending, destination, limit)
}

func (r *memOutbox) FetchFailed(ctx context.Context, destination string, limit int) ([]*store.OutboxMessage, error) {
	return r.fetch(store.StatusFailed, destination, limit)
}

func (r *memOutbox) fetch(status store.Status, destination string, limit int) ([]*store.OutboxMessage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var result []*store.OutboxMessage
	// map iteration order is fine for tests; callers sort by ID when needed
	for id := int64(1); id < r.s.nextID; id++ {
		msg, ok := r.s.outboxRows[id]
		if !ok || msg.Status != status || msg.RetryCount >= r.s.config.MaxRetries {
			continue
		}
		if destination != "" && msg.DestinationService != destination {
			continue
		}
		copy := *msg
		result = append(result, &copy)
		if len(result) == limit {
			break
		}
	}
	return result, nil
}

func (r *memOutbox) Claim(ctx context.Context, id int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	msg, ok := r.s.outboxRows[id]
	if !ok || msg.Status != store.StatusPending {
		return false, nil
	}
	now := time.Now()
	msg.Status = store.StatusProcessing
	msg.ProcessesAt = &now
	return true, nil
}

func (r *memOutbox) MarkPublished(ctx context.Context, id int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	msg, ok := r.s.outboxRows[id]
	if !ok || msg.Status != store.StatusProcessing {
		return errors.New("row is not PROCESSING")
	}
	now := time.Now()
	msg.Status = store.StatusPublished
	msg.PublishedAt = &now
	return nil
}

func (r *memOutbox) MarkFailed(ctx context.Context, id int64, lastError string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	msg, ok := r.s.outboxRows[id]
	if !ok || msg.Status != store.StatusProcessing {
		return errors.New("row is not PROCESSING")
	}
	msg.Status = store.StatusFailed
	msg.RetryCount++
	msg.LastError = lastError
	return nil
}

func (r *memOutbox) ResetFailed(ctx context.Context, id int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	msg, ok := r.s.outboxRows[id]
	if !ok || msg.Status != store.StatusFailed || msg.RetryCount >= r.s.config.MaxRetries {
		return false, nil
	}
	msg.Status = store.StatusPending
	return true, nil
}

func (r *memOutbox) ReleaseStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var released int64
	for _, msg := range r.s.outboxRows {
		if msg.Status == store.StatusProcessing && msg.ProcessesAt != nil && msg.ProcessesAt.Before(cutoff) {
			msg.Status = store.StatusPending
			released++
		}
	}
	return released, nil
}

func (r *memOutbox) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var deleted int64
	for id, msg := range r.s.outboxRows {
		if msg.Status == store.StatusPublished && msg.PublishedAt != nil && msg.PublishedAt.Before(cutoff) {
			delete(r.s.outboxRows, id)
			deleted++
		}
	}
	return deleted, nil
}

func (r *memOutbox) CountByStatus(ctx context.Context) (map[store.Status]int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	counts := make(map[store.Status]int64)
	for _, msg := range r.s.outboxRows {
		counts[msg.Status]++
	}
	return counts, nil
}

func (r *memOutbox) GetByMessageID(ctx context.Context, messageID string) (*store.OutboxMessage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, msg := range r.s.outboxRows {
		if msg.MessageID == messageID {
			copy := *msg
			return &copy, nil
		}
	}
	return nil, store.ErrNotFound
}

type memInbox struct {
	s *MemoryStore
}

func (r *memInbox) Admit(ctx context.Context, msg *store.InboxMessage) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, existing := range r.s.inboxRows {
		if existing.MessageID == msg.MessageID {
			return false, nil
		}
	}
	if msg.Status == "" {
		msg.Status = store.StatusPending
	}
	msg.ID = r.s.nextID
	r.s.nextID++
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}
	r.s.inboxRows[msg.ID] = msg
	return true, nil
}

func (r *memInbox) FetchByStatus(ctx context.Context, status store.Status, limit int) ([]*store.InboxMessage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var result []*store.InboxMessage
	for id := int64(1); id < r.s.nextID; id++ {
		msg, ok := r.s.inboxRows[id]
		if !ok || msg.Status != status || msg.RetryCount >= r.s.config.MaxRetries {
			continue
		}
		copy := *msg
		result = append(result, &copy)
		if len(result) == limit {
			break
		}
	}
	return result, nil
}

func (r *memInbox) ProcessClaimed(ctx context.Context, id int64, from store.Status, timeout time.Duration,
	fn func(ctx context.Context, msg *store.InboxMessage) error) (store.ClaimOutcome, error) {

	r.s.mu.Lock()
	msg, ok := r.s.inboxRows[id]
	if !ok || msg.Status != from {
		r.s.mu.Unlock()
		return store.ClaimMissed, nil
	}
	now := time.Now()
	msg.Status = store.StatusProcessing
	msg.ProcessesAt = &now
	copy := *msg
	r.s.mu.Unlock()

	hctx, cancel := context.WithTimeout(ctx, timeout)
	handlerErr := fn(hctx, &copy)
	cancel()

	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if handlerErr != nil {
		msg.Status = store.StatusFailed
		msg.RetryCount++
		msg.LastError = handlerErr.Error()
		return store.ClaimFailed, handlerErr
	}
	msg.Status = store.StatusProcessed
	return store.ClaimProcessed, nil
}

func (r *memInbox) ReleaseStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var released int64
	for _, msg := range r.s.inboxRows {
		if msg.Status == store.StatusProcessing && msg.ProcessesAt != nil && msg.ProcessesAt.Before(cutoff) {
			msg.Status = store.StatusPending
			released++
		}
	}
	return released, nil
}

func (r *memInbox) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var deleted int64
	for id, msg := range r.s.inboxRows {
		if msg.Status == store.StatusProcessed && msg.ProcessesAt != nil && msg.ProcessesAt.Before(cutoff) {
			delete(r.s.inboxRows, id)
			deleted++
		}
	}
	return deleted, nil
}

func (r *memInbox) CountByStatus(ctx context.Context) (map[store.Status]int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	counts := make(map[store.Status]int64)
	for _, msg := range r.s.inboxRows {
		counts[msg.Status]++
	}
	return counts, nil
}

func (r *memInbox) GetByMessageID(ctx context.Context, messageID string) (*store.InboxMessage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, msg := range r.s.inboxRows {
		if msg.MessageID == messageID {
			copy := *msg
			return &copy, nil
		}
	}
	return nil, store.ErrNotFound
}
