package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"go.relaykit.dev/internal/common/repository"
	"go.relaykit.dev/internal/common/tsid"
)

// MongoStore implements Store on MongoDB. Row ownership uses conditional
// FindOneAndUpdate in place of row locks: the filter carries the expected
// status, so exactly one concurrent claimant matches. Local keys are
// TSIDs stored as int64 _id, keeping IDs monotone like SQL autoincrement.
//
// InTx requires a replica set or sharded cluster; standalone MongoDB does
// not support multi-document transactions.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	config *Config
	outbox *mongoOutbox
	inbox  *mongoInbox
}

// NewMongoStore creates a MongoDB-backed message store on the given database.
func NewMongoStore(client *mongo.Client, database string, config *Config) *MongoStore {
	if config == nil {
		config = DefaultConfig()
	}
	s := &MongoStore{
		client: client,
		db:     client.Database(database),
		config: config,
	}
	s.outbox = &mongoOutbox{s: s, coll: s.db.Collection(config.OutboxTable)}
	s.inbox = &mongoInbox{s: s, coll: s.db.Collection(config.InboxTable)}
	return s
}

func (s *MongoStore) Outbox() OutboxRepository { return s.outbox }
func (s *MongoStore) Inbox() InboxRepository   { return s.inbox }

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// mongoTx carries the session context through the producer into Append.
type mongoTx struct {
	ctx mongo.SessionContext
}

func (t *mongoTx) SQL() *sql.Tx             { return nil }
func (t *mongoTx) Context() context.Context { return t.ctx }

func (s *MongoStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		return nil, fn(&mongoTx{ctx: sc})
	})
	return err
}

// CreateSchema creates the collection indexes. The unique messageId index
// is the admission idempotency authority, same as the SQL constraint.
func (s *MongoStore) CreateSchema(ctx context.Context) error {
	unique := options.Index().SetUnique(true)

	outboxIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "messageId", Value: 1}}, Options: unique},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "createdAt", Value: 1}}},
		{Keys: bson.D{{Key: "destinationService", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "aggregateType", Value: 1}, {Key: "aggregateId", Value: 1}}},
	}
	if _, err := s.outbox.coll.Indexes().CreateMany(ctx, outboxIndexes); err != nil {
		return fmt.Errorf("create outbox indexes: %w", err)
	}

	inboxIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "messageId", Value: 1}}, Options: unique},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "receivedAt", Value: 1}}},
		{Keys: bson.D{{Key: "eventType", Value: 1}}},
	}
	if _, err := s.inbox.coll.Indexes().CreateMany(ctx, inboxIndexes); err != nil {
		return fmt.Errorf("create inbox indexes: %w", err)
	}
	return nil
}

// mongoOutbox implements OutboxRepository.
type mongoOutbox struct {
	s    *MongoStore
	coll *mongo.Collection
}

func (r *mongoOutbox) table() string { return r.s.config.OutboxTable }

func (r *mongoOutbox) Append(ctx context.Context, tx Tx, msg *OutboxMessage) error {
	if msg.MessageID == "" {
		msg.MessageID = NewMessageID()
	}
	if msg.Status == "" {
		msg.Status = StatusPending
	}
	if msg.ID == 0 {
		msg.ID = tsid.GenerateLong()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	// When called inside InTx the session context routes the insert into
	// the caller's transaction.
	insertCtx := ctx
	if tx != nil {
		insertCtx = tx.Context()
	}

	if _, err := r.coll.InsertOne(insertCtx, msg); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("append outbox message: %w", err)
	}
	return nil
}

func (r *mongoOutbox) FetchPending(ctx context.Context, destination string, limit int) ([]*OutboxMessage, error) {
	return repository.Instrument(ctx, r.table(), "fetch_pending", func() ([]*OutboxMessage, error) {
		return r.fetchByStatus(ctx, StatusPending, destination, limit, "createdAt")
	})
}

func (r *mongoOutbox) FetchFailed(ctx context.Context, destination string, limit int) ([]*OutboxMessage, error) {
	return repository.Instrument(ctx, r.table(), "fetch_failed", func() ([]*OutboxMessage, error) {
		return r.fetchByStatus(ctx, StatusFailed, destination, limit, "createdAt")
	})
}

func (r *mongoOutbox) fetchByStatus(ctx context.Context, status Status, destination string, limit int, sortKey string) ([]*OutboxMessage, error) {
	filter := bson.M{
		"status":     status,
		"retryCount": bson.M{"$lt": r.s.config.MaxRetries},
	}
	if destination != "" {
		filter["destinationService"] = destination
	}

	opts := options.Find().
		SetSort(bson.D{{Key: sortKey, Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", status, err)
	}
	defer cursor.Close(ctx)

	var messages []*OutboxMessage
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return messages, nil
}

func (r *mongoOutbox) Claim(ctx context.Context, id int64) (bool, error) {
	return repository.Instrument(ctx, r.table(), "claim", func() (bool, error) {
		res := r.coll.FindOneAndUpdate(ctx,
			bson.M{"_id": id, "status": StatusPending},
			bson.M{"$set": bson.M{
				"status":      StatusProcessing,
				"processesAt": time.Now(),
			}})
		if err := res.Err(); err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return false, nil
			}
			return false, fmt.Errorf("claim message: %w", err)
		}
		return true, nil
	})
}

func (r *mongoOutbox) MarkPublished(ctx context.Context, id int64) error {
	return repository.InstrumentVoid(ctx, r.table(), "mark_published", func() error {
		res, err := r.coll.UpdateOne(ctx,
			bson.M{"_id": id, "status": StatusProcessing},
			bson.M{"$set": bson.M{
				"status":      StatusPublished,
				"publishedAt": time.Now(),
			}})
		if err != nil {
			return fmt.Errorf("mark published: %w", err)
		}
		if res.MatchedCount == 0 {
			return fmt.Errorf("message %d is not in %s state", id, StatusProcessing)
		}
		return nil
	})
}

func (r *mongoOutbox) MarkFailed(ctx context.Context, id int64, lastError string) error {
	return repository.InstrumentVoid(ctx, r.table(), "mark_failed", func() error {
		res, err := r.coll.UpdateOne(ctx,
			bson.M{"_id": id, "status": StatusProcessing},
			bson.M{
				"$set": bson.M{"status": StatusFailed, "lastError": lastError},
				"$inc": bson.M{"retryCount": 1},
			})
		if err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		if res.MatchedCount == 0 {
			return fmt.Errorf("message %d is not in %s state", id, StatusProcessing)
		}
		return nil
	})
}

func (r *mongoOutbox) ResetFailed(ctx context.Context, id int64) (bool, error) {
	return repository.Instrument(ctx, r.table(), "reset_failed", func() (bool, error) {
		res, err := r.coll.UpdateOne(ctx,
			bson.M{
				"_id":        id,
				"status":     StatusFailed,
				"retryCount": bson.M{"$lt": r.s.config.MaxRetries},
			},
			bson.M{"$set": bson.M{"status": StatusPending}})
		if err != nil {
			return false, fmt.Errorf("reset failed: %w", err)
		}
		return res.ModifiedCount > 0, nil
	})
}

func (r *mongoOutbox) ReleaseStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	return repository.Instrument(ctx, r.table(), "release_stuck", func() (int64, error) {
		return releaseStuck(ctx, r.coll, olderThan)
	})
}

func (r *mongoOutbox) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return repository.Instrument(ctx, r.table(), "delete_published", func() (int64, error) {
		res, err := r.coll.DeleteMany(ctx, bson.M{
			"status":      StatusPublished,
			"publishedAt": bson.M{"$lt": cutoff},
		})
		if err != nil {
			return 0, fmt.Errorf("delete published: %w", err)
		}
		return res.DeletedCount, nil
	})
}

func (r *mongoOutbox) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	return countDocsByStatus(ctx, r.coll)
}

func (r *mongoOutbox) GetByMessageID(ctx context.Context, messageID string) (*OutboxMessage, error) {
	var msg OutboxMessage
	err := r.coll.FindOne(ctx, bson.M{"messageId": messageID}).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get by message id: %w", err)
	}
	return &msg, nil
}

// mongoInbox implements InboxRepository.
type mongoInbox struct {
	s    *MongoStore
	coll *mongo.Collection
}

func (r *mongoInbox) table() string { return r.s.config.InboxTable }

func (r *mongoInbox) Admit(ctx context.Context, msg *InboxMessage) (bool, error) {
	return repository.Instrument(ctx, r.table(), "admit", func() (bool, error) {
		if msg.Status == "" {
			msg.Status = StatusPending
		}
		if msg.ID == 0 {
			msg.ID = tsid.GenerateLong()
		}
		if msg.ReceivedAt.IsZero() {
			msg.ReceivedAt = time.Now()
		}

		if _, err := r.coll.InsertOne(ctx, msg); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return false, nil
			}
			return false, fmt.Errorf("admit inbox message: %w", err)
		}
		return true, nil
	})
}

func (r *mongoInbox) FetchByStatus(ctx context.Context, status Status, limit int) ([]*InboxMessage, error) {
	return repository.Instrument(ctx, r.table(), "fetch_by_status", func() ([]*InboxMessage, error) {
		cursor, err := r.coll.Find(ctx,
			bson.M{
				"status":     status,
				"retryCount": bson.M{"$lt": r.s.config.MaxRetries},
			},
			options.Find().
				SetSort(bson.D{{Key: "receivedAt", Value: 1}}).
				SetLimit(int64(limit)))
		if err != nil {
			return nil, fmt.Errorf("fetch by status: %w", err)
		}
		defer cursor.Close(ctx)

		var messages []*InboxMessage
		if err := cursor.All(ctx, &messages); err != nil {
			return nil, fmt.Errorf("decode messages: %w", err)
		}
		return messages, nil
	})
}

func (r *mongoInbox) ProcessClaimed(ctx context.Context, id int64, from Status, timeout time.Duration,
	fn func(ctx context.Context, msg *InboxMessage) error) (ClaimOutcome, error) {

	// Conditional FindOneAndUpdate is the claim; losing the race yields
	// ErrNoDocuments, not an error.
	var msg InboxMessage
	err := r.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": from},
		bson.M{"$set": bson.M{
			"status":      StatusProcessing,
			"processesAt": time.Now(),
		}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ClaimMissed, nil
	}
	if err != nil {
		return ClaimMissed, fmt.Errorf("claim message: %w", err)
	}

	hctx, cancel := context.WithTimeout(ctx, timeout)
	handlerErr := fn(hctx, &msg)
	cancel()

	if handlerErr != nil {
		if _, err := r.coll.UpdateOne(ctx,
			bson.M{"_id": id, "status": StatusProcessing},
			bson.M{
				"$set": bson.M{"status": StatusFailed, "lastError": handlerErr.Error()},
				"$inc": bson.M{"retryCount": 1},
			}); err != nil {
			return ClaimMissed, fmt.Errorf("mark failed: %w", err)
		}
		return ClaimFailed, handlerErr
	}

	if _, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id, "status": StatusProcessing},
		bson.M{"$set": bson.M{"status": StatusProcessed}}); err != nil {
		return ClaimMissed, fmt.Errorf("mark processed: %w", err)
	}
	return ClaimProcessed, nil
}

func (r *mongoInbox) ReleaseStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	return repository.Instrument(ctx, r.table(), "release_stuck", func() (int64, error) {
		return releaseStuck(ctx, r.coll, olderThan)
	})
}

func (r *mongoInbox) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return repository.Instrument(ctx, r.table(), "delete_processed", func() (int64, error) {
		res, err := r.coll.DeleteMany(ctx, bson.M{
			"status":      StatusProcessed,
			"processesAt": bson.M{"$lt": cutoff},
		})
		if err != nil {
			return 0, fmt.Errorf("delete processed: %w", err)
		}
		return res.DeletedCount, nil
	})
}

func (r *mongoInbox) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	return countDocsByStatus(ctx, r.coll)
}

func (r *mongoInbox) GetByMessageID(ctx context.Context, messageID string) (*InboxMessage, error) {
	var msg InboxMessage
	err := r.coll.FindOne(ctx, bson.M{"messageId": messageID}).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get by message id: %w", err)
	}
	return &msg, nil
}

// releaseStuck resets stale PROCESSING documents back to PENDING.
// retryCount is untouched: an expired claim is not a failed attempt.
func releaseStuck(ctx context.Context, coll *mongo.Collection, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res, err := coll.UpdateMany(ctx,
		bson.M{
			"status":      StatusProcessing,
			"processesAt": bson.M{"$lt": cutoff},
		},
		bson.M{"$set": bson.M{"status": StatusPending}})
	if err != nil {
		return 0, fmt.Errorf("release stuck: %w", err)
	}
	return res.ModifiedCount, nil
}

// countDocsByStatus groups documents by status server-side.
func countDocsByStatus(ctx context.Context, coll *mongo.Collection) (map[Status]int64, error) {
	cursor, err := coll.Aggregate(ctx, mongo.Pipeline{
		bson.D{{Key: "$group", Value: bson.M{
			"_id":   "$status",
			"count": bson.M{"$sum": 1},
		}}},
	})
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer cursor.Close(ctx)

	var results []struct {
		Status Status `bson:"_id"`
		Count  int64  `bson:"count"`
	}
	if err := cursor.All(ctx, &results); err != nil {
		return nil, fmt.Errorf("decode counts: %w", err)
	}

	counts := make(map[Status]int64, len(results))
	for _, r := range results {
		counts[r.Status] = r.Count
	}
	return counts, nil
}
