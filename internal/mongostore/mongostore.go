// Package mongostore is the MongoDB persistence backend.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/livinlefevreloca/herald/internal/schedule"
	"github.com/livinlefevreloca/herald/internal/store"
)

// Config selects the server and collections.
type Config struct {
	URI        string        `toml:"uri" yaml:"uri" env:"HERALD_MONGO_URI"`
	Database   string        `toml:"database" yaml:"database" env:"HERALD_MONGO_DATABASE"`
	Collection string        `toml:"collection" yaml:"collection"`
	Timeout    time.Duration `toml:"timeout" yaml:"timeout"`
}

// DefaultConfig returns settings for a local server.
func DefaultConfig() Config {
	return Config{
		URI:        "mongodb://localhost:27017",
		Database:   "herald",
		Collection: "schedule_entries",
		Timeout:    10 * time.Second,
	}
}

// Store keeps schedule entries in a MongoDB collection. It implements
// store.Persistence and store.AttemptLog.
type Store struct {
	client   *mongo.Client
	entries  *mongo.Collection
	attempts *mongo.Collection
}

var (
	_ store.Persistence = (*Store)(nil)
	_ store.AttemptLog  = (*Store)(nil)
)

// Connect opens a client, verifies it with a ping and ensures the indexes
// the backend relies on exist.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI).SetTimeout(cfg.Timeout))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(cfg.Database)
	s := &Store{
		client:   client,
		entries:  db.Collection(cfg.Collection),
		attempts: db.Collection(cfg.Collection + "_attempts"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping checks the server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.entries.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			// At most one pending entry per article.
			Keys: bson.D{{Key: "articleRef", Value: 1}},
			Options: options.Index().
				SetName("pending_article").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"status": string(schedule.StatusPending)}),
		},
		{
			Keys:    bson.D{{Key: "status", Value: 1}, {Key: "anchorAt", Value: 1}, {Key: "_id", Value: 1}},
			Options: options.Index().SetName("status_anchor"),
		},
	})
	if err != nil {
		return fmt.Errorf("create entry indexes: %w", err)
	}

	_, err = s.attempts.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "entryId", Value: 1}, {Key: "seq", Value: -1}},
		Options: options.Index().SetName("entry_seq"),
	})
	if err != nil {
		return fmt.Errorf("create attempt indexes: %w", err)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, e schedule.Entry) error {
	_, err := s.entries.InsertOne(ctx, toDocument(e))
	return classify(err)
}

func (s *Store) Get(ctx context.Context, id string) (schedule.Entry, error) {
	var doc entryDocument
	err := s.entries.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return schedule.Entry{}, store.ErrNotFound
	}
	if err != nil {
		return schedule.Entry{}, err
	}
	return doc.entry(), nil
}

func (s *Store) Update(ctx context.Context, e schedule.Entry, expectedVersion int64) error {
	res, err := s.entries.ReplaceOne(ctx, versionFilter(e.ID, expectedVersion), toDocument(e))
	if err != nil {
		return classify(err)
	}
	if res.MatchedCount == 0 {
		return s.missOrConflict(ctx, e.ID)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string, expectedVersion int64) error {
	res, err := s.entries.DeleteOne(ctx, versionFilter(id, expectedVersion))
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return s.missOrConflict(ctx, id)
	}

	if _, err := s.attempts.DeleteMany(ctx, bson.M{"entryId": id}); err != nil {
		return fmt.Errorf("delete attempt history: %w", err)
	}
	return nil
}

func (s *Store) ListDue(ctx context.Context, now time.Time) ([]schedule.Entry, error) {
	return s.find(ctx, dueFilter(now))
}

func (s *Store) ListInRange(ctx context.Context, start, end time.Time) ([]schedule.Entry, error) {
	return s.find(ctx, rangeFilter(start, end))
}

func (s *Store) ListResolvedBefore(ctx context.Context, before time.Time) ([]schedule.Entry, error) {
	return s.find(ctx, resolvedFilter(before))
}

func (s *Store) RecordAttempt(ctx context.Context, a schedule.Attempt) error {
	_, err := s.attempts.InsertOne(ctx, toAttemptDocument(a, time.Now()))
	return err
}

func (s *Store) ListAttempts(ctx context.Context, entryID string, limit int) ([]schedule.Attempt, error) {
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.attempts.Find(ctx, bson.M{"entryId": entryID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []attemptDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	out := make([]schedule.Attempt, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.attempt())
	}
	return out, nil
}

func (s *Store) find(ctx context.Context, filter bson.M) ([]schedule.Entry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "anchorAt", Value: 1}, {Key: "_id", Value: 1}})

	cursor, err := s.entries.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []entryDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	out := make([]schedule.Entry, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.entry())
	}
	return out, nil
}

// missOrConflict tells a vanished entry from a stale version after a
// conditional write matched nothing.
func (s *Store) missOrConflict(ctx context.Context, id string) error {
	n, err := s.entries.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return store.ErrVersionConflict
}

func versionFilter(id string, version int64) bson.M {
	return bson.M{"_id": id, "version": version}
}

func dueFilter(now time.Time) bson.M {
	n := now.UnixNano()
	return bson.M{
		"status":    string(schedule.StatusPending),
		"anchorAt":  bson.M{"$lte": n},
		"notBefore": bson.M{"$lte": n},
		"$or": []bson.M{
			{"leaseOwner": ""},
			{"leaseUntil": bson.M{"$lte": n}},
		},
	}
}

func rangeFilter(start, end time.Time) bson.M {
	return bson.M{
		"anchorAt": bson.M{"$lt": end.UnixNano()},
		"$or": []bson.M{
			{"status": string(schedule.StatusPending), "repeatRule": bson.M{"$ne": string(schedule.RepeatNone)}},
			{"anchorAt": bson.M{"$gte": start.UnixNano()}},
		},
	}
}

func resolvedFilter(before time.Time) bson.M {
	return bson.M{
		"repeatRule": string(schedule.RepeatNone),
		"status": bson.M{"$in": []string{
			string(schedule.StatusPublished),
			string(schedule.StatusFailed),
			string(schedule.StatusCancelled),
		}},
		"updatedAt": bson.M{"$lt": before.UnixNano()},
	}
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		var we mongo.WriteException
		if errors.As(err, &we) {
			for _, e := range we.WriteErrors {
				if e.Code == 11000 && containsIndex(e.Message, "pending_article") {
					return store.ErrDuplicatePending
				}
			}
		}
		return store.ErrVersionConflict
	}
	return err
}
