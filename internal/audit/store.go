// Package audit is the durable operability log: rotation lifecycle events
// and a running decode-error counter, persisted to MongoDB, with an
// opt-in cold-archival companion.
package audit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// EventKind distinguishes rotation lifecycle events from health counters.
type EventKind string

const (
	EventRotationStarted   EventKind = "rotation_started"
	EventRotationCompleted EventKind = "rotation_completed"
	EventRotationFailed    EventKind = "rotation_failed"
	EventDecodeError       EventKind = "decode_error"
)

// Record is one durable audit entry.
type Record struct {
	Kind          EventKind `bson:"kind"`
	OccurredAt    time.Time `bson:"occurred_at"`
	DurationMS    int64     `bson:"duration_ms,omitempty"`
	TrackedTokens int       `bson:"tracked_tokens,omitempty"`
	Error         string    `bson:"error,omitempty"`
}

// Store wraps the MongoDB client and database the audit trail lives in.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewStore connects to MongoDB and returns a Store. The URI should include
// the database name (e.g. mongodb://localhost:27017/tickfeed); if absent,
// "tickfeed" is used.
func NewStore(ctx context.Context, uri string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	dbName := "tickfeed"
	if u, err := url.Parse(uri); err == nil {
		if name := strings.TrimPrefix(u.Path, "/"); name != "" {
			dbName = name
		}
	}
	return &Store{client: client, db: client.Database(dbName)}, nil
}

// Close disconnects from MongoDB.
func (s *Store) Close(ctx context.Context) {
	s.client.Disconnect(ctx)
}

// DB returns the underlying database, for the archiver.
func (s *Store) DB() *mongo.Database {
	return s.db
}

// EnsureIndexes creates the idempotent indexes the audit trail needs.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection("audit_events").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "occurred_at", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("create index on audit_events: %w", err)
	}
	_, err = db.Collection("audit_events").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "kind", Value: 1}, {Key: "occurred_at", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("create compound index on audit_events: %w", err)
	}
	return nil
}

// Append inserts one record.
func (s *Store) Append(ctx context.Context, r Record) error {
	_, err := s.db.Collection("audit_events").InsertOne(ctx, r)
	if err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int64) ([]Record, error) {
	opts := options.Find().SetSort(bson.D{{Key: "occurred_at", Value: -1}}).SetLimit(limit)
	cur, err := s.db.Collection("audit_events").Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("find audit records: %w", err)
	}
	defer cur.Close(ctx)

	var records []Record
	if err := cur.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("decode audit records: %w", err)
	}
	return records, nil
}

// RotationStarted satisfies rotator.Audit.
func (s *Store) RotationStarted(ctx context.Context) {
	s.appendBestEffort(ctx, Record{Kind: EventRotationStarted, OccurredAt: time.Now()})
}

// RotationCompleted satisfies rotator.Audit.
func (s *Store) RotationCompleted(ctx context.Context, duration time.Duration, trackedTokens int) {
	s.appendBestEffort(ctx, Record{
		Kind:          EventRotationCompleted,
		OccurredAt:    time.Now(),
		DurationMS:    duration.Milliseconds(),
		TrackedTokens: trackedTokens,
	})
}

// RotationFailed satisfies rotator.Audit.
func (s *Store) RotationFailed(ctx context.Context, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	s.appendBestEffort(ctx, Record{Kind: EventRotationFailed, OccurredAt: time.Now(), Error: msg})
}

// DecodeError increments the decode-health counter. A rejected frame is
// never retried — this purely tracks it for operability.
func (s *Store) DecodeError(ctx context.Context, reason string) {
	s.appendBestEffort(ctx, Record{Kind: EventDecodeError, OccurredAt: time.Now(), Error: reason})
}

// appendBestEffort never surfaces a Mongo write failure to the rotator or
// feed session — the audit trail is diagnostic, not load-bearing for
// pipeline correctness.
func (s *Store) appendBestEffort(ctx context.Context, r Record) {
	_ = s.Append(ctx, r)
}
