package audit

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Archiver periodically moves audit records older than MaxAge out of
// MongoDB into gzipped NDJSON objects in S3, pruning the oldest archived
// keys once the prefix exceeds MaxBytes. It is opt-in — Run is only
// called when an S3 bucket is configured.
type Archiver struct {
	db       *mongo.Database
	s3       *s3.Client
	bucket   string
	prefix   string
	maxBytes int64
	interval time.Duration
	maxAge   time.Duration
	log      zerolog.Logger
}

// NewArchiver builds an Archiver. maxGB bounds the total size retained
// under prefix before the oldest keys are pruned.
func NewArchiver(db *mongo.Database, s3Client *s3.Client, bucket, prefix string, maxGB int, interval, maxAge time.Duration, log zerolog.Logger) *Archiver {
	return &Archiver{
		db:       db,
		s3:       s3Client,
		bucket:   bucket,
		prefix:   prefix,
		maxBytes: int64(maxGB) << 30,
		interval: interval,
		maxAge:   maxAge,
		log:      log,
	}
}

// Run starts the periodic archive loop. Blocks until ctx is cancelled.
func (a *Archiver) Run(ctx context.Context) {
	a.log.Info().Str("bucket", a.bucket).Str("prefix", a.prefix).Dur("interval", a.interval).Dur("age", a.maxAge).Msg("audit archiver: starting")

	a.cycle(ctx)

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.cycle(ctx)
		}
	}
}

func (a *Archiver) cycle(ctx context.Context) {
	cursor, err := a.loadCursor(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("audit archiver: load cursor")
		return
	}

	cutoff := time.Now().Add(-a.maxAge)
	if !cursor.Before(cutoff) {
		return
	}

	records, err := a.queryRecords(ctx, cursor, cutoff)
	if err != nil {
		a.log.Warn().Err(err).Msg("audit archiver: query")
		return
	}
	if len(records) == 0 {
		a.saveCursor(ctx, cutoff)
		return
	}

	batches := groupByDay(records)
	for day, batch := range batches {
		if err := a.writeBatch(ctx, day, batch); err != nil {
			a.log.Warn().Err(err).Str("day", day).Msg("audit archiver: write batch")
			return
		}
		if err := a.deleteBatch(ctx, batch); err != nil {
			a.log.Warn().Err(err).Str("day", day).Msg("audit archiver: delete batch")
			return
		}
		a.log.Info().Int("count", len(batch)).Str("day", day).Msg("audit archiver: archived records")
	}

	a.saveCursor(ctx, cutoff)
	a.rotate(ctx)
}

func (a *Archiver) loadCursor(ctx context.Context) (time.Time, error) {
	var doc struct {
		ValueTime time.Time `bson:"value_time"`
	}
	err := a.db.Collection("audit_state").FindOne(ctx, bson.M{"key": "archive_cursor"}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return doc.ValueTime, nil
}

func (a *Archiver) saveCursor(ctx context.Context, t time.Time) {
	_, err := a.db.Collection("audit_state").UpdateOne(ctx,
		bson.M{"key": "archive_cursor"},
		bson.M{"$set": bson.M{"key": "archive_cursor", "value_time": t, "updated_at": time.Now()}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		a.log.Warn().Err(err).Msg("audit archiver: save cursor")
	}
}

func (a *Archiver) queryRecords(ctx context.Context, from, to time.Time) ([]Record, error) {
	filter := bson.M{"occurred_at": bson.M{"$gte": from, "$lt": to}}
	opts := options.Find().SetSort(bson.D{{Key: "occurred_at", Value: 1}})

	cur, err := a.db.Collection("audit_events").Find(ctx, filter, opts)
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

func groupByDay(records []Record) map[string][]Record {
	batches := make(map[string][]Record)
	for _, r := range records {
		day := r.OccurredAt.UTC().Format("2006/01/02")
		batches[day] = append(batches[day], r)
	}
	return batches
}

func (a *Archiver) writeBatch(ctx context.Context, day string, records []Record) error {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			gz.Close()
			return fmt.Errorf("encode: %w", err)
		}
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("gzip close: %w", err)
	}

	key := fmt.Sprintf("%s/%s.jsonl.gz", a.prefix, day)
	_, err := a.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(buf.Bytes()),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

func (a *Archiver) deleteBatch(ctx context.Context, records []Record) error {
	var ids []any
	for _, r := range records {
		ids = append(ids, r.OccurredAt)
	}
	_, err := a.db.Collection("audit_events").DeleteMany(ctx, bson.M{
		"occurred_at": bson.M{"$in": ids},
	})
	if err != nil {
		return fmt.Errorf("delete archived records: %w", err)
	}
	return nil
}

// rotate deletes the oldest archived keys under prefix until the total
// size is under maxBytes.
func (a *Archiver) rotate(ctx context.Context) {
	var keys []s3Object
	var total int64

	paginator := s3.NewListObjectsV2Paginator(a.s3, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(a.prefix + "/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			a.log.Warn().Err(err).Msg("audit archiver: list objects")
			return
		}
		for _, obj := range page.Contents {
			keys = append(keys, s3Object{key: aws.ToString(obj.Key), size: aws.ToInt64(obj.Size)})
			total += aws.ToInt64(obj.Size)
		}
	}

	if total <= a.maxBytes {
		return
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i].key < keys[j].key })

	for _, k := range keys {
		if total <= a.maxBytes {
			break
		}
		_, err := a.s3.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(a.bucket), Key: aws.String(k.key)})
		if err != nil {
			a.log.Warn().Err(err).Str("key", k.key).Msg("audit archiver: remove")
			continue
		}
		total -= k.size
		a.log.Info().Str("key", k.key).Int64("bytes", k.size).Msg("audit archiver: rotated out")
	}
}

type s3Object struct {
	key  string
	size int64
}
