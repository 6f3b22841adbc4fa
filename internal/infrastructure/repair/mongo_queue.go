package repair

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// CollectionProjectionJobs is the MongoDB collection of projection jobs.
const CollectionProjectionJobs = "projection_jobs"

// MongoQueue implements Queue using MongoDB. The unique sparse index on
// dedupe_key (see mongodb.GetProjectionJobIndexes) enforces ErrDuplicateJob.
type MongoQueue struct {
	collection *mongo.Collection
	logger     *slog.Logger
	now        func() time.Time
}

// NewMongoQueue creates a new MongoDB-based job queue.
func NewMongoQueue(collection *mongo.Collection, logger *slog.Logger) *MongoQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &MongoQueue{
		collection: collection,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Add adds a new job to the queue.
func (q *MongoQueue) Add(ctx context.Context, job Job) (string, error) {
	prepareJob(&job, q.now())

	if _, err := q.collection.InsertOne(ctx, job); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return "", ErrDuplicateJob
		}
		return "", fmt.Errorf("failed to insert projection job: %w", err)
	}

	q.logger.InfoContext(ctx, "added projection job to queue",
		slog.String("job_id", job.ID),
		slog.String("job_type", string(job.JobType)),
		slog.String("aggregate_id", job.AggregateID),
	)
	return job.ID, nil
}

// Claim moves pending jobs to processing one at a time with findOneAndUpdate.
func (q *MongoQueue) Claim(ctx context.Context, batchSize int) ([]Job, error) {
	batchSize = defaultBatch(batchSize)
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetReturnDocument(options.After)

	jobs := make([]Job, 0, batchSize)
	for len(jobs) < batchSize {
		update := bson.M{
			"$set": bson.M{"status": StatusProcessing, "started_at": q.now()},
			"$inc": bson.M{"attempts": 1},
		}

		var job Job
		err := q.collection.FindOneAndUpdate(ctx, bson.M{"status": StatusPending}, update, opts).Decode(&job)
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}
		if err != nil {
			return jobs, fmt.Errorf("failed to claim projection job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Requeue returns a job to pending.
func (q *MongoQueue) Requeue(ctx context.Context, jobID string, jobErr error) error {
	return q.updateJob(ctx, jobID, bson.M{
		"$set": bson.M{"status": StatusPending, "error": errorText(jobErr)},
	})
}

// MarkCompleted marks a job as completed.
func (q *MongoQueue) MarkCompleted(ctx context.Context, jobID string) error {
	if err := q.updateJob(ctx, jobID, bson.M{
		"$set":   bson.M{"status": StatusCompleted, "completed_at": q.now()},
		"$unset": bson.M{"dedupe_key": ""},
	}); err != nil {
		return err
	}

	q.logger.InfoContext(ctx, "marked projection job as completed", slog.String("job_id", jobID))
	return nil
}

// MarkFailed marks a job as failed.
func (q *MongoQueue) MarkFailed(ctx context.Context, jobID string, jobErr error) error {
	if err := q.updateJob(ctx, jobID, bson.M{
		"$set":   bson.M{"status": StatusFailed, "error": errorText(jobErr), "completed_at": q.now()},
		"$unset": bson.M{"dedupe_key": ""},
	}); err != nil {
		return err
	}

	q.logger.WarnContext(ctx, "marked projection job as failed",
		slog.String("job_id", jobID),
		slog.String("error", errorText(jobErr)),
	)
	return nil
}

// GetStats returns queue statistics.
func (q *MongoQueue) GetStats(ctx context.Context) (*QueueStats, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$status"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	}

	cursor, err := q.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to get queue stats: %w", err)
	}
	defer cursor.Close(ctx)

	type statusCount struct {
		Status string `bson:"_id"`
		Count  int64  `bson:"count"`
	}

	var results []statusCount
	if decodeErr := cursor.All(ctx, &results); decodeErr != nil {
		return nil, fmt.Errorf("failed to decode queue stats: %w", decodeErr)
	}

	stats := &QueueStats{}
	for _, result := range results {
		stats.add(result.Status, result.Count)
	}
	return stats, nil
}

func (q *MongoQueue) updateJob(ctx context.Context, jobID string, update bson.M) error {
	result, err := q.collection.UpdateOne(ctx, bson.M{"_id": jobID}, update)
	if err != nil {
		return fmt.Errorf("failed to update projection job: %w", err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("job not found: %s", jobID)
	}
	return nil
}
