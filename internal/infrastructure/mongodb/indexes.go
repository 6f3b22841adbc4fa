// Package mongodb provides MongoDB infrastructure components including index management.
package mongodb

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Collection names as constants for consistency.
const (
	CollectionEvents           = "events"
	CollectionOrderProjections = "order_projections"
	CollectionProjectionJobs   = "projection_jobs"
)

// IndexDefinition describes a MongoDB index to be created.
type IndexDefinition struct {
	Collection string
	Name       string
	Keys       bson.D
	Unique     bool
	Sparse     bool
}

func (d IndexDefinition) model() mongo.IndexModel {
	opts := options.Index().SetName(d.Name)
	if d.Unique {
		opts.SetUnique(true)
	}
	if d.Sparse {
		opts.SetSparse(true)
	}
	return mongo.IndexModel{Keys: d.Keys, Options: opts}
}

// CreateAllIndexes creates all necessary indexes for the application.
// This function is idempotent - calling it multiple times is safe.
func CreateAllIndexes(ctx context.Context, db *mongo.Database) error {
	return createIndexes(ctx, db, GetAllIndexDefinitions())
}

// GetAllIndexDefinitions returns all index definitions for all collections.
func GetAllIndexDefinitions() []IndexDefinition {
	var indexes []IndexDefinition

	indexes = append(indexes, GetEventIndexes()...)
	indexes = append(indexes, GetOrderProjectionIndexes()...)
	indexes = append(indexes, GetProjectionJobIndexes()...)

	return indexes
}

// GetEventIndexes returns index definitions for the events collection (Event Store).
func GetEventIndexes() []IndexDefinition {
	return []IndexDefinition{
		{
			// Optimistic locking - one event per aggregate+version
			Collection: CollectionEvents,
			Name:       "idx_events_aggregate_version_unique",
			Keys:       bson.D{{Key: "aggregate_id", Value: 1}, {Key: "version", Value: 1}},
			Unique:     true,
		},
		{
			// Global ordering for ReadAll and the projection consumer
			Collection: CollectionEvents,
			Name:       "idx_events_global_offset_unique",
			Keys:       bson.D{{Key: "global_offset", Value: 1}},
			Unique:     true,
		},
		{
			Collection: CollectionEvents,
			Name:       "idx_events_type_time",
			Keys:       bson.D{{Key: "event_type", Value: 1}, {Key: "recorded_at", Value: -1}},
		},
	}
}

// GetOrderProjectionIndexes returns index definitions for the order read model.
// The shadow collection is indexed by the projection store itself.
func GetOrderProjectionIndexes() []IndexDefinition {
	return []IndexDefinition{
		{
			Collection: CollectionOrderProjections,
			Name:       "idx_order_projections_status",
			Keys:       bson.D{{Key: "status", Value: 1}, {Key: "_id", Value: 1}},
		},
		{
			Collection: CollectionOrderProjections,
			Name:       "idx_order_projections_customer",
			Keys:       bson.D{{Key: "customer_id", Value: 1}, {Key: "_id", Value: 1}},
		},
	}
}

// GetProjectionJobIndexes returns index definitions for the projection job queue.
func GetProjectionJobIndexes() []IndexDefinition {
	return []IndexDefinition{
		{
			// Claiming pending jobs ordered by creation time
			Collection: CollectionProjectionJobs,
			Name:       "idx_projection_jobs_claim",
			Keys:       bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}},
		},
		{
			// Only active jobs carry a dedupe key
			Collection: CollectionProjectionJobs,
			Name:       "idx_projection_jobs_dedupe_unique",
			Keys:       bson.D{{Key: "dedupe_key", Value: 1}},
			Unique:     true,
			Sparse:     true,
		},
		{
			Collection: CollectionProjectionJobs,
			Name:       "idx_projection_jobs_aggregate",
			Keys:       bson.D{{Key: "aggregate_id", Value: 1}, {Key: "job_type", Value: 1}},
		},
	}
}

// EnsureIndexes is an alias for CreateAllIndexes for semantic clarity.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	return CreateAllIndexes(ctx, db)
}

// CreateCollectionIndexes creates indexes for a specific collection only.
// Useful for targeted index creation or testing.
func CreateCollectionIndexes(ctx context.Context, db *mongo.Database, collectionName string) error {
	var indexes []IndexDefinition

	switch collectionName {
	case CollectionEvents:
		indexes = GetEventIndexes()
	case CollectionOrderProjections:
		indexes = GetOrderProjectionIndexes()
	case CollectionProjectionJobs:
		indexes = GetProjectionJobIndexes()
	default:
		return fmt.Errorf("unknown collection: %s", collectionName)
	}

	return createIndexes(ctx, db, indexes)
}

func createIndexes(ctx context.Context, db *mongo.Database, indexes []IndexDefinition) error {
	for _, idx := range indexes {
		_, err := db.Collection(idx.Collection).Indexes().CreateOne(ctx, idx.model())
		if err != nil {
			return fmt.Errorf("failed to create index %s on collection %s: %w",
				idx.Name, idx.Collection, err)
		}
	}
	return nil
}
