// Package repair keeps the projection job queue: requested rebuilds, single
// projection repairs and recorded consumer incidents.
package repair

import (
	"context"
	"errors"
	"time"
)

// JobType defines the type of projection job.
type JobType string

const (
	// JobTypeRebuild recomputes every projection.
	JobTypeRebuild JobType = "projection_rebuild"

	// JobTypeRepair recomputes the projection of one aggregate.
	JobTypeRepair JobType = "projection_repair"

	// JobTypeIncident records a consumer halt for manual remediation. It is
	// created failed and never processed.
	JobTypeIncident JobType = "projection_incident"
)

// Job statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// RebuildDedupeKey is held by the single active rebuild job.
const RebuildDedupeKey = "projection_rebuild"

// ErrDuplicateJob is returned by Add when an active job holds the same dedupe key.
var ErrDuplicateJob = errors.New("duplicate active projection job")

// Job represents a projection job.
type Job struct {
	ID          string     `bson:"_id"                  json:"id"`
	JobType     JobType    `bson:"job_type"             json:"job_type"`
	AggregateID string     `bson:"aggregate_id"         json:"aggregate_id,omitempty"`
	Status      string     `bson:"status"               json:"status"`
	DedupeKey   string     `bson:"dedupe_key,omitempty" json:"-"`
	RequestedBy string     `bson:"requested_by"         json:"requested_by,omitempty"`
	Error       string     `bson:"error"                json:"error,omitempty"`
	Attempts    int        `bson:"attempts"             json:"attempts"`
	CreatedAt   time.Time  `bson:"created_at"           json:"created_at"`
	StartedAt   *time.Time `bson:"started_at,omitempty"   json:"started_at,omitempty"`
	CompletedAt *time.Time `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
}

// Queue manages projection jobs.
type Queue interface {
	// Add stores a new job and returns its id. Jobs sharing a non-empty
	// DedupeKey with a pending or processing job are rejected with ErrDuplicateJob.
	Add(ctx context.Context, job Job) (string, error)

	// Claim moves up to batchSize pending jobs to processing, oldest first.
	// A job is claimed by exactly one caller.
	Claim(ctx context.Context, batchSize int) ([]Job, error)

	// Requeue returns a processing job to pending after a failed attempt.
	Requeue(ctx context.Context, jobID string, err error) error

	// MarkCompleted marks a job as completed and frees its dedupe key.
	MarkCompleted(ctx context.Context, jobID string) error

	// MarkFailed marks a job as failed and frees its dedupe key.
	MarkFailed(ctx context.Context, jobID string, err error) error

	// GetStats returns queue statistics.
	GetStats(ctx context.Context) (*QueueStats, error)
}

// QueueStats contains statistics about the job queue.
type QueueStats struct {
	PendingCount    int64 `json:"pending"`
	ProcessingCount int64 `json:"processing"`
	CompletedCount  int64 `json:"completed"`
	FailedCount     int64 `json:"failed"`
	TotalCount      int64 `json:"total"`
}

func (s *QueueStats) add(status string, count int64) {
	switch status {
	case StatusPending:
		s.PendingCount += count
	case StatusProcessing:
		s.ProcessingCount += count
	case StatusCompleted:
		s.CompletedCount += count
	case StatusFailed:
		s.FailedCount += count
	}
	s.TotalCount += count
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
