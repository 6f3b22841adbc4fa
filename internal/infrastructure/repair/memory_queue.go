package repair

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue implements Queue in process memory.
type MemoryQueue struct {
	mu   sync.Mutex
	jobs map[string]*Job
	now  func() time.Time
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		jobs: make(map[string]*Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (q *MemoryQueue) Add(_ context.Context, job Job) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	prepareJob(&job, q.now())
	if job.DedupeKey != "" {
		for _, existing := range q.jobs {
			if existing.DedupeKey == job.DedupeKey {
				return "", ErrDuplicateJob
			}
		}
	}

	stored := job
	q.jobs[job.ID] = &stored
	return job.ID, nil
}

func (q *MemoryQueue) Claim(_ context.Context, batchSize int) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := make([]*Job, 0)
	for _, job := range q.jobs {
		if job.Status == StatusPending {
			pending = append(pending, job)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].ID < pending[j].ID
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	batchSize = defaultBatch(batchSize)
	claimed := make([]Job, 0, min(batchSize, len(pending)))
	now := q.now()
	for _, job := range pending {
		if len(claimed) == batchSize {
			break
		}
		job.Status = StatusProcessing
		job.StartedAt = &now
		job.Attempts++
		claimed = append(claimed, *job)
	}
	return claimed, nil
}

func (q *MemoryQueue) Requeue(_ context.Context, jobID string, err error) error {
	return q.update(jobID, func(job *Job) {
		job.Status = StatusPending
		job.Error = errorText(err)
	})
}

func (q *MemoryQueue) MarkCompleted(_ context.Context, jobID string) error {
	now := q.now()
	return q.update(jobID, func(job *Job) {
		job.Status = StatusCompleted
		job.DedupeKey = ""
		job.CompletedAt = &now
	})
}

func (q *MemoryQueue) MarkFailed(_ context.Context, jobID string, err error) error {
	now := q.now()
	return q.update(jobID, func(job *Job) {
		job.Status = StatusFailed
		job.DedupeKey = ""
		job.Error = errorText(err)
		job.CompletedAt = &now
	})
}

func (q *MemoryQueue) GetStats(_ context.Context) (*QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := &QueueStats{}
	for _, job := range q.jobs {
		stats.add(job.Status, 1)
	}
	return stats, nil
}

// Get returns a copy of a job, for tests and status endpoints.
func (q *MemoryQueue) Get(jobID string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

func (q *MemoryQueue) update(jobID string, fn func(*Job)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("job not found: %s", jobID)
	}
	fn(job)
	return nil
}

// prepareJob fills defaults for a new job.
func prepareJob(job *Job, now time.Time) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.Status == "" {
		job.Status = StatusPending
	}
	// only active jobs hold their dedupe key
	if job.Status != StatusPending && job.Status != StatusProcessing {
		job.DedupeKey = ""
	}
}

func defaultBatch(batchSize int) int {
	if batchSize <= 0 {
		return 10
	}
	return batchSize
}
