package repair

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/lllypuk/orderledger/internal/infrastructure/sqldb"
)

const jobColumns = `id, job_type, aggregate_id, status, dedupe_key, requested_by,
	error, attempts, created_at, started_at, completed_at`

type jobRow struct {
	ID          string  `db:"id"`
	JobType     string  `db:"job_type"`
	AggregateID string  `db:"aggregate_id"`
	Status      string  `db:"status"`
	DedupeKey   *string `db:"dedupe_key"`
	RequestedBy string  `db:"requested_by"`
	Error       string  `db:"error"`
	Attempts    int     `db:"attempts"`
	CreatedAt   int64   `db:"created_at"`
	StartedAt   *int64  `db:"started_at"`
	CompletedAt *int64  `db:"completed_at"`
}

// SQLQueue implements Queue on the projection_jobs table. NULL dedupe keys
// do not collide, so only active jobs are constrained by the unique index.
type SQLQueue struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLQueue creates a new SQL job queue.
func NewSQLQueue(db *sqlx.DB, logger *slog.Logger) *SQLQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLQueue{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (q *SQLQueue) Add(ctx context.Context, job Job) (string, error) {
	prepareJob(&job, q.now())

	row := jobRow{
		ID:          job.ID,
		JobType:     string(job.JobType),
		AggregateID: job.AggregateID,
		Status:      job.Status,
		RequestedBy: job.RequestedBy,
		Error:       job.Error,
		Attempts:    job.Attempts,
		CreatedAt:   sqldb.ToMillis(job.CreatedAt),
		StartedAt:   sqldb.ToNullableMillis(job.StartedAt),
		CompletedAt: sqldb.ToNullableMillis(job.CompletedAt),
	}
	if job.DedupeKey != "" {
		row.DedupeKey = &job.DedupeKey
	}

	_, err := q.db.NamedExecContext(ctx, `INSERT INTO projection_jobs (`+jobColumns+`) VALUES (
		:id, :job_type, :aggregate_id, :status, :dedupe_key, :requested_by,
		:error, :attempts, :created_at, :started_at, :completed_at)`, row)
	if err != nil {
		if sqldb.IsUniqueViolation(err) {
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

// Claim selects candidates and takes each with a conditional update, so
// concurrent workers never claim the same job.
func (q *SQLQueue) Claim(ctx context.Context, batchSize int) ([]Job, error) {
	var ids []string
	if err := q.db.SelectContext(ctx, &ids, q.db.Rebind(`SELECT id FROM projection_jobs
		WHERE status = ? ORDER BY created_at, id LIMIT ?`), StatusPending, defaultBatch(batchSize)); err != nil {
		return nil, fmt.Errorf("failed to query pending jobs: %w", err)
	}

	jobs := make([]Job, 0, len(ids))
	for _, id := range ids {
		res, err := q.db.ExecContext(ctx, q.db.Rebind(`UPDATE projection_jobs
			SET status = ?, started_at = ?, attempts = attempts + 1
			WHERE id = ? AND status = ?`),
			StatusProcessing, sqldb.ToMillis(q.now()), id, StatusPending)
		if err != nil {
			return jobs, fmt.Errorf("failed to claim job %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}

		var row jobRow
		if err = q.db.GetContext(ctx, &row, q.db.Rebind(`SELECT `+jobColumns+` FROM projection_jobs WHERE id = ?`), id); err != nil {
			return jobs, fmt.Errorf("failed to load job %s: %w", id, err)
		}
		jobs = append(jobs, rowToJob(row))
	}
	return jobs, nil
}

func (q *SQLQueue) Requeue(ctx context.Context, jobID string, jobErr error) error {
	return q.exec(ctx, jobID, `UPDATE projection_jobs SET status = ?, error = ? WHERE id = ?`,
		StatusPending, errorText(jobErr), jobID)
}

func (q *SQLQueue) MarkCompleted(ctx context.Context, jobID string) error {
	return q.exec(ctx, jobID, `UPDATE projection_jobs
		SET status = ?, dedupe_key = NULL, completed_at = ? WHERE id = ?`,
		StatusCompleted, sqldb.ToMillis(q.now()), jobID)
}

func (q *SQLQueue) MarkFailed(ctx context.Context, jobID string, jobErr error) error {
	if err := q.exec(ctx, jobID, `UPDATE projection_jobs
		SET status = ?, dedupe_key = NULL, error = ?, completed_at = ? WHERE id = ?`,
		StatusFailed, errorText(jobErr), sqldb.ToMillis(q.now()), jobID); err != nil {
		return err
	}

	q.logger.WarnContext(ctx, "marked projection job as failed",
		slog.String("job_id", jobID),
		slog.String("error", errorText(jobErr)),
	)
	return nil
}

func (q *SQLQueue) GetStats(ctx context.Context) (*QueueStats, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int64  `db:"count"`
	}
	if err := q.db.SelectContext(ctx, &rows,
		`SELECT status, COUNT(*) AS count FROM projection_jobs GROUP BY status`); err != nil {
		return nil, fmt.Errorf("failed to get queue stats: %w", err)
	}

	stats := &QueueStats{}
	for _, r := range rows {
		stats.add(r.Status, r.Count)
	}
	return stats, nil
}

func (q *SQLQueue) exec(ctx context.Context, jobID, query string, args ...any) error {
	res, err := q.db.ExecContext(ctx, q.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update projection job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job not found: %s", jobID)
	}
	return nil
}

func rowToJob(row jobRow) Job {
	job := Job{
		ID:          row.ID,
		JobType:     JobType(row.JobType),
		AggregateID: row.AggregateID,
		Status:      row.Status,
		RequestedBy: row.RequestedBy,
		Error:       row.Error,
		Attempts:    row.Attempts,
		CreatedAt:   sqldb.FromMillis(row.CreatedAt),
		StartedAt:   sqldb.FromNullableMillis(row.StartedAt),
		CompletedAt: sqldb.FromNullableMillis(row.CompletedAt),
	}
	if row.DedupeKey != nil {
		job.DedupeKey = *row.DedupeKey
	}
	return job
}
