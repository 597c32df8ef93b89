package store

import (
	"context"
	"time"

	"storefront/internal/models"
)

// A sending claim older than this belongs to a worker presumed dead; the
// job becomes fetchable again.
const outboxClaimTTL = 5 * time.Minute

// EnqueueJob persists an outbox job. Callers enqueue before acknowledging
// the webhook so a crash between the two cannot lose the notification.
func (s *Store) EnqueueJob(ctx context.Context, job *models.OutboxJob) error {
	query := `
		INSERT INTO outbox_jobs (id, kind, order_id, payload, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`

	return s.db.QueryRowxContext(ctx, query,
		job.ID, job.Kind, job.OrderID, job.Payload, models.JobPending,
	).Scan(&job.CreatedAt)
}

// FetchPendingJobs claims up to limit deliverable jobs by moving them to
// sending in the same statement, so concurrent worker instances never hand
// the same job out twice. SKIP LOCKED keeps the claimants from queueing on
// each other's rows; jobs stuck in sending past the claim TTL are picked
// up again.
func (s *Store) FetchPendingJobs(ctx context.Context, limit int) ([]models.OutboxJob, error) {
	var jobs []models.OutboxJob
	err := s.db.SelectContext(ctx, &jobs, `
		UPDATE outbox_jobs SET status = $1, claimed_at = NOW()
		WHERE id IN (
			SELECT id FROM outbox_jobs
			WHERE status = $2
			   OR (status = $1 AND claimed_at < NOW() - make_interval(secs => $3))
			ORDER BY created_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *`,
		models.JobSending, models.JobPending, outboxClaimTTL.Seconds(), limit)
	return jobs, err
}

// MarkJobSent marks a job as delivered.
func (s *Store) MarkJobSent(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_jobs SET status = $1, sent_at = NOW(), attempts = attempts + 1
		WHERE id = $2`,
		models.JobSent, jobID)
	return err
}

// MarkJobFailed records a failed delivery attempt. The job goes back to
// pending for retry until attempts reaches maxAttempts, then moves to
// failed.
func (s *Store) MarkJobFailed(ctx context.Context, jobID string, maxAttempts int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox_jobs
		SET attempts = attempts + 1,
		    status = CASE WHEN attempts + 1 >= $1 THEN $2 ELSE $3 END
		WHERE id = $4`,
		maxAttempts, models.JobFailed, models.JobPending, jobID)
	return err
}

// CountPendingJobs reports the undelivered backlog (pending plus in-flight
// sending), exported as a gauge.
func (s *Store) CountPendingJobs(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM outbox_jobs WHERE status IN ($1, $2)",
		models.JobPending, models.JobSending)
	return n, err
}
