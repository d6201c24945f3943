// Package queue persists trigger jobs in SQLite.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// timeFormat is fixed width so stored timestamps compare as strings.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

const jobColumns = `id, revision, builder, kind, priority, status, attempt, max_attempts, submitted_by,
  created_at, started_at, completed_at, next_retry_at, last_error`

type Queue struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Queue {
	return &Queue{db: db, now: time.Now}
}

func (q *Queue) stamp() string {
	return q.now().UTC().Format(timeFormat)
}

// Enqueue adds a trigger job. While a job for the same revision and builder is
// queued or running, its id is returned instead and created is false.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (id string, created bool, err error) {
	if req.Revision == "" {
		return "", false, fmt.Errorf("revision is empty")
	}
	if req.Builder == "" {
		return "", false, fmt.Errorf("builder is empty")
	}
	if req.SubmittedBy == "" {
		return "", false, fmt.Errorf("submitted_by is empty")
	}
	if req.Kind != KindDownstream && req.Kind != KindBuild {
		return "", false, fmt.Errorf("invalid kind: %q", req.Kind)
	}
	if req.Priority < PriorityHigh || req.Priority > PriorityLow {
		return "", false, fmt.Errorf("invalid priority: %d", req.Priority)
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 4
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	err = tx.QueryRowContext(ctx, `
SELECT id FROM trigger_queue
WHERE revision = ? AND builder = ? AND status IN (?, ?)
LIMIT 1;
`, req.Revision, req.Builder, StatusQueued, StatusRunning).Scan(&existing)
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return "", false, fmt.Errorf("check duplicate: %w", err)
	}

	id = uuid.NewString()
	_, err = tx.ExecContext(ctx, `
INSERT INTO trigger_queue(
  id, revision, builder, kind, priority, status, attempt, max_attempts, submitted_by, created_at
)
VALUES(?, ?, ?, ?, ?, ?, 1, ?, ?, ?);
`, id, req.Revision, req.Builder, req.Kind, int(req.Priority), StatusQueued, maxAttempts, req.SubmittedBy, q.stamp())
	if err != nil {
		return "", false, fmt.Errorf("enqueue job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("commit tx: %w", err)
	}
	return id, true, nil
}

// Dequeue claims the highest-priority, oldest queued job whose retry time has
// passed and marks it running. Returns (nil, nil) if nothing is ready.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	now := q.stamp()
	row := q.db.QueryRowContext(ctx, `
WITH next AS (
  SELECT id
  FROM trigger_queue
  WHERE status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
  ORDER BY priority ASC, created_at ASC, rowid ASC
  LIMIT 1
)
UPDATE trigger_queue
SET status = ?, started_at = ?
WHERE id IN (SELECT id FROM next)
RETURNING `+jobColumns+`;
`, StatusQueued, now, StatusRunning, now)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue job: %w", err)
	}
	return j, nil
}

// Complete marks a job terminal and appends a row to trigger_log.
func (q *Queue) Complete(ctx context.Context, jobID string, status Status, lastError *string) error {
	if jobID == "" {
		return fmt.Errorf("jobID is empty")
	}
	if status != StatusSucceeded && status != StatusFailed && status != StatusDead {
		return fmt.Errorf("invalid terminal status: %q", status)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	completedAt := q.stamp()
	res, err := tx.ExecContext(ctx, `
UPDATE trigger_queue
SET status = ?, completed_at = ?, last_error = ?, next_retry_at = NULL
WHERE id = ?;
`, status, completedAt, lastError, jobID)
	if err != nil {
		return fmt.Errorf("update job completion: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	if err := appendLog(ctx, tx, jobID, status, completedAt, lastError); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Retry logs the failed attempt and puts the job back in the queue with the
// attempt counter incremented, eligible again at nextAt.
func (q *Queue) Retry(ctx context.Context, jobID string, nextAt time.Time, lastError string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := appendLog(ctx, tx, jobID, StatusFailed, q.stamp(), &lastError); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
UPDATE trigger_queue
SET status = ?, attempt = attempt + 1, started_at = NULL, next_retry_at = ?, last_error = ?
WHERE id = ?;
`, StatusQueued, nextAt.UTC().Format(timeFormat), lastError, jobID)
	if err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// appendLog records one attempt of jobID. The job must exist.
func appendLog(ctx context.Context, tx *sql.Tx, jobID string, status Status, completedAt string, lastError *string) error {
	var (
		revision, builder, submittedBy, createdAt string
		attempt                                   int
	)
	err := tx.QueryRowContext(ctx, `
SELECT revision, builder, attempt, submitted_by, created_at
FROM trigger_queue
WHERE id = ?;
`, jobID).Scan(&revision, &builder, &attempt, &submittedBy, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return fmt.Errorf("load job for log: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO trigger_log(
  id, job_id, revision, builder, status, attempt, submitted_by, created_at, completed_at, last_error
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, fmt.Sprintf("%s-%d", jobID, attempt), jobID, revision, builder, status, attempt, submittedBy, createdAt, completedAt, lastError)
	if err != nil {
		return fmt.Errorf("insert trigger_log: %w", err)
	}
	return nil
}

// GetJobByID returns a job or ErrJobNotFound.
func (q *Queue) GetJobByID(ctx context.Context, jobID string) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM trigger_queue WHERE id = ?;`, jobID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// FindJobsByStatus returns jobs in status, oldest first.
func (q *Queue) FindJobsByStatus(ctx context.Context, status Status) ([]*Job, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT `+jobColumns+`
FROM trigger_queue
WHERE status = ?
ORDER BY created_at ASC, rowid ASC;
`, status)
	if err != nil {
		return nil, fmt.Errorf("find jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Depth counts queued jobs per priority. Every priority is present.
func (q *Queue) Depth(ctx context.Context) (map[Priority]int, error) {
	depth := make(map[Priority]int, len(Priorities))
	for _, p := range Priorities {
		depth[p] = 0
	}

	rows, err := q.db.QueryContext(ctx, `
SELECT priority, COUNT(*) FROM trigger_queue WHERE status = ? GROUP BY priority;
`, StatusQueued)
	if err != nil {
		return nil, fmt.Errorf("queue depth: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p, n int
		if err := rows.Scan(&p, &n); err != nil {
			return nil, fmt.Errorf("scan depth: %w", err)
		}
		depth[Priority(p)] = n
	}
	return depth, rows.Err()
}

// PruneLogs deletes trigger_log rows completed before now-retention.
func (q *Queue) PruneLogs(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := q.now().Add(-retention).UTC().Format(timeFormat)
	res, err := q.db.ExecContext(ctx, `DELETE FROM trigger_log WHERE completed_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune trigger_log: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*Job, error) {
	var (
		j            Job
		kind         string
		priority     int
		status       string
		createdAtS   string
		startedAtS   sql.NullString
		completedAtS sql.NullString
		nextRetryAtS sql.NullString
		lastError    sql.NullString
	)
	err := s.Scan(
		&j.ID, &j.Revision, &j.Builder, &kind, &priority, &status, &j.Attempt, &j.MaxAttempts, &j.SubmittedBy,
		&createdAtS, &startedAtS, &completedAtS, &nextRetryAtS, &lastError,
	)
	if err != nil {
		return nil, err
	}

	j.Kind = Kind(kind)
	j.Priority = Priority(priority)
	j.Status = Status(status)
	if t, err := time.Parse(timeFormat, createdAtS); err == nil {
		j.CreatedAt = t
	}
	j.StartedAt = parseNullTime(startedAtS)
	j.CompletedAt = parseNullTime(completedAtS)
	j.NextRetryAt = parseNullTime(nextRetryAtS)
	if lastError.Valid {
		j.LastError = &lastError.String
	}
	return &j, nil
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(timeFormat, s.String)
	if err != nil {
		return nil
	}
	return &t
}
