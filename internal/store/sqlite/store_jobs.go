package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/blkluv/photo-booth-sogni-sub004/internal/domain"
)

// InsertJob records a newly submitted job in the queued state.
func (s *Store) InsertJob(ctx context.Context, id, sessionKey, styleID string) (domain.Job, error) {
	now := time.Now().UTC()
	job := domain.Job{
		ID:         id,
		SessionKey: sessionKey,
		StyleID:    styleID,
		State:      domain.JobStateQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO jobs (id, session_key, style_id, state, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, job.SessionKey, job.StyleID, job.State, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return domain.Job{}, &domain.JobError{JobID: id, Op: "insert", Err: err}
	}
	return job, nil
}

// SetJobState transitions a job and stamps updated_at. Result URL and error
// message are overwritten only when non-empty.
func (s *Store) SetJobState(ctx context.Context, id, state, resultURL, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs
SET state = ?,
    result_url = CASE WHEN ? != '' THEN ? ELSE result_url END,
    error = CASE WHEN ? != '' THEN ? ELSE error END,
    updated_at = ?
WHERE id = ?`,
		state, resultURL, resultURL, errMsg, errMsg, time.Now().UTC(), id)
	if err != nil {
		return &domain.JobError{JobID: id, Op: "set state", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &domain.JobError{JobID: id, Op: "set state", Err: err}
	}
	if n == 0 {
		return &domain.JobError{JobID: id, Op: "set state", Err: domain.ErrJobNotFound}
	}
	return nil
}

// GetJob fetches one job by id.
func (s *Store) GetJob(ctx context.Context, id string) (domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, session_key, style_id, state, result_url, error, created_at, updated_at
FROM jobs WHERE id = ?`, id)

	var job domain.Job
	err := row.Scan(&job.ID, &job.SessionKey, &job.StyleID, &job.State,
		&job.ResultURL, &job.Error, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, &domain.JobError{JobID: id, Op: "lookup", Err: domain.ErrJobNotFound}
	}
	if err != nil {
		return domain.Job{}, &domain.JobError{JobID: id, Op: "lookup", Err: err}
	}
	return job, nil
}

// CountJobsByState returns job totals keyed by state.
func (s *Store) CountJobsByState(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(1) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := map[string]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// RecentJobs returns the newest jobs, capped at limit.
func (s *Store) RecentJobs(ctx context.Context, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_key, style_id, state, result_url, error, created_at, updated_at
FROM jobs
ORDER BY created_at DESC, id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var jobs []domain.Job
	for rows.Next() {
		var job domain.Job
		if err := rows.Scan(&job.ID, &job.SessionKey, &job.StyleID, &job.State,
			&job.ResultURL, &job.Error, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// PurgeTerminalJobs deletes completed/failed jobs last updated before
// olderThan, at most limit rows per call so the janitor never holds a long
// write transaction.
func (s *Store) PurgeTerminalJobs(ctx context.Context, olderThan time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = defaultPurgeLimit
	}
	res, err := s.db.ExecContext(ctx, `
DELETE FROM jobs
WHERE id IN (
	SELECT id FROM jobs
	WHERE state IN (?, ?) AND updated_at < ?
	ORDER BY updated_at ASC
	LIMIT ?
)`,
		domain.JobStateCompleted, domain.JobStateFailed, olderThan.UTC(), limit)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
