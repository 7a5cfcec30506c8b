package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/interview"
)

// EnqueueJob writes a validated job event to the durable queue. Payload
// validation happens in the dispatcher before this is called.
func (s *Store) EnqueueJob(ctx context.Context, name string, payload json.RawMessage, maxAttempts int) (*interview.JobEvent, error) {
	now := time.Now().UTC()
	job := &interview.JobEvent{
		ID:          uuid.New().String(),
		Name:        name,
		Payload:     payload,
		Status:      interview.JobPending,
		MaxAttempts: maxAttempts,
		NextRunAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_events (id, name, payload_json, status, attempts, max_attempts, next_run_at, last_error, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, '', ?, ?)`,
		job.ID, job.Name, string(job.Payload), job.MaxAttempts,
		formatTime(job.NextRunAt), formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("insert job event: %w", err)
	}

	return job, nil
}

// ClaimDueJobs atomically moves up to limit due pending jobs to running and
// returns them with their attempt counter already incremented. Claimed jobs
// are invisible to other pollers until completed or failed.
func (s *Store) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]interview.JobEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, name, payload_json, attempts, max_attempts, created_at
		FROM job_events
		WHERE status = 'pending' AND next_run_at <= ?
		ORDER BY next_run_at ASC LIMIT ?`,
		formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("query due jobs: %w", err)
	}

	var jobs []interview.JobEvent
	for rows.Next() {
		var job interview.JobEvent
		var payload, createdAt string
		if err := rows.Scan(&job.ID, &job.Name, &payload, &job.Attempts, &job.MaxAttempts, &createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan due job: %w", err)
		}
		job.Payload = json.RawMessage(payload)
		job.CreatedAt = parseTime(createdAt)
		job.Status = interview.JobRunning
		job.Attempts++
		jobs = append(jobs, job)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	stamp := formatTime(time.Now().UTC())
	for i := range jobs {
		if _, err := tx.ExecContext(ctx, `
			UPDATE job_events SET status = 'running', attempts = ?, updated_at = ? WHERE id = ?`,
			jobs[i].Attempts, stamp, jobs[i].ID); err != nil {
			return nil, fmt.Errorf("claim job %s: %w", jobs[i].ID, err)
		}
	}

	return jobs, tx.Commit()
}

// ReclaimStuckJobs resets running jobs last touched before cutoff back to
// pending, making work claimed by a crashed worker due again. The attempt
// counter persisted at claim time keeps redelivery bounded.
func (s *Store) ReclaimStuckJobs(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_events SET status = 'pending', next_run_at = ?, updated_at = ?
		WHERE status = 'running' AND updated_at < ?`,
		formatTime(time.Now().UTC()), formatTime(time.Now().UTC()), formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("reclaim stuck jobs: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// CompleteJob marks a running job done.
func (s *Store) CompleteJob(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE job_events SET status = 'done', last_error = '', updated_at = ? WHERE id = ?`,
		formatTime(time.Now().UTC()), jobID)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}

	return nil
}

// RetryJob reschedules a failed attempt with the given delay.
func (s *Store) RetryJob(ctx context.Context, jobID, lastError string, runAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE job_events SET status = 'pending', last_error = ?, next_run_at = ?, updated_at = ? WHERE id = ?`,
		lastError, formatTime(runAt), formatTime(time.Now().UTC()), jobID)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}

	return nil
}

// DeadLetterJob moves an exhausted job to the dead status. Dead jobs are
// never dropped; they stay listable for manual remediation.
func (s *Store) DeadLetterJob(ctx context.Context, jobID, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE job_events SET status = 'dead', last_error = ?, updated_at = ? WHERE id = ?`,
		lastError, formatTime(time.Now().UTC()), jobID)
	if err != nil {
		return fmt.Errorf("dead-letter job: %w", err)
	}

	return nil
}

// GetJob returns one job event by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (*interview.JobEvent, error) {
	var job interview.JobEvent
	var payload, status, nextRunAt, createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, payload_json, status, attempts, max_attempts, next_run_at, last_error, created_at, updated_at
		FROM job_events WHERE id = ?`, jobID).
		Scan(&job.ID, &job.Name, &payload, &status, &job.Attempts, &job.MaxAttempts,
			&nextRunAt, &job.LastError, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", jobID, sql.ErrNoRows)
	}
	if err != nil {
		return nil, fmt.Errorf("query job: %w", err)
	}

	job.Payload = json.RawMessage(payload)
	job.Status = interview.JobStatus(status)
	job.NextRunAt = parseTime(nextRunAt)
	job.CreatedAt = parseTime(createdAt)
	job.UpdatedAt = parseTime(updatedAt)
	return &job, nil
}

// DeadLetters lists jobs that exhausted their retries.
func (s *Store) DeadLetters(ctx context.Context, limit int) ([]interview.JobEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, payload_json, status, attempts, max_attempts, next_run_at, last_error, created_at, updated_at
		FROM job_events WHERE status = 'dead' ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var jobs []interview.JobEvent
	for rows.Next() {
		var job interview.JobEvent
		var payload, status, nextRunAt, createdAt, updatedAt string
		if err := rows.Scan(&job.ID, &job.Name, &payload, &status, &job.Attempts, &job.MaxAttempts,
			&nextRunAt, &job.LastError, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		job.Payload = json.RawMessage(payload)
		job.Status = interview.JobStatus(status)
		job.NextRunAt = parseTime(nextRunAt)
		job.CreatedAt = parseTime(createdAt)
		job.UpdatedAt = parseTime(updatedAt)
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}
