package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"casegraph/internal/database"
	"casegraph/internal/services"
)

// EnsureCase creates the case when it does not exist yet.
func (s *Store) EnsureCase(ctx context.Context, name string) error {
	return ensureCase(ctx, s.db, strings.TrimSpace(name), s.timestamp())
}

func ensureCase(ctx context.Context, q database.Querier, name, ts string) error {
	if name == "" {
		return errors.New("case name is empty")
	}
	if _, err := q.ExecContext(ctx,
		`INSERT INTO cases (name, created_at) VALUES (?, ?) ON CONFLICT (name) DO NOTHING`,
		name, ts,
	); err != nil {
		return fmt.Errorf("ensure case: %w", err)
	}
	return nil
}

// GetCase returns the case or nil when it does not exist.
func (s *Store) GetCase(ctx context.Context, name string) (*Case, error) {
	var (
		c   Case
		raw string
	)
	err := s.db.QueryRowContext(ctx, `SELECT name, created_at FROM cases WHERE name = ?`, name).Scan(&c.Name, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get case: %w", err)
	}
	if t, err := database.ParseTime(raw); err == nil {
		c.CreatedAt = t
	}
	return &c, nil
}

// CreateJob inserts a QUEUED job, creating its case implicitly.
func (s *Store) CreateJob(ctx context.Context, spec JobSpec) (*Job, error) {
	if spec.TotalCount < 0 {
		return nil, services.Wrap(services.ErrValidation, "", "create job", "total count must not be negative", nil)
	}
	id := strings.TrimSpace(spec.ID)
	if id == "" {
		id = uuid.NewString()
	}
	caseID := strings.TrimSpace(spec.CaseID)
	parentID := strings.TrimSpace(spec.ParentJobID)
	ts := s.timestamp()

	err := s.db.WithTx(ctx, func(tx *database.Tx) error {
		if caseID != "" {
			if err := ensureCase(ctx, tx, caseID, ts); err != nil {
				return err
			}
		}
		if parentID != "" {
			parent, err := getJob(ctx, tx, parentID)
			if err != nil {
				return err
			}
			if parent == nil {
				return services.Wrap(services.ErrNotFound, "", "create job", "parent job "+parentID+" not found", nil)
			}
			if caseID == "" {
				caseID = parent.CaseID
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (id, case_id, parent_job_id, total_count, processed_count, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
			id, database.NullableString(caseID), database.NullableString(parentID), spec.TotalCount, JobQueued, ts, ts,
		); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetJob(ctx, id)
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	return getJob(ctx, s.db, id)
}

func getJob(ctx context.Context, q database.Querier, id string) (*Job, error) {
	job, err := scanJob(q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs ordered by creation time, optionally filtered by case.
func (s *Store) ListJobs(ctx context.Context, caseID string) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if caseID != "" {
		query += ` WHERE case_id = ?`
		args = append(args, caseID)
	}
	query += ` ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// MarkJobProcessing moves a QUEUED job to PROCESSING.
func (s *Store) MarkJobProcessing(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		JobProcessing, s.timestamp(), id, JobQueued,
	)
	if err != nil {
		return false, fmt.Errorf("mark job processing: %w", err)
	}
	return affectedOne(res)
}

// UpdateJobProgress records the processed count, capped at total_count.
func (s *Store) UpdateJobProgress(ctx context.Context, id string, processed int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs
		 SET processed_count = CASE WHEN ? > total_count THEN total_count ELSE ? END, updated_at = ?
		 WHERE id = ? AND status <> ?`,
		processed, processed, s.timestamp(), id, JobCompleted,
	)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return nil
}

// CompleteJob marks a job COMPLETED. The write is skipped when the job is
// already complete, so repeated calls report false.
func (s *Store) CompleteJob(ctx context.Context, id string, processed int, errorMessage string) (bool, error) {
	ts := s.timestamp()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs
		 SET status = ?, processed_count = CASE WHEN ? > total_count THEN total_count ELSE ? END,
		     error_message = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status <> ?`,
		JobCompleted, processed, processed, database.NullableString(errorMessage), ts, ts, id, JobCompleted,
	)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	return affectedOne(res)
}

// ReopenJob moves a COMPLETED job back to PROCESSING for an operator replay.
func (s *Store) ReopenJob(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, completed_at = NULL, error_message = NULL, updated_at = ?
		 WHERE id = ? AND status = ?`,
		JobProcessing, s.timestamp(), id, JobCompleted,
	)
	if err != nil {
		return false, fmt.Errorf("reopen job: %w", err)
	}
	return affectedOne(res)
}
