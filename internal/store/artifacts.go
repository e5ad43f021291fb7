package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"casegraph/internal/database"
	"casegraph/internal/pipeline"
	"casegraph/internal/services"
)

// EnsureArtifact registers an artifact in QUEUED when it does not exist. The
// job's total_count is raised when more artifacts exist than were declared.
// The boolean reports whether a row was created.
func (s *Store) EnsureArtifact(ctx context.Context, spec ArtifactSpec) (*Artifact, bool, error) {
	if !spec.Class.IsMedia() {
		return nil, false, services.Wrap(services.ErrConfiguration, "", "register artifact",
			fmt.Sprintf("class %q cannot be dispatched", spec.Class), nil)
	}
	id := strings.TrimSpace(spec.ID)
	if id == "" {
		id = uuid.NewString()
	}
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		name = id
	}
	metadata := spec.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	metaJSON, err := encodeJSON(metadata)
	if err != nil {
		return nil, false, fmt.Errorf("encode metadata: %w", err)
	}
	ts := s.timestamp()

	var (
		artifact *Artifact
		created  bool
	)
	err = s.db.WithTx(ctx, func(tx *database.Tx) error {
		job, err := getJob(ctx, tx, spec.JobID)
		if err != nil {
			return err
		}
		if job == nil {
			return services.Wrap(services.ErrNotFound, "", "register artifact", "job "+spec.JobID+" not found", nil)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO artifacts (id, job_id, name, ref, class, status, stage_times, metadata, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, '{}', ?, ?, ?)
			 ON CONFLICT (id) DO NOTHING`,
			id, spec.JobID, name, spec.Ref, spec.Class, ArtifactQueued, metaJSON, ts, ts,
		)
		if err != nil {
			return fmt.Errorf("insert artifact: %w", err)
		}
		if created, err = affectedOne(res); err != nil {
			return err
		}
		if created {
			var count int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM artifacts WHERE job_id = ?`, spec.JobID).Scan(&count); err != nil {
				return fmt.Errorf("count artifacts: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE jobs SET total_count = ?, updated_at = ? WHERE id = ? AND total_count < ?`,
				count, ts, spec.JobID, count,
			); err != nil {
				return fmt.Errorf("raise total count: %w", err)
			}
		}
		artifact, err = getArtifact(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if artifact != nil && artifact.JobID != spec.JobID {
		return nil, false, services.Wrap(services.ErrValidation, "", "register artifact",
			"artifact "+id+" belongs to job "+artifact.JobID, nil)
	}
	return artifact, created, nil
}

// GetArtifact fetches an artifact by id.
func (s *Store) GetArtifact(ctx context.Context, id string) (*Artifact, error) {
	return getArtifact(ctx, s.db, id)
}

func getArtifact(ctx context.Context, q database.Querier, id string) (*Artifact, error) {
	a, err := scanArtifact(q.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return a, nil
}

// ListArtifacts returns the artifacts of a job ordered by creation.
func (s *Store) ListArtifacts(ctx context.Context, jobID string) ([]*Artifact, error) {
	return s.queryArtifacts(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE job_id = ? ORDER BY created_at, id`, jobID)
}

func (s *Store) queryArtifacts(ctx context.Context, query string, args ...any) ([]*Artifact, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// ClaimArtifact atomically moves an artifact from the expected waiting status
// to PROCESSING and stamps the attempt token. False means another worker owns
// it or it is terminal.
func (s *Store) ClaimArtifact(ctx context.Context, id string, from ArtifactStatus, attemptID string) (bool, error) {
	ts := s.timestamp()
	res, err := s.db.ExecContext(ctx,
		`UPDATE artifacts
		 SET status = ?, attempt_id = ?, heartbeat_at = ?, started_at = COALESCE(started_at, ?), updated_at = ?
		 WHERE id = ? AND status = ?`,
		ArtifactProcessing, attemptID, ts, ts, ts, id, from,
	)
	if err != nil {
		return false, fmt.Errorf("claim artifact: %w", err)
	}
	return affectedOne(res)
}

// BeginStage records the stage the owner is about to run.
func (s *Store) BeginStage(ctx context.Context, id, attemptID string, stage pipeline.Stage) (bool, error) {
	ts := s.timestamp()
	res, err := s.db.ExecContext(ctx,
		`UPDATE artifacts SET current_stage = ?, heartbeat_at = ?, updated_at = ?
		 WHERE id = ? AND attempt_id = ? AND status = ?`,
		stage, ts, ts, id, attemptID, ArtifactProcessing,
	)
	if err != nil {
		return false, fmt.Errorf("begin stage: %w", err)
	}
	return affectedOne(res)
}

// CompleteStage appends the elapsed time to the stage-time map and commits
// the stage output in one transaction.
func (s *Store) CompleteStage(ctx context.Context, id, attemptID string, stage pipeline.Stage, elapsed time.Duration, out StageOutput) (bool, error) {
	ts := s.timestamp()
	var owned bool
	err := s.db.WithTx(ctx, func(tx *database.Tx) error {
		owned = false
		var raw sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT stage_times FROM artifacts WHERE id = ? AND attempt_id = ? AND status = ?`,
			id, attemptID, ArtifactProcessing,
		).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read stage times: %w", err)
		}
		times, err := decodeStageTimes(raw.String)
		if err != nil {
			return fmt.Errorf("decode stage times: %w", err)
		}
		times[stage] = elapsed.Seconds()
		encoded, err := encodeJSON(times)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE artifacts SET current_stage = ?, stage_times = ?, heartbeat_at = ?, updated_at = ?
			 WHERE id = ? AND attempt_id = ? AND status = ?`,
			stage, encoded, ts, ts, id, attemptID, ArtifactProcessing,
		)
		if err != nil {
			return fmt.Errorf("record stage time: %w", err)
		}
		if owned, err = affectedOne(res); err != nil || !owned {
			return err
		}
		var data any
		if len(out.Data) > 0 {
			data = string(out.Data)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO artifact_outputs (artifact_id, stage, text, data, created_at) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (artifact_id, stage) DO UPDATE SET text = excluded.text, data = excluded.data, created_at = excluded.created_at`,
			id, stage, database.NullableString(out.Text), data, ts,
		); err != nil {
			return fmt.Errorf("store stage output: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return owned, nil
}

// Heartbeat refreshes heartbeat_at while the owner runs a stage.
func (s *Store) Heartbeat(ctx context.Context, id, attemptID string) (bool, error) {
	ts := s.timestamp()
	res, err := s.db.ExecContext(ctx,
		`UPDATE artifacts SET heartbeat_at = ?, updated_at = ? WHERE id = ? AND attempt_id = ? AND status = ?`,
		ts, ts, id, attemptID, ArtifactProcessing,
	)
	if err != nil {
		return false, fmt.Errorf("heartbeat: %w", err)
	}
	return affectedOne(res)
}

// MarkAwaitingGraph hands the artifact to the graph queue and releases the
// attempt token.
func (s *Store) MarkAwaitingGraph(ctx context.Context, id, attemptID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE artifacts SET status = ?, attempt_id = NULL, heartbeat_at = NULL, updated_at = ?
		 WHERE id = ? AND attempt_id = ? AND status = ?`,
		ArtifactAwaitingGraph, s.timestamp(), id, attemptID, ArtifactProcessing,
	)
	if err != nil {
		return false, fmt.Errorf("mark awaiting graph: %w", err)
	}
	return affectedOne(res)
}

// MarkCompleted makes the artifact terminal after the graph stage.
func (s *Store) MarkCompleted(ctx context.Context, id, attemptID string) (bool, error) {
	ts := s.timestamp()
	res, err := s.db.ExecContext(ctx,
		`UPDATE artifacts
		 SET status = ?, attempt_id = NULL, heartbeat_at = NULL, error_message = NULL, completed_at = ?, updated_at = ?
		 WHERE id = ? AND attempt_id = ? AND status = ?`,
		ArtifactCompleted, ts, ts, id, attemptID, ArtifactProcessing,
	)
	if err != nil {
		return false, fmt.Errorf("mark completed: %w", err)
	}
	return affectedOne(res)
}

// ReleaseForRetry returns a non-terminal artifact to a waiting status and
// records the error that caused the retry.
func (s *Store) ReleaseForRetry(ctx context.Context, id string, to ArtifactStatus, errorMessage string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE artifacts SET status = ?, attempt_id = NULL, heartbeat_at = NULL, error_message = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN (?, ?)`,
		to, database.NullableString(errorMessage), s.timestamp(), id, ArtifactCompleted, ArtifactFailed,
	)
	if err != nil {
		return false, fmt.Errorf("release artifact: %w", err)
	}
	return affectedOne(res)
}

// MarkFailed makes a non-terminal artifact permanently FAILED.
func (s *Store) MarkFailed(ctx context.Context, id, errorMessage string) (bool, error) {
	ts := s.timestamp()
	res, err := s.db.ExecContext(ctx,
		`UPDATE artifacts
		 SET status = ?, attempt_id = NULL, heartbeat_at = NULL, error_message = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN (?, ?)`,
		ArtifactFailed, database.NullableString(errorMessage), ts, ts, id, ArtifactCompleted, ArtifactFailed,
	)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return affectedOne(res)
}

// ReopenArtifact moves a FAILED artifact back to a waiting status for an
// operator replay.
func (s *Store) ReopenArtifact(ctx context.Context, id string, to ArtifactStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE artifacts
		 SET status = ?, attempt_id = NULL, heartbeat_at = NULL, error_message = NULL, completed_at = NULL, updated_at = ?
		 WHERE id = ? AND status = ?`,
		to, s.timestamp(), id, ArtifactFailed,
	)
	if err != nil {
		return false, fmt.Errorf("reopen artifact: %w", err)
	}
	return affectedOne(res)
}

// ListStale returns artifacts in the given statuses (PROCESSING by default)
// whose heartbeat, or last update when no heartbeat exists, predates cutoff.
func (s *Store) ListStale(ctx context.Context, cutoff time.Time, statuses ...ArtifactStatus) ([]*Artifact, error) {
	if len(statuses) == 0 {
		statuses = []ArtifactStatus{ArtifactProcessing}
	}
	args := make([]any, 0, len(statuses)+1)
	for _, status := range statuses {
		args = append(args, status)
	}
	args = append(args, database.FormatTime(cutoff))
	return s.queryArtifacts(ctx,
		`SELECT `+artifactColumns+` FROM artifacts
		 WHERE status IN (`+database.Placeholders(len(statuses))+`) AND COALESCE(heartbeat_at, updated_at) < ?
		 ORDER BY updated_at, id`,
		args...,
	)
}

// ResetForRedispatch returns a stale artifact to a waiting status, provided
// it has not changed owner since it was listed.
func (s *Store) ResetForRedispatch(ctx context.Context, a *Artifact, to ArtifactStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE artifacts SET status = ?, attempt_id = NULL, heartbeat_at = NULL, updated_at = ?
		 WHERE id = ? AND status = ? AND COALESCE(attempt_id, '') = ?`,
		to, s.timestamp(), a.ID, a.Status, a.AttemptID,
	)
	if err != nil {
		return false, fmt.Errorf("reset stale artifact: %w", err)
	}
	return affectedOne(res)
}

// StageOutputs returns every committed stage output of an artifact.
func (s *Store) StageOutputs(ctx context.Context, id string) (map[pipeline.Stage]StageOutput, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT stage, text, data FROM artifact_outputs WHERE artifact_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("stage outputs: %w", err)
	}
	defer rows.Close()

	outputs := make(map[pipeline.Stage]StageOutput)
	for rows.Next() {
		var (
			stage string
			text  sql.NullString
			data  sql.NullString
		)
		if err := rows.Scan(&stage, &text, &data); err != nil {
			return nil, err
		}
		out := StageOutput{Text: text.String}
		if data.Valid {
			out.Data = []byte(data.String)
		}
		outputs[pipeline.Stage(stage)] = out
	}
	return outputs, rows.Err()
}

// ArtifactStats counts artifacts per status, for one job or all jobs.
func (s *Store) ArtifactStats(ctx context.Context, jobID string) (map[ArtifactStatus]int, error) {
	query := `SELECT status, COUNT(1) FROM artifacts`
	var args []any
	if jobID != "" {
		query += ` WHERE job_id = ?`
		args = append(args, jobID)
	}
	query += ` GROUP BY status`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("artifact stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[ArtifactStatus]int)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[ArtifactStatus(status)] = count
	}
	return stats, rows.Err()
}
