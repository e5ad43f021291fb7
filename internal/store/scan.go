package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"casegraph/internal/database"
	"casegraph/internal/pipeline"
)

const jobColumns = "id, case_id, parent_job_id, total_count, processed_count, status, error_message, created_at, updated_at, completed_at"

const artifactColumns = "id, job_id, name, ref, class, status, current_stage, stage_times, metadata, attempt_id, error_message, heartbeat_at, started_at, completed_at, created_at, updated_at"

type scanner interface{ Scan(dest ...any) error }

func scanJob(row scanner) (*Job, error) {
	var (
		job         Job
		caseID      sql.NullString
		parentID    sql.NullString
		status      string
		errMsg      sql.NullString
		createdRaw  string
		updatedRaw  string
		completedAt sql.NullString
	)
	if err := row.Scan(&job.ID, &caseID, &parentID, &job.TotalCount, &job.ProcessedCount,
		&status, &errMsg, &createdRaw, &updatedRaw, &completedAt); err != nil {
		return nil, err
	}
	job.CaseID = caseID.String
	job.ParentJobID = parentID.String
	job.Status = JobStatus(status)
	job.ErrorMessage = errMsg.String
	if t, err := database.ParseTime(createdRaw); err == nil {
		job.CreatedAt = t
	}
	if t, err := database.ParseTime(updatedRaw); err == nil {
		job.UpdatedAt = t
	}
	job.CompletedAt = database.NullTime(completedAt)
	return &job, nil
}

func scanArtifact(row scanner) (*Artifact, error) {
	var (
		a            Artifact
		class        string
		status       string
		currentStage sql.NullString
		stageTimes   sql.NullString
		metadata     sql.NullString
		attemptID    sql.NullString
		errMsg       sql.NullString
		heartbeat    sql.NullString
		started      sql.NullString
		completed    sql.NullString
		createdRaw   string
		updatedRaw   string
	)
	if err := row.Scan(&a.ID, &a.JobID, &a.Name, &a.Ref, &class, &status, &currentStage,
		&stageTimes, &metadata, &attemptID, &errMsg, &heartbeat, &started, &completed,
		&createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	a.Class = pipeline.Class(class)
	a.Status = ArtifactStatus(status)
	a.CurrentStage = pipeline.Stage(currentStage.String)
	a.AttemptID = attemptID.String
	a.ErrorMessage = errMsg.String
	a.HeartbeatAt = database.NullTime(heartbeat)
	a.StartedAt = database.NullTime(started)
	a.CompletedAt = database.NullTime(completed)
	if t, err := database.ParseTime(createdRaw); err == nil {
		a.CreatedAt = t
	}
	if t, err := database.ParseTime(updatedRaw); err == nil {
		a.UpdatedAt = t
	}
	var err error
	if a.StageTimes, err = decodeStageTimes(stageTimes.String); err != nil {
		return nil, fmt.Errorf("decode stage_times for %s: %w", a.ID, err)
	}
	a.Metadata = map[string]string{}
	if metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &a.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", a.ID, err)
		}
	}
	return &a, nil
}

func decodeStageTimes(raw string) (map[pipeline.Stage]float64, error) {
	times := map[pipeline.Stage]float64{}
	if raw == "" {
		return times, nil
	}
	if err := json.Unmarshal([]byte(raw), &times); err != nil {
		return nil, err
	}
	return times, nil
}

func encodeJSON(value any) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeProperties(raw string) (map[string]any, error) {
	props := map[string]any{}
	if raw == "" {
		return props, nil
	}
	if err := json.Unmarshal([]byte(raw), &props); err != nil {
		return nil, err
	}
	return props, nil
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
