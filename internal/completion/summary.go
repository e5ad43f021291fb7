package completion

import (
	"context"
	"sort"

	"casegraph/internal/services"
	"casegraph/internal/store"
)

// CaseSummary aggregates every job of a case.
type CaseSummary struct {
	Case            string                       `json:"case"`
	Jobs            []JobSummary                 `json:"jobs"`
	ArtifactCounts  map[store.ArtifactStatus]int `json:"artifact_counts"`
	FailedArtifacts []string                     `json:"failed_artifacts,omitempty"`
	Completed       bool                         `json:"completed"`
}

// JobSummary is one row of a case summary.
type JobSummary struct {
	ID             string          `json:"id"`
	ParentJobID    string          `json:"parent_job_id,omitempty"`
	Status         store.JobStatus `json:"status"`
	TotalCount     int             `json:"total_count"`
	ProcessedCount int             `json:"processed_count"`
	ErrorMessage   string          `json:"error_message,omitempty"`
}

// JobDetail is a job with its artifacts.
type JobDetail struct {
	Job       *store.Job
	Artifacts []*store.Artifact
}

// CaseSummary returns the jobs, artifact counts and failed artifact names
// of a case.
func (c *Coordinator) CaseSummary(ctx context.Context, caseName string) (*CaseSummary, error) {
	cs, err := c.store.GetCase(ctx, caseName)
	if err != nil {
		return nil, err
	}
	if cs == nil {
		return nil, services.Wrap(services.ErrNotFound, "", "case summary", "case "+caseName, nil)
	}
	jobs, err := c.store.ListJobs(ctx, caseName)
	if err != nil {
		return nil, err
	}

	summary := &CaseSummary{
		Case:           cs.Name,
		Jobs:           make([]JobSummary, 0, len(jobs)),
		ArtifactCounts: make(map[store.ArtifactStatus]int),
		Completed:      len(jobs) > 0,
	}
	for _, job := range jobs {
		summary.Jobs = append(summary.Jobs, JobSummary{
			ID:             job.ID,
			ParentJobID:    job.ParentJobID,
			Status:         job.Status,
			TotalCount:     job.TotalCount,
			ProcessedCount: job.ProcessedCount,
			ErrorMessage:   job.ErrorMessage,
		})
		if job.Status != store.JobCompleted {
			summary.Completed = false
		}
		artifacts, err := c.store.ListArtifacts(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		for _, a := range artifacts {
			summary.ArtifactCounts[a.Status]++
			if a.Status == store.ArtifactFailed {
				summary.FailedArtifacts = append(summary.FailedArtifacts, a.Name)
			}
		}
	}
	sort.Strings(summary.FailedArtifacts)
	return summary, nil
}

// JobDetail loads a job and its artifacts.
func (c *Coordinator) JobDetail(ctx context.Context, jobID string) (*JobDetail, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, services.Wrap(services.ErrNotFound, "", "job detail", "job "+jobID, nil)
	}
	artifacts, err := c.store.ListArtifacts(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &JobDetail{Job: job, Artifacts: artifacts}, nil
}
