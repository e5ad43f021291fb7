package api

import (
	"maps"
	"time"

	"casegraph/internal/completion"
	"casegraph/internal/queue"
	"casegraph/internal/store"
)

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

// FromJob converts a store job.
func FromJob(job *store.Job) Job {
	if job == nil {
		return Job{}
	}
	return Job{
		ID:             job.ID,
		CaseID:         job.CaseID,
		ParentJobID:    job.ParentJobID,
		Status:         string(job.Status),
		TotalCount:     job.TotalCount,
		ProcessedCount: job.ProcessedCount,
		ErrorMessage:   job.ErrorMessage,
		CreatedAt:      formatTime(job.CreatedAt),
		UpdatedAt:      formatTime(job.UpdatedAt),
		CompletedAt:    formatTimePtr(job.CompletedAt),
	}
}

// FromArtifact converts a store artifact.
func FromArtifact(a *store.Artifact) Artifact {
	if a == nil {
		return Artifact{}
	}
	dto := Artifact{
		ID:           a.ID,
		JobID:        a.JobID,
		Name:         a.Name,
		Ref:          a.Ref,
		Class:        string(a.Class),
		Status:       string(a.Status),
		CurrentStage: string(a.CurrentStage),
		Metadata:     maps.Clone(a.Metadata),
		ErrorMessage: a.ErrorMessage,
		HeartbeatAt:  formatTimePtr(a.HeartbeatAt),
		UpdatedAt:    formatTime(a.UpdatedAt),
	}
	if len(a.StageTimes) > 0 {
		dto.StageTimes = make(map[string]float64, len(a.StageTimes))
		for stage, secs := range a.StageTimes {
			dto.StageTimes[string(stage)] = secs
		}
	}
	return dto
}

// FromArtifacts converts a slice of artifacts.
func FromArtifacts(artifacts []*store.Artifact) []Artifact {
	out := make([]Artifact, 0, len(artifacts))
	for _, a := range artifacts {
		out = append(out, FromArtifact(a))
	}
	return out
}

// FromJobDetail converts a coordinator job detail.
func FromJobDetail(detail *completion.JobDetail) JobDetail {
	if detail == nil {
		return JobDetail{Artifacts: []Artifact{}}
	}
	return JobDetail{Job: FromJob(detail.Job), Artifacts: FromArtifacts(detail.Artifacts)}
}

// FromCaseSummary converts a coordinator case summary.
func FromCaseSummary(summary *completion.CaseSummary) CaseSummary {
	if summary == nil {
		return CaseSummary{}
	}
	dto := CaseSummary{
		Case:            summary.Case,
		Completed:       summary.Completed,
		Jobs:            make([]CaseJob, 0, len(summary.Jobs)),
		ArtifactCounts:  make(map[string]int, len(summary.ArtifactCounts)),
		FailedArtifacts: summary.FailedArtifacts,
	}
	for _, job := range summary.Jobs {
		dto.Jobs = append(dto.Jobs, CaseJob{
			ID:             job.ID,
			ParentJobID:    job.ParentJobID,
			Status:         string(job.Status),
			TotalCount:     job.TotalCount,
			ProcessedCount: job.ProcessedCount,
			ErrorMessage:   job.ErrorMessage,
		})
	}
	for status, n := range summary.ArtifactCounts {
		dto.ArtifactCounts[string(status)] = n
	}
	return dto
}

// FromDeadLetter converts a dead-letter record.
func FromDeadLetter(rec queue.DeadLetter) DeadLetter {
	return DeadLetter{
		JobID:         rec.Message.JobID,
		ArtifactID:    rec.Message.ArtifactID,
		Class:         string(rec.Class),
		OriginalQueue: rec.OriginalQueue,
		RetryCount:    rec.Message.RetryCount(),
		ErrorMessage:  rec.ErrorMessage,
		ErrorType:     rec.ErrorType,
		StackTrace:    rec.StackTrace,
		FailureTime:   formatTime(rec.FailureTime),
		ExpiresAt:     formatTime(rec.ExpiresAt),
		Metadata:      maps.Clone(rec.Message.Metadata),
	}
}

// FromDeadLetters converts a slice of dead-letter records.
func FromDeadLetters(recs []queue.DeadLetter) []DeadLetter {
	out := make([]DeadLetter, 0, len(recs))
	for _, rec := range recs {
		out = append(out, FromDeadLetter(rec))
	}
	return out
}

// FromScheduled converts pending retries.
func FromScheduled(entries []queue.ScheduledMessage) []ScheduledRetry {
	out := make([]ScheduledRetry, 0, len(entries))
	for _, e := range entries {
		out = append(out, ScheduledRetry{
			JobID:      e.Message.JobID,
			ArtifactID: e.Message.ArtifactID,
			Queue:      e.Queue,
			RetryCount: e.Message.RetryCount(),
			ReleaseAt:  formatTime(e.ReleaseAt),
		})
	}
	return out
}
