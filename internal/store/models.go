package store

import (
	"time"

	"casegraph/internal/pipeline"
)

// JobStatus is the lifecycle of a job. It only moves forward.
type JobStatus string

const (
	JobQueued     JobStatus = "QUEUED"
	JobProcessing JobStatus = "PROCESSING"
	JobCompleted  JobStatus = "COMPLETED"
)

// ArtifactStatus is the lifecycle of one artifact.
type ArtifactStatus string

const (
	ArtifactQueued        ArtifactStatus = "QUEUED"
	ArtifactProcessing    ArtifactStatus = "PROCESSING"
	ArtifactAwaitingGraph ArtifactStatus = "AWAITING_GRAPH"
	ArtifactCompleted     ArtifactStatus = "COMPLETED"
	ArtifactFailed        ArtifactStatus = "FAILED"
)

// ArtifactStatuses lists every status in lifecycle order.
var ArtifactStatuses = []ArtifactStatus{
	ArtifactQueued,
	ArtifactProcessing,
	ArtifactAwaitingGraph,
	ArtifactCompleted,
	ArtifactFailed,
}

// IsTerminal reports whether no further transitions occur.
func (s ArtifactStatus) IsTerminal() bool {
	return s == ArtifactCompleted || s == ArtifactFailed
}

// QueuedStatusFor returns the waiting status for work destined to a class
// queue: AWAITING_GRAPH for the graph queue, QUEUED otherwise.
func QueuedStatusFor(c pipeline.Class) ArtifactStatus {
	if c == pipeline.ClassGraph {
		return ArtifactAwaitingGraph
	}
	return ArtifactQueued
}

// Case groups jobs under an investigator-chosen name.
type Case struct {
	Name      string
	CreatedAt time.Time
}

// Job is one upload batch.
type Job struct {
	ID             string
	CaseID         string
	ParentJobID    string
	TotalCount     int
	ProcessedCount int
	Status         JobStatus
	ErrorMessage   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

// CaseScope is the entity resolution scope of the job.
func (j *Job) CaseScope() string {
	if j.CaseID != "" {
		return j.CaseID
	}
	return "job:" + j.ID
}

// JobSpec describes a job to create.
type JobSpec struct {
	ID          string
	CaseID      string
	ParentJobID string
	TotalCount  int
}

// Artifact is one uploaded file and its processing state.
type Artifact struct {
	ID           string
	JobID        string
	Name         string
	Ref          string
	Class        pipeline.Class
	Status       ArtifactStatus
	CurrentStage pipeline.Stage
	// StageTimes maps each completed stage to its elapsed seconds.
	StageTimes   map[pipeline.Stage]float64
	Metadata     map[string]string
	AttemptID    string
	ErrorMessage string
	HeartbeatAt  *time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasStage reports whether stage already committed output.
func (a *Artifact) HasStage(stage pipeline.Stage) bool {
	_, ok := a.StageTimes[stage]
	return ok
}

// ClassStagesDone reports whether every class stage has been recorded.
func (a *Artifact) ClassStagesDone() bool {
	for _, stage := range pipeline.Stages(a.Class) {
		if !a.HasStage(stage) {
			return false
		}
	}
	return true
}

// ArtifactSpec describes an artifact to register.
type ArtifactSpec struct {
	ID       string
	JobID    string
	Name     string
	Ref      string
	Class    pipeline.Class
	Metadata map[string]string
}

// StageOutput is the committed result of one stage.
type StageOutput struct {
	Text string
	Data []byte
}

// Entity is a resolved graph entity contributed by one artifact.
type Entity struct {
	CaseScope    string
	CanonicalKey string
	ArtifactID   string
	DisplayName  string
	Type         string
	Properties   map[string]any
	UpdatedAt    time.Time
}

// Relationship is a directed edge between entity node keys.
type Relationship struct {
	SourceKey  string
	TargetKey  string
	Type       string
	CaseScope  string
	ArtifactID string
	Properties map[string]any
	UpdatedAt  time.Time
}
