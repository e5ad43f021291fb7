package api

import "casegraph/internal/status"

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Job describes a job in a transport-friendly format.
type Job struct {
	ID             string `json:"id"`
	CaseID         string `json:"case_id,omitempty"`
	ParentJobID    string `json:"parent_job_id,omitempty"`
	Status         string `json:"status"`
	TotalCount     int    `json:"total_count"`
	ProcessedCount int    `json:"processed_count"`
	ErrorMessage   string `json:"error_message,omitempty"`
	CreatedAt      string `json:"created_at,omitempty"`
	UpdatedAt      string `json:"updated_at,omitempty"`
	CompletedAt    string `json:"completed_at,omitempty"`
}

// Artifact describes an artifact and its progress.
type Artifact struct {
	ID           string             `json:"id"`
	JobID        string             `json:"job_id"`
	Name         string             `json:"name"`
	Ref          string             `json:"ref"`
	Class        string             `json:"class"`
	Status       string             `json:"status"`
	CurrentStage string             `json:"current_stage,omitempty"`
	StageTimes   map[string]float64 `json:"stage_times,omitempty"`
	Metadata     map[string]string  `json:"metadata,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
	HeartbeatAt  string             `json:"heartbeat_at,omitempty"`
	UpdatedAt    string             `json:"updated_at,omitempty"`
}

// JobDetail is a job with its artifacts.
type JobDetail struct {
	Job       Job        `json:"job"`
	Artifacts []Artifact `json:"artifacts"`
}

// CaseJob is one job row of a case summary.
type CaseJob struct {
	ID             string `json:"id"`
	ParentJobID    string `json:"parent_job_id,omitempty"`
	Status         string `json:"status"`
	TotalCount     int    `json:"total_count"`
	ProcessedCount int    `json:"processed_count"`
	ErrorMessage   string `json:"error_message,omitempty"`
}

// CaseSummary aggregates the jobs of a case.
type CaseSummary struct {
	Case            string         `json:"case"`
	Completed       bool           `json:"completed"`
	Jobs            []CaseJob      `json:"jobs"`
	ArtifactCounts  map[string]int `json:"artifact_counts"`
	FailedArtifacts []string       `json:"failed_artifacts,omitempty"`
}

// QueueOverview reports queue depth per class.
type QueueOverview struct {
	Queues         map[string]int64 `json:"queues"`
	PendingRetries int              `json:"pending_retries"`
}

// DeadLetter is a dead-letter record.
type DeadLetter struct {
	JobID         string            `json:"job_id"`
	ArtifactID    string            `json:"artifact_id"`
	Class         string            `json:"class"`
	OriginalQueue string            `json:"original_queue"`
	RetryCount    int               `json:"retry_count"`
	ErrorMessage  string            `json:"error_message"`
	ErrorType     string            `json:"error_type"`
	StackTrace    string            `json:"stack_trace,omitempty"`
	FailureTime   string            `json:"failure_time"`
	ExpiresAt     string            `json:"expires_at,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// ScheduledRetry is a pending retry.
type ScheduledRetry struct {
	JobID      string `json:"job_id"`
	ArtifactID string `json:"artifact_id"`
	Queue      string `json:"queue"`
	RetryCount int    `json:"retry_count"`
	ReleaseAt  string `json:"release_at"`
}

// ActionResponse reports the outcome of an operator action.
type ActionResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// RedispatchResponse reports a stale re-dispatch pass.
type RedispatchResponse struct {
	Redispatched int `json:"redispatched"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// StatusResponse is one page of status events. Pass Next as since to
// continue.
type StatusResponse struct {
	Events []status.Event `json:"events"`
	Next   uint64         `json:"next"`
}
