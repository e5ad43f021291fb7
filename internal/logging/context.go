package logging

import (
	"context"
	"log/slog"

	"casegraph/internal/services"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldJobID is the standardized structured logging key for job identifiers.
	FieldJobID = "job_id"
	// FieldArtifactID is the standardized structured logging key for artifact identifiers.
	FieldArtifactID = "artifact_id"
	// FieldStage is the standardized structured logging key for pipeline stage names.
	FieldStage = "stage"
	// FieldQueue is the standardized structured logging key for queue names.
	FieldQueue = "queue"
	// FieldClass is the standardized structured logging key for media classes.
	FieldClass = "class"
	// FieldRetryCount is the structured logging key for a message's retry count.
	FieldRetryCount = "retry_count"
	// FieldCorrelationID is the standardized structured logging key for request correlation identifiers.
	FieldCorrelationID = "correlation_id"
	// FieldEventType names the event a log line records (stage_start, retry_scheduled, ...).
	FieldEventType = "event_type"
	// FieldErrorHint carries the operator's next step for warnings and errors.
	FieldErrorHint = "error_hint"
	// FieldErrorKind carries the error classification marker.
	FieldErrorKind = "error_kind"
	// FieldImpact is the standardized key for user-facing consequence of a warning.
	FieldImpact = "impact"
	// FieldAlert flags warnings or anomalies that should stand out in structured logs.
	FieldAlert = "alert"
)

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 5)
	if id, ok := services.JobIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldJobID, id))
	}
	if id, ok := services.ArtifactIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldArtifactID, id))
	}
	if stage, ok := services.StageFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldStage, stage))
	}
	if name, ok := services.QueueFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldQueue, name))
	}
	if rid, ok := services.RequestIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldCorrelationID, rid))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(attrsToArgs(fields)...)
}

// ErrorKind returns the classification label of err for FieldErrorKind.
func ErrorKind(err error) string {
	switch services.Classify(err) {
	case services.ErrValidation:
		return "validation"
	case services.ErrConfiguration:
		return "configuration"
	case services.ErrNotFound:
		return "not_found"
	case services.ErrTimeout:
		return "timeout"
	case services.ErrExternalTool:
		return "external_tool"
	case services.ErrTransient:
		return "transient"
	default:
		return "unknown"
	}
}
