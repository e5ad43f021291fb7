package status

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"casegraph/internal/logging"
	"casegraph/internal/store"
)

// Event is a point-in-time snapshot of an artifact's progress.
type Event struct {
	Sequence     uint64             `json:"seq,omitempty"`
	JobID        string             `json:"job_id"`
	ArtifactID   string             `json:"artifact_id"`
	Status       string             `json:"status"`
	CurrentStage string             `json:"current_stage,omitempty"`
	StageTimes   map[string]float64 `json:"stage_times,omitempty"`
	Timestamp    time.Time          `json:"timestamp"`
}

// ArtifactEvent snapshots a stored artifact.
func ArtifactEvent(a *store.Artifact) Event {
	if a == nil {
		return Event{}
	}
	times := make(map[string]float64, len(a.StageTimes))
	for stage, elapsed := range a.StageTimes {
		times[string(stage)] = elapsed
	}
	return Event{
		JobID:        a.JobID,
		ArtifactID:   a.ID,
		Status:       string(a.Status),
		CurrentStage: string(a.CurrentStage),
		StageTimes:   times,
		Timestamp:    time.Now().UTC(),
	}
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reporter publishes artifact snapshots and logs failures instead of
// returning them.
type Reporter struct {
	pub    Publisher
	logger *slog.Logger
}

// NewReporter wraps pub. A nil pub discards events.
func NewReporter(pub Publisher, logger *slog.Logger) *Reporter {
	if pub == nil {
		pub = Nop{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Reporter{pub: pub, logger: logger}
}

// Artifact publishes the artifact's current state.
func (r *Reporter) Artifact(ctx context.Context, a *store.Artifact) {
	if r == nil || a == nil {
		return
	}
	if err := r.pub.Publish(ctx, ArtifactEvent(a)); err != nil {
		logging.WarnWithContext(r.logger, "status publish failed", "status_publish_failed",
			logging.String(logging.FieldArtifactID, a.ID),
			logging.String("status", string(a.Status)),
			logging.String(logging.FieldErrorHint, "status consumers may miss this transition; the store is unaffected"),
			logging.Error(err),
		)
	}
}
