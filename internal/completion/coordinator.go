package completion

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"casegraph/internal/logging"
	"casegraph/internal/services"
	"casegraph/internal/store"
)

// Coordinator evaluates job completion.
type Coordinator struct {
	store  *store.Store
	logger *slog.Logger
}

// New builds a coordinator.
func New(st *store.Store, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Coordinator{store: st, logger: logging.NewComponentLogger(logger, "completion")}
}

// OnArtifactTerminal re-reads the job's artifacts, records progress and
// completes the job when every artifact is terminal. It reports whether this
// call completed the job.
func (c *Coordinator) OnArtifactTerminal(ctx context.Context, jobID string) (bool, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, services.Wrap(services.ErrNotFound, "", "complete job", "job "+jobID, nil)
	}
	if job.Status == store.JobCompleted {
		return false, nil
	}
	artifacts, err := c.store.ListArtifacts(ctx, jobID)
	if err != nil {
		return false, err
	}

	terminal := 0
	var failed []string
	for _, a := range artifacts {
		if !a.Status.IsTerminal() {
			continue
		}
		terminal++
		if a.Status == store.ArtifactFailed {
			failed = append(failed, a.Name)
		}
	}

	if terminal < len(artifacts) || len(artifacts) < job.TotalCount {
		if err := c.store.UpdateJobProgress(ctx, jobID, terminal); err != nil {
			return false, err
		}
		return false, nil
	}

	changed, err := c.store.CompleteJob(ctx, jobID, terminal, FailureSummary(failed, job.TotalCount))
	if err != nil {
		return false, err
	}
	if changed {
		attrs := []logging.Attr{
			logging.String(logging.FieldJobID, jobID),
			logging.String(logging.FieldEventType, "job_completed"),
			logging.Int("artifacts", len(artifacts)),
			logging.Int("failed", len(failed)),
		}
		if job.CaseID != "" {
			attrs = append(attrs, logging.String("case", job.CaseID))
		}
		c.logger.Info("job completed", logging.Args(attrs...)...)
	}
	return changed, nil
}

// FailureSummary renders "<n> of <total> artifacts failed: a, b" with names
// sorted, or "" when nothing failed.
func FailureSummary(failed []string, total int) string {
	if len(failed) == 0 {
		return ""
	}
	names := append([]string(nil), failed...)
	sort.Strings(names)
	return fmt.Sprintf("%d of %d artifacts failed: %s", len(names), total, strings.Join(names, ", "))
}
