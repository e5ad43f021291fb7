package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"casegraph/internal/logging"
	"casegraph/internal/pipeline"
	"casegraph/internal/queue"
	"casegraph/internal/services"
	"casegraph/internal/status"
	"casegraph/internal/store"
)

// Request describes one artifact to dispatch.
type Request struct {
	JobID string
	// ArtifactID is optional; a UUID is assigned when empty.
	ArtifactID string
	Name       string
	Ref        string
	Class      string
	Metadata   map[string]string
}

// Result reports a dispatched artifact.
type Result struct {
	Artifact *store.Artifact
	Created  bool
	// Depth is the queue length right after the push.
	Depth int64
}

// Dispatcher turns upload requests into queued work.
type Dispatcher struct {
	store    *store.Store
	queue    *queue.Queue
	reporter *status.Reporter
	logger   *slog.Logger
}

// New builds a dispatcher. A nil reporter disables status events.
func New(st *store.Store, q *queue.Queue, reporter *status.Reporter, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Dispatcher{
		store:    st,
		queue:    q,
		reporter: reporter,
		logger:   logging.NewComponentLogger(logger, "dispatch"),
	}
}

// CreateJob creates a job, its case and an optional parent link. A child job
// without a case inherits the parent's case.
func (d *Dispatcher) CreateJob(ctx context.Context, caseID, parentJobID string, total int) (*store.Job, error) {
	job, err := d.store.CreateJob(ctx, store.JobSpec{CaseID: caseID, ParentJobID: parentJobID, TotalCount: total})
	if err != nil {
		return nil, err
	}
	d.logger.Info("job created",
		logging.String(logging.FieldJobID, job.ID),
		logging.String("case", job.CaseID),
		logging.Int("total", job.TotalCount),
		logging.String(logging.FieldEventType, "job_created"),
	)
	return job, nil
}

// Dispatch registers the artifact and enqueues its first message. Enqueue
// failures are returned to the caller; the artifact stays QUEUED and a later
// Dispatch or stale pass resends it.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Result, error) {
	class, err := pipeline.ParseClass(req.Class)
	if err != nil {
		return Result{}, err
	}
	if !class.IsMedia() {
		return Result{}, services.Wrap(services.ErrConfiguration, "dispatch", "validate",
			fmt.Sprintf("class %s is internal and cannot be dispatched", class), nil)
	}
	if strings.TrimSpace(req.JobID) == "" {
		return Result{}, services.Wrap(services.ErrValidation, "dispatch", "validate", "job id is required", nil)
	}
	if strings.TrimSpace(req.Ref) == "" {
		return Result{}, services.Wrap(services.ErrValidation, "dispatch", "validate", "artifact reference is required", nil)
	}
	if class.RequiresLanguage() && strings.TrimSpace(req.Metadata["language"]) == "" {
		return Result{}, services.Wrap(services.ErrConfiguration, "dispatch", "validate",
			fmt.Sprintf("metadata.language is required for %s artifacts", class), nil)
	}

	artifact, created, err := d.store.EnsureArtifact(ctx, store.ArtifactSpec{
		ID:       req.ArtifactID,
		JobID:    req.JobID,
		Name:     req.Name,
		Ref:      req.Ref,
		Class:    class,
		Metadata: req.Metadata,
	})
	if err != nil {
		return Result{}, err
	}
	if !created && artifact.Status != store.ArtifactQueued {
		return Result{}, services.Wrap(services.ErrValidation, "dispatch", "register artifact",
			fmt.Sprintf("artifact %s is already %s", artifact.ID, artifact.Status), nil)
	}

	msg := queue.NewMessage(artifact.JobID, artifact.ID, artifact.Ref, artifact.Class, artifact.Metadata)
	depth, err := d.queue.Enqueue(ctx, class.QueueName(), msg)
	if err != nil {
		return Result{}, err
	}
	d.report(ctx, artifact)

	d.logger.Info("artifact dispatched",
		logging.String(logging.FieldJobID, artifact.JobID),
		logging.String(logging.FieldArtifactID, artifact.ID),
		logging.String(logging.FieldClass, string(class)),
		logging.String(logging.FieldQueue, class.QueueName()),
		logging.Int64("depth", depth),
		logging.Bool("created", created),
		logging.String(logging.FieldEventType, "artifact_dispatched"),
	)
	return Result{Artifact: artifact, Created: created, Depth: depth}, nil
}

// StaleStatuses are the non-terminal statuses a stale pass considers.
var StaleStatuses = []store.ArtifactStatus{store.ArtifactProcessing, store.ArtifactAwaitingGraph, store.ArtifactQueued}

// RedispatchStale re-enqueues non-terminal artifacts untouched since cutoff.
// It reports how many were re-dispatched.
func (d *Dispatcher) RedispatchStale(ctx context.Context, cutoff time.Time) (int, error) {
	return d.Redispatch(ctx, cutoff, StaleStatuses...)
}

// Redispatch re-enqueues artifacts in the given statuses (StaleStatuses when
// none are given) that have not been touched since cutoff. Artifacts whose
// class stages are all recorded go to the graph queue in AWAITING_GRAPH.
// Queued artifacts with a scheduled retry are left to the sweeper.
func (d *Dispatcher) Redispatch(ctx context.Context, cutoff time.Time, statuses ...store.ArtifactStatus) (int, error) {
	if len(statuses) == 0 {
		statuses = StaleStatuses
	}
	stale, err := d.store.ListStale(ctx, cutoff, statuses...)
	if err != nil {
		return 0, err
	}
	scheduled, err := d.scheduledKeys(ctx, stale)
	if err != nil {
		return 0, err
	}
	var (
		count int
		errs  []error
	)
	for _, a := range stale {
		if _, ok := scheduled[queue.Key{JobID: a.JobID, ArtifactID: a.ID}]; ok {
			continue
		}
		ok, err := d.redispatchOne(ctx, a)
		if err != nil {
			errs = append(errs, fmt.Errorf("redispatch %s: %w", a.ID, err))
			continue
		}
		if ok {
			count++
		}
	}
	return count, errors.Join(errs...)
}

// scheduledKeys returns the keys with a pending retry, loaded only when some
// stale artifact sits in a queued state.
func (d *Dispatcher) scheduledKeys(ctx context.Context, stale []*store.Artifact) (map[queue.Key]struct{}, error) {
	needed := false
	for _, a := range stale {
		if a.Status != store.ArtifactProcessing {
			needed = true
			break
		}
	}
	if !needed {
		return nil, nil
	}
	pending, err := d.queue.PendingRetries(ctx)
	if err != nil {
		return nil, err
	}
	keys := make(map[queue.Key]struct{}, len(pending))
	for _, p := range pending {
		keys[p.Message.Key()] = struct{}{}
	}
	return keys, nil
}

func (d *Dispatcher) redispatchOne(ctx context.Context, a *store.Artifact) (bool, error) {
	to := store.ArtifactQueued
	if a.Status == store.ArtifactAwaitingGraph || a.ClassStagesDone() {
		to = store.ArtifactAwaitingGraph
	}
	reset, err := d.store.ResetForRedispatch(ctx, a, to)
	if err != nil || !reset {
		return false, err
	}

	msg := queue.NewMessage(a.JobID, a.ID, a.Ref, a.Class, a.Metadata)
	if to == store.ArtifactAwaitingGraph {
		msg = msg.ForGraph()
	}
	queueName := msg.Class.QueueName()
	if _, err := d.queue.Enqueue(ctx, queueName, msg); err != nil {
		return false, err
	}

	logging.WarnWithContext(d.logger, "stale artifact re-dispatched", "artifact_redispatched",
		logging.String(logging.FieldJobID, a.JobID),
		logging.String(logging.FieldArtifactID, a.ID),
		logging.String(logging.FieldQueue, queueName),
		logging.String("previous_status", string(a.Status)),
		logging.String("previous_stage", string(a.CurrentStage)),
		logging.String(logging.FieldErrorHint, "the previous worker stopped heartbeating or its message was lost; completed stages are skipped"),
	)
	if updated, err := d.store.GetArtifact(ctx, a.ID); err == nil {
		d.report(ctx, updated)
	}
	return true, nil
}

func (d *Dispatcher) report(ctx context.Context, a *store.Artifact) {
	if d.reporter != nil {
		d.reporter.Artifact(ctx, a)
	}
}
