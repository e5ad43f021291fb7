package api

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"casegraph/internal/completion"
	"casegraph/internal/dispatch"
	"casegraph/internal/pipeline"
	"casegraph/internal/queue"
	"casegraph/internal/retry"
	"casegraph/internal/services"
	"casegraph/internal/store"
)

// Service answers operator queries and actions with API types.
type Service struct {
	store       *store.Store
	queue       *queue.Queue
	retry       *retry.Manager
	dispatcher  *dispatch.Dispatcher
	coordinator *completion.Coordinator
	now         func() time.Time
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithClock overrides the time source used for stale cutoffs.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService wires a Service.
func NewService(st *store.Store, q *queue.Queue, mgr *retry.Manager, d *dispatch.Dispatcher, c *completion.Coordinator, opts ...ServiceOption) *Service {
	s := &Service{store: st, queue: q, retry: mgr, dispatcher: d, coordinator: c, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping checks the store and the queue backend.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.store.DB().Ping(ctx); err != nil {
		return err
	}
	return s.queue.Ping(ctx)
}

// Queues reports the depth of every class queue and the pending retry count.
func (s *Service) Queues(ctx context.Context) (QueueOverview, error) {
	depths, err := s.queue.Depths(ctx)
	if err != nil {
		return QueueOverview{}, err
	}
	pending, err := s.queue.PendingRetries(ctx)
	if err != nil {
		return QueueOverview{}, err
	}
	out := QueueOverview{Queues: make(map[string]int64, len(depths)), PendingRetries: len(pending)}
	for class, n := range depths {
		out.Queues[string(class)] = n
	}
	return out, nil
}

// DeadLetters lists records for a class, or for every class when class is
// empty or "all".
func (s *Service) DeadLetters(ctx context.Context, class string) ([]DeadLetter, error) {
	classes := pipeline.AllClasses
	if c := strings.TrimSpace(class); c != "" && !strings.EqualFold(c, "all") {
		parsed, err := pipeline.ParseClass(c)
		if err != nil {
			return nil, err
		}
		classes = []pipeline.Class{parsed}
	}
	var recs []queue.DeadLetter
	for _, c := range classes {
		batch, err := s.queue.ListDeadLetters(ctx, c)
		if err != nil {
			return nil, err
		}
		recs = append(recs, batch...)
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].FailureTime.Before(recs[j].FailureTime) })
	return FromDeadLetters(recs), nil
}

// Requeue replays a dead-letter record.
func (s *Service) Requeue(ctx context.Context, key queue.Key) (ActionResponse, error) {
	ok, err := s.retry.Requeue(ctx, key)
	if err != nil {
		return ActionResponse{}, err
	}
	if !ok {
		return ActionResponse{}, services.Wrap(services.ErrNotFound, "", "requeue", "no dead letter for "+key.String(), nil)
	}
	return ActionResponse{OK: true, Message: "requeued " + key.String()}, nil
}

// Retries lists scheduled retries, earliest release first.
func (s *Service) Retries(ctx context.Context) ([]ScheduledRetry, error) {
	pending, err := s.queue.PendingRetries(ctx)
	if err != nil {
		return nil, err
	}
	return FromScheduled(pending), nil
}

// CancelRetry deletes a scheduled retry and fails its artifact.
func (s *Service) CancelRetry(ctx context.Context, key queue.Key) (ActionResponse, error) {
	ok, err := s.retry.CancelRetry(ctx, key)
	if err != nil {
		return ActionResponse{}, err
	}
	if !ok {
		return ActionResponse{}, services.Wrap(services.ErrNotFound, "", "cancel retry", "no scheduled retry for "+key.String(), nil)
	}
	return ActionResponse{OK: true, Message: "cancelled retry for " + key.String()}, nil
}

// Job returns a job and its artifacts.
func (s *Service) Job(ctx context.Context, id string) (JobDetail, error) {
	detail, err := s.coordinator.JobDetail(ctx, id)
	if err != nil {
		return JobDetail{}, err
	}
	return FromJobDetail(detail), nil
}

// Case returns the summary of a case.
func (s *Service) Case(ctx context.Context, name string) (CaseSummary, error) {
	summary, err := s.coordinator.CaseSummary(ctx, name)
	if err != nil {
		return CaseSummary{}, err
	}
	return FromCaseSummary(summary), nil
}

// RedispatchStale re-dispatches artifacts untouched for olderThan.
func (s *Service) RedispatchStale(ctx context.Context, olderThan time.Duration, statuses ...store.ArtifactStatus) (RedispatchResponse, error) {
	if olderThan <= 0 {
		return RedispatchResponse{}, services.Wrap(services.ErrValidation, "", "redispatch", "stale age must be positive", nil)
	}
	n, err := s.dispatcher.Redispatch(ctx, s.now().Add(-olderThan), statuses...)
	return RedispatchResponse{Redispatched: n}, err
}

// ParseStaleStatuses parses operator-supplied statuses for a re-dispatch.
// Only non-terminal statuses are accepted.
func ParseStaleStatuses(values []string) ([]store.ArtifactStatus, error) {
	out := make([]store.ArtifactStatus, 0, len(values))
	for _, v := range values {
		s := store.ArtifactStatus(strings.ToUpper(strings.TrimSpace(v)))
		if !slices.Contains(dispatch.StaleStatuses, s) {
			return nil, services.Wrap(services.ErrValidation, "", "redispatch",
				fmt.Sprintf("status %q cannot be re-dispatched (want QUEUED, PROCESSING or AWAITING_GRAPH)", v), nil)
		}
		out = append(out, s)
	}
	return out, nil
}
