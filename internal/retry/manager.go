package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"casegraph/internal/config"
	"casegraph/internal/logging"
	"casegraph/internal/pipeline"
	"casegraph/internal/queue"
	"casegraph/internal/services"
	"casegraph/internal/status"
	"casegraph/internal/store"
)

const (
	// maxBackoffExponent keeps BASE*2^n from overflowing time.Duration.
	maxBackoffExponent = 20

	cancelledMessage = "retry cancelled by operator"
)

// Completer is signalled whenever an artifact becomes terminal.
type Completer interface {
	OnArtifactTerminal(ctx context.Context, jobID string) (bool, error)
}

// Options holds retry timing.
type Options struct {
	MaxAttempts   int
	BaseBackoff   time.Duration
	DLQRetention  time.Duration
	SweepInterval time.Duration
	SweepBatch    int
	LockPath      string

	// StaleAfter and RedispatchInterval drive the optional stale sweep in
	// RunSweeper; a zero interval disables it.
	StaleAfter         time.Duration
	RedispatchInterval time.Duration
}

// OptionsFromConfig maps the retry section of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxAttempts:        cfg.Retry.MaxAttempts,
		BaseBackoff:        cfg.BaseBackoff(),
		DLQRetention:       cfg.DLQRetention(),
		SweepInterval:      time.Duration(cfg.Retry.SweepInterval) * time.Second,
		SweepBatch:         cfg.Retry.SweepBatch,
		LockPath:           filepath.Join(cfg.Paths.DataDir, "sweeper.lock"),
		StaleAfter:         time.Duration(cfg.Retry.StaleAfterSeconds) * time.Second,
		RedispatchInterval: time.Duration(cfg.Retry.RedispatchInterval) * time.Second,
	}
}

// Outcome names what HandleFailure did with a message.
type Outcome string

const (
	OutcomeRetried      Outcome = "retried"
	OutcomeDeadLettered Outcome = "dead_lettered"
	// OutcomeDropped means the artifact was already terminal or missing.
	OutcomeDropped Outcome = "dropped"
)

// Decision describes a HandleFailure result.
type Decision struct {
	Outcome    Outcome
	RetryCount int
	ReleaseAt  time.Time
}

// Manager implements the retry and dead-letter flows.
type Manager struct {
	opts       Options
	queue      *queue.Queue
	store      *store.Store
	completer  Completer
	reporter   *status.Reporter
	redispatch Redispatcher
	logger     *slog.Logger
	now        func() time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithReporter publishes artifact transitions made by the manager.
func WithReporter(r *status.Reporter) Option {
	return func(m *Manager) { m.reporter = r }
}

// WithRedispatcher enables periodic stale re-dispatch in RunSweeper.
func WithRedispatcher(r Redispatcher) Option {
	return func(m *Manager) { m.redispatch = r }
}

// New builds a manager.
func New(q *queue.Queue, st *store.Store, completer Completer, logger *slog.Logger, opts Options, options ...Option) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	if opts.SweepBatch <= 0 {
		opts.SweepBatch = 100
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Second
	}
	m := &Manager{
		opts:      opts,
		queue:     q,
		store:     st,
		completer: completer,
		logger:    logging.NewComponentLogger(logger, "retry"),
		now:       time.Now,
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// Backoff returns base*2^count.
func Backoff(base time.Duration, count int) time.Duration {
	if count < 0 {
		count = 0
	}
	if count > maxBackoffExponent {
		count = maxBackoffExponent
	}
	return base * time.Duration(1<<count)
}

// HandleFailure schedules a delayed retry of msg on queueName, or writes a
// dead-letter record once the message has used its attempts.
func (m *Manager) HandleFailure(ctx context.Context, msg queue.Message, queueName string, cause error) (Decision, error) {
	if queueName == "" {
		queueName = msg.TargetQueue()
	}
	ctx = services.WithQueue(services.WithArtifactID(services.WithJobID(ctx, msg.JobID), msg.ArtifactID), queueName)
	logger := logging.WithContext(ctx, m.logger)

	if msg.RetryCount() < m.opts.MaxAttempts {
		return m.scheduleRetry(ctx, logger, msg, queueName, cause)
	}
	return m.deadLetter(ctx, logger, msg, queueName, cause)
}

func (m *Manager) scheduleRetry(ctx context.Context, logger *slog.Logger, msg queue.Message, queueName string, cause error) (Decision, error) {
	count := msg.RetryCount()
	releaseAt := m.now().Add(Backoff(m.opts.BaseBackoff, count)).UTC()

	// The artifact goes back to its waiting status before the entry exists,
	// otherwise a fast sweep could deliver a message the claim rejects.
	released, err := m.store.ReleaseForRetry(ctx, msg.ArtifactID, waitingStatus(msg, queueName), errorText(cause))
	if err != nil {
		return Decision{}, err
	}
	if !released {
		logger.Debug("artifact terminal or missing; retry dropped",
			logging.String(logging.FieldEventType, "retry_dropped"),
		)
		return Decision{Outcome: OutcomeDropped, RetryCount: count}, nil
	}
	if err := m.queue.Schedule(ctx, msg.ScheduledRetry(count+1, releaseAt, queueName)); err != nil {
		return Decision{}, err
	}
	m.report(ctx, msg.ArtifactID)

	logger.Warn("stage failed; retry scheduled",
		logging.String(logging.FieldEventType, "retry_scheduled"),
		logging.Int(logging.FieldRetryCount, count+1),
		logging.Int("max_attempts", m.opts.MaxAttempts),
		logging.String("release_at", releaseAt.Format(time.RFC3339)),
		logging.String(logging.FieldErrorKind, logging.ErrorKind(cause)),
		logging.String(logging.FieldErrorHint, "the message returns to its queue after the delay"),
		logging.Error(cause),
	)
	return Decision{Outcome: OutcomeRetried, RetryCount: count + 1, ReleaseAt: releaseAt}, nil
}

func (m *Manager) deadLetter(ctx context.Context, logger *slog.Logger, msg queue.Message, queueName string, cause error) (Decision, error) {
	rec := queue.DeadLetter{
		Message:       msg,
		FailureTime:   m.now().UTC(),
		ErrorMessage:  errorText(cause),
		ErrorType:     services.ErrorType(cause),
		StackTrace:    stackTrace(cause),
		OriginalQueue: queueName,
		Class:         msg.Class,
	}
	if err := m.queue.PutDeadLetter(ctx, rec, m.opts.DLQRetention); err != nil {
		return Decision{}, err
	}
	if _, err := m.store.MarkFailed(ctx, msg.ArtifactID, rec.ErrorMessage); err != nil {
		return Decision{}, err
	}
	m.report(ctx, msg.ArtifactID)

	logging.ErrorWithContext(logger, "retries exhausted; message dead-lettered", "dead_lettered",
		logging.Int(logging.FieldRetryCount, msg.RetryCount()),
		logging.String("error_type", rec.ErrorType),
		logging.String(logging.FieldErrorHint, "inspect with `casegraph dlq list` and replay with `casegraph dlq requeue`"),
		logging.String(logging.FieldImpact, "artifact marked FAILED"),
		logging.Alert("dead_letter"),
		logging.Error(cause),
	)

	if _, err := m.completer.OnArtifactTerminal(ctx, msg.JobID); err != nil {
		return Decision{}, err
	}
	return Decision{Outcome: OutcomeDeadLettered, RetryCount: msg.RetryCount()}, nil
}

// Requeue replays a dead-letter record on its original queue with a fresh
// attempt budget. It reports false when no record exists.
func (m *Manager) Requeue(ctx context.Context, key queue.Key) (bool, error) {
	rec, err := m.queue.GetDeadLetter(ctx, key)
	if err != nil || rec == nil {
		return false, err
	}
	queueName := rec.OriginalQueue
	if queueName == "" {
		queueName = rec.Message.TargetQueue()
	}
	class, ok := pipeline.ClassForQueue(queueName)
	if !ok {
		class = rec.Message.Class
	}
	if _, err := m.store.ReopenArtifact(ctx, key.ArtifactID, store.QueuedStatusFor(class)); err != nil {
		return false, err
	}
	if _, err := m.store.ReopenJob(ctx, key.JobID); err != nil {
		return false, err
	}
	if _, err := m.queue.Enqueue(ctx, queueName, rec.Message.Replayed()); err != nil {
		return false, err
	}
	if _, err := m.queue.DeleteDeadLetter(ctx, key, rec.Class); err != nil {
		return false, err
	}
	m.report(ctx, key.ArtifactID)

	m.logger.Info("dead letter replayed",
		logging.String(logging.FieldJobID, key.JobID),
		logging.String(logging.FieldArtifactID, key.ArtifactID),
		logging.String(logging.FieldQueue, queueName),
		logging.String(logging.FieldEventType, "dead_letter_requeued"),
	)
	return true, nil
}

// CancelRetry removes the scheduled retry of an artifact and fails it. It
// reports false when nothing was scheduled.
func (m *Manager) CancelRetry(ctx context.Context, key queue.Key) (bool, error) {
	n, err := m.queue.CancelRetry(ctx, key)
	if err != nil || n == 0 {
		return false, err
	}
	if _, err := m.store.MarkFailed(ctx, key.ArtifactID, cancelledMessage); err != nil {
		return false, err
	}
	m.report(ctx, key.ArtifactID)
	if _, err := m.completer.OnArtifactTerminal(ctx, key.JobID); err != nil {
		return false, err
	}

	m.logger.Info("scheduled retry cancelled",
		logging.String(logging.FieldJobID, key.JobID),
		logging.String(logging.FieldArtifactID, key.ArtifactID),
		logging.Int("entries", n),
		logging.String(logging.FieldEventType, "retry_cancelled"),
	)
	return true, nil
}

func (m *Manager) report(ctx context.Context, artifactID string) {
	if m.reporter == nil {
		return
	}
	a, err := m.store.GetArtifact(ctx, artifactID)
	if err != nil {
		m.logger.Debug("status snapshot unavailable", logging.Error(err))
		return
	}
	m.reporter.Artifact(ctx, a)
}

func waitingStatus(msg queue.Message, queueName string) store.ArtifactStatus {
	if class, ok := pipeline.ClassForQueue(queueName); ok {
		return store.QueuedStatusFor(class)
	}
	return store.QueuedStatusFor(msg.Class)
}

func errorText(err error) string {
	if err == nil {
		return "stage failed without error detail"
	}
	if text := strings.TrimSpace(err.Error()); text != "" {
		return text
	}
	return fmt.Sprintf("stage failed (%T)", err)
}

func stackTrace(err error) string {
	var stageErr *services.StageError
	if errors.As(err, &stageErr) {
		return stageErr.Stack
	}
	return ""
}
