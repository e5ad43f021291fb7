package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"casegraph/internal/config"
	"casegraph/internal/logging"
	"casegraph/internal/pipeline"
	"casegraph/internal/queue"
	"casegraph/internal/resolve"
	"casegraph/internal/retry"
	"casegraph/internal/services"
	"casegraph/internal/status"
	"casegraph/internal/store"
)

// FailureHandler receives stage failures.
type FailureHandler interface {
	HandleFailure(ctx context.Context, msg queue.Message, queueName string, cause error) (retry.Decision, error)
}

// Completer is signalled when an artifact becomes terminal.
type Completer interface {
	OnArtifactTerminal(ctx context.Context, jobID string) (bool, error)
}

// Linker writes an extraction into the entity store and graph.
type Linker interface {
	Link(ctx context.Context, scope, artifactID string, ex resolve.Extraction) (resolve.Result, error)
}

// Deps are the collaborators of a Runtime.
type Deps struct {
	Store     *store.Store
	Queue     *queue.Queue
	Registry  *pipeline.Registry
	Failures  FailureHandler
	Completer Completer
	// Linker is required for the graph class only.
	Linker   Linker
	Reporter *status.Reporter
	Logger   *slog.Logger
	// ResolveRef maps a stored artifact reference to what executors open.
	ResolveRef func(ref string) string
}

// Options holds loop timing.
type Options struct {
	Class              pipeline.Class
	DequeueTimeout     time.Duration
	ErrorRetryInterval time.Duration
	HeartbeatInterval  time.Duration
}

// OptionsFromConfig maps worker and queue timing from cfg.
func OptionsFromConfig(cfg *config.Config, class pipeline.Class) Options {
	return Options{
		Class:              class,
		DequeueTimeout:     cfg.DequeueTimeout(),
		ErrorRetryInterval: time.Duration(cfg.Worker.ErrorRetryInterval) * time.Second,
		HeartbeatInterval:  time.Duration(cfg.Worker.HeartbeatInterval) * time.Second,
	}
}

// errLostOwnership ends processing when a token-guarded write matched no row.
var errLostOwnership = errors.New("artifact ownership lost")

// Runtime is the pull loop of one class worker.
type Runtime struct {
	deps      Deps
	opts      Options
	queueName string
	logger    *slog.Logger
	newToken  func() string

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	lastErr error
}

// New validates that every stage the class runs has an executor.
func New(deps Deps, opts Options) (*Runtime, error) {
	if deps.Store == nil || deps.Queue == nil || deps.Registry == nil || deps.Failures == nil || deps.Completer == nil {
		return nil, errors.New("worker requires store, queue, registry, failure handler and completer")
	}
	if _, err := pipeline.ParseClass(string(opts.Class)); err != nil {
		return nil, err
	}
	if opts.Class == pipeline.ClassGraph {
		if deps.Linker == nil {
			return nil, services.Wrap(services.ErrConfiguration, "", "start worker", "graph worker requires a linker", nil)
		}
		// Classes without a graph executor fail per artifact instead.
		var bound int
		for _, c := range pipeline.MediaClasses {
			if _, err := deps.Registry.GraphExecutor(c); err == nil {
				bound++
			}
		}
		if bound == 0 {
			return nil, services.Wrap(services.ErrConfiguration, "", "start worker", "no graph_building executor registered", nil)
		}
	} else if err := deps.Registry.Validate(opts.Class); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	if deps.ResolveRef == nil {
		deps.ResolveRef = func(ref string) string { return ref }
	}
	if opts.DequeueTimeout <= 0 {
		opts.DequeueTimeout = time.Second
	}
	if opts.ErrorRetryInterval <= 0 {
		opts.ErrorRetryInterval = time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	return &Runtime{
		deps:      deps,
		opts:      opts,
		queueName: opts.Class.QueueName(),
		logger: logging.NewComponentLogger(deps.Logger, "worker").With(
			logging.String(logging.FieldClass, string(opts.Class)),
			logging.String(logging.FieldQueue, opts.Class.QueueName()),
		),
		newToken: uuid.NewString,
	}, nil
}

// QueueName returns the queue this runtime consumes.
func (r *Runtime) QueueName() string { return r.queueName }

// Start launches the pull loop in the background.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errors.New("worker already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_ = r.Run(runCtx)
	}()
	return nil
}

// Stop cancels the loop and waits for the in-flight message to finish.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	cancel()
	r.wg.Wait()
}

// LastError returns the most recent infrastructure error seen by the loop.
func (r *Runtime) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Run blocks in the pull loop until ctx ends.
func (r *Runtime) Run(ctx context.Context) error {
	r.logger.Info("worker started",
		logging.Duration("dequeue_timeout", r.opts.DequeueTimeout),
		logging.String(logging.FieldEventType, "worker_started"),
	)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("worker stopped")
			return nil
		default:
		}

		if _, err := r.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				r.logger.Info("worker stopped")
				return nil
			}
			r.handleLoopError(ctx, err)
		}
	}
}

func (r *Runtime) handleLoopError(ctx context.Context, err error) {
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()

	logging.ErrorWithContext(r.logger, "worker iteration failed", "worker_iteration_failed",
		logging.String(logging.FieldErrorHint, "check store and queue connectivity"),
		logging.Duration("backoff", r.opts.ErrorRetryInterval),
		logging.Error(err),
	)
	select {
	case <-ctx.Done():
	case <-time.After(r.opts.ErrorRetryInterval):
	}
}

// RunOnce waits for one message and processes it. It reports whether a
// message was consumed. Message handling is not interrupted by ctx.
func (r *Runtime) RunOnce(ctx context.Context) (bool, error) {
	msg, err := r.deps.Queue.Dequeue(ctx, r.queueName, r.opts.DequeueTimeout)
	if err != nil {
		if errors.Is(err, services.ErrValidation) {
			logging.WarnWithContext(r.logger, "discarded invalid message", "message_invalid",
				logging.String(logging.FieldErrorHint, "the producer wrote a payload that does not match the wire schema"),
				logging.Error(err),
			)
			return true, nil
		}
		return false, err
	}
	if msg == nil {
		return false, nil
	}
	return true, r.Handle(context.WithoutCancel(ctx), *msg)
}

// Handle processes one decoded message.
func (r *Runtime) Handle(ctx context.Context, msg queue.Message) error {
	ctx = services.WithQueue(services.WithArtifactID(services.WithJobID(ctx, msg.JobID), msg.ArtifactID), r.queueName)
	logger := logging.WithContext(ctx, r.logger)

	a, err := r.deps.Store.GetArtifact(ctx, msg.ArtifactID)
	if err != nil {
		return err
	}
	if a == nil || a.JobID != msg.JobID {
		logging.WarnWithContext(logger, "message references an unknown artifact; dropped", "artifact_unknown",
			logging.String(logging.FieldErrorHint, "the artifact must be registered through dispatch"),
		)
		return nil
	}

	token := r.newToken()
	claimed, err := r.deps.Store.ClaimArtifact(ctx, a.ID, store.QueuedStatusFor(r.opts.Class), token)
	if err != nil {
		return err
	}
	if !claimed {
		logger.Debug("duplicate delivery skipped",
			logging.String("status", string(a.Status)),
			logging.String(logging.FieldEventType, "duplicate_delivery"),
		)
		return nil
	}
	if _, err := r.deps.Store.MarkJobProcessing(ctx, a.JobID); err != nil {
		return err
	}
	a.Status = store.ArtifactProcessing
	a.AttemptID = token
	r.report(ctx, a)

	if r.opts.Class == pipeline.ClassGraph {
		err = r.runGraph(ctx, logger, a, token)
	} else {
		err = r.runClass(ctx, logger, msg, a, token)
	}
	if err == nil {
		return nil
	}
	return r.fail(ctx, logger, msg, a, token, err)
}

func (r *Runtime) fail(ctx context.Context, logger *slog.Logger, msg queue.Message, a *store.Artifact, token string, cause error) error {
	if errors.Is(cause, errLostOwnership) {
		logging.WarnWithContext(logger, "artifact ownership lost; stopping without side effects", "ownership_lost",
			logging.String(logging.FieldStage, string(a.CurrentStage)),
			logging.String(logging.FieldErrorHint, "another attempt was re-dispatched while this one ran"),
		)
		return nil
	}
	var stageErr *services.StageError
	if !errors.As(cause, &stageErr) {
		return cause
	}
	owned, err := r.deps.Store.Heartbeat(ctx, a.ID, token)
	if err != nil {
		return err
	}
	if !owned {
		logging.WarnWithContext(logger, "stage failed after ownership was lost; failure ignored", "ownership_lost",
			logging.String(logging.FieldStage, stageErr.Stage),
			logging.String(logging.FieldErrorHint, "the current owner handles the artifact"),
			logging.Error(cause),
		)
		return nil
	}
	_, err = r.deps.Failures.HandleFailure(ctx, msg, r.queueName, cause)
	return err
}

func (r *Runtime) report(ctx context.Context, a *store.Artifact) {
	if r.deps.Reporter != nil {
		r.deps.Reporter.Artifact(ctx, a)
	}
}

func lost(ok bool, err error) error {
	if err != nil {
		return err
	}
	if !ok {
		return errLostOwnership
	}
	return nil
}

func stageFailure(stage pipeline.Stage, err error) error {
	var stageErr *services.StageError
	if errors.As(err, &stageErr) {
		return err
	}
	return services.NewStageError(string(stage), err)
}

func describeLink(res resolve.Result) string {
	return fmt.Sprintf("%d entities, %d relationships, %d cross-document matches", res.Entities, res.Relationships, res.CrossMatches)
}
