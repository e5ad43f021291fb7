package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"runtime/debug"
	"sync"
	"time"

	"casegraph/internal/logging"
	"casegraph/internal/pipeline"
	"casegraph/internal/queue"
	"casegraph/internal/resolve"
	"casegraph/internal/services"
	"casegraph/internal/store"
)

func (r *Runtime) runClass(ctx context.Context, logger *slog.Logger, msg queue.Message, a *store.Artifact, token string) error {
	stages := pipeline.Stages(a.Class)
	for _, stage := range stages {
		if a.HasStage(stage) {
			logger.Debug("stage already recorded; skipped", logging.String(logging.FieldStage, string(stage)))
			continue
		}
		if err := r.runStage(ctx, logger, a, token, stage, stages); err != nil {
			return err
		}
	}

	if err := lost(r.deps.Store.MarkAwaitingGraph(ctx, a.ID, token)); err != nil {
		return err
	}
	a.Status = store.ArtifactAwaitingGraph
	a.AttemptID = ""
	r.report(ctx, a)

	graphMsg := msg.ForGraph()
	if _, err := r.deps.Queue.Enqueue(ctx, graphMsg.Class.QueueName(), graphMsg); err != nil {
		return err
	}
	logger.Info("class stages complete; handed to graph queue",
		logging.Int("stages", len(stages)),
		logging.String(logging.FieldEventType, "artifact_awaiting_graph"),
	)
	return nil
}

func (r *Runtime) runStage(ctx context.Context, logger *slog.Logger, a *store.Artifact, token string, stage pipeline.Stage, order []pipeline.Stage) error {
	ctx = services.WithStage(ctx, string(stage))
	logger = logger.With(logging.String(logging.FieldStage, string(stage)))

	if err := lost(r.deps.Store.BeginStage(ctx, a.ID, token, stage)); err != nil {
		return err
	}
	a.CurrentStage = stage
	r.report(ctx, a)

	exec, err := r.deps.Registry.Executor(a.Class, stage)
	if err != nil {
		return stageFailure(stage, err)
	}
	in, err := r.buildInput(ctx, a, order)
	if err != nil {
		return err
	}
	out, err := r.execute(ctx, logger, a, token, stage, exec, in)
	if err != nil {
		return err
	}
	return r.commitStage(ctx, logger, a, token, stage, out)
}

func (r *Runtime) commitStage(ctx context.Context, logger *slog.Logger, a *store.Artifact, token string, stage pipeline.Stage, out pipeline.Output) error {
	if err := lost(r.deps.Store.CompleteStage(ctx, a.ID, token, stage, out.Elapsed, store.StageOutput{Text: out.Text, Data: out.Data})); err != nil {
		return err
	}
	if a.StageTimes == nil {
		a.StageTimes = make(map[pipeline.Stage]float64)
	}
	a.StageTimes[stage] = out.Elapsed.Seconds()
	logger.Info("stage complete",
		logging.Duration("elapsed", out.Elapsed),
		logging.String(logging.FieldEventType, "stage_complete"),
	)
	return nil
}

func (r *Runtime) runGraph(ctx context.Context, logger *slog.Logger, a *store.Artifact, token string) error {
	stage := pipeline.StageGraphBuilding
	if !a.HasStage(stage) {
		if err := r.buildGraph(ctx, logger, a, token); err != nil {
			return err
		}
	}

	if err := lost(r.deps.Store.MarkCompleted(ctx, a.ID, token)); err != nil {
		return err
	}
	a.Status = store.ArtifactCompleted
	a.AttemptID = ""
	r.report(ctx, a)
	logger.Info("artifact completed", logging.String(logging.FieldEventType, "artifact_completed"))

	if _, err := r.deps.Completer.OnArtifactTerminal(ctx, a.JobID); err != nil {
		return err
	}
	return nil
}

func (r *Runtime) buildGraph(ctx context.Context, logger *slog.Logger, a *store.Artifact, token string) error {
	stage := pipeline.StageGraphBuilding
	ctx = services.WithStage(ctx, string(stage))
	logger = logger.With(logging.String(logging.FieldStage, string(stage)))

	if err := lost(r.deps.Store.BeginStage(ctx, a.ID, token, stage)); err != nil {
		return err
	}
	a.CurrentStage = stage
	r.report(ctx, a)

	exec, err := r.deps.Registry.GraphExecutor(a.Class)
	if err != nil {
		return stageFailure(stage, err)
	}
	in, err := r.buildInput(ctx, a, pipeline.Stages(a.Class))
	if err != nil {
		return err
	}
	out, err := r.execute(ctx, logger, a, token, stage, exec, in)
	if err != nil {
		return err
	}
	ex, err := resolve.ParseExtraction(out.Data)
	if err != nil {
		return stageFailure(stage, err)
	}

	job, err := r.deps.Store.GetJob(ctx, a.JobID)
	if err != nil {
		return err
	}
	if job == nil {
		return stageFailure(stage, services.Wrap(services.ErrNotFound, string(stage), "link entities", "job "+a.JobID, nil))
	}
	res, err := r.deps.Linker.Link(ctx, job.CaseScope(), a.ID, ex)
	if err != nil {
		return stageFailure(stage, err)
	}
	if out.Text == "" {
		out.Text = describeLink(res)
	}
	logger.Info("entities linked",
		logging.String("scope", job.CaseScope()),
		logging.Int("entities", res.Entities),
		logging.Int("relationships", res.Relationships),
		logging.Int("cross_matches", res.CrossMatches),
	)
	return r.commitStage(ctx, logger, a, token, stage, out)
}

// buildInput gathers earlier stage outputs. Text is the last non-empty text
// in stage order.
func (r *Runtime) buildInput(ctx context.Context, a *store.Artifact, order []pipeline.Stage) (pipeline.Input, error) {
	outputs, err := r.deps.Store.StageOutputs(ctx, a.ID)
	if err != nil {
		return pipeline.Input{}, err
	}
	in := pipeline.Input{
		ArtifactID: a.ID,
		Class:      a.Class,
		Language:   a.Metadata["language"],
		Metadata:   maps.Clone(a.Metadata),
		Outputs:    make(map[pipeline.Stage]json.RawMessage, len(outputs)),
	}
	for stage, out := range outputs {
		if len(out.Data) > 0 {
			in.Outputs[stage] = json.RawMessage(out.Data)
		}
	}
	for _, stage := range order {
		if out, ok := outputs[stage]; ok && out.Text != "" {
			in.Text = out.Text
		}
	}
	return in, nil
}

// execute runs one executor with a heartbeat and converts panics into stage
// errors.
func (r *Runtime) execute(ctx context.Context, logger *slog.Logger, a *store.Artifact, token string, stage pipeline.Stage, exec pipeline.Executor, in pipeline.Input) (out pipeline.Output, err error) {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go r.heartbeat(hbCtx, &wg, logger, a.ID, token)
	defer func() {
		stopHeartbeat()
		wg.Wait()
	}()

	start := time.Now()
	defer func() {
		if recovered := recover(); recovered != nil {
			err = services.NewPanicError(string(stage), recovered, debug.Stack())
			out = pipeline.Output{}
		}
	}()

	out, err = exec.Execute(ctx, r.deps.ResolveRef(a.Ref), in)
	if err != nil {
		return pipeline.Output{}, stageFailure(stage, err)
	}
	if out.Elapsed <= 0 {
		out.Elapsed = time.Since(start)
	}
	return out, nil
}

func (r *Runtime) heartbeat(ctx context.Context, wg *sync.WaitGroup, logger *slog.Logger, artifactID, token string) {
	defer wg.Done()
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			owned, err := r.deps.Store.Heartbeat(ctx, artifactID, token)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("heartbeat update failed", logging.Error(err))
				}
				continue
			}
			if !owned {
				logger.Warn("heartbeat rejected; another attempt owns the artifact",
					logging.String(logging.FieldEventType, "heartbeat_rejected"),
				)
				return
			}
		}
	}
}
