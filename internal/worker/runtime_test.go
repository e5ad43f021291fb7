package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"casegraph/internal/completion"
	"casegraph/internal/config"
	"casegraph/internal/dispatch"
	"casegraph/internal/graph"
	"casegraph/internal/pipeline"
	"casegraph/internal/queue"
	"casegraph/internal/resolve"
	"casegraph/internal/retry"
	"casegraph/internal/services"
	"casegraph/internal/status"
	"casegraph/internal/store"
	"casegraph/internal/testsupport"
	"casegraph/internal/worker"
)

// recorder backs every stage with a scripted executor.
type recorder struct {
	mu     sync.Mutex
	calls  map[pipeline.Stage]int
	inputs map[pipeline.Stage][]pipeline.Input
	fail   map[pipeline.Stage]error
	hooks  map[pipeline.Stage]func(ctx context.Context, in pipeline.Input)
	graph  map[string]resolve.Extraction
}

func newRecorder() *recorder {
	return &recorder{
		calls:  make(map[pipeline.Stage]int),
		inputs: make(map[pipeline.Stage][]pipeline.Input),
		fail:   make(map[pipeline.Stage]error),
		hooks:  make(map[pipeline.Stage]func(context.Context, pipeline.Input)),
		graph:  make(map[string]resolve.Extraction),
	}
}

func (rec *recorder) setFail(stage pipeline.Stage, err error) {
	rec.mu.Lock()
	rec.fail[stage] = err
	rec.mu.Unlock()
}

func (rec *recorder) callCount(stage pipeline.Stage) int {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.calls[stage]
}

func (rec *recorder) executor(stage pipeline.Stage) pipeline.Executor {
	return pipeline.ExecutorFunc(func(ctx context.Context, ref string, in pipeline.Input) (pipeline.Output, error) {
		rec.mu.Lock()
		rec.calls[stage]++
		rec.inputs[stage] = append(rec.inputs[stage], in)
		err := rec.fail[stage]
		hook := rec.hooks[stage]
		ex, hasGraph := rec.graph[ref]
		rec.mu.Unlock()

		if hook != nil {
			hook(ctx, in)
		}
		if err != nil {
			return pipeline.Output{}, err
		}
		if stage == pipeline.StageGraphBuilding {
			if !hasGraph {
				ex = resolve.Extraction{Entities: []resolve.ExtractedEntity{}}
			}
			data, _ := json.Marshal(ex)
			return pipeline.Output{Data: data}, nil
		}
		return pipeline.Output{Text: string(stage) + ":" + ref}, nil
	})
}

func (rec *recorder) registry() *pipeline.Registry {
	reg := pipeline.NewRegistry()
	for _, c := range pipeline.AllClasses {
		for _, stage := range pipeline.Stages(c) {
			reg.Register(c, stage, rec.executor(stage))
		}
	}
	return reg
}

type env struct {
	cfg   *config.Config
	clock *testsupport.Clock
	store *store.Store
	queue *queue.Queue
	retry *retry.Manager
	disp  *dispatch.Dispatcher
	sink  *graph.SQLSink
	hub   *status.Hub
	rec   *recorder
	reg   *pipeline.Registry
}

func newEnv(t *testing.T, maxAttempts int) *env {
	t.Helper()
	cfg := testsupport.NewConfig(t, testsupport.WithMaxAttempts(maxAttempts))
	return buildEnv(t, cfg, nil)
}

func buildEnv(t *testing.T, cfg *config.Config, openQueue func(st *store.Store, clock *testsupport.Clock) *queue.Queue) *env {
	t.Helper()

	clock := testsupport.NewClock(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	st := testsupport.MustOpenStore(t, cfg, store.WithClock(clock.Now))
	var q *queue.Queue
	if openQueue != nil {
		q = openQueue(st, clock)
	} else {
		var err error
		q, err = queue.Open(cfg, st.DB(), nil, queue.WithClock(clock.Now))
		if err != nil {
			t.Fatalf("queue.Open: %v", err)
		}
	}
	hub := status.NewHub(256)
	reporter := status.NewReporter(hub, nil)
	mgr := retry.New(q, st, completion.New(st, nil), nil, retry.OptionsFromConfig(cfg),
		retry.WithClock(clock.Now), retry.WithReporter(reporter))
	rec := newRecorder()
	return &env{
		cfg:   cfg,
		clock: clock,
		store: st,
		queue: q,
		retry: mgr,
		disp:  dispatch.New(st, q, reporter, nil),
		sink:  graph.NewSQLSink(st.DB()),
		hub:   hub,
		rec:   rec,
		reg:   rec.registry(),
	}
}

func (e *env) runtime(t *testing.T, class pipeline.Class) *worker.Runtime {
	t.Helper()

	w, err := worker.New(worker.Deps{
		Store:     e.store,
		Queue:     e.queue,
		Registry:  e.reg,
		Failures:  e.retry,
		Completer: completion.New(e.store, nil),
		Linker:    resolve.NewLinker(e.store, e.sink, nil),
		Reporter:  status.NewReporter(e.hub, nil),
	}, worker.Options{
		Class:              class,
		DequeueTimeout:     50 * time.Millisecond,
		ErrorRetryInterval: 10 * time.Millisecond,
		HeartbeatInterval:  10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("worker.New(%s): %v", class, err)
	}
	return w
}

func (e *env) dispatch(t *testing.T, jobID, name, class, language string) *store.Artifact {
	t.Helper()

	meta := map[string]string{}
	if language != "" {
		meta["language"] = language
	}
	res, err := e.disp.Dispatch(context.Background(), dispatch.Request{JobID: jobID, Name: name, Ref: name, Class: class, Metadata: meta})
	if err != nil {
		t.Fatalf("Dispatch %s: %v", name, err)
	}
	return res.Artifact
}

func runOnce(t *testing.T, w *worker.Runtime) {
	t.Helper()

	consumed, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce(%s): %v", w.QueueName(), err)
	}
	if !consumed {
		t.Fatalf("RunOnce(%s): queue was empty", w.QueueName())
	}
}

func TestHappyPath(t *testing.T) {
	e := newEnv(t, 3)
	ctx := context.Background()
	job, err := e.disp.CreateJob(ctx, "op-kestrel", "", 1)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	e.rec.graph["memo.txt"] = resolve.Extraction{
		Entities: []resolve.ExtractedEntity{
			{Name: "John Smith", Type: "person"},
			{Name: "Acme Corp", Type: "organization"},
		},
		Relationships: []resolve.ExtractedRelationship{
			{Source: "John Smith", Target: "Acme Corp", Type: "works for"},
		},
	}
	a := e.dispatch(t, job.ID, "memo.txt", "document", "fr")

	runOnce(t, e.runtime(t, pipeline.ClassDocument))

	got := testsupport.MustGetArtifact(t, e.store, a.ID)
	if got.Status != store.ArtifactAwaitingGraph {
		t.Fatalf("status = %s, want AWAITING_GRAPH", got.Status)
	}
	for _, stage := range pipeline.Stages(pipeline.ClassDocument) {
		if !got.HasStage(stage) {
			t.Fatalf("stage %s not recorded: %v", stage, got.StageTimes)
		}
	}
	translation := e.rec.inputs[pipeline.StageTranslation]
	if len(translation) != 1 || translation[0].Text != "text_extraction:memo.txt" || translation[0].Language != "fr" {
		t.Fatalf("translation input = %+v", translation)
	}
	if depth, _ := e.queue.Depth(ctx, pipeline.ClassGraph.QueueName()); depth != 1 {
		t.Fatalf("graph queue depth = %d, want 1", depth)
	}

	runOnce(t, e.runtime(t, pipeline.ClassGraph))

	got = testsupport.MustGetArtifact(t, e.store, a.ID)
	if got.Status != store.ArtifactCompleted || !got.HasStage(pipeline.StageGraphBuilding) || got.ErrorMessage != "" {
		t.Fatalf("artifact = %s stages %v error %q", got.Status, got.StageTimes, got.ErrorMessage)
	}
	gotJob := testsupport.MustGetJob(t, e.store, job.ID)
	if gotJob.Status != store.JobCompleted || gotJob.ProcessedCount != 1 || gotJob.ErrorMessage != "" {
		t.Fatalf("job = %s processed %d error %q", gotJob.Status, gotJob.ProcessedCount, gotJob.ErrorMessage)
	}

	graphInputs := e.rec.inputs[pipeline.StageGraphBuilding]
	if len(graphInputs) != 1 || graphInputs[0].Text != "embedding:memo.txt" {
		t.Fatalf("graph input = %+v", graphInputs)
	}

	for relType, want := range map[string]int{graph.EdgeMentions: 2, "WORKS_FOR": 1} {
		edges, err := e.sink.Edges(ctx, relType)
		if err != nil {
			t.Fatalf("Edges(%s): %v", relType, err)
		}
		if len(edges) != want {
			t.Fatalf("%s edges = %d, want %d", relType, len(edges), want)
		}
	}

	events, _, _ := e.hub.Fetch(ctx, 0, 100, false)
	if len(events) == 0 {
		t.Fatal("no status events")
	}
	if first, last := events[0], events[len(events)-1]; first.Status != "QUEUED" || last.Status != "COMPLETED" {
		t.Fatalf("events run %s..%s, want QUEUED..COMPLETED", first.Status, last.Status)
	}
}

func TestExhaustedRetries(t *testing.T) {
	e := newEnv(t, 3)
	ctx := context.Background()
	job := testsupport.NewJob(t, e.store, "op-osprey", 1)
	e.rec.setFail(pipeline.StageTranslation,
		services.Wrap(services.ErrTimeout, string(pipeline.StageTranslation), "generate", "model call timed out", context.DeadlineExceeded))
	a := e.dispatch(t, job.ID, "letter.txt", "document", "es")
	w := e.runtime(t, pipeline.ClassDocument)
	base := e.cfg.BaseBackoff()

	for attempt := 0; attempt < 3; attempt++ {
		runOnce(t, w)

		pending, err := e.queue.PendingRetries(ctx)
		if err != nil || len(pending) != 1 {
			t.Fatalf("attempt %d: pending = %d, %v", attempt, len(pending), err)
		}
		wantDelay := base << attempt
		if delay := pending[0].ReleaseAt.Sub(e.clock.Now()); delay != wantDelay {
			t.Fatalf("attempt %d: delay = %s, want %s", attempt, delay, wantDelay)
		}
		if got := testsupport.MustGetArtifact(t, e.store, a.ID); got.Status != store.ArtifactQueued || got.ErrorMessage == "" {
			t.Fatalf("attempt %d: artifact = %s %q", attempt, got.Status, got.ErrorMessage)
		}

		e.clock.Set(pending[0].ReleaseAt)
		if res, err := e.retry.Sweep(ctx); err != nil || res.Released != 1 {
			t.Fatalf("attempt %d: Sweep = %+v, %v", attempt, res, err)
		}
	}

	runOnce(t, w)

	if n := e.rec.callCount(pipeline.StageTextExtraction); n != 1 {
		t.Fatalf("text_extraction ran %d times, want 1", n)
	}
	if n := e.rec.callCount(pipeline.StageTranslation); n != 4 {
		t.Fatalf("translation ran %d times, want 4", n)
	}
	rec, err := e.queue.GetDeadLetter(ctx, queue.Key{JobID: job.ID, ArtifactID: a.ID})
	if err != nil || rec == nil {
		t.Fatalf("dead letter = %v, %v", rec, err)
	}
	if rec.Message.RetryCount() != 3 || rec.StackTrace == "" {
		t.Fatalf("record = count %d stack %d bytes", rec.Message.RetryCount(), len(rec.StackTrace))
	}
	if rec.ErrorType != "context.deadlineExceededError" {
		t.Fatalf("error type = %q, want context.deadlineExceededError", rec.ErrorType)
	}
	for _, part := range []string{"timeout", "translation: generate: model call timed out", "context deadline exceeded"} {
		if !strings.Contains(rec.ErrorMessage, part) {
			t.Fatalf("error message %q lacks %q", rec.ErrorMessage, part)
		}
	}
	if got := testsupport.MustGetArtifact(t, e.store, a.ID); got.Status != store.ArtifactFailed {
		t.Fatalf("artifact = %s, want FAILED", got.Status)
	}
	gotJob := testsupport.MustGetJob(t, e.store, job.ID)
	if gotJob.Status != store.JobCompleted || gotJob.ErrorMessage != "1 of 1 artifacts failed: letter.txt" {
		t.Fatalf("job = %s %q", gotJob.Status, gotJob.ErrorMessage)
	}
}

func TestAtMostOneActiveAttempt(t *testing.T) {
	e := newEnv(t, 3)
	ctx := context.Background()
	job := testsupport.NewJob(t, e.store, "", 1)

	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	e.rec.hooks[pipeline.StageTextExtraction] = func(context.Context, pipeline.Input) {
		entered <- struct{}{}
		<-release
	}
	a := e.dispatch(t, job.ID, "dup.txt", "document", "en")
	dup := queue.NewMessage(job.ID, a.ID, a.Ref, pipeline.ClassDocument, a.Metadata)
	if _, err := e.queue.Enqueue(ctx, pipeline.ClassDocument.QueueName(), dup); err != nil {
		t.Fatalf("Enqueue duplicate: %v", err)
	}

	first := e.runtime(t, pipeline.ClassDocument)
	second := e.runtime(t, pipeline.ClassDocument)

	done := make(chan error, 1)
	go func() {
		_, err := first.RunOnce(ctx)
		done <- err
	}()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first worker never started the stage")
	}

	runOnce(t, second)
	if n := e.rec.callCount(pipeline.StageTextExtraction); n != 1 {
		t.Fatalf("duplicate delivery ran the stage: %d calls", n)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first RunOnce: %v", err)
	}
	for _, stage := range pipeline.Stages(pipeline.ClassDocument) {
		if n := e.rec.callCount(stage); n != 1 {
			t.Fatalf("%s ran %d times, want 1", stage, n)
		}
	}
	if got := testsupport.MustGetArtifact(t, e.store, a.ID); got.Status != store.ArtifactAwaitingGraph {
		t.Fatalf("status = %s", got.Status)
	}

	// A late duplicate after hand-off is a no-op as well.
	if _, err := e.queue.Enqueue(ctx, pipeline.ClassDocument.QueueName(), dup); err != nil {
		t.Fatalf("Enqueue late duplicate: %v", err)
	}
	runOnce(t, second)
	if depth, _ := e.queue.Depth(ctx, pipeline.ClassGraph.QueueName()); depth != 1 {
		t.Fatalf("graph queue depth = %d, want 1", depth)
	}
}

func TestCaseLinking(t *testing.T) {
	e := newEnv(t, 3)
	ctx := context.Background()
	jobA := testsupport.NewJob(t, e.store, "op-wren", 1)
	jobB := testsupport.NewJob(t, e.store, "op-wren", 1)
	jobC := testsupport.NewJob(t, e.store, "op-finch", 1)

	e.rec.graph["a.txt"] = resolve.Extraction{Entities: []resolve.ExtractedEntity{{Name: "John Smith", Type: "person"}, {Name: "Acme"}}}
	e.rec.graph["b.txt"] = resolve.Extraction{Entities: []resolve.ExtractedEntity{{Name: "JOHN  SMITH", Type: "person"}}}
	e.rec.graph["c.txt"] = resolve.Extraction{Entities: []resolve.ExtractedEntity{{Name: "john-smith"}}}

	a := e.dispatch(t, jobA.ID, "a.txt", "document", "en")
	b := e.dispatch(t, jobB.ID, "b.txt", "document", "en")
	e.dispatch(t, jobC.ID, "c.txt", "document", "en")

	docW := e.runtime(t, pipeline.ClassDocument)
	graphW := e.runtime(t, pipeline.ClassGraph)
	for i := 0; i < 3; i++ {
		runOnce(t, docW)
	}
	for i := 0; i < 3; i++ {
		runOnce(t, graphW)
	}

	shares, err := e.sink.Edges(ctx, graph.EdgeSharesEntity)
	if err != nil {
		t.Fatalf("Edges: %v", err)
	}
	if len(shares) != 1 {
		t.Fatalf("SHARES_ENTITY edges = %d, want 1: %+v", len(shares), shares)
	}
	wantSrc, wantTgt := graph.OrderedPair(graph.DocumentKey(a.ID), graph.DocumentKey(b.ID))
	if shares[0].Source != wantSrc || shares[0].Target != wantTgt {
		t.Fatalf("SHARES_ENTITY = %s -> %s, want %s -> %s", shares[0].Source, shares[0].Target, wantSrc, wantTgt)
	}
	cross, _ := e.sink.Edges(ctx, graph.EdgeCrossDocMatch)
	if len(cross) != 1 {
		t.Fatalf("CROSS_DOC_MATCH edges = %d, want 1", len(cross))
	}
	for _, job := range []*store.Job{jobA, jobB, jobC} {
		if got := testsupport.MustGetJob(t, e.store, job.ID); got.Status != store.JobCompleted {
			t.Fatalf("job %s = %s", job.ID, got.Status)
		}
	}
}

func TestDeadLetterReplay(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	job := testsupport.NewJob(t, e.store, "op-plover", 1)
	e.rec.setFail(pipeline.StageTextExtraction, errors.New("corrupt file"))
	a := e.dispatch(t, job.ID, "scan.txt", "document", "en")
	docW := e.runtime(t, pipeline.ClassDocument)

	runOnce(t, docW)
	if got := testsupport.MustGetJob(t, e.store, job.ID); got.Status != store.JobCompleted || got.ErrorMessage == "" {
		t.Fatalf("job after dead letter = %s %q", got.Status, got.ErrorMessage)
	}

	e.rec.setFail(pipeline.StageTextExtraction, nil)
	ok, err := e.retry.Requeue(ctx, queue.Key{JobID: job.ID, ArtifactID: a.ID})
	if err != nil || !ok {
		t.Fatalf("Requeue = %v, %v", ok, err)
	}
	runOnce(t, docW)
	runOnce(t, e.runtime(t, pipeline.ClassGraph))

	if got := testsupport.MustGetArtifact(t, e.store, a.ID); got.Status != store.ArtifactCompleted {
		t.Fatalf("artifact = %s, want COMPLETED", got.Status)
	}
	gotJob := testsupport.MustGetJob(t, e.store, job.ID)
	if gotJob.Status != store.JobCompleted || gotJob.ErrorMessage != "" {
		t.Fatalf("job = %s %q, want COMPLETED without error", gotJob.Status, gotJob.ErrorMessage)
	}
}

func TestPanicBecomesStageError(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	job := testsupport.NewJob(t, e.store, "", 1)
	e.rec.hooks[pipeline.StageCDRParsing] = func(context.Context, pipeline.Input) {
		panic("index out of range in parser")
	}
	a := e.dispatch(t, job.ID, "calls.csv", "cdr", "")

	runOnce(t, e.runtime(t, pipeline.ClassCDR))

	rec, err := e.queue.GetDeadLetter(ctx, queue.Key{JobID: job.ID, ArtifactID: a.ID})
	if err != nil || rec == nil {
		t.Fatalf("dead letter = %v, %v", rec, err)
	}
	if !strings.Contains(rec.ErrorMessage, "panic: index out of range in parser") {
		t.Fatalf("error message = %q", rec.ErrorMessage)
	}
	if !strings.Contains(rec.StackTrace, "goroutine") {
		t.Fatalf("stack trace = %q", rec.StackTrace)
	}
}

func TestLostOwnershipStopsWithoutSideEffects(t *testing.T) {
	e := newEnv(t, 3)
	ctx := context.Background()
	job := testsupport.NewJob(t, e.store, "", 1)
	e.rec.hooks[pipeline.StageTextExtraction] = func(ctx context.Context, in pipeline.Input) {
		current, err := e.store.GetArtifact(ctx, in.ArtifactID)
		if err != nil || current == nil {
			return
		}
		_, _ = e.store.ResetForRedispatch(ctx, current, store.ArtifactQueued)
	}
	a := e.dispatch(t, job.ID, "race.txt", "document", "en")

	runOnce(t, e.runtime(t, pipeline.ClassDocument))

	got := testsupport.MustGetArtifact(t, e.store, a.ID)
	if got.Status != store.ArtifactQueued || got.HasStage(pipeline.StageTextExtraction) {
		t.Fatalf("artifact = %s stages %v, want QUEUED with nothing recorded", got.Status, got.StageTimes)
	}
	if n := e.rec.callCount(pipeline.StageTranslation); n != 0 {
		t.Fatalf("translation ran %d times after ownership loss", n)
	}
	if pending, _ := e.queue.PendingRetries(ctx); len(pending) != 0 {
		t.Fatalf("lost attempt scheduled %d retries", len(pending))
	}
}

func TestInvalidAndOrphanMessagesAreConsumed(t *testing.T) {
	e := newEnv(t, 3)
	ctx := context.Background()
	w := e.runtime(t, pipeline.ClassDocument)

	if _, err := e.queue.Backend().Enqueue(ctx, w.QueueName(), []byte(`{"job_id":`)); err != nil {
		t.Fatalf("raw Enqueue: %v", err)
	}
	runOnce(t, w)

	orphan := queue.NewMessage("no-job", "no-artifact", "x.txt", pipeline.ClassDocument, nil)
	if _, err := e.queue.Enqueue(ctx, w.QueueName(), orphan); err != nil {
		t.Fatalf("Enqueue orphan: %v", err)
	}
	runOnce(t, w)

	consumed, err := w.RunOnce(ctx)
	if err != nil || consumed {
		t.Fatalf("empty queue RunOnce = %v, %v", consumed, err)
	}
}

func TestNewRequiresExecutors(t *testing.T) {
	e := newEnv(t, 3)
	_, err := worker.New(worker.Deps{
		Store:     e.store,
		Queue:     e.queue,
		Registry:  pipeline.NewRegistry(),
		Failures:  e.retry,
		Completer: completion.New(e.store, nil),
	}, worker.Options{Class: pipeline.ClassAudio})
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("New with empty registry = %v, want ErrConfiguration", err)
	}

	_, err = worker.New(worker.Deps{
		Store:     e.store,
		Queue:     e.queue,
		Registry:  e.reg,
		Failures:  e.retry,
		Completer: completion.New(e.store, nil),
	}, worker.Options{Class: pipeline.ClassGraph})
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("graph worker without linker = %v, want ErrConfiguration", err)
	}

	_, err = worker.New(worker.Deps{
		Store:     e.store,
		Queue:     e.queue,
		Registry:  pipeline.NewRegistry(),
		Failures:  e.retry,
		Completer: completion.New(e.store, nil),
		Linker:    resolve.NewLinker(e.store, e.sink, nil),
	}, worker.Options{Class: pipeline.ClassGraph})
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("graph worker without graph executors = %v, want ErrConfiguration", err)
	}
}

func TestStartStop(t *testing.T) {
	e := newEnv(t, 3)
	job := testsupport.NewJob(t, e.store, "", 1)
	a := e.dispatch(t, job.ID, "bg.txt", "document", "en")
	w := e.runtime(t, pipeline.ClassDocument)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := w.Start(context.Background()); err == nil {
		t.Fatal("second Start should fail")
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		got := testsupport.MustGetArtifact(t, e.store, a.ID)
		if got.Status == store.ArtifactAwaitingGraph {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("artifact stuck in %s", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	w.Stop()
	w.Stop()
}

func TestRedisBackendEndToEnd(t *testing.T) {
	srv, client := testsupport.NewMiniRedis(t)
	cfg := testsupport.NewConfig(t, testsupport.WithRedis(srv.Addr()))
	e := buildEnv(t, cfg, func(st *store.Store, clock *testsupport.Clock) *queue.Queue {
		q, err := queue.Open(cfg, st.DB(), client, queue.WithClock(clock.Now))
		if err != nil {
			t.Fatalf("queue.Open: %v", err)
		}
		return q
	})
	ctx := context.Background()
	job := testsupport.NewJob(t, e.store, "op-redis", 1)
	e.rec.graph["calls.csv"] = resolve.Extraction{Entities: []resolve.ExtractedEntity{{Name: "+1 555 0100", Type: "phone"}}}
	a := e.dispatch(t, job.ID, "calls.csv", "cdr", "")

	runOnce(t, e.runtime(t, pipeline.ClassCDR))
	runOnce(t, e.runtime(t, pipeline.ClassGraph))

	if got := testsupport.MustGetArtifact(t, e.store, a.ID); got.Status != store.ArtifactCompleted {
		t.Fatalf("artifact = %s", got.Status)
	}
	if got := testsupport.MustGetJob(t, e.store, job.ID); got.Status != store.JobCompleted {
		t.Fatalf("job = %s", got.Status)
	}
	depths, err := e.queue.Depths(ctx)
	if err != nil {
		t.Fatalf("Depths: %v", err)
	}
	for class, depth := range depths {
		if depth != 0 {
			t.Fatalf("%s depth = %d after completion", class, depth)
		}
	}
}
