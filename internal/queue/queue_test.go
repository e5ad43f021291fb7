package queue_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"casegraph/internal/pipeline"
	"casegraph/internal/queue"
	"casegraph/internal/services"
	"casegraph/internal/testsupport"
)

type backendCase struct {
	name string
	open func(t *testing.T, clock *testsupport.Clock) *queue.Queue
}

func backends() []backendCase {
	return []backendCase{
		{
			name: "sql",
			open: func(t *testing.T, clock *testsupport.Clock) *queue.Queue {
				cfg := testsupport.NewConfig(t)
				db := testsupport.MustOpenDB(t, cfg)
				q, err := queue.Open(cfg, db, nil, queue.WithClock(clock.Now))
				if err != nil {
					t.Fatalf("queue.Open: %v", err)
				}
				return q
			},
		},
		{
			name: "redis",
			open: func(t *testing.T, clock *testsupport.Clock) *queue.Queue {
				srv, client := testsupport.NewMiniRedis(t)
				cfg := testsupport.NewConfig(t, testsupport.WithRedis(srv.Addr()))
				q, err := queue.Open(cfg, nil, client, queue.WithClock(clock.Now))
				if err != nil {
					t.Fatalf("queue.Open: %v", err)
				}
				return q
			},
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, q *queue.Queue, clock *testsupport.Clock)) {
	t.Helper()
	for _, bc := range backends() {
		t.Run(bc.name, func(t *testing.T) {
			clock := testsupport.NewClock(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
			fn(t, bc.open(t, clock), clock)
		})
	}
}

func docMessage(artifact string) queue.Message {
	return queue.NewMessage("job-1", artifact, artifact+".pdf", pipeline.ClassDocument, map[string]string{"language": "en"})
}

func TestEnqueueDequeueIsFIFO(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *queue.Queue, _ *testsupport.Clock) {
		ctx := context.Background()
		name := pipeline.ClassDocument.QueueName()
		for i, id := range []string{"a", "b", "c"} {
			pos, err := q.Enqueue(ctx, name, docMessage(id))
			if err != nil {
				t.Fatalf("Enqueue: %v", err)
			}
			if pos != int64(i+1) {
				t.Fatalf("position = %d, want %d", pos, i+1)
			}
		}
		if depth, err := q.Depth(ctx, name); err != nil || depth != 3 {
			t.Fatalf("Depth = %d, %v", depth, err)
		}
		for _, want := range []string{"a", "b", "c"} {
			msg, err := q.Dequeue(ctx, name, time.Second)
			if err != nil {
				t.Fatalf("Dequeue: %v", err)
			}
			if msg == nil || msg.ArtifactID != want {
				t.Fatalf("Dequeue = %+v, want %s", msg, want)
			}
		}
		depths, err := q.Depths(ctx)
		if err != nil {
			t.Fatalf("Depths: %v", err)
		}
		if depths[pipeline.ClassDocument] != 0 || len(depths) != len(pipeline.AllClasses) {
			t.Fatalf("unexpected depths %v", depths)
		}
	})
}

func TestDequeueTimesOutWithNil(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *queue.Queue, _ *testsupport.Clock) {
		start := time.Now()
		msg, err := q.Dequeue(context.Background(), pipeline.ClassAudio.QueueName(), time.Second)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if msg != nil {
			t.Fatalf("expected nil message, got %+v", msg)
		}
		if elapsed := time.Since(start); elapsed < 500*time.Millisecond {
			t.Fatalf("Dequeue returned after %s without blocking", elapsed)
		}
	})
}

func TestQueuesAreIsolatedByClass(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *queue.Queue, _ *testsupport.Clock) {
		ctx := context.Background()
		if _, err := q.Enqueue(ctx, pipeline.ClassDocument.QueueName(), docMessage("a")); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		msg, err := q.Dequeue(ctx, pipeline.ClassCDR.QueueName(), time.Second)
		if err != nil || msg != nil {
			t.Fatalf("cdr queue returned %+v, %v", msg, err)
		}
	})
}

func TestEachMessageIsDeliveredOnce(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *queue.Queue, _ *testsupport.Clock) {
		ctx := context.Background()
		name := pipeline.ClassDocument.QueueName()
		const total = 20
		for i := 0; i < total; i++ {
			if _, err := q.Enqueue(ctx, name, docMessage(fmt.Sprintf("art-%02d", i))); err != nil {
				t.Fatalf("Enqueue: %v", err)
			}
		}

		var (
			mu   sync.Mutex
			seen = map[string]int{}
			wg   sync.WaitGroup
		)
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					msg, err := q.Dequeue(ctx, name, time.Second)
					if err != nil {
						t.Errorf("Dequeue: %v", err)
						return
					}
					if msg == nil {
						return
					}
					mu.Lock()
					seen[msg.ArtifactID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if len(seen) != total {
			t.Fatalf("delivered %d distinct messages, want %d", len(seen), total)
		}
		for id, n := range seen {
			if n != 1 {
				t.Fatalf("%s delivered %d times", id, n)
			}
		}
	})
}

func TestDequeueReportsInvalidPayload(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *queue.Queue, _ *testsupport.Clock) {
		ctx := context.Background()
		name := pipeline.ClassVideo.QueueName()
		if _, err := q.Backend().Enqueue(ctx, name, []byte(`{"job_id":"j"}`)); err != nil {
			t.Fatalf("raw enqueue: %v", err)
		}
		_, err := q.Dequeue(ctx, name, time.Second)
		if !errors.Is(err, services.ErrValidation) {
			t.Fatalf("expected validation error, got %v", err)
		}
		if depth, _ := q.Depth(ctx, name); depth != 0 {
			t.Fatalf("invalid payload left on queue, depth %d", depth)
		}
	})
}

func TestClaimDueReleasesOnlyDueEntriesInOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *queue.Queue, clock *testsupport.Clock) {
		ctx := context.Background()
		now := clock.Now()
		entries := []struct {
			id    string
			delay time.Duration
		}{
			{"late", 40 * time.Second},
			{"first", 10 * time.Second},
			{"second", 20 * time.Second},
		}
		for _, e := range entries {
			msg := docMessage(e.id).ScheduledRetry(1, now.Add(e.delay), pipeline.ClassDocument.QueueName())
			if err := q.Schedule(ctx, msg); err != nil {
				t.Fatalf("Schedule: %v", err)
			}
		}

		due, err := q.ClaimDue(ctx, now.Add(5*time.Second), 10)
		if err != nil || len(due) != 0 {
			t.Fatalf("early ClaimDue = %v, %v", due, err)
		}

		due, err = q.ClaimDue(ctx, now.Add(30*time.Second), 10)
		if err != nil {
			t.Fatalf("ClaimDue: %v", err)
		}
		if len(due) != 2 || due[0].Message.ArtifactID != "first" || due[1].Message.ArtifactID != "second" {
			t.Fatalf("unexpected due entries %+v", due)
		}
		if due[0].Queue != pipeline.ClassDocument.QueueName() {
			t.Fatalf("queue = %q", due[0].Queue)
		}
		if !due[0].ReleaseAt.Equal(now.Add(10 * time.Second)) {
			t.Fatalf("release = %v", due[0].ReleaseAt)
		}

		again, err := q.ClaimDue(ctx, now.Add(30*time.Second), 10)
		if err != nil || len(again) != 0 {
			t.Fatalf("second ClaimDue = %v, %v", again, err)
		}
		pending, err := q.PendingRetries(ctx)
		if err != nil || len(pending) != 1 || pending[0].Message.ArtifactID != "late" {
			t.Fatalf("PendingRetries = %+v, %v", pending, err)
		}
	})
}

func TestConcurrentClaimDueReleasesEachEntryOnce(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *queue.Queue, clock *testsupport.Clock) {
		ctx := context.Background()
		now := clock.Now()
		const total = 12
		for i := 0; i < total; i++ {
			msg := docMessage(fmt.Sprintf("art-%02d", i)).ScheduledRetry(1, now, pipeline.ClassDocument.QueueName())
			if err := q.Schedule(ctx, msg); err != nil {
				t.Fatalf("Schedule: %v", err)
			}
		}

		var (
			mu      sync.Mutex
			claimed = map[string]int{}
			wg      sync.WaitGroup
		)
		for w := 0; w < 3; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					due, err := q.ClaimDue(ctx, now.Add(time.Second), 2)
					if err != nil {
						t.Errorf("ClaimDue: %v", err)
						return
					}
					if len(due) == 0 {
						return
					}
					mu.Lock()
					for _, d := range due {
						claimed[d.Message.ArtifactID]++
					}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if len(claimed) != total {
			t.Fatalf("claimed %d entries, want %d", len(claimed), total)
		}
		for id, n := range claimed {
			if n != 1 {
				t.Fatalf("%s claimed %d times", id, n)
			}
		}
	})
}

func TestScheduleRequiresRetryAt(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *queue.Queue, _ *testsupport.Clock) {
		err := q.Schedule(context.Background(), docMessage("a"))
		if !errors.Is(err, services.ErrValidation) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})
}

func TestCancelRetryRemovesOnlyThatArtifact(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *queue.Queue, clock *testsupport.Clock) {
		ctx := context.Background()
		release := clock.Now().Add(time.Minute)
		for _, id := range []string{"keep", "drop"} {
			msg := docMessage(id).ScheduledRetry(1, release, pipeline.ClassDocument.QueueName())
			if err := q.Schedule(ctx, msg); err != nil {
				t.Fatalf("Schedule: %v", err)
			}
		}
		n, err := q.CancelRetry(ctx, queue.Key{JobID: "job-1", ArtifactID: "drop"})
		if err != nil || n != 1 {
			t.Fatalf("CancelRetry = %d, %v", n, err)
		}
		n, err = q.CancelRetry(ctx, queue.Key{JobID: "job-1", ArtifactID: "drop"})
		if err != nil || n != 0 {
			t.Fatalf("second CancelRetry = %d, %v", n, err)
		}
		pending, err := q.PendingRetries(ctx)
		if err != nil || len(pending) != 1 || pending[0].Message.ArtifactID != "keep" {
			t.Fatalf("PendingRetries = %+v, %v", pending, err)
		}
	})
}

func TestDeadLetterLifecycle(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *queue.Queue, clock *testsupport.Clock) {
		ctx := context.Background()
		msg := docMessage("a").ScheduledRetry(3, clock.Now(), pipeline.ClassDocument.QueueName()).Released()
		rec := queue.DeadLetter{
			Message:      msg,
			ErrorMessage: "stage translation: timeout",
			ErrorType:    "executors.TimeoutError",
			StackTrace:   "goroutine 1",
		}
		if err := q.PutDeadLetter(ctx, rec, time.Hour); err != nil {
			t.Fatalf("PutDeadLetter: %v", err)
		}

		got, err := q.GetDeadLetter(ctx, msg.Key())
		if err != nil || got == nil {
			t.Fatalf("GetDeadLetter = %+v, %v", got, err)
		}
		if got.ErrorType != "executors.TimeoutError" || got.Message.RetryCount() != 3 {
			t.Fatalf("unexpected record %+v", got)
		}
		if got.OriginalQueue != "queue:document" || got.Class != pipeline.ClassDocument {
			t.Fatalf("defaults not applied: %+v", got)
		}
		if !got.FailureTime.Equal(clock.Now()) || !got.ExpiresAt.Equal(clock.Now().Add(time.Hour)) {
			t.Fatalf("times = %v / %v", got.FailureTime, got.ExpiresAt)
		}

		list, err := q.ListDeadLetters(ctx, pipeline.ClassDocument)
		if err != nil || len(list) != 1 {
			t.Fatalf("ListDeadLetters = %d, %v", len(list), err)
		}
		if other, _ := q.ListDeadLetters(ctx, pipeline.ClassAudio); len(other) != 0 {
			t.Fatalf("audio list has %d records", len(other))
		}

		ok, err := q.DeleteDeadLetter(ctx, msg.Key(), pipeline.ClassDocument)
		if err != nil || !ok {
			t.Fatalf("DeleteDeadLetter = %v, %v", ok, err)
		}
		ok, err = q.DeleteDeadLetter(ctx, msg.Key(), pipeline.ClassDocument)
		if err != nil || ok {
			t.Fatalf("second DeleteDeadLetter = %v, %v", ok, err)
		}
		if got, _ := q.GetDeadLetter(ctx, msg.Key()); got != nil {
			t.Fatalf("record still readable after delete")
		}
	})
}

func TestDeadLetterReplacedOnSameKey(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *queue.Queue, clock *testsupport.Clock) {
		ctx := context.Background()
		msg := docMessage("a")
		if err := q.PutDeadLetter(ctx, queue.DeadLetter{Message: msg, ErrorMessage: "first"}, time.Hour); err != nil {
			t.Fatalf("PutDeadLetter: %v", err)
		}
		clock.Advance(time.Minute)
		graph := msg.ForGraph()
		if err := q.PutDeadLetter(ctx, queue.DeadLetter{Message: graph, ErrorMessage: "second"}, time.Hour); err != nil {
			t.Fatalf("PutDeadLetter: %v", err)
		}
		if docs, _ := q.ListDeadLetters(ctx, pipeline.ClassDocument); len(docs) != 0 {
			t.Fatalf("stale record left in document index")
		}
		graphs, err := q.ListDeadLetters(ctx, pipeline.ClassGraph)
		if err != nil || len(graphs) != 1 || graphs[0].ErrorMessage != "second" {
			t.Fatalf("graph list = %+v, %v", graphs, err)
		}
	})
}

func TestDeadLettersExpire(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q *queue.Queue, clock *testsupport.Clock) {
		ctx := context.Background()
		short := docMessage("short")
		long := docMessage("long")
		if err := q.PutDeadLetter(ctx, queue.DeadLetter{Message: short}, time.Hour); err != nil {
			t.Fatalf("PutDeadLetter: %v", err)
		}
		if err := q.PutDeadLetter(ctx, queue.DeadLetter{Message: long}, 48*time.Hour); err != nil {
			t.Fatalf("PutDeadLetter: %v", err)
		}
		clock.Advance(2 * time.Hour)

		if got, _ := q.GetDeadLetter(ctx, short.Key()); got != nil {
			t.Fatalf("expired record still readable")
		}
		list, err := q.ListDeadLetters(ctx, pipeline.ClassDocument)
		if err != nil || len(list) != 1 || list[0].Message.ArtifactID != "long" {
			t.Fatalf("ListDeadLetters = %+v, %v", list, err)
		}
		n, err := q.PurgeExpired(ctx)
		if err != nil || n != 1 {
			t.Fatalf("PurgeExpired = %d, %v", n, err)
		}
		if n, _ := q.PurgeExpired(ctx); n != 0 {
			t.Fatalf("second purge removed %d", n)
		}
	})
}

func TestOpenRejectsMissingConnections(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if _, err := queue.Open(cfg, nil, nil); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("sql without db: %v", err)
	}
	cfg.Queue.Backend = "kafka"
	if _, err := queue.Open(cfg, nil, nil); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("unknown backend: %v", err)
	}
}
