package status_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"casegraph/internal/pipeline"
	"casegraph/internal/status"
	"casegraph/internal/store"
	"casegraph/internal/testsupport"
)

func publishN(t *testing.T, hub *status.Hub, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := hub.Publish(context.Background(), status.Event{ArtifactID: "a", Status: "PROCESSING"}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
}

func TestHubFetchSince(t *testing.T) {
	hub := status.NewHub(10)
	publishN(t, hub, 3)

	events, next, err := hub.Fetch(context.Background(), 0, 0, false)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(events) != 3 || next != 3 {
		t.Fatalf("got %d events next=%d", len(events), next)
	}
	for i, evt := range events {
		if evt.Sequence != uint64(i+1) {
			t.Fatalf("event %d has seq %d", i, evt.Sequence)
		}
		if evt.Timestamp.IsZero() {
			t.Fatalf("event %d missing timestamp", i)
		}
	}

	events, next, _ = hub.Fetch(context.Background(), 3, 0, false)
	if len(events) != 0 || next != 3 {
		t.Fatalf("expected no new events, got %d next=%d", len(events), next)
	}
}

func TestHubFetchLimitAdvancesCursor(t *testing.T) {
	hub := status.NewHub(10)
	publishN(t, hub, 5)

	events, next, _ := hub.Fetch(context.Background(), 0, 2, false)
	if len(events) != 2 || next != 2 {
		t.Fatalf("first page: %d events next=%d", len(events), next)
	}
	events, next, _ = hub.Fetch(context.Background(), next, 2, false)
	if len(events) != 2 || events[0].Sequence != 3 || next != 4 {
		t.Fatalf("second page: %+v next=%d", events, next)
	}
}

func TestHubDropsOldestBeyondCapacity(t *testing.T) {
	hub := status.NewHub(3)
	publishN(t, hub, 5)
	if first := hub.FirstSequence(); first != 3 {
		t.Fatalf("FirstSequence = %d, want 3", first)
	}
	tail, next := hub.Tail(2)
	if len(tail) != 2 || tail[0].Sequence != 4 || next != 5 {
		t.Fatalf("Tail = %+v next=%d", tail, next)
	}
}

func TestHubFetchWaitWakesOnPublish(t *testing.T) {
	hub := status.NewHub(10)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = hub.Publish(context.Background(), status.Event{ArtifactID: "late"})
	}()
	events, _, err := hub.Fetch(ctx, 0, 0, true)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(events) != 1 || events[0].ArtifactID != "late" {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestHubFetchWaitHonorsContext(t *testing.T) {
	hub := status.NewHub(10)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err := hub.Fetch(ctx, 0, 0, true)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

type failingPublisher struct{ err error }

func (f failingPublisher) Publish(context.Context, status.Event) error { return f.err }

func TestMultiPublishesToAllAndJoinsErrors(t *testing.T) {
	hub := status.NewHub(10)
	boom := errors.New("boom")
	multi := status.Multi{failingPublisher{err: boom}, hub, status.Nop{}}

	err := multi.Publish(context.Background(), status.Event{ArtifactID: "a"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if tail, _ := hub.Tail(10); len(tail) != 1 {
		t.Fatalf("hub received %d events after a sibling failed", len(tail))
	}
}

func TestArtifactEventCopiesStageTimes(t *testing.T) {
	a := &store.Artifact{
		ID:           "art",
		JobID:        "job",
		Status:       store.ArtifactProcessing,
		CurrentStage: pipeline.StageTranslation,
		StageTimes:   map[pipeline.Stage]float64{pipeline.StageTextExtraction: 1.5},
	}
	evt := status.ArtifactEvent(a)
	if evt.Status != "PROCESSING" || evt.CurrentStage != "translation" {
		t.Fatalf("unexpected event %+v", evt)
	}
	if evt.StageTimes["text_extraction"] != 1.5 {
		t.Fatalf("stage times = %v", evt.StageTimes)
	}
}

func TestReporterSwallowsPublishErrors(t *testing.T) {
	r := status.NewReporter(failingPublisher{err: errors.New("down")}, nil)
	r.Artifact(context.Background(), &store.Artifact{ID: "a"})
}

func TestRelayForwardsRedisEvents(t *testing.T) {
	_, client := testsupport.NewMiniRedis(t)
	hub := status.NewHub(10)
	relay := status.NewRelay(client, "casegraph:status", hub, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx, ready) }()

	select {
	case <-ready:
	case err := <-done:
		t.Fatalf("relay exited early: %v", err)
	case <-ctx.Done():
		t.Fatalf("relay never subscribed")
	}

	pub := status.NewRedisPublisher(client, "casegraph:status")
	if err := pub.Publish(ctx, status.Event{JobID: "j", ArtifactID: "a", Status: "COMPLETED"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	events, _, err := hub.Fetch(ctx, 0, 0, true)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(events) != 1 || events[0].Status != "COMPLETED" || events[0].Sequence != 1 {
		t.Fatalf("unexpected relayed events %+v", events)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}
