package services_test

import (
	"context"
	"testing"

	"casegraph/internal/services"
)

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithJobID(ctx, "job-1")
	ctx = services.WithArtifactID(ctx, "art-1")
	ctx = services.WithStage(ctx, "translation")
	ctx = services.WithQueue(ctx, "queue:document")
	ctx = services.WithRequestID(ctx, "req-123")

	if id, ok := services.JobIDFromContext(ctx); !ok || id != "job-1" {
		t.Fatalf("unexpected job id: %v %v", id, ok)
	}
	if id, ok := services.ArtifactIDFromContext(ctx); !ok || id != "art-1" {
		t.Fatalf("unexpected artifact id: %v %v", id, ok)
	}
	if stage, ok := services.StageFromContext(ctx); !ok || stage != "translation" {
		t.Fatalf("unexpected stage: %v %v", stage, ok)
	}
	if name, ok := services.QueueFromContext(ctx); !ok || name != "queue:document" {
		t.Fatalf("unexpected queue: %v %v", name, ok)
	}
	if rid, ok := services.RequestIDFromContext(ctx); !ok || rid != "req-123" {
		t.Fatalf("unexpected request id: %v %v", rid, ok)
	}
}

func TestBlankValuesPreserveContext(t *testing.T) {
	ctx := context.Background()
	ctx = services.WithStage(ctx, "")
	ctx = services.WithJobID(ctx, "")
	if _, ok := services.StageFromContext(ctx); ok {
		t.Fatal("expected blank stage to be ignored")
	}
	if _, ok := services.JobIDFromContext(ctx); ok {
		t.Fatal("expected blank job id to be ignored")
	}
}
