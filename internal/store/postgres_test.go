package store_test

import (
	"context"
	"testing"
	"time"

	"casegraph/internal/config"
	"casegraph/internal/pipeline"
	"casegraph/internal/store"
	"casegraph/internal/testsupport"
)

func TestPostgresArtifactLifecycle(t *testing.T) {
	dsn := testsupport.StartPostgres(t)
	cfg := testsupport.NewConfig(t, testsupport.WithConfig(func(c *config.Config) {
		c.Store.Driver = config.StorePostgres
		c.Store.DSN = dsn
	}))
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	job := testsupport.NewJob(t, st, "op-harbor", 1)
	a := testsupport.NewArtifact(t, st, job.ID, "ledger.csv", pipeline.ClassCDR)

	if ok, err := st.ClaimArtifact(ctx, a.ID, store.ArtifactQueued, "owner"); err != nil || !ok {
		t.Fatalf("claim: %v %v", ok, err)
	}
	if ok, _ := st.ClaimArtifact(ctx, a.ID, store.ArtifactQueued, "second"); ok {
		t.Fatal("second claim must fail")
	}
	if ok, err := st.CompleteStage(ctx, a.ID, "owner", pipeline.StageCDRParsing, time.Second, store.StageOutput{Text: "calls"}); err != nil || !ok {
		t.Fatalf("CompleteStage: %v %v", ok, err)
	}
	if ok, err := st.MarkAwaitingGraph(ctx, a.ID, "owner"); err != nil || !ok {
		t.Fatalf("MarkAwaitingGraph: %v %v", ok, err)
	}
	got := testsupport.MustGetArtifact(t, st, a.ID)
	if got.Status != store.ArtifactAwaitingGraph || got.StageTimes[pipeline.StageCDRParsing] != 1 {
		t.Fatalf("unexpected artifact: %#v", got)
	}
	if changed, err := st.CompleteJob(ctx, job.ID, 1, ""); err != nil || !changed {
		t.Fatalf("CompleteJob: %v %v", changed, err)
	}
}
