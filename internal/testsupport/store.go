package testsupport

import (
	"context"
	"testing"

	"casegraph/internal/config"
	"casegraph/internal/database"
	"casegraph/internal/pipeline"
	"casegraph/internal/store"
)

// MustOpenDB opens and migrates the configured database and registers cleanup.
func MustOpenDB(t testing.TB, cfg *config.Config) *database.DB {
	t.Helper()

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	db, err := database.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("database.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

// MustOpenStore opens a store over a fresh database and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config, opts ...store.Option) *store.Store {
	t.Helper()
	return store.New(MustOpenDB(t, cfg), opts...)
}

// NewJob creates a job for tests.
func NewJob(t testing.TB, st *store.Store, caseID string, total int) *store.Job {
	t.Helper()

	job, err := st.CreateJob(context.Background(), store.JobSpec{CaseID: caseID, TotalCount: total})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return job
}

// NewArtifact registers a QUEUED artifact for tests.
func NewArtifact(t testing.TB, st *store.Store, jobID, name string, class pipeline.Class) *store.Artifact {
	t.Helper()

	a, _, err := st.EnsureArtifact(context.Background(), store.ArtifactSpec{
		JobID:    jobID,
		Name:     name,
		Ref:      name,
		Class:    class,
		Metadata: map[string]string{"language": "en"},
	})
	if err != nil {
		t.Fatalf("EnsureArtifact: %v", err)
	}
	return a
}

// MustGetArtifact fetches an artifact that must exist.
func MustGetArtifact(t testing.TB, st *store.Store, id string) *store.Artifact {
	t.Helper()

	a, err := st.GetArtifact(context.Background(), id)
	if err != nil {
		t.Fatalf("GetArtifact: %v", err)
	}
	if a == nil {
		t.Fatalf("artifact %s not found", id)
	}
	return a
}

// MustGetJob fetches a job that must exist.
func MustGetJob(t testing.TB, st *store.Store, id string) *store.Job {
	t.Helper()

	job, err := st.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job == nil {
		t.Fatalf("job %s not found", id)
	}
	return job
}
