package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"casegraph/internal/config"
)

// WriteArtifact writes content to name under dir, creating parent
// directories, and returns the full path.
func WriteArtifact(t testing.TB, dir, name string, content []byte) string {
	t.Helper()

	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

// WriteEvidence stores content in the evidence directory under ref, the
// relative reference a dispatch request would carry.
func WriteEvidence(t testing.TB, cfg *config.Config, ref string, content []byte) string {
	t.Helper()

	if cfg.Paths.EvidenceDir == "" {
		t.Fatal("evidence dir not configured")
	}
	return WriteArtifact(t, cfg.Paths.EvidenceDir, ref, content)
}
