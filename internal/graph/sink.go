package graph

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"casegraph/internal/config"
	"casegraph/internal/database"
)

const (
	LabelDocument = "Document"
	LabelEntity   = "Entity"

	EdgeMentions      = "MENTIONS"
	EdgeCrossDocMatch = "CROSS_DOC_MATCH"
	EdgeSharesEntity  = "SHARES_ENTITY"
)

// Node is a graph vertex.
type Node struct {
	Key        string         `json:"key"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties"`
}

// Edge is a directed, typed relationship.
type Edge struct {
	Source     string         `json:"source"`
	Target     string         `json:"target"`
	Type       string         `json:"rel_type"`
	Properties map[string]any `json:"properties"`
}

// Sink receives merge-on-key graph writes.
type Sink interface {
	// UpsertNode creates the node or unions its labels and merges its
	// properties into the existing one.
	UpsertNode(ctx context.Context, key string, labels []string, properties map[string]any) error
	// UpsertEdge creates the edge or merges properties into the existing
	// edge with the same (source, target, type).
	UpsertEdge(ctx context.Context, source, target, relType string, properties map[string]any) error
	Close(ctx context.Context) error
}

// Reader lists graph contents for inspection.
type Reader interface {
	Nodes(ctx context.Context, prefix string) ([]Node, error)
	Edges(ctx context.Context, relType string) ([]Edge, error)
}

// Open returns the configured sink. The SQL sink shares db.
func Open(ctx context.Context, cfg *config.Config, db *database.DB, logger *slog.Logger) (Sink, error) {
	switch cfg.Graph.Sink {
	case config.GraphSurreal:
		return NewSurrealSink(ctx, SurrealConfig{
			URL:       cfg.Graph.SurrealURL,
			Namespace: cfg.Graph.SurrealNS,
			Database:  cfg.Graph.SurrealDB,
			Username:  cfg.Graph.SurrealUser,
			Password:  cfg.Graph.SurrealPassword,
			AuthLevel: cfg.Graph.SurrealAuth,
		}, logger)
	case config.GraphSQL, "":
		if db == nil {
			return nil, fmt.Errorf("graph sink sql requires the store database")
		}
		return NewSQLSink(db), nil
	default:
		return nil, fmt.Errorf("unknown graph sink %q", cfg.Graph.Sink)
	}
}

// DocumentKey is the node key of an artifact.
func DocumentKey(artifactID string) string {
	return "document:" + artifactID
}

// EntityKey is the node key of an entity mention. Entity nodes are per
// artifact; CROSS_DOC_MATCH edges connect mentions of the same canonical key.
func EntityKey(scope, artifactID, canonical string) string {
	return "entity:" + scope + "|" + artifactID + "|" + canonical
}

// OrderedPair returns a and b sorted so that symmetric edges have a single
// stored direction.
func OrderedPair(a, b string) (string, string) {
	if strings.Compare(a, b) <= 0 {
		return a, b
	}
	return b, a
}

func unionLabels(existing, added []string) []string {
	out := slices.Clone(existing)
	for _, l := range added {
		if l = strings.TrimSpace(l); l != "" && !slices.Contains(out, l) {
			out = append(out, l)
		}
	}
	slices.Sort(out)
	return out
}

func mergeProps(existing, added map[string]any) map[string]any {
	out := make(map[string]any, len(existing)+len(added))
	maps.Copy(out, existing)
	maps.Copy(out, added)
	return out
}
