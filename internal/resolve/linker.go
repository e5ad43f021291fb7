package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"unicode"

	"casegraph/internal/graph"
	"casegraph/internal/logging"
	"casegraph/internal/store"
)

// EntityStore is the subset of the durable store the linker writes to.
type EntityStore interface {
	UpsertEntity(ctx context.Context, e store.Entity) error
	FindCrossDocMatches(ctx context.Context, scope, canonicalKey, excludeArtifactID string) ([]store.Entity, error)
	UpsertRelationship(ctx context.Context, r store.Relationship) error
}

// Linker writes one artifact's extraction into the store and graph.
type Linker struct {
	store  EntityStore
	sink   graph.Sink
	logger *slog.Logger
}

// NewLinker builds a linker.
func NewLinker(st EntityStore, sink graph.Sink, logger *slog.Logger) *Linker {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Linker{store: st, sink: sink, logger: logging.NewComponentLogger(logger, "resolve")}
}

// Result summarizes a Link call.
type Result struct {
	Entities      int
	Relationships int
	CrossMatches  int
}

type resolvedEntity struct {
	canonical  string
	name       string
	entityType string
	properties map[string]any
}

// Link upserts the artifact's entities, their MENTIONS edges and the
// artifact's own relationships, then connects every entity to mentions of
// the same canonical key in other artifacts of the scope. Every write merges
// on its key, so calling Link again with the same input changes nothing.
func (l *Linker) Link(ctx context.Context, scope, artifactID string, ex Extraction) (Result, error) {
	var res Result
	entities := dedupe(ex.Entities)

	docKey := graph.DocumentKey(artifactID)
	if err := l.sink.UpsertNode(ctx, docKey, []string{graph.LabelDocument}, map[string]any{
		"artifact_id": artifactID,
		"case_scope":  scope,
	}); err != nil {
		return res, fmt.Errorf("upsert document node: %w", err)
	}

	byKey := make(map[string]string, len(entities))
	for _, e := range entities {
		if err := l.store.UpsertEntity(ctx, store.Entity{
			CaseScope:    scope,
			CanonicalKey: e.canonical,
			ArtifactID:   artifactID,
			DisplayName:  e.name,
			Type:         e.entityType,
			Properties:   e.properties,
		}); err != nil {
			return res, err
		}
		nodeKey := graph.EntityKey(scope, artifactID, e.canonical)
		byKey[e.canonical] = nodeKey
		labels := []string{graph.LabelEntity}
		if e.entityType != "" {
			labels = append(labels, e.entityType)
		}
		props := maps.Clone(e.properties)
		if props == nil {
			props = map[string]any{}
		}
		props["name"] = e.name
		props["canonical_key"] = e.canonical
		props["case_scope"] = scope
		props["artifact_id"] = artifactID
		if err := l.sink.UpsertNode(ctx, nodeKey, labels, props); err != nil {
			return res, fmt.Errorf("upsert entity node: %w", err)
		}
		if err := l.sink.UpsertEdge(ctx, docKey, nodeKey, graph.EdgeMentions, nil); err != nil {
			return res, fmt.Errorf("upsert mention: %w", err)
		}
		res.Entities++
	}

	for _, rel := range ex.Relationships {
		src, okSrc := byKey[Canonical(rel.Source)]
		dst, okDst := byKey[Canonical(rel.Target)]
		if !okSrc || !okDst {
			l.logger.Debug("skipping relationship with unknown endpoint",
				logging.String("source", rel.Source),
				logging.String("target", rel.Target),
				logging.String("type", rel.Type),
			)
			continue
		}
		relType := RelationshipType(rel.Type)
		if err := l.sink.UpsertEdge(ctx, src, dst, relType, rel.Properties); err != nil {
			return res, fmt.Errorf("upsert relationship: %w", err)
		}
		if err := l.store.UpsertRelationship(ctx, store.Relationship{
			SourceKey:  src,
			TargetKey:  dst,
			Type:       relType,
			CaseScope:  scope,
			ArtifactID: artifactID,
			Properties: rel.Properties,
		}); err != nil {
			return res, err
		}
		res.Relationships++
	}

	for _, e := range entities {
		matches, err := l.store.FindCrossDocMatches(ctx, scope, e.canonical, artifactID)
		if err != nil {
			return res, err
		}
		for _, m := range matches {
			if err := l.linkMatch(ctx, scope, artifactID, byKey[e.canonical], m); err != nil {
				return res, err
			}
			res.CrossMatches++
		}
	}

	l.logger.Debug("artifact linked",
		logging.String(logging.FieldArtifactID, artifactID),
		logging.String("case_scope", scope),
		logging.Int("entities", res.Entities),
		logging.Int("relationships", res.Relationships),
		logging.Int("cross_matches", res.CrossMatches),
	)
	return res, nil
}

func (l *Linker) linkMatch(ctx context.Context, scope, artifactID, nodeKey string, m store.Entity) error {
	props := map[string]any{"canonical_key": m.CanonicalKey}

	a, b := graph.OrderedPair(nodeKey, graph.EntityKey(scope, m.ArtifactID, m.CanonicalKey))
	if err := l.sink.UpsertEdge(ctx, a, b, graph.EdgeCrossDocMatch, props); err != nil {
		return fmt.Errorf("upsert cross-document match: %w", err)
	}
	if err := l.store.UpsertRelationship(ctx, store.Relationship{
		SourceKey:  a,
		TargetKey:  b,
		Type:       graph.EdgeCrossDocMatch,
		CaseScope:  scope,
		Properties: props,
	}); err != nil {
		return err
	}

	da, db := graph.OrderedPair(graph.DocumentKey(artifactID), graph.DocumentKey(m.ArtifactID))
	if err := l.sink.UpsertEdge(ctx, da, db, graph.EdgeSharesEntity, nil); err != nil {
		return fmt.Errorf("upsert shared entity edge: %w", err)
	}
	return l.store.UpsertRelationship(ctx, store.Relationship{
		SourceKey: da,
		TargetKey: db,
		Type:      graph.EdgeSharesEntity,
		CaseScope: scope,
	})
}

// dedupe canonicalizes names, drops empty keys and merges repeated mentions.
// The first mention supplies the display name; later properties fill gaps.
func dedupe(in []ExtractedEntity) []resolvedEntity {
	out := make([]resolvedEntity, 0, len(in))
	index := make(map[string]int, len(in))
	for _, e := range in {
		key := Canonical(e.Name)
		if key == "" {
			continue
		}
		entityType := strings.ToLower(strings.TrimSpace(e.Type))
		if i, ok := index[key]; ok {
			cur := &out[i]
			if cur.entityType == "" {
				cur.entityType = entityType
			}
			for k, v := range e.Properties {
				if _, exists := cur.properties[k]; !exists {
					if cur.properties == nil {
						cur.properties = map[string]any{}
					}
					cur.properties[k] = v
				}
			}
			continue
		}
		index[key] = len(out)
		out = append(out, resolvedEntity{
			canonical:  key,
			name:       strings.TrimSpace(e.Name),
			entityType: entityType,
			properties: maps.Clone(e.Properties),
		})
	}
	return out
}

// RelationshipType normalizes a free-form relationship label to
// UPPER_SNAKE_CASE. An empty label becomes RELATED_TO.
func RelationshipType(label string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.TrimSpace(label) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(unicode.ToUpper(r))
			continue
		}
		pendingSep = true
	}
	if b.Len() == 0 {
		return "RELATED_TO"
	}
	return b.String()
}
