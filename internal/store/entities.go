package store

import (
	"context"
	"database/sql"
	"fmt"

	"casegraph/internal/database"
)

// UpsertEntity merges an entity on (case scope, canonical key, artifact).
func (s *Store) UpsertEntity(ctx context.Context, e Entity) error {
	props, err := encodeJSON(nonNilProps(e.Properties))
	if err != nil {
		return fmt.Errorf("encode entity properties: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO entities (case_scope, canonical_key, artifact_id, display_name, entity_type, properties, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (case_scope, canonical_key, artifact_id) DO UPDATE
		 SET display_name = excluded.display_name, entity_type = excluded.entity_type,
		     properties = excluded.properties, updated_at = excluded.updated_at`,
		e.CaseScope, e.CanonicalKey, e.ArtifactID, e.DisplayName, database.NullableString(e.Type), props, s.timestamp(),
	); err != nil {
		return fmt.Errorf("upsert entity: %w", err)
	}
	return nil
}

// FindCrossDocMatches returns entities in the scope that share the canonical
// key but come from another artifact.
func (s *Store) FindCrossDocMatches(ctx context.Context, scope, canonicalKey, excludeArtifactID string) ([]Entity, error) {
	return s.queryEntities(ctx,
		`SELECT case_scope, canonical_key, artifact_id, display_name, entity_type, properties, updated_at
		 FROM entities WHERE case_scope = ? AND canonical_key = ? AND artifact_id <> ?
		 ORDER BY artifact_id`,
		scope, canonicalKey, excludeArtifactID,
	)
}

// ListEntities returns the entities of a scope, optionally limited to one artifact.
func (s *Store) ListEntities(ctx context.Context, scope, artifactID string) ([]Entity, error) {
	query := `SELECT case_scope, canonical_key, artifact_id, display_name, entity_type, properties, updated_at
		 FROM entities WHERE case_scope = ?`
	args := []any{scope}
	if artifactID != "" {
		query += ` AND artifact_id = ?`
		args = append(args, artifactID)
	}
	query += ` ORDER BY canonical_key, artifact_id`
	return s.queryEntities(ctx, query, args...)
}

func (s *Store) queryEntities(ctx context.Context, query string, args ...any) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		var (
			e          Entity
			entityType sql.NullString
			props      string
			updated    string
		)
		if err := rows.Scan(&e.CaseScope, &e.CanonicalKey, &e.ArtifactID, &e.DisplayName, &entityType, &props, &updated); err != nil {
			return nil, err
		}
		e.Type = entityType.String
		if e.Properties, err = decodeProperties(props); err != nil {
			return nil, fmt.Errorf("decode entity properties: %w", err)
		}
		if t, err := database.ParseTime(updated); err == nil {
			e.UpdatedAt = t
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// UpsertRelationship merges an edge on (source, target, type).
func (s *Store) UpsertRelationship(ctx context.Context, r Relationship) error {
	props, err := encodeJSON(nonNilProps(r.Properties))
	if err != nil {
		return fmt.Errorf("encode relationship properties: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO relationships (source_key, target_key, rel_type, case_scope, artifact_id, properties, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (source_key, target_key, rel_type) DO UPDATE
		 SET properties = excluded.properties, updated_at = excluded.updated_at`,
		r.SourceKey, r.TargetKey, r.Type, r.CaseScope, database.NullableString(r.ArtifactID), props, s.timestamp(),
	); err != nil {
		return fmt.Errorf("upsert relationship: %w", err)
	}
	return nil
}

// ListRelationships returns the relationships of a scope, optionally of one type.
func (s *Store) ListRelationships(ctx context.Context, scope, relType string) ([]Relationship, error) {
	query := `SELECT source_key, target_key, rel_type, case_scope, artifact_id, properties, updated_at
		 FROM relationships WHERE case_scope = ?`
	args := []any{scope}
	if relType != "" {
		query += ` AND rel_type = ?`
		args = append(args, relType)
	}
	query += ` ORDER BY rel_type, source_key, target_key`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list relationships: %w", err)
	}
	defer rows.Close()

	var rels []Relationship
	for rows.Next() {
		var (
			r          Relationship
			artifactID sql.NullString
			props      string
			updated    string
		)
		if err := rows.Scan(&r.SourceKey, &r.TargetKey, &r.Type, &r.CaseScope, &artifactID, &props, &updated); err != nil {
			return nil, err
		}
		r.ArtifactID = artifactID.String
		if r.Properties, err = decodeProperties(props); err != nil {
			return nil, fmt.Errorf("decode relationship properties: %w", err)
		}
		if t, err := database.ParseTime(updated); err == nil {
			r.UpdatedAt = t
		}
		rels = append(rels, r)
	}
	return rels, rows.Err()
}

func nonNilProps(props map[string]any) map[string]any {
	if props == nil {
		return map[string]any{}
	}
	return props
}
