package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"casegraph/internal/database"
)

// SQLSink stores nodes and edges in the graph_nodes and graph_edges tables.
type SQLSink struct {
	db *database.DB
}

// NewSQLSink uses db; the caller owns its lifecycle.
func NewSQLSink(db *database.DB) *SQLSink {
	return &SQLSink{db: db}
}

func (s *SQLSink) UpsertNode(ctx context.Context, key string, labels []string, properties map[string]any) error {
	return s.db.WithTx(ctx, func(tx *database.Tx) error {
		var existingLabels, existingProps string
		err := tx.QueryRowContext(ctx, `SELECT labels, properties FROM graph_nodes WHERE key = ?`+forUpdate(tx), key).
			Scan(&existingLabels, &existingProps)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read node %s: %w", key, err)
		}
		var curLabels []string
		curProps := map[string]any{}
		if err == nil {
			_ = json.Unmarshal([]byte(existingLabels), &curLabels)
			_ = json.Unmarshal([]byte(existingProps), &curProps)
		}
		labelsJSON, err := json.Marshal(unionLabels(curLabels, labels))
		if err != nil {
			return fmt.Errorf("encode labels: %w", err)
		}
		propsJSON, err := json.Marshal(mergeProps(curProps, properties))
		if err != nil {
			return fmt.Errorf("encode properties: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO graph_nodes (key, labels, properties, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (key) DO UPDATE SET
				labels = excluded.labels,
				properties = excluded.properties,
				updated_at = excluded.updated_at`,
			key, string(labelsJSON), string(propsJSON), database.FormatTime(time.Now()))
		if err != nil {
			return fmt.Errorf("upsert node %s: %w", key, err)
		}
		return nil
	})
}

func (s *SQLSink) UpsertEdge(ctx context.Context, source, target, relType string, properties map[string]any) error {
	return s.db.WithTx(ctx, func(tx *database.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT properties FROM graph_edges WHERE source = ? AND target = ? AND rel_type = ?`+forUpdate(tx),
			source, target, relType).Scan(&existing)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read edge: %w", err)
		}
		cur := map[string]any{}
		if err == nil {
			_ = json.Unmarshal([]byte(existing), &cur)
		}
		propsJSON, err := json.Marshal(mergeProps(cur, properties))
		if err != nil {
			return fmt.Errorf("encode properties: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO graph_edges (source, target, rel_type, properties, updated_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (source, target, rel_type) DO UPDATE SET
				properties = excluded.properties,
				updated_at = excluded.updated_at`,
			source, target, relType, string(propsJSON), database.FormatTime(time.Now()))
		if err != nil {
			return fmt.Errorf("upsert edge %s-%s->%s: %w", source, relType, target, err)
		}
		return nil
	})
}

func forUpdate(q database.Querier) string {
	if q.Dialect() == database.DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// Ping checks the shared database.
func (s *SQLSink) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

// Close is a no-op; the database belongs to the store.
func (s *SQLSink) Close(context.Context) error { return nil }

// Nodes lists nodes whose key starts with prefix.
func (s *SQLSink) Nodes(ctx context.Context, prefix string) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, labels, properties FROM graph_nodes WHERE key LIKE ? ESCAPE '\' ORDER BY key`, escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()
	var out []Node
	for rows.Next() {
		var (
			n             Node
			labels, props string
		)
		if err := rows.Scan(&n.Key, &labels, &props); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		_ = json.Unmarshal([]byte(labels), &n.Labels)
		n.Properties = map[string]any{}
		_ = json.Unmarshal([]byte(props), &n.Properties)
		out = append(out, n)
	}
	return out, rows.Err()
}

// Edges lists edges of relType, or all edges when relType is empty.
func (s *SQLSink) Edges(ctx context.Context, relType string) ([]Edge, error) {
	query := `SELECT source, target, rel_type, properties FROM graph_edges`
	var args []any
	if relType != "" {
		query += ` WHERE rel_type = ?`
		args = append(args, relType)
	}
	query += ` ORDER BY rel_type, source, target`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	defer rows.Close()
	var out []Edge
	for rows.Next() {
		var (
			e     Edge
			props string
		)
		if err := rows.Scan(&e.Source, &e.Target, &e.Type, &props); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		e.Properties = map[string]any{}
		_ = json.Unmarshal([]byte(props), &e.Properties)
		out = append(out, e)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	r := make([]rune, 0, len(s))
	for _, ch := range s {
		if ch == '%' || ch == '_' || ch == '\\' {
			r = append(r, '\\')
		}
		r = append(r, ch)
	}
	return string(r)
}
