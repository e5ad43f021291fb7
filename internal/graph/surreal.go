package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/contrib/rews"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/connection/gorillaws"
	"github.com/surrealdb/surrealdb.go/pkg/logger"
	"github.com/surrealdb/surrealdb.go/surrealcbor"
)

// SurrealConfig holds SurrealDB connection settings.
type SurrealConfig struct {
	URL       string
	Namespace string
	Database  string
	Username  string
	Password  string
	AuthLevel string // "root" or "database"
}

const surrealSchema = `
	DEFINE TABLE IF NOT EXISTS node SCHEMALESS;
	DEFINE INDEX IF NOT EXISTS node_key ON node FIELDS key UNIQUE;
	DEFINE TABLE IF NOT EXISTS link TYPE RELATION IN node OUT node SCHEMALESS;
	DEFINE FIELD IF NOT EXISTS unique_key ON link VALUE string::concat(source, "|", target, "|", rel_type);
	DEFINE INDEX IF NOT EXISTS unique_link ON link FIELDS unique_key UNIQUE;
`

// SurrealSink writes nodes to the node table and edges to the link relation
// over an auto-reconnecting websocket.
type SurrealSink struct {
	conn *rews.Connection[*gorillaws.Connection]
	db   *surrealdb.DB
	log  logger.Logger
}

// NewSurrealSink connects, signs in, selects the namespace and applies the
// schema.
func NewSurrealSink(ctx context.Context, cfg SurrealConfig, log *slog.Logger) (*SurrealSink, error) {
	if log == nil {
		log = slog.Default()
	}
	sdkLogger := logger.New(log.Handler())
	codec := surrealcbor.New()

	// gorillaws appends /rpc itself
	baseURL := strings.TrimSuffix(cfg.URL, "/rpc")

	conn := rews.New(
		func(ctx context.Context) (*gorillaws.Connection, error) {
			return gorillaws.New(&connection.Config{
				BaseURL:     baseURL,
				Marshaler:   codec,
				Unmarshaler: codec,
				Logger:      sdkLogger,
			}), nil
		},
		5*time.Second,
		codec,
		sdkLogger,
	)
	retryer := rews.NewExponentialBackoffRetryer()
	retryer.InitialDelay = time.Second
	retryer.MaxDelay = 30 * time.Second
	retryer.Multiplier = 2.0
	retryer.MaxRetries = 10
	conn.Retryer = retryer

	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect surrealdb: %w", err)
	}
	db, err := surrealdb.FromConnection(ctx, conn)
	if err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("surrealdb from connection: %w", err)
	}

	auth := surrealdb.Auth{Username: cfg.Username, Password: cfg.Password}
	if cfg.AuthLevel == "database" {
		auth.Namespace = cfg.Namespace
		auth.Database = cfg.Database
	}
	if _, err := db.SignIn(ctx, auth); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("surrealdb signin: %w", err)
	}
	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("surrealdb use: %w", err)
	}
	if _, err := surrealdb.Query[any](ctx, db, surrealSchema, nil); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("surrealdb schema: %w", err)
	}
	return &SurrealSink{conn: conn, db: db, log: sdkLogger}, nil
}

func (s *SurrealSink) UpsertNode(ctx context.Context, key string, labels []string, properties map[string]any) error {
	if labels == nil {
		labels = []string{}
	}
	if properties == nil {
		properties = map[string]any{}
	}
	sql := `
		UPSERT type::record("node", $key) SET
			key = $key,
			labels = array::sort(array::union(labels ?? [], $labels)),
			updated = time::now();
		UPDATE type::record("node", $key) MERGE { properties: $props };
	`
	_, err := surrealdb.Query[any](ctx, s.db, sql, map[string]any{
		"key":    key,
		"labels": labels,
		"props":  properties,
	})
	if err != nil {
		return fmt.Errorf("upsert node %s: %w", key, err)
	}
	return nil
}

func (s *SurrealSink) UpsertEdge(ctx context.Context, source, target, relType string, properties map[string]any) error {
	if properties == nil {
		properties = map[string]any{}
	}
	sql := `
		LET $existing = (SELECT VALUE id FROM link WHERE source = $source AND target = $target AND rel_type = $rel_type);
		IF array::len($existing) > 0 {
			UPDATE $existing[0] MERGE { properties: $props, updated: time::now() };
		} ELSE {
			RELATE type::record("node", $source)->link->type::record("node", $target) SET
				source = $source,
				target = $target,
				rel_type = $rel_type,
				properties = $props,
				updated = time::now();
		};
	`
	_, err := surrealdb.Query[any](ctx, s.db, sql, map[string]any{
		"source":   source,
		"target":   target,
		"rel_type": relType,
		"props":    properties,
	})
	if err != nil {
		if isAlreadyExists(err) {
			// a concurrent writer created the same edge first
			return nil
		}
		return fmt.Errorf("upsert edge %s-%s->%s: %w", source, relType, target, err)
	}
	return nil
}

func isAlreadyExists(err error) bool {
	var queryErr *surrealdb.QueryError
	if errors.As(err, &queryErr) {
		return strings.Contains(queryErr.Message, "already exists") ||
			strings.Contains(queryErr.Message, "already contains")
	}
	return false
}

// Nodes lists nodes whose key starts with prefix.
func (s *SurrealSink) Nodes(ctx context.Context, prefix string) ([]Node, error) {
	res, err := surrealdb.Query[[]Node](ctx, s.db,
		`SELECT key, labels, properties FROM node WHERE string::starts_with(key, $prefix) ORDER BY key`,
		map[string]any{"prefix": prefix})
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	if res == nil || len(*res) == 0 {
		return nil, nil
	}
	return (*res)[0].Result, nil
}

// Edges lists edges of relType, or all edges when relType is empty.
func (s *SurrealSink) Edges(ctx context.Context, relType string) ([]Edge, error) {
	sql := `SELECT source, target, rel_type, properties FROM link`
	vars := map[string]any{}
	if relType != "" {
		sql += ` WHERE rel_type = $rel_type`
		vars["rel_type"] = relType
	}
	sql += ` ORDER BY rel_type, source, target`
	res, err := surrealdb.Query[[]Edge](ctx, s.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	if res == nil || len(*res) == 0 {
		return nil, nil
	}
	return (*res)[0].Result, nil
}

// Ping runs a trivial query over the connection.
func (s *SurrealSink) Ping(ctx context.Context) error {
	_, err := surrealdb.Query[any](ctx, s.db, "RETURN true", nil)
	return err
}

// Close closes the websocket connection.
func (s *SurrealSink) Close(ctx context.Context) error {
	s.log.Info("closing SurrealDB connection")
	return s.conn.Close(ctx)
}
