package database

import (
	"context"
	"fmt"
	"strings"
)

type migration struct {
	version    string
	statements []string
}

var migrations = []migration{
	{
		version: "0001_core",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS cases (
				name TEXT PRIMARY KEY,
				created_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS jobs (
				id TEXT PRIMARY KEY,
				case_id TEXT REFERENCES cases(name),
				parent_job_id TEXT REFERENCES jobs(id),
				total_count INTEGER NOT NULL DEFAULT 0,
				processed_count INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL,
				error_message TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				completed_at TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_case ON jobs(case_id)`,
			`CREATE TABLE IF NOT EXISTS artifacts (
				id TEXT PRIMARY KEY,
				job_id TEXT NOT NULL REFERENCES jobs(id),
				name TEXT NOT NULL,
				ref TEXT NOT NULL,
				class TEXT NOT NULL,
				status TEXT NOT NULL,
				current_stage TEXT,
				stage_times TEXT NOT NULL DEFAULT '{}',
				metadata TEXT NOT NULL DEFAULT '{}',
				attempt_id TEXT,
				error_message TEXT,
				heartbeat_at TEXT,
				started_at TEXT,
				completed_at TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_artifacts_job ON artifacts(job_id)`,
			`CREATE INDEX IF NOT EXISTS idx_artifacts_status ON artifacts(status)`,
			`CREATE TABLE IF NOT EXISTS artifact_outputs (
				artifact_id TEXT NOT NULL REFERENCES artifacts(id),
				stage TEXT NOT NULL,
				text TEXT,
				data TEXT,
				created_at TEXT NOT NULL,
				PRIMARY KEY (artifact_id, stage)
			)`,
			`CREATE TABLE IF NOT EXISTS entities (
				case_scope TEXT NOT NULL,
				canonical_key TEXT NOT NULL,
				artifact_id TEXT NOT NULL REFERENCES artifacts(id),
				display_name TEXT NOT NULL,
				entity_type TEXT,
				properties TEXT NOT NULL DEFAULT '{}',
				updated_at TEXT NOT NULL,
				PRIMARY KEY (case_scope, canonical_key, artifact_id)
			)`,
			`CREATE TABLE IF NOT EXISTS relationships (
				source_key TEXT NOT NULL,
				target_key TEXT NOT NULL,
				rel_type TEXT NOT NULL,
				case_scope TEXT NOT NULL,
				artifact_id TEXT,
				properties TEXT NOT NULL DEFAULT '{}',
				updated_at TEXT NOT NULL,
				PRIMARY KEY (source_key, target_key, rel_type)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_relationships_scope ON relationships(case_scope)`,
		},
	},
	{
		version: "0002_queue",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS queue_messages (
				id {{serial}},
				queue TEXT NOT NULL,
				payload TEXT NOT NULL,
				enqueued_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_queue_messages_queue ON queue_messages(queue, id)`,
			`CREATE TABLE IF NOT EXISTS retry_schedule (
				id {{serial}},
				job_id TEXT NOT NULL,
				artifact_id TEXT NOT NULL,
				queue TEXT NOT NULL,
				payload TEXT NOT NULL,
				release_at BIGINT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_retry_schedule_release ON retry_schedule(release_at)`,
			`CREATE INDEX IF NOT EXISTS idx_retry_schedule_artifact ON retry_schedule(job_id, artifact_id)`,
			`CREATE TABLE IF NOT EXISTS dead_letters (
				job_id TEXT NOT NULL,
				artifact_id TEXT NOT NULL,
				class TEXT NOT NULL,
				record TEXT NOT NULL,
				failed_at TEXT NOT NULL,
				expires_at TEXT NOT NULL,
				PRIMARY KEY (job_id, artifact_id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_dead_letters_class ON dead_letters(class)`,
		},
	},
	{
		version: "0003_graph",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS graph_nodes (
				key TEXT PRIMARY KEY,
				labels TEXT NOT NULL DEFAULT '[]',
				properties TEXT NOT NULL DEFAULT '{}',
				updated_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS graph_edges (
				source TEXT NOT NULL,
				target TEXT NOT NULL,
				rel_type TEXT NOT NULL,
				properties TEXT NOT NULL DEFAULT '{}',
				updated_at TEXT NOT NULL,
				PRIMARY KEY (source, target, rel_type)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_graph_edges_target ON graph_edges(target)`,
		},
	},
}

// Migrate applies pending migrations inside one transaction.
func (d *DB) Migrate(ctx context.Context) error {
	return d.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY)"); err != nil {
			return fmt.Errorf("ensure schema_migrations: %w", err)
		}
		for _, m := range migrations {
			var count int
			if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM schema_migrations WHERE version = ?", m.version).Scan(&count); err != nil {
				return fmt.Errorf("scan migration version: %w", err)
			}
			if count > 0 {
				continue
			}
			for _, stmt := range m.statements {
				if _, err := tx.ExecContext(ctx, expandDDL(d.dialect, stmt)); err != nil {
					return fmt.Errorf("apply migration %s: %w", m.version, err)
				}
			}
			if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?) ON CONFLICT (version) DO NOTHING", m.version); err != nil {
				return fmt.Errorf("record migration %s: %w", m.version, err)
			}
		}
		return nil
	})
}

// AppliedMigrations lists recorded migration versions in order.
func (d *DB) AppliedMigrations(ctx context.Context) ([]string, error) {
	rows, err := d.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	defer rows.Close()
	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func expandDDL(dialect Dialect, stmt string) string {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if dialect == DialectPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
	}
	return strings.ReplaceAll(stmt, "{{serial}}", serial)
}
