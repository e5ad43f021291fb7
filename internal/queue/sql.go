package queue

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"casegraph/internal/database"
)

const defaultPollInterval = 200 * time.Millisecond

// SQLBackend stores queues, the retry schedule and dead letters in the store
// database. Dequeue polls because SQL has no blocking pop.
type SQLBackend struct {
	db   *database.DB
	poll time.Duration
}

// NewSQLBackend uses db; the caller owns its lifecycle.
func NewSQLBackend(db *database.DB, poll time.Duration) *SQLBackend {
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &SQLBackend{db: db, poll: poll}
}

func (s *SQLBackend) skipLocked() string {
	if s.db.Dialect() == database.DialectPostgres {
		return " FOR UPDATE SKIP LOCKED"
	}
	return ""
}

func (s *SQLBackend) Enqueue(ctx context.Context, queue string, payload []byte) (int64, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO queue_messages (queue, payload, enqueued_at) VALUES (?, ?, ?)`,
		queue, string(payload), database.FormatTime(time.Now()),
	); err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	return s.Depth(ctx, queue)
}

func (s *SQLBackend) Dequeue(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	query := `DELETE FROM queue_messages WHERE id = (
		SELECT id FROM queue_messages WHERE queue = ? ORDER BY id LIMIT 1` + s.skipLocked() + `
	) RETURNING payload`
	for {
		payload, err := s.popOne(ctx, query, queue)
		if err != nil || payload != nil {
			return payload, err
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, nil
		}
		if wait > s.poll {
			wait = s.poll
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *SQLBackend) popOne(ctx context.Context, query, queue string) ([]byte, error) {
	rows, err := s.db.QueryContext(ctx, query, queue)
	if err != nil {
		return nil, fmt.Errorf("pop message: %w", err)
	}
	defer rows.Close()
	var payload []byte
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		payload = []byte(value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pop message: %w", err)
	}
	return payload, nil
}

func (s *SQLBackend) Depth(ctx context.Context, queue string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_messages WHERE queue = ?`, queue).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (s *SQLBackend) Schedule(ctx context.Context, entry ScheduledEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO retry_schedule (job_id, artifact_id, queue, payload, release_at) VALUES (?, ?, ?, ?, ?)`,
		entry.Key.JobID, entry.Key.ArtifactID, entry.Queue, string(entry.Payload), entry.ReleaseAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert retry: %w", err)
	}
	return nil
}

// ClaimDue deletes and returns due rows in one statement so that each row is
// returned to exactly one caller.
func (s *SQLBackend) ClaimDue(ctx context.Context, now time.Time, limit int) ([]ScheduledEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `DELETE FROM retry_schedule WHERE id IN (
		SELECT id FROM retry_schedule WHERE release_at <= ? ORDER BY release_at, id LIMIT ?` + s.skipLocked() + `
	) RETURNING job_id, artifact_id, queue, payload, release_at`
	rows, err := s.db.QueryContext(ctx, query, now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim retries: %w", err)
	}
	entries, err := scanScheduled(rows)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].ReleaseAt.Before(entries[j].ReleaseAt) })
	return entries, nil
}

func (s *SQLBackend) Scheduled(ctx context.Context) ([]ScheduledEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, artifact_id, queue, payload, release_at FROM retry_schedule ORDER BY release_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list retries: %w", err)
	}
	return scanScheduled(rows)
}

func scanScheduled(rows *sql.Rows) ([]ScheduledEntry, error) {
	defer rows.Close()
	var out []ScheduledEntry
	for rows.Next() {
		var (
			entry   ScheduledEntry
			payload string
			release int64
		)
		if err := rows.Scan(&entry.Key.JobID, &entry.Key.ArtifactID, &entry.Queue, &payload, &release); err != nil {
			return nil, fmt.Errorf("scan retry: %w", err)
		}
		entry.Payload = []byte(payload)
		entry.ReleaseAt = time.UnixMilli(release).UTC()
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate retries: %w", err)
	}
	return out, nil
}

func (s *SQLBackend) CancelScheduled(ctx context.Context, key Key) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM retry_schedule WHERE job_id = ? AND artifact_id = ?`, key.JobID, key.ArtifactID)
	if err != nil {
		return 0, fmt.Errorf("delete retry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLBackend) PutDeadLetter(ctx context.Context, entry DeadLetterEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (job_id, artifact_id, class, record, failed_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id, artifact_id) DO UPDATE SET
			class = excluded.class,
			record = excluded.record,
			failed_at = excluded.failed_at,
			expires_at = excluded.expires_at`,
		entry.Key.JobID, entry.Key.ArtifactID, entry.Class, string(entry.Record),
		database.FormatTime(entry.FailedAt), database.FormatTime(entry.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("upsert dead letter: %w", err)
	}
	return nil
}

func (s *SQLBackend) GetDeadLetter(ctx context.Context, key Key, now time.Time) ([]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM dead_letters WHERE job_id = ? AND artifact_id = ? AND expires_at > ?`,
		key.JobID, key.ArtifactID, database.FormatTime(now))
	if err != nil {
		return nil, fmt.Errorf("get dead letter: %w", err)
	}
	records, err := scanRecords(rows)
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return records[0], nil
}

func (s *SQLBackend) ListDeadLetters(ctx context.Context, class string, now time.Time) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM dead_letters WHERE class = ? AND expires_at > ? ORDER BY failed_at, job_id, artifact_id`,
		class, database.FormatTime(now))
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([][]byte, error) {
	defer rows.Close()
	var out [][]byte
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		out = append(out, []byte(record))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return out, nil
}

// DeleteDeadLetter ignores class; the key is unique across classes.
func (s *SQLBackend) DeleteDeadLetter(ctx context.Context, key Key, _ string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dead_letters WHERE job_id = ? AND artifact_id = ?`, key.JobID, key.ArtifactID)
	if err != nil {
		return false, fmt.Errorf("delete dead letter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLBackend) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE expires_at <= ?`, database.FormatTime(now))
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLBackend) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

func (s *SQLBackend) Close() error { return nil }
