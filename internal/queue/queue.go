package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"casegraph/internal/config"
	"casegraph/internal/database"
	"casegraph/internal/pipeline"
	"casegraph/internal/services"
)

// DeadLetter is a message that exhausted its retries plus the failure
// diagnostics.
type DeadLetter struct {
	Message       Message        `json:"message"`
	FailureTime   time.Time      `json:"failure_time"`
	ErrorMessage  string         `json:"error_message"`
	ErrorType     string         `json:"error_type"`
	StackTrace    string         `json:"stack_trace,omitempty"`
	OriginalQueue string         `json:"original_queue"`
	Class         pipeline.Class `json:"class"`
	ExpiresAt     time.Time      `json:"expires_at"`
}

// Key returns the record key.
func (d DeadLetter) Key() Key {
	return d.Message.Key()
}

// ScheduledMessage is a decoded retry schedule entry.
type ScheduledMessage struct {
	Message   Message
	Queue     string
	ReleaseAt time.Time
}

// Queue encodes messages onto a Backend.
type Queue struct {
	backend Backend
	now     func() time.Time
}

// Option customizes a Queue.
type Option func(*Queue)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// New wraps a backend.
func New(backend Backend, opts ...Option) *Queue {
	q := &Queue{backend: backend, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Open builds the configured backend. The SQL backend shares db; the Redis
// backend uses client.
func Open(cfg *config.Config, db *database.DB, client *redis.Client, opts ...Option) (*Queue, error) {
	switch cfg.Queue.Backend {
	case config.QueueSQL:
		if db == nil {
			return nil, services.Wrap(services.ErrConfiguration, "", "open queue", "sql backend needs the store database", nil)
		}
		return New(NewSQLBackend(db, time.Duration(cfg.Queue.PollInterval)*time.Millisecond), opts...), nil
	case config.QueueRedis:
		if client == nil {
			return nil, services.Wrap(services.ErrConfiguration, "", "open queue", "redis backend needs a client", nil)
		}
		return New(NewRedisBackend(client, cfg.Queue.KeyPrefix), opts...), nil
	default:
		return nil, services.Wrap(services.ErrConfiguration, "", "open queue", "unknown backend "+cfg.Queue.Backend, nil)
	}
}

// NewRedisClient builds a client from the queue settings.
func NewRedisClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Queue.RedisAddr,
		Password: cfg.Queue.RedisPassword,
		DB:       cfg.Queue.RedisDB,
	})
}

// Backend exposes the underlying backend.
func (q *Queue) Backend() Backend { return q.backend }

// Close releases backend resources.
func (q *Queue) Close() error { return q.backend.Close() }

// Ping checks backend connectivity.
func (q *Queue) Ping(ctx context.Context) error { return q.backend.Ping(ctx) }

// Enqueue pushes msg onto the named queue and returns the queue length after
// the push.
func (q *Queue) Enqueue(ctx context.Context, queueName string, msg Message) (int64, error) {
	payload, err := Encode(msg)
	if err != nil {
		return 0, err
	}
	n, err := q.backend.Enqueue(ctx, queueName, payload)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", queueName, err)
	}
	return n, nil
}

// Dequeue pops the next message, waiting up to timeout. A nil message means
// the wait timed out. A payload that fails validation is consumed and
// returned as an ErrValidation error.
func (q *Queue) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*Message, error) {
	payload, err := q.backend.Dequeue(ctx, queueName, timeout)
	if err != nil {
		return nil, fmt.Errorf("dequeue %s: %w", queueName, err)
	}
	if payload == nil {
		return nil, nil
	}
	msg, err := Decode(payload)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// Depth returns the number of waiting messages.
func (q *Queue) Depth(ctx context.Context, queueName string) (int64, error) {
	n, err := q.backend.Depth(ctx, queueName)
	if err != nil {
		return 0, fmt.Errorf("depth %s: %w", queueName, err)
	}
	return n, nil
}

// Depths returns the depth of every class queue.
func (q *Queue) Depths(ctx context.Context) (map[pipeline.Class]int64, error) {
	out := make(map[pipeline.Class]int64, len(pipeline.AllClasses))
	for _, c := range pipeline.AllClasses {
		n, err := q.Depth(ctx, c.QueueName())
		if err != nil {
			return nil, err
		}
		out[c] = n
	}
	return out, nil
}

// Schedule places msg on the retry schedule. msg must carry its release time
// and original queue (see Message.ScheduledRetry).
func (q *Queue) Schedule(ctx context.Context, msg Message) error {
	releaseAt, ok := msg.RetryAt()
	if !ok {
		return services.Wrap(services.ErrValidation, "", "schedule retry", "message has no retry_at", nil)
	}
	payload, err := Encode(msg)
	if err != nil {
		return err
	}
	entry := ScheduledEntry{Queue: msg.TargetQueue(), Key: msg.Key(), Payload: payload, ReleaseAt: releaseAt}
	if err := q.backend.Schedule(ctx, entry); err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	return nil
}

// ClaimDue removes and returns up to limit entries released at or before now.
// Entries that fail to decode are dropped and reported in the error.
func (q *Queue) ClaimDue(ctx context.Context, now time.Time, limit int) ([]ScheduledMessage, error) {
	entries, err := q.backend.ClaimDue(ctx, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due retries: %w", err)
	}
	return decodeScheduled(entries)
}

// PendingRetries lists the schedule ordered by release time.
func (q *Queue) PendingRetries(ctx context.Context) ([]ScheduledMessage, error) {
	entries, err := q.backend.Scheduled(ctx)
	if err != nil {
		return nil, fmt.Errorf("list scheduled retries: %w", err)
	}
	out, err := decodeScheduled(entries)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReleaseAt.Before(out[j].ReleaseAt) })
	return out, err
}

// CancelRetry removes scheduled entries for the artifact and reports how many
// were removed.
func (q *Queue) CancelRetry(ctx context.Context, key Key) (int, error) {
	n, err := q.backend.CancelScheduled(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("cancel retry: %w", err)
	}
	return n, nil
}

func decodeScheduled(entries []ScheduledEntry) ([]ScheduledMessage, error) {
	out := make([]ScheduledMessage, 0, len(entries))
	var firstErr error
	for _, entry := range entries {
		msg, err := Decode(entry.Payload)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = append(out, ScheduledMessage{Message: msg, Queue: entry.Queue, ReleaseAt: entry.ReleaseAt})
	}
	return out, firstErr
}

// PutDeadLetter writes rec, replacing any record with the same key. The
// record expires after retention.
func (q *Queue) PutDeadLetter(ctx context.Context, rec DeadLetter, retention time.Duration) error {
	if rec.FailureTime.IsZero() {
		rec.FailureTime = q.now().UTC()
	}
	if rec.Class == "" {
		rec.Class = rec.Message.Class
	}
	if rec.OriginalQueue == "" {
		rec.OriginalQueue = rec.Message.TargetQueue()
	}
	rec.ExpiresAt = rec.FailureTime.Add(retention)
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	entry := DeadLetterEntry{
		Key:       rec.Key(),
		Class:     string(rec.Class),
		Record:    data,
		FailedAt:  rec.FailureTime,
		ExpiresAt: rec.ExpiresAt,
		Retention: retention,
	}
	if err := q.backend.PutDeadLetter(ctx, entry); err != nil {
		return fmt.Errorf("put dead letter: %w", err)
	}
	return nil
}

// GetDeadLetter returns the record or nil when absent or expired.
func (q *Queue) GetDeadLetter(ctx context.Context, key Key) (*DeadLetter, error) {
	data, err := q.backend.GetDeadLetter(ctx, key, q.now())
	if err != nil {
		return nil, fmt.Errorf("get dead letter: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	var rec DeadLetter
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode dead letter %s: %w", key, err)
	}
	return &rec, nil
}

// ListDeadLetters returns the live records of a class, oldest failure first.
func (q *Queue) ListDeadLetters(ctx context.Context, class pipeline.Class) ([]DeadLetter, error) {
	raw, err := q.backend.ListDeadLetters(ctx, string(class), q.now())
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	out := make([]DeadLetter, 0, len(raw))
	for _, data := range raw {
		var rec DeadLetter
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].FailureTime.Before(out[j].FailureTime) })
	return out, nil
}

// DeleteDeadLetter removes a record and reports whether it existed.
func (q *Queue) DeleteDeadLetter(ctx context.Context, key Key, class pipeline.Class) (bool, error) {
	ok, err := q.backend.DeleteDeadLetter(ctx, key, string(class))
	if err != nil {
		return false, fmt.Errorf("delete dead letter: %w", err)
	}
	return ok, nil
}

// PurgeExpired drops records past their retention.
func (q *Queue) PurgeExpired(ctx context.Context) (int, error) {
	n, err := q.backend.PurgeExpired(ctx, q.now())
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}
	return n, nil
}
