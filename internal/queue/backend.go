package queue

import (
	"context"
	"time"
)

// ScheduledEntry is one entry on the retry schedule.
type ScheduledEntry struct {
	Queue     string
	Key       Key
	Payload   []byte
	ReleaseAt time.Time
}

// DeadLetterEntry is an encoded dead-letter record. Records stop being
// visible at ExpiresAt; Retention bounds physical storage where the backend
// supports key expiry.
type DeadLetterEntry struct {
	Key       Key
	Class     string
	Record    []byte
	FailedAt  time.Time
	ExpiresAt time.Time
	Retention time.Duration
}

// Backend stores raw payloads. Implementations must deliver each enqueued
// payload to at most one Dequeue caller and must let only one caller claim a
// due scheduled entry.
type Backend interface {
	Enqueue(ctx context.Context, queue string, payload []byte) (int64, error)
	// Dequeue blocks up to timeout and returns nil when nothing arrived.
	Dequeue(ctx context.Context, queue string, timeout time.Duration) ([]byte, error)
	Depth(ctx context.Context, queue string) (int64, error)

	Schedule(ctx context.Context, entry ScheduledEntry) error
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]ScheduledEntry, error)
	Scheduled(ctx context.Context) ([]ScheduledEntry, error)
	CancelScheduled(ctx context.Context, key Key) (int, error)

	PutDeadLetter(ctx context.Context, entry DeadLetterEntry) error
	GetDeadLetter(ctx context.Context, key Key, now time.Time) ([]byte, error)
	ListDeadLetters(ctx context.Context, class string, now time.Time) ([][]byte, error)
	DeleteDeadLetter(ctx context.Context, key Key, class string) (bool, error)
	PurgeExpired(ctx context.Context, now time.Time) (int, error)

	Ping(ctx context.Context) error
	// Close releases backend state. Shared connections stay open.
	Close() error
}
