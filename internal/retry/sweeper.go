package retry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"casegraph/internal/logging"
)

// ErrSweeperLocked is returned when another sweeper on this host holds the lock.
var ErrSweeperLocked = errors.New("another retry sweeper is already running")

// Redispatcher re-enqueues artifacts whose heartbeat predates cutoff.
type Redispatcher interface {
	RedispatchStale(ctx context.Context, cutoff time.Time) (int, error)
}

// SweepResult counts the work done by one Sweep.
type SweepResult struct {
	Released    int
	Rescheduled int
	Purged      int
}

// Sweep releases every due retry to its original queue and purges expired
// dead-letter records. An entry whose enqueue fails is rescheduled one sweep
// interval later.
func (m *Manager) Sweep(ctx context.Context) (SweepResult, error) {
	var (
		result SweepResult
		errs   []error
	)
	now := m.now()
	for {
		batch, err := m.queue.ClaimDue(ctx, now, m.opts.SweepBatch)
		if err != nil {
			if batch == nil {
				return result, err
			}
			logging.WarnWithContext(m.logger, "dropped undecodable retry entry", "retry_entry_invalid",
				logging.String(logging.FieldErrorHint, "the entry was written by an incompatible producer"),
				logging.Error(err),
			)
		}
		for _, entry := range batch {
			_, err := m.queue.Enqueue(ctx, entry.Queue, entry.Message.Released())
			if err == nil {
				result.Released++
				continue
			}
			m.logger.Warn("release failed; rescheduling",
				logging.String(logging.FieldJobID, entry.Message.JobID),
				logging.String(logging.FieldArtifactID, entry.Message.ArtifactID),
				logging.String(logging.FieldQueue, entry.Queue),
				logging.String(logging.FieldEventType, "retry_release_failed"),
				logging.Error(err),
			)
			retryAt := now.Add(m.opts.SweepInterval)
			rescheduled := entry.Message.ScheduledRetry(entry.Message.RetryCount(), retryAt, entry.Queue)
			if err := m.queue.Schedule(ctx, rescheduled); err != nil {
				errs = append(errs, fmt.Errorf("reschedule %s: %w", entry.Message.Key(), err))
				continue
			}
			result.Rescheduled++
		}
		if len(batch) < m.opts.SweepBatch {
			break
		}
	}

	purged, err := m.queue.PurgeExpired(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	result.Purged = purged
	return result, errors.Join(errs...)
}

// RunSweeper sweeps every SweepInterval until ctx ends. Only one sweeper per
// host runs at a time; a second caller gets ErrSweeperLocked.
func (m *Manager) RunSweeper(ctx context.Context) error {
	if m.opts.LockPath == "" {
		return errors.New("sweeper lock path is not configured")
	}
	if err := os.MkdirAll(filepath.Dir(m.opts.LockPath), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	lock := flock.New(m.opts.LockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire sweeper lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w (lock %s)", ErrSweeperLocked, m.opts.LockPath)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			m.logger.Warn("failed to release sweeper lock", logging.Error(err))
		}
	}()

	m.logger.Info("retry sweeper started",
		logging.String("lock", m.opts.LockPath),
		logging.Duration("interval", m.opts.SweepInterval),
	)

	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()

	var redispatchC <-chan time.Time
	if m.redispatch != nil && m.opts.RedispatchInterval > 0 && m.opts.StaleAfter > 0 {
		redispatchTicker := time.NewTicker(m.opts.RedispatchInterval)
		defer redispatchTicker.Stop()
		redispatchC = redispatchTicker.C
	}

	m.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("retry sweeper stopped")
			return nil
		case <-ticker.C:
			m.sweepOnce(ctx)
		case <-redispatchC:
			m.redispatchOnce(ctx)
		}
	}
}

func (m *Manager) sweepOnce(ctx context.Context) {
	result, err := m.Sweep(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		logging.ErrorWithContext(m.logger, "retry sweep failed", "retry_sweep_failed",
			logging.String(logging.FieldErrorHint, "check queue backend connectivity"),
			logging.Error(err),
		)
	}
	if result.Released > 0 || result.Rescheduled > 0 || result.Purged > 0 {
		m.logger.Info("retry sweep",
			logging.Int("released", result.Released),
			logging.Int("rescheduled", result.Rescheduled),
			logging.Int("purged", result.Purged),
			logging.String(logging.FieldEventType, "retry_sweep"),
		)
	}
}

func (m *Manager) redispatchOnce(ctx context.Context) {
	cutoff := m.now().Add(-m.opts.StaleAfter)
	n, err := m.redispatch.RedispatchStale(ctx, cutoff)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		logging.WarnWithContext(m.logger, "stale re-dispatch failed", "redispatch_failed",
			logging.String(logging.FieldErrorHint, "stuck artifacts stay where they are until the next pass"),
			logging.Error(err),
		)
		return
	}
	if n > 0 {
		m.logger.Info("re-dispatched stale artifacts", logging.Int("count", n))
	}
}
