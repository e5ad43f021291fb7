package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"

	"casegraph/internal/admin"
	"casegraph/internal/logging"
	"casegraph/internal/retry"
	"casegraph/internal/status"
	"casegraph/internal/worker"
)

// Sweeper runs the retry sweep loop until ctx ends.
type Sweeper interface {
	RunSweeper(ctx context.Context) error
}

// Options lists the components to supervise. Nil or empty entries are
// skipped.
type Options struct {
	// LockPath enables single-instance locking when set.
	LockPath string
	Workers  []*worker.Runtime
	Sweeper  Sweeper
	Relay    *status.Relay
	Admin    *admin.Server
}

// Daemon coordinates background components and enforces single-instance
// execution.
type Daemon struct {
	opts   Options
	logger *slog.Logger
	lock   *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu         sync.Mutex
	sweeperErr error
	relayErr   error
}

// WorkerStatus reports one worker loop.
type WorkerStatus struct {
	Queue     string
	LastError string
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	LockFilePath string
	AdminAddr    string
	Workers      []WorkerStatus
	SweeperError string
	RelayError   string
}

// New constructs a daemon.
func New(opts Options, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = logging.NewNop()
	}
	d := &Daemon{opts: opts, logger: logging.NewComponentLogger(logger, "daemon")}
	if opts.LockPath != "" {
		d.lock = flock.New(opts.LockPath)
	}
	return d
}

// Start acquires the lock and launches every component.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	if d.lock != nil {
		if err := os.MkdirAll(filepath.Dir(d.opts.LockPath), 0o755); err != nil {
			return fmt.Errorf("create lock directory: %w", err)
		}
		ok, err := d.lock.TryLock()
		if err != nil {
			return fmt.Errorf("acquire lock: %w", err)
		}
		if !ok {
			return fmt.Errorf("another casegraph process already owns %s", d.opts.LockPath)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if d.opts.Admin != nil {
		if err := d.opts.Admin.Start(runCtx); err != nil {
			cancel()
			d.unlock()
			return fmt.Errorf("start admin server: %w", err)
		}
	}

	for _, w := range d.opts.Workers {
		if err := w.Start(runCtx); err != nil {
			d.logger.Warn("worker start failed",
				logging.String(logging.FieldQueue, w.QueueName()),
				logging.Error(err),
			)
		}
	}

	if d.opts.Sweeper != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			err := d.opts.Sweeper.RunSweeper(runCtx)
			if err == nil {
				return
			}
			d.mu.Lock()
			d.sweeperErr = err
			d.mu.Unlock()
			if errors.Is(err, retry.ErrSweeperLocked) {
				d.logger.Info("retry sweeper already running elsewhere on this host", logging.Error(err))
				return
			}
			logging.ErrorWithContext(d.logger, "retry sweeper stopped", "sweeper_failed",
				logging.String(logging.FieldErrorHint, "scheduled retries are not released until a sweeper runs"),
				logging.Error(err),
			)
		}()
	}

	if d.opts.Relay != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.opts.Relay.Run(runCtx, nil); err != nil && runCtx.Err() == nil {
				d.mu.Lock()
				d.relayErr = err
				d.mu.Unlock()
				logging.WarnWithContext(d.logger, "status relay stopped", "status_relay_failed",
					logging.String(logging.FieldErrorHint, "admin status endpoints only see local events"),
					logging.Error(err),
				)
			}
		}()
	}

	d.running.Store(true)
	d.logger.Info("casegraph daemon started",
		logging.String("lock", d.opts.LockPath),
		logging.Int("workers", len(d.opts.Workers)),
		logging.Bool("sweeper", d.opts.Sweeper != nil),
		logging.String(logging.FieldEventType, "daemon_started"),
	)
	return nil
}

// Stop stops every component, waits for in-flight messages and releases the
// lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	for _, w := range d.opts.Workers {
		w.Stop()
	}
	if d.opts.Admin != nil {
		d.opts.Admin.Stop()
	}
	d.wg.Wait()
	d.unlock()
	d.running.Store(false)
	d.logger.Info("casegraph daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
}

func (d *Daemon) unlock() {
	if d.lock == nil {
		return
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
}

// Status returns the current daemon status.
func (d *Daemon) Status() Status {
	st := Status{
		Running:      d.running.Load(),
		LockFilePath: d.opts.LockPath,
	}
	if d.opts.Admin != nil {
		st.AdminAddr = d.opts.Admin.Addr()
	}
	for _, w := range d.opts.Workers {
		ws := WorkerStatus{Queue: w.QueueName()}
		if err := w.LastError(); err != nil {
			ws.LastError = err.Error()
		}
		st.Workers = append(st.Workers, ws)
	}
	d.mu.Lock()
	if d.sweeperErr != nil {
		st.SweeperError = d.sweeperErr.Error()
	}
	if d.relayErr != nil {
		st.RelayError = d.relayErr.Error()
	}
	d.mu.Unlock()
	return st
}
