package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"casegraph/internal/config"
	"casegraph/internal/daemon"
	"casegraph/internal/deps"
	"casegraph/internal/logging"
	"casegraph/internal/pipeline"
)

// Options selects what one process runs.
type Options struct {
	// Process names the log file and pid file.
	Process string
	// Classes limits the worker loops; empty means every runnable class.
	Classes []pipeline.Class
	// NoWorkers disables worker loops entirely.
	NoWorkers bool
	Sweeper   bool
	Admin     bool
}

// Run starts the selected components and blocks until SIGINT or SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if opts.Process == "" {
		opts.Process = "serve"
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger, err := logging.NewFromConfig(cfg, opts.Process)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logging.PruneLogs(logger, cfg.Paths.LogDir, cfg.Logging.RetentionDays, time.Now(), logging.LogFileName(opts.Process))

	pidPath := filepath.Join(cfg.Paths.DataDir, "casegraph-"+opts.Process+".pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	logDependencySnapshot(logger, cfg)

	c, err := Open(signalCtx, cfg, logger)
	if err != nil {
		logging.ErrorWithContext(logger, "open components", "components_open_failed",
			logging.String(logging.FieldErrorHint, "check store, queue and graph settings with `casegraph preflight`"),
			logging.Error(err),
		)
		return err
	}
	defer c.Close(context.WithoutCancel(signalCtx))

	for _, r := range c.Preflight(signalCtx) {
		if !r.Passed {
			logging.WarnWithContext(logger, "preflight check failed", "preflight_failed",
				logging.String("check", r.Name),
				logging.String("detail", r.Detail),
				logging.String(logging.FieldErrorHint, "run `casegraph preflight` for the full report"),
			)
		}
	}

	dopts := daemon.Options{}
	if !opts.NoWorkers {
		reg, err := c.Registry()
		if err != nil {
			return fmt.Errorf("build executors: %w", err)
		}
		workers, err := c.Workers(reg, opts.Classes...)
		if err != nil {
			return err
		}
		dopts.Workers = workers
	}
	if opts.Sweeper {
		dopts.Sweeper = c.Retry
	}
	if opts.Admin {
		dopts.Admin = c.Admin()
		dopts.LockPath = filepath.Join(cfg.Paths.DataDir, "casegraph.lock")
		// the hub is only read by the admin server
		dopts.Relay = c.Relay
	}

	d := daemon.New(dopts, logger)
	if err := d.Start(signalCtx); err != nil {
		return err
	}
	defer d.Stop()

	<-signalCtx.Done()
	logger.Info("casegraph shutting down", logging.String("process", opts.Process))
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logDependencySnapshot(logger *slog.Logger, cfg *config.Config) {
	if logger == nil || cfg == nil {
		return
	}
	attrs := []any{
		logging.String(logging.FieldEventType, "dependency_snapshot"),
		logging.String("store_driver", cfg.Store.Driver),
		logging.String("queue_backend", cfg.Queue.Backend),
		logging.String("graph_sink", cfg.Graph.Sink),
		logging.String("llm_provider", cfg.LLM.Provider),
		logging.Bool("llm_key_present", strings.TrimSpace(cfg.LLM.APIKey) != ""),
	}
	for _, s := range deps.CheckBinaries(deps.ExecutorRequirements(cfg)) {
		key := strings.ReplaceAll(strings.ToLower(s.Name), " ", "_")
		attrs = append(attrs, logging.Bool(key+"_available", s.Available))
	}
	logger.Info("dependency snapshot", attrs...)
}
