package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// IsProcessLog reports whether name is a log file written by a casegraph
// process (see LogFileName).
func IsProcessLog(name string) bool {
	if name == LogFileName("") {
		return true
	}
	process, ok := strings.CutPrefix(name, "casegraph-")
	if !ok {
		return false
	}
	process, ok = strings.CutSuffix(process, ".log")
	return ok && process != ""
}

// PruneLogs deletes process logs in dir last written before now minus
// retentionDays and returns how many were removed. Files named in active are
// kept regardless of age. retentionDays <= 0 keeps everything.
func PruneLogs(logger *slog.Logger, dir string, retentionDays int, now time.Time, active ...string) int {
	dir = strings.TrimSpace(dir)
	if retentionDays <= 0 || dir == "" {
		return 0
	}
	if logger == nil {
		logger = NewNop()
	}
	cutoff := now.AddDate(0, 0, -retentionDays)

	keep := make(map[string]struct{}, len(active))
	for _, name := range active {
		keep[filepath.Base(strings.TrimSpace(name))] = struct{}{}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			WarnWithContext(logger, "log retention skipped", "log_retention_failed",
				String("log_dir", dir),
				String(FieldErrorHint, "check paths.log_dir permissions"),
				Error(err),
			)
		}
		return 0
	}

	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !IsProcessLog(name) {
			continue
		}
		if _, ok := keep[name]; ok {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(dir, name)
		if err := os.Remove(path); err != nil {
			WarnWithContext(logger, "log retention remove failed; file remains", "log_retention_failed",
				String("path", path),
				String(FieldErrorHint, "check paths.log_dir ownership"),
				String(FieldImpact, "old process log remains on disk"),
				Error(err),
			)
			continue
		}
		removed++
		logger.Debug("process log pruned",
			String(FieldEventType, "log_pruned"),
			String("path", path),
			String("last_write", info.ModTime().UTC().Format(time.RFC3339)),
		)
	}
	if removed > 0 {
		logger.Info("log retention pass finished",
			String(FieldEventType, "log_retention"),
			Int("removed", removed),
			Int("retention_days", retentionDays),
		)
	}
	return removed
}
