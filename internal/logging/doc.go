// Package logging assembles structured slog loggers and formatting helpers used
// across casegraph processes.
//
// It owns the console and JSON handlers, fans records out to a per-process JSON
// log file through slog-multi, and exposes context-aware helpers so worker code
// automatically tags log lines with job IDs, artifact IDs, stages, and queue
// names. The package also provides a no-op logger for tests and wiring code
// that cannot fail.
package logging
