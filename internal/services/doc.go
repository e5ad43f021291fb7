// Package services defines shared utilities consumed by the worker runtime,
// the retry manager and the stage executors.
//
// Key responsibilities:
//   - Context helpers that stamp job IDs, artifact IDs, stage names, queue
//     names and correlation identifiers for logging.
//   - Structured error markers plus the Wrap helper so failures can be
//     classified with errors.Is regardless of where they were raised.
//   - StageError, which carries the stage name and captured stack of a failed
//     stage into dead-letter records.
package services
