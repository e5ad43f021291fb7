// Package completion aggregates artifact outcomes into job and case state.
//
// A job completes once every one of its artifacts is terminal and at least
// total_count artifacts exist. Failed artifacts do not fail the job; they are
// listed in the job's error message instead. Evaluation is idempotent: the
// completing write is guarded on the job not already being complete.
package completion
