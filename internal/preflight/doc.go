// Package preflight provides readiness checks for the services and paths
// casegraph depends on.
//
// The "casegraph preflight" command runs RunAll and prints each result.
// Processes started with "casegraph serve" run the same checks once at
// startup and log failures without refusing to start, since workers recover
// from a late store or queue on their own.
//
// Checks for optional features are skipped when the feature is disabled.
package preflight
